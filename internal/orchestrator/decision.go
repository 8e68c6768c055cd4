package orchestrator

import (
	"encoding/json"
	"strings"

	"github.com/aristath/nightforge/internal/ai"
)

// DecisionType is the tagged variant the nightly analysis call resolves to.
type DecisionType string

const (
	DecisionNoChange             DecisionType = "NO_CHANGE"
	DecisionMarketAnalysisUpdate DecisionType = "MARKET_ANALYSIS_UPDATE"
	DecisionTradeAnalysisUpdate  DecisionType = "TRADE_ANALYSIS_UPDATE"
	DecisionCreateCandidate      DecisionType = "CREATE_CANDIDATE"
	DecisionCancelCandidate      DecisionType = "CANCEL_CANDIDATE"
	DecisionPromoteCandidate     DecisionType = "PROMOTE_CANDIDATE"
)

// Decision is the parsed nightly-analysis response. Raw always carries the
// unmodified model output for the audit spool, even when parsing fell back
// to NO_CHANGE (spec.md §9: "the raw response is always preserved").
type Decision struct {
	Decision               DecisionType `json:"decision"`
	Reasoning              string       `json:"reasoning"`
	SpecificChanges        string       `json:"specific_changes"`
	Slot                   *int         `json:"slot"`
	PositionHandling       string       `json:"position_handling"`
	EvaluationDurationDays *int         `json:"evaluation_duration_days"`
	MarketObservations     string       `json:"market_observations"`
	StrategyAssessment     string       `json:"strategy_assessment"`
	NotableFindings        string       `json:"notable_findings"`

	Raw string `json:"-"`
}

// ParseDecision resolves the model's text into a Decision with the
// permissive path of spec.md §9: strict schema parse first, then
// brace-balanced substring extraction, then a fixed NO_CHANGE fallback.
func ParseDecision(text string) Decision {
	fallback := Decision{Decision: DecisionNoChange, Reasoning: "unparseable analysis response", Raw: text}

	raw, ok := ai.ExtractJSON(text)
	if !ok {
		return fallback
	}

	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return fallback
	}
	d.Raw = text
	d.Decision = DecisionType(strings.ToUpper(strings.TrimSpace(string(d.Decision))))

	switch d.Decision {
	case DecisionNoChange, DecisionMarketAnalysisUpdate, DecisionTradeAnalysisUpdate,
		DecisionCreateCandidate, DecisionCancelCandidate, DecisionPromoteCandidate:
		return d
	default:
		fallback.Reasoning = "unknown decision type " + string(d.Decision)
		return fallback
	}
}

// codeReview is the strong model's verdict on one generated code revision.
type codeReview struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback"`
}

func parseCodeReview(text string) codeReview {
	raw, ok := ai.ExtractJSON(text)
	if !ok {
		return codeReview{Approved: false, Feedback: "review response was not parseable JSON"}
	}
	var r codeReview
	if err := json.Unmarshal(raw, &r); err != nil {
		return codeReview{Approved: false, Feedback: "review response was not parseable JSON"}
	}
	return r
}

// backtestReview is the strong model's verdict on one backtest result.
type backtestReview struct {
	Deploy               bool   `json:"deploy"`
	Reasoning            string `json:"reasoning"`
	Concerns             string `json:"concerns"`
	RevisionInstructions string `json:"revision_instructions"`
}

func parseBacktestReview(text string) backtestReview {
	raw, ok := ai.ExtractJSON(text)
	if !ok {
		return backtestReview{Deploy: false, RevisionInstructions: "backtest review response was not parseable JSON"}
	}
	var r backtestReview
	if err := json.Unmarshal(raw, &r); err != nil {
		return backtestReview{Deploy: false, RevisionInstructions: "backtest review response was not parseable JSON"}
	}
	return r
}
