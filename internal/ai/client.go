// Package ai implements nightforge's LLM oracle client (spec.md §1: "the
// LLM provider protocol is treated as an oracle returning text, with retry
// + token accounting"). The HTTP shape follows the Anthropic messages API;
// the retry/backoff discipline is grounded on trader-go/internal/clients'
// http.Client-wrapping style with spec.md §5's 1/2/4s schedule layered on.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/nightforge/internal/apperr"
	"github.com/aristath/nightforge/internal/domain"
)

// Request is one completion call to the oracle.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
	Stage       string // recorded in token_usage for cost attribution
}

// Response is the oracle's answer plus its token accounting.
type Response struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// Oracle is the minimal surface the orchestrator depends on, so tests can
// substitute a scripted fake for the HTTP client.
type Oracle interface {
	Complete(ctx context.Context, req Request) (Response, error)
	TokensRemainingToday(ctx context.Context) (int, error)
}

// usageStore is the slice of the repository the client records spend
// through.
type usageStore interface {
	InsertTokenUsage(ctx context.Context, u domain.TokenUsage) error
	TokenUsageSince(ctx context.Context, since time.Time) (int, error)
}

// modelCost is per-million-token pricing used for the cost_usd column.
// Any model other than the configured strong model is priced at the weak
// tier.
type modelCost struct{ input, output float64 }

var modelCosts = map[string]modelCost{
	"strong": {input: 15.0, output: 75.0},
	"weak":   {input: 3.0, output: 15.0},
}

// Client calls an Anthropic-style messages endpoint with bounded retries.
type Client struct {
	baseURL    string
	apiKey     string
	dailyLimit int
	strongModel string
	weakModel   string
	httpClient *http.Client
	store      usageStore
	tz         *time.Location
	log        zerolog.Logger
}

// Config bundles the Client's construction parameters.
type Config struct {
	BaseURL     string // defaults to the Anthropic API
	APIKey      string
	StrongModel string
	WeakModel   string
	DailyLimit  int
	TZ          *time.Location
}

const defaultBaseURL = "https://api.anthropic.com"

// New builds an oracle client recording spend through store.
func New(cfg Config, store usageStore, log zerolog.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	tz := cfg.TZ
	if tz == nil {
		tz = time.UTC
	}
	return &Client{
		baseURL:     baseURL,
		apiKey:      cfg.APIKey,
		dailyLimit:  cfg.DailyLimit,
		strongModel: cfg.StrongModel,
		weakModel:   cfg.WeakModel,
		httpClient:  &http.Client{Timeout: 300 * time.Second},
		store:       store,
		tz:          tz,
		log:         log.With().Str("component", "ai").Logger(),
	}
}

// StrongModel returns the configured Opus-tier model id.
func (c *Client) StrongModel() string { return c.strongModel }

// WeakModel returns the configured Sonnet-tier model id.
func (c *Client) WeakModel() string { return c.weakModel }

// TokensRemainingToday returns the unspent portion of the daily token
// budget, measured over the current local day.
func (c *Client) TokensRemainingToday(ctx context.Context) (int, error) {
	now := time.Now().In(c.tz)
	y, m, d := now.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, c.tz).UTC()
	used, err := c.store.TokenUsageSince(ctx, midnight)
	if err != nil {
		return 0, err
	}
	remaining := c.dailyLimit - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

const (
	maxAttempts  = 3
	backoffBase  = 1 * time.Second
)

// transient reports whether the failure class should be retried per spec.md
// §5: timeout, rate limit, 5xx, overloaded, connection.
func transient(status int, err error) bool {
	if err != nil {
		return true // connection-level failure or timeout
	}
	if status == 429 || status >= 500 {
		return true
	}
	return false
}

// Complete sends one prompt and returns the text, retrying transient
// failures up to 3 attempts with exponential backoff (1s, then 2s), then
// recording token spend.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	remaining, err := c.TokensRemainingToday(ctx)
	if err != nil {
		return Response{}, err
	}
	if c.dailyLimit > 0 && remaining <= 0 {
		return Response{}, apperr.New(apperr.KindLLM, "ai.Complete", fmt.Errorf("daily token limit reached"))
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffBase << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Response{}, apperr.New(apperr.KindLLM, "ai.Complete", ctx.Err())
			}
		}

		resp, status, err := c.doOnce(ctx, req.Model, req.System, req.Prompt, maxTokens, req.Temperature)
		if err == nil && status < 400 {
			c.recordUsage(ctx, req, resp)
			return resp, nil
		}
		if err == nil {
			err = fmt.Errorf("api returned %d", status)
		}
		lastErr = err
		if !transient(status, errOrNil(status, err)) {
			return Response{}, apperr.New(apperr.KindLLM, "ai.Complete", err)
		}
		c.log.Warn().Err(err).Int("attempt", attempt+1).Str("model", req.Model).Msg("llm call failed, retrying")
	}
	return Response{}, apperr.New(apperr.KindLLM, "ai.Complete", fmt.Errorf("exhausted %d attempts: %w", maxAttempts, lastErr))
}

// errOrNil distinguishes "HTTP-level error" (retry decision on status) from
// a transport failure (always transient).
func errOrNil(status int, err error) error {
	if status > 0 {
		return nil
	}
	return err
}

type wireRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	System      string        `json:"system,omitempty"`
	Messages    []wireMessage `json:"messages"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) doOnce(ctx context.Context, model, system, prompt string, maxTokens int, temperature float64) (Response, int, error) {
	body, err := json.Marshal(wireRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		System:      system,
		Messages:    []wireMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return Response{}, 0, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return Response{}, 0, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, 0, err
	}
	defer httpResp.Body.Close()

	var wire wireResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&wire); err != nil {
		return Response{}, httpResp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	if httpResp.StatusCode >= 400 {
		msg := "unknown error"
		if wire.Error != nil {
			msg = wire.Error.Message
			if strings.Contains(strings.ToLower(wire.Error.Type), "overloaded") {
				return Response{}, 529, fmt.Errorf("overloaded: %s", msg)
			}
		}
		return Response{}, httpResp.StatusCode, fmt.Errorf("api error: %s", msg)
	}

	var text strings.Builder
	for _, block := range wire.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return Response{
		Text:             text.String(),
		PromptTokens:     wire.Usage.InputTokens,
		CompletionTokens: wire.Usage.OutputTokens,
		CostUSD:          c.costFor(model, wire.Usage.InputTokens, wire.Usage.OutputTokens),
	}, httpResp.StatusCode, nil
}

func (c *Client) costFor(model string, in, out int) float64 {
	tier := "weak"
	if model == c.strongModel {
		tier = "strong"
	}
	cost, ok := modelCosts[tier]
	if !ok {
		return 0
	}
	return float64(in)/1e6*cost.input + float64(out)/1e6*cost.output
}

func (c *Client) recordUsage(ctx context.Context, req Request, resp Response) {
	err := c.store.InsertTokenUsage(ctx, domain.TokenUsage{
		Timestamp:        time.Now().UTC(),
		Stage:            req.Stage,
		Model:            req.Model,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		CostUSD:          resp.CostUSD,
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to record token usage")
	}
}
