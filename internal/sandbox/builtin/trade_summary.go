// Package builtin is a trivial, known-good analysis module bundled as a
// sandbox self-test fixture, mirroring internal/strategyworker/builtin's
// role for the strategy variant.
package builtin

import (
	"context"

	"github.com/aristath/nightforge/internal/domain"
)

// TradeSummary reports the row count of every table in the schema it is
// handed, touching only domain.ReadOnlyQuerier.
type TradeSummary struct{}

// New constructs the bundled reference analysis module.
func New() domain.AnalysisModule { return &TradeSummary{} }

func (a *TradeSummary) Analyze(ctx context.Context, db domain.ReadOnlyQuerier, schema domain.SchemaDescription) (map[string]any, error) {
	counts := make(map[string]any, len(schema.Tables))
	for table := range schema.Tables {
		rows, err := db.Query(ctx, "SELECT COUNT(*) AS n FROM "+table)
		if err != nil {
			return nil, err
		}
		n := 0
		if len(rows) == 1 {
			if v, ok := rows[0]["n"].(int64); ok {
				n = int(v)
			}
		}
		counts[table] = n
	}
	return map[string]any{"row_counts": counts}, nil
}
