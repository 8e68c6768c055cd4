package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/aristath/nightforge/internal/domain"
)

// writePattern matches a leading write-DML/DDL/transaction-control verb.
// Ported from original_source/src/statistics/readonly_db.py's
// _WRITE_PATTERNS, extended with PRAGMA's "set" form.
var writePattern = regexp.MustCompile(
	`(?i)^\s*(INSERT|UPDATE|DELETE|DROP|ALTER|CREATE|REPLACE|ATTACH|DETACH|REINDEX|VACUUM|PRAGMA\s+\w+\s*=|BEGIN|COMMIT|ROLLBACK|SAVEPOINT|RELEASE|LOAD_EXTENSION)`,
)

// cteWritePattern catches the "WITH ... INSERT/UPDATE/DELETE" bypass where a
// common table expression's terminal statement is a write.
var cteWritePattern = regexp.MustCompile(
	`(?is)^\s*WITH\b.*\b(INSERT|UPDATE|DELETE|DROP|ALTER|CREATE|REPLACE|LOAD_EXTENSION)\b`,
)

// loadExtensionCall catches load_extension() used as an ordinary SQL
// function call, e.g. "SELECT load_extension('evil')".
var loadExtensionCall = regexp.MustCompile(`(?i)\bload_extension\s*\(`)

// sqlComment strips block and line comments so they cannot be used to hide
// a write verb from the regexes above.
var sqlComment = regexp.MustCompile(`(?s)/\*.*?\*/|--[^\n]*`)

// ErrWriteBlocked is returned when a statement fails the read-only check.
type ErrWriteBlocked struct {
	Fragment string
}

func (e *ErrWriteBlocked) Error() string {
	return fmt.Sprintf("write operation blocked in read-only mode: %s", e.Fragment)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// checkReadOnly enforces spec.md §4.2/§8's read-only facade contract:
// strip NUL bytes and comments, reject load_extension() calls, reject any
// CTE whose terminal statement writes, then reject each ;-separated
// sub-statement that begins with a write verb.
func checkReadOnly(stmt string) error {
	cleaned := strings.ReplaceAll(stmt, "\x00", "")
	cleaned = sqlComment.ReplaceAllString(cleaned, "")

	if loadExtensionCall.MatchString(cleaned) {
		return &ErrWriteBlocked{Fragment: truncate(cleaned, 80)}
	}
	if cteWritePattern.MatchString(cleaned) {
		return &ErrWriteBlocked{Fragment: truncate(cleaned, 80)}
	}
	for _, sub := range strings.Split(cleaned, ";") {
		sub = strings.TrimSpace(sub)
		if sub != "" && writePattern.MatchString(sub) {
			return &ErrWriteBlocked{Fragment: truncate(sub, 80)}
		}
	}
	return nil
}

// ReadOnlyFacade is the capability handed to orchestrator-generated
// analysis modules. It never exposes the underlying *sql.DB so modules
// cannot reach write methods even via reflection on the facade itself.
type ReadOnlyFacade struct {
	conn *sql.DB
}

// NewReadOnlyFacade wraps db's connection in a write-checked facade.
func NewReadOnlyFacade(db *DB) *ReadOnlyFacade {
	return &ReadOnlyFacade{conn: db.conn}
}

// Query implements domain.ReadOnlyQuerier: a single write-checked statement
// that returns every row as a string-keyed map.
func (f *ReadOnlyFacade) Query(ctx context.Context, stmt string, args ...any) ([]map[string]any, error) {
	if err := checkReadOnly(stmt); err != nil {
		return nil, err
	}
	rows, err := f.conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// FetchOne executes a write-checked query and returns the first row, or nil
// if there are no results.
func (f *ReadOnlyFacade) FetchOne(ctx context.Context, stmt string, args ...any) (map[string]any, error) {
	rows, err := f.Query(ctx, stmt, args...)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// Schema returns the static table/column description handed to analysis
// modules alongside the facade (original_source/src/statistics/readonly_db.py
// get_schema_description).
func Schema() domain.SchemaDescription {
	col := func(name, typ string) domain.ColumnDescription { return domain.ColumnDescription{Name: name, Type: typ} }
	return domain.SchemaDescription{Tables: map[string][]domain.ColumnDescription{
		"candles": {
			col("symbol", "TEXT"), col("timeframe", "TEXT"), col("timestamp", "TEXT"),
			col("open", "REAL"), col("high", "REAL"), col("low", "REAL"), col("close", "REAL"), col("volume", "REAL"),
		},
		"trades": {
			col("symbol", "TEXT"), col("tag", "TEXT"), col("side", "TEXT"), col("qty", "REAL"),
			col("entry_price", "REAL"), col("exit_price", "REAL"), col("pnl", "REAL"), col("pnl_pct", "REAL"),
			col("fees", "REAL"), col("intent", "TEXT"), col("strategy_version", "TEXT"), col("strategy_regime", "TEXT"),
			col("opened_at", "TEXT"), col("closed_at", "TEXT"),
		},
		"signals": {
			col("symbol", "TEXT"), col("action", "TEXT"), col("tag", "TEXT"), col("size_pct", "REAL"),
			col("confidence", "REAL"), col("intent", "TEXT"), col("reasoning", "TEXT"), col("strategy_regime", "TEXT"),
			col("acted_on", "INTEGER"), col("rejected_reason", "TEXT"), col("created_at", "TEXT"),
		},
		"daily_performance": {
			col("date", "TEXT"), col("portfolio_value", "REAL"), col("cash", "REAL"), col("total_trades", "INTEGER"),
			col("wins", "INTEGER"), col("losses", "INTEGER"), col("gross_pnl", "REAL"), col("net_pnl", "REAL"),
			col("fees_total", "REAL"), col("win_rate", "REAL"), col("strategy_version", "TEXT"),
		},
		"positions": {
			col("symbol", "TEXT"), col("tag", "TEXT"), col("side", "TEXT"), col("qty", "REAL"),
			col("avg_entry", "REAL"), col("current_price", "REAL"), col("stop_loss", "REAL"),
			col("take_profit", "REAL"), col("intent", "TEXT"),
		},
		"fee_schedule": {
			col("symbol", "TEXT"), col("maker_fee_pct", "REAL"), col("taker_fee_pct", "REAL"), col("updated_at", "TEXT"),
		},
		"strategy_versions": {
			col("version", "TEXT"), col("parent_version", "TEXT"), col("description", "TEXT"),
			col("deployed_at", "TEXT"), col("retired_at", "TEXT"),
		},
		"orders": {
			col("exchange_txid", "TEXT"), col("symbol", "TEXT"), col("side", "TEXT"), col("order_type", "TEXT"),
			col("status", "TEXT"), col("qty", "REAL"), col("filled_qty", "REAL"), col("avg_fill_price", "REAL"),
			col("fee", "REAL"), col("purpose", "TEXT"),
		},
	}}
}
