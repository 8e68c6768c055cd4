package store

import "testing"

func TestCheckReadOnly(t *testing.T) {
	cases := []struct {
		name    string
		stmt    string
		blocked bool
	}{
		{"plain select", "SELECT * FROM trades WHERE symbol = ?", false},
		{"select with trailing semicolon", "SELECT 1;", false},
		{"insert", "INSERT INTO trades (symbol) VALUES ('BTC/USD')", true},
		{"update", "UPDATE positions SET qty = 0", true},
		{"delete", "DELETE FROM trades", true},
		{"drop table", "DROP TABLE trades", true},
		{"alter table", "ALTER TABLE trades ADD COLUMN x TEXT", true},
		{"create table", "CREATE TABLE evil (x TEXT)", true},
		{"replace", "REPLACE INTO positions VALUES (1)", true},
		{"attach", "ATTACH DATABASE 'x.db' AS x", true},
		{"pragma set", "PRAGMA journal_mode=DELETE", true},
		{"pragma read", "PRAGMA table_info(trades)", false},
		{"load_extension call", "SELECT load_extension('evil.so')", true},
		{"multi statement bypass", "SELECT 1; DROP TABLE trades", true},
		{"comment hides verb", "/* harmless */ DROP TABLE trades", true},
		{"cte write bypass", "WITH x AS (SELECT 1) INSERT INTO trades SELECT * FROM x", true},
		{"cte read only", "WITH x AS (SELECT 1) SELECT * FROM x", false},
		{"nul byte bypass attempt", "SELECT 1\x00; DROP TABLE trades", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := checkReadOnly(tc.stmt)
			if tc.blocked && err == nil {
				t.Fatalf("expected %q to be blocked, was allowed", tc.stmt)
			}
			if !tc.blocked && err != nil {
				t.Fatalf("expected %q to be allowed, got %v", tc.stmt, err)
			}
		})
	}
}
