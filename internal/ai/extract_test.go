package ai

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONDirect(t *testing.T) {
	raw, ok := ExtractJSON(`{"decision": "NO_CHANGE"}`)
	require.True(t, ok)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(raw, &parsed))
	assert.Equal(t, "NO_CHANGE", parsed["decision"])
}

func TestExtractJSONSurroundedByProse(t *testing.T) {
	text := "Here is my analysis.\n\n{\"decision\": \"CREATE_CANDIDATE\", \"reasoning\": \"momentum regime\"}\n\nLet me know."
	raw, ok := ExtractJSON(text)
	require.True(t, ok)

	var parsed map[string]string
	require.NoError(t, json.Unmarshal(raw, &parsed))
	assert.Equal(t, "CREATE_CANDIDATE", parsed["decision"])
}

func TestExtractJSONRespectsBracesInsideStrings(t *testing.T) {
	text := `preamble {"reasoning": "uses {curly} braces and a quote \" inside", "slot": 2} trailer`
	raw, ok := ExtractJSON(text)
	require.True(t, ok)

	var parsed struct {
		Reasoning string `json:"reasoning"`
		Slot      int    `json:"slot"`
	}
	require.NoError(t, json.Unmarshal(raw, &parsed))
	assert.Equal(t, 2, parsed.Slot)
	assert.Contains(t, parsed.Reasoning, "{curly}")
}

func TestExtractJSONNested(t *testing.T) {
	text := `x {"outer": {"inner": [1, 2, 3]}} y {"second": true}`
	raw, ok := ExtractJSON(text)
	require.True(t, ok)
	assert.JSONEq(t, `{"outer": {"inner": [1, 2, 3]}}`, string(raw))
}

func TestExtractJSONMalformed(t *testing.T) {
	for _, text := range []string{
		"no json here at all",
		"{unclosed",
		`{"bad": }`,
		"",
	} {
		raw, ok := ExtractJSON(text)
		assert.False(t, ok, "input %q", text)
		assert.Nil(t, raw)
	}
}

func TestStripCodeFences(t *testing.T) {
	code := "```go\npackage main\n\nfunc main() {}\n```"
	assert.Equal(t, "package main\n\nfunc main() {}", StripCodeFences(code))

	bare := "package main\n\nfunc main() {}"
	assert.Equal(t, bare, StripCodeFences(bare))
}
