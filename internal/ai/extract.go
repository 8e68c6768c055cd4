package ai

import "encoding/json"

// ExtractJSON pulls the first balanced top-level {...} group out of text,
// respecting quoted strings and escapes, and discards everything outside it
// (spec.md §4.6 "JSON extraction"). A direct parse is attempted first; on
// malformed input it returns nil and false, never an error.
func ExtractJSON(text string) (json.RawMessage, bool) {
	trimmed := []byte(text)
	if json.Valid(trimmed) && len(trimmed) > 0 && trimmed[0] == '{' {
		return trimmed, true
	}

	start := -1
	for i, b := range trimmed {
		if b == '{' {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(trimmed); i++ {
		b := trimmed[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := trimmed[start : i+1]
				if json.Valid(candidate) {
					return candidate, true
				}
				return nil, false
			}
		}
	}
	return nil, false
}

// StripCodeFences removes a leading/trailing markdown code fence from
// generated code (spec.md §4.6: "Sonnet generates code (strips markdown
// fences)").
func StripCodeFences(text string) string {
	lines := splitLines(text)
	if len(lines) == 0 {
		return text
	}
	start, end := 0, len(lines)
	if isFence(lines[0]) {
		start = 1
	}
	if end > start && isFence(lines[end-1]) {
		end--
	}
	if start == 0 && end == len(lines) {
		return text
	}
	out := ""
	for i := start; i < end; i++ {
		out += lines[i]
		if i < end-1 {
			out += "\n"
		}
	}
	return out
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, trimCR(s[start:i]))
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, trimCR(s[start:]))
	}
	return lines
}

func trimCR(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\r' {
		return s[:len(s)-1]
	}
	return s
}

func isFence(line string) bool {
	return len(line) >= 3 && line[0] == '`' && line[1] == '`' && line[2] == '`'
}
