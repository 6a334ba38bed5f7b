package llm

import (
	"encoding/json"
	"strings"

	"memscreen/internal/memerr"
)

// Decode unmarshals an LLM response into v, tolerating the artifacts models
// wrap around JSON: a reasoning prelude separated by a blank line, markdown
// code fences, stray wrapping quotes, and Python literal syntax. Stages run
// in order and stop at the first success:
//
//  1. sanitize (prelude cut, fence strip, trim) then standard parse
//  2. balanced object/array extraction from the sanitized text
//  3. Python-literal conversion of the extracted text, then parse
//  4. stages 2-3 again over the raw input
//
// On total failure the error is KindParse; callers take their documented
// empty-result branch.
func Decode(raw string, v any) error {
	const op = "llm.Decode"

	cleaned := Sanitize(raw)
	if cleaned != "" {
		if err := json.Unmarshal([]byte(cleaned), v); err == nil {
			return nil
		}
		if tryExtract(cleaned, v) {
			return nil
		}
	}
	if tryExtract(raw, v) {
		return nil
	}
	return memerr.Errorf(op, memerr.KindParse, "no parseable JSON in response (%d bytes)", len(raw))
}

func tryExtract(s string, v any) bool {
	lit, ok := extractLiteral(s)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(lit), v); err == nil {
		return true
	}
	return json.Unmarshal([]byte(pythonToJSON(lit)), v) == nil
}

// Sanitize strips the response artifacts in order: content before the last
// blank-line separator, triple-backtick fencing, surrounding whitespace, and
// stray quotes wrapping the whole literal.
func Sanitize(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.TrimSpace(s)

	// Reasoning preludes end with a blank line before the payload. Keep the
	// cut only when the remainder still looks like a payload.
	if idx := strings.LastIndex(s, "\n\n"); idx >= 0 {
		tail := strings.TrimSpace(s[idx+2:])
		if strings.HasPrefix(tail, "{") || strings.HasPrefix(tail, "[") || strings.HasPrefix(tail, "```") {
			s = tail
		}
	}

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}

	// Stray quotes around the whole object: "{...}" or {...}".
	for len(s) > 1 && s[0] == '"' && (s[1] == '{' || s[1] == '[') {
		s = strings.TrimSpace(s[1:])
	}
	for len(s) > 1 && s[len(s)-1] == '"' && (s[len(s)-2] == '}' || s[len(s)-2] == ']') {
		s = strings.TrimSpace(s[:len(s)-1])
	}
	return s
}

// extractLiteral scans for the first balanced JSON object or array, honoring
// string boundaries and escapes so braces inside values do not confuse the
// depth count.
func extractLiteral(s string) (string, bool) {
	start := -1
	var opener, closer byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			start = i
			opener = s[i]
			if opener == '{' {
				closer = '}'
			} else {
				closer = ']'
			}
			break
		}
	}
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	var quote byte
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch ch {
			case '\\':
				escaped = true
			case quote:
				inString = false
			}
			continue
		}
		switch ch {
		case '"', '\'':
			inString = true
			quote = ch
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// pythonToJSON converts a Python-repr literal to JSON: single-quoted strings
// become double-quoted with inner quotes escaped, and the bare constants
// True, False, and None become their JSON spellings.
func pythonToJSON(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString := false
	var quote byte
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]

		if inString {
			if escaped {
				escaped = false
				if ch == '\'' && quote == '\'' {
					// \' has no meaning in JSON.
					b.WriteByte('\'')
					continue
				}
				b.WriteByte('\\')
				b.WriteByte(ch)
				continue
			}
			switch ch {
			case '\\':
				escaped = true
			case quote:
				inString = false
				b.WriteByte('"')
			case '"':
				if quote == '\'' {
					b.WriteString(`\"`)
				} else {
					b.WriteByte('"')
				}
			default:
				b.WriteByte(ch)
			}
			continue
		}

		switch ch {
		case '\'', '"':
			inString = true
			quote = ch
			b.WriteByte('"')
		case 'T', 'F', 'N':
			if token, repl, ok := pythonConstant(s, i); ok {
				b.WriteString(repl)
				i += len(token) - 1
			} else {
				b.WriteByte(ch)
			}
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

func pythonConstant(s string, i int) (token, repl string, ok bool) {
	for _, c := range []struct{ token, repl string }{
		{"True", "true"},
		{"False", "false"},
		{"None", "null"},
	} {
		if !strings.HasPrefix(s[i:], c.token) {
			continue
		}
		end := i + len(c.token)
		if end < len(s) && isIdentChar(s[end]) {
			continue
		}
		if i > 0 && isIdentChar(s[i-1]) {
			continue
		}
		return c.token, c.repl, true
	}
	return "", "", false
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
