package tools

import (
	"encoding/json"
	"strings"
	"unicode"
)

// NormalizeArguments repairs the free-form argument strings LLMs sometimes
// emit into strict JSON so schema validation can proceed. The repair passes
// run in a fixed order; the result is either valid JSON or the unchanged
// input (callers treat the latter as an error). Normalization is
// deterministic and idempotent on its own output.
func NormalizeArguments(input string) string {
	s := strings.TrimSpace(input)
	if s == "" {
		return input
	}
	if strictlyValid(s) {
		return input
	}

	s = stripLeadingNulls(s)
	s = stripTrailingNulls(s)
	s = unwrapQuotedJSON(s)
	s = escapeRawInStrings(s)
	s = quoteBarewordKeys(s)
	s = rebalanceBrackets(s)
	s = dropIllegalEscapes(s)
	s = wrapBareList(s)

	if isValidJSON(s) {
		return s
	}
	return input
}

// isValidJSON reports whether s parses fully as one JSON value with nothing
// but whitespace after it.
func isValidJSON(s string) bool {
	dec := json.NewDecoder(strings.NewReader(s))
	var v any
	if err := dec.Decode(&v); err != nil {
		return false
	}
	rest := strings.TrimSpace(s[dec.InputOffset():])
	return rest == ""
}

// strictlyValid means valid JSON that is not a textual value whose content
// itself looks like JSON (those get one unwrap layer instead).
func strictlyValid(s string) bool {
	if !isValidJSON(s) {
		return false
	}
	if s[0] != '"' {
		return true
	}
	var inner string
	if json.Unmarshal([]byte(s), &inner) != nil {
		return true
	}
	inner = strings.TrimSpace(inner)
	return !strings.HasPrefix(inner, "{") && !strings.HasPrefix(inner, "[")
}

// stripLeadingNulls removes null tokens at the extreme prefix as long as the
// remainder still begins with an object, array, or string literal.
func stripLeadingNulls(s string) string {
	for strings.HasPrefix(s, "null") {
		rest := strings.TrimSpace(s[4:])
		if rest == "" {
			break
		}
		if rest[0] == '{' || rest[0] == '[' || rest[0] == '"' || strings.HasPrefix(rest, "null") {
			s = rest
			continue
		}
		return s
	}
	return s
}

// stripTrailingNulls removes null tokens at the extreme suffix, peels quoted
// wrappers whose inner content ends in null, and drops dangling quote
// terminators that leave a balanced object or array.
func stripTrailingNulls(s string) string {
	for {
		t := strings.TrimSpace(s)
		if strings.HasSuffix(t, "null") && len(t) > 4 {
			s = strings.TrimSpace(t[:len(t)-4])
			continue
		}
		if len(t) >= 2 && t[0] == '"' {
			var inner string
			if json.Unmarshal([]byte(t), &inner) == nil && strings.HasSuffix(strings.TrimSpace(inner), "null") {
				s = strings.TrimSpace(inner)
				continue
			}
		}
		if strings.HasSuffix(t, `\"`) {
			if cand := t[:len(t)-2]; bracketsBalanced(cand) {
				s = cand
				continue
			}
		}
		if strings.HasSuffix(t, `"`) && len(t) > 1 {
			if cand := t[:len(t)-1]; bracketsBalanced(cand) {
				s = cand
				continue
			}
		}
		return t
	}
}

// bracketsBalanced reports whether braces and brackets outside string
// literals are balanced and the scan does not end inside a string.
func bracketsBalanced(s string) bool {
	depth := 0
	inStr := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch c {
			case '\\':
				i++
			case '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		}
	}
	return depth == 0 && !inStr
}

// unwrapQuotedJSON unescapes one layer when the whole value is a quoted
// escaped JSON object or array.
func unwrapQuotedJSON(s string) string {
	if len(s) < 2 || s[0] != '"' {
		return s
	}
	var inner string
	if json.Unmarshal([]byte(s), &inner) != nil {
		return s
	}
	inner = strings.TrimSpace(inner)
	if strings.HasPrefix(inner, "{") || strings.HasPrefix(inner, "[") {
		return inner
	}
	return s
}

// escapeRawInStrings escapes raw newlines, carriage returns, tabs, and
// interior quotes inside string literals. A quote inside a string counts as
// the terminator only when followed by a structural character or the end of
// input; everything else is an unescaped interior quote.
func escapeRawInStrings(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inStr := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !inStr {
			if c == '"' {
				inStr = true
			}
			b.WriteByte(c)
			continue
		}
		switch c {
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\\':
			b.WriteByte(c)
			if i+1 < len(s) {
				i++
				b.WriteByte(s[i])
			}
		case '"':
			j := i + 1
			for j < len(s) && isSpace(s[j]) {
				j++
			}
			if j >= len(s) || s[j] == ',' || s[j] == '}' || s[j] == ']' || s[j] == ':' {
				inStr = false
				b.WriteByte(c)
			} else {
				b.WriteString(`\"`)
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// quoteBarewordKeys wraps unquoted object keys matching
// [A-Za-z_][A-Za-z0-9_]* followed by a colon in double quotes.
func quoteBarewordKeys(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var stack []byte
	inStr := false
	expectKey := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			b.WriteByte(c)
			switch c {
			case '\\':
				if i+1 < len(s) {
					i++
					b.WriteByte(s[i])
				}
			case '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
			expectKey = false
			b.WriteByte(c)
		case '{':
			stack = append(stack, '{')
			expectKey = true
			b.WriteByte(c)
		case '[':
			stack = append(stack, '[')
			expectKey = false
			b.WriteByte(c)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			expectKey = false
			b.WriteByte(c)
		case ',':
			expectKey = len(stack) > 0 && stack[len(stack)-1] == '{'
			b.WriteByte(c)
		default:
			if expectKey && isBarewordStart(c) {
				j := i
				for j < len(s) && isBarewordChar(s[j]) {
					j++
				}
				k := j
				for k < len(s) && isSpace(s[k]) {
					k++
				}
				if k < len(s) && s[k] == ':' {
					b.WriteByte('"')
					b.WriteString(s[i:j])
					b.WriteByte('"')
					i = j - 1
					expectKey = false
					continue
				}
			}
			b.WriteByte(c)
		}
	}
	return b.String()
}

// rebalanceBrackets appends missing closers in nesting order and drops
// closers with no matching opener.
func rebalanceBrackets(s string) string {
	var stack []byte
	var b strings.Builder
	b.Grow(len(s) + 4)
	inStr := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			b.WriteByte(c)
			switch c {
			case '\\':
				if i+1 < len(s) {
					i++
					b.WriteByte(s[i])
				}
			case '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
			b.WriteByte(c)
		case '{', '[':
			stack = append(stack, c)
			b.WriteByte(c)
		case '}':
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
				b.WriteByte(c)
			}
			// unmatched closer dropped
		case ']':
			if len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
				b.WriteByte(c)
			}
		default:
			b.WriteByte(c)
		}
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

// dropIllegalEscapes removes the backslash from escape sequences not in the
// JSON legal set (plus single quote, which some models emit).
func dropIllegalEscapes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inStr := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !inStr {
			if c == '"' {
				inStr = true
			}
			b.WriteByte(c)
			continue
		}
		switch c {
		case '\\':
			if i+1 >= len(s) {
				b.WriteByte(c)
				continue
			}
			next := s[i+1]
			if strings.IndexByte(`"'\/bfnrtu`, next) >= 0 {
				b.WriteByte(c)
				i++
				b.WriteByte(next)
			}
			// illegal escape: drop the backslash, keep the char
		case '"':
			inStr = false
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// wrapBareList wraps comma-separated literal tokens lacking object, array,
// or string framing as a JSON array. Bareword items are left as-is; the
// downstream schema validator rejects them with a precise error.
func wrapBareList(s string) string {
	t := strings.TrimSpace(s)
	if t == "" {
		return s
	}
	switch t[0] {
	case '{', '[', '"':
		return s
	}
	if !strings.Contains(t, ",") {
		return s
	}
	return "[" + t + "]"
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isBarewordStart(c byte) bool {
	return c == '_' || unicode.IsLetter(rune(c))
}

func isBarewordChar(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || unicode.IsLetter(rune(c))
}
