// Package sanitize turns loosely formatted model output into parseable JSON.
package sanitize

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Empty is returned when no usable object can be recovered.
const Empty = "{}"

var (
	fenceLine  = regexp.MustCompile("(?m)^\\s*```[a-zA-Z0-9_-]*\\s*$")
	fenceOpen  = regexp.MustCompile("^```[a-zA-Z0-9_-]*")
	fenceClose = regexp.MustCompile("```$")

	// "a": 1\n "b": 2  ->  "a": 1,\n "b": 2
	missingCommaNewline = regexp.MustCompile(`("|\d|true|false|null|\}|\])(\s*\n\s*)"`)
	// "a": "x" "b": 2  ->  "a": "x", "b": 2
	missingCommaInline = regexp.MustCompile(`("(?:[^"\\]|\\.)*"|\d|true|false|null|\}|\])([ \t]+)("(?:[^"\\]|\\.)*"\s*:)`)
	// "key": "value with "quotes" inside",
	quotedValueLine = regexp.MustCompile(`^(\s*"[^"]+"\s*:\s*")(.*)("\s*,?\s*)$`)

	trailingComma = regexp.MustCompile(`,(\s*[}\]])`)
)

// Sanitize extracts the first JSON object from raw and repairs common
// malformations. It never fails: irreparable input yields "{}".
func Sanitize(raw string) string {
	// 已经合法的对象原样返回，字符串内的反引号不受影响
	if candidate, ok := extractObject(raw); ok && gjson.Valid(candidate) {
		return candidate
	}

	text := stripFences(raw)

	candidate, ok := extractObject(text)
	if !ok {
		return Empty
	}
	if gjson.Valid(candidate) {
		return candidate
	}

	repaired := repairTargeted(candidate)
	if gjson.Valid(repaired) {
		return repaired
	}

	repaired = repairCoarse(repaired)
	if gjson.Valid(repaired) {
		return repaired
	}
	return Empty
}

func stripFences(raw string) string {
	text := strings.TrimSpace(raw)
	text = fenceLine.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)
	text = fenceOpen.ReplaceAllString(text, "")
	text = fenceClose.ReplaceAllString(text, "")
	return strings.Trim(strings.TrimSpace(text), "`")
}

// extractObject returns the text from the first '{' to its matching '}'.
// Braces inside string literals are ignored. When the object never closes,
// the remainder of the input is returned for the repair passes.
func extractObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return strings.TrimSpace(text[start:]), true
}

func repairTargeted(s string) string {
	s = missingCommaNewline.ReplaceAllString(s, "$1,$2\"")
	s = missingCommaInline.ReplaceAllString(s, "$1,$2$3")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		m := quotedValueLine.FindStringSubmatch(line)
		if m == nil || !strings.Contains(m[2], `"`) {
			continue
		}
		lines[i] = m[1] + escapeBareQuotes(m[2]) + m[3]
	}
	return strings.Join(lines, "\n")
}

func escapeBareQuotes(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i := 0; i < len(s); i++ {
		if s[i] == '"' && (i == 0 || s[i-1] != '\\') {
			b.WriteString(`\"`)
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func repairCoarse(s string) string {
	s = trailingComma.ReplaceAllString(s, "$1")
	s = strings.ReplaceAll(s, `\'`, `'`)
	s = strings.NewReplacer("“", `\"`, "”", `\"`).Replace(s)
	s = strings.TrimRight(s, " \t\r\n,")
	return balance(s)
}

// balance closes an unterminated string and any open brackets.
func balance(s string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == ch {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	b.WriteString(s)
	if inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return trailingComma.ReplaceAllString(b.String(), "$1")
}
