// Package pyliteral parses Python literal values out of device output.
// It accepts only literal data (numbers, strings, booleans, None, lists,
// tuples, dicts) and fails closed on anything that smells like code:
// identifiers, calls, operators. The board is an external actor and its
// textual output must never reach an evaluator.
package pyliteral

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Parse parses a single Python literal, tolerating surrounding
// whitespace. Values map to Go as int64, float64, string, bool, nil,
// []any (lists and tuples) and map[any]any (dicts).
func Parse(s string) (any, error) {
	p := &parser{src: s}
	p.skipSpace()
	v, err := p.value()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, p.errorf("trailing data after literal")
	}
	return v, nil
}

// ParseStringList parses a literal that must be a list (or tuple) of
// strings, the shape dir() produces.
func ParseStringList(s string) ([]string, error) {
	v, err := Parse(s)
	if err != nil {
		return nil, err
	}
	return StringList(v)
}

// StringList converts an already-parsed literal into a string slice.
func StringList(v any) ([]string, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("pyliteral: expected a list, got %T", v)
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		str, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("pyliteral: element %d is %T, not a string", i, item)
		}
		out = append(out, str)
	}
	return out, nil
}

type parser struct {
	src string
	pos int
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("pyliteral: %s at offset %d", fmt.Sprintf(format, args...), p.pos)
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c != ' ' && c != '\t' && c != '\r' && c != '\n' {
			return
		}
		p.pos++
	}
}

func (p *parser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) value() (any, error) {
	if p.pos >= len(p.src) {
		return nil, p.errorf("unexpected end of input")
	}
	switch c := p.src[p.pos]; {
	case c == '\'' || c == '"':
		return p.stringLit()
	case c == '[':
		return p.sequence(']')
	case c == '(':
		return p.sequence(')')
	case c == '{':
		return p.dict()
	case c == 'T' || c == 'F' || c == 'N':
		return p.keyword()
	case c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9'):
		return p.number()
	default:
		return nil, p.errorf("unexpected character %q", c)
	}
}

func (p *parser) keyword() (any, error) {
	start := p.pos
	for p.pos < len(p.src) && isWordByte(p.src[p.pos]) {
		p.pos++
	}
	switch p.src[start:p.pos] {
	case "True":
		return true, nil
	case "False":
		return false, nil
	case "None":
		return nil, nil
	default:
		p.pos = start
		return nil, p.errorf("not a literal: %q", p.src[start:])
	}
}

func isWordByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// number parses an integer or float. Complex literals and non-literal
// spellings like inf/nan are rejected.
func (p *parser) number() (any, error) {
	start := p.pos
	if c := p.peek(); c == '+' || c == '-' {
		p.pos++
	}

	isFloat := false
	isHex := false
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch {
		case c >= '0' && c <= '9' || c == '_':
			p.pos++
		case c == '.':
			isFloat = true
			p.pos++
		case (c == 'e' || c == 'E') && !isHex:
			isFloat = true
			p.pos++
			if n := p.peek(); n == '+' || n == '-' {
				p.pos++
			}
		case c == 'x' || c == 'X':
			// Hex base prefix; only valid straight after a leading 0,
			// which ParseInt verifies.
			isHex = true
			p.pos++
		case c == 'o' || c == 'O' || c == 'b' || c == 'B':
			p.pos++
		case c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F':
			// Hex digits; validated by ParseInt below.
			p.pos++
		default:
			goto done
		}
	}
done:
	text := p.src[start:p.pos]
	if text == "" || text == "+" || text == "-" {
		return nil, p.errorf("malformed number")
	}

	if !isFloat {
		n, err := strconv.ParseInt(normalizeInt(text), 0, 64)
		if err == nil {
			return n, nil
		}
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(text, "_", ""), 64)
	if err != nil {
		return nil, p.errorf("malformed number %q", text)
	}
	return f, nil
}

// normalizeInt strips Python digit underscores but keeps base prefixes
// so strconv.ParseInt(base 0) can interpret 0x/0o/0b forms.
func normalizeInt(s string) string {
	return strings.ReplaceAll(s, "_", "")
}

func (p *parser) stringLit() (string, error) {
	quote := p.src[p.pos]
	p.pos++
	var sb strings.Builder
	for {
		if p.pos >= len(p.src) {
			return "", p.errorf("unterminated string")
		}
		c := p.src[p.pos]
		switch c {
		case quote:
			p.pos++
			return sb.String(), nil
		case '\\':
			p.pos++
			if err := p.escape(&sb); err != nil {
				return "", err
			}
		default:
			r, size := utf8.DecodeRuneInString(p.src[p.pos:])
			sb.WriteRune(r)
			p.pos += size
		}
	}
}

func (p *parser) escape(sb *strings.Builder) error {
	if p.pos >= len(p.src) {
		return p.errorf("unterminated escape")
	}
	c := p.src[p.pos]
	p.pos++
	switch c {
	case 'n':
		sb.WriteByte('\n')
	case 't':
		sb.WriteByte('\t')
	case 'r':
		sb.WriteByte('\r')
	case '0':
		sb.WriteByte(0)
	case '\\', '\'', '"':
		sb.WriteByte(c)
	case 'x':
		return p.hexEscape(sb, 2)
	case 'u':
		return p.hexEscape(sb, 4)
	default:
		return p.errorf("unsupported escape \\%c", c)
	}
	return nil
}

func (p *parser) hexEscape(sb *strings.Builder, digits int) error {
	if p.pos+digits > len(p.src) {
		return p.errorf("truncated hex escape")
	}
	n, err := strconv.ParseUint(p.src[p.pos:p.pos+digits], 16, 32)
	if err != nil {
		return p.errorf("bad hex escape")
	}
	p.pos += digits
	sb.WriteRune(rune(n))
	return nil
}

// sequence parses a list or tuple body. Both map to []any; an empty
// sequence is a non-nil empty slice so callers can range over it.
func (p *parser) sequence(closing byte) ([]any, error) {
	p.pos++ // consume the opening bracket
	items := []any{}
	for {
		p.skipSpace()
		if p.peek() == closing {
			p.pos++
			return items, nil
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		items = append(items, v)

		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case closing:
			p.pos++
			return items, nil
		default:
			return nil, p.errorf("expected ',' or %q", closing)
		}
	}
}

func (p *parser) dict() (any, error) {
	p.pos++ // consume '{'
	result := map[any]any{}
	for {
		p.skipSpace()
		if p.peek() == '}' {
			p.pos++
			return result, nil
		}
		key, err := p.value()
		if err != nil {
			return nil, err
		}
		if !isHashable(key) {
			return nil, p.errorf("unhashable dict key %T", key)
		}

		p.skipSpace()
		if p.peek() != ':' {
			return nil, p.errorf("expected ':' after dict key")
		}
		p.pos++
		p.skipSpace()
		val, err := p.value()
		if err != nil {
			return nil, err
		}
		result[key] = val

		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case '}':
			p.pos++
			return result, nil
		default:
			return nil, p.errorf("expected ',' or '}'")
		}
	}
}

// isHashable limits dict keys to scalar literals, which are the only
// ones representable as Go map keys.
func isHashable(v any) bool {
	switch v.(type) {
	case nil, bool, int64, float64, string:
		return true
	default:
		return false
	}
}
