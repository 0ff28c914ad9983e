// Package pattern parses and searches wildcard byte signatures such as
// "48 ?? ?? ?? 21 ?? ?? 91".
package pattern

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalid is returned for signature text that does not parse.
var ErrInvalid = errors.New("invalid pattern")

// SyntaxError locates the token that broke a parse.
type SyntaxError struct {
	Index int    // token position, or -1 for an empty pattern
	Token string // offending token
}

func (e *SyntaxError) Error() string {
	if e.Index < 0 {
		return ErrInvalid.Error() + ": empty"
	}
	return fmt.Sprintf("%v: token %d %q", ErrInvalid, e.Index, e.Token)
}

func (e *SyntaxError) Unwrap() error { return ErrInvalid }

// Byte is one position of a pattern. A wildcard matches any value.
type Byte struct {
	Value    byte
	Wildcard bool
}

// Pattern is an immutable sequence of pattern bytes.
type Pattern []Byte

// Parse reads whitespace-separated tokens. Each token is exactly two hex
// digits or a wildcard ("?" or "??").
func Parse(text string) (Pattern, error) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil, &SyntaxError{Index: -1}
	}
	p := make(Pattern, len(tokens))
	for i, tok := range tokens {
		if tok == "?" || tok == "??" {
			p[i] = Byte{Wildcard: true}
			continue
		}
		if len(tok) != 2 {
			return nil, &SyntaxError{Index: i, Token: tok}
		}
		v, err := strconv.ParseUint(tok, 16, 8)
		if err != nil {
			return nil, &SyntaxError{Index: i, Token: tok}
		}
		p[i] = Byte{Value: byte(v)}
	}
	return p, nil
}

// MustParse is like Parse but panics on error. Use it for constant tables.
func MustParse(text string) Pattern {
	p, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return p
}

// FromMask builds a pattern from raw bytes and a mask in which 'x' marks a
// fixed byte and '?' a wildcard. The two must be the same length.
func FromMask(data []byte, mask string) (Pattern, error) {
	if len(data) == 0 {
		return nil, &SyntaxError{Index: -1}
	}
	if len(mask) != len(data) {
		return nil, fmt.Errorf("%w: mask length %d, data length %d", ErrInvalid, len(mask), len(data))
	}
	p := make(Pattern, len(data))
	for i := range data {
		switch mask[i] {
		case 'x', 'X':
			p[i] = Byte{Value: data[i]}
		case '?':
			p[i] = Byte{Wildcard: true}
		default:
			return nil, &SyntaxError{Index: i, Token: string(mask[i])}
		}
	}
	return p, nil
}

// Len returns the number of positions.
func (p Pattern) Len() int { return len(p) }

// String renders p in canonical form: upper-case hex and "??".
func (p Pattern) String() string {
	var b strings.Builder
	for i, c := range p {
		if i > 0 {
			b.WriteByte(' ')
		}
		if c.Wildcard {
			b.WriteString("??")
		} else {
			fmt.Fprintf(&b, "%02X", c.Value)
		}
	}
	return b.String()
}

// Equal compares position by position, including wildcard positions.
// Wildcard values are ignored.
func (p Pattern) Equal(q Pattern) bool {
	if len(p) != len(q) {
		return false
	}
	for i := range p {
		if p[i].Wildcard != q[i].Wildcard {
			return false
		}
		if !p[i].Wildcard && p[i].Value != q[i].Value {
			return false
		}
	}
	return true
}

// Match reports whether b begins with bytes matching p.
func (p Pattern) Match(b []byte) bool {
	if len(b) < len(p) {
		return false
	}
	for i, c := range p {
		if !c.Wildcard && b[i] != c.Value {
			return false
		}
	}
	return true
}

// HasWildcard reports whether any position is a wildcard.
func (p Pattern) HasWildcard() bool {
	for _, c := range p {
		if c.Wildcard {
			return true
		}
	}
	return false
}
