// Package calculator evaluates spoken arithmetic safely.
//
// Input is first reduced by [Sanitize] to the token set "0-9 + - * / ( ) ."
// and then parsed by a small recursive-descent evaluator:
//
//	expr   = term { ("+" | "-") term }
//	term   = factor { ("*" | "/") factor }
//	factor = [ "+" | "-" ] ( number | "(" expr ")" )
//
// No general-purpose evaluation facility is involved; anything outside the
// grammar is rejected with an error.
package calculator

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// maxDepth bounds parenthesis nesting so adversarial input cannot exhaust
// the stack.
const maxDepth = 64

var (
	// ErrEmpty is returned when sanitisation leaves nothing to evaluate.
	ErrEmpty = errors.New("calculator: empty expression")

	// ErrAmbiguous is returned when sanitisation would merge two numbers.
	ErrAmbiguous = errors.New("calculator: numbers not separated by an operator")

	// ErrDivisionByZero is returned when a divisor evaluates to zero.
	ErrDivisionByZero = errors.New("calculator: division by zero")
)

// Sanitize strips every character that is not a digit, an arithmetic
// operator, a parenthesis or a decimal point. A point survives only next to
// a digit. Stripping must not join two numbers: "3 vezes 4" yields
// [ErrAmbiguous] rather than "34".
func Sanitize(s string) (string, error) {
	rs := []rune(s)
	var b strings.Builder
	b.Grow(len(s))
	var afterNumber, gap bool
	for i, r := range rs {
		switch {
		case isDigit(r) || (r == '.' && ((i > 0 && isDigit(rs[i-1])) || (i+1 < len(rs) && isDigit(rs[i+1])))):
			if afterNumber && gap {
				return "", ErrAmbiguous
			}
			b.WriteRune(r)
			afterNumber, gap = true, false
		case strings.ContainsRune("+-*/()", r):
			b.WriteRune(r)
			afterNumber, gap = false, false
		default:
			gap = true
		}
	}
	return b.String(), nil
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

// Eval evaluates a sanitised arithmetic expression.
func Eval(expr string) (float64, error) {
	if expr == "" {
		return 0, ErrEmpty
	}
	p := &parser{src: expr}
	v, err := p.expr(0)
	if err != nil {
		return 0, err
	}
	if p.pos != len(p.src) {
		return 0, fmt.Errorf("calculator: unexpected %q at offset %d", p.src[p.pos], p.pos)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("calculator: result out of range")
	}
	return v, nil
}

// Format renders a result the way it should be spoken: integers without a
// fractional part, everything else with the shortest exact representation.
func Format(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type parser struct {
	src string
	pos int
}

func (p *parser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) expr(depth int) (float64, error) {
	left, err := p.term(depth)
	if err != nil {
		return 0, err
	}
	for {
		op := p.peek()
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.term(depth)
		if err != nil {
			return 0, err
		}
		if op == '+' {
			left += right
		} else {
			left -= right
		}
	}
}

func (p *parser) term(depth int) (float64, error) {
	left, err := p.factor(depth)
	if err != nil {
		return 0, err
	}
	for {
		op := p.peek()
		if op != '*' && op != '/' {
			return left, nil
		}
		p.pos++
		right, err := p.factor(depth)
		if err != nil {
			return 0, err
		}
		if op == '*' {
			left *= right
			continue
		}
		if right == 0 {
			return 0, ErrDivisionByZero
		}
		left /= right
	}
}

func (p *parser) factor(depth int) (float64, error) {
	if depth > maxDepth {
		return 0, fmt.Errorf("calculator: expression nested too deeply")
	}
	switch c := p.peek(); {
	case c == '+' || c == '-':
		p.pos++
		v, err := p.factor(depth + 1)
		if c == '-' {
			v = -v
		}
		return v, err
	case c == '(':
		p.pos++
		v, err := p.expr(depth + 1)
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("calculator: missing closing parenthesis at offset %d", p.pos)
		}
		p.pos++
		return v, nil
	case c >= '0' && c <= '9' || c == '.':
		return p.number()
	case c == 0:
		return 0, fmt.Errorf("calculator: unexpected end of expression")
	default:
		return 0, fmt.Errorf("calculator: unexpected %q at offset %d", c, p.pos)
	}
}

func (p *parser) number() (float64, error) {
	start := p.pos
	for c := p.peek(); c >= '0' && c <= '9' || c == '.'; c = p.peek() {
		p.pos++
	}
	lit := p.src[start:p.pos]
	v, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return 0, fmt.Errorf("calculator: invalid number %q", lit)
	}
	return v, nil
}
