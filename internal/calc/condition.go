package calc

import (
	"fmt"
	"strings"
)

// Condition evaluates a boolean condition of the form used by #if: comparisons joined by && and ||, with !
// negation and parentheses. Comparison operands are evaluated as arithmetic when both sides parse as numbers,
// otherwise compared as strings (double quotes are stripped first). A bare operand with no comparison operator is
// truthy when it evaluates to a nonzero number or a non-empty string.
func Condition(expr string) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, fmt.Errorf("%w: empty condition", ErrSyntax)
	}
	return evalOr(expr)
}

func evalOr(expr string) (bool, error) {
	parts, err := splitTop(expr, "||")
	if err != nil {
		return false, err
	}
	if len(parts) == 1 {
		return evalAnd(expr)
	}
	for _, part := range parts {
		ok, err := evalAnd(part)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func evalAnd(expr string) (bool, error) {
	parts, err := splitTop(expr, "&&")
	if err != nil {
		return false, err
	}
	if len(parts) == 1 {
		return evalComparison(expr)
	}
	for _, part := range parts {
		ok, err := evalComparison(part)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// comparison operators, longest first so == is found before =.
var compareOps = []string{"==", "!=", ">=", "<=", ">", "<"}

func evalComparison(expr string) (bool, error) {
	expr = strings.TrimSpace(expr)

	if strings.HasPrefix(expr, "!") && !strings.HasPrefix(expr, "!=") {
		ok, err := evalComparison(expr[1:])
		return !ok, err
	}

	// A fully parenthesized group recurses into the boolean grammar.
	if strings.HasPrefix(expr, "(") && strings.HasSuffix(expr, ")") && balanced(expr[1:len(expr)-1]) {
		return evalOr(expr[1 : len(expr)-1])
	}

	op, left, right, found, err := splitComparison(expr)
	if err != nil {
		return false, err
	}
	if !found {
		return truthy(expr), nil
	}

	ln, lerr := Eval(left)
	rn, rerr := Eval(right)
	if lerr == nil && rerr == nil {
		switch op {
		case "==":
			return ln == rn, nil
		case "!=":
			return ln != rn, nil
		case ">":
			return ln > rn, nil
		case "<":
			return ln < rn, nil
		case ">=":
			return ln >= rn, nil
		case "<=":
			return ln <= rn, nil
		}
	}

	ls, rs := unquote(left), unquote(right)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case ">":
		return ls > rs, nil
	case "<":
		return ls < rs, nil
	case ">=":
		return ls >= rs, nil
	case "<=":
		return ls <= rs, nil
	}
	return false, fmt.Errorf("%w: unknown operator %q", ErrSyntax, op)
}

// splitComparison finds the first top-level comparison operator in expr.
func splitComparison(expr string) (op, left, right string, found bool, err error) {
	depth := 0
	quoted := false
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case c == '"':
			quoted = !quoted
		case quoted:
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth < 0 {
				return "", "", "", false, fmt.Errorf("%w: unbalanced parenthesis", ErrSyntax)
			}
		case depth == 0:
			for _, candidate := range compareOps {
				if !strings.HasPrefix(expr[i:], candidate) {
					continue
				}
				// Skip < and > that are the tail of another operator already rejected.
				return candidate, strings.TrimSpace(expr[:i]), strings.TrimSpace(expr[i+len(candidate):]), true, nil
			}
		}
	}
	if quoted {
		return "", "", "", false, fmt.Errorf("%w: unterminated string", ErrSyntax)
	}
	return "", "", "", false, nil
}

// splitTop splits expr on a two-character boolean operator at paren depth zero, outside quotes.
func splitTop(expr, op string) ([]string, error) {
	var parts []string
	depth := 0
	quoted := false
	start := 0
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case c == '"':
			quoted = !quoted
		case quoted:
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("%w: unbalanced parenthesis", ErrSyntax)
			}
		case depth == 0 && strings.HasPrefix(expr[i:], op):
			parts = append(parts, strings.TrimSpace(expr[start:i]))
			i++
			start = i + 1
		}
	}
	if quoted {
		return nil, fmt.Errorf("%w: unterminated string", ErrSyntax)
	}
	if depth != 0 {
		return nil, fmt.Errorf("%w: unbalanced parenthesis", ErrSyntax)
	}
	parts = append(parts, strings.TrimSpace(expr[start:]))
	return parts, nil
}

func truthy(s string) bool {
	if n, err := Eval(s); err == nil {
		return n != 0
	}
	s = unquote(s)
	return s != "" && !strings.EqualFold(s, "false")
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func balanced(s string) bool {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}
