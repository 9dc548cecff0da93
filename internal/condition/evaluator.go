// Package condition evaluates the narrow predicate language attached to
// SPECIFIC dependency conditions, e.g. "Amount > 5000" or
// "Department == 'finance'".
//
// The grammar is <field> <op> <literal>. Operators are >, <, >=, <=, == and
// !=. Literals are numbers, single- or double-quoted strings, or bare words.
package condition

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pitabwire/approvals/model"
)

// Operator is a comparison operator.
type Operator string

// Supported operators.
const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

// operators is ordered so two-character operators match before their
// one-character prefixes.
var operators = []Operator{OpGreaterEqual, OpLessEqual, OpEqual, OpNotEqual, OpGreater, OpLess}

// Predicate is a parsed condition expression.
type Predicate struct {
	Field   string
	Op      Operator
	Literal string
	// Quoted is true when the literal was written as a quoted string.
	Quoted bool
}

// Parse parses expr into a Predicate. It returns an UNSUPPORTED_CONDITION
// error for anything outside the grammar.
func Parse(expr string) (Predicate, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return Predicate{}, model.NewUnsupportedConditionError("empty condition expression")
	}

	i := 0
	for i < len(s) && isFieldChar(s[i], i == 0) {
		i++
	}
	if i == 0 {
		return Predicate{}, model.NewUnsupportedConditionError(
			fmt.Sprintf("condition %q: expected field name", expr),
		)
	}
	field := s[:i]

	rest := strings.TrimLeft(s[i:], " \t")
	var op Operator
	for _, candidate := range operators {
		if strings.HasPrefix(rest, string(candidate)) {
			op = candidate
			break
		}
	}
	if op == "" {
		return Predicate{}, model.NewUnsupportedConditionError(
			fmt.Sprintf("condition %q: unsupported operator", expr),
		)
	}

	literal := strings.TrimSpace(rest[len(op):])
	if literal == "" {
		return Predicate{}, model.NewUnsupportedConditionError(
			fmt.Sprintf("condition %q: missing value", expr),
		)
	}

	p := Predicate{Field: field, Op: op, Literal: literal}
	if unq, ok := unquote(literal); ok {
		p.Literal = unq
		p.Quoted = true
	} else if strings.ContainsAny(literal, " \t'\"=<>!") {
		return Predicate{}, model.NewUnsupportedConditionError(
			fmt.Sprintf("condition %q: malformed value %q", expr, literal),
		)
	}
	return p, nil
}

// Evaluator evaluates predicate strings against requests. A malformed
// predicate, an unknown field, or a value that cannot be compared evaluates
// to false. An empty predicate is vacuously true.
type Evaluator struct {
	onFailure func(expr string, err error)
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithFailureHook registers a callback invoked whenever an expression fails
// closed because it could not be parsed or resolved.
func WithFailureHook(fn func(expr string, err error)) EvaluatorOption {
	return func(e *Evaluator) { e.onFailure = fn }
}

// NewEvaluator creates a new Evaluator.
func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate reports whether expr holds for req.
func (e *Evaluator) Evaluate(expr string, req model.Request) bool {
	if strings.TrimSpace(expr) == "" {
		return true
	}
	p, err := Parse(expr)
	if err != nil {
		e.fail(expr, err)
		return false
	}
	ok, err := p.Match(req)
	if err != nil {
		e.fail(expr, err)
		return false
	}
	return ok
}

func (e *Evaluator) fail(expr string, err error) {
	if e.onFailure != nil {
		e.onFailure(expr, err)
	}
}

// Match evaluates the predicate against req.
func (p Predicate) Match(req model.Request) (bool, error) {
	v, ok := resolveField(req, p.Field)
	if !ok {
		return false, model.NewUnsupportedConditionError(fmt.Sprintf("unknown field %q", p.Field))
	}

	if v.numeric {
		if p.Quoted {
			return false, model.NewUnsupportedConditionError(
				fmt.Sprintf("field %q is numeric, got string %q", p.Field, p.Literal),
			)
		}
		want, err := strconv.ParseFloat(p.Literal, 64)
		if err != nil {
			return false, model.NewUnsupportedConditionError(
				fmt.Sprintf("field %q is numeric, cannot parse %q", p.Field, p.Literal),
			)
		}
		return compareNumbers(v.number, p.Op, want), nil
	}

	// Free-form attributes compare numerically when both sides are numbers.
	if v.attribute && !p.Quoted {
		if got, err := strconv.ParseFloat(v.text, 64); err == nil {
			if want, err := strconv.ParseFloat(p.Literal, 64); err == nil {
				return compareNumbers(got, p.Op, want), nil
			}
		}
	}

	switch p.Op {
	case OpEqual:
		return v.text == p.Literal, nil
	case OpNotEqual:
		return v.text != p.Literal, nil
	default:
		return false, model.NewUnsupportedConditionError(
			fmt.Sprintf("operator %s is not supported on string field %q", p.Op, p.Field),
		)
	}
}

func compareNumbers(got float64, op Operator, want float64) bool {
	switch op {
	case OpGreater:
		return got > want
	case OpLess:
		return got < want
	case OpGreaterEqual:
		return got >= want
	case OpLessEqual:
		return got <= want
	case OpEqual:
		return got == want
	case OpNotEqual:
		return got != want
	}
	return false
}

type fieldValue struct {
	numeric   bool
	attribute bool
	number    float64
	text      string
}

// resolveField looks up a request field by name. Built-in fields match case
// and underscore insensitively; attributes match exactly first, then case
// insensitively.
func resolveField(req model.Request, name string) (fieldValue, bool) {
	switch strings.ReplaceAll(strings.ToLower(name), "_", "") {
	case "amount":
		return fieldValue{numeric: true, number: req.Amount}, true
	case "department":
		return fieldValue{text: req.Department}, true
	case "subject":
		return fieldValue{text: req.Subject}, true
	case "description":
		return fieldValue{text: req.Description}, true
	case "workflowtype":
		return fieldValue{text: req.WorkflowType}, true
	case "requesterid":
		return fieldValue{text: req.RequesterID}, true
	}

	if v, ok := req.Attributes[name]; ok {
		return fieldValue{attribute: true, text: v}, true
	}
	for k, v := range req.Attributes {
		if strings.EqualFold(k, name) {
			return fieldValue{attribute: true, text: v}, true
		}
	}
	return fieldValue{}, false
}

func isFieldChar(c byte, first bool) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		return true
	case c >= '0' && c <= '9', c == '.', c == '-':
		return !first
	}
	return false
}

func unquote(s string) (string, bool) {
	if len(s) >= 2 && ((s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"')) {
		return s[1 : len(s)-1], true
	}
	return s, false
}
