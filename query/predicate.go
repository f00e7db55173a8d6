package query

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Operator is a comparison applied to one field of a document.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpNin      Operator = "nin"
	OpContains Operator = "contains"
)

// operatorOrder is the canonical evaluation and rendering order.
var operatorOrder = []Operator{OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpNin, OpContains}

// ParseOperator maps a query-string suffix to an Operator.
func ParseOperator(s string) (Operator, bool) {
	for _, op := range operatorOrder {
		if string(op) == s {
			return op, true
		}
	}
	return "", false
}

// Substring is a case-insensitive substring matcher, the operand of contains.
type Substring struct {
	Text string
}

// MatchString reports whether s contains the matcher text, ignoring case.
func (m Substring) MatchString(s string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(m.Text))
}

// Number is a parameter value that parses as a finite number. Text keeps it
// as written, for comparison with text fields.
type Number struct {
	Value float64
	Text  string
}

// Predicate constrains one field: either a literal (implicit equality) or a
// set of operator nodes that must all hold.
type Predicate struct {
	Literal any
	Ops     map[Operator]any
}

// IsLiteral reports whether the predicate is a bare equality.
func (p Predicate) IsLiteral() bool {
	return len(p.Ops) == 0
}

// Operators returns the predicate's operators in canonical order.
func (p Predicate) Operators() []Operator {
	ops := make([]Operator, 0, len(p.Ops))
	for _, op := range operatorOrder {
		if _, ok := p.Ops[op]; ok {
			ops = append(ops, op)
		}
	}
	return ops
}

// PredicateTree maps field names to their predicates. All fields must match.
type PredicateTree map[string]Predicate

// Fields returns the constrained field names in sorted order.
func (t PredicateTree) Fields() []string {
	fields := make([]string, 0, len(t))
	for f := range t {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Lookup resolves a field of the document under evaluation. A nil value is
// treated the same as an absent one.
type Lookup func(field string) (any, bool)

// Match evaluates the tree against a document.
func (t PredicateTree) Match(lookup Lookup) bool {
	for _, field := range t.Fields() {
		v, ok := lookup(field)
		if ok && v == nil {
			ok = false
		}
		if !t[field].match(v, ok) {
			return false
		}
	}
	return true
}

func (p Predicate) match(v any, present bool) bool {
	if p.IsLiteral() {
		return present && equalValues(v, p.Literal)
	}
	for _, op := range p.Operators() {
		if !matchOperator(op, v, present, p.Ops[op]) {
			return false
		}
	}
	return true
}

func matchOperator(op Operator, v any, present bool, operand any) bool {
	switch op {
	case OpEq:
		return present && equalValues(v, operand)
	case OpNe:
		return !present || !equalValues(v, operand)
	case OpGt, OpGte, OpLt, OpLte:
		if !present {
			return false
		}
		c, ok := compareValues(v, operand)
		if !ok {
			return false
		}
		switch op {
		case OpGt:
			return c > 0
		case OpGte:
			return c >= 0
		case OpLt:
			return c < 0
		default:
			return c <= 0
		}
	case OpIn:
		return present && containsValue(operand, v)
	case OpNin:
		return !present || !containsValue(operand, v)
	case OpContains:
		m, ok := operand.(Substring)
		if !present || !ok {
			return false
		}
		s, ok := scalarString(v)
		return ok && m.MatchString(s)
	}
	return false
}

func containsValue(list any, v any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if equalValues(v, item) {
			return true
		}
	}
	return false
}

func equalValues(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

// compareValues orders two numbers or two strings; mixed kinds do not compare.
func compareValues(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	as, ok := a.(string)
	if !ok {
		return 0, false
	}
	bs, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(as, bs), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case Number:
		return n.Value, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func scalarString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case Number:
		return s.Text, true
	case bool:
		return strconv.FormatBool(s), true
	case json.Number:
		return s.String(), true
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return "", false
}
