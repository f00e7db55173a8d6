package query

import (
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"rental-ingest/utils"
)

// ReservedPrefix marks read-API control parameters (_limit, _skip, _sort,
// _order). They never become predicates.
const ReservedPrefix = "_"

const operatorSeparator = "__"

// UnsupportedOperatorError is reported for a clause that was dropped.
type UnsupportedOperatorError struct {
	Key      string
	Field    string
	Operator string
}

func (e *UnsupportedOperatorError) Error() string {
	return fmt.Sprintf("query: unsupported operator %q in %q", e.Operator, e.Key)
}

// Translator turns HTTP query parameters into a PredicateTree.
type Translator struct {
	logger *utils.Logger
}

// NewTranslator creates a Translator. logger may be nil.
func NewTranslator(logger *utils.Logger) *Translator {
	return &Translator{logger: logger}
}

// Translate builds a predicate tree from params. Keys are processed in sorted
// order and the last value of a repeated key wins. Clauses with unknown
// operators are dropped and returned as diagnostics; the rest still apply.
func (t *Translator) Translate(params url.Values) (PredicateTree, []error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tree := make(PredicateTree)
	var diags []error

	for _, key := range keys {
		if strings.HasPrefix(key, ReservedPrefix) {
			continue
		}
		value := lastValue(params[key])

		parts := strings.Split(key, operatorSeparator)
		if len(parts) == 1 {
			setLiteral(tree, key, Coerce(value))
			continue
		}

		field, opName := parts[0], parts[1]
		op, ok := ParseOperator(opName)
		if !ok {
			err := &UnsupportedOperatorError{Key: key, Field: field, Operator: opName}
			if t.logger != nil {
				t.logger.Warn("[query] %v; clause dropped", err)
			}
			diags = append(diags, err)
			continue
		}
		setOperator(tree, field, op, operand(op, value))
	}

	return tree, diags
}

func setLiteral(tree PredicateTree, field string, v any) {
	p, ok := tree[field]
	if ok && !p.IsLiteral() {
		if _, explicit := p.Ops[OpEq]; !explicit {
			p.Ops[OpEq] = v
		}
		return
	}
	tree[field] = Predicate{Literal: v}
}

// setOperator accumulates operator nodes on a field. A literal already set on
// the field is folded in as an eq node unless eq is given explicitly.
func setOperator(tree PredicateTree, field string, op Operator, v any) {
	p, ok := tree[field]
	if !ok || p.IsLiteral() {
		ops := make(map[Operator]any)
		if ok {
			ops[OpEq] = p.Literal
		}
		p = Predicate{Ops: ops}
	}
	p.Literal = nil
	p.Ops[op] = v
	tree[field] = p
}

func operand(op Operator, value string) any {
	switch op {
	case OpIn, OpNin:
		parts := strings.Split(value, ",")
		list := make([]any, 0, len(parts))
		for _, part := range parts {
			list = append(list, Coerce(strings.TrimSpace(part)))
		}
		return list
	case OpContains:
		return Substring{Text: value}
	}
	return Coerce(value)
}

// Coerce converts a string that parses fully as a finite number into a
// Number and other numeric values into a float64. Booleans and every other
// value are returned unchanged.
func Coerce(v any) any {
	switch s := v.(type) {
	case bool, Number:
		return s
	case string:
		trimmed := strings.TrimSpace(s)
		if trimmed == "" {
			return s
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return s
		}
		return Number{Value: f, Text: s}
	}
	if f, ok := toFloat(v); ok {
		return f
	}
	return v
}

func lastValue(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[len(values)-1]
}
