package storage

import (
	"strconv"
	"strings"
	"time"

	"rental-ingest/query"
)

// Kind is the storage type behind a queryable field.
type Kind int

const (
	KindText Kind = iota
	KindNumber
	KindBool
	KindTime
	// KindJSON is any path inside originalData.
	KindJSON
)

const originalDataField = "originalData"

// Field is a query field resolved against the record layout.
type Field struct {
	Name   string
	Column string
	Kind   Kind
	// Path locates a KindJSON field inside originalData.
	Path []string
}

var columns = map[string]Field{
	"sourceFile":         {Name: "sourceFile", Column: "source_file", Kind: KindText},
	"unifiedId":          {Name: "unifiedId", Column: "unified_id", Kind: KindText},
	"unifiedCity":        {Name: "unifiedCity", Column: "unified_city", Kind: KindText},
	"unifiedPrice":       {Name: "unifiedPrice", Column: "unified_price", Kind: KindNumber},
	"unifiedIsAvailable": {Name: "unifiedIsAvailable", Column: "unified_is_available", Kind: KindBool},
	"unifiedName":        {Name: "unifiedName", Column: "unified_name", Kind: KindText},
	"unifiedSegment":     {Name: "unifiedSegment", Column: "unified_segment", Kind: KindText},
	"createdAt":          {Name: "createdAt", Column: "created_at", Kind: KindTime},
	"updatedAt":          {Name: "updatedAt", Column: "updated_at", Kind: KindTime},
}

// ResolveField maps a query field name to a typed column, or to a path
// inside originalData. "originalData.address.city" and "address.city"
// resolve to the same path.
func ResolveField(name string) Field {
	if f, ok := columns[name]; ok {
		return f
	}
	path := name
	if path == originalDataField {
		path = ""
	} else {
		path = strings.TrimPrefix(path, originalDataField+".")
	}
	var segments []string
	if path != "" {
		segments = strings.Split(path, ".")
	}
	return Field{Name: name, Kind: KindJSON, Path: segments}
}

// ResolveSort maps a sort field to a typed column. Only columns are sortable.
func ResolveSort(name string) (Field, bool) {
	f, ok := columns[name]
	return f, ok
}

// Clause is one operator applied to one resolved field, with its operand
// already coerced to the field's kind.
type Clause struct {
	Field   Field
	Op      query.Operator
	Operand any
}

// CompileTree resolves every field of tree and coerces its operands. An
// operand that can never match its column makes the whole filter match
// nothing (none is true); one that can never fail is dropped.
func CompileTree(tree query.PredicateTree) (clauses []Clause, none bool) {
	for _, name := range tree.Fields() {
		field := ResolveField(name)
		pred := tree[name]

		ops := map[query.Operator]any{query.OpEq: pred.Literal}
		if !pred.IsLiteral() {
			ops = pred.Ops
		}
		for _, op := range (query.Predicate{Ops: ops}).Operators() {
			operand, keep, never := coerceOperand(field.Kind, op, ops[op])
			if never {
				return nil, true
			}
			if keep {
				clauses = append(clauses, Clause{Field: field, Op: op, Operand: operand})
			}
		}
	}
	return clauses, false
}

func coerceOperand(kind Kind, op query.Operator, v any) (operand any, keep, never bool) {
	switch op {
	case query.OpContains:
		if kind == KindTime {
			return nil, false, true
		}
		return v, true, false
	case query.OpIn, query.OpNin:
		list, _ := v.([]any)
		out := make([]any, 0, len(list))
		for _, item := range list {
			if c, ok := coerceScalar(kind, item); ok {
				out = append(out, c)
			}
		}
		if len(out) == 0 {
			// in: nothing can match; nin: nothing is excluded.
			return nil, false, op == query.OpIn
		}
		return out, true, false
	case query.OpNe:
		c, ok := coerceScalar(kind, v)
		return c, ok, false
	case query.OpGt, query.OpGte, query.OpLt, query.OpLte:
		if kind == KindBool {
			return nil, false, true
		}
	}
	c, ok := coerceScalar(kind, v)
	return c, ok, !ok
}

func coerceScalar(kind Kind, v any) (any, bool) {
	switch kind {
	case KindText:
		switch t := v.(type) {
		case string:
			return t, true
		case query.Number:
			return t.Text, true
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64), true
		case bool:
			return strconv.FormatBool(t), true
		}
	case KindNumber:
		return number(v)
	case KindBool:
		if b, ok := v.(bool); ok {
			return b, true
		}
		if s, ok := v.(string); ok {
			b, err := strconv.ParseBool(s)
			return b, err == nil
		}
		if f, ok := number(v); ok && (f == 0 || f == 1) {
			return f == 1, true
		}
	case KindTime:
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
	case KindJSON:
		switch t := v.(type) {
		case query.Number:
			return t.Value, true
		case string, float64, bool:
			return v, true
		}
	}
	return nil, false
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case query.Number:
		return t.Value, true
	}
	return 0, false
}
