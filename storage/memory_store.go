package storage

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"rental-ingest/models"
	"rental-ingest/query"
	"rental-ingest/utils"
)

// MemoryStore keeps records in process memory with the same upsert and
// filter semantics as PostgresStore. Natural order is insertion order.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*models.UnifiedRecord
	index   map[string]int
	now     func() time.Time
	logger  *utils.Logger
}

func NewMemoryStore(logger *utils.Logger) *MemoryStore {
	return &MemoryStore{
		index:  make(map[string]int),
		now:    time.Now,
		logger: logger,
	}
}

func (m *MemoryStore) BulkUpsert(ctx context.Context, records []*models.UnifiedRecord) (*WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	res := &WriteResult{}
	for _, rec := range dedupe(records) {
		stored := *rec
		stored.UpdatedAt = now
		if i, ok := m.index[rec.UnifiedID]; ok {
			stored.CreatedAt = m.records[i].CreatedAt
			m.records[i] = &stored
			res.Updated++
			continue
		}
		stored.CreatedAt = now
		m.index[rec.UnifiedID] = len(m.records)
		m.records = append(m.records, &stored)
		res.Inserted++
	}
	return res, nil
}

func (m *MemoryStore) FindByFilter(ctx context.Context, tree query.PredicateTree, limit, skip int, s Sort) ([]*models.UnifiedRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	matched := m.match(tree)
	m.mu.RUnlock()

	if s.Field != "" {
		if field, ok := ResolveSort(s.Field); ok {
			sortRecords(matched, field, s.Desc)
		} else if m.logger != nil {
			m.logger.Warn("[memory] Ignoring sort on unsortable field %q", s.Field)
		}
	}

	if skip > len(matched) {
		skip = len(matched)
	}
	matched = matched[skip:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	out := make([]*models.UnifiedRecord, len(matched))
	for i, rec := range matched {
		cp := *rec
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) Count(ctx context.Context, tree query.PredicateTree) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.match(tree))), nil
}

func (m *MemoryStore) Close() error { return nil }

// match must be called with the lock held.
func (m *MemoryStore) match(tree query.PredicateTree) []*models.UnifiedRecord {
	clauses, none := CompileTree(tree)
	if none {
		return nil
	}

	compiled := make(query.PredicateTree)
	for _, c := range clauses {
		p, ok := compiled[c.Field.Name]
		if !ok {
			p = query.Predicate{Ops: make(map[query.Operator]any)}
		}
		p.Ops[c.Op] = memoryOperand(c.Operand)
		compiled[c.Field.Name] = p
	}

	var out []*models.UnifiedRecord
	for _, rec := range m.records {
		rec := rec
		if compiled.Match(func(name string) (any, bool) { return fieldValue(rec, ResolveField(name)) }) {
			out = append(out, rec)
		}
	}
	return out
}

// memoryOperand renders time operands on the same scale fieldValue uses.
func memoryOperand(v any) any {
	switch t := v.(type) {
	case time.Time:
		return float64(t.UnixMicro())
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = memoryOperand(item)
		}
		return out
	}
	return v
}

func fieldValue(rec *models.UnifiedRecord, f Field) (any, bool) {
	switch f.Name {
	case "sourceFile":
		return rec.SourceFile, true
	case "unifiedId":
		return rec.UnifiedID, true
	case "unifiedCity":
		return derefString(rec.UnifiedCity)
	case "unifiedName":
		return derefString(rec.UnifiedName)
	case "unifiedSegment":
		return derefString(rec.UnifiedSegment)
	case "unifiedPrice":
		if rec.UnifiedPrice == nil {
			return nil, false
		}
		return *rec.UnifiedPrice, true
	case "unifiedIsAvailable":
		if rec.UnifiedIsAvailable == nil {
			return nil, false
		}
		return *rec.UnifiedIsAvailable, true
	case "createdAt":
		return float64(rec.CreatedAt.UnixMicro()), true
	case "updatedAt":
		return float64(rec.UpdatedAt.UnixMicro()), true
	}
	return jsonPath(rec.OriginalData, f.Path)
}

// jsonPath walks objects by key and arrays by index.
func jsonPath(v any, path []string) (any, bool) {
	for _, seg := range path {
		switch node := v.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			v = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			v = node[i]
		default:
			return nil, false
		}
	}
	return v, true
}

func derefString(s *string) (any, bool) {
	if s == nil {
		return nil, false
	}
	return *s, true
}

// sortRecords orders by field; nulls go last in both directions and ties
// keep insertion order.
func sortRecords(recs []*models.UnifiedRecord, field Field, desc bool) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, aok := fieldValue(recs[i], field)
		b, bok := fieldValue(recs[j], field)
		if !aok || !bok {
			return aok && !bok
		}
		c := compareSortable(a, b)
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func compareSortable(a, b any) int {
	switch av := a.(type) {
	case string:
		bv := b.(string)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	case bool:
		bv := b.(bool)
		switch {
		case !av && bv:
			return -1
		case av && !bv:
			return 1
		}
	}
	return 0
}

// dedupe keeps the last record for every unifiedId, at the position of its
// first occurrence.
func dedupe(records []*models.UnifiedRecord) []*models.UnifiedRecord {
	pos := make(map[string]int, len(records))
	out := make([]*models.UnifiedRecord, 0, len(records))
	for _, rec := range records {
		if i, ok := pos[rec.UnifiedID]; ok {
			out[i] = rec
			continue
		}
		pos[rec.UnifiedID] = len(out)
		out = append(out, rec)
	}
	return out
}
