package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/lib/pq"

	"rental-ingest/models"
	"rental-ingest/query"
	"rental-ingest/utils"
)

const recordsTable = "unified_records"

// maxRowsPerStatement keeps one INSERT under the 65535 bind parameter limit.
const maxRowsPerStatement = 5000

var dialect = goqu.Dialect("postgres")

// PostgresStore persists unified records to PostgreSQL. Unified fields are
// typed columns; the raw element is kept as JSONB.
type PostgresStore struct {
	sqlDB  *sql.DB
	db     *goqu.Database
	logger *utils.Logger
}

// NewPostgresStore opens a connection to PostgreSQL, retrying the first ping,
// runs schema migrations, and returns a ready-to-use PostgresStore.
func NewPostgresStore(ctx context.Context, dsn string, retry utils.RetryConfig, logger *utils.Logger) (*PostgresStore, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	err = retry.DoContext(ctx, "postgres ping", func() error {
		return sqlDB.PingContext(ctx)
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("postgres: %w", err)
	}

	ps := &PostgresStore{sqlDB: sqlDB, db: goqu.New("postgres", sqlDB), logger: logger}
	if err := ps.migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	return ps, nil
}

func (ps *PostgresStore) migrate(ctx context.Context) error {
	_, err := ps.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS unified_records (
			id                   BIGSERIAL PRIMARY KEY,
			source_file          TEXT        NOT NULL,
			unified_id           TEXT        UNIQUE NOT NULL,
			unified_city         TEXT,
			unified_price        DOUBLE PRECISION,
			unified_is_available BOOLEAN,
			unified_name         TEXT,
			unified_segment      TEXT,
			original_data        JSONB       NOT NULL DEFAULT 'null'::jsonb,
			created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_unified_records_city
			ON unified_records(unified_city);
		CREATE INDEX IF NOT EXISTS idx_unified_records_available_price
			ON unified_records(unified_is_available, unified_price);
		CREATE INDEX IF NOT EXISTS idx_unified_records_city_available_price
			ON unified_records(unified_city, unified_is_available, unified_price);
	`)
	return err
}

// BulkUpsert writes the batch in one transaction. Records sharing an id are
// collapsed to the last one, since ON CONFLICT cannot touch a row twice.
func (ps *PostgresStore) BulkUpsert(ctx context.Context, records []*models.UnifiedRecord) (*WriteResult, error) {
	records = dedupe(records)
	if len(records) == 0 {
		return &WriteResult{}, nil
	}

	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin: %w", err)
	}

	res := &WriteResult{}
	err = tx.Wrap(func() error {
		for i := 0; i < len(records); i += maxRowsPerStatement {
			end := i + maxRowsPerStatement
			if end > len(records) {
				end = len(records)
			}
			sqlStr, args, err := buildUpsert(records[i:end])
			if err != nil {
				return err
			}
			var inserted []bool
			if err := tx.ScanValsContext(ctx, &inserted, sqlStr, args...); err != nil {
				return err
			}
			for _, ins := range inserted {
				if ins {
					res.Inserted++
				} else {
					res.Updated++
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: upsert %d records: %w", len(records), err)
	}
	return res, nil
}

func buildUpsert(records []*models.UnifiedRecord) (string, []interface{}, error) {
	rows := make([]interface{}, 0, len(records))
	for _, r := range records {
		original, err := json.Marshal(r.OriginalData)
		if err != nil {
			return "", nil, fmt.Errorf("encode original data of %s: %w", r.UnifiedID, err)
		}
		rows = append(rows, goqu.Record{
			"source_file":          r.SourceFile,
			"unified_id":           r.UnifiedID,
			"unified_city":         nullable(r.UnifiedCity),
			"unified_price":        nullable(r.UnifiedPrice),
			"unified_is_available": nullable(r.UnifiedIsAvailable),
			"unified_name":         nullable(r.UnifiedName),
			"unified_segment":      nullable(r.UnifiedSegment),
			// text cast keeps lib/pq from sending the bytes as bytea
			"original_data": goqu.L("?::jsonb", string(original)),
		})
	}

	update := goqu.Record{"updated_at": goqu.L("NOW()")}
	for _, col := range []string{
		"source_file", "unified_city", "unified_price", "unified_is_available",
		"unified_name", "unified_segment", "original_data",
	} {
		update[col] = goqu.L("EXCLUDED." + col)
	}

	return dialect.Insert(recordsTable).
		Rows(rows...).
		OnConflict(goqu.DoUpdate("unified_id", update)).
		Returning(goqu.L("(xmax = 0)")).
		Prepared(true).
		ToSQL()
}

func (ps *PostgresStore) FindByFilter(ctx context.Context, tree query.PredicateTree, limit, skip int, s Sort) ([]*models.UnifiedRecord, error) {
	if s.Field != "" {
		if _, ok := ResolveSort(s.Field); !ok && ps.logger != nil {
			ps.logger.Warn("[postgres] Ignoring sort on unsortable field %q", s.Field)
		}
	}

	sqlStr, args, err := buildSelect(tree, limit, skip, s)
	if err != nil {
		return nil, fmt.Errorf("postgres: build query: %w", err)
	}

	var rows []recordRow
	if err := ps.db.ScanStructsContext(ctx, &rows, sqlStr, args...); err != nil {
		return nil, fmt.Errorf("postgres: find: %w", err)
	}

	out := make([]*models.UnifiedRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, fmt.Errorf("postgres: decode %s: %w", row.UnifiedID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (ps *PostgresStore) Count(ctx context.Context, tree query.PredicateTree) (int64, error) {
	sqlStr, args, err := buildCount(tree)
	if err != nil {
		return 0, fmt.Errorf("postgres: build count: %w", err)
	}
	var n int64
	if _, err := ps.db.ScanValContext(ctx, &n, sqlStr, args...); err != nil {
		return 0, fmt.Errorf("postgres: count: %w", err)
	}
	return n, nil
}

func (ps *PostgresStore) Close() error {
	return ps.sqlDB.Close()
}

func buildSelect(tree query.PredicateTree, limit, skip int, s Sort) (string, []interface{}, error) {
	ds := dialect.From(recordsTable).
		Select(&recordRow{}).
		Where(whereExpressions(tree)...)

	if field, ok := ResolveSort(s.Field); ok {
		col := goqu.C(field.Column)
		if s.Desc {
			ds = ds.Order(col.Desc().NullsLast(), goqu.C("id").Asc())
		} else {
			ds = ds.Order(col.Asc().NullsLast(), goqu.C("id").Asc())
		}
	} else {
		ds = ds.Order(goqu.C("id").Asc())
	}
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	if skip > 0 {
		ds = ds.Offset(uint(skip))
	}
	return ds.Prepared(true).ToSQL()
}

func buildCount(tree query.PredicateTree) (string, []interface{}, error) {
	return dialect.From(recordsTable).
		Select(goqu.COUNT(goqu.Star())).
		Where(whereExpressions(tree)...).
		Prepared(true).
		ToSQL()
}

func whereExpressions(tree query.PredicateTree) []exp.Expression {
	clauses, none := CompileTree(tree)
	if none {
		return []exp.Expression{goqu.L("FALSE")}
	}
	out := make([]exp.Expression, 0, len(clauses))
	for _, c := range clauses {
		if c.Field.Kind == KindJSON {
			out = append(out, jsonClause(c))
		} else {
			out = append(out, columnClause(c))
		}
	}
	return out
}

func columnClause(c Clause) exp.Expression {
	col := goqu.C(c.Field.Column)
	switch c.Op {
	case query.OpEq:
		return col.Eq(c.Operand)
	case query.OpNe:
		return goqu.L("? IS DISTINCT FROM ?", col, c.Operand)
	case query.OpGt:
		return col.Gt(c.Operand)
	case query.OpGte:
		return col.Gte(c.Operand)
	case query.OpLt:
		return col.Lt(c.Operand)
	case query.OpLte:
		return col.Lte(c.Operand)
	case query.OpIn:
		return col.In(c.Operand)
	case query.OpNin:
		return goqu.Or(col.IsNull(), col.NotIn(c.Operand))
	case query.OpContains:
		return goqu.L("?::text ILIKE ?", col, likePattern(c.Operand))
	}
	return goqu.L("FALSE")
}

// jsonClause compares inside original_data. JSON null reads as SQL NULL so
// absent and null paths behave the same, and ordering operators only compare
// values of the operand's JSON type.
func jsonClause(c Clause) exp.Expression {
	segments := c.Field.Path
	if segments == nil {
		segments = []string{}
	}
	path := pq.Array(segments)
	value := goqu.L("NULLIF(original_data #> ?::text[], 'null'::jsonb)", path)
	text := goqu.L("(original_data #>> ?::text[])", path)

	switch c.Op {
	case query.OpEq:
		return goqu.L("? = ?::jsonb", value, jsonLiteral(c.Operand))
	case query.OpNe:
		return goqu.L("? IS DISTINCT FROM ?::jsonb", value, jsonLiteral(c.Operand))
	case query.OpGt, query.OpGte, query.OpLt, query.OpLte:
		sqlOp := map[query.Operator]string{
			query.OpGt: ">", query.OpGte: ">=", query.OpLt: "<", query.OpLte: "<=",
		}[c.Op]
		return goqu.L("(jsonb_typeof(?) = ? AND ? "+sqlOp+" ?::jsonb)",
			value, jsonType(c.Operand), value, jsonLiteral(c.Operand))
	case query.OpIn, query.OpNin:
		list, _ := c.Operand.([]any)
		eqs := make([]exp.Expression, 0, len(list))
		for _, item := range list {
			eqs = append(eqs, goqu.L("? = ?::jsonb", value, jsonLiteral(item)))
		}
		anyOf := goqu.Or(eqs...)
		if c.Op == query.OpIn {
			return anyOf
		}
		return goqu.Or(goqu.L("? IS NULL", value), goqu.L("NOT ?", anyOf))
	case query.OpContains:
		return goqu.L("(jsonb_typeof(?) IN ('string', 'number', 'boolean') AND ? ILIKE ?)",
			value, text, likePattern(c.Operand))
	}
	return goqu.L("FALSE")
}

func jsonLiteral(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func jsonType(v any) string {
	switch v.(type) {
	case float64:
		return "number"
	case bool:
		return "boolean"
	}
	return "string"
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePattern(v any) string {
	m, _ := v.(query.Substring)
	return "%" + likeEscaper.Replace(m.Text) + "%"
}

func nullable[T any](p *T) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

type recordRow struct {
	SourceFile         string          `db:"source_file"`
	UnifiedID          string          `db:"unified_id"`
	UnifiedCity        sql.NullString  `db:"unified_city"`
	UnifiedPrice       sql.NullFloat64 `db:"unified_price"`
	UnifiedIsAvailable sql.NullBool    `db:"unified_is_available"`
	UnifiedName        sql.NullString  `db:"unified_name"`
	UnifiedSegment     sql.NullString  `db:"unified_segment"`
	OriginalData       []byte          `db:"original_data"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
}

func (r recordRow) toRecord() (*models.UnifiedRecord, error) {
	rec := &models.UnifiedRecord{
		SourceFile: r.SourceFile,
		UnifiedID:  r.UnifiedID,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.UnifiedCity.Valid {
		rec.UnifiedCity = &r.UnifiedCity.String
	}
	if r.UnifiedPrice.Valid {
		rec.UnifiedPrice = &r.UnifiedPrice.Float64
	}
	if r.UnifiedIsAvailable.Valid {
		rec.UnifiedIsAvailable = &r.UnifiedIsAvailable.Bool
	}
	if r.UnifiedName.Valid {
		rec.UnifiedName = &r.UnifiedName.String
	}
	if r.UnifiedSegment.Valid {
		rec.UnifiedSegment = &r.UnifiedSegment.String
	}

	dec := json.NewDecoder(bytes.NewReader(r.OriginalData))
	dec.UseNumber()
	if err := dec.Decode(&rec.OriginalData); err != nil {
		return nil, err
	}
	return rec, nil
}
