package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/lib/pq"
)

// Postgres is a Store backed by PostgreSQL. Every document is a JSONB row in
// a single table keyed by (collection, id); the primary key is the uniqueness
// constraint that backs duplicate detection.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle. Call Migrate before first use.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects to the given URL and runs migrations.
func OpenPostgres(ctx context.Context, url string, maxConns int) (*Postgres, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	s := NewPostgres(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the documents table if it does not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			doc JSONB NOT NULL,
			PRIMARY KEY (collection, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_parent
			ON documents (collection, (doc->>'parent'))`,
		`CREATE INDEX IF NOT EXISTS idx_documents_reference
			ON documents (collection, (doc->>'reference'))`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// whereClause builds the SQL predicate for a filter. The first argument is
// always the collection name.
func whereClause(coll string, f Filter) (string, []interface{}) {
	clauses := []string{"collection = $1"}
	args := []interface{}{coll}
	n := 2
	// Stable ordering keeps queries deterministic for tests.
	fields := make([]string, 0, len(f))
	for field := range f {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		want := f[field]
		expr := fmt.Sprintf("doc->>'%s'", field)
		if field == "id" {
			expr = "id"
		}
		switch w := want.(type) {
		case In:
			clauses = append(clauses, fmt.Sprintf("%s = ANY($%d)", expr, n))
			args = append(args, pq.Array([]string(w)))
			n++
		case Prefix:
			clauses = append(clauses, fmt.Sprintf("%s LIKE $%d", expr, n))
			args = append(args, escapeLike(string(w))+"%")
			n++
		case nil:
			clauses = append(clauses, expr+" IS NULL")
		default:
			clauses = append(clauses, fmt.Sprintf("%s = $%d", expr, n))
			args = append(args, fmt.Sprintf("%v", w))
			n++
		}
	}
	return strings.Join(clauses, " AND "), args
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

// Find returns matching documents ordered by id.
func (s *Postgres) Find(ctx context.Context, coll string, f Filter, opts FindOptions) ([][]byte, error) {
	where, args := whereClause(coll, f)
	query := "SELECT doc FROM documents WHERE " + where + " ORDER BY id ASC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Skip > 0 {
		query += fmt.Sprintf(" OFFSET %d", opts.Skip)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find documents: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// FindOne returns a single matching document or ErrNotFound.
func (s *Postgres) FindOne(ctx context.Context, coll string, f Filter) ([]byte, error) {
	where, args := whereClause(coll, f)
	query := "SELECT doc FROM documents WHERE " + where + " ORDER BY id ASC LIMIT 1"
	var doc []byte
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find document: %w", err)
	}
	return doc, nil
}

var detailKeyPattern = regexp.MustCompile(`\)=\([^,]+, (.+)\) already exists`)

// InsertMany inserts all documents in one statement; the primary key rejects
// duplicates atomically.
func (s *Postgres) InsertMany(ctx context.Context, coll string, docs []Doc) error {
	if len(docs) == 0 {
		return nil
	}
	placeholders := make([]string, 0, len(docs))
	args := make([]interface{}, 0, len(docs)*2+1)
	args = append(args, coll)
	for i, d := range docs {
		placeholders = append(placeholders, fmt.Sprintf("($1, $%d, $%d)", i*2+2, i*2+3))
		args = append(args, d.ID, d.Data)
	}
	query := "INSERT INTO documents (collection, id, doc) VALUES " + strings.Join(placeholders, ", ")
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			dup := &DuplicateKeyError{Collection: coll}
			if m := detailKeyPattern.FindStringSubmatch(pqErr.Detail); m != nil {
				dup.IDs = []string{m[1]}
			}
			return dup
		}
		return fmt.Errorf("failed to insert documents: %w", err)
	}
	return nil
}

// ReplaceOne replaces an existing document.
func (s *Postgres) ReplaceOne(ctx context.Context, coll string, id string, data []byte) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE documents SET doc = $3 WHERE collection = $1 AND id = $2", coll, id, data)
	if err != nil {
		return fmt.Errorf("failed to replace document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to replace document: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateMany shallow-merges fields into every matching document using the
// JSONB concatenation operator.
func (s *Postgres) UpdateMany(ctx context.Context, coll string, f Filter, fields map[string]interface{}) (int64, error) {
	patch, err := json.Marshal(fields)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal patch: %w", err)
	}
	where, args := whereClause(coll, f)
	query := fmt.Sprintf("UPDATE documents SET doc = doc || $%d::jsonb WHERE %s", len(args)+1, where)
	args = append(args, patch)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update documents: %w", err)
	}
	return res.RowsAffected()
}

// DeleteMany removes every matching document.
func (s *Postgres) DeleteMany(ctx context.Context, coll string, f Filter) (int64, error) {
	where, args := whereClause(coll, f)
	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE "+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete documents: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of matching documents.
func (s *Postgres) Count(ctx context.Context, coll string, f Filter) (int64, error) {
	where, args := whereClause(coll, f)
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE "+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

// Ping verifies the database is reachable.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database handle.
func (s *Postgres) Close() error {
	return s.db.Close()
}
