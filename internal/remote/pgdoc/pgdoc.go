// Package pgdoc implements remote.DocumentStore on PostgreSQL: documents live
// as JSONB rows and live subscriptions are fed by LISTEN/NOTIFY.
package pgdoc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
)

const notifyChannel = "chatsync_documents"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		collection TEXT        NOT NULL,
		id         TEXT        NOT NULL,
		data       JSONB       NOT NULL DEFAULT '{}',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (collection, id)
	)`,
	`CREATE OR REPLACE FUNCTION chatsync_documents_notify() RETURNS trigger AS $$
	BEGIN
		PERFORM pg_notify('` + notifyChannel + `', json_build_object(
			'op', TG_OP,
			'collection', COALESCE(NEW.collection, OLD.collection),
			'id', COALESCE(NEW.id, OLD.id))::text);
		RETURN NULL;
	END $$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS documents_notify ON documents`,
	`CREATE TRIGGER documents_notify AFTER INSERT OR UPDATE OR DELETE ON documents
		FOR EACH ROW EXECUTE FUNCTION chatsync_documents_notify()`,
}

// Store is a PostgreSQL-backed document store.
type Store struct {
	pool   *pgxpool.Pool
	ln     *listener
	logger *zap.Logger
}

// New connects to dsn and verifies the connection.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgdoc connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgdoc ping: %w", classify(err))
	}
	s := &Store{pool: pool, logger: logger}
	s.ln = newListener(s)
	return s, nil
}

// EnsureSchema creates the documents table and its change trigger.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgdoc schema: %w", err)
		}
	}
	return nil
}

// Close ends every subscription and releases the connection pool.
func (s *Store) Close() {
	s.ln.stop()
	s.pool.Close()
}

// Query runs a one-shot query.
func (s *Store) Query(ctx context.Context, q remote.Query) ([]remote.Document, error) {
	return s.query(ctx, q, time.Time{})
}

// query runs q, limited to documents updated after since when it is set.
func (s *Store) query(ctx context.Context, q remote.Query, since time.Time) ([]remote.Document, error) {
	sql, args := buildQuery(q, since)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, classify(err))
	}
	defer rows.Close()

	var docs []remote.Document
	for rows.Next() {
		doc := remote.Document{Collection: q.Collection}
		var raw []byte
		if err := rows.Scan(&doc.ID, &raw, &doc.UpdateTime); err != nil {
			return nil, fmt.Errorf("query %s: %w", q.Collection, err)
		}
		if doc.Data, err = decode(raw); err != nil {
			return nil, fmt.Errorf("query %s: decode %s: %w", q.Collection, doc.ID, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, classify(err))
	}
	return docs, nil
}

// Write merges data into the document at path.
func (s *Store) Write(ctx context.Context, path string, data map[string]any) (remote.Document, error) {
	collection, id, ok := remote.SplitPath(path)
	if !ok {
		return remote.Document{}, fmt.Errorf("write %s: invalid document path", path)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return remote.Document{}, fmt.Errorf("write %s: %w", path, err)
	}

	doc := remote.Document{Collection: collection, ID: id}
	var raw []byte
	err = s.pool.QueryRow(ctx, `
		INSERT INTO documents (collection, id, data, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (collection, id) DO UPDATE SET
			data = documents.data || excluded.data,
			updated_at = now()
		RETURNING data, updated_at`, collection, id, payload).Scan(&raw, &doc.UpdateTime)
	if err != nil {
		return remote.Document{}, fmt.Errorf("write %s: %w", path, classify(err))
	}
	if doc.Data, err = decode(raw); err != nil {
		return remote.Document{}, fmt.Errorf("write %s: %w", path, err)
	}
	return doc, nil
}

// Update merges fields into an existing document.
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	collection, id, ok := remote.SplitPath(path)
	if !ok {
		return fmt.Errorf("update %s: invalid document path", path)
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents SET data = data || $3, updated_at = now()
		WHERE collection = $1 AND id = $2`, collection, id, payload)
	if err != nil {
		return fmt.Errorf("update %s: %w", path, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s: %w", path, remote.ErrNotFound)
	}
	return nil
}

func (s *Store) get(ctx context.Context, collection, id string) (remote.Document, bool, error) {
	doc := remote.Document{Collection: collection, ID: id}
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT data, updated_at FROM documents WHERE collection = $1 AND id = $2`,
		collection, id).Scan(&raw, &doc.UpdateTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return doc, false, nil
	}
	if err != nil {
		return doc, false, classify(err)
	}
	doc.Data, err = decode(raw)
	return doc, err == nil, err
}

// buildQuery renders q as SQL. Field names are bound as parameters to the
// JSON operators, so they never reach the SQL text. A non-zero since keeps
// only documents updated after it.
func buildQuery(q remote.Query, since time.Time) (string, []any) {
	var b strings.Builder
	args := []any{q.Collection}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	b.WriteString("SELECT id, data, updated_at FROM documents WHERE collection = $1")
	for _, f := range q.Filters {
		field := arg(f.Field)
		op := sqlOp(f.Op).sql()
		switch {
		case f.Op == remote.OpArrayContains:
			fmt.Fprintf(&b, " AND data->(%s::text) ? %s::text", field, arg(fmt.Sprint(f.Value)))
		case isNumber(f.Value):
			n, _ := remote.Number(f.Value)
			fmt.Fprintf(&b, " AND (data->>(%s::text))::numeric %s %s::numeric", field, op, arg(n))
		case isBool(f.Value):
			fmt.Fprintf(&b, " AND (data->>(%s::text))::boolean %s %s::boolean", field, op, arg(f.Value))
		default:
			fmt.Fprintf(&b, " AND data->>(%s::text) %s %s::text", field, op, arg(fmt.Sprint(f.Value)))
		}
	}
	if !since.IsZero() {
		b.WriteString(" AND updated_at > " + arg(since))
	}
	if len(q.OrderBy) > 0 {
		b.WriteString(" ORDER BY ")
		for i, o := range q.OrderBy {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("data->(" + arg(o.Field) + "::text)")
			if o.Desc {
				b.WriteString(" DESC")
			}
		}
		b.WriteString(", id")
	} else {
		b.WriteString(" ORDER BY id")
	}
	if q.Limit > 0 {
		b.WriteString(" LIMIT " + arg(q.Limit))
	}
	return b.String(), args
}

type sqlOp remote.Op

func (o sqlOp) sql() string {
	if o == sqlOp(remote.OpEq) {
		return "="
	}
	return string(o)
}

func isNumber(v any) bool {
	_, ok := remote.Number(v)
	return ok
}

func isBool(v any) bool {
	_, ok := v.(bool)
	return ok
}

func decode(raw []byte) (map[string]any, error) {
	data := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}

// classify maps driver errors onto the remote error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42501" || strings.HasPrefix(pgErr.Code, "28"):
			return fmt.Errorf("%w: %s", remote.ErrPermissionDenied, pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P"):
			return fmt.Errorf("%w: %s", remote.ErrUnavailable, pgErr.Message)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}
	return err
}

var _ remote.DocumentStore = (*Store)(nil)
