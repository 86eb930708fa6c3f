package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/po-intake/internal/model"
	"github.com/sells-group/po-intake/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite. It exists for
// local development and tests; vectors are stored as text literals and
// similarity search scans in process.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := sdb.Exec(pragma); err != nil {
			sdb.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sdb}, nil
}

const sqliteEntityTableTemplate = `
CREATE TABLE IF NOT EXISTS %s (
	id             TEXT PRIMARY KEY,
	identifier     TEXT NOT NULL DEFAULT '',
	name           TEXT NOT NULL,
	alt_names      TEXT NOT NULL DEFAULT '[]',
	category       TEXT NOT NULL DEFAULT '',
	description    TEXT NOT NULL DEFAULT '',
	domain         TEXT NOT NULL DEFAULT '',
	email          TEXT NOT NULL DEFAULT '',
	phone          TEXT NOT NULL DEFAULT '',
	attributes     TEXT NOT NULL DEFAULT '{}',
	active         INTEGER NOT NULL DEFAULT 1,
	embedding_text TEXT NOT NULL DEFAULT '',
	embedding      TEXT,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_%s_identifier ON %s(identifier);
CREATE INDEX IF NOT EXISTS idx_%s_name ON %s(name);
`

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS match_audit (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	reference    TEXT NOT NULL,
	entity_id    TEXT,
	method       TEXT NOT NULL,
	confidence   REAL NOT NULL,
	disposition  TEXT NOT NULL,
	evidence     TEXT NOT NULL DEFAULT '[]',
	needs_review INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_match_audit_needs_review ON match_audit(needs_review);

CREATE TABLE IF NOT EXISTS embed_dlq (
	id             TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	entity_id      TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	last_failed_at DATETIME NOT NULL,
	UNIQUE (kind, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_embed_dlq_next_retry ON embed_dlq(next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	for _, kind := range model.AllKinds {
		t := kind.Table()
		ddl := fmt.Sprintf(sqliteEntityTableTemplate, t, t, t, t, t)
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return eris.Wrapf(err, "sqlite: migrate %s", t)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteRow interface {
	Scan(dest ...any) error
}

func scanSQLiteEntity(row sqliteRow, kind model.EntityKind) (*model.Entity, error) {
	var e model.Entity
	var altNames, attrs string
	var embedding sql.NullString
	err := row.Scan(&e.ID, &e.Identifier, &e.Name, &altNames, &e.Category, &e.Description,
		&e.Domain, &e.Email, &e.Phone, &attrs, &e.Active, &e.EmbeddingText, &embedding,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Kind = kind
	if err := json.Unmarshal([]byte(altNames), &e.AltNames); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode alt_names")
	}
	if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode attributes")
	}
	if embedding.Valid && embedding.String != "" {
		vec, err := parseVectorLiteral(embedding.String)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: decode embedding")
		}
		e.Embedding = vec
	}
	return &e, nil
}

const sqliteEntityColumns = `id, identifier, name, alt_names, category, description, domain, email, phone, attributes, active, embedding_text, embedding, created_at, updated_at`

func (s *SQLiteStore) GetEntity(ctx context.Context, kind model.EntityKind, id string) (*model.Entity, error) {
	if err := requireKind(kind); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, sqliteEntityColumns, kind.Table())
	e, err := scanSQLiteEntity(s.db.QueryRowContext(ctx, q, id), kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get %s", kind)
	}
	return e, nil
}

// FindExact scans active rows and compares the normalized identifier, name,
// and alternate names in Go. SQLite lacks the expression indexes the
// Postgres backend uses, which is acceptable at development scale.
func (s *SQLiteStore) FindExact(ctx context.Context, kind model.EntityKind, normalized string) (*model.Entity, error) {
	if err := requireKind(kind); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE active = 1`, sqliteEntityColumns, kind.Table())
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find exact %s", kind)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanSQLiteEntity(rows, kind)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", kind)
		}
		if normalizedEquals(e.Identifier, normalized) || normalizedEquals(e.Name, normalized) {
			return e, nil
		}
		for _, alt := range e.AltNames {
			if normalizedEquals(alt, normalized) {
				return e, nil
			}
		}
	}
	return nil, rows.Err()
}

// normalizedEquals compares a stored column against a caller-supplied
// lookup key, applying the same canonicalization to the stored side.
func normalizedEquals(value, normalized string) bool {
	return model.LookupKey(value) == normalized
}

func (s *SQLiteStore) FindByDomain(ctx context.Context, domain string) (*model.Entity, error) {
	q := fmt.Sprintf(`SELECT %s FROM customers WHERE active = 1 AND LOWER(domain) = LOWER(?) LIMIT 1`, sqliteEntityColumns)
	e, err := scanSQLiteEntity(s.db.QueryRowContext(ctx, q, domain), model.KindCustomer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find by domain")
	}
	return e, nil
}

func (s *SQLiteStore) FindByPhone(ctx context.Context, kind model.EntityKind, digits string) (*model.Entity, error) {
	if err := requireKind(kind); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE active = 1 AND phone != ''`, sqliteEntityColumns, kind.Table())
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find by phone %s", kind)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanSQLiteEntity(rows, kind)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", kind)
		}
		if phoneDigits(e.Phone) == digits {
			return e, nil
		}
	}
	return nil, rows.Err()
}

func phoneDigits(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *SQLiteStore) ImportEntities(ctx context.Context, kind model.EntityKind, entities []model.Entity, replace bool) (int64, error) {
	if err := requireKind(kind); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin import")
	}
	defer tx.Rollback()

	if replace {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, kind.Table())); err != nil {
			return 0, eris.Wrapf(err, "sqlite: clear %s", kind.Table())
		}
	}

	q := fmt.Sprintf(`INSERT INTO %s (id, identifier, name, alt_names, category, description, domain, email, phone, attributes, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			identifier = excluded.identifier,
			name = excluded.name,
			alt_names = excluded.alt_names,
			category = excluded.category,
			description = excluded.description,
			domain = excluded.domain,
			email = excluded.email,
			phone = excluded.phone,
			attributes = excluded.attributes,
			active = excluded.active,
			updated_at = datetime('now')`, kind.Table())

	var total int64
	for i := range entities {
		e := &entities[i]
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		altNames, err := json.Marshal(orEmptySlice(e.AltNames))
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: encode alt_names")
		}
		attrs, err := json.Marshal(orEmptyMap(e.Attributes))
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: encode attributes")
		}
		if _, err := tx.ExecContext(ctx, q, e.ID, e.Identifier, e.Name, string(altNames),
			e.Category, e.Description, e.Domain, e.Email, e.Phone, string(attrs), e.Active); err != nil {
			return 0, eris.Wrapf(err, "sqlite: import %s", kind.Table())
		}
		total++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit import")
	}
	return total, nil
}

func (s *SQLiteStore) ListMissingEmbeddings(ctx context.Context, kind model.EntityKind, limit int) ([]model.Entity, error) {
	if err := requireKind(kind); err != nil {
		return nil, err
	}
	// Dead-letter rows are excluded only while cooling down or after the
	// retry budget is exhausted; due entries are re-admitted.
	q := fmt.Sprintf(`SELECT %s FROM %s
		WHERE active = 1 AND embedding IS NULL
		AND id NOT IN (
			SELECT entity_id FROM embed_dlq
			WHERE kind = ? AND (next_retry_at > ? OR retry_count >= max_retries)
		)
		ORDER BY created_at
		LIMIT ?`, sqliteEntityColumns, kind.Table())
	rows, err := s.db.QueryContext(ctx, q, string(kind), time.Now().UTC(), limit)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list missing embeddings %s", kind)
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		e, err := scanSQLiteEntity(rows, kind)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", kind)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateEmbedding(ctx context.Context, kind model.EntityKind, id, text string, vector []float32) error {
	if err := requireKind(kind); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET embedding_text = ?, embedding = ?, updated_at = datetime('now') WHERE id = ?`, kind.Table())
	res, err := s.db.ExecContext(ctx, q, text, vectorLiteral(vector), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update embedding %s/%s", kind, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("sqlite: update embedding %s/%s: no such entity", kind, id)
	}
	return nil
}

func (s *SQLiteStore) CountEntities(ctx context.Context, kind model.EntityKind) (int, error) {
	return s.countWhere(ctx, kind, "active = 1")
}

func (s *SQLiteStore) CountEmbedded(ctx context.Context, kind model.EntityKind) (int, error) {
	return s.countWhere(ctx, kind, "active = 1 AND embedding IS NOT NULL")
}

func (s *SQLiteStore) countWhere(ctx context.Context, kind model.EntityKind, where string) (int, error) {
	if err := requireKind(kind); err != nil {
		return 0, err
	}
	var n int
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, kind.Table(), where)
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "sqlite: count %s", kind)
	}
	return n, nil
}

// Nearest brute-forces cosine similarity over all embedded active rows.
func (s *SQLiteStore) Nearest(ctx context.Context, kind model.EntityKind, vector []float32, k int) ([]Candidate, error) {
	if err := requireKind(kind); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT id, name, embedding FROM %s WHERE active = 1 AND embedding IS NOT NULL`, kind.Table())
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: nearest %s", kind)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		var literal string
		if err := rows.Scan(&c.EntityID, &c.Name, &literal); err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan candidate %s", kind)
		}
		vec, err := parseVectorLiteral(literal)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: decode embedding %s/%s", kind, c.EntityID)
		}
		c.Similarity = cosineSimilarity(vector, vec)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *SQLiteStore) RecordMatch(ctx context.Context, audit model.MatchAudit) error {
	if audit.ID == "" {
		audit.ID = uuid.NewString()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now().UTC()
	}
	evidence, err := json.Marshal(orEmptySlice(audit.Evidence))
	if err != nil {
		return eris.Wrap(err, "sqlite: encode evidence")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO match_audit (id, kind, reference, entity_id, method, confidence, disposition, evidence, needs_review, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		audit.ID, string(audit.Kind), audit.Reference, audit.EntityID, string(audit.Method),
		audit.Confidence, string(audit.Disposition), string(evidence), audit.NeedsReview, audit.CreatedAt)
	if err != nil {
		return eris.Wrap(err, "sqlite: record match")
	}
	return nil
}

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.LastFailedAt.IsZero() {
		entry.LastFailedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO embed_dlq (id, kind, entity_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (kind, entity_id) DO UPDATE SET
			error = excluded.error,
			error_type = excluded.error_type,
			retry_count = embed_dlq.retry_count + 1,
			next_retry_at = excluded.next_retry_at,
			last_failed_at = excluded.last_failed_at`,
		entry.ID, string(entry.Kind), entry.EntityID, entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt)
	if err != nil {
		return eris.Wrap(err, "sqlite: enqueue dlq")
	}
	return nil
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	q := `SELECT id, kind, entity_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
		FROM embed_dlq
		WHERE next_retry_at <= ?`
	args := []any{time.Now().UTC()}
	if filter.Kind != "" {
		q += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	if filter.ErrorType != "" {
		q += " AND error_type = ?"
		args = append(args, filter.ErrorType)
	}
	q += " ORDER BY next_retry_at"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close()

	var out []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.EntityID, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM embed_dlq WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embed_dlq`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "sqlite: count dlq")
	}
	return n, nil
}
