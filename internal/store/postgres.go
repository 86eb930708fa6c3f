package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/po-intake/internal/db"
	"github.com/sells-group/po-intake/internal/model"
	"github.com/sells-group/po-intake/internal/resilience"
)

// PostgresStore implements Store using pgxpool and pgvector.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const entityTableTemplate = `
CREATE TABLE IF NOT EXISTS %s (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	identifier     TEXT NOT NULL DEFAULT '',
	name           TEXT NOT NULL,
	alt_names      JSONB NOT NULL DEFAULT '[]',
	category       TEXT NOT NULL DEFAULT '',
	description    TEXT NOT NULL DEFAULT '',
	domain         TEXT NOT NULL DEFAULT '',
	email          TEXT NOT NULL DEFAULT '',
	phone          TEXT NOT NULL DEFAULT '',
	attributes     JSONB NOT NULL DEFAULT '{}',
	active         BOOLEAN NOT NULL DEFAULT TRUE,
	embedding_text TEXT NOT NULL DEFAULT '',
	embedding      vector(1536),
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_%s_identifier ON %s (entity_norm(identifier));
CREATE INDEX IF NOT EXISTS idx_%s_name ON %s (entity_norm(name));
CREATE INDEX IF NOT EXISTS idx_%s_missing_embedding ON %s (created_at) WHERE active AND embedding IS NULL;
`

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE EXTENSION IF NOT EXISTS unaccent;

-- Same canonical form model.LookupKey computes in Go: fold accents,
-- collapse whitespace, trim, uppercase. The two-argument unaccent form is
-- schema-qualified so the function can be marked IMMUTABLE for indexing.
CREATE OR REPLACE FUNCTION entity_norm(t text) RETURNS text AS $f$
	SELECT UPPER(TRIM(regexp_replace(public.unaccent('public.unaccent', t), '\s+', ' ', 'g')))
$f$ LANGUAGE sql IMMUTABLE PARALLEL SAFE;

CREATE TABLE IF NOT EXISTS match_audit (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	reference    TEXT NOT NULL,
	entity_id    TEXT,
	method       TEXT NOT NULL,
	confidence   DOUBLE PRECISION NOT NULL,
	disposition  TEXT NOT NULL,
	evidence     JSONB NOT NULL DEFAULT '[]',
	needs_review BOOLEAN NOT NULL DEFAULT FALSE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_match_audit_needs_review ON match_audit(needs_review) WHERE needs_review;
CREATE INDEX IF NOT EXISTS idx_match_audit_created_at ON match_audit(created_at);

CREATE TABLE IF NOT EXISTS embed_dlq (
	id             TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	entity_id      TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	retry_count    INT NOT NULL DEFAULT 0,
	max_retries    INT NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL,
	UNIQUE (kind, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_embed_dlq_next_retry ON embed_dlq(next_retry_at);
`

// Migrate creates the schema, including the pgvector extension and one
// entity table per kind.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	for _, kind := range model.AllKinds {
		t := kind.Table()
		ddl := fmt.Sprintf(entityTableTemplate, t, t, t, t, t, t, t)
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return eris.Wrapf(err, "postgres: migrate %s", t)
		}
	}
	return nil
}

// Ping verifies connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const entityColumns = `id, identifier, name, alt_names, category, description, domain, email, phone, attributes, active, embedding_text, created_at, updated_at`

func scanEntity(row pgx.Row, kind model.EntityKind) (*model.Entity, error) {
	var e model.Entity
	var altNames, attrs []byte
	err := row.Scan(&e.ID, &e.Identifier, &e.Name, &altNames, &e.Category, &e.Description,
		&e.Domain, &e.Email, &e.Phone, &attrs, &e.Active, &e.EmbeddingText, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Kind = kind
	if len(altNames) > 0 {
		if err := json.Unmarshal(altNames, &e.AltNames); err != nil {
			return nil, eris.Wrap(err, "postgres: decode alt_names")
		}
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
			return nil, eris.Wrap(err, "postgres: decode attributes")
		}
	}
	return &e, nil
}

func requireKind(kind model.EntityKind) error {
	if !kind.Valid() {
		return eris.Errorf("store: unknown entity kind %q", kind)
	}
	return nil
}

// GetEntity fetches one entity by primary key. Returns nil if absent.
func (s *PostgresStore) GetEntity(ctx context.Context, kind model.EntityKind, id string) (*model.Entity, error) {
	if err := requireKind(kind); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, entityColumns, kind.Table())
	e, err := scanEntity(s.pool.QueryRow(ctx, q, id), kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get %s", kind)
	}
	return e, nil
}

// FindExact performs the cascade's exact stage lookup: equality against the
// normalized identifier, canonical name, or any alternate name, restricted
// to active rows. Columns are normalized with entity_norm, the SQL twin of
// model.LookupKey, so the comparison is symmetric with the caller's key.
func (s *PostgresStore) FindExact(ctx context.Context, kind model.EntityKind, normalized string) (*model.Entity, error) {
	if err := requireKind(kind); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s
		WHERE active AND (
			entity_norm(identifier) = $1
			OR entity_norm(name) = $1
			OR EXISTS (
				SELECT 1 FROM jsonb_array_elements_text(alt_names) alt
				WHERE entity_norm(alt) = $1
			)
		)
		LIMIT 1`, entityColumns, kind.Table())
	e, err := scanEntity(s.pool.QueryRow(ctx, q, normalized), kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find exact %s", kind)
	}
	return e, nil
}

// FindByDomain looks up an active customer by primary email domain.
func (s *PostgresStore) FindByDomain(ctx context.Context, domain string) (*model.Entity, error) {
	q := fmt.Sprintf(`SELECT %s FROM customers WHERE active AND LOWER(domain) = LOWER($1) LIMIT 1`, entityColumns)
	e, err := scanEntity(s.pool.QueryRow(ctx, q, domain), model.KindCustomer)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find by domain")
	}
	return e, nil
}

// FindByPhone looks up an active entity whose phone digits match exactly.
func (s *PostgresStore) FindByPhone(ctx context.Context, kind model.EntityKind, digits string) (*model.Entity, error) {
	if err := requireKind(kind); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s
		WHERE active AND regexp_replace(phone, '\D', '', 'g') = $1 AND phone != ''
		LIMIT 1`, entityColumns, kind.Table())
	e, err := scanEntity(s.pool.QueryRow(ctx, q, digits), kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find by phone %s", kind)
	}
	return e, nil
}

var importColumns = []string{"id", "identifier", "name", "alt_names", "category", "description", "domain", "email", "phone", "attributes", "active"}

// ImportEntities bulk-loads entity master data from the ERP export. With
// replace=true the table is truncated and reloaded via COPY; otherwise rows
// are upserted on primary key. Embeddings are left for the backfill.
func (s *PostgresStore) ImportEntities(ctx context.Context, kind model.EntityKind, entities []model.Entity, replace bool) (int64, error) {
	if err := requireKind(kind); err != nil {
		return 0, err
	}
	rows := make([][]any, 0, len(entities))
	for i := range entities {
		e := &entities[i]
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		altNames, err := json.Marshal(orEmptySlice(e.AltNames))
		if err != nil {
			return 0, eris.Wrap(err, "postgres: encode alt_names")
		}
		attrs, err := json.Marshal(orEmptyMap(e.Attributes))
		if err != nil {
			return 0, eris.Wrap(err, "postgres: encode attributes")
		}
		rows = append(rows, []any{e.ID, e.Identifier, e.Name, altNames, e.Category,
			e.Description, e.Domain, e.Email, e.Phone, attrs, e.Active})
	}

	if replace {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(`TRUNCATE %s`, kind.Table())); err != nil {
			return 0, eris.Wrapf(err, "postgres: truncate %s", kind.Table())
		}
		return db.CopyFrom(ctx, s.pool, kind.Table(), importColumns, rows)
	}

	return db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        kind.Table(),
		Columns:      importColumns,
		ConflictKeys: []string{"id"},
	}, rows)
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// ListMissingEmbeddings returns up to limit active entities whose embedding
// has not been computed yet, oldest first. Entities parked in the
// dead-letter queue stay excluded only while their retry is cooling down;
// once next_retry_at passes they are re-admitted. Entries that exhausted
// their retry budget stay parked until an operator drains them.
func (s *PostgresStore) ListMissingEmbeddings(ctx context.Context, kind model.EntityKind, limit int) ([]model.Entity, error) {
	if err := requireKind(kind); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s
		WHERE active AND embedding IS NULL
		AND id NOT IN (
			SELECT entity_id FROM embed_dlq
			WHERE kind = $2 AND (next_retry_at > now() OR retry_count >= max_retries)
		)
		ORDER BY created_at
		LIMIT $1`, entityColumns, kind.Table())
	rows, err := s.pool.Query(ctx, q, limit, kind)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list missing embeddings %s", kind)
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows, kind)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s", kind)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// UpdateEmbedding persists a freshly computed embedding text and vector for
// one entity, advancing updated_at.
func (s *PostgresStore) UpdateEmbedding(ctx context.Context, kind model.EntityKind, id, text string, vector []float32) error {
	if err := requireKind(kind); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET embedding_text = $2, embedding = $3::vector, updated_at = now() WHERE id = $1`, kind.Table())
	tag, err := s.pool.Exec(ctx, q, id, text, vectorLiteral(vector))
	if err != nil {
		return eris.Wrapf(err, "postgres: update embedding %s/%s", kind, id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: update embedding %s/%s: no such entity", kind, id)
	}
	return nil
}

// CountEntities counts active entities of a kind.
func (s *PostgresStore) CountEntities(ctx context.Context, kind model.EntityKind) (int, error) {
	if err := requireKind(kind); err != nil {
		return 0, err
	}
	var n int
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE active`, kind.Table())
	if err := s.pool.QueryRow(ctx, q).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "postgres: count %s", kind)
	}
	return n, nil
}

// CountEmbedded counts active entities of a kind that have an embedding.
func (s *PostgresStore) CountEmbedded(ctx context.Context, kind model.EntityKind) (int, error) {
	if err := requireKind(kind); err != nil {
		return 0, err
	}
	var n int
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE active AND embedding IS NOT NULL`, kind.Table())
	if err := s.pool.QueryRow(ctx, q).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "postgres: count embedded %s", kind)
	}
	return n, nil
}

// Nearest returns the k most similar active entities by cosine similarity,
// ordered descending.
func (s *PostgresStore) Nearest(ctx context.Context, kind model.EntityKind, vector []float32, k int) ([]Candidate, error) {
	if err := requireKind(kind); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT id, name, 1 - (embedding <=> $1::vector) AS similarity
		FROM %s
		WHERE active AND embedding IS NOT NULL
		ORDER BY embedding <=> $1::vector
		LIMIT $2`, kind.Table())
	rows, err := s.pool.Query(ctx, q, vectorLiteral(vector), k)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: nearest %s", kind)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.EntityID, &c.Name, &c.Similarity); err != nil {
			return nil, eris.Wrapf(err, "postgres: scan candidate %s", kind)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecordMatch appends one match audit row.
func (s *PostgresStore) RecordMatch(ctx context.Context, audit model.MatchAudit) error {
	if audit.ID == "" {
		audit.ID = uuid.NewString()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now().UTC()
	}
	evidence, err := json.Marshal(orEmptySlice(audit.Evidence))
	if err != nil {
		return eris.Wrap(err, "postgres: encode evidence")
	}
	var entityID any
	if audit.EntityID != "" {
		entityID = audit.EntityID
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO match_audit (id, kind, reference, entity_id, method, confidence, disposition, evidence, needs_review, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		audit.ID, audit.Kind, audit.Reference, entityID, audit.Method, audit.Confidence,
		audit.Disposition, evidence, audit.NeedsReview, audit.CreatedAt)
	if err != nil {
		return eris.Wrap(err, "postgres: record match")
	}
	return nil
}

// EnqueueDLQ parks a repeatedly failing entity. Re-enqueueing the same
// entity bumps its retry count and failure details.
func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO embed_dlq (id, kind, entity_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (kind, entity_id) DO UPDATE SET
			error = EXCLUDED.error,
			error_type = EXCLUDED.error_type,
			retry_count = embed_dlq.retry_count + 1,
			next_retry_at = EXCLUDED.next_retry_at,
			last_failed_at = EXCLUDED.last_failed_at`,
		entry.ID, entry.Kind, entry.EntityID, entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt)
	if err != nil {
		return eris.Wrap(err, "postgres: enqueue dlq")
	}
	return nil
}

// DequeueDLQ lists entries due for retry, oldest due first.
func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	q := `SELECT id, kind, entity_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
		FROM embed_dlq
		WHERE next_retry_at <= now()`
	args := []any{}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		q += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	if filter.ErrorType != "" {
		args = append(args, filter.ErrorType)
		q += fmt.Sprintf(" AND error_type = $%d", len(args))
	}
	q += " ORDER BY next_retry_at"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var out []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.EntityID, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RemoveDLQ deletes one entry after a successful retry.
func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM embed_dlq WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

// CountDLQ returns the dead-letter queue depth.
func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM embed_dlq`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "postgres: count dlq")
	}
	return n, nil
}
