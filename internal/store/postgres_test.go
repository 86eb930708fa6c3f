package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/po-intake/internal/model"
	"github.com/sells-group/po-intake/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func entityMockRow() *pgxmock.Rows {
	now := time.Now().UTC()
	return pgxmock.NewRows([]string{"id", "identifier", "name", "alt_names", "category", "description",
		"domain", "email", "phone", "attributes", "active", "embedding_text", "created_at", "updated_at"}).
		AddRow("cust-1", "C12345", "Acme Industrial Supply", []byte(`["ACME SUPPLY"]`), "manufacturing",
			"Industrial fasteners", "acme.com", "orders@acme.com", "+1 (555) 010-0199",
			[]byte(`{"region":"midwest"}`), true, "", now, now)
}

func TestPostgresStore_GetEntity_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM customers WHERE id = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	e, err := s.GetEntity(context.Background(), model.KindCustomer, "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetEntity_UnknownKind(t *testing.T) {
	s, _ := newMockPostgresStore(t)

	_, err := s.GetEntity(context.Background(), model.EntityKind("vendor"), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown entity kind")
}

func TestPostgresStore_FindExact_Hit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	// Columns go through entity_norm so both comparison sides share one
	// canonical form.
	mock.ExpectQuery(`SELECT .+ FROM customers\s+WHERE active AND \(\s+entity_norm\(identifier\) = \$1\s+OR entity_norm\(name\) = \$1`).
		WithArgs("C12345").
		WillReturnRows(entityMockRow())

	e, err := s.FindExact(context.Background(), model.KindCustomer, "C12345")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "cust-1", e.ID)
	assert.Equal(t, model.KindCustomer, e.Kind)
	assert.Equal(t, []string{"ACME SUPPLY"}, e.AltNames)
	assert.Equal(t, "midwest", e.Attributes["region"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindExact_Miss(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM items`).
		WithArgs("BOLT-UNKNOWN").
		WillReturnError(pgx.ErrNoRows)

	e, err := s.FindExact(context.Background(), model.KindItem, "BOLT-UNKNOWN")
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindByDomain_Miss(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM customers WHERE active AND LOWER\(domain\)`).
		WithArgs("unknown.example").
		WillReturnError(pgx.ErrNoRows)

	e, err := s.FindByDomain(context.Background(), "unknown.example")
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListMissingSkipsCoolingDLQEntries(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM contacts\s+WHERE active AND embedding IS NULL\s+AND id NOT IN \(\s+SELECT entity_id FROM embed_dlq\s+WHERE kind = \$2 AND \(next_retry_at > now\(\) OR retry_count >= max_retries\)`).
		WithArgs(50, model.KindContact).
		WillReturnRows(entityMockRow())

	out, err := s.ListMissingEmbeddings(context.Background(), model.KindContact, 50)
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateEmbedding(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE contacts SET embedding_text`).
		WithArgs("contact-1", "Jane Doe jane@acme.com", "[0.25,0.5]").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.UpdateEmbedding(context.Background(), model.KindContact, "contact-1",
		"Jane Doe jane@acme.com", []float32{0.25, 0.5})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateEmbedding_MissingEntity(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE customers SET embedding_text`).
		WithArgs("ghost", "text", "[1]").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateEmbedding(context.Background(), model.KindCustomer, "ghost", "text", []float32{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such entity")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Nearest(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, name, 1 - \(embedding <=>`).
		WithArgs("[1,0]", 5).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "similarity"}).
			AddRow("cust-1", "Acme Industrial Supply", 0.93).
			AddRow("cust-2", "Apex Industries", 0.71))

	candidates, err := s.Nearest(context.Background(), model.KindCustomer, []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "cust-1", candidates[0].EntityID)
	assert.InDelta(t, 0.93, candidates[0].Similarity, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordMatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO match_audit`).
		WithArgs(pgxmock.AnyArg(), model.KindCustomer, "ACME SUPLY CO", "cust-1",
			model.MethodVector, 0.86, model.DispositionReview, pgxmock.AnyArg(), true, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.RecordMatch(context.Background(), model.MatchAudit{
		Kind:        model.KindCustomer,
		Reference:   "ACME SUPLY CO",
		EntityID:    "cust-1",
		Method:      model.MethodVector,
		Confidence:  0.86,
		Disposition: model.DispositionReview,
		Evidence:    []string{"vector similarity 0.86"},
		NeedsReview: true,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnqueueDLQ_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO embed_dlq .+ ON CONFLICT`).
		WithArgs(pgxmock.AnyArg(), model.KindItem, "item-9", "embed: rate limited", "transient",
			1, 3, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.EnqueueDLQ(context.Background(), resilience.DLQEntry{
		Kind:        model.KindItem,
		EntityID:    "item-9",
		Error:       "embed: rate limited",
		ErrorType:   "transient",
		RetryCount:  1,
		MaxRetries:  3,
		NextRetryAt: time.Now().Add(time.Minute),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountDLQ(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM embed_dlq`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(4))

	n, err := s.CountDLQ(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
