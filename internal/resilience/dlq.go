package resilience

import (
	"time"

	"github.com/sells-group/po-intake/internal/model"
)

// DLQEntry parks an entity whose embedding keeps failing so the backfill
// stops re-selecting it every batch. Drained via `po-intake backfill --retry-dlq`.
type DLQEntry struct {
	ID           string           `json:"id"`
	Kind         model.EntityKind `json:"kind"`
	EntityID     string           `json:"entity_id"`
	Error        string           `json:"error"`
	ErrorType    string           `json:"error_type"` // "transient" or "permanent"
	RetryCount   int              `json:"retry_count"`
	MaxRetries   int              `json:"max_retries"`
	NextRetryAt  time.Time        `json:"next_retry_at"`
	CreatedAt    time.Time        `json:"created_at"`
	LastFailedAt time.Time        `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	Kind      model.EntityKind `json:"kind,omitempty"`
	ErrorType string           `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	Limit     int              `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}
