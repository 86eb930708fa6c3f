package model

import (
	"time"
)

// EntityKind identifies which matchable table a reference resolves against.
type EntityKind string

const (
	KindCustomer EntityKind = "customer"
	KindContact  EntityKind = "contact"
	KindItem     EntityKind = "item"
)

// AllKinds lists every matchable entity kind in a stable order.
var AllKinds = []EntityKind{KindCustomer, KindContact, KindItem}

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	switch k {
	case KindCustomer, KindContact, KindItem:
		return true
	}
	return false
}

// Table returns the backing table name for the kind.
func (k EntityKind) Table() string {
	switch k {
	case KindCustomer:
		return "customers"
	case KindContact:
		return "contacts"
	case KindItem:
		return "items"
	}
	return ""
}

// Entity is a matchable database record: a customer, contact, or inventory item.
// EmbeddingText is the deterministic concatenation of its canonical attributes
// and must be regenerated whenever any contributing attribute changes.
// Embedding is nil until computed. Inactive entities are excluded from new-match
// candidate sets but keep their embedding for audit.
type Entity struct {
	Kind        EntityKind        `json:"kind"`
	ID          string            `json:"id"`
	Identifier  string            `json:"identifier"` // external key: customer number, SKU, etc.
	Name        string            `json:"name"`
	AltNames    []string          `json:"alt_names,omitempty"`
	Category    string            `json:"category,omitempty"`
	Description string            `json:"description,omitempty"`
	Domain      string            `json:"domain,omitempty"` // customers: primary email domain
	Email       string            `json:"email,omitempty"`  // contacts
	Phone       string            `json:"phone,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Active      bool              `json:"active"`

	EmbeddingText string    `json:"embedding_text,omitempty"`
	Embedding     []float32 `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BacklogStats summarizes embedding coverage for one entity kind.
// Computed on demand, never stored.
type BacklogStats struct {
	Kind            EntityKind `json:"kind"`
	Total           int        `json:"total"`
	Embedded        int        `json:"embedded"`
	Pending         int        `json:"pending"`
	PercentComplete float64    `json:"percent_complete"`
}

// NewBacklogStats derives pending and percentage from raw counts.
func NewBacklogStats(kind EntityKind, total, embedded int) BacklogStats {
	s := BacklogStats{Kind: kind, Total: total, Embedded: embedded, Pending: total - embedded}
	if total > 0 {
		s.PercentComplete = float64(embedded) / float64(total) * 100
	}
	return s
}
