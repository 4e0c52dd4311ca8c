// Package domain holds the entities shared by the cart, terminal, journal
// and report services, with their wire and storage representations.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Meta carries the bookkeeping fields every persisted document shares.
// Etag changes on every write and backs optimistic concurrency control.
type Meta struct {
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
	Etag      string    `bson:"etag" json:"-"`
}

// NewEtag returns a fresh opaque revision token.
func NewEtag() string { return uuid.NewString() }

// Touch stamps a document for its first or a subsequent write.
func (m *Meta) Touch(now time.Time) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.Etag = NewEtag()
}
