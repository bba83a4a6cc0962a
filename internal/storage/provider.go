// Package storage implements the versioned grain-state provider: the system
// of record that outlives activations.
//
// Writes are guarded by optimistic concurrency: a write succeeds only when
// the supplied expected version matches the stored one (both nil for a first
// insert). On success the stored version becomes expected+1. The version
// check is the last line of defense against a stale activation surviving a
// silo failover.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/titan/backend/internal/grain"
)

// ErrVersionConflict is returned when the expected version does not match
// the stored one. Under single-activation this indicates an out-of-band
// write and the activation must be discarded; during a failover race it is
// the mechanism that fences the stale writer.
var ErrVersionConflict = errors.New("storage: version conflict")

// ErrNotFound is returned by Read when no row exists for the identity.
var ErrNotFound = errors.New("storage: state not found")

// Provider is the persistence contract grains read and write through.
// Payloads are opaque bytes; see codec.go for the tagged encoding.
type Provider interface {
	// Read returns the payload and current version, or ErrNotFound.
	Read(ctx context.Context, id grain.Identity, serviceID string) (payload []byte, version int64, err error)

	// Write stores payload iff expected matches the current version.
	// expected == nil asserts first insert. Returns the new version.
	Write(ctx context.Context, id grain.Identity, serviceID string, payload []byte, expected *int64) (int64, error)

	// Clear removes the row (or tombstones it) under the same optimistic
	// rule as Write.
	Clear(ctx context.Context, id grain.Identity, serviceID string, expected *int64) error
}

// Reminder is a persistent scheduled callback that survives silo restarts.
type Reminder struct {
	ServiceID string
	Grain     grain.Identity
	Name      string
	StartAt   time.Time
	Period    time.Duration
	GrainHash uint32
	Version   int64
}

// ReminderStore persists reminder registrations. Upserts are idempotent via
// the version column.
type ReminderStore interface {
	UpsertReminder(ctx context.Context, r Reminder) error
	DeleteReminder(ctx context.Context, serviceID string, id grain.Identity, name string) error
	// RemindersInRange returns reminders whose grain hash falls in
	// (begin, end], the ring segment owned by the calling silo.
	RemindersInRange(ctx context.Context, serviceID string, begin, end uint32) ([]Reminder, error)
}
