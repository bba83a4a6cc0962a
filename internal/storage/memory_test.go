package storage

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titan/backend/internal/grain"
)

func TestMemoryProviderVersionFencing(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()
	id := grain.GuidKey("inventory", uuid.New())

	_, _, err := p.Read(ctx, id, "titan")
	require.ErrorIs(t, err, ErrNotFound)

	// First insert asserts no prior row.
	v, err := p.Write(ctx, id, "titan", []byte("one"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	// A second first-insert must fence.
	_, err = p.Write(ctx, id, "titan", []byte("rogue"), nil)
	require.ErrorIs(t, err, ErrVersionConflict)

	// Update with the current version succeeds and bumps it.
	v, err = p.Write(ctx, id, "titan", []byte("two"), &v)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	// A stale writer (the failover case) is rejected.
	stale := int64(1)
	_, err = p.Write(ctx, id, "titan", []byte("stale"), &stale)
	require.ErrorIs(t, err, ErrVersionConflict)

	payload, version, err := p.Read(ctx, id, "titan")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), payload)
	assert.Equal(t, int64(2), version)
}

func TestMemoryProviderClearTombstones(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()
	id := grain.StringKey("registry_items", "items")

	v, err := p.Write(ctx, id, "titan", []byte("data"), nil)
	require.NoError(t, err)

	// Clear with a stale version fences like a write.
	stale := v - 1
	require.ErrorIs(t, p.Clear(ctx, id, "titan", &stale), ErrVersionConflict)

	require.NoError(t, p.Clear(ctx, id, "titan", &v))
	_, _, err = p.Read(ctx, id, "titan")
	require.ErrorIs(t, err, ErrNotFound)

	// The tombstone still advances the version, so a writer holding the
	// pre-clear version loses.
	_, err = p.Write(ctx, id, "titan", []byte("late"), &v)
	require.ErrorIs(t, err, ErrVersionConflict)
}

// A grain that cleared its state must be able to come back: the next
// activation reads not-found and first-writes, which supersedes the
// tombstone instead of conflicting against it forever.
func TestMemoryProviderFirstWriteSupersedesTombstone(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()
	id := grain.StringKey("registry_items", "items")

	v, err := p.Write(ctx, id, "titan", []byte("old"), nil)
	require.NoError(t, err)
	require.NoError(t, p.Clear(ctx, id, "titan", &v))
	_, _, err = p.Read(ctx, id, "titan")
	require.ErrorIs(t, err, ErrNotFound)

	reborn, err := p.Write(ctx, id, "titan", []byte("new"), nil)
	require.NoError(t, err)
	assert.Greater(t, reborn, v, "the recreated row must outversion the tombstone")

	payload, version, err := p.Read(ctx, id, "titan")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), payload)
	assert.Equal(t, reborn, version)

	// A writer fenced on the pre-clear state still loses after rebirth.
	_, err = p.Write(ctx, id, "titan", []byte("stale"), &v)
	require.ErrorIs(t, err, ErrVersionConflict)
}

func TestMemoryProviderServiceIsolation(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()
	id := grain.StringKey("ratelimit_config", "config")

	_, err := p.Write(ctx, id, "titan-a", []byte("a"), nil)
	require.NoError(t, err)
	_, _, err = p.Read(ctx, id, "titan-b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemindersInRange(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()

	mk := func(name string, hash uint32) Reminder {
		return Reminder{
			ServiceID: "titan",
			Grain:     grain.StringKey("txn_coordinator", name),
			Name:      name,
			GrainHash: hash,
		}
	}
	require.NoError(t, p.UpsertReminder(ctx, mk("low", 100)))
	require.NoError(t, p.UpsertReminder(ctx, mk("mid", 5000)))
	require.NoError(t, p.UpsertReminder(ctx, mk("high", 4_000_000_000)))

	// Plain segment (begin, end].
	got, err := p.RemindersInRange(ctx, "titan", 99, 5000)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// Wrapping segment around zero.
	got, err = p.RemindersInRange(ctx, "titan", 3_999_999_999, 101)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// begin == end is the single-silo whole ring.
	got, err = p.RemindersInRange(ctx, "titan", 7, 7)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	require.NoError(t, p.DeleteReminder(ctx, "titan", mk("mid", 0).Grain, "mid"))
	got, err = p.RemindersInRange(ctx, "titan", 7, 7)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
