package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titan/backend/internal/grain"
)

// fakeCaller serves the config grain's Get from a canned Configuration
// and counts round trips.
type fakeCaller struct {
	cfg   atomic.Pointer[Configuration]
	calls atomic.Int64
	fail  atomic.Bool
}

func (f *fakeCaller) Call(ctx context.Context, id grain.Identity, method string, args []byte) ([]byte, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return nil, errors.New("config grain unreachable")
	}
	return json.Marshal(*f.cfg.Load())
}

func TestCachedSourceServesFromCacheWithinTTL(t *testing.T) {
	ctx := context.Background()
	caller := &fakeCaller{}
	cfg := DefaultConfiguration()
	caller.cfg.Store(&cfg)

	src := NewCachedSource(caller, time.Minute)
	for i := 0; i < 10; i++ {
		got, err := src.Current(ctx)
		require.NoError(t, err)
		assert.True(t, got.Enabled)
	}
	assert.Equal(t, int64(1), caller.calls.Load(), "only the first read hits the grain")
}

func TestCachedSourceFlushForcesReread(t *testing.T) {
	ctx := context.Background()
	caller := &fakeCaller{}
	cfg := DefaultConfiguration()
	caller.cfg.Store(&cfg)
	src := NewCachedSource(caller, time.Minute)

	_, err := src.Current(ctx)
	require.NoError(t, err)

	updated := DefaultConfiguration()
	updated.Enabled = false
	caller.cfg.Store(&updated)

	// Still the cached copy until a flush.
	got, err := src.Current(ctx)
	require.NoError(t, err)
	assert.True(t, got.Enabled)

	src.Flush()
	got, err = src.Current(ctx)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, int64(2), caller.calls.Load())
}

func TestCachedSourceServesStaleOnFailure(t *testing.T) {
	ctx := context.Background()
	caller := &fakeCaller{}
	cfg := DefaultConfiguration()
	caller.cfg.Store(&cfg)
	src := NewCachedSource(caller, time.Millisecond)

	_, err := src.Current(ctx)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond) // TTL elapses
	caller.fail.Store(true)
	got, err := src.Current(ctx)
	require.NoError(t, err, "a stale config beats failing the request path")
	assert.True(t, got.Enabled)
}

func TestCachedSourceColdFailureSurfaces(t *testing.T) {
	caller := &fakeCaller{}
	caller.fail.Store(true)
	src := NewCachedSource(caller, time.Minute)
	_, err := src.Current(context.Background())
	require.Error(t, err)
}
