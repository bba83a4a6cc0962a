package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titan/backend/internal/config"
	"github.com/titan/backend/internal/errs"
)

// fakeRedis implements the store's Redis slice over maps with a manual
// clock, so TTL behavior is deterministic.
type fakeRedis struct {
	mu     sync.Mutex
	now    time.Time
	values map[string][]byte
	expiry map[string]time.Time
	sets   map[string]map[string]bool
}

func newFakeRedis(now time.Time) *fakeRedis {
	return &fakeRedis{
		now:    now,
		values: make(map[string][]byte),
		expiry: make(map[string]time.Time),
		sets:   make(map[string]map[string]bool),
	}
}

func (f *fakeRedis) ttlOf(key string) (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.expiry[key]
	if !ok {
		return 0, false
	}
	return at.Sub(f.now), true
}

func (f *fakeRedis) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	for k, at := range f.expiry {
		if !f.now.Before(at) {
			delete(f.values, k)
			delete(f.sets, k)
			delete(f.expiry, k)
		}
	}
}

func (f *fakeRedis) SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	f.expiry[key] = f.now.Add(ttl)
	return nil
}

func (f *fakeRedis) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.values, k)
		delete(f.sets, k)
		delete(f.expiry, k)
	}
	return nil
}

func (f *fakeRedis) SAdd(ctx context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.sets[key]
	if !ok {
		set = make(map[string]bool)
		f.sets[key] = set
	}
	for _, m := range members {
		set[m] = true
	}
	return nil
}

func (f *fakeRedis) SRem(ctx context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range members {
		delete(f.sets[key], m)
	}
	return nil
}

func (f *fakeRedis) SMembers(ctx context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sets[key]))
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeRedis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expiry[key] = f.now.Add(ttl)
	return nil
}

func (f *fakeRedis) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var out []string
	for k := range f.values {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	for k := range f.sets {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeRedis) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if v, ok := f.values[k]; ok {
			out[i] = v
		}
	}
	return out, nil
}

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		KeyPrefix:          "session",
		Lifetime:           30 * time.Minute,
		AdminLifetime:      15 * time.Minute,
		SlidingWindow:      30 * time.Minute,
		MaxSessionsPerUser: 3,
	}
}

func newTestStore(t *testing.T) (*Store, *fakeRedis) {
	t.Helper()
	redis := newFakeRedis(time.Now())
	s := NewStore(redis, testSessionConfig())
	s.now = func() time.Time { return redis.now }
	return s, redis
}

func TestCreateAndValidate(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	sess, err := s.Create(ctx, "user-1", "local", []string{"player"}, false, map[string]string{"client": "game"})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Ticket)
	assert.Len(t, sess.Ticket, 43, "256 bits of unpadded url-safe base64")

	got, err := s.Validate(ctx, sess.Ticket)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "local", got.Provider)
	assert.Equal(t, []string{"player"}, got.Roles)
	assert.Equal(t, "game", got.Metadata["client"])
}

func TestValidateUnknownTicket(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Validate(context.Background(), "bogus")
	require.Error(t, err)
	assert.Equal(t, errs.KindAuth, errs.KindOf(err))
}

func TestSlidingExpirationCappedAtTwiceLifetime(t *testing.T) {
	ctx := context.Background()
	s, redis := newTestStore(t)

	sess, err := s.Create(ctx, "user-1", "local", []string{"player"}, false, nil)
	require.NoError(t, err)
	created := sess.CreatedAt

	// Keep touching the session every 20 minutes; each touch slides the
	// expiry forward.
	for i := 0; i < 2; i++ {
		redis.advance(20 * time.Minute)
		got, err := s.Validate(ctx, sess.Ticket)
		require.NoError(t, err)
		assert.True(t, got.ExpiresAt.After(redis.now))
	}

	// By 50 minutes in, the slide has hit the absolute ceiling.
	got, err := s.Validate(ctx, sess.Ticket)
	require.NoError(t, err)
	ceiling := created.Add(2 * 30 * time.Minute)
	assert.True(t, got.ExpiresAt.Equal(ceiling), "expiry %v should be capped at %v", got.ExpiresAt, ceiling)

	// Past the ceiling the session is gone no matter how active it was.
	redis.advance(25 * time.Minute)
	_, err = s.Validate(ctx, sess.Ticket)
	require.Error(t, err)
	assert.Equal(t, errs.KindAuth, errs.KindOf(err))
}

func TestAdminSessionsUseShorterLifetime(t *testing.T) {
	ctx := context.Background()
	s, redis := newTestStore(t)

	sess, err := s.Create(ctx, "admin-1", "local", []string{"player", "admin"}, true, nil)
	require.NoError(t, err)
	assert.Equal(t, redis.now.UTC().Add(15*time.Minute), sess.ExpiresAt)

	redis.advance(16 * time.Minute)
	_, err = s.Validate(ctx, sess.Ticket)
	require.Error(t, err)
}

func TestMaxSessionsEvictsOldest(t *testing.T) {
	ctx := context.Background()
	s, redis := newTestStore(t)

	var tickets []string
	for i := 0; i < 4; i++ {
		sess, err := s.Create(ctx, "user-1", "local", []string{"player"}, false, nil)
		require.NoError(t, err)
		tickets = append(tickets, sess.Ticket)
		redis.advance(time.Second) // distinct creation times
	}

	// Oldest evicted, the three newest survive.
	_, err := s.Validate(ctx, tickets[0])
	require.Error(t, err)
	for _, ticket := range tickets[1:] {
		_, err := s.Validate(ctx, ticket)
		require.NoError(t, err, "ticket %s should survive", ticket)
	}
}

// The user index must outlive the sessions it tracks by the grace
// window, so the eviction bookkeeping near a session's expiry still
// finds the set and can prune the dead ticket from it.
func TestUserIndexOutlivesSessionsByGrace(t *testing.T) {
	ctx := context.Background()
	s, redis := newTestStore(t)

	sess, err := s.Create(ctx, "user-1", "local", []string{"player"}, false, nil)
	require.NoError(t, err)

	sessTTL, ok := redis.ttlOf(s.sessionKey(sess.Ticket))
	require.True(t, ok)
	idxTTL, ok := redis.ttlOf(s.userKey("user-1"))
	require.True(t, ok)
	assert.Equal(t, sessTTL+5*time.Minute, idxTTL)

	// Past the session's expiry but inside the grace window the record
	// is gone while the index still holds the dead ticket.
	redis.advance(31 * time.Minute)
	_, err = s.Validate(ctx, sess.Ticket)
	require.Error(t, err)
	members, err := redis.SMembers(ctx, s.userKey("user-1"))
	require.NoError(t, err)
	require.Contains(t, members, sess.Ticket)

	// Filling the user back up to the cap walks the index: the dead
	// ticket is pruned instead of counting against the cap, so none of
	// the three live sessions is evicted.
	var tickets []string
	for i := 0; i < 3; i++ {
		fresh, err := s.Create(ctx, "user-1", "local", []string{"player"}, false, nil)
		require.NoError(t, err)
		tickets = append(tickets, fresh.Ticket)
		redis.advance(time.Second)
	}
	members, err = redis.SMembers(ctx, s.userKey("user-1"))
	require.NoError(t, err)
	assert.NotContains(t, members, sess.Ticket)
	for _, ticket := range tickets {
		_, err := s.Validate(ctx, ticket)
		require.NoError(t, err)
	}
}

func TestInvalidateUserDropsEverySession(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	var tickets []string
	for i := 0; i < 3; i++ {
		sess, err := s.Create(ctx, "user-1", "local", []string{"player"}, false, nil)
		require.NoError(t, err)
		tickets = append(tickets, sess.Ticket)
	}
	other, err := s.Create(ctx, "user-2", "local", []string{"player"}, false, nil)
	require.NoError(t, err)

	require.NoError(t, s.InvalidateUser(ctx, "user-1"))
	for _, ticket := range tickets {
		_, err := s.Validate(ctx, ticket)
		require.Error(t, err)
	}
	// Unrelated user untouched.
	_, err = s.Validate(ctx, other.Ticket)
	require.NoError(t, err)
}

func TestListPaginatesAndSkipsUserIndexes(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	for i := 0; i < 5; i++ {
		_, err := s.Create(ctx, fmt.Sprintf("user-%d", i), "local", []string{"player"}, false, nil)
		require.NoError(t, err)
	}

	all, err := s.List(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5, "user index keys must not leak into the listing")

	page, err := s.List(ctx, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	empty, err := s.List(ctx, 99, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
