package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titan/backend/internal/config"
	"github.com/titan/backend/internal/middleware"
	"github.com/titan/backend/internal/ratelimit"
	"github.com/titan/backend/internal/session"
)

// memoryRedis satisfies both the session store's and the limiter's Redis
// slices; TTLs are ignored, which is fine for request-scoped tests.
type memoryRedis struct {
	mu       sync.Mutex
	values   map[string][]byte
	sets     map[string]map[string]bool
	counters map[string]int64
	lists    map[string][][]byte
	expiry   map[string]time.Duration
}

func newMemoryRedis() *memoryRedis {
	return &memoryRedis{
		values:   make(map[string][]byte),
		sets:     make(map[string]map[string]bool),
		counters: make(map[string]int64),
		lists:    make(map[string][][]byte),
		expiry:   make(map[string]time.Duration),
	}
}

func (m *memoryRedis) SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	m.expiry[key] = ttl
	return nil
}

func (m *memoryRedis) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (m *memoryRedis) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
		delete(m.sets, k)
		delete(m.counters, k)
		delete(m.expiry, k)
	}
	return nil
}

func (m *memoryRedis) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]bool)
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = true
	}
	return nil
}

func (m *memoryRedis) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, member := range members {
		delete(m.sets[key], member)
	}
	return nil
}

func (m *memoryRedis) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		out = append(out, member)
	}
	return out, nil
}

func (m *memoryRedis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiry[key] = ttl
	return nil
}

func (m *memoryRedis) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	return nil, nil
}

func (m *memoryRedis) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if v, ok := m.values[k]; ok {
			out[i] = v
		}
	}
	return out, nil
}

func (m *memoryRedis) RuleStates(ctx context.Context, timeoutKey string, counterKeys []string) (time.Duration, []ratelimit.CounterState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var timeout time.Duration
	if _, ok := m.values[timeoutKey]; ok {
		timeout = m.expiry[timeoutKey]
	}
	states := make([]ratelimit.CounterState, len(counterKeys))
	for i, k := range counterKeys {
		if v, ok := m.counters[k]; ok {
			states[i] = ratelimit.CounterState{Exists: true, Value: v, TTL: m.expiry[k]}
		}
	}
	return timeout, states, nil
}

func (m *memoryRedis) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	return m.counters[key], nil
}

func (m *memoryRedis) LPush(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append([][]byte{value}, m.lists[key]...)
	return nil
}

func (m *memoryRedis) LTrim(ctx context.Context, key string, start, stop int64) error { return nil }

type staticSource struct{ cfg ratelimit.Configuration }

func (s staticSource) Current(ctx context.Context) (ratelimit.Configuration, error) {
	return s.cfg, nil
}

func sessionStore(redis *memoryRedis) *session.Store {
	return session.NewStore(redis, config.SessionConfig{
		KeyPrefix:     "session",
		Lifetime:      30 * time.Minute,
		AdminLifetime: 15 * time.Minute,
		SlidingWindow: 30 * time.Minute,
	})
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthenticateAnonymousPassesThrough(t *testing.T) {
	store := sessionStore(newMemoryRedis())
	var sawPrincipal bool
	h := middleware.Authenticate(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawPrincipal = middleware.PrincipalFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, sawPrincipal)
}

func TestAuthenticateAttachesPrincipal(t *testing.T) {
	redis := newMemoryRedis()
	store := sessionStore(redis)
	sess, err := store.Create(context.Background(), "user-1", "local", []string{"player", "admin"}, true, nil)
	require.NoError(t, err)

	var got middleware.Principal
	h := middleware.Authenticate(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = middleware.PrincipalFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	req.Header.Set("Authorization", "Bearer "+sess.Ticket)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, []string{"player", "admin"}, got.Roles)
	assert.True(t, got.IsAdmin)
	assert.Equal(t, sess.Ticket, got.Ticket)
}

func TestAuthenticateRejectsBadTicket(t *testing.T) {
	store := sessionStore(newMemoryRedis())
	h := middleware.Authenticate(store)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthRejectsAnonymous(t *testing.T) {
	rec := httptest.NewRecorder()
	middleware.RequireAuth(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAdminRejectsPlayers(t *testing.T) {
	redis := newMemoryRedis()
	store := sessionStore(redis)
	sess, err := store.Create(context.Background(), "user-1", "local", []string{"player"}, false, nil)
	require.NoError(t, err)

	h := middleware.Authenticate(store)(middleware.RequireAdmin(okHandler()))
	req := httptest.NewRequest(http.MethodGet, "/admin/x", nil)
	req.Header.Set("Authorization", "Bearer "+sess.Ticket)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func rlConfig() ratelimit.Configuration {
	return ratelimit.Configuration{
		Enabled:       true,
		DefaultPolicy: "standard",
		Policies: map[string]ratelimit.Policy{
			"standard": {
				Name: "standard",
				Rules: []ratelimit.Rule{
					{PeriodSeconds: 60, MaxHits: 2, TimeoutSeconds: 30},
				},
			},
		},
	}
}

func TestRateLimitDeniesWithHeaders(t *testing.T) {
	redis := newMemoryRedis()
	engine := ratelimit.NewEngine(redis, staticSource{rlConfig()})
	h := middleware.RateLimit(engine, staticSource{rlConfig()})(okHandler())

	var rec *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
	}
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "standard", rec.Header().Get("X-Rate-Limit-Policy"))
	assert.Equal(t, "2/2:60s", rec.Header().Get("X-Rate-Limit-State"))
	assert.Equal(t, "Ip", rec.Header().Get("X-Rate-Limit-Prefix"))
}

// Denials for authenticated callers report the account bucket, so a
// player can tell their own limit from a shared-IP one.
func TestRateLimitDenyReportsAccountBucket(t *testing.T) {
	redis := newMemoryRedis()
	store := sessionStore(redis)
	sess, err := store.Create(context.Background(), "user-1", "local", []string{"player"}, false, nil)
	require.NoError(t, err)

	engine := ratelimit.NewEngine(redis, staticSource{rlConfig()})
	h := middleware.Authenticate(store)(middleware.RateLimit(engine, staticSource{rlConfig()})(okHandler()))

	var rec *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
		req.Header.Set("Authorization", "Bearer "+sess.Ticket)
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
	}
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Account", rec.Header().Get("X-Rate-Limit-Prefix"))
}

func TestRateLimitDisabledPassesThrough(t *testing.T) {
	cfg := rlConfig()
	cfg.Enabled = false
	redis := newMemoryRedis()
	engine := ratelimit.NewEngine(redis, staticSource{cfg})
	h := middleware.RateLimit(engine, staticSource{cfg})(okHandler())

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimitFailsClosedWithoutPolicy(t *testing.T) {
	cfg := rlConfig()
	cfg.DefaultPolicy = ""
	redis := newMemoryRedis()
	engine := ratelimit.NewEngine(redis, staticSource{cfg})
	h := middleware.RateLimit(engine, staticSource{cfg})(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/unmapped", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestPartitionForPrefersUserOverIP(t *testing.T) {
	redis := newMemoryRedis()
	store := sessionStore(redis)
	sess, err := store.Create(context.Background(), "user-1", "local", []string{"player"}, false, nil)
	require.NoError(t, err)

	var partition string
	h := middleware.Authenticate(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		partition = middleware.PartitionFor(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	req.Header.Set("Authorization", "Bearer "+sess.Ticket)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "user:user-1", partition)

	// Anonymous requests bucket by forwarded client IP when present.
	req = httptest.NewRequest(http.MethodGet, "/api/x", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "ip:203.0.113.9", partition)
}
