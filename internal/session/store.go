// Package session is the Redis-backed session store: 256-bit tickets,
// sliding expiration under an absolute cap, a per-user index set for
// bulk invalidation, and bounded sessions per user.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/titan/backend/internal/config"
	"github.com/titan/backend/internal/errs"
)

// RedisClient is the slice of Redis the store needs; the concrete
// adapter lives in internal/infra.
type RedisClient interface {
	SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
}

// Session is the serialized record stored under session:{ticket}.
type Session struct {
	Ticket         string            `json:"ticket"`
	UserID         string            `json:"user_id"`
	Provider       string            `json:"provider"`
	Roles          []string          `json:"roles"`
	IsAdmin        bool              `json:"is_admin"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// userSetGrace keeps the user index alive slightly past its newest
// session so eviction bookkeeping never races the index TTL.
const userSetGrace = 5 * time.Minute

type Store struct {
	redis RedisClient
	cfg   config.SessionConfig
	now   func() time.Time
}

func NewStore(redis RedisClient, cfg config.SessionConfig) *Store {
	return &Store{redis: redis, cfg: cfg, now: time.Now}
}

func (s *Store) sessionKey(ticket string) string {
	return s.cfg.KeyPrefix + ":" + ticket
}

func (s *Store) userKey(userID string) string {
	return s.cfg.KeyPrefix + ":user:" + userID
}

func (s *Store) lifetime(isAdmin bool) time.Duration {
	if isAdmin {
		return s.cfg.AdminLifetime
	}
	return s.cfg.Lifetime
}

// newTicket returns 256 bits of randomness, URL-safe base64, no padding.
func newTicket() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", errs.SystemWrap(err, "generate session ticket")
	}
	return base64.RawURLEncoding.EncodeToString(buf[:]), nil
}

// Create mints a session, indexes it under the user's set, and evicts
// the user's oldest sessions past the per-user cap. provider names the
// credential backend the login came through; roles travel with the
// record so downstream checks never re-read the account row.
func (s *Store) Create(ctx context.Context, userID, provider string, roles []string, isAdmin bool, metadata map[string]string) (Session, error) {
	ticket, err := newTicket()
	if err != nil {
		return Session{}, err
	}

	now := s.now().UTC()
	lifetime := s.lifetime(isAdmin)
	sess := Session{
		Ticket:         ticket,
		UserID:         userID,
		Provider:       provider,
		Roles:          roles,
		IsAdmin:        isAdmin,
		CreatedAt:      now,
		ExpiresAt:      now.Add(lifetime),
		LastActivityAt: now,
		Metadata:       metadata,
	}

	payload, _ := json.Marshal(sess)
	if err := s.redis.SetEX(ctx, s.sessionKey(ticket), payload, lifetime); err != nil {
		return Session{}, errs.TransientWrap(err, "store session")
	}
	if err := s.redis.SAdd(ctx, s.userKey(userID), ticket); err != nil {
		return Session{}, errs.TransientWrap(err, "index session")
	}
	if err := s.redis.Expire(ctx, s.userKey(userID), lifetime+userSetGrace); err != nil {
		return Session{}, errs.TransientWrap(err, "refresh user index")
	}

	if s.cfg.MaxSessionsPerUser > 0 {
		if err := s.enforceMax(ctx, userID); err != nil {
			return Session{}, err
		}
	}
	return sess, nil
}

// enforceMax prunes dead tickets from the user set and evicts the
// oldest live sessions by creation time until within the cap.
func (s *Store) enforceMax(ctx context.Context, userID string) error {
	tickets, err := s.redis.SMembers(ctx, s.userKey(userID))
	if err != nil {
		return errs.TransientWrap(err, "list user sessions")
	}
	if len(tickets) <= s.cfg.MaxSessionsPerUser {
		return nil
	}

	keys := make([]string, len(tickets))
	for i, t := range tickets {
		keys[i] = s.sessionKey(t)
	}
	values, err := s.redis.MGet(ctx, keys...)
	if err != nil {
		return errs.TransientWrap(err, "load user sessions")
	}

	var live []Session
	for i, raw := range values {
		if raw == nil {
			// Expired out of Redis but still indexed; drop from the set.
			if err := s.redis.SRem(ctx, s.userKey(userID), tickets[i]); err != nil {
				return errs.TransientWrap(err, "prune user index")
			}
			continue
		}
		var sess Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			continue
		}
		live = append(live, sess)
	}

	sort.Slice(live, func(i, j int) bool {
		return live[i].CreatedAt.Before(live[j].CreatedAt)
	})
	for len(live) > s.cfg.MaxSessionsPerUser {
		victim := live[0]
		live = live[1:]
		if err := s.redis.Del(ctx, s.sessionKey(victim.Ticket)); err != nil {
			return errs.TransientWrap(err, "evict session")
		}
		if err := s.redis.SRem(ctx, s.userKey(userID), victim.Ticket); err != nil {
			return errs.TransientWrap(err, "evict session index")
		}
	}
	return nil
}

// Validate looks a ticket up and applies sliding expiration: the expiry
// advances to now + sliding window, never past created-at + twice the
// lifetime. The Redis TTL follows the record's expiry.
func (s *Store) Validate(ctx context.Context, ticket string) (Session, error) {
	raw, err := s.redis.Get(ctx, s.sessionKey(ticket))
	if err != nil {
		return Session{}, errs.TransientWrap(err, "read session")
	}
	if raw == nil {
		return Session{}, errs.Auth("invalid_session", "session not found")
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return Session{}, errs.SystemWrap(err, "decode session")
	}

	now := s.now().UTC()
	if now.After(sess.ExpiresAt) {
		_ = s.redis.SRem(ctx, s.userKey(sess.UserID), ticket)
		_ = s.redis.Del(ctx, s.sessionKey(ticket))
		return Session{}, errs.Auth("invalid_session", "session expired")
	}

	newExpiry := now.Add(s.cfg.SlidingWindow)
	ceiling := sess.CreatedAt.Add(2 * s.lifetime(sess.IsAdmin))
	if newExpiry.After(ceiling) {
		newExpiry = ceiling
	}
	if newExpiry.After(sess.ExpiresAt) {
		sess.ExpiresAt = newExpiry
		sess.LastActivityAt = now
		payload, _ := json.Marshal(sess)
		if err := s.redis.SetEX(ctx, s.sessionKey(ticket), payload, newExpiry.Sub(now)); err != nil {
			return Session{}, errs.TransientWrap(err, "extend session")
		}
	}
	return sess, nil
}

// Invalidate removes one session and its user-index entry.
func (s *Store) Invalidate(ctx context.Context, ticket string) error {
	raw, err := s.redis.Get(ctx, s.sessionKey(ticket))
	if err != nil {
		return errs.TransientWrap(err, "read session")
	}
	if raw != nil {
		var sess Session
		if json.Unmarshal(raw, &sess) == nil {
			if err := s.redis.SRem(ctx, s.userKey(sess.UserID), ticket); err != nil {
				return errs.TransientWrap(err, "remove session index")
			}
		}
	}
	if err := s.redis.Del(ctx, s.sessionKey(ticket)); err != nil {
		return errs.TransientWrap(err, "delete session")
	}
	return nil
}

// InvalidateUser drops every session the user's index knows about, then
// the index itself.
func (s *Store) InvalidateUser(ctx context.Context, userID string) error {
	tickets, err := s.redis.SMembers(ctx, s.userKey(userID))
	if err != nil {
		return errs.TransientWrap(err, "list user sessions")
	}
	if len(tickets) > 0 {
		keys := make([]string, len(tickets))
		for i, t := range tickets {
			keys[i] = s.sessionKey(t)
		}
		if err := s.redis.Del(ctx, keys...); err != nil {
			return errs.TransientWrap(err, "delete user sessions")
		}
	}
	if err := s.redis.Del(ctx, s.userKey(userID)); err != nil {
		return errs.TransientWrap(err, "delete user index")
	}
	return nil
}

// List enumerates sessions with (skip, take) pagination over scan
// order. User-index keys are excluded by their ":user:" segment.
func (s *Store) List(ctx context.Context, skip, take int) ([]Session, error) {
	keys, err := s.redis.ScanKeys(ctx, s.cfg.KeyPrefix+":*")
	if err != nil {
		return nil, errs.TransientWrap(err, "scan sessions")
	}
	filtered := keys[:0]
	for _, k := range keys {
		if !strings.Contains(k, ":user:") {
			filtered = append(filtered, k)
		}
	}
	if skip >= len(filtered) {
		return []Session{}, nil
	}
	filtered = filtered[skip:]
	if take > 0 && take < len(filtered) {
		filtered = filtered[:take]
	}
	if len(filtered) == 0 {
		return []Session{}, nil
	}

	values, err := s.redis.MGet(ctx, filtered...)
	if err != nil {
		return nil, errs.TransientWrap(err, "load sessions")
	}
	out := make([]Session, 0, len(values))
	for _, raw := range values {
		if raw == nil {
			continue
		}
		var sess Session
		if json.Unmarshal(raw, &sess) == nil {
			out = append(out, sess)
		}
	}
	return out, nil
}
