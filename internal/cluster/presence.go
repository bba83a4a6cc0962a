package cluster

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// PresenceClient is the minimal Redis surface presence needs. The concrete
// adapter lives in internal/infra; injecting the interface keeps this
// package testable with an in-memory fake.
type PresenceClient interface {
	SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	Del(ctx context.Context, keys ...string) error
}

// Presence mirrors silo liveness into Redis with TTL'd keys. It is a fast
// hint for gateways choosing a silo to talk to; the SQL roster stays
// authoritative.
type Presence struct {
	client     PresenceClient
	deployment string
	ttl        time.Duration
}

func NewPresence(client PresenceClient, deployment string, heartbeat time.Duration) *Presence {
	return &Presence{
		client:     client,
		deployment: deployment,
		ttl:        3 * heartbeat,
	}
}

func (p *Presence) key(siloID string) string {
	return "silo:presence:" + p.deployment + ":" + siloID
}

// Announce refreshes this silo's presence key; called on every heartbeat.
func (p *Presence) Announce(ctx context.Context, siloID, endpoint string) {
	if err := p.client.SetEX(ctx, p.key(siloID), []byte(endpoint), p.ttl); err != nil {
		slog.Warn("presence announce failed", "silo", siloID, "error", err)
	}
}

// Withdraw removes the presence key on graceful shutdown so gateways stop
// routing immediately instead of waiting out the TTL.
func (p *Presence) Withdraw(ctx context.Context, siloID string) {
	if err := p.client.Del(ctx, p.key(siloID)); err != nil {
		slog.Warn("presence withdraw failed", "silo", siloID, "error", err)
	}
}

// LiveEndpoints lists the endpoints of silos whose presence keys have not
// expired.
func (p *Presence) LiveEndpoints(ctx context.Context) (map[string]string, error) {
	prefix := "silo:presence:" + p.deployment + ":"
	keys, err := p.client.ScanKeys(ctx, prefix+"*")
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v, err := p.client.Get(ctx, k)
		if err != nil || v == nil {
			continue // expired between SCAN and GET
		}
		out[strings.TrimPrefix(k, prefix)] = string(v)
	}
	return out, nil
}
