// Package client is the gateway-side entry into the cluster: a
// concurrent-safe proxy that mirrors the silo ring from either the SQL
// roster or the Redis presence keys, routes each call to the owning
// silo, and retries transients against a refreshed view.
package client

import (
	"context"
	"log"
	"time"

	"github.com/titan/backend/internal/cluster"
	"github.com/titan/backend/internal/config"
	"github.com/titan/backend/internal/directory"
	"github.com/titan/backend/internal/errs"
	"github.com/titan/backend/internal/grain"
)

// Remote ships one call to a silo endpoint; *transport.Client satisfies
// it.
type Remote interface {
	Invoke(ctx context.Context, endpoint string, id grain.Identity, method string, args []byte) ([]byte, error)
}

const refreshInterval = 5 * time.Second

// Client routes grain calls from outside the cluster. It holds a
// gateway-mode directory (no self silo, no local registrations) rebuilt
// from the membership store, with Redis presence as the fallback when
// SQL is unreachable.
type Client struct {
	store    cluster.Store
	presence *cluster.Presence
	remote   Remote

	deployment string
	cfg        config.RuntimeConfig
	dir        *directory.Directory
	logger     *log.Logger
}

func New(store cluster.Store, presence *cluster.Presence, remote Remote, deployment string, cfg config.RuntimeConfig) *Client {
	return &Client{
		store:      store,
		presence:   presence,
		remote:     remote,
		deployment: deployment,
		cfg:        cfg,
		dir:        directory.New(""),
		logger:     log.New(log.Writer(), "[CLIENT] ", log.LstdFlags),
	}
}

// Refresh rebuilds the ring view once; Run keeps it fresh.
func (c *Client) Refresh(ctx context.Context) error {
	table, err := c.store.ReadAll(ctx, c.deployment)
	if err == nil {
		c.dir.Update(table)
		return nil
	}

	// Roster unreachable: presence keys still name live silos, which is
	// enough to keep routing while SQL recovers.
	live, perr := c.presence.LiveEndpoints(ctx)
	if perr != nil {
		return errs.TransientWrap(err, "refresh cluster view")
	}
	rows := make(map[string]cluster.Silo, len(live))
	for id, endpoint := range live {
		rows[id] = cluster.Silo{ID: id, Endpoint: endpoint, Status: cluster.StatusActive}
	}
	c.dir.Update(cluster.Table{Rows: rows})
	return nil
}

// Run refreshes the ring until ctx is done.
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Printf("cluster view refresh failed: %v", err)
			}
		}
	}
}

// Call routes one grain call, retrying transient failures against a
// freshly refreshed view. Implements the same Caller contract the silo
// does, so grain-facing code is host-agnostic.
func (c *Client) Call(ctx context.Context, id grain.Identity, method string, args []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallDeadline)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxCallRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errs.Transient("call to %s: %v", id, ctx.Err())
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			}
			if err := c.Refresh(ctx); err != nil {
				lastErr = err
				continue
			}
		}

		owner, err := c.dir.Locate(id)
		if err != nil {
			lastErr = err
			continue
		}
		data, err := c.remote.Invoke(ctx, owner.Endpoint, id, method, args)
		if err == nil {
			return data, nil
		}
		if !errs.IsTransient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
