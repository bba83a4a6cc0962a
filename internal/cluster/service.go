package cluster

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/titan/backend/internal/config"
)

// Membership runs one silo's view of the cluster: it joins the roster,
// heartbeats, suspects silent peers, votes them dead at quorum, and
// self-terminates if its own row is declared dead or it cannot reach the
// store for the grace window.
type Membership struct {
	store      Store
	deployment string
	cfg        config.ClusterConfig
	logger     *log.Logger
	now        func() time.Time

	self Silo

	mu   sync.RWMutex
	view Table
	subs []chan Table

	// OnEvicted is invoked once when this silo must shut down: either its
	// row was written dead or heartbeats failed past the grace window.
	OnEvicted func()
}

// NewMembership prepares a membership service for the silo described by
// name/endpoint. Join must be called before Run.
func NewMembership(store Store, cfg config.ClusterConfig, siloName, endpoint string, proxyPort int) *Membership {
	host, _ := os.Hostname()
	return &Membership{
		store:      store,
		deployment: cfg.DeploymentID,
		cfg:        cfg,
		logger:     log.New(log.Writer(), "[CLUSTER] ", log.LstdFlags),
		now:        time.Now,
		self: Silo{
			ID:        uuid.NewString(),
			Endpoint:  endpoint,
			SiloName:  siloName,
			HostName:  host,
			ProxyPort: proxyPort,
		},
	}
}

// Self returns this silo's roster row.
func (m *Membership) Self() Silo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.self
}

// Snapshot returns the last-read roster view.
func (m *Membership) Snapshot() Table {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view
}

// Subscribe returns a channel receiving a roster snapshot after every
// observed version change. The channel is buffered; slow consumers miss
// intermediate views, never the latest.
func (m *Membership) Subscribe() <-chan Table {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Table, 4)
	m.subs = append(m.subs, ch)
	return ch
}

// Join inserts this silo's row with status joining and a generation
// strictly greater than any prior generation for the endpoint.
func (m *Membership) Join(ctx context.Context) error {
	gen, err := m.store.MaxGeneration(ctx, m.deployment, m.self.Endpoint)
	if err != nil {
		return fmt.Errorf("read max generation: %w", err)
	}
	m.self.Generation = gen + 1
	m.self.Status = StatusJoining
	m.self.StartTime = m.now()
	m.self.IAmAliveTime = m.now()

	for attempt := 0; attempt < 10; attempt++ {
		table, err := m.store.ReadAll(ctx, m.deployment)
		if err != nil {
			return fmt.Errorf("read membership table: %w", err)
		}
		ok, err := m.store.InsertRow(ctx, m.deployment, m.self, table.Version)
		if err != nil {
			return fmt.Errorf("insert membership row: %w", err)
		}
		if ok {
			m.logger.Printf("joined deployment %s as %s gen=%d endpoint=%s",
				m.deployment, m.self.ID, m.self.Generation, m.self.Endpoint)
			return m.refresh(ctx)
		}
		// Version raced with another silo's write; re-read and retry.
	}
	return fmt.Errorf("join: membership version contention persisted")
}

// Activate transitions this silo joining -> active, after startup tasks
// complete.
func (m *Membership) Activate(ctx context.Context) error {
	return m.writeSelfStatus(ctx, StatusActive)
}

// ShutDown transitions this silo to shutting_down; used for graceful stops.
func (m *Membership) ShutDown(ctx context.Context) error {
	return m.writeSelfStatus(ctx, StatusShuttingDown)
}

func (m *Membership) writeSelfStatus(ctx context.Context, status Status) error {
	for attempt := 0; attempt < 10; attempt++ {
		table, err := m.store.ReadAll(ctx, m.deployment)
		if err != nil {
			return err
		}
		row, ok := table.Rows[m.self.ID]
		if !ok {
			return fmt.Errorf("own membership row missing")
		}
		if row.Status == StatusDead {
			return fmt.Errorf("silo %s declared dead", m.self.ID)
		}
		row.Status = status
		row.IAmAliveTime = m.now()
		ok, err = m.store.UpdateRow(ctx, m.deployment, row, table.Version)
		if err != nil {
			return err
		}
		if ok {
			m.mu.Lock()
			m.self.Status = status
			m.mu.Unlock()
			return m.refresh(ctx)
		}
	}
	return fmt.Errorf("status write contention persisted")
}

// Run drives the heartbeat/suspicion loop until ctx is cancelled.
func (m *Membership) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var failedSince time.Time
	grace := time.Duration(m.cfg.EvictionGraceRatio) * m.cfg.HeartbeatInterval

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := m.store.UpdateIAmAlive(ctx, m.deployment, m.self.ID, m.now())
		if err != nil {
			if failedSince.IsZero() {
				failedSince = m.now()
			}
			m.logger.Printf("heartbeat failed: %v", err)
			// A silo that cannot heartbeat must assume it has been
			// evicted rather than risk a split activation.
			if m.now().Sub(failedSince) > grace {
				m.logger.Printf("heartbeat failing for %s, self-terminating", grace)
				m.evict()
				return
			}
			continue
		}
		failedSince = time.Time{}

		if err := m.refresh(ctx); err != nil {
			m.logger.Printf("membership refresh failed: %v", err)
			continue
		}
		if m.Snapshot().Rows[m.self.ID].Status == StatusDead {
			m.logger.Printf("own row declared dead, self-terminating")
			m.evict()
			return
		}
		m.suspectSilent(ctx)
	}
}

func (m *Membership) evict() {
	if m.OnEvicted != nil {
		m.OnEvicted()
	}
}

// refresh re-reads the roster and notifies subscribers on version change.
func (m *Membership) refresh(ctx context.Context) error {
	table, err := m.store.ReadAll(ctx, m.deployment)
	if err != nil {
		return err
	}
	m.mu.Lock()
	changed := table.Version != m.view.Version
	m.view = table
	subs := m.subs
	m.mu.Unlock()

	if changed {
		for _, ch := range subs {
			select {
			case ch <- table:
			default:
			}
		}
	}
	return nil
}

// suspectSilent votes against peers whose liveness is older than the
// suspicion threshold and declares them dead at quorum.
func (m *Membership) suspectSilent(ctx context.Context) {
	threshold := time.Duration(m.cfg.SuspectMultiplier) * m.cfg.HeartbeatInterval
	table := m.Snapshot()

	for _, row := range table.Rows {
		if row.ID == m.self.ID {
			continue
		}
		if row.Status != StatusActive && row.Status != StatusJoining && row.Status != StatusShuttingDown {
			continue
		}
		if m.now().Sub(row.IAmAliveTime) < threshold {
			continue
		}

		// Already voted?
		voted := false
		suspectors := map[string]bool{}
		for _, v := range row.SuspectTimes {
			suspectors[v.SiloID] = true
			if v.SiloID == m.self.ID {
				voted = true
			}
		}
		if !voted {
			row.SuspectTimes = append(row.SuspectTimes, SuspectVote{SiloID: m.self.ID, Time: m.now()})
			suspectors[m.self.ID] = true
		}
		if len(suspectors) >= m.cfg.SuspectQuorum {
			row.Status = StatusDead
			m.logger.Printf("declaring silo %s dead (%d suspectors)", row.ID, len(suspectors))
		} else if voted {
			continue // nothing new to write
		}

		ok, err := m.store.UpdateRow(ctx, m.deployment, row, table.Version)
		if err != nil {
			m.logger.Printf("suspect write for %s failed: %v", row.ID, err)
			continue
		}
		if !ok {
			// Someone else wrote first; pick it up next tick.
			continue
		}
		if err := m.refresh(ctx); err != nil {
			m.logger.Printf("refresh after suspect write: %v", err)
		}
		// One roster write per tick keeps version contention low.
		return
	}
}
