package runtime

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/titan/backend/internal/cluster"
	"github.com/titan/backend/internal/config"
	"github.com/titan/backend/internal/directory"
	"github.com/titan/backend/internal/errs"
	"github.com/titan/backend/internal/grain"
	"github.com/titan/backend/internal/storage"
)

// StreamBroker is the pub/sub surface grains publish through. The concrete
// broker lives in internal/streams and is attached with SetBroker.
type StreamBroker interface {
	Publish(ctx context.Context, namespace, streamID string, payload []byte) error
}

// RemoteCaller ships a call to another silo's invoke endpoint. The concrete
// client lives in internal/transport; the interface keeps the runtime
// testable with an in-process fake.
type RemoteCaller interface {
	Invoke(ctx context.Context, endpoint string, id grain.Identity, method string, args []byte) ([]byte, error)
}

// StartupTask runs after membership join and before the silo turns active.
// Failure aborts the silo join.
type StartupTask struct {
	Name string
	Run  func(ctx context.Context, s *Silo) error
}

// Silo is one worker node: membership, placement, the activation catalog,
// streams, and reminder delivery.
type Silo struct {
	cfg       config.RuntimeConfig
	serviceID string
	logger    *log.Logger

	store      storage.Provider
	membership *cluster.Membership
	directory  *directory.Directory
	catalog    *catalog
	remote     RemoteCaller
	broker     StreamBroker
	reminders  *reminderService
	metrics    *siloMetrics

	startupTasks []StartupTask
}

// Options carries the silo's collaborators; every field is required except
// ReminderStore (reminders are disabled without one).
type Options struct {
	Config        *config.Config
	Store         storage.Provider
	ReminderStore storage.ReminderStore
	Membership    *cluster.Membership
	Remote        RemoteCaller
}

func NewSilo(opts Options) *Silo {
	s := &Silo{
		cfg:        opts.Config.Runtime,
		serviceID:  opts.Config.Silo.ServiceID,
		logger:     log.New(log.Writer(), "[SILO] ", log.LstdFlags),
		store:      opts.Store,
		membership: opts.Membership,
		directory:  directory.New(opts.Membership.Self().ID),
		remote:     opts.Remote,
		metrics:    newSiloMetrics(),
	}
	s.catalog = newCatalog(s)
	if opts.ReminderStore != nil {
		s.reminders = newReminderService(s, opts.ReminderStore)
	}
	return s
}

// SetBroker attaches the pub/sub broker; must happen before Start.
func (s *Silo) SetBroker(b StreamBroker) { s.broker = b }

// Register adds a grain type to the catalog. All registrations must happen
// before Start.
func (s *Silo) Register(t GrainType) { s.catalog.register(t) }

// AddStartupTask appends a task; tasks run in declared order.
func (s *Silo) AddStartupTask(t StartupTask) {
	s.startupTasks = append(s.startupTasks, t)
}

// Streams exposes the pub/sub broker.
func (s *Silo) Streams() StreamBroker { return s.broker }

// Directory exposes placement, mainly for the transport server's owner
// checks and for tests.
func (s *Silo) Directory() *directory.Directory { return s.directory }

// Self returns this silo's membership row.
func (s *Silo) Self() cluster.Silo { return s.membership.Self() }

// Start joins the cluster, runs startup tasks, turns active, and launches
// the background loops. It returns once the silo is serving.
func (s *Silo) Start(ctx context.Context) error {
	if err := s.membership.Join(ctx); err != nil {
		return fmt.Errorf("membership join: %w", err)
	}
	s.directory.Update(s.membership.Snapshot())

	for _, task := range s.startupTasks {
		s.logger.Printf("startup task %q", task.Name)
		if err := task.Run(ctx, s); err != nil {
			// A partially-initialized silo must not take traffic.
			return fmt.Errorf("startup task %q: %w", task.Name, err)
		}
	}

	if err := s.membership.Activate(ctx); err != nil {
		return fmt.Errorf("membership activate: %w", err)
	}
	s.directory.Update(s.membership.Snapshot())

	go s.membership.Run(ctx)
	go s.watchMembership(ctx)
	go s.gcLoop(ctx)
	if s.reminders != nil {
		go s.reminders.run(ctx)
	}
	s.logger.Printf("silo %s active", s.membership.Self().ID)
	return nil
}

// Stop gracefully leaves the cluster and retires all activations.
func (s *Silo) Stop(ctx context.Context) {
	if err := s.membership.ShutDown(ctx); err != nil {
		s.logger.Printf("membership shutdown: %v", err)
	}
	s.catalog.shutdown()
}

func (s *Silo) watchMembership(ctx context.Context) {
	sub := s.membership.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case table := <-sub:
			s.directory.Update(table)
		}
	}
}

func (s *Silo) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.catalog.collectIdle(s.cfg.IdleTimeout); n > 0 {
				s.logger.Printf("idle GC collected %d activations", n)
			}
		}
	}
}

// Call routes a grain call: locally when this silo owns the placement,
// otherwise to the owner's invoke endpoint. Transient failures (stale
// routing, mailbox backpressure, deadline) are retried a bounded number of
// times with linear backoff; the directory view refreshes in between via
// the membership watcher.
func (s *Silo) Call(ctx context.Context, id grain.Identity, method string, args []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CallDeadline)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxCallRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errs.Transient("call to %s: %v", id, ctx.Err())
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			}
		}

		data, err := s.callOnce(ctx, id, method, args)
		if err == nil {
			s.metrics.calls.WithLabelValues(id.Type, "ok").Inc()
			return data, nil
		}
		if !errs.IsTransient(err) {
			s.metrics.calls.WithLabelValues(id.Type, "error").Inc()
			return nil, err
		}
		lastErr = err
	}
	s.metrics.calls.WithLabelValues(id.Type, "transient_exhausted").Inc()
	return nil, lastErr
}

func (s *Silo) callOnce(ctx context.Context, id grain.Identity, method string, args []byte) ([]byte, error) {
	// Stateless workers always run locally; they have no placement.
	if t, ok := s.catalog.grainType(id.Type); ok && t.StatelessWorkers > 0 {
		return s.catalog.dispatch(ctx, id, method, args)
	}

	owner, err := s.directory.Locate(id)
	if err != nil {
		return nil, err
	}
	if owner.ID == s.membership.Self().ID {
		return s.catalog.dispatch(ctx, id, method, args)
	}
	return s.remote.Invoke(ctx, owner.Endpoint, id, method, args)
}

// HandleInvoke is the transport server's entry point for calls arriving
// from peers and gateways.
func (s *Silo) HandleInvoke(ctx context.Context, id grain.Identity, method string, args []byte) ([]byte, error) {
	return s.catalog.dispatch(ctx, id, method, args)
}

// BroadcastWorkers invokes method on every local stateless worker of a
// type; used by registry writers to push cache invalidations.
func (s *Silo) BroadcastWorkers(ctx context.Context, typeName, method string, args []byte) {
	s.catalog.broadcastLocal(ctx, typeName, method, args)
}
