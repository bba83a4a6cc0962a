// Package runtime hosts activations: single-threaded, location-transparent
// grain instances with persistent state, timers, reminders, and idle GC.
//
// Each activation owns a bounded mailbox drained by one goroutine, so a
// grain processes exactly one turn at a time in arrival order. Suspension
// points (calls to other grains, persistence, streams) release nothing —
// the turn simply awaits — which makes re-entrant call cycles deadlock by
// construction. Grains are expected to message-pass, not call back.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/titan/backend/internal/errs"
	"github.com/titan/backend/internal/grain"
	"github.com/titan/backend/internal/storage"
)

// Grain is the lifecycle contract an actor implements. Invoke dispatches a
// named method with a JSON-encoded argument payload; the runtime guarantees
// it is never called concurrently for one activation.
type Grain interface {
	// Activate runs before the first turn; grains load state here.
	Activate(ctx context.Context, g *GrainContext) error
	// Deactivate runs on idle GC or silo shutdown. Best effort.
	Deactivate(ctx context.Context) error
	// Invoke processes one turn.
	Invoke(ctx context.Context, method string, args []byte) ([]byte, error)
}

// GrainType registers a grain constructor under a type name.
type GrainType struct {
	Name string
	New  func() Grain

	// StatelessWorkers > 0 declares a stateless-worker type: up to N
	// activations per silo, round-robin, no directory registration and no
	// cross-call affinity. Used for hot read paths.
	StatelessWorkers int

	// IdleTimeout overrides the runtime default for this type. Negative
	// means never collect (singletons that must stay hot).
	IdleTimeout time.Duration
}

// Caller is anything that can route a grain call; both the Silo and the
// gateway client implement it.
type Caller interface {
	Call(ctx context.Context, id grain.Identity, method string, args []byte) ([]byte, error)
}

// GrainContext is handed to a grain at activation and stays valid for the
// activation's lifetime. All of it is safe to use from turns only.
type GrainContext struct {
	Identity  grain.Identity
	ServiceID string

	silo       *Silo
	activation *activation

	state stateHandle
}

// State returns the persistent-state handle for this activation.
func (g *GrainContext) State() *StateHandle { return &StateHandle{g: g} }

// Call invokes another grain. This is a suspension point: the current turn
// blocks until the callee responds or ctx expires.
func (g *GrainContext) Call(ctx context.Context, id grain.Identity, method string, args []byte) ([]byte, error) {
	return g.silo.Call(ctx, id, method, args)
}

// Publish emits an event on a named stream.
func (g *GrainContext) Publish(ctx context.Context, namespace, streamID string, payload []byte) error {
	return g.silo.Streams().Publish(ctx, namespace, streamID, payload)
}

// BroadcastWorkers invokes method on every local stateless worker of a
// type. Registry writers push InvalidateCache through this.
func (g *GrainContext) BroadcastWorkers(ctx context.Context, typeName, method string, args []byte) {
	g.silo.BroadcastWorkers(ctx, typeName, method, args)
}

// Logf writes to the silo log, prefixed with this activation's identity.
func (g *GrainContext) Logf(format string, args ...any) {
	g.silo.logger.Printf("%s: %s", g.Identity, fmt.Sprintf(format, args...))
}

// RegisterTimer schedules fn to run on this activation's turn loop. A zero
// period means one-shot. Timers die with the activation.
func (g *GrainContext) RegisterTimer(name string, due, period time.Duration, fn func(context.Context) error) {
	g.activation.registerTimer(name, due, period, fn)
}

// CancelTimer stops a registered timer.
func (g *GrainContext) CancelTimer(name string) {
	g.activation.cancelTimer(name)
}

// RegisterReminder persists a reminder that fires even across silo
// restarts, delivered as an Invoke of method "ReceiveReminder".
func (g *GrainContext) RegisterReminder(ctx context.Context, name string, due time.Time, period time.Duration) error {
	return g.silo.reminders.register(ctx, g.Identity, name, due, period)
}

// UnregisterReminder removes a persistent reminder.
func (g *GrainContext) UnregisterReminder(ctx context.Context, name string) error {
	return g.silo.reminders.unregister(ctx, g.Identity, name)
}

// DeactivateOnIdle asks the runtime to collect this activation as soon as
// the current turn completes. Used by transient grains such as connection
// tickets.
func (g *GrainContext) DeactivateOnIdle() {
	g.activation.requestDeactivation()
}

type stateHandle struct {
	version int64
	loaded  bool
	exists  bool
}

// StateHandle reads and writes the activation's state blob through the
// persistence provider, tracking the optimistic version across turns.
type StateHandle struct {
	g *GrainContext
}

// Load fetches the current payload. ok is false when no state exists yet.
func (h *StateHandle) Load(ctx context.Context) (payload []byte, ok bool, err error) {
	data, version, err := h.g.silo.store.Read(ctx, h.g.Identity, h.g.ServiceID)
	if err != nil {
		if err == storage.ErrNotFound {
			h.g.state = stateHandle{loaded: true}
			return nil, false, nil
		}
		return nil, false, errs.TransientWrap(err, "read state for %s", h.g.Identity)
	}
	h.g.state = stateHandle{version: version, loaded: true, exists: true}
	return data, true, nil
}

// Version returns the last observed storage version (0 when absent).
func (h *StateHandle) Version() int64 { return h.g.state.version }

// Save writes the payload with the tracked expected version. A version
// conflict here means something else wrote our row — impossible under
// single-activation — so it surfaces as a system error; the runtime
// discards the activation and the next turn re-reads fresh state.
func (h *StateHandle) Save(ctx context.Context, payload []byte) error {
	var expected *int64
	if h.g.state.exists {
		v := h.g.state.version
		expected = &v
	}
	newVersion, err := h.g.silo.store.Write(ctx, h.g.Identity, h.g.ServiceID, payload, expected)
	if err != nil {
		if err == storage.ErrVersionConflict {
			h.g.activation.poison()
			return errs.System("state version conflict for %s at v%d", h.g.Identity, h.g.state.version)
		}
		return errs.TransientWrap(err, "write state for %s", h.g.Identity)
	}
	h.g.state.version = newVersion
	h.g.state.exists = true
	return nil
}

// Clear tombstones the state under the same optimistic rule as Save.
func (h *StateHandle) Clear(ctx context.Context) error {
	if !h.g.state.exists {
		return nil
	}
	v := h.g.state.version
	if err := h.g.silo.store.Clear(ctx, h.g.Identity, h.g.ServiceID, &v); err != nil {
		if err == storage.ErrVersionConflict {
			h.g.activation.poison()
			return errs.System("clear version conflict for %s at v%d", h.g.Identity, v)
		}
		return errs.TransientWrap(err, "clear state for %s", h.g.Identity)
	}
	h.g.state = stateHandle{loaded: true}
	return nil
}
