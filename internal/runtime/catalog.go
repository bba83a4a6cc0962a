package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/titan/backend/internal/errs"
	"github.com/titan/backend/internal/grain"
)

// catalog owns every activation on a silo: creation, routing a call to the
// right mailbox, idle GC, and shutdown.
type catalog struct {
	silo *Silo

	mu    sync.Mutex
	types map[string]GrainType
	slots map[string]*slot       // single activations by identity string
	pools map[string]*workerPool // stateless-worker pools by type name
}

// slot serializes concurrent creation of one activation: the first caller
// builds it, the rest wait on ready.
type slot struct {
	ready chan struct{}
	act   *activation
	err   error
}

func newCatalog(s *Silo) *catalog {
	return &catalog{
		silo:  s,
		types: make(map[string]GrainType),
		slots: make(map[string]*slot),
		pools: make(map[string]*workerPool),
	}
}

func (c *catalog) register(t GrainType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types[t.Name] = t
}

func (c *catalog) grainType(name string) (GrainType, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.types[name]
	return t, ok
}

// dispatch routes one call to an activation, creating it if needed.
func (c *catalog) dispatch(ctx context.Context, id grain.Identity, method string, args []byte) ([]byte, error) {
	t, ok := c.grainType(id.Type)
	if !ok {
		return nil, errs.System("unknown grain type %q", id.Type)
	}

	var act *activation
	var err error
	if t.StatelessWorkers > 0 {
		act, err = c.workerFor(ctx, t, id)
	} else {
		act, err = c.activationFor(ctx, t, id)
	}
	if err != nil {
		return nil, err
	}

	env := &envelope{ctx: ctx, method: method, args: args, reply: make(chan response, 1)}
	if err := act.enqueue(env); err != nil {
		return nil, err
	}

	select {
	case resp := <-env.reply:
		if act.shouldDiscard() {
			c.discard(id, act)
		}
		return resp.data, resp.err
	case <-ctx.Done():
		// The turn may still run to completion; the caller just stops
		// waiting for it.
		return nil, errs.Transient("call to %s deadline exceeded", id)
	}
}

func (c *catalog) activationFor(ctx context.Context, t GrainType, id grain.Identity) (*activation, error) {
	key := id.String()

	c.mu.Lock()
	if s, ok := c.slots[key]; ok {
		c.mu.Unlock()
		<-s.ready
		if s.err != nil {
			return nil, s.err
		}
		return s.act, nil
	}
	s := &slot{ready: make(chan struct{})}
	c.slots[key] = s
	c.mu.Unlock()

	act, err := c.create(ctx, t, id)
	s.act, s.err = act, err
	close(s.ready)
	if err != nil {
		c.mu.Lock()
		delete(c.slots, key)
		c.mu.Unlock()
		return nil, err
	}
	return act, nil
}

// create registers placement ownership, constructs the grain, and runs its
// Activate hook before the first turn can be queued.
func (c *catalog) create(ctx context.Context, t GrainType, id grain.Identity) (*activation, error) {
	if err := c.silo.directory.Register(id); err != nil {
		return nil, err
	}

	g := t.New()
	act := newActivation(id, g, c.silo.cfg.MailboxCapacity)
	gctx := &GrainContext{
		Identity:   id,
		ServiceID:  c.silo.serviceID,
		silo:       c.silo,
		activation: act,
	}
	act.gctx = gctx

	if err := g.Activate(ctx, gctx); err != nil {
		c.silo.directory.Unregister(id)
		return nil, fmt.Errorf("activate %s: %w", id, err)
	}

	go act.run()
	c.silo.metrics.activations.Inc()
	return act, nil
}

// discard removes a poisoned or retiring activation so the next call
// builds a fresh one with freshly-read state.
func (c *catalog) discard(id grain.Identity, act *activation) {
	key := id.String()
	c.mu.Lock()
	s, ok := c.slots[key]
	if !ok || s.act != act {
		c.mu.Unlock()
		return
	}
	delete(c.slots, key)
	c.mu.Unlock()
	c.retire(act, true)
}

// retire shuts one activation down: stop timers, seal the mailbox, wait
// for the drain loop, run Deactivate.
func (c *catalog) retire(act *activation, unregister bool) {
	act.stopTimers()
	act.closeMailbox()
	<-act.done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := act.grain.Deactivate(ctx); err != nil {
		c.silo.logger.Printf("deactivate %s: %v", act.id, err)
	}
	if unregister {
		c.silo.directory.Unregister(act.id)
	}
	c.silo.metrics.activations.Dec()
}

// collectIdle destroys activations idle past their type's timeout with no
// active periodic timers. A later message re-creates them.
func (c *catalog) collectIdle(defaultIdle time.Duration) int {
	now := time.Now()

	c.mu.Lock()
	var victims []*activation
	var keys []string
	for key, s := range c.slots {
		select {
		case <-s.ready:
		default:
			continue // still being created
		}
		if s.err != nil || s.act == nil {
			continue
		}
		t := c.types[s.act.id.Type]
		idle := defaultIdle
		if t.IdleTimeout != 0 {
			idle = t.IdleTimeout
		}
		if idle < 0 {
			continue
		}
		if s.act.hasActiveTimers() {
			continue
		}
		if len(s.act.mailbox) > 0 {
			continue
		}
		if now.Sub(s.act.idleSince()) >= idle {
			victims = append(victims, s.act)
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		delete(c.slots, key)
	}
	c.mu.Unlock()

	for _, act := range victims {
		c.retire(act, true)
	}
	return len(victims)
}

// shutdown retires everything; called when the silo leaves the cluster.
func (c *catalog) shutdown() {
	c.mu.Lock()
	var all []*activation
	for key, s := range c.slots {
		select {
		case <-s.ready:
			if s.err == nil && s.act != nil {
				all = append(all, s.act)
			}
		default:
		}
		delete(c.slots, key)
	}
	pools := c.pools
	c.pools = make(map[string]*workerPool)
	c.mu.Unlock()

	for _, act := range all {
		c.retire(act, false)
	}
	for _, p := range pools {
		p.shutdown(c)
	}
}

// workerPool is a stateless-worker grain type's set of interchangeable
// activations on this silo, selected round-robin.
type workerPool struct {
	t    GrainType
	next atomic.Uint64

	mu      sync.Mutex
	workers []*activation
}

func (c *catalog) workerFor(ctx context.Context, t GrainType, id grain.Identity) (*activation, error) {
	c.mu.Lock()
	p, ok := c.pools[t.Name]
	if !ok {
		p = &workerPool{t: t}
		c.pools[t.Name] = p
	}
	c.mu.Unlock()

	p.mu.Lock()
	// Grow the pool up to the bound; beyond it, round-robin.
	if len(p.workers) < t.StatelessWorkers {
		g := t.New()
		act := newActivation(id, g, c.silo.cfg.MailboxCapacity)
		gctx := &GrainContext{
			Identity:   id,
			ServiceID:  c.silo.serviceID,
			silo:       c.silo,
			activation: act,
		}
		act.gctx = gctx
		if err := g.Activate(ctx, gctx); err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("activate stateless worker %s: %w", t.Name, err)
		}
		go act.run()
		c.silo.metrics.activations.Inc()
		p.workers = append(p.workers, act)
		p.mu.Unlock()
		return act, nil
	}
	idx := int(p.next.Add(1)) % len(p.workers)
	act := p.workers[idx]
	p.mu.Unlock()
	return act, nil
}

func (p *workerPool) shutdown(c *catalog) {
	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()
	for _, act := range workers {
		c.retire(act, false)
	}
}

// broadcastLocal invokes method on every live worker of a stateless pool,
// used for cache invalidation pushes.
func (c *catalog) broadcastLocal(ctx context.Context, typeName, method string, args []byte) {
	c.mu.Lock()
	p, ok := c.pools[typeName]
	c.mu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	workers := make([]*activation, len(p.workers))
	copy(workers, p.workers)
	p.mu.Unlock()

	for _, act := range workers {
		env := &envelope{ctx: ctx, method: method, args: args, reply: make(chan response, 1)}
		if err := act.enqueue(env); err == nil {
			select {
			case <-env.reply:
			case <-ctx.Done():
			}
		}
	}
}
