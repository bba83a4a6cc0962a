package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/titan/backend/internal/errs"
	"github.com/titan/backend/internal/grain"
)

// envelope is one queued turn: an external invoke or a timer callback.
type envelope struct {
	ctx    context.Context
	method string
	args   []byte
	timer  func(context.Context) error // set for timer turns
	reply  chan response
}

type response struct {
	data []byte
	err  error
}

// activation is one running grain instance: a mailbox, its drain goroutine,
// and the timers scheduled against it.
type activation struct {
	id      grain.Identity
	grain   Grain
	gctx    *GrainContext
	mailbox chan *envelope

	lastUse  atomic.Int64 // unix nanos of last turn start
	poisoned atomic.Bool  // version conflict observed; discard after turn
	retiring atomic.Bool  // grain asked to deactivate

	timersMu sync.Mutex
	timers   map[string]*time.Timer
	// activeTimers holds periodic timers; their presence defers idle GC.
	activeTimers int

	// sendMu makes enqueue and closeMailbox mutually exclusive: once
	// closed is set no sender can reach the channel, so the catalog may
	// close it without racing a dispatcher or timer callback.
	sendMu sync.Mutex
	closed bool

	done chan struct{}
}

func newActivation(id grain.Identity, g Grain, capacity int) *activation {
	a := &activation{
		id:      id,
		grain:   g,
		mailbox: make(chan *envelope, capacity),
		timers:  make(map[string]*time.Timer),
		done:    make(chan struct{}),
	}
	a.lastUse.Store(time.Now().UnixNano())
	return a
}

// enqueue posts a turn. A full mailbox is backpressure, surfaced as a
// transient error so the caller retries with backoff.
func (a *activation) enqueue(env *envelope) error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	if a.closed {
		return errs.Transient("activation %s is shutting down", a.id)
	}
	select {
	case a.mailbox <- env:
		return nil
	default:
		return errs.Transient("mailbox full for %s", a.id)
	}
}

// closeMailbox seals the mailbox against further sends and closes it so
// run drains what remains and exits. Idempotent.
func (a *activation) closeMailbox() {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	close(a.mailbox)
}

// run drains the mailbox one turn at a time. It exits when the mailbox is
// closed by the catalog (idle GC or silo shutdown).
func (a *activation) run() {
	for env := range a.mailbox {
		a.lastUse.Store(time.Now().UnixNano())
		a.turn(env)
	}
	close(a.done)
}

func (a *activation) turn(env *envelope) {
	// A turn whose caller already gave up is not worth running, except
	// timer turns which have no caller.
	if env.timer == nil {
		select {
		case <-env.ctx.Done():
			env.reply <- response{err: errs.Transient("deadline elapsed before turn started for %s", a.id)}
			return
		default:
		}
	}

	if env.timer != nil {
		if err := env.timer(env.ctx); err != nil {
			// Timer turns have nowhere to report to; log via the silo.
			a.gctx.silo.logger.Printf("timer turn on %s failed: %v", a.id, err)
		}
		return
	}

	data, err := a.grain.Invoke(env.ctx, env.method, env.args)
	env.reply <- response{data: data, err: err}
}

// registerTimer schedules fn on the activation's turn loop. Periodic timers
// re-arm themselves after each fire.
func (a *activation) registerTimer(name string, due, period time.Duration, fn func(context.Context) error) {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()
	if t, ok := a.timers[name]; ok {
		t.Stop()
	} else if period > 0 {
		a.activeTimers++
	}

	var arm func(d time.Duration)
	arm = func(d time.Duration) {
		a.timers[name] = time.AfterFunc(d, func() {
			env := &envelope{ctx: context.Background(), timer: fn}
			if err := a.enqueue(env); err != nil {
				return // shutting down
			}
			if period > 0 {
				a.timersMu.Lock()
				if _, still := a.timers[name]; still {
					arm(period)
				}
				a.timersMu.Unlock()
			}
		})
	}
	arm(due)
}

func (a *activation) cancelTimer(name string) {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()
	if t, ok := a.timers[name]; ok {
		t.Stop()
		delete(a.timers, name)
		if a.activeTimers > 0 {
			a.activeTimers--
		}
	}
}

func (a *activation) stopTimers() {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()
	for name, t := range a.timers {
		t.Stop()
		delete(a.timers, name)
	}
	a.activeTimers = 0
}

func (a *activation) hasActiveTimers() bool {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()
	return a.activeTimers > 0
}

func (a *activation) poison()              { a.poisoned.Store(true) }
func (a *activation) requestDeactivation() { a.retiring.Store(true) }
func (a *activation) idleSince() time.Time { return time.Unix(0, a.lastUse.Load()) }
func (a *activation) shouldDiscard() bool  { return a.poisoned.Load() || a.retiring.Load() }
