// Package streams is the in-memory pub/sub provider: named streams
// identified by (namespace, stream id), publisher-order delivery per
// stream, at-least-once within a session, no durability across restarts.
//
// Grain subscribers register through a singleton directory grain so any
// silo's broker sees the same subscription set; local subscribers are
// plain channels for in-process consumers such as the gateway hub.
package streams

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/titan/backend/internal/errs"
	"github.com/titan/backend/internal/grain"
)

// Caller routes a grain call; *runtime.Silo satisfies it.
type Caller interface {
	Call(ctx context.Context, id grain.Identity, method string, args []byte) ([]byte, error)
}

// Event is one published stream entry. Payload is opaque to the broker.
type Event struct {
	Namespace   string    `json:"namespace"`
	StreamID    string    `json:"stream_id"`
	Seq         uint64    `json:"seq"`
	Payload     []byte    `json:"payload"`
	PublishedAt time.Time `json:"published_at"`
}

const (
	queueCapacity   = 1024
	deliveryTimeout = 10 * time.Second
	subsCacheTTL    = 5 * time.Second
)

// Broker fans events out to subscribers. One delivery goroutine per
// stream preserves publisher order; because delivery to each grain
// subscriber is awaited before the next event is taken, a subscriber
// observes events in the order they were published.
type Broker struct {
	caller Caller
	logger *log.Logger

	mu      sync.Mutex
	streams map[string]*stream
	subs    map[string]cachedSubs // directory lookups, short TTL

	closed chan struct{}
	wg     sync.WaitGroup
}

type cachedSubs struct {
	list    []GrainSubscriber
	fetched time.Time
}

type stream struct {
	seq   uint64
	queue chan Event

	mu        sync.Mutex
	locals    map[int]chan Event
	nextLocal int
}

func NewBroker(caller Caller) *Broker {
	return &Broker{
		caller:  caller,
		logger:  log.New(log.Writer(), "[STREAMS] ", log.LstdFlags),
		streams: make(map[string]*stream),
		subs:    make(map[string]cachedSubs),
		closed:  make(chan struct{}),
	}
}

func streamKey(namespace, streamID string) string {
	return namespace + "|" + streamID
}

// Publish enqueues one event. A full stream queue is backpressure and
// surfaces as a transient error.
func (b *Broker) Publish(ctx context.Context, namespace, streamID string, payload []byte) error {
	select {
	case <-b.closed:
		return errs.Transient("stream broker is shut down")
	default:
	}

	st := b.streamFor(namespace, streamID)

	st.mu.Lock()
	st.seq++
	ev := Event{
		Namespace:   namespace,
		StreamID:    streamID,
		Seq:         st.seq,
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
	}
	// Enqueue under the stream lock so sequence numbers and queue order
	// cannot diverge between concurrent publishers.
	select {
	case st.queue <- ev:
		st.mu.Unlock()
		return nil
	default:
		st.seq--
		st.mu.Unlock()
		return errs.Transient("stream %s/%s queue full", namespace, streamID)
	}
}

func (b *Broker) streamFor(namespace, streamID string) *stream {
	key := streamKey(namespace, streamID)
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[key]
	if !ok {
		st = &stream{
			queue:  make(chan Event, queueCapacity),
			locals: make(map[int]chan Event),
		}
		b.streams[key] = st
		b.wg.Add(1)
		go b.deliver(namespace, streamID, st)
	}
	return st
}

// deliver drains one stream's queue in order.
func (b *Broker) deliver(namespace, streamID string, st *stream) {
	defer b.wg.Done()
	for {
		select {
		case <-b.closed:
			return
		case ev := <-st.queue:
			b.fanOut(namespace, streamID, st, ev)
		}
	}
}

func (b *Broker) fanOut(namespace, streamID string, st *stream, ev Event) {
	st.mu.Lock()
	locals := make([]chan Event, 0, len(st.locals))
	for _, ch := range st.locals {
		locals = append(locals, ch)
	}
	st.mu.Unlock()

	for _, ch := range locals {
		// Local subscribers that fall behind lose events rather than
		// stalling grain delivery.
		select {
		case ch <- ev:
		default:
		}
	}

	args, _ := json.Marshal(ev)
	for _, sub := range b.subscribersFor(namespace, streamID) {
		b.deliverTo(sub, ev, args)
	}
}

// deliverTo invokes one grain subscriber, retrying once on a transient
// failure. At-least-once: a success after retry can mean a duplicate
// turn on the subscriber, which must be idempotent.
func (b *Broker) deliverTo(sub GrainSubscriber, ev Event, args []byte) {
	for attempt := 0; attempt < 2; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		_, err := b.caller.Call(ctx, sub.Grain, sub.Method, args)
		cancel()
		if err == nil {
			return
		}
		if !errs.IsTransient(err) || attempt == 1 {
			b.logger.Printf("deliver %s/%s seq %d to %s: %v",
				ev.Namespace, ev.StreamID, ev.Seq, sub.Grain, err)
			return
		}
	}
}

func (b *Broker) subscribersFor(namespace, streamID string) []GrainSubscriber {
	key := streamKey(namespace, streamID)
	b.mu.Lock()
	if c, ok := b.subs[key]; ok && time.Since(c.fetched) < subsCacheTTL {
		b.mu.Unlock()
		return c.list
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	args, _ := json.Marshal(streamArgs{Namespace: namespace, StreamID: streamID})
	data, err := b.caller.Call(ctx, DirectoryIdentity(), "Subscribers", args)
	if err != nil {
		b.logger.Printf("subscriber lookup for %s/%s: %v", namespace, streamID, err)
		return nil
	}
	var list []GrainSubscriber
	if err := json.Unmarshal(data, &list); err != nil {
		b.logger.Printf("subscriber lookup for %s/%s: %v", namespace, streamID, err)
		return nil
	}

	b.mu.Lock()
	b.subs[key] = cachedSubs{list: list, fetched: time.Now()}
	b.mu.Unlock()
	return list
}

// SubscribeGrain registers a grain consumer with the subscription
// directory; the subscriber's method receives a JSON Event per turn.
func (b *Broker) SubscribeGrain(ctx context.Context, namespace, streamID string, sub GrainSubscriber) error {
	args, _ := json.Marshal(subscribeArgs{Namespace: namespace, StreamID: streamID, Subscriber: sub})
	if _, err := b.caller.Call(ctx, DirectoryIdentity(), "Subscribe", args); err != nil {
		return err
	}
	b.invalidate(namespace, streamID)
	return nil
}

// UnsubscribeGrain removes a grain consumer.
func (b *Broker) UnsubscribeGrain(ctx context.Context, namespace, streamID string, sub GrainSubscriber) error {
	args, _ := json.Marshal(subscribeArgs{Namespace: namespace, StreamID: streamID, Subscriber: sub})
	if _, err := b.caller.Call(ctx, DirectoryIdentity(), "Unsubscribe", args); err != nil {
		return err
	}
	b.invalidate(namespace, streamID)
	return nil
}

func (b *Broker) invalidate(namespace, streamID string) {
	b.mu.Lock()
	delete(b.subs, streamKey(namespace, streamID))
	b.mu.Unlock()
}

// SubscribeLocal attaches an in-process channel consumer. The returned
// cancel detaches it; events published while the channel is full are
// dropped for that subscriber.
func (b *Broker) SubscribeLocal(namespace, streamID string, buffer int) (<-chan Event, func()) {
	st := b.streamFor(namespace, streamID)
	ch := make(chan Event, buffer)

	st.mu.Lock()
	idx := st.nextLocal
	st.nextLocal++
	st.locals[idx] = ch
	st.mu.Unlock()

	cancel := func() {
		st.mu.Lock()
		delete(st.locals, idx)
		st.mu.Unlock()
	}
	return ch, cancel
}

// Close stops delivery goroutines. Queued events are dropped; the
// provider promises no durability across restarts.
func (b *Broker) Close() {
	select {
	case <-b.closed:
		return
	default:
		close(b.closed)
	}
	b.wg.Wait()
}
