// Package fanout is the Master's subscription manager for dashboard
// clients. Producers (aggregator, alarm engine, security engine,
// control coordinator) hold a send-only handle; the bus alone owns the
// subscriber set, so there are no back-edges from bus to producer.
//
// Publishing is non-blocking. A subscriber whose bounded queue is full is
// marked SlowConsumer: its queue is drained and a single Resync sentinel
// takes the place of whatever was dropped, telling the client to
// re-request a FullStateSnapshot. Delivery is per-subscriber FIFO; there
// is no ordering guarantee across subscribers.
package fanout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"scadamaster/internal/model"
	"scadamaster/internal/obs/logging"
	"scadamaster/internal/obs/metrics"
)

// DefaultQueueSize is the default bounded outbound queue depth per
// subscriber.
const DefaultQueueSize = 256

// Subscription is a dashboard client's handle onto the bus.
type Subscription interface {
	C() <-chan model.Message
	Close()
	ID() int64
	SlowConsumer() bool
}

// Stats reports bus-wide counters, exposed on obs/metrics.
type Stats struct {
	Subscribers int
	Published   uint64
	Dropped     uint64
	SlowConsumers int
}

// Bus is the fan-out publish/subscribe plane.
type Bus struct {
	mu        sync.RWMutex
	subs      map[int64]*subscriber
	nextID    int64
	published atomic.Uint64
	dropped   atomic.Uint64

	log      logging.Logger
	provider metrics.Provider
	mPublished metrics.Counter
	mDropped   metrics.Counter
	mSubscribers metrics.Gauge
}

func New(log logging.Logger, provider metrics.Provider) *Bus {
	b := &Bus{subs: make(map[int64]*subscriber), log: log, provider: provider}
	if provider != nil {
		b.mPublished = provider.Counter(metrics.Opts{Namespace: "scadamaster", Subsystem: "fanout", Name: "published_total", Help: "messages published to the fan-out bus"})
		b.mDropped = provider.Counter(metrics.Opts{Namespace: "scadamaster", Subsystem: "fanout", Name: "dropped_total", Help: "messages dropped due to a slow subscriber", Labels: []string{"subscriber"}})
		b.mSubscribers = provider.Gauge(metrics.Opts{Namespace: "scadamaster", Subsystem: "fanout", Name: "subscribers", Help: "current subscriber count"})
	}
	return b
}

// Publish delivers msg to every current subscriber, non-blocking.
func (b *Bus) Publish(msg model.Message) {
	if msg.At.IsZero() {
		msg.At = time.Now()
	}
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	b.published.Add(1)
	if b.mPublished != nil {
		b.mPublished.Inc(1)
	}
	for _, s := range subs {
		s.deliver(msg, b)
	}
}

// PublishCtx is Publish plus trace correlation logged on drop, matching
// the rest of the Master's ctx-threaded logging convention.
func (b *Bus) PublishCtx(ctx context.Context, msg model.Message) {
	before := b.dropped.Load()
	b.Publish(msg)
	if b.log != nil && b.dropped.Load() > before {
		b.log.WarnCtx(ctx, "fan-out subscriber overflowed; resync queued", "type", string(msg.Type))
	}
}

// Subscribe registers a new dashboard subscriber with a bounded queue of
// the given size (DefaultQueueSize if <= 0).
func (b *Bus) Subscribe(queueSize int) Subscription {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	id := atomic.AddInt64(&b.nextID, 1)
	sub := &subscriber{id: id, ch: make(chan model.Message, queueSize)}
	b.mu.Lock()
	b.subs[id] = sub
	count := len(b.subs)
	b.mu.Unlock()
	if b.mSubscribers != nil {
		b.mSubscribers.Set(float64(count))
	}
	return sub
}

// Unsubscribe removes sub from the bus and closes its channel.
func (b *Bus) Unsubscribe(sub Subscription) {
	s, ok := sub.(*subscriber)
	if !ok {
		return
	}
	b.mu.Lock()
	if _, present := b.subs[s.id]; present {
		delete(b.subs, s.id)
	} else {
		b.mu.Unlock()
		return
	}
	count := len(b.subs)
	b.mu.Unlock()
	s.Close()
	if b.mSubscribers != nil {
		b.mSubscribers.Set(float64(count))
	}
}

// Stats returns a point-in-time snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	slow := 0
	for _, s := range b.subs {
		if s.SlowConsumer() {
			slow++
		}
	}
	return Stats{
		Subscribers:   len(b.subs),
		Published:     b.published.Load(),
		Dropped:       b.dropped.Load(),
		SlowConsumers: slow,
	}
}

type subscriber struct {
	id      int64
	ch      chan model.Message
	dropped atomic.Uint64
	slow    atomic.Bool

	// sendMu serialises deliver against Close so a concurrent
	// unsubscribe can never close the channel mid-send.
	sendMu sync.Mutex
	closed bool
}

func (s *subscriber) C() <-chan model.Message { return s.ch }
func (s *subscriber) ID() int64               { return s.id }
func (s *subscriber) SlowConsumer() bool      { return s.slow.Load() }

func (s *subscriber) Close() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// deliver attempts a non-blocking send. On a full queue the subscriber is
// marked SlowConsumer, its queue is drained, and a single Resync sentinel
// replaces whatever would have been delivered — the client must
// re-request a FullStateSnapshot rather than trust a gappy delta stream.
func (s *subscriber) deliver(msg model.Message, b *Bus) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
		return
	default:
	}
	s.slow.Store(true)
	s.dropped.Add(1)
	b.dropped.Add(1)
	if b.mDropped != nil {
		b.mDropped.Inc(1, idLabel(s.id))
	}
drain:
	for {
		select {
		case <-s.ch:
		default:
			break drain
		}
	}
	resync := model.Message{Type: model.MsgResync, At: time.Now()}
	select {
	case s.ch <- resync:
		s.slow.Store(false)
	default:
	}
}

func idLabel(id int64) string {
	if id == 0 {
		return "0"
	}
	var digits [20]byte
	i := len(digits)
	for id > 0 {
		i--
		digits[i] = byte('0' + (id % 10))
		id /= 10
	}
	return string(digits[i:])
}
