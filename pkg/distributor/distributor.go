// Package distributor implements the reusable fan-out component from spec
// section 4.9: one source maps to many independently-lifecycled
// subscribers, with pause/resume, bounded buffering, and a background
// inactivity sweeper. The router's event stream builds on this; its
// per-client outbound queue is a plain channel that copies the same
// drop-oldest policy. A diagnostics sink could build on this too.
//
// Grounded on the fan-out shape of rockstar-0000-aistore's
// transport/bundle.Streams.Send (one call, many destination streams, each
// with its own delivery outcome) generalized from "N network streams" to
// "N in-process subscriber channels", and on docker-compose's
// pkg/watch.BatchDebounceEvents for the clockwork-driven sweep loop.
package distributor

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultBufferSize is an attached subscriber's channel capacity absent an
// explicit Config.BufferSize.
const DefaultBufferSize = 64

// DefaultHighWaterMark bounds a paused subscriber's pending-value buffer
// absent an explicit Config.HighWaterMark.
const DefaultHighWaterMark = 256

// DefaultCleanupInterval paces the background inactivity sweep absent an
// explicit Config.CleanupInterval.
const DefaultCleanupInterval = 30 * time.Second

// Config tunes one Distributor's buffering and sweep cadence.
type Config struct {
	BufferSize          int
	HighWaterMark       int
	CleanupInterval     time.Duration
	InactivityThreshold time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.HighWaterMark <= 0 {
		c.HighWaterMark = DefaultHighWaterMark
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	return c
}

// Metrics is a point-in-time snapshot of a Distributor's counters.
type Metrics struct {
	TotalSubscribersEver int64
	CurrentSubscribers   int64
	TotalPublishes       int64
	TotalDeliveries      int64
	Errors               int64
}

type subscriberState[T any] struct {
	ch           chan T
	paused       bool
	closed       bool
	lastActivity time.Time
	buffer       []T // populated only while paused; bounded by HighWaterMark
}

// Subscriber is the handle CreateSubscriber hands back: a receive channel
// plus the identity needed to Pause/Resume/Close it through the owning
// Distributor.
type Subscriber[T any] struct {
	ID string
	C  <-chan T
}

// Distributor is a fan-out point for values of type T. The zero value is
// not usable; build one with New.
type Distributor[T any] struct {
	cfg   Config
	clock clockwork.Clock
	log   *logrus.Entry

	mu       sync.Mutex
	subs     map[string]*subscriberState[T]
	disposed bool
	metrics  Metrics

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New builds a Distributor and starts its background sweeper. clock and
// log may be nil (a real clock and a no-op-ish default entry are used).
func New[T any](cfg Config, clock clockwork.Clock, log *logrus.Entry) *Distributor[T] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	d := &Distributor[T]{
		cfg:       cfg.withDefaults(),
		clock:     clock,
		log:       log,
		subs:      make(map[string]*subscriberState[T]),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go d.sweepLoop()
	return d
}

// CreateSubscriber attaches a new subscriber, assigning it id if id == "".
// Fails with RESOURCE_EXHAUSTED once Dispose has run.
func (d *Distributor[T]) CreateSubscriber(id string) (*Subscriber[T], error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disposed {
		return nil, status.Error(codes.ResourceExhausted, "rpcmesh: distributor disposed, refusing new subscribers")
	}
	if id == "" {
		id = uuid.NewString()
	}
	ch := make(chan T, d.cfg.BufferSize)
	d.subs[id] = &subscriberState[T]{ch: ch, lastActivity: d.clock.Now()}
	d.metrics.TotalSubscribersEver++
	d.metrics.CurrentSubscribers = int64(len(d.subs))
	return &Subscriber[T]{ID: id, C: ch}, nil
}

// Publish delivers value to every currently-attached subscriber that is
// open and not paused, in the order Publish is called. A subscriber whose
// channel is full has its oldest buffered value dropped to make room (see
// deliverLocked); a paused subscriber gets value appended to its own
// bounded buffer instead, per spec's high-water-mark policy.
func (d *Distributor[T]) Publish(value T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics.TotalPublishes++
	for _, s := range d.subs {
		if s.closed {
			continue
		}
		d.deliverLocked(s, value)
	}
}

// PublishToSubscriber delivers value to exactly one subscriber. It reports
// false if id names no open subscriber; true otherwise, regardless of
// whether delivery had to drop an older buffered value to make room.
func (d *Distributor[T]) PublishToSubscriber(id string, value T) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.subs[id]
	if !ok || s.closed {
		return false
	}
	d.metrics.TotalPublishes++
	d.deliverLocked(s, value)
	return true
}

// PublishFiltered delivers value to every open subscriber whose id
// satisfies predicate (a paused one buffers it, as in Publish), and
// returns how many subscribers that was.
func (d *Distributor[T]) PublishFiltered(value T, predicate func(id string) bool) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics.TotalPublishes++
	n := 0
	for id, s := range d.subs {
		if s.closed || !predicate(id) {
			continue
		}
		d.deliverLocked(s, value)
		n++
	}
	return n
}

// deliverLocked must run under d.mu. A paused subscriber's value goes onto
// its own buffer, trimmed to HighWaterMark from the front (oldest first)
// with an error counted per trim. An active subscriber's value goes
// straight at its channel; if the channel is already full, the oldest
// queued value is popped to make room before the new one is pushed, and
// that drop is counted the same way — the channel capacity (Config.BufferSize)
// is this Distributor's high-water mark for attached-and-active subscribers,
// the same policy spec section 4.9 specifies explicitly only for paused
// subscribers.
func (d *Distributor[T]) deliverLocked(s *subscriberState[T], value T) {
	if s.paused {
		s.buffer = append(s.buffer, value)
		if len(s.buffer) > d.cfg.HighWaterMark {
			s.buffer = s.buffer[len(s.buffer)-d.cfg.HighWaterMark:]
			d.metrics.Errors++
		}
		return
	}
	d.sendLocked(s, value)
	s.lastActivity = d.clock.Now()
	d.metrics.TotalDeliveries++
}

func (d *Distributor[T]) sendLocked(s *subscriberState[T], value T) {
	select {
	case s.ch <- value:
		return
	default:
	}
	select {
	case <-s.ch:
		d.metrics.Errors++
	default:
	}
	select {
	case s.ch <- value:
	default:
		// the one consumer-facing race window: something drained s.ch
		// between the pop above and this push. Safe to drop the send;
		// the next Publish will succeed against the now-empty channel.
	}
}

// Pause stops value delivery to id's channel; values are buffered instead
// (bounded by HighWaterMark) until Resume.
func (d *Distributor[T]) Pause(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.subs[id]; ok && !s.closed {
		s.paused = true
	}
}

// Resume flushes id's buffered values (oldest first) back onto its channel
// and resumes direct delivery.
func (d *Distributor[T]) Resume(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.subs[id]
	if !ok || s.closed {
		return
	}
	s.paused = false
	buffered := s.buffer
	s.buffer = nil
	for _, v := range buffered {
		d.sendLocked(s, v)
		s.lastActivity = d.clock.Now()
		d.metrics.TotalDeliveries++
	}
}

// Close detaches id: its channel is closed and no further values are
// delivered to it. Idempotent.
func (d *Distributor[T]) Close(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked(id)
}

func (d *Distributor[T]) closeLocked(id string) {
	s, ok := d.subs[id]
	if !ok || s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	delete(d.subs, id)
	d.metrics.CurrentSubscribers = int64(len(d.subs))
}

// Dispose closes every subscriber and stops the sweeper. Further
// CreateSubscriber calls fail with RESOURCE_EXHAUSTED.
func (d *Distributor[T]) Dispose() {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	d.disposed = true
	for id := range d.subs {
		d.closeLocked(id)
	}
	d.mu.Unlock()

	close(d.stopSweep)
	<-d.sweepDone
}

// Metrics returns a snapshot of this Distributor's counters.
func (d *Distributor[T]) Metrics() Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.metrics
}

func (d *Distributor[T]) sweepLoop() {
	defer close(d.sweepDone)
	if d.cfg.InactivityThreshold <= 0 {
		<-d.stopSweep
		return
	}
	t := d.clock.NewTicker(d.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-d.stopSweep:
			return
		case <-t.Chan():
			d.sweepOnce()
		}
	}
}

func (d *Distributor[T]) sweepOnce() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	for id, s := range d.subs {
		if s.closed {
			continue
		}
		if now.Sub(s.lastActivity) > d.cfg.InactivityThreshold {
			d.log.WithField("subscriberId", id).Debug("distributor: closing inactive subscriber")
			d.closeLocked(id)
		}
	}
}
