package progress

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrTerminated is returned by Publish once the terminal event has been
// published; further publishes are a programming error in the producer.
var ErrTerminated = errors.New("broadcast channel terminated")

const (
	defaultHistoryCap      = 256
	defaultSubscriberQueue = 64
)

// Broadcaster is the per-job fan-out primitive: exactly one producer,
// any number of consumers. It retains a bounded history so late joiners
// can render current state, delivers live events in sequence order, and
// never lets a slow consumer block the producer: a consumer whose queue
// overflows is dropped instead.
type Broadcaster struct {
	mu         sync.Mutex
	history    []Event
	subs       map[*Subscriber]struct{}
	terminated bool
	historyCap int
	queueCap   int
	logger     *zap.Logger
	onDrop     func()
}

// BroadcasterConfig tunes retention and backpressure.
//   - HistoryCap: max retained events; oldest dropped first, the terminal
//     event is always kept (default 256).
//   - SubscriberQueue: per-consumer buffered slots beyond the replayed
//     history; overflow forces a detach (default 64).
//   - OnDrop: optional hook invoked once per lag-dropped consumer.
type BroadcasterConfig struct {
	HistoryCap      int
	SubscriberQueue int
	Logger          *zap.Logger
	OnDrop          func()
}

// NewBroadcaster builds a ready Broadcaster.
func NewBroadcaster(cfg BroadcasterConfig) *Broadcaster {
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = defaultHistoryCap
	}
	if cfg.SubscriberQueue <= 0 {
		cfg.SubscriberQueue = defaultSubscriberQueue
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subs:       make(map[*Subscriber]struct{}),
		historyCap: cfg.HistoryCap,
		queueCap:   cfg.SubscriberQueue,
		logger:     logger,
		onDrop:     cfg.OnDrop,
	}
}

// Subscriber is one consumer handle. Events arrive on Events() in strict
// sequence order; the channel closes after the terminal event, after a
// Detach, or after a lag drop (check Lagged to tell the last two apart).
type Subscriber struct {
	ch        chan Event
	closeOnce sync.Once
	lagged    atomic.Bool
}

// Events returns the consumer's event stream.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Lagged reports whether the subscriber was force-detached for falling
// behind the producer.
func (s *Subscriber) Lagged() bool {
	return s.lagged.Load()
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.ch)
	})
}

// Attach registers a new consumer. The retained history is queued on the
// returned subscriber immediately, oldest to newest, so a late joiner can
// render current state before the live tail arrives. If the stream is
// already terminated the subscriber receives the history and a closed
// channel, never a hang.
func (b *Broadcaster) Attach() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ch: make(chan Event, len(b.history)+b.queueCap),
	}
	for _, evt := range b.history {
		sub.ch <- evt
	}
	if b.terminated {
		sub.close()
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Detach removes a consumer. It is idempotent: detaching twice, or after
// the stream already ended, has no effect.
func (b *Broadcaster) Detach(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.close()
}

// Publish appends the event to the retained history and delivers it to
// every attached consumer without blocking. A consumer with no queue
// space left is dropped, marked lagged, and its channel closed. After a
// terminal event all consumer streams close and Publish fails.
func (b *Broadcaster) Publish(evt Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.terminated {
		return ErrTerminated
	}

	b.history = append(b.history, evt)
	if len(b.history) > b.historyCap {
		b.history = b.history[len(b.history)-b.historyCap:]
	}

	for sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			sub.lagged.Store(true)
			delete(b.subs, sub)
			sub.close()
			b.logger.Warn("subscriber dropped for lagging",
				zap.String("job_id", evt.JobID),
				zap.Uint64("sequence", evt.Sequence),
			)
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}

	if evt.Terminal() {
		b.terminate()
	}
	return nil
}

// Shutdown force-terminates the stream without a terminal event, closing
// every consumer channel. Used on process shutdown so subscribers never
// hang; publishing afterwards fails with ErrTerminated.
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminated {
		return
	}
	b.terminate()
}

// History returns a copy of the retained events, oldest to newest.
func (b *Broadcaster) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// Subscribers returns the number of attached consumers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// terminate closes all consumers; callers hold b.mu.
func (b *Broadcaster) terminate() {
	b.terminated = true
	for sub := range b.subs {
		delete(b.subs, sub)
		sub.close()
	}
}
