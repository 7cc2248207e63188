package progress

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mohammad-safakhou/corpus/internal/telemetry"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("broadcaster closed")

// Subscriber receives events for the topics it is subscribed to. A non-nil
// error from Send removes the subscriber.
type Subscriber interface {
	Send(ctx context.Context, e Event) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, e Event) error

func (f SubscriberFunc) Send(ctx context.Context, e Event) error { return f(ctx, e) }

// Config sizes the broadcaster.
type Config struct {
	QueueSize      int
	StatusCapacity int
}

type subscription struct {
	id     string
	topic  string
	sub    Subscriber
	queue  chan Event
	cancel context.CancelFunc
	done   chan struct{}
}

// Broadcaster fans events out to per-topic subscribers. Publishing never
// blocks: each subscriber has its own bounded queue and is dropped when
// that queue is full.
type Broadcaster struct {
	cfg     Config
	logger  *log.Logger
	metrics *telemetry.Metrics
	status  *lru.Cache[string, Event]

	mu     sync.Mutex
	topics map[string]map[string]*subscription
	closed bool
	wg     sync.WaitGroup
}

// New builds a broadcaster. metrics may be nil.
func New(cfg Config, metrics *telemetry.Metrics, logger *log.Logger) *Broadcaster {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.StatusCapacity <= 0 {
		cfg.StatusCapacity = 1024
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[PROGRESS] ", log.LstdFlags)
	}
	status, _ := lru.New[string, Event](cfg.StatusCapacity)
	return &Broadcaster{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		status:  status,
		topics:  make(map[string]map[string]*subscription),
	}
}

// Subscribe registers s for topicID and returns its handle id.
func (b *Broadcaster) Subscribe(topicID string, s Subscriber) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}
	ctx, cancel := context.WithCancel(context.Background())
	rec := &subscription{
		id:     uuid.NewString(),
		topic:  topicID,
		sub:    s,
		queue:  make(chan Event, b.cfg.QueueSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	subs, ok := b.topics[topicID]
	if !ok {
		subs = make(map[string]*subscription)
		b.topics[topicID] = subs
	}
	subs[rec.id] = rec
	b.wg.Add(1)
	go b.deliver(ctx, rec)
	b.metrics.SubscribersChanged(1)
	return rec.id, nil
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (b *Broadcaster) Unsubscribe(topicID, id string) {
	b.mu.Lock()
	rec := b.detachLocked(topicID, id)
	b.mu.Unlock()
	if rec != nil {
		rec.cancel()
	}
}

// Done returns a channel closed once the subscription has stopped, for
// transports that must notice being dropped.
func (b *Broadcaster) Done(topicID, id string) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.topics[topicID][id]; ok {
		return rec.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Publish queues e for every subscriber of topicID and records it as the
// topic's latest status.
func (b *Broadcaster) Publish(topicID string, e Event) {
	if e.TopicID == "" {
		e.TopicID = topicID
	}

	// status and subscriber queues are updated together so the cached status
	// is always the last event subscribers were offered
	b.mu.Lock()
	b.status.Add(topicID, e)
	if b.closed {
		b.mu.Unlock()
		return
	}
	var dropped []*subscription
	for id, rec := range b.topics[topicID] {
		if !b.offer(rec, e) {
			dropped = append(dropped, b.detachLocked(topicID, id))
		}
	}
	b.mu.Unlock()
	b.release(dropped, "queue full")
}

// PublishGlobal queues e for every subscriber of every topic.
func (b *Broadcaster) PublishGlobal(e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	var dropped []*subscription
	for topic, subs := range b.topics {
		for id, rec := range subs {
			if !b.offer(rec, e) {
				dropped = append(dropped, b.detachLocked(topic, id))
			}
		}
	}
	b.mu.Unlock()
	b.release(dropped, "queue full")
}

// Status returns the last event published for topicID, if still tracked.
func (b *Broadcaster) Status(topicID string) (Event, bool) {
	return b.status.Get(topicID)
}

// Subscribers counts live subscribers of topicID.
func (b *Broadcaster) Subscribers(topicID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topicID])
}

// Close stops every subscriber and waits for their delivery loops.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscription
	for topic, subs := range b.topics {
		for id := range subs {
			all = append(all, b.detachLocked(topic, id))
		}
	}
	b.mu.Unlock()
	for _, rec := range all {
		rec.cancel()
	}
	b.wg.Wait()
	return nil
}

func (b *Broadcaster) offer(rec *subscription, e Event) bool {
	select {
	case rec.queue <- e:
		return true
	default:
		return false
	}
}

func (b *Broadcaster) detachLocked(topicID, id string) *subscription {
	subs, ok := b.topics[topicID]
	if !ok {
		return nil
	}
	rec, ok := subs[id]
	if !ok {
		return nil
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.topics, topicID)
	}
	b.metrics.SubscribersChanged(-1)
	return rec
}

func (b *Broadcaster) release(recs []*subscription, reason string) {
	for _, rec := range recs {
		if rec == nil {
			continue
		}
		rec.cancel()
		b.metrics.SubscriberDropped()
		b.logger.Printf("dropped subscriber %s on topic %s: %s", rec.id, rec.topic, reason)
	}
}

func (b *Broadcaster) deliver(ctx context.Context, rec *subscription) {
	defer b.wg.Done()
	defer close(rec.done)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-rec.queue:
			if err := rec.sub.Send(ctx, e); err != nil {
				if ctx.Err() != nil {
					return
				}
				b.mu.Lock()
				gone := b.detachLocked(rec.topic, rec.id)
				b.mu.Unlock()
				if gone != nil {
					b.metrics.SubscriberDropped()
				}
				rec.cancel()
				return
			}
		}
	}
}
