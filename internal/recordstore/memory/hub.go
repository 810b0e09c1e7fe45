package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"chatsync/pkg/chatsync"
)

// hub fans record events out to live subscriptions.
//
// Each subscription owns a bounded queue drained by one worker, so events
// reach a handler in publish order. Publishing blocks while a queue is full.
type hub struct {
	mu            sync.RWMutex
	nextID        int64
	closed        bool
	subscriptions map[int64]*subscription
	buffer        int
	logger        *slog.Logger
}

func newHub(buffer int, logger *slog.Logger) *hub {
	return &hub{
		subscriptions: make(map[int64]*subscription),
		buffer:        buffer,
		logger:        logger,
	}
}

// delivery is one event routed to subscribers allowed to see it.
type delivery struct {
	collection string
	event      chatsync.RecordEvent
	// visible reports whether the subscriber authenticated as authID may see the record.
	visible func(authID string) bool
}

// publish enqueues d on every matching subscription.
func (h *hub) publish(ctx context.Context, d delivery) error {
	subs, err := h.snapshot()
	if err != nil {
		return fmt.Errorf("publish %s %s: %w", d.collection, d.event.Action, err)
	}

	recordID := d.event.Record.ID()
	var publishErrs []error
	for _, sub := range subs {
		if sub.collection != d.collection {
			continue
		}
		if sub.topic != chatsync.TopicAll && sub.topic != recordID {
			continue
		}
		if d.visible != nil && !d.visible(sub.authID) {
			continue
		}
		event := chatsync.RecordEvent{Action: d.event.Action, Record: d.event.Record.Clone()}
		if err := sub.enqueue(ctx, event); err != nil {
			if errors.Is(err, chatsync.ErrClosed) {
				continue
			}
			publishErrs = append(publishErrs, err)
		}
	}

	if len(publishErrs) > 0 {
		return fmt.Errorf("publish %s %s: %w", d.collection, d.event.Action, errors.Join(publishErrs...))
	}

	return nil
}

// subscribe registers handler for one collection topic.
func (h *hub) subscribe(
	collection string,
	topic string,
	authID string,
	handler chatsync.EventHandler,
) (*subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s/%s: nil handler", collection, topic)
	}

	subID := atomic.AddInt64(&h.nextID, 1)
	sub := newSubscription(subID, collection, topic, authID, handler, h)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.signalClose()
		return nil, fmt.Errorf("subscribe %s/%s: %w", collection, topic, chatsync.ErrClosed)
	}
	h.subscriptions[subID] = sub

	return sub, nil
}

// close stops every subscription and rejects later publishes and subscribes.
func (h *hub) close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := make([]*subscription, 0, len(h.subscriptions))
	for _, sub := range h.subscriptions {
		subs = append(subs, sub)
	}
	h.subscriptions = make(map[int64]*subscription)
	h.mu.Unlock()

	var closeErrs []error
	for _, sub := range subs {
		if err := sub.shutdown(ctx); err != nil {
			closeErrs = append(closeErrs, err)
		}
	}
	if len(closeErrs) > 0 {
		return fmt.Errorf("close hub: %w", errors.Join(closeErrs...))
	}

	return nil
}

// count returns the number of live subscriptions on collection/topic.
func (h *hub) count(collection string, topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, sub := range h.subscriptions {
		if sub.collection == collection && (topic == "" || sub.topic == topic) {
			total++
		}
	}

	return total
}

func (h *hub) snapshot() ([]*subscription, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return nil, chatsync.ErrClosed
	}

	subs := make([]*subscription, 0, len(h.subscriptions))
	for _, sub := range h.subscriptions {
		subs = append(subs, sub)
	}

	return subs, nil
}

func (h *hub) unsubscribe(ctx context.Context, subID int64) error {
	h.mu.Lock()
	sub, found := h.subscriptions[subID]
	if found {
		delete(h.subscriptions, subID)
	}
	h.mu.Unlock()

	if !found {
		return nil
	}
	if err := sub.shutdown(ctx); err != nil {
		return fmt.Errorf("unsubscribe %s/%s: %w", sub.collection, sub.topic, err)
	}

	return nil
}

// subscription owns the queue and worker of one subscriber.
type subscription struct {
	id         int64
	collection string
	topic      string
	authID     string
	handler    chatsync.EventHandler
	queue      chan chatsync.RecordEvent
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	closed     atomic.Bool
	once       sync.Once
	hub        *hub
}

func newSubscription(
	subID int64,
	collection string,
	topic string,
	authID string,
	handler chatsync.EventHandler,
	h *hub,
) *subscription {
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		id:         subID,
		collection: collection,
		topic:      topic,
		authID:     authID,
		handler:    handler,
		queue:      make(chan chatsync.RecordEvent, h.buffer),
		ctx:        subCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
		hub:        h,
	}
	go sub.run()

	return sub
}

func (s *subscription) enqueue(ctx context.Context, event chatsync.RecordEvent) error {
	if s.closed.Load() {
		return fmt.Errorf("enqueue %s/%s: %w", s.collection, s.topic, chatsync.ErrClosed)
	}

	select {
	case s.queue <- event:
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("enqueue %s/%s: %w", s.collection, s.topic, chatsync.ErrClosed)
	case <-ctx.Done():
		return fmt.Errorf("enqueue %s/%s: %w", s.collection, s.topic, ctx.Err())
	}
}

// run drains the queue until the subscription is closed.
func (s *subscription) run() {
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-s.queue:
			s.deliver(event)
		}
	}
}

func (s *subscription) deliver(event chatsync.RecordEvent) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.hub.logger.Error("memory subscription handler panicked",
				"collection", s.collection,
				"topic", s.topic,
				"panic", fmt.Sprint(recovered),
			)
		}
	}()

	s.handler(event)
}

func (s *subscription) signalClose() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
}

func (s *subscription) shutdown(ctx context.Context) error {
	s.signalClose()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown subscription %s/%s: %w", s.collection, s.topic, ctx.Err())
	}
}
