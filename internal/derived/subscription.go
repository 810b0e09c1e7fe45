package derived

import (
	"context"
	"fmt"
	"sync"

	"chatsync/pkg/chatsync"
)

type handleState int

const (
	handlePending handleState = iota
	handleActive
	handleFailed
	handleReleased
)

func (s handleState) String() string {
	switch s {
	case handlePending:
		return "pending"
	case handleActive:
		return "active"
	case handleFailed:
		return "failed"
	case handleReleased:
		return "released"
	default:
		return fmt.Sprintf("handleState(%d)", int(s))
	}
}

// subscriptionHandle is the owned side of one live subscription.
//
// The owning store keeps the handle and releases it on every exit path. done
// closes once the subscription is gone on the store side: after a failed
// acquisition, or after the unsubscribe call of a released handle returned.
type subscriptionHandle struct {
	store      string
	collection string
	topic      string

	mu          sync.Mutex
	state       handleState
	unsubscribe chatsync.UnsubscribeFunc

	done     chan struct{}
	doneOnce sync.Once
}

// subscriptionSpec describes one acquisition.
type subscriptionSpec struct {
	store      string
	collection chatsync.Collection
	topic      string
	// after delays the acquisition until the previous handle of the same
	// store is fully released.
	after <-chan struct{}
	// onEvent and onError run on the loop while the handle is live.
	onEvent func(chatsync.RecordEvent)
	onError func(error)
}

// live reports whether events for this handle should still be applied.
func (h *subscriptionHandle) live() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.state == handlePending || h.state == handleActive
}

func (h *subscriptionHandle) currentState() handleState {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.state
}

// activate records a successful acquisition. It returns false when the
// handle was released while pending; the caller then owns the unsubscribe.
func (h *subscriptionHandle) activate(unsubscribe chatsync.UnsubscribeFunc) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != handlePending {
		return false
	}
	h.state = handleActive
	h.unsubscribe = unsubscribe

	return true
}

// fail records a failed acquisition and reports whether anyone still wants it.
func (h *subscriptionHandle) fail() bool {
	h.mu.Lock()
	wanted := h.state == handlePending
	if wanted {
		h.state = handleFailed
	}
	h.mu.Unlock()
	h.finish()

	return wanted
}

// markReleased moves the handle to released and returns the unsubscribe
// function when the caller must invoke it.
func (h *subscriptionHandle) markReleased() (chatsync.UnsubscribeFunc, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case handlePending:
		h.state = handleReleased
		return nil, false
	case handleActive:
		h.state = handleReleased
		unsubscribe := h.unsubscribe
		h.unsubscribe = nil
		return unsubscribe, true
	default:
		return nil, false
	}
}

func (h *subscriptionHandle) finish() {
	h.doneOnce.Do(func() {
		close(h.done)
	})
}

// subscribe starts acquiring a live subscription. It must be called on the loop.
func (g *Graph) subscribe(spec subscriptionSpec) *subscriptionHandle {
	handle := &subscriptionHandle{
		store:      spec.store,
		collection: spec.collection.Name(),
		topic:      spec.topic,
		done:       make(chan struct{}),
	}

	g.goTask(func(ctx context.Context) {
		if spec.after != nil {
			select {
			case <-spec.after:
			case <-ctx.Done():
				handle.fail()
				return
			}
		}

		subscribeCtx, cancel := context.WithTimeout(ctx, g.cfg.subscribeTimeout)
		defer cancel()

		unsubscribe, err := spec.collection.Subscribe(subscribeCtx, spec.topic, func(event chatsync.RecordEvent) {
			_ = g.post(func() {
				if handle.live() {
					spec.onEvent(event)
				}
			})
		})
		if err != nil {
			if handle.fail() && spec.onError != nil {
				_ = g.post(func() {
					spec.onError(fmt.Errorf("subscribe %s/%s: %w", handle.collection, handle.topic, err))
				})
			}
			return
		}

		if handle.activate(unsubscribe) {
			g.logger.Debug("chatsync subscription active",
				"store", handle.store,
				"collection", handle.collection,
				"topic", handle.topic,
			)
			return
		}
		g.runUnsubscribe(handle, unsubscribe)
	})

	return handle
}

// release releases h and returns a channel closed once the store side is
// gone. It must be called on the loop; a nil handle is already released.
func (g *Graph) release(h *subscriptionHandle) <-chan struct{} {
	if h == nil {
		return nil
	}

	unsubscribe, owned := h.markReleased()
	if owned {
		g.goTask(func(context.Context) {
			g.runUnsubscribe(h, unsubscribe)
		})
	}

	return h.done
}

// runUnsubscribe detaches from the graph context so shutdown still releases.
func (g *Graph) runUnsubscribe(h *subscriptionHandle, unsubscribe chatsync.UnsubscribeFunc) {
	defer h.finish()

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.releaseTimeout)
	defer cancel()

	if err := unsubscribe(ctx); err != nil {
		g.logger.Warn("chatsync unsubscribe failed",
			"store", h.store,
			"collection", h.collection,
			"topic", h.topic,
			"error", err,
		)
		return
	}
	g.logger.Debug("chatsync subscription released",
		"store", h.store,
		"collection", h.collection,
		"topic", h.topic,
	)
}
