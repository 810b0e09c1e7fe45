package derived

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// Snapshot is one observed output of a derived store.
type Snapshot[T any] struct {
	// Value holds the store output; it is the zero value when Present is false.
	Value T
	// Present is false for absent-state.
	Present bool
	// Version increases by one for every emitted transition.
	Version uint64
}

// CancelFunc stops an observation. It is idempotent and never blocks, so it
// may be called from inside an observer callback.
type CancelFunc func()

type observerEntry[T any] struct {
	fn        func(Snapshot[T])
	cancelled atomic.Bool
}

// node holds one store output and its observers. All methods run on the loop.
type node[T any] struct {
	name      string
	logger    *slog.Logger
	equal     func(a, b T) bool
	current   Snapshot[T]
	observers map[uint64]*observerEntry[T]
	nextID    uint64

	// onActivate runs before the first observer is attached.
	onActivate func()
	// onDeactivate runs after the last observer is detached.
	onDeactivate func()
	active       bool
}

func newNode[T any](name string, logger *slog.Logger, equal func(a, b T) bool) *node[T] {
	return &node[T]{
		name:      name,
		logger:    logger,
		equal:     equal,
		observers: make(map[uint64]*observerEntry[T]),
	}
}

// observe attaches fn, activating the node first when it had no observers,
// and delivers the current snapshot to fn.
func (n *node[T]) observe(fn func(Snapshot[T])) (uint64, *observerEntry[T]) {
	if !n.active {
		n.active = true
		if n.onActivate != nil {
			n.onActivate()
		}
	}

	n.nextID++
	id := n.nextID
	entry := &observerEntry[T]{fn: fn}
	n.observers[id] = entry
	n.deliver(id, entry, n.current)

	return id, entry
}

// unobserve detaches one observer and deactivates the node when it was the last.
func (n *node[T]) unobserve(id uint64) {
	if _, ok := n.observers[id]; !ok {
		return
	}
	delete(n.observers, id)
	if len(n.observers) == 0 && n.active {
		n.shutdown()
	}
}

// shutdown detaches every observer and deactivates the node.
func (n *node[T]) shutdown() {
	clear(n.observers)
	if !n.active {
		return
	}
	n.active = false
	if n.onDeactivate != nil {
		n.onDeactivate()
	}
}

// set emits a new output unless it equals the current one.
func (n *node[T]) set(value T, present bool) {
	if present == n.current.Present {
		if !present {
			return
		}
		if n.equal != nil && n.equal(n.current.Value, value) {
			return
		}
	}

	var zero T
	if !present {
		value = zero
	}
	n.current = Snapshot[T]{Value: value, Present: present, Version: n.current.Version + 1}
	n.notify()
}

// reset drops the output to absent-state without notifying anyone.
func (n *node[T]) reset() {
	var zero T
	n.current = Snapshot[T]{Value: zero, Version: n.current.Version}
}

func (n *node[T]) notify() {
	ids := make([]uint64, 0, len(n.observers))
	for id := range n.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	snapshot := n.current
	for _, id := range ids {
		entry, ok := n.observers[id]
		if !ok {
			continue
		}
		n.deliver(id, entry, snapshot)
	}
}

func (n *node[T]) deliver(id uint64, entry *observerEntry[T], snapshot Snapshot[T]) {
	if entry.cancelled.Load() {
		return
	}
	scope := fmt.Sprintf("%s observer %d", n.name, id)
	if err := runSafely(scope, func() error {
		entry.fn(snapshot)
		return nil
	}); err != nil {
		n.logger.Error("chatsync observer failed", "store", n.name, "error", err)
	}
}

// errorHub fans store errors out to OnError observers and the graph-wide sink.
type errorHub struct {
	store     string
	observers map[uint64]*errorObserver
	nextID    uint64
}

type errorObserver struct {
	fn        func(StoreError)
	cancelled atomic.Bool
}

func newErrorHub(store string) *errorHub {
	return &errorHub{
		store:     store,
		observers: make(map[uint64]*errorObserver),
	}
}

// observable carries the public read API shared by every store.
type observable[T any] struct {
	graph *Graph
	node  *node[T]
	errs  *errorHub
}

// Observe attaches fn to the store output.
//
// fn is called on the graph event loop with the current snapshot right away
// and with every later transition. It must not call blocking Graph methods.
// The first observer activates the store.
func (o *observable[T]) Observe(ctx context.Context, fn func(Snapshot[T])) (CancelFunc, error) {
	if fn == nil {
		return nil, fmt.Errorf("observe %s: nil observer", o.node.name)
	}

	var (
		id    uint64
		entry *observerEntry[T]
	)
	if err := o.graph.call(ctx, func() error {
		id, entry = o.node.observe(fn)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("observe %s: %w", o.node.name, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.cancelled.Store(true)
			o.graph.postDetached(func() {
				o.node.unobserve(id)
			})
		})
	}, nil
}

// Current returns the latest snapshot. An inactive store reports absent-state.
func (o *observable[T]) Current(ctx context.Context) (Snapshot[T], error) {
	var snapshot Snapshot[T]
	if err := o.graph.call(ctx, func() error {
		snapshot = o.node.current
		return nil
	}); err != nil {
		return Snapshot[T]{}, fmt.Errorf("current %s: %w", o.node.name, err)
	}

	return snapshot, nil
}

// OnError attaches fn to the store error channel. Errors never reach value observers.
func (o *observable[T]) OnError(ctx context.Context, fn func(StoreError)) (CancelFunc, error) {
	if fn == nil {
		return nil, fmt.Errorf("observe %s errors: nil observer", o.node.name)
	}

	var (
		id    uint64
		entry = &errorObserver{fn: fn}
	)
	if err := o.graph.call(ctx, func() error {
		o.errs.nextID++
		id = o.errs.nextID
		o.errs.observers[id] = entry
		return nil
	}); err != nil {
		return nil, fmt.Errorf("observe %s errors: %w", o.node.name, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.cancelled.Store(true)
			o.graph.postDetached(func() {
				delete(o.errs.observers, id)
			})
		})
	}, nil
}

// report publishes one absorbed failure. It runs on the loop.
func (o *observable[T]) report(kind ErrorKind, err error) {
	storeErr := newStoreError(o.errs.store, kind, err)
	if o.graph.cfg.onError != nil {
		o.graph.cfg.onError(o.graph.baseCtx, storeErr)
	}

	ids := make([]uint64, 0, len(o.errs.observers))
	for id := range o.errs.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		entry := o.errs.observers[id]
		if entry.cancelled.Load() {
			continue
		}
		scope := fmt.Sprintf("%s error observer %d", o.errs.store, id)
		if err := runSafely(scope, func() error {
			entry.fn(storeErr)
			return nil
		}); err != nil {
			o.graph.logger.Error("chatsync error observer failed", "store", o.errs.store, "error", err)
		}
	}
}
