package derived

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"chatsync/pkg/chatsync"
)

// Graph owns the event loop and the three derived stores.
type Graph struct {
	cfg    config
	logger *slog.Logger

	inbox    chan func()
	stopping chan struct{}
	loopDone chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc
	// tasks tracks network goroutines; Add is only ever called on the loop.
	tasks     sync.WaitGroup
	closeOnce sync.Once
	closeErr  error

	// Fields below are owned by the loop.
	shut          bool
	client        chatsync.Client
	session       *SessionStore
	conversations *ConversationCache
	directory     *UserDirectory
}

// New builds a graph reading from client and starts its event loop.
//
// client may be nil, in which case every store stays absent until SetClient
// attaches one. Callers must Close the graph to release subscriptions.
func New(client chatsync.Client, opts ...Option) *Graph {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	graph := &Graph{
		cfg:      cfg,
		logger:   cfg.logger,
		inbox:    make(chan func(), cfg.inboxBuffer),
		stopping: make(chan struct{}),
		loopDone: make(chan struct{}),
		baseCtx:  baseCtx,
		cancel:   cancel,
		client:   client,
	}
	graph.session = newSessionStore(graph)
	graph.conversations = newConversationCache(graph)
	graph.directory = newUserDirectory(graph)

	go graph.run()

	return graph
}

// Session returns the identity store.
func (g *Graph) Session() *SessionStore {
	return g.session
}

// Conversations returns the conversation list store.
func (g *Graph) Conversations() *ConversationCache {
	return g.conversations
}

// Directory returns the user directory store.
func (g *Graph) Directory() *UserDirectory {
	return g.directory
}

// SetClient attaches a different record-store client and recomputes the
// session from scratch, releasing every subscription tied to the old client.
func (g *Graph) SetClient(ctx context.Context, client chatsync.Client) error {
	if err := g.call(ctx, func() error {
		g.client = client
		g.session.recompute()
		g.conversations.rebind()
		return nil
	}); err != nil {
		return fmt.Errorf("set client: %w", err)
	}

	return nil
}

// Refresh recomputes the session from the current token holder.
//
// It is the trigger to use after the holder was changed outside the graph,
// for example after a login or an AuthRefresh. A conversation cache whose
// bulk read failed also retries.
func (g *Graph) Refresh(ctx context.Context) error {
	if err := g.call(ctx, func() error {
		g.session.recompute()
		g.conversations.retry()
		return nil
	}); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	return nil
}

// Close deactivates every store, waits for in-flight subscriptions to be
// released, and stops the event loop.
func (g *Graph) Close(ctx context.Context) error {
	g.closeOnce.Do(func() {
		var closeErrs []error
		if err := g.call(ctx, func() error {
			g.teardown()
			return nil
		}); err != nil {
			closeErrs = append(closeErrs, fmt.Errorf("teardown stores: %w", err))
		}

		close(g.stopping)
		<-g.loopDone
		g.cancel()

		if err := waitGroup(ctx, &g.tasks); err != nil {
			closeErrs = append(closeErrs, fmt.Errorf("wait for subscription tasks: %w", err))
		}
		if len(closeErrs) > 0 {
			g.closeErr = fmt.Errorf("close graph: %w", errors.Join(closeErrs...))
		}
	})

	return g.closeErr
}

// teardown deactivates downstream stores before their upstreams.
func (g *Graph) teardown() {
	g.directory.node.shutdown()
	g.conversations.node.shutdown()
	g.session.node.shutdown()
	g.shut = true
}

func (g *Graph) run() {
	defer close(g.loopDone)

	for {
		select {
		case <-g.stopping:
			return
		case fn := <-g.inbox:
			fn()
		}
	}
}

// post queues fn for the loop. It blocks while the inbox is full and fails
// once the graph stops. It must never be called from the loop itself.
func (g *Graph) post(fn func()) error {
	select {
	case <-g.stopping:
		return chatsync.ErrClosed
	default:
	}

	select {
	case g.inbox <- fn:
		return nil
	case <-g.stopping:
		return chatsync.ErrClosed
	}
}

// postDetached queues fn without blocking the caller, which may be the loop.
func (g *Graph) postDetached(fn func()) {
	select {
	case g.inbox <- fn:
		return
	case <-g.stopping:
		return
	default:
	}

	go func() {
		_ = g.post(fn)
	}()
}

// call runs fn on the loop and waits for it to finish.
func (g *Graph) call(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	result := make(chan error, 1)
	if err := g.post(func() {
		if g.shut {
			result <- chatsync.ErrClosed
			return
		}
		result <- fn()
	}); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-g.loopDone:
		select {
		case err := <-result:
			return err
		default:
			return chatsync.ErrClosed
		}
	}
}

// goTask starts a tracked network goroutine. It must be called on the loop.
func (g *Graph) goTask(fn func(ctx context.Context)) {
	g.tasks.Add(1)
	go func() {
		defer g.tasks.Done()
		fn(g.baseCtx)
	}()
}

// collection resolves name on the attached client; nil when detached.
func (g *Graph) collection(name string) chatsync.Collection {
	if g.client == nil {
		return nil
	}

	return g.client.Collection(name)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
