package derived

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"chatsync/pkg/chatsync"
)

// fakeHolder is an in-memory token holder.
type fakeHolder struct {
	mu     sync.Mutex
	token  string
	record chatsync.Record
}

func (h *fakeHolder) Token() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token
}

func (h *fakeHolder) Record() chatsync.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record.Clone()
}

func (h *fakeHolder) IsValid() bool {
	return h.Token() != ""
}

func (h *fakeHolder) Save(token string, record chatsync.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.token = token
	h.record = record.Clone()
}

func (h *fakeHolder) Clear() {
	h.Save("", nil)
}

func (h *fakeHolder) LoadFromCookie(string) error {
	return nil
}

func (h *fakeHolder) ExportToCookie(chatsync.CookieOptions) string {
	return ""
}

type fakeSubscription struct {
	topic   string
	handler chatsync.EventHandler
}

// fakeCollection records calls and lets tests drive live events.
type fakeCollection struct {
	name string

	mu           sync.Mutex
	records      []chatsync.Record
	listErr      error
	listGate     chan struct{}
	listCalls    []chatsync.ListOptions
	subscribeErr error
	subGate      chan struct{}
	subscribes   int
	unsubscribes int
	subs         map[int]*fakeSubscription
	nextSub      int
}

func newFakeCollection(name string) *fakeCollection {
	return &fakeCollection{name: name, subs: make(map[int]*fakeSubscription)}
}

func (c *fakeCollection) Name() string {
	return c.name
}

func (c *fakeCollection) FullList(ctx context.Context, opts chatsync.ListOptions) ([]chatsync.Record, error) {
	c.mu.Lock()
	c.listCalls = append(c.listCalls, opts)
	gate := c.listGate
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listErr != nil {
		return nil, c.listErr
	}
	if c.name == chatsync.UsersCollection && opts.Filter != "" {
		return c.matchIDFilter(opts.Filter), nil
	}
	records := make([]chatsync.Record, 0, len(c.records))
	for _, record := range c.records {
		records = append(records, record.Clone())
	}

	return records, nil
}

func (c *fakeCollection) matchIDFilter(filter string) []chatsync.Record {
	matched := make([]chatsync.Record, 0)
	for _, record := range c.records {
		if strings.Contains(filter, chatsync.BuildIDFilter([]string{record.ID()})) {
			matched = append(matched, record.Clone())
		}
	}
	return matched
}

func (c *fakeCollection) GetOne(context.Context, string) (chatsync.Record, error) {
	return nil, chatsync.ErrNotFound
}

func (c *fakeCollection) Create(context.Context, chatsync.Record) (chatsync.Record, error) {
	return nil, fmt.Errorf("create: not supported by fake")
}

func (c *fakeCollection) Update(context.Context, string, chatsync.Record) (chatsync.Record, error) {
	return nil, fmt.Errorf("update: not supported by fake")
}

func (c *fakeCollection) Delete(context.Context, string) error {
	return fmt.Errorf("delete: not supported by fake")
}

func (c *fakeCollection) Subscribe(
	ctx context.Context,
	topic string,
	handler chatsync.EventHandler,
) (chatsync.UnsubscribeFunc, error) {
	c.mu.Lock()
	c.subscribes++
	gate := c.subGate
	err := c.subscribeErr
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = &fakeSubscription{topic: topic, handler: handler}
	c.mu.Unlock()

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
			c.unsubscribes++
		})
		return nil
	}, nil
}

// emit delivers event to every subscription on topic or on the whole collection.
func (c *fakeCollection) emit(topic string, event chatsync.RecordEvent) {
	c.mu.Lock()
	handlers := make([]chatsync.EventHandler, 0, len(c.subs))
	for id := 1; id <= c.nextSub; id++ {
		sub, ok := c.subs[id]
		if !ok {
			continue
		}
		if sub.topic == topic || sub.topic == chatsync.TopicAll {
			handlers = append(handlers, sub.handler)
		}
	}
	c.mu.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
}

func (c *fakeCollection) activeSubscriptions(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, sub := range c.subs {
		if sub.topic == topic {
			count++
		}
	}
	return count
}

func (c *fakeCollection) listCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listCalls)
}

func (c *fakeCollection) lastListOptions() chatsync.ListOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.listCalls) == 0 {
		return chatsync.ListOptions{}
	}
	return c.listCalls[len(c.listCalls)-1]
}

func (c *fakeCollection) setRecords(records ...chatsync.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = records
}

func (c *fakeCollection) setListErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listErr = err
}

func (c *fakeCollection) setListGate(gate chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listGate = gate
}

func (c *fakeCollection) setSubscribeGate(gate chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subGate = gate
}

func (c *fakeCollection) counts() (subscribes int, unsubscribes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes, c.unsubscribes
}

// fakeClient wires a holder to a fixed set of collections.
type fakeClient struct {
	holder        *fakeHolder
	users         *fakeCollection
	conversations *fakeCollection
}

func newFakeClient(identity chatsync.Record) *fakeClient {
	holder := &fakeHolder{}
	if identity != nil {
		holder.Save("token", identity)
	}

	return &fakeClient{
		holder:        holder,
		users:         newFakeCollection(chatsync.UsersCollection),
		conversations: newFakeCollection(chatsync.ConversationsCollection),
	}
}

func (c *fakeClient) AuthStore() chatsync.TokenHolder {
	return c.holder
}

func (c *fakeClient) Collection(name string) chatsync.Collection {
	switch name {
	case chatsync.UsersCollection:
		return c.users
	case chatsync.ConversationsCollection:
		return c.conversations
	default:
		return newFakeCollection(name)
	}
}

func (c *fakeClient) AuthRefresh(context.Context) error {
	return nil
}

func userRecord(id string, name string) chatsync.Record {
	return chatsync.Record{"id": id, "email": id + "@example.com", "name": name}
}

func conversationRecord(id string, members ...string) chatsync.Record {
	list := make([]any, 0, len(members))
	for _, member := range members {
		list = append(list, member)
	}

	return chatsync.Record{
		"id":       id,
		"name":     "conversation " + id,
		"members":  list,
		"admins":   []any{members[0]},
		"messages": []any{},
	}
}

// recorder collects snapshots delivered on the event loop.
type recorder[T any] struct {
	mu        sync.Mutex
	snapshots []Snapshot[T]
}

func (r *recorder[T]) observe(snapshot Snapshot[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, snapshot)
}

func (r *recorder[T]) last() Snapshot[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return Snapshot[T]{}
	}
	return r.snapshots[len(r.snapshots)-1]
}

func (r *recorder[T]) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

// errorRecorder collects store errors delivered on the event loop.
type errorRecorder struct {
	mu   sync.Mutex
	errs []StoreError
}

func (r *errorRecorder) observe(err StoreError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *errorRecorder) kinds() []ErrorKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]ErrorKind, 0, len(r.errs))
	for _, err := range r.errs {
		kinds = append(kinds, err.Kind)
	}
	return kinds
}

func newTestGraph(t *testing.T, client chatsync.Client) *Graph {
	t.Helper()

	graph := New(client, WithFetchTimeout(2*time.Second), WithSubscribeTimeout(2*time.Second))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := graph.Close(ctx); err != nil {
			t.Errorf("close graph: %v", err)
		}
	})

	return graph
}

func eventually(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.Fatal("condition not met before timeout")
}

// consistently fails if condition turns false within window.
func consistently(t *testing.T, window time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		if !condition() {
			t.Fatal("condition changed within window")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func conversationIDs(conversations []chatsync.Conversation) []string {
	ids := make([]string, 0, len(conversations))
	for _, conversation := range conversations {
		ids = append(ids, conversation.ID)
	}
	return ids
}
