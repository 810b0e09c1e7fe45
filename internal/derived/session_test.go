package derived

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"chatsync/pkg/chatsync"
)

func TestSessionStoreEmitsIdentityAndSubscribes(t *testing.T) {
	t.Parallel()

	client := newFakeClient(userRecord("u1", "Ann"))
	graph := newTestGraph(t, client)

	sessions := &recorder[chatsync.Identity]{}
	cancel, err := graph.Session().Observe(context.Background(), sessions.observe)
	if err != nil {
		t.Fatalf("observe session: %v", err)
	}
	defer cancel()

	got := sessions.last()
	if !got.Present || got.Value.ID != "u1" || got.Value.Name != "Ann" {
		t.Fatalf("session = %+v, want identity u1", got)
	}
	eventually(t, 2*time.Second, func() bool {
		return client.users.activeSubscriptions("u1") == 1
	})
}

func TestSessionStoreInvalidRecordOpensNoSubscription(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		record     chatsync.Record
		wantErrors int
	}{
		{name: "empty holder", record: nil, wantErrors: 0},
		{name: "missing email", record: chatsync.Record{"id": "u1", "name": "Ann"}, wantErrors: 1},
		{name: "numeric name", record: chatsync.Record{"id": "u1", "email": "e", "name": 3.0}, wantErrors: 1},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			client := newFakeClient(testCase.record)
			graph := newTestGraph(t, client)

			errs := &errorRecorder{}
			cancelErrors, err := graph.Session().OnError(context.Background(), errs.observe)
			if err != nil {
				t.Fatalf("observe errors: %v", err)
			}
			defer cancelErrors()

			sessions := &recorder[chatsync.Identity]{}
			cancel, err := graph.Session().Observe(context.Background(), sessions.observe)
			if err != nil {
				t.Fatalf("observe session: %v", err)
			}
			defer cancel()

			if sessions.last().Present {
				t.Fatalf("session = %+v, want absent", sessions.last())
			}
			if subscribes, _ := client.users.counts(); subscribes != 0 {
				t.Fatalf("subscribe calls = %d, want 0", subscribes)
			}
			kinds := errs.kinds()
			if len(kinds) != testCase.wantErrors {
				t.Fatalf("errors = %v, want %d", kinds, testCase.wantErrors)
			}
			if testCase.wantErrors > 0 && kinds[0] != KindValidation {
				t.Fatalf("error kind = %s, want validation", kinds[0])
			}
		})
	}
}

func TestSessionStoreUpdateEventRevalidates(t *testing.T) {
	t.Parallel()

	client := newFakeClient(userRecord("u1", "Ann"))
	graph := newTestGraph(t, client)

	sessions := &recorder[chatsync.Identity]{}
	cancel, err := graph.Session().Observe(context.Background(), sessions.observe)
	if err != nil {
		t.Fatalf("observe session: %v", err)
	}
	defer cancel()
	eventually(t, 2*time.Second, func() bool {
		return client.users.activeSubscriptions("u1") == 1
	})

	client.users.emit("u1", chatsync.RecordEvent{Action: chatsync.ActionUpdate, Record: userRecord("u1", "Annie")})
	eventually(t, 2*time.Second, func() bool {
		return sessions.last().Value.Name == "Annie"
	})
	if client.holder.Token() != "token" {
		t.Fatalf("token = %q, want unchanged token", client.holder.Token())
	}
	if name, _ := client.holder.Record().String("name"); name != "Annie" {
		t.Fatalf("holder name = %q, want Annie", name)
	}

	client.users.emit("u1", chatsync.RecordEvent{
		Action: chatsync.ActionUpdate,
		Record: chatsync.Record{"id": "u1", "name": "Annie"},
	})
	eventually(t, 2*time.Second, func() bool {
		return !sessions.last().Present
	})
	eventually(t, 2*time.Second, func() bool {
		return client.users.activeSubscriptions("u1") == 0
	})
}

func TestSessionStoreIdenticalUpdateDoesNotEmit(t *testing.T) {
	t.Parallel()

	client := newFakeClient(userRecord("u1", "Ann"))
	graph := newTestGraph(t, client)

	sessions := &recorder[chatsync.Identity]{}
	cancel, err := graph.Session().Observe(context.Background(), sessions.observe)
	if err != nil {
		t.Fatalf("observe session: %v", err)
	}
	defer cancel()
	eventually(t, 2*time.Second, func() bool {
		return client.users.activeSubscriptions("u1") == 1
	})

	before := sessions.count()
	client.users.emit("u1", chatsync.RecordEvent{Action: chatsync.ActionUpdate, Record: userRecord("u1", "Ann")})
	if _, err := graph.Session().Current(context.Background()); err != nil {
		t.Fatalf("current: %v", err)
	}
	if sessions.count() != before {
		t.Fatalf("snapshots = %d, want %d", sessions.count(), before)
	}
}

func TestSessionDeleteCascadesToConversations(t *testing.T) {
	t.Parallel()

	client := newFakeClient(userRecord("u1", "Ann"))
	client.conversations.setRecords(conversationRecord("c1", "u1", "u2"))
	graph := newTestGraph(t, client)

	sessions := &recorder[chatsync.Identity]{}
	cancelSession, err := graph.Session().Observe(context.Background(), sessions.observe)
	if err != nil {
		t.Fatalf("observe session: %v", err)
	}
	defer cancelSession()

	conversations := &recorder[[]chatsync.Conversation]{}
	cancelConversations, err := graph.Conversations().Observe(context.Background(), conversations.observe)
	if err != nil {
		t.Fatalf("observe conversations: %v", err)
	}
	defer cancelConversations()

	eventually(t, 2*time.Second, func() bool {
		return conversations.last().Present &&
			client.users.activeSubscriptions("u1") == 1 &&
			client.conversations.activeSubscriptions(chatsync.TopicAll) == 1
	})

	client.users.emit("u1", chatsync.RecordEvent{Action: chatsync.ActionDelete, Record: userRecord("u1", "Ann")})

	eventually(t, 2*time.Second, func() bool {
		return !sessions.last().Present && !conversations.last().Present
	})
	eventually(t, 2*time.Second, func() bool {
		return client.users.activeSubscriptions("u1") == 0 &&
			client.conversations.activeSubscriptions(chatsync.TopicAll) == 0
	})
	if client.holder.Token() != "" || client.holder.Record() != nil {
		t.Fatal("expected token holder to be cleared")
	}
}

func TestSessionStoreReleasesWhenUnobserved(t *testing.T) {
	t.Parallel()

	client := newFakeClient(userRecord("u1", "Ann"))
	graph := newTestGraph(t, client)

	cancel, err := graph.Session().Observe(context.Background(), func(Snapshot[chatsync.Identity]) {})
	if err != nil {
		t.Fatalf("observe session: %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		return client.users.activeSubscriptions("u1") == 1
	})

	cancel()
	cancel()
	eventually(t, 2*time.Second, func() bool {
		_, unsubscribes := client.users.counts()
		return client.users.activeSubscriptions("u1") == 0 && unsubscribes == 1
	})

	current, err := graph.Session().Current(context.Background())
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current.Present {
		t.Fatalf("inactive session = %+v, want absent", current)
	}
}

func TestSessionStoreReleasesPendingSubscription(t *testing.T) {
	t.Parallel()

	client := newFakeClient(userRecord("u1", "Ann"))
	gate := make(chan struct{})
	client.users.setSubscribeGate(gate)
	graph := newTestGraph(t, client)

	cancel, err := graph.Session().Observe(context.Background(), func(Snapshot[chatsync.Identity]) {})
	if err != nil {
		t.Fatalf("observe session: %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		subscribes, _ := client.users.counts()
		return subscribes == 1
	})

	cancel()
	if _, err := graph.Session().Current(context.Background()); err != nil {
		t.Fatalf("current: %v", err)
	}
	close(gate)

	eventually(t, 2*time.Second, func() bool {
		_, unsubscribes := client.users.counts()
		return unsubscribes == 1 && client.users.activeSubscriptions("u1") == 0
	})
}

func TestGraphSetClientReplacesSubscription(t *testing.T) {
	t.Parallel()

	first := newFakeClient(userRecord("u1", "Ann"))
	second := newFakeClient(userRecord("u2", "Ben"))
	graph := newTestGraph(t, first)

	sessions := &recorder[chatsync.Identity]{}
	cancel, err := graph.Session().Observe(context.Background(), sessions.observe)
	if err != nil {
		t.Fatalf("observe session: %v", err)
	}
	defer cancel()
	eventually(t, 2*time.Second, func() bool {
		return first.users.activeSubscriptions("u1") == 1
	})

	if err := graph.SetClient(context.Background(), second); err != nil {
		t.Fatalf("set client: %v", err)
	}
	if got := sessions.last(); got.Value.ID != "u2" {
		t.Fatalf("session = %+v, want u2", got)
	}
	eventually(t, 2*time.Second, func() bool {
		return first.users.activeSubscriptions("u1") == 0 && second.users.activeSubscriptions("u2") == 1
	})

	// Events from the detached client no longer reach the store.
	first.users.emit("u1", chatsync.RecordEvent{Action: chatsync.ActionDelete, Record: userRecord("u1", "Ann")})
	if got := sessions.last(); !got.Present || got.Value.ID != "u2" {
		t.Fatalf("session = %+v, want u2", got)
	}

	if err := graph.SetClient(context.Background(), nil); err != nil {
		t.Fatalf("detach client: %v", err)
	}
	if sessions.last().Present {
		t.Fatal("expected absent session without a client")
	}
}

func TestGraphRefreshRederivesFromHolder(t *testing.T) {
	t.Parallel()

	client := newFakeClient(nil)
	graph := newTestGraph(t, client)

	sessions := &recorder[chatsync.Identity]{}
	cancel, err := graph.Session().Observe(context.Background(), sessions.observe)
	if err != nil {
		t.Fatalf("observe session: %v", err)
	}
	defer cancel()
	if sessions.last().Present {
		t.Fatal("expected absent session before login")
	}

	client.holder.Save("token", userRecord("u1", "Ann"))
	if err := graph.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := sessions.last(); got.Value.ID != "u1" {
		t.Fatalf("session = %+v, want u1", got)
	}
	eventually(t, 2*time.Second, func() bool {
		return client.users.activeSubscriptions("u1") == 1
	})

	if err := graph.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		subscribes, unsubscribes := client.users.counts()
		return subscribes == 2 && unsubscribes == 1 && client.users.activeSubscriptions("u1") == 1
	})
}

func TestGraphCloseReleasesAndRejects(t *testing.T) {
	t.Parallel()

	client := newFakeClient(userRecord("u1", "Ann"))
	client.conversations.setRecords(conversationRecord("c1", "u1", "u2"))
	client.users.setRecords(userRecord("u2", "Ben"))
	graph := New(client)

	directory := &recorder[map[string]chatsync.DirectoryEntry]{}
	if _, err := graph.Directory().Observe(context.Background(), directory.observe); err != nil {
		t.Fatalf("observe directory: %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		return len(directory.last().Value) == 1 &&
			client.users.activeSubscriptions("u1") == 1 &&
			client.conversations.activeSubscriptions(chatsync.TopicAll) == 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := graph.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := graph.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if client.users.activeSubscriptions("u1") != 0 || client.conversations.activeSubscriptions(chatsync.TopicAll) != 0 {
		t.Fatal("expected every subscription released after close")
	}
	if _, err := graph.Session().Current(context.Background()); !errors.Is(err, chatsync.ErrClosed) {
		t.Fatalf("current after close error = %v, want ErrClosed", err)
	}
	if err := graph.Refresh(context.Background()); !errors.Is(err, chatsync.ErrClosed) {
		t.Fatalf("refresh after close error = %v, want ErrClosed", err)
	}
}

func TestObserverPanicDoesNotStopLoop(t *testing.T) {
	t.Parallel()

	client := newFakeClient(userRecord("u1", "Ann"))
	graph := newTestGraph(t, client)

	cancelPanicking, err := graph.Session().Observe(context.Background(), func(Snapshot[chatsync.Identity]) {
		panic("observer failure")
	})
	if err != nil {
		t.Fatalf("observe session: %v", err)
	}
	defer cancelPanicking()

	sessions := &recorder[chatsync.Identity]{}
	cancel, err := graph.Session().Observe(context.Background(), sessions.observe)
	if err != nil {
		t.Fatalf("observe session: %v", err)
	}
	defer cancel()

	eventually(t, 2*time.Second, func() bool {
		return client.users.activeSubscriptions("u1") == 1
	})
	client.users.emit("u1", chatsync.RecordEvent{Action: chatsync.ActionUpdate, Record: userRecord("u1", "Annie")})
	eventually(t, 2*time.Second, func() bool {
		return sessions.last().Value.Name == "Annie"
	})
}

func TestSessionSnapshotVersionsIncrease(t *testing.T) {
	t.Parallel()

	client := newFakeClient(userRecord("u1", "Ann"))
	graph := newTestGraph(t, client)

	sessions := &recorder[chatsync.Identity]{}
	cancel, err := graph.Session().Observe(context.Background(), sessions.observe)
	if err != nil {
		t.Fatalf("observe session: %v", err)
	}
	defer cancel()
	eventually(t, 2*time.Second, func() bool {
		return client.users.activeSubscriptions("u1") == 1
	})

	for _, name := range []string{"A", "B", "C"} {
		client.users.emit("u1", chatsync.RecordEvent{Action: chatsync.ActionUpdate, Record: userRecord("u1", name)})
	}
	eventually(t, 2*time.Second, func() bool {
		return sessions.last().Value.Name == "C"
	})

	sessions.mu.Lock()
	versions := make([]uint64, 0, len(sessions.snapshots))
	for _, snapshot := range sessions.snapshots {
		versions = append(versions, snapshot.Version)
	}
	sessions.mu.Unlock()
	if !slices.IsSorted(versions) {
		t.Fatalf("versions = %v, want increasing", versions)
	}
}
