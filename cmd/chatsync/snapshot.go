package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chatsync/internal/derived"
	"chatsync/pkg/chatsync"
)

// errSignedOut reports a snapshot request without a valid session.
var errSignedOut = errors.New("signed out")

// inboxView is one consistent read of a user's conversations together with
// the directory entries of every member.
type inboxView struct {
	Session       chatsync.Identity                  `json:"session"`
	Conversations []chatsync.Conversation            `json:"conversations"`
	Users         map[string]chatsync.DirectoryEntry `json:"users"`
}

// loadInbox runs a short-lived graph until the conversation list has landed
// and the directory covers every member, or a store reports a failure. When
// ctx ends after the list landed, the view carries whatever users resolved.
func loadInbox(ctx context.Context, client chatsync.Client, opts ...derived.Option) (inboxView, error) {
	graph := derived.New(client, opts...)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
		defer cancel()
		if err := graph.Close(closeCtx); err != nil {
			slog.Default().Warn("close inbox graph", "error", err)
		}
	}()

	conversations := make(chan derived.Snapshot[[]chatsync.Conversation], 1)
	directory := make(chan derived.Snapshot[map[string]chatsync.DirectoryEntry], 1)
	failures := make(chan derived.StoreError, 1)
	// Only failed reads matter to a one-shot view.
	onError := func(storeErr derived.StoreError) {
		if storeErr.Kind == derived.KindNetwork {
			offerLatest(failures, storeErr)
		}
	}

	var cancels []derived.CancelFunc
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()
	for _, attach := range []func() (derived.CancelFunc, error){
		func() (derived.CancelFunc, error) {
			return graph.Conversations().Observe(ctx, func(snapshot derived.Snapshot[[]chatsync.Conversation]) {
				offerLatest(conversations, snapshot)
			})
		},
		func() (derived.CancelFunc, error) {
			return graph.Directory().Observe(ctx, func(snapshot derived.Snapshot[map[string]chatsync.DirectoryEntry]) {
				offerLatest(directory, snapshot)
			})
		},
		func() (derived.CancelFunc, error) {
			return graph.Conversations().OnError(ctx, onError)
		},
		func() (derived.CancelFunc, error) {
			return graph.Directory().OnError(ctx, onError)
		},
	} {
		cancel, err := attach()
		if err != nil {
			return inboxView{}, err
		}
		cancels = append(cancels, cancel)
	}

	// Observing conversations keeps the session store active.
	session, err := graph.Session().Current(ctx)
	if err != nil {
		return inboxView{}, err
	}
	if !session.Present {
		return inboxView{}, errSignedOut
	}

	var (
		list  []chatsync.Conversation
		users map[string]chatsync.DirectoryEntry
		ready bool
	)
	for {
		select {
		case snapshot := <-conversations:
			ready = snapshot.Present
			list = snapshot.Value
		case snapshot := <-directory:
			users = snapshot.Value
		case storeErr := <-failures:
			return inboxView{}, fmt.Errorf("load inbox: %w", storeErr)
		case <-ctx.Done():
			if ready {
				// Members without a users record never resolve.
				return newInboxView(session.Value, list, users), nil
			}
			return inboxView{}, fmt.Errorf("load inbox: %w", ctx.Err())
		}

		if ready && len(derived.RequiredUserIDs(list, session.Value.ID, users)) == 0 {
			return newInboxView(session.Value, list, users), nil
		}
	}
}

func newInboxView(
	session chatsync.Identity,
	conversations []chatsync.Conversation,
	users map[string]chatsync.DirectoryEntry,
) inboxView {
	if users == nil {
		users = map[string]chatsync.DirectoryEntry{}
	}

	return inboxView{Session: session, Conversations: conversations, Users: users}
}

// offerLatest replaces any unread value so the loop never blocks on a slow reader.
func offerLatest[T any](ch chan T, value T) {
	for {
		select {
		case ch <- value:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
