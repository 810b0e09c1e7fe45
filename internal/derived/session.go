package derived

import (
	"fmt"

	"chatsync/pkg/chatsync"
)

const sessionStoreName = "session"

// SessionStore derives the authenticated identity from the attached client's
// token holder and keeps it live through a subscription on the identity's
// own users record.
type SessionStore struct {
	observable[chatsync.Identity]

	generation uint64
	handle     *subscriptionHandle
	// released closes when the previous handle is gone on the store side.
	released <-chan struct{}
}

func newSessionStore(graph *Graph) *SessionStore {
	store := &SessionStore{
		observable: observable[chatsync.Identity]{
			graph: graph,
			node: newNode(sessionStoreName, graph.logger, func(a, b chatsync.Identity) bool {
				return a == b
			}),
			errs: newErrorHub(sessionStoreName),
		},
	}
	store.node.onActivate = store.recompute
	store.node.onDeactivate = store.deactivate

	return store
}

// recompute derives the session from scratch. Inactive stores stay idle.
func (s *SessionStore) recompute() {
	if !s.node.active {
		return
	}
	s.generation++
	s.releaseHandle()

	client := s.graph.client
	if client == nil {
		s.node.set(chatsync.Identity{}, false)
		return
	}

	holder := client.AuthStore()
	record := holder.Record()
	identity, err := chatsync.ValidateIdentity(record)
	if err != nil {
		if record != nil {
			s.report(KindValidation, fmt.Errorf("derive session: %w", err))
		}
		s.node.set(chatsync.Identity{}, false)
		return
	}
	s.node.set(identity, true)

	generation := s.generation
	s.handle = s.graph.subscribe(subscriptionSpec{
		store:      sessionStoreName,
		collection: client.Collection(chatsync.UsersCollection),
		topic:      identity.ID,
		after:      s.released,
		onEvent: func(event chatsync.RecordEvent) {
			if s.generation == generation {
				s.apply(holder, event)
			}
		},
		onError: func(err error) {
			if s.generation == generation {
				s.report(KindSubscription, err)
			}
		},
	})
}

// apply handles one live event for the identity record.
func (s *SessionStore) apply(holder chatsync.TokenHolder, event chatsync.RecordEvent) {
	if err := event.Validate(); err != nil {
		s.report(KindValidation, fmt.Errorf("session event: %w", err))
		return
	}

	switch event.Action {
	case chatsync.ActionDelete:
		holder.Clear()
		s.invalidate()
	case chatsync.ActionCreate, chatsync.ActionUpdate:
		holder.Save(holder.Token(), event.Record.Clone())
		identity, err := chatsync.ValidateIdentity(holder.Record())
		if err != nil {
			s.report(KindValidation, fmt.Errorf("session event %s: %w", event.Action, err))
			s.invalidate()
			return
		}
		s.node.set(identity, true)
	}
}

// invalidate tears the session down to absent-state.
func (s *SessionStore) invalidate() {
	s.generation++
	s.releaseHandle()
	s.node.set(chatsync.Identity{}, false)
}

func (s *SessionStore) deactivate() {
	s.generation++
	s.releaseHandle()
	s.node.reset()
}

func (s *SessionStore) releaseHandle() {
	if s.handle == nil {
		return
	}
	s.released = s.graph.release(s.handle)
	s.handle = nil
}
