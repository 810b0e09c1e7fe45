package derived

import (
	"context"
	"fmt"
	"slices"

	"chatsync/pkg/chatsync"
)

const conversationsStoreName = "conversations"

// phase tracks the shared store state machine.
type phase int

const (
	phaseUninitialized phase = iota
	phaseSubscribedEmpty
	phaseSubscribedPopulated
	phaseTornDown
)

func (p phase) String() string {
	switch p {
	case phaseUninitialized:
		return "uninitialized"
	case phaseSubscribedEmpty:
		return "subscribed-empty"
	case phaseSubscribedPopulated:
		return "subscribed-populated"
	case phaseTornDown:
		return "torn-down"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ConversationCache keeps the ordered list of conversations visible to the
// current session.
//
// Entering a session issues one bulk read sorted newest first and, at the
// same time, opens a collection-wide subscription. Live events apply in
// arrival order: create prepends, delete removes, update replaces in place
// and never inserts. The list is absent until the bulk read lands.
type ConversationCache struct {
	observable[[]chatsync.Conversation]

	phase      phase
	sessionID  string
	client     chatsync.Client
	generation uint64
	items      []chatsync.Conversation
	handle     *subscriptionHandle
	released   <-chan struct{}

	sessionObserver uint64
}

func newConversationCache(graph *Graph) *ConversationCache {
	cache := &ConversationCache{
		observable: observable[[]chatsync.Conversation]{
			graph: graph,
			node:  newNode[[]chatsync.Conversation](conversationsStoreName, graph.logger, nil),
			errs:  newErrorHub(conversationsStoreName),
		},
	}
	cache.node.onActivate = cache.activate
	cache.node.onDeactivate = cache.deactivate

	return cache
}

func (c *ConversationCache) activate() {
	c.sessionObserver, _ = c.graph.session.node.observe(c.onSession)
}

func (c *ConversationCache) deactivate() {
	c.graph.session.node.unobserve(c.sessionObserver)
	c.teardown()
	c.phase = phaseUninitialized
	c.sessionID = ""
	c.client = nil
	c.node.reset()
}

// onSession re-enters on a new identity id, or on any session emission when
// the previous entry was torn down by a failed bulk read.
func (c *ConversationCache) onSession(snapshot Snapshot[chatsync.Identity]) {
	if !snapshot.Present {
		c.teardown()
		c.phase = phaseUninitialized
		c.sessionID = ""
		c.client = nil
		return
	}

	if snapshot.Value.ID == c.sessionID && (c.phase == phaseSubscribedEmpty || c.phase == phaseSubscribedPopulated) {
		return
	}
	c.enter(snapshot.Value.ID)
}

// rebind re-enters when the graph client changed under an unchanged session.
func (c *ConversationCache) rebind() {
	if !c.node.active || c.phase == phaseUninitialized || c.client == c.graph.client {
		return
	}
	session := c.graph.session.node.current
	if session.Present {
		c.enter(session.Value.ID)
	}
}

// retry re-enters after a failed bulk read when a session is still present.
func (c *ConversationCache) retry() {
	if !c.node.active || c.phase != phaseTornDown {
		return
	}
	session := c.graph.session.node.current
	if session.Present {
		c.enter(session.Value.ID)
	}
}

func (c *ConversationCache) enter(sessionID string) {
	c.teardown()

	collection := c.graph.collection(chatsync.ConversationsCollection)
	if collection == nil {
		return
	}

	c.generation++
	generation := c.generation
	c.sessionID = sessionID
	c.client = c.graph.client
	c.phase = phaseSubscribedEmpty

	c.handle = c.graph.subscribe(subscriptionSpec{
		store:      conversationsStoreName,
		collection: collection,
		topic:      chatsync.TopicAll,
		after:      c.released,
		onEvent: func(event chatsync.RecordEvent) {
			if c.generation == generation {
				c.apply(event)
			}
		},
		onError: func(err error) {
			if c.generation == generation {
				c.report(KindSubscription, err)
			}
		},
	})

	fetchTimeout := c.graph.cfg.fetchTimeout
	c.graph.goTask(func(ctx context.Context) {
		fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		defer cancel()

		records, err := collection.FullList(fetchCtx, chatsync.ListOptions{Sort: "-created"})
		_ = c.graph.post(func() {
			if c.generation != generation {
				return
			}
			c.seed(records, err)
		})
	})
}

// seed replaces the local list with the bulk read result.
func (c *ConversationCache) seed(records []chatsync.Record, err error) {
	if err != nil {
		c.report(KindNetwork, fmt.Errorf("list conversations: %w", err))
		c.teardown()
		c.phase = phaseTornDown
		return
	}

	items := make([]chatsync.Conversation, 0, len(records))
	for _, record := range records {
		conversation, decodeErr := chatsync.DecodeConversation(record)
		if decodeErr != nil {
			c.report(KindValidation, decodeErr)
			continue
		}
		if slices.ContainsFunc(items, func(existing chatsync.Conversation) bool {
			return existing.ID == conversation.ID
		}) {
			continue
		}
		items = append(items, conversation)
	}

	c.phase = phaseSubscribedPopulated
	c.emit(items)
}

// apply handles one live event in arrival order.
func (c *ConversationCache) apply(event chatsync.RecordEvent) {
	if c.phase != phaseSubscribedPopulated {
		// The pending bulk read is authoritative for everything before it.
		return
	}
	if err := event.Validate(); err != nil {
		c.report(KindValidation, fmt.Errorf("conversation event: %w", err))
		return
	}

	id := event.Record.ID()
	index := slices.IndexFunc(c.items, func(conversation chatsync.Conversation) bool {
		return conversation.ID == id
	})

	switch event.Action {
	case chatsync.ActionDelete:
		if index < 0 {
			return
		}
		c.emit(slices.Delete(slices.Clone(c.items), index, index+1))
	case chatsync.ActionCreate:
		conversation, err := chatsync.DecodeConversation(event.Record)
		if err != nil {
			c.report(KindValidation, fmt.Errorf("conversation event create: %w", err))
			return
		}
		next := make([]chatsync.Conversation, 0, len(c.items)+1)
		next = append(next, conversation)
		for _, existing := range c.items {
			if existing.ID != id {
				next = append(next, existing)
			}
		}
		c.emit(next)
	case chatsync.ActionUpdate:
		if index < 0 {
			return
		}
		conversation, err := chatsync.DecodeConversation(event.Record)
		if err != nil {
			c.report(KindValidation, fmt.Errorf("conversation event update: %w", err))
			return
		}
		if c.items[index].Equal(conversation) {
			return
		}
		next := slices.Clone(c.items)
		next[index] = conversation
		c.emit(next)
	}
}

// emit publishes items. Every emitted slice is fresh; observers may keep it.
func (c *ConversationCache) emit(items []chatsync.Conversation) {
	c.items = items
	c.node.set(slices.Clone(items), true)
}

// teardown releases the subscription and drops the list to absent-state.
func (c *ConversationCache) teardown() {
	c.generation++
	if c.handle != nil {
		c.released = c.graph.release(c.handle)
		c.handle = nil
	}
	c.items = nil
	c.node.set(nil, false)
}
