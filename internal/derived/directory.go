package derived

import (
	"context"
	"fmt"
	"maps"

	"chatsync/pkg/chatsync"
)

const directoryStoreName = "directory"

// UserDirectory maps user ids to directory entries for every member of the
// cached conversations.
//
// The mapping is scoped to one session: it is created empty when a session
// identity appears and discarded when it disappears or changes. Within a
// scope it only grows. Each recomputation issues at most one batched users
// lookup for the ids that are neither known nor already being fetched.
type UserDirectory struct {
	observable[map[string]chatsync.DirectoryEntry]

	epoch uint64
	scope *directoryScope

	sessionObserver      uint64
	conversationObserver uint64
}

// directoryScope is the per-session cache state.
type directoryScope struct {
	epoch     uint64
	sessionID string
	entries   map[string]chatsync.DirectoryEntry
	inFlight  map[string]struct{}
}

func newUserDirectory(graph *Graph) *UserDirectory {
	directory := &UserDirectory{
		observable: observable[map[string]chatsync.DirectoryEntry]{
			graph: graph,
			node:  newNode[map[string]chatsync.DirectoryEntry](directoryStoreName, graph.logger, nil),
			errs:  newErrorHub(directoryStoreName),
		},
	}
	directory.node.onActivate = directory.activate
	directory.node.onDeactivate = directory.deactivate

	return directory
}

func (d *UserDirectory) activate() {
	d.sessionObserver, _ = d.graph.session.node.observe(d.onSession)
	d.conversationObserver, _ = d.graph.conversations.node.observe(d.onConversations)
}

func (d *UserDirectory) deactivate() {
	d.graph.conversations.node.unobserve(d.conversationObserver)
	d.graph.session.node.unobserve(d.sessionObserver)
	d.dispose()
	d.node.reset()
}

func (d *UserDirectory) onSession(snapshot Snapshot[chatsync.Identity]) {
	if !snapshot.Present {
		d.dispose()
		return
	}
	if d.scope != nil && d.scope.sessionID == snapshot.Value.ID {
		d.recompute()
		return
	}

	d.dispose()
	d.epoch++
	d.scope = &directoryScope{
		epoch:     d.epoch,
		sessionID: snapshot.Value.ID,
		entries:   make(map[string]chatsync.DirectoryEntry),
		inFlight:  make(map[string]struct{}),
	}
	d.node.set(map[string]chatsync.DirectoryEntry{}, true)
	d.recompute()
}

func (d *UserDirectory) onConversations(Snapshot[[]chatsync.Conversation]) {
	d.recompute()
}

// dispose discards the session scope; late lookup results no longer match it.
func (d *UserDirectory) dispose() {
	if d.scope == nil {
		return
	}
	d.scope = nil
	d.epoch++
	d.node.set(nil, false)
}

// recompute issues one batched lookup for the missing member ids.
func (d *UserDirectory) recompute() {
	scope := d.scope
	if scope == nil {
		return
	}
	conversations := d.graph.conversations
	snapshot := conversations.node.current
	if !snapshot.Present || conversations.sessionID != scope.sessionID {
		return
	}

	required := make([]string, 0)
	for _, id := range RequiredUserIDs(snapshot.Value, scope.sessionID, scope.entries) {
		if _, fetching := scope.inFlight[id]; !fetching {
			required = append(required, id)
		}
	}
	if len(required) == 0 {
		return
	}

	collection := d.graph.collection(chatsync.UsersCollection)
	if collection == nil {
		return
	}
	for _, id := range required {
		scope.inFlight[id] = struct{}{}
	}

	epoch := scope.epoch
	fetchTimeout := d.graph.cfg.fetchTimeout
	filter := chatsync.BuildIDFilter(required)
	d.graph.goTask(func(ctx context.Context) {
		fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		defer cancel()

		records, err := collection.FullList(fetchCtx, chatsync.ListOptions{Filter: filter})
		_ = d.graph.post(func() {
			d.merge(epoch, required, records, err)
		})
	})
}

// merge applies one lookup result if its scope is still current.
func (d *UserDirectory) merge(epoch uint64, requested []string, records []chatsync.Record, err error) {
	scope := d.scope
	if scope == nil || scope.epoch != epoch {
		return
	}
	for _, id := range requested {
		delete(scope.inFlight, id)
	}
	if err != nil {
		d.report(KindNetwork, fmt.Errorf("lookup %d users: %w", len(requested), err))
		return
	}

	next := maps.Clone(scope.entries)
	changed := false
	for _, record := range records {
		entry, validateErr := chatsync.ValidateIdentity(record)
		if validateErr != nil {
			d.report(KindValidation, fmt.Errorf("lookup users: %w", validateErr))
			continue
		}
		if existing, ok := next[entry.ID]; ok && existing == entry {
			continue
		}
		next[entry.ID] = entry
		changed = true
	}
	if !changed {
		return
	}

	scope.entries = next
	d.node.set(maps.Clone(next), true)
}

// RequiredUserIDs returns the member ids of conversations that are neither
// sessionID nor keys of cached, in order of first appearance.
func RequiredUserIDs(
	conversations []chatsync.Conversation,
	sessionID string,
	cached map[string]chatsync.DirectoryEntry,
) []string {
	seen := make(map[string]struct{})
	required := make([]string, 0)
	for _, conversation := range conversations {
		for _, member := range conversation.Members {
			if member == "" || member == sessionID {
				continue
			}
			if _, ok := cached[member]; ok {
				continue
			}
			if _, ok := seen[member]; ok {
				continue
			}
			seen[member] = struct{}{}
			required = append(required, member)
		}
	}

	return required
}
