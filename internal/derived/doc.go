// Package derived keeps client-side caches consistent with a live record store.
//
// A Graph owns three derived stores wired as a directed acyclic graph:
//
//	SessionStore -> ConversationCache -> UserDirectory
//
// Every store mutation (upstream notification, live event, network result)
// runs on the graph's single event loop goroutine. Network calls run in
// tracked task goroutines and post their results back tagged with the
// generation that issued them, so results that arrive after a recomputation
// are discarded instead of applied.
//
// Stores activate lazily: a store acquires its live subscription when it
// gains its first observer (a caller of Observe or a downstream store) and
// releases it when the last observer leaves.
package derived
