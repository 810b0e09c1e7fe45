package chatsync

import "errors"

var (
	// ErrInvalidIdentity indicates that a record does not have the shape of an identity.
	ErrInvalidIdentity = errors.New("chatsync: invalid identity")
	// ErrInvalidRecord indicates that a record or live event payload is malformed.
	ErrInvalidRecord = errors.New("chatsync: invalid record")
	// ErrInvalidQuery indicates that a list filter or sort expression cannot be evaluated.
	ErrInvalidQuery = errors.New("chatsync: invalid query")
	// ErrNetwork indicates that a record-store round trip failed in transport.
	ErrNetwork = errors.New("chatsync: network failure")
	// ErrSubscription indicates that a live subscription could not be opened or was dropped.
	ErrSubscription = errors.New("chatsync: subscription failure")
	// ErrNotFound indicates that the record store has no visible record for a lookup.
	ErrNotFound = errors.New("chatsync: record not found")
	// ErrUnauthorized indicates that the record store rejected the bearer token.
	ErrUnauthorized = errors.New("chatsync: unauthorized")
	// ErrClosed indicates that a graph, store, or connection is no longer running.
	ErrClosed = errors.New("chatsync: closed")
)
