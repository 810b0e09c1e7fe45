package derived

import (
	"errors"
	"fmt"

	"chatsync/pkg/chatsync"
)

// ErrorKind classifies failures absorbed at a store boundary.
type ErrorKind string

const (
	// KindValidation marks malformed identities and event payloads.
	KindValidation ErrorKind = "validation"
	// KindNetwork marks failed bulk reads and batched lookups.
	KindNetwork ErrorKind = "network"
	// KindSubscription marks live subscriptions that could not be opened.
	KindSubscription ErrorKind = "subscription"
)

// sentinel returns the chatsync error every error of this kind wraps.
func (k ErrorKind) sentinel() error {
	switch k {
	case KindValidation:
		return chatsync.ErrInvalidRecord
	case KindNetwork:
		return chatsync.ErrNetwork
	case KindSubscription:
		return chatsync.ErrSubscription
	default:
		return nil
	}
}

// StoreError is one failure absorbed by a store and published on its error channel.
//
// Value observers never see it; the store keeps emitting absent-state or its
// last good value instead.
type StoreError struct {
	// Store names the store that absorbed the failure.
	Store string
	// Kind classifies the failure.
	Kind ErrorKind
	// Err is the underlying failure; it wraps the sentinel matching Kind.
	Err error
}

// Error implements error.
func (e StoreError) Error() string {
	return fmt.Sprintf("%s %s error: %v", e.Store, e.Kind, e.Err)
}

// Unwrap returns the underlying failure.
func (e StoreError) Unwrap() error {
	return e.Err
}

func newStoreError(store string, kind ErrorKind, err error) StoreError {
	sentinel := kind.sentinel()
	switch {
	case err == nil:
		err = sentinel
	case sentinel != nil && !errors.Is(err, sentinel) && !errors.Is(err, chatsync.ErrInvalidIdentity):
		err = fmt.Errorf("%w: %w", sentinel, err)
	}

	return StoreError{Store: store, Kind: kind, Err: err}
}
