package chatsync

import (
	"context"
	"net/http"
)

// EventHandler receives live record events in delivery order.
//
// Handlers are invoked sequentially per subscription and must not block for
// long: the transport waits for a handler to return before delivering the
// next event.
type EventHandler func(event RecordEvent)

// UnsubscribeFunc releases one live subscription.
type UnsubscribeFunc func(ctx context.Context) error

// ListOptions narrows and orders a bulk list read.
type ListOptions struct {
	// Filter is a store filter expression such as `id = "a" || id = "b"`.
	Filter string
	// Sort is a comma separated field list; a leading '-' sorts descending.
	Sort string
}

// Collection exposes CRUD and live subscription access to one record collection.
type Collection interface {
	// Name returns the collection name.
	Name() string
	// FullList returns every record visible to the caller that matches opts.
	FullList(ctx context.Context, opts ListOptions) ([]Record, error)
	// GetOne returns one record by id or an error wrapping ErrNotFound.
	GetOne(ctx context.Context, id string) (Record, error)
	// Create inserts a record and returns the stored form.
	Create(ctx context.Context, data Record) (Record, error)
	// Update applies patch to one record and returns the stored form.
	Update(ctx context.Context, id string, patch Record) (Record, error)
	// Delete removes one record.
	Delete(ctx context.Context, id string) error
	// Subscribe opens a live subscription on one record id or TopicAll.
	//
	// It returns once the store has acknowledged the subscription. The returned
	// function must be called exactly once to release it.
	Subscribe(ctx context.Context, topic string, handler EventHandler) (UnsubscribeFunc, error)
}

// CookieOptions controls how a token holder is exported as a cookie.
type CookieOptions struct {
	// Name overrides the cookie name; empty uses the holder default.
	Name     string
	Path     string
	SameSite http.SameSite
	Secure   bool
	HTTPOnly bool
}

// TokenHolder keeps the current bearer token and its decoded identity record.
type TokenHolder interface {
	// Token returns the raw bearer token, or an empty string.
	Token() string
	// Record returns a copy of the decoded identity record, or nil.
	Record() Record
	// IsValid reports whether a token is held and has not expired.
	IsValid() bool
	// Save replaces the held token and record.
	Save(token string, record Record)
	// Clear drops the held token and record.
	Clear()
	// LoadFromCookie replaces the holder state from a Cookie request header.
	LoadFromCookie(header string) error
	// ExportToCookie renders the holder state as a Set-Cookie header value.
	ExportToCookie(opts CookieOptions) string
}

// Client is one authenticated view of a record store.
type Client interface {
	// AuthStore returns the token holder used for every request of this client.
	AuthStore() TokenHolder
	// Collection returns access to one named collection.
	Collection(name string) Collection
	// AuthRefresh exchanges the held token for a fresh one and stores the result.
	AuthRefresh(ctx context.Context) error
}
