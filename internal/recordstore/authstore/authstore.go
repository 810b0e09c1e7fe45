// Package authstore implements the cookie-backed token holder shared by the
// record-store clients.
package authstore

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"chatsync/pkg/chatsync"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultCookieName is the cookie carrying the exported holder state.
const DefaultCookieName = "pb_auth"

// maxCookieSize is the largest Set-Cookie value browsers reliably keep.
const maxCookieSize = 4096

// cookiePayload is the JSON document stored in the cookie value.
type cookiePayload struct {
	Token string          `json:"token"`
	Model chatsync.Record `json:"model"`
}

// Store is a concurrency-safe chatsync.TokenHolder.
type Store struct {
	mu     sync.RWMutex
	token  string
	record chatsync.Record
	now    func() time.Time
}

// Option mutates store construction.
type Option func(*Store)

// WithClock replaces the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(store *Store) {
		if now != nil {
			store.now = now
		}
	}
}

// New returns an empty holder.
func New(opts ...Option) *Store {
	store := &Store{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	return store
}

// Token returns the raw bearer token.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.token
}

// Record returns a copy of the decoded identity record.
func (s *Store) Record() chatsync.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.record.Clone()
}

// IsValid reports whether a token is held and its exp claim, if any, is in the future.
func (s *Store) IsValid() bool {
	token := s.Token()
	if token == "" {
		return false
	}

	expiresAt, err := ExpiresAt(token)
	if err != nil {
		return false
	}
	if expiresAt.IsZero() {
		return true
	}

	return expiresAt.After(s.now())
}

// Save replaces the held token and record.
func (s *Store) Save(token string, record chatsync.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = token
	s.record = record.Clone()
}

// Clear drops the held state.
func (s *Store) Clear() {
	s.Save("", nil)
}

// LoadFromCookie replaces the holder state from a Cookie request header.
//
// A missing cookie clears the holder. A cookie that cannot be decoded also
// clears the holder and reports why.
func (s *Store) LoadFromCookie(header string) error {
	return s.LoadFromNamedCookie(header, DefaultCookieName)
}

// LoadFromNamedCookie is LoadFromCookie for a cookie other than DefaultCookieName.
func (s *Store) LoadFromNamedCookie(header string, name string) error {
	cookies, err := http.ParseCookie(header)
	if err != nil && header != "" {
		s.Clear()
		return fmt.Errorf("load auth cookie: %w", err)
	}

	var raw string
	found := false
	for _, cookie := range cookies {
		if cookie.Name == name {
			raw = cookie.Value
			found = true
		}
	}
	if !found || raw == "" {
		s.Clear()
		return nil
	}

	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		s.Clear()
		return fmt.Errorf("load auth cookie %s: unescape: %w", name, err)
	}

	var payload cookiePayload
	if err := json.Unmarshal([]byte(decoded), &payload); err != nil {
		s.Clear()
		return fmt.Errorf("load auth cookie %s: %w", name, err)
	}
	s.Save(payload.Token, payload.Model)

	return nil
}

// ExportToCookie renders the holder state as a Set-Cookie header value.
//
// A cleared holder exports an expiring cookie. A holder whose full record
// would overflow the cookie size limit exports only id, email and name.
func (s *Store) ExportToCookie(opts chatsync.CookieOptions) string {
	s.mu.RLock()
	payload := cookiePayload{Token: s.token, Model: s.record.Clone()}
	s.mu.RUnlock()

	cookie := &http.Cookie{
		Name:     opts.Name,
		Path:     opts.Path,
		SameSite: opts.SameSite,
		Secure:   opts.Secure,
		HttpOnly: opts.HTTPOnly,
	}
	if cookie.Name == "" {
		cookie.Name = DefaultCookieName
	}
	if cookie.Path == "" {
		cookie.Path = "/"
	}

	if payload.Token == "" {
		cookie.MaxAge = -1
		return cookie.String()
	}
	if expiresAt, err := ExpiresAt(payload.Token); err == nil && !expiresAt.IsZero() {
		cookie.Expires = expiresAt
	}

	cookie.Value = encodePayload(payload)
	if rendered := cookie.String(); len(rendered) <= maxCookieSize {
		return rendered
	}

	payload.Model = reduceModel(payload.Model)
	cookie.Value = encodePayload(payload)

	return cookie.String()
}

func encodePayload(payload cookiePayload) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw, _ = json.Marshal(cookiePayload{Token: payload.Token, Model: reduceModel(payload.Model)})
	}

	return url.QueryEscape(string(raw))
}

func reduceModel(record chatsync.Record) chatsync.Record {
	if record == nil {
		return nil
	}
	reduced := make(chatsync.Record, 3)
	for _, key := range []string{"id", "email", "name"} {
		if value, ok := record[key]; ok {
			reduced[key] = value
		}
	}

	return reduced
}

// ExpiresAt returns the exp claim of token without verifying its signature.
// A token without exp yields the zero time.
func ExpiresAt(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}

	expiresAt, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("parse token exp: %w", err)
	}
	if expiresAt == nil {
		return time.Time{}, nil
	}

	return expiresAt.Time, nil
}

var _ chatsync.TokenHolder = (*Store)(nil)
