// Package memory is an in-process record store with view rules, filters,
// live subscriptions and token-based authentication.
//
// It backs the demo command, the served record-store API and tests.
package memory

import (
	"cmp"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatsync/pkg/chatsync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

const (
	defaultTokenTTL         = 14 * 24 * time.Hour
	defaultSubscriberBuffer = 256
)

// Operation names one collection call for failure injection.
type Operation string

const (
	OpList        Operation = "list"
	OpGetOne      Operation = "get_one"
	OpCreate      Operation = "create"
	OpUpdate      Operation = "update"
	OpDelete      Operation = "delete"
	OpSubscribe   Operation = "subscribe"
	OpAuthRefresh Operation = "auth_refresh"
)

// ViewRule reports whether the caller authenticated as authID may see record.
// authID is empty for anonymous callers.
type ViewRule func(authID string, record chatsync.Record) bool

// AuthenticatedRule lets any authenticated caller see every record.
func AuthenticatedRule(authID string, _ chatsync.Record) bool {
	return authID != ""
}

// MembersRule lets a caller see records whose members list contains them.
func MembersRule(authID string, record chatsync.Record) bool {
	if authID == "" {
		return false
	}
	members, ok := record.StringSlice("members", false)

	return ok && slices.Contains(members, authID)
}

type config struct {
	secret           []byte
	tokenTTL         time.Duration
	subscriberBuffer int
	now              func() time.Time
	logger           *slog.Logger
	rules            map[string]ViewRule
}

// Option mutates server construction.
type Option func(*config)

// WithSecret sets the HMAC key used to sign tokens.
func WithSecret(secret []byte) Option {
	return func(cfg *config) {
		if len(secret) > 0 {
			cfg.secret = append([]byte(nil), secret...)
		}
	}
}

// WithTokenTTL sets the lifetime of issued tokens.
func WithTokenTTL(ttl time.Duration) Option {
	return func(cfg *config) {
		if ttl > 0 {
			cfg.tokenTTL = ttl
		}
	}
}

// WithSubscriberBuffer sets the per-subscription queue depth.
func WithSubscriberBuffer(size int) Option {
	return func(cfg *config) {
		if size > 0 {
			cfg.subscriberBuffer = size
		}
	}
}

// WithClock replaces the time source for record timestamps and tokens.
func WithClock(now func() time.Time) Option {
	return func(cfg *config) {
		if now != nil {
			cfg.now = now
		}
	}
}

// WithLogger configures the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithViewRule replaces the view rule of one collection.
func WithViewRule(collection string, rule ViewRule) Option {
	return func(cfg *config) {
		if rule != nil {
			cfg.rules[collection] = rule
		}
	}
}

type collectionState struct {
	records map[string]chatsync.Record
	order   []string
}

// Server holds every collection and fans out changes to subscribers.
type Server struct {
	cfg config

	// publishMu orders commits and their fan-out.
	publishMu sync.Mutex
	mu        sync.RWMutex
	data      map[string]*collectionState
	failures  map[failureKey][]error

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy

	hub *hub
}

type failureKey struct {
	collection string
	op         Operation
}

// NewServer builds an empty store. The users collection defaults to
// AuthenticatedRule and conversations to MembersRule.
func NewServer(opts ...Option) *Server {
	cfg := config{
		tokenTTL:         defaultTokenTTL,
		subscriberBuffer: defaultSubscriberBuffer,
		now:              time.Now,
		logger:           slog.Default(),
		rules: map[string]ViewRule{
			chatsync.UsersCollection:         AuthenticatedRule,
			chatsync.ConversationsCollection: MembersRule,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if len(cfg.secret) == 0 {
		cfg.secret = make([]byte, 32)
		_, _ = rand.Read(cfg.secret)
	}

	return &Server{
		cfg:      cfg,
		data:     make(map[string]*collectionState),
		failures: make(map[failureKey][]error),
		entropy:  ulid.Monotonic(rand.Reader, 0),
		hub:      newHub(cfg.subscriberBuffer, cfg.logger),
	}
}

// Close stops every live subscription.
func (s *Server) Close(ctx context.Context) error {
	if err := s.hub.close(ctx); err != nil {
		return fmt.Errorf("close memory server: %w", err)
	}

	return nil
}

// FailNext makes the next op on collection return err instead of running.
// Calls queue up; each injected error is consumed once.
func (s *Server) FailNext(collection string, op Operation, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := failureKey{collection: collection, op: op}
	s.failures[key] = append(s.failures[key], err)
}

// Subscribers returns the live subscription count on collection, optionally
// narrowed to one topic.
func (s *Server) Subscribers(collection string, topic string) int {
	return s.hub.count(collection, topic)
}

// Seed stores records without view or write checks and publishes create events.
func (s *Server) Seed(ctx context.Context, collection string, records ...chatsync.Record) ([]chatsync.Record, error) {
	stored := make([]chatsync.Record, 0, len(records))
	for _, record := range records {
		created, err := s.create(ctx, collection, record)
		if err != nil {
			return nil, fmt.Errorf("seed %s: %w", collection, err)
		}
		stored = append(stored, created)
	}

	return stored, nil
}

// IssueToken signs a token for an existing users record.
func (s *Server) IssueToken(userID string) (string, chatsync.Record, error) {
	s.mu.RLock()
	user, ok := s.lookup(chatsync.UsersCollection, userID)
	s.mu.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("issue token for %s: %w", userID, chatsync.ErrNotFound)
	}

	now := s.cfg.now()
	claims := jwt.MapClaims{
		"id":           userID,
		"type":         "authRecord",
		"collectionId": chatsync.UsersCollection,
		"iat":          now.Unix(),
		"exp":          now.Add(s.cfg.tokenTTL).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.secret)
	if err != nil {
		return "", nil, fmt.Errorf("issue token for %s: %w", userID, err)
	}

	return token, user, nil
}

// VerifyToken checks signature and expiry and returns the authenticated user id.
func (s *Server) VerifyToken(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("verify token: %w: empty token", chatsync.ErrUnauthorized)
	}

	claims := jwt.MapClaims{}
	_, err := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.cfg.now),
		jwt.WithExpirationRequired(),
	).ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.cfg.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("verify token: %w: %w", chatsync.ErrUnauthorized, err)
	}

	userID, _ := claims["id"].(string)
	if userID == "" {
		return "", fmt.Errorf("verify token: %w: missing id claim", chatsync.ErrUnauthorized)
	}
	s.mu.RLock()
	_, exists := s.lookup(chatsync.UsersCollection, userID)
	s.mu.RUnlock()
	if !exists {
		return "", fmt.Errorf("verify token: %w: user %s no longer exists", chatsync.ErrUnauthorized, userID)
	}

	return userID, nil
}

// takeFailure pops one injected error. Callers hold no lock.
func (s *Server) takeFailure(collection string, op Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := failureKey{collection: collection, op: op}
	queued := s.failures[key]
	if len(queued) == 0 {
		return nil
	}
	s.failures[key] = queued[1:]

	return queued[0]
}

func (s *Server) visible(collection string, authID string, record chatsync.Record) bool {
	rule, ok := s.cfg.rules[collection]
	if !ok {
		return AuthenticatedRule(authID, record)
	}

	return rule(authID, record)
}

// lookup returns a stored record. Callers hold mu.
func (s *Server) lookup(collection string, id string) (chatsync.Record, bool) {
	state, ok := s.data[collection]
	if !ok {
		return nil, false
	}
	record, ok := state.records[id]
	if !ok {
		return nil, false
	}

	return record.Clone(), true
}

func (s *Server) newID() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()

	return strings.ToLower(ulid.MustNew(ulid.Timestamp(s.cfg.now()), s.entropy).String())
}

func (s *Server) list(collection string, authID string, opts chatsync.ListOptions) ([]chatsync.Record, error) {
	match, err := parseFilter(opts.Filter)
	if err != nil {
		return nil, err
	}
	orderings, err := parseSort(opts.Sort)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	state := s.data[collection]
	records := make([]chatsync.Record, 0)
	if state != nil {
		for _, id := range state.order {
			record := state.records[id]
			if s.visible(collection, authID, record) && match(record) {
				records = append(records, record.Clone())
			}
		}
	}
	s.mu.RUnlock()

	if len(orderings) > 0 {
		slices.SortStableFunc(records, func(a, b chatsync.Record) int {
			for _, ordering := range orderings {
				if result := compareField(a[ordering.field], b[ordering.field]); result != 0 {
					if ordering.descending {
						return -result
					}
					return result
				}
			}
			return 0
		})
	}

	return records, nil
}

func (s *Server) getOne(collection string, authID string, id string) (chatsync.Record, error) {
	s.mu.RLock()
	record, ok := s.lookup(collection, id)
	s.mu.RUnlock()
	if !ok || !s.visible(collection, authID, record) {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, chatsync.ErrNotFound)
	}

	return record, nil
}

func (s *Server) create(ctx context.Context, collection string, data chatsync.Record) (chatsync.Record, error) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	record := data.Clone()
	if record == nil {
		record = chatsync.Record{}
	}
	id := record.ID()
	if id == "" {
		id = s.newID()
	}
	stamp := chatsync.FormatTimestamp(s.cfg.now())
	record["id"] = id
	if _, ok := record.String("created"); !ok {
		record["created"] = stamp
	}
	record["updated"] = stamp

	s.mu.Lock()
	state, ok := s.data[collection]
	if !ok {
		state = &collectionState{records: make(map[string]chatsync.Record)}
		s.data[collection] = state
	}
	if _, exists := state.records[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("create %s/%s: %w: duplicate id", collection, id, chatsync.ErrInvalidRecord)
	}
	state.records[id] = record
	state.order = append(state.order, id)
	s.mu.Unlock()

	s.fanOut(ctx, collection, chatsync.ActionCreate, record)

	return record.Clone(), nil
}

func (s *Server) update(
	ctx context.Context,
	collection string,
	authID string,
	id string,
	patch chatsync.Record,
) (chatsync.Record, error) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	existing, ok := s.lookup(collection, id)
	if !ok || !s.visible(collection, authID, existing) {
		s.mu.Unlock()
		return nil, fmt.Errorf("update %s/%s: %w", collection, id, chatsync.ErrNotFound)
	}
	record := existing.Merge(patch)
	record["id"] = id
	record["created"] = existing["created"]
	record["updated"] = chatsync.FormatTimestamp(s.cfg.now())
	s.data[collection].records[id] = record
	s.mu.Unlock()

	s.fanOut(ctx, collection, chatsync.ActionUpdate, record)

	return record.Clone(), nil
}

func (s *Server) delete(ctx context.Context, collection string, authID string, id string) error {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	existing, ok := s.lookup(collection, id)
	if !ok || !s.visible(collection, authID, existing) {
		s.mu.Unlock()
		return fmt.Errorf("delete %s/%s: %w", collection, id, chatsync.ErrNotFound)
	}
	state := s.data[collection]
	delete(state.records, id)
	state.order = slices.DeleteFunc(state.order, func(candidate string) bool {
		return candidate == id
	})
	s.mu.Unlock()

	s.fanOut(ctx, collection, chatsync.ActionDelete, existing)

	return nil
}

// fanOut publishes one committed change. The record is evaluated against
// each subscriber's view rule as it is after the change (before it, for deletes).
func (s *Server) fanOut(ctx context.Context, collection string, action chatsync.Action, record chatsync.Record) {
	snapshot := record.Clone()
	err := s.hub.publish(ctx, delivery{
		collection: collection,
		event:      chatsync.RecordEvent{Action: action, Record: snapshot},
		visible: func(authID string) bool {
			return s.visible(collection, authID, snapshot)
		},
	})
	if err != nil && !errors.Is(err, chatsync.ErrClosed) {
		s.cfg.logger.WarnContext(ctx, "memory publish failed",
			"collection", collection,
			"action", string(action),
			"error", err,
		)
	}
}

type ordering struct {
	field      string
	descending bool
}

func parseSort(raw string) ([]ordering, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	orderings := make([]ordering, 0)
	for _, part := range strings.Split(raw, ",") {
		field := strings.TrimSpace(part)
		descending := false
		switch {
		case strings.HasPrefix(field, "-"):
			descending = true
			field = field[1:]
		case strings.HasPrefix(field, "+"):
			field = field[1:]
		}
		if field == "" {
			return nil, fmt.Errorf("%w: empty sort field in %q", ErrInvalidFilter, raw)
		}
		orderings = append(orderings, ordering{field: field, descending: descending})
	}

	return orderings, nil
}

func compareField(a any, b any) int {
	aNumber, aIsNumber := a.(float64)
	bNumber, bIsNumber := b.(float64)
	if aIsNumber && bIsNumber {
		return cmp.Compare(aNumber, bNumber)
	}

	return cmp.Compare(fieldString(a), fieldString(b))
}

func fieldString(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	default:
		return fmt.Sprint(typed)
	}
}
