package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"chatsync/pkg/chatsync"

	"github.com/gorilla/websocket"
)

// Resolver returns the store client that serves requests carrying token.
// An empty token asks for an anonymous client.
type Resolver func(token string) (chatsync.Client, error)

type handlerConfig struct {
	logger      *slog.Logger
	checkOrigin func(*http.Request) bool
	opTimeout   time.Duration
}

// HandlerOption mutates NewHandler construction.
type HandlerOption func(*handlerConfig)

// WithHandlerLogger configures the handler logger.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(cfg *handlerConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithCheckOrigin overrides the websocket origin check.
func WithCheckOrigin(check func(*http.Request) bool) HandlerOption {
	return func(cfg *handlerConfig) {
		if check != nil {
			cfg.checkOrigin = check
		}
	}
}

// WithOperationTimeout bounds each subscribe and unsubscribe on the realtime channel.
func WithOperationTimeout(timeout time.Duration) HandlerOption {
	return func(cfg *handlerConfig) {
		if timeout > 0 {
			cfg.opTimeout = timeout
		}
	}
}

// NewHandler exposes a record store over the REST and realtime protocol that
// Client speaks.
func NewHandler(resolve Resolver, opts ...HandlerOption) http.Handler {
	cfg := handlerConfig{
		logger:    slog.Default(),
		opTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	h := &handler{
		resolve: resolve,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.checkOrigin,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+collectionsPath+"{collection}/records", h.list)
	mux.HandleFunc("GET "+collectionsPath+"{collection}/records/{id}", h.getOne)
	mux.HandleFunc("POST "+collectionsPath+"{collection}/records", h.create)
	mux.HandleFunc("PATCH "+collectionsPath+"{collection}/records/{id}", h.update)
	mux.HandleFunc("DELETE "+collectionsPath+"{collection}/records/{id}", h.delete)
	mux.HandleFunc("POST "+authRefreshPath, h.authRefresh)
	mux.HandleFunc("GET "+realtimePath, h.realtime)

	return mux
}

type handler struct {
	resolve  Resolver
	cfg      handlerConfig
	upgrader websocket.Upgrader
}

func (h *handler) client(w http.ResponseWriter, r *http.Request) (chatsync.Client, bool) {
	client, err := h.resolve(r.Header.Get("Authorization"))
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}

	return client, true
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	client, ok := h.client(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	page := positiveInt(query.Get("page"), 1)
	perPage := min(positiveInt(query.Get("perPage"), defaultPageSize), maxPageSize)

	records, err := client.Collection(r.PathValue("collection")).FullList(r.Context(), chatsync.ListOptions{
		Filter: query.Get("filter"),
		Sort:   query.Get("sort"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	totalPages := (len(records) + perPage - 1) / perPage
	start := min((page-1)*perPage, len(records))
	end := min(start+perPage, len(records))

	h.writeJSON(w, http.StatusOK, listPage{
		Page:       page,
		PerPage:    perPage,
		TotalItems: len(records),
		TotalPages: totalPages,
		Items:      records[start:end],
	})
}

func (h *handler) getOne(w http.ResponseWriter, r *http.Request) {
	client, ok := h.client(w, r)
	if !ok {
		return
	}

	record, err := client.Collection(r.PathValue("collection")).GetOne(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

func (h *handler) create(w http.ResponseWriter, r *http.Request) {
	client, ok := h.client(w, r)
	if !ok {
		return
	}
	body, ok := h.decodeRecord(w, r)
	if !ok {
		return
	}

	record, err := client.Collection(r.PathValue("collection")).Create(r.Context(), body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

func (h *handler) update(w http.ResponseWriter, r *http.Request) {
	client, ok := h.client(w, r)
	if !ok {
		return
	}
	body, ok := h.decodeRecord(w, r)
	if !ok {
		return
	}

	record, err := client.Collection(r.PathValue("collection")).Update(r.Context(), r.PathValue("id"), body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	client, ok := h.client(w, r)
	if !ok {
		return
	}

	if err := client.Collection(r.PathValue("collection")).Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) authRefresh(w http.ResponseWriter, r *http.Request) {
	client, ok := h.client(w, r)
	if !ok {
		return
	}
	if client.AuthStore().Token() == "" {
		h.writeError(w, r, fmt.Errorf("%w: missing token", chatsync.ErrUnauthorized))
		return
	}

	if err := client.AuthRefresh(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}

	holder := client.AuthStore()
	h.writeJSON(w, http.StatusOK, authResponse{Token: holder.Token(), Record: holder.Record()})
}

func (h *handler) decodeRecord(w http.ResponseWriter, r *http.Request) (chatsync.Record, bool) {
	var body chatsync.Record
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: decode body: %w", chatsync.ErrInvalidRecord, err))
		return nil, false
	}
	if body == nil {
		body = chatsync.Record{}
	}

	return body, true
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.cfg.logger.Warn("write response failed", "error", err)
	}
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	body := apiError{Code: status, Message: err.Error(), Data: map[string]any{}}
	if errors.Is(err, chatsync.ErrInvalidQuery) {
		body.Data["kind"] = errorKindQuery
	}
	if status == http.StatusInternalServerError {
		h.cfg.logger.ErrorContext(r.Context(), "record store request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}

	h.writeJSON(w, status, body)
}

func positiveInt(raw string, fallback int) int {
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}

	return value
}

// realtime serves one websocket connection. Every subscription it opened is
// released when the connection ends.
func (h *handler) realtime(w http.ResponseWriter, r *http.Request) {
	client, ok := h.client(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.cfg.logger.Debug("realtime upgrade failed", "error", err)
		return
	}

	session := &realtimeSession{
		handler:       h,
		client:        client,
		conn:          conn,
		subscriptions: make(map[string]chatsync.UnsubscribeFunc),
	}
	session.serve(r.Context())
}

type realtimeSession struct {
	handler *handler
	client  chatsync.Client
	conn    *websocket.Conn

	writeMu sync.Mutex

	mu            sync.Mutex
	subscriptions map[string]chatsync.UnsubscribeFunc
}

func (s *realtimeSession) serve(ctx context.Context) {
	logger := s.handler.cfg.logger
	defer func() {
		if err := s.releaseAll(); err != nil {
			logger.Warn("realtime release failed", "error", err)
		}
		_ = s.conn.Close()
	}()

	for {
		var request frame
		if err := s.conn.ReadJSON(&request); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("realtime read ended", "error", err)
			}
			return
		}

		switch request.Type {
		case frameSubscribe:
			s.subscribe(ctx, request)
		case frameUnsubscribe:
			s.unsubscribe(ctx, request)
		default:
			s.write(frame{Type: frameError, ID: request.ID, Message: fmt.Sprintf("unsupported frame %q", request.Type)})
		}
	}
}

func (s *realtimeSession) subscribe(ctx context.Context, request frame) {
	if request.ID == "" {
		s.write(frame{Type: frameError, Message: "missing subscription id"})
		return
	}

	s.mu.Lock()
	_, duplicate := s.subscriptions[request.ID]
	s.mu.Unlock()
	if duplicate {
		s.write(frame{Type: frameError, ID: request.ID, Message: "duplicate subscription id"})
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, s.handler.cfg.opTimeout)
	defer cancel()

	id := request.ID
	collection := request.Collection
	unsubscribe, err := s.client.Collection(collection).Subscribe(opCtx, request.Topic, func(event chatsync.RecordEvent) {
		s.write(frame{
			Type:       frameEvent,
			ID:         id,
			Collection: collection,
			Action:     event.Action,
			Record:     event.Record,
		})
	})
	if err != nil {
		s.write(frame{Type: frameError, ID: id, Message: err.Error()})
		return
	}

	s.mu.Lock()
	s.subscriptions[id] = unsubscribe
	s.mu.Unlock()

	s.write(frame{Type: frameAck, ID: id})
}

func (s *realtimeSession) unsubscribe(ctx context.Context, request frame) {
	s.mu.Lock()
	unsubscribe, ok := s.subscriptions[request.ID]
	delete(s.subscriptions, request.ID)
	s.mu.Unlock()

	if ok {
		opCtx, cancel := context.WithTimeout(ctx, s.handler.cfg.opTimeout)
		defer cancel()
		if err := unsubscribe(opCtx); err != nil {
			s.write(frame{Type: frameError, ID: request.ID, Message: err.Error()})
			return
		}
	}

	s.write(frame{Type: frameAck, ID: request.ID})
}

func (s *realtimeSession) write(message frame) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(realtimeWriteTimeout))
	if err := s.conn.WriteJSON(message); err != nil {
		s.handler.cfg.logger.Debug("realtime write failed", "type", message.Type, "error", err)
	}
}

func (s *realtimeSession) releaseAll() error {
	s.mu.Lock()
	pending := s.subscriptions
	s.subscriptions = make(map[string]chatsync.UnsubscribeFunc)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.handler.cfg.opTimeout)
	defer cancel()

	var errs []error
	for id, unsubscribe := range pending {
		if err := unsubscribe(ctx); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", id, err))
		}
	}

	return errors.Join(errs...)
}
