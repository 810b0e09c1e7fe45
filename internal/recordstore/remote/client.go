// Package remote talks to a record store over HTTP and a realtime websocket.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatsync/internal/recordstore/authstore"
	"chatsync/pkg/chatsync"

	"github.com/gorilla/websocket"
)

const defaultRequestTimeout = 15 * time.Second

type clientConfig struct {
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger
	pageSize   int
	auth       *authstore.Store
}

// Option mutates client construction.
type Option func(*clientConfig)

// WithHTTPClient replaces the HTTP client used for REST calls.
func WithHTTPClient(client *http.Client) Option {
	return func(cfg *clientConfig) {
		if client != nil {
			cfg.httpClient = client
		}
	}
}

// WithDialer replaces the websocket dialer used for the realtime channel.
func WithDialer(dialer *websocket.Dialer) Option {
	return func(cfg *clientConfig) {
		if dialer != nil {
			cfg.dialer = dialer
		}
	}
}

// WithLogger configures the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithPageSize sets how many records each list page requests.
func WithPageSize(size int) Option {
	return func(cfg *clientConfig) {
		if size > 0 {
			cfg.pageSize = min(size, maxPageSize)
		}
	}
}

// WithAuthStore shares an existing token holder with the client.
func WithAuthStore(store *authstore.Store) Option {
	return func(cfg *clientConfig) {
		if store != nil {
			cfg.auth = store
		}
	}
}

// Client is a chatsync.Client for a record store reachable over the network.
type Client struct {
	baseURL *url.URL
	cfg     clientConfig
	logger  *slog.Logger

	realtimeMu sync.Mutex
	realtime   *realtimeConn
}

// New returns a client for the store at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("new remote client: parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("new remote client: unsupported scheme %q", parsed.Scheme)
	}

	cfg := clientConfig{
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		dialer:     websocket.DefaultDialer,
		logger:     slog.Default(),
		pageSize:   defaultPageSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.auth == nil {
		cfg.auth = authstore.New()
	}

	return &Client{baseURL: parsed, cfg: cfg, logger: cfg.logger}, nil
}

// Fork returns a client for the same store with an empty token holder and
// its own realtime connection.
func (c *Client) Fork() *Client {
	cfg := c.cfg
	cfg.auth = authstore.New()

	return &Client{baseURL: c.baseURL, cfg: cfg, logger: c.logger}
}

// AuthStore returns the token holder sent with every request.
func (c *Client) AuthStore() chatsync.TokenHolder {
	return c.cfg.auth
}

// Collection returns access to one named collection.
func (c *Client) Collection(name string) chatsync.Collection {
	return &collection{client: c, name: name}
}

// AuthRefresh exchanges the held token for a fresh one.
func (c *Client) AuthRefresh(ctx context.Context) error {
	var response authResponse
	if err := c.do(ctx, http.MethodPost, authRefreshPath, nil, nil, &response); err != nil {
		return fmt.Errorf("auth refresh: %w", err)
	}
	if response.Token == "" {
		return fmt.Errorf("auth refresh: %w: empty token", chatsync.ErrUnauthorized)
	}
	c.cfg.auth.Save(response.Token, response.Record)

	return nil
}

// Close drops the realtime connection and every subscription on it.
func (c *Client) Close() error {
	c.realtimeMu.Lock()
	conn := c.realtime
	c.realtime = nil
	c.realtimeMu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.close(); err != nil {
		return fmt.Errorf("close remote client: %w", err)
	}

	return nil
}

// do performs one JSON round trip.
func (c *Client) do(
	ctx context.Context,
	method string,
	path string,
	query url.Values,
	body any,
	out any,
) error {
	endpoint := c.baseURL.JoinPath(path)
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s %s: encode body: %w", method, path, err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token := c.cfg.auth.Token(); token != "" {
		request.Header.Set("Authorization", token)
	}

	response, err := c.cfg.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, path, chatsync.ErrNetwork, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		var apiErr apiError
		_ = json.NewDecoder(io.LimitReader(response.Body, 1<<20)).Decode(&apiErr)
		return fmt.Errorf("%s %s: %w", method, path, errorForStatus(response.StatusCode, apiErr))
	}
	if out == nil || response.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w: %w", method, path, chatsync.ErrNetwork, err)
	}

	return nil
}

type collection struct {
	client *Client
	name   string
}

func (c *collection) Name() string {
	return c.name
}

func (c *collection) recordsPath(id string) string {
	path := collectionsPath + url.PathEscape(c.name) + "/records"
	if id != "" {
		path += "/" + url.PathEscape(id)
	}

	return path
}

// FullList reads every page of the list.
func (c *collection) FullList(ctx context.Context, opts chatsync.ListOptions) ([]chatsync.Record, error) {
	records := make([]chatsync.Record, 0)
	for page := 1; ; page++ {
		query := url.Values{}
		query.Set("page", strconv.Itoa(page))
		query.Set("perPage", strconv.Itoa(c.client.cfg.pageSize))
		if opts.Filter != "" {
			query.Set("filter", opts.Filter)
		}
		if opts.Sort != "" {
			query.Set("sort", opts.Sort)
		}

		var result listPage
		if err := c.client.do(ctx, http.MethodGet, c.recordsPath(""), query, nil, &result); err != nil {
			return nil, fmt.Errorf("list %s: %w", c.name, err)
		}
		records = append(records, result.Items...)
		if len(result.Items) == 0 || page >= result.TotalPages {
			return records, nil
		}
	}
}

func (c *collection) GetOne(ctx context.Context, id string) (chatsync.Record, error) {
	var record chatsync.Record
	if err := c.client.do(ctx, http.MethodGet, c.recordsPath(id), nil, nil, &record); err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", c.name, id, err)
	}

	return record, nil
}

func (c *collection) Create(ctx context.Context, data chatsync.Record) (chatsync.Record, error) {
	var record chatsync.Record
	if err := c.client.do(ctx, http.MethodPost, c.recordsPath(""), nil, data, &record); err != nil {
		return nil, fmt.Errorf("create %s: %w", c.name, err)
	}

	return record, nil
}

func (c *collection) Update(ctx context.Context, id string, patch chatsync.Record) (chatsync.Record, error) {
	var record chatsync.Record
	if err := c.client.do(ctx, http.MethodPatch, c.recordsPath(id), nil, patch, &record); err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", c.name, id, err)
	}

	return record, nil
}

func (c *collection) Delete(ctx context.Context, id string) error {
	if err := c.client.do(ctx, http.MethodDelete, c.recordsPath(id), nil, nil, nil); err != nil {
		return fmt.Errorf("delete %s/%s: %w", c.name, id, err)
	}

	return nil
}

// Subscribe opens a subscription on the shared realtime connection and waits
// for the server acknowledgement.
func (c *collection) Subscribe(
	ctx context.Context,
	topic string,
	handler chatsync.EventHandler,
) (chatsync.UnsubscribeFunc, error) {
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s/%s: nil handler", c.name, topic)
	}

	conn, err := c.client.realtimeConn(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s/%s: %w: %w", c.name, topic, chatsync.ErrSubscription, err)
	}

	subscriptionID, err := conn.subscribe(ctx, c.name, topic, handler)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s/%s: %w: %w", c.name, topic, chatsync.ErrSubscription, err)
	}

	var once sync.Once
	return func(ctx context.Context) error {
		var unsubscribeErr error
		once.Do(func() {
			unsubscribeErr = conn.unsubscribe(ctx, subscriptionID)
		})
		if unsubscribeErr != nil && !errors.Is(unsubscribeErr, chatsync.ErrClosed) {
			return fmt.Errorf("unsubscribe %s/%s: %w", c.name, topic, unsubscribeErr)
		}
		return nil
	}, nil
}

// realtimeConn returns the live realtime connection, dialing when there is none.
func (c *Client) realtimeConn(ctx context.Context) (*realtimeConn, error) {
	c.realtimeMu.Lock()
	defer c.realtimeMu.Unlock()

	if c.realtime != nil && !c.realtime.isClosed() {
		return c.realtime, nil
	}

	endpoint := c.baseURL.JoinPath(realtimePath)
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}

	header := http.Header{}
	if token := c.cfg.auth.Token(); token != "" {
		header.Set("Authorization", token)
	}
	wsConn, response, err := c.cfg.dialer.DialContext(ctx, endpoint.String(), header)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w: %w", chatsync.ErrNetwork, err)
	}

	c.realtime = newRealtimeConn(wsConn, c.logger)

	return c.realtime, nil
}

var (
	_ chatsync.Client     = (*Client)(nil)
	_ chatsync.Collection = (*collection)(nil)
)
