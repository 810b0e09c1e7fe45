package memory

import (
	"context"
	"fmt"
	"sync"

	"chatsync/internal/recordstore/authstore"
	"chatsync/pkg/chatsync"
)

// Client is one caller's view of a Server. Every call is authorized with the
// token currently held by its AuthStore.
type Client struct {
	server *Server
	auth   *authstore.Store
}

// NewClient returns an anonymous client.
func (s *Server) NewClient() *Client {
	return &Client{server: s, auth: authstore.New(authstore.WithClock(s.cfg.now))}
}

// AuthAs returns a client holding a fresh token for userID.
func (s *Server) AuthAs(userID string) (*Client, error) {
	token, record, err := s.IssueToken(userID)
	if err != nil {
		return nil, fmt.Errorf("auth as %s: %w", userID, err)
	}

	client := s.NewClient()
	client.auth.Save(token, record)

	return client, nil
}

// ClientForToken returns a client authenticated by token. An empty token
// yields an anonymous client; an invalid one fails with ErrUnauthorized.
func (s *Server) ClientForToken(token string) (*Client, error) {
	client := s.NewClient()
	if token == "" {
		return client, nil
	}

	userID, err := s.VerifyToken(token)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	record, _ := s.lookup(chatsync.UsersCollection, userID)
	s.mu.RUnlock()
	client.auth.Save(token, record)

	return client, nil
}

// AuthStore returns the token holder.
func (c *Client) AuthStore() chatsync.TokenHolder {
	return c.auth
}

// Collection returns access to one named collection.
func (c *Client) Collection(name string) chatsync.Collection {
	return &collection{client: c, name: name}
}

// AuthRefresh verifies the held token and replaces it with a new one.
func (c *Client) AuthRefresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("auth refresh: %w", err)
	}
	if err := c.server.takeFailure(chatsync.UsersCollection, OpAuthRefresh); err != nil {
		return fmt.Errorf("auth refresh: %w", err)
	}

	userID, err := c.server.VerifyToken(c.auth.Token())
	if err != nil {
		return fmt.Errorf("auth refresh: %w", err)
	}
	token, record, err := c.server.IssueToken(userID)
	if err != nil {
		return fmt.Errorf("auth refresh: %w", err)
	}
	c.auth.Save(token, record)

	return nil
}

// authID resolves the caller; invalid or expired tokens act as anonymous.
func (c *Client) authID() string {
	userID, err := c.server.VerifyToken(c.auth.Token())
	if err != nil {
		return ""
	}

	return userID
}

type collection struct {
	client *Client
	name   string
}

func (c *collection) Name() string {
	return c.name
}

func (c *collection) begin(ctx context.Context, op Operation) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s %s: %w", op, c.name, err)
	}
	if err := c.client.server.takeFailure(c.name, op); err != nil {
		return fmt.Errorf("%s %s: %w", op, c.name, err)
	}

	return nil
}

func (c *collection) FullList(ctx context.Context, opts chatsync.ListOptions) ([]chatsync.Record, error) {
	if err := c.begin(ctx, OpList); err != nil {
		return nil, err
	}

	records, err := c.client.server.list(c.name, c.client.authID(), opts)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", c.name, err)
	}

	return records, nil
}

func (c *collection) GetOne(ctx context.Context, id string) (chatsync.Record, error) {
	if err := c.begin(ctx, OpGetOne); err != nil {
		return nil, err
	}

	return c.client.server.getOne(c.name, c.client.authID(), id)
}

func (c *collection) Create(ctx context.Context, data chatsync.Record) (chatsync.Record, error) {
	if err := c.begin(ctx, OpCreate); err != nil {
		return nil, err
	}
	if c.name != chatsync.UsersCollection && c.client.authID() == "" {
		return nil, fmt.Errorf("create %s: %w", c.name, chatsync.ErrUnauthorized)
	}

	return c.client.server.create(ctx, c.name, data)
}

func (c *collection) Update(ctx context.Context, id string, patch chatsync.Record) (chatsync.Record, error) {
	if err := c.begin(ctx, OpUpdate); err != nil {
		return nil, err
	}
	authID := c.client.authID()
	if c.name == chatsync.UsersCollection && authID != id {
		return nil, fmt.Errorf("update %s/%s: %w", c.name, id, chatsync.ErrNotFound)
	}

	return c.client.server.update(ctx, c.name, authID, id, patch)
}

func (c *collection) Delete(ctx context.Context, id string) error {
	if err := c.begin(ctx, OpDelete); err != nil {
		return err
	}
	authID := c.client.authID()
	if c.name == chatsync.UsersCollection && authID != id {
		return fmt.Errorf("delete %s/%s: %w", c.name, id, chatsync.ErrNotFound)
	}

	return c.client.server.delete(ctx, c.name, authID, id)
}

// Subscribe registers handler; it is live once Subscribe returns.
func (c *collection) Subscribe(
	ctx context.Context,
	topic string,
	handler chatsync.EventHandler,
) (chatsync.UnsubscribeFunc, error) {
	if err := c.begin(ctx, OpSubscribe); err != nil {
		return nil, fmt.Errorf("%w: %w", chatsync.ErrSubscription, err)
	}

	sub, err := c.client.server.hub.subscribe(c.name, topic, c.client.authID(), handler)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", chatsync.ErrSubscription, err)
	}

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			err = c.client.server.hub.unsubscribe(ctx, sub.id)
		})
		return err
	}, nil
}

var (
	_ chatsync.Client     = (*Client)(nil)
	_ chatsync.Collection = (*collection)(nil)
)
