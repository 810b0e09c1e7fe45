// Package hosting binds a record-store client to each inbound fiber request.
//
// Every request gets its own client. The middleware loads the token from the
// request cookie, refreshes it exactly once, and writes exactly one Set-Cookie
// header with the final token state.
package hosting

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"chatsync/pkg/chatsync"

	"github.com/gofiber/fiber/v2"
)

const localsClientKey = "chatsync.client"

const defaultRefreshTimeout = 10 * time.Second

// ClientFactory returns a fresh, unauthenticated client for one request.
type ClientFactory func() (chatsync.Client, error)

type config struct {
	logger         *slog.Logger
	cookie         chatsync.CookieOptions
	refreshTimeout time.Duration
}

// Option mutates middleware construction.
type Option func(*config)

// WithLogger configures the middleware logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithCookieOptions replaces the options used to export the response cookie.
func WithCookieOptions(options chatsync.CookieOptions) Option {
	return func(cfg *config) {
		cfg.cookie = options
	}
}

// WithRefreshTimeout bounds the per-request token refresh.
func WithRefreshTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.refreshTimeout = timeout
		}
	}
}

// Middleware returns the per-request authentication handler.
func Middleware(factory ClientFactory, opts ...Option) fiber.Handler {
	cfg := config{
		logger: slog.Default(),
		cookie: chatsync.CookieOptions{
			Path:     "/",
			SameSite: http.SameSiteStrictMode,
		},
		refreshTimeout: defaultRefreshTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(c *fiber.Ctx) error {
		client, err := factory()
		if err != nil {
			return fmt.Errorf("hosting: new client: %w", err)
		}

		refresh(c.UserContext(), cfg, client, c.Get(fiber.HeaderCookie))
		c.Locals(localsClientKey, client)

		nextErr := c.Next()

		c.Response().Header.DelAllCookies()
		c.Set(fiber.HeaderSetCookie, client.AuthStore().ExportToCookie(cfg.cookie))

		// Clients holding connections, such as a realtime socket, live for one request.
		if closer, ok := client.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				cfg.logger.DebugContext(c.UserContext(), "close request client", "error", err)
			}
		}

		return nextErr
	}
}

// refresh performs the single load-and-refresh round trip. Any failure leaves
// the holder cleared.
func refresh(ctx context.Context, cfg config, client chatsync.Client, cookieHeader string) {
	holder := client.AuthStore()
	if err := holder.LoadFromCookie(cookieHeader); err != nil {
		cfg.logger.DebugContext(ctx, "auth cookie rejected", "error", err)
		holder.Clear()
	}

	refreshCtx, cancel := context.WithTimeout(ctx, cfg.refreshTimeout)
	defer cancel()

	if err := client.AuthRefresh(refreshCtx); err != nil {
		cfg.logger.DebugContext(ctx, "auth refresh failed", "error", err)
		holder.Clear()
		return
	}
	if _, err := chatsync.ValidateIdentity(holder.Record()); err != nil {
		cfg.logger.WarnContext(ctx, "auth refresh returned malformed record", "error", err)
		holder.Clear()
	}
}

// ClientFrom returns the request's record-store client.
func ClientFrom(c *fiber.Ctx) (chatsync.Client, bool) {
	client, ok := c.Locals(localsClientKey).(chatsync.Client)

	return client, ok
}

// IdentityFrom returns the authenticated identity of the request, if any.
func IdentityFrom(c *fiber.Ctx) (chatsync.Identity, bool) {
	client, ok := ClientFrom(c)
	if !ok || !client.AuthStore().IsValid() {
		return chatsync.Identity{}, false
	}

	identity, err := chatsync.ValidateIdentity(client.AuthStore().Record())
	if err != nil {
		return chatsync.Identity{}, false
	}

	return identity, true
}

// SessionHandler answers with the authenticated identity or 401.
func SessionHandler(c *fiber.Ctx) error {
	identity, ok := IdentityFrom(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"message": "not signed in"})
	}

	return c.JSON(identity)
}
