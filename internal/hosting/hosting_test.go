package hosting

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"chatsync/internal/recordstore/authstore"
	"chatsync/internal/recordstore/memory"
	"chatsync/pkg/chatsync"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingClient counts refresh round trips.
type countingClient struct {
	chatsync.Client
	refreshes *atomic.Int32
}

func (c countingClient) AuthRefresh(ctx context.Context) error {
	c.refreshes.Add(1)
	return c.Client.AuthRefresh(ctx)
}

type testApp struct {
	app       *fiber.App
	store     *memory.Server
	refreshes *atomic.Int32
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	store := memory.NewServer()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, store.Close(ctx))
	})
	_, err := store.Seed(context.Background(), chatsync.UsersCollection, chatsync.Record{
		"id":    "u1",
		"email": "u1@example.com",
		"name":  "Ann",
	})
	require.NoError(t, err)

	refreshes := &atomic.Int32{}
	app := fiber.New()
	app.Use(Middleware(func() (chatsync.Client, error) {
		return countingClient{Client: store.NewClient(), refreshes: refreshes}, nil
	}))
	app.Get("/api/session", SessionHandler)
	app.Get("/cookie", func(c *fiber.Ctx) error {
		c.Cookie(&fiber.Cookie{Name: "theme", Value: "dark"})
		return c.SendString("ok")
	})
	app.Get("/boom", func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusTeapot, "boom")
	})

	return &testApp{app: app, store: store, refreshes: refreshes}
}

// cookieFor renders the Cookie request header for a holder with token.
func cookieFor(t *testing.T, token string, record chatsync.Record) string {
	t.Helper()

	holder := authstore.New()
	holder.Save(token, record)
	exported := holder.ExportToCookie(chatsync.CookieOptions{})
	pair, _, _ := strings.Cut(exported, ";")

	return pair
}

func (a *testApp) do(t *testing.T, path string, cookie string) *http.Response {
	t.Helper()

	request := httptest.NewRequest(http.MethodGet, path, nil)
	if cookie != "" {
		request.Header.Set("Cookie", cookie)
	}
	response, err := a.app.Test(request, -1)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = response.Body.Close()
	})

	return response
}

func TestMiddlewareRefreshesValidCookie(t *testing.T) {
	t.Parallel()

	app := newTestApp(t)
	token, record, err := app.store.IssueToken("u1")
	require.NoError(t, err)

	response := app.do(t, "/api/session", cookieFor(t, token, record))
	require.Equal(t, http.StatusOK, response.StatusCode)
	assert.EqualValues(t, 1, app.refreshes.Load())

	var identity chatsync.Identity
	require.NoError(t, json.NewDecoder(response.Body).Decode(&identity))
	assert.Equal(t, chatsync.Identity{ID: "u1", Email: "u1@example.com", Name: "Ann"}, identity)

	cookies := response.Header.Values(fiber.HeaderSetCookie)
	require.Len(t, cookies, 1)
	assert.True(t, strings.HasPrefix(cookies[0], authstore.DefaultCookieName+"="))
	assert.Contains(t, cookies[0], "SameSite=Strict")
	assert.NotContains(t, cookies[0], "Max-Age=0")
}

func TestMiddlewareClearsOnFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		cookie func(t *testing.T, app *testApp) string
	}{
		{
			name:   "no cookie",
			cookie: func(*testing.T, *testApp) string { return "" },
		},
		{
			name: "forged token",
			cookie: func(t *testing.T, _ *testApp) string {
				return cookieFor(t, "not-a-jwt", chatsync.Record{"id": "u1"})
			},
		},
		{
			name: "malformed cookie payload",
			cookie: func(*testing.T, *testApp) string {
				return authstore.DefaultCookieName + "=%7Bbroken"
			},
		},
		{
			name: "refresh network failure",
			cookie: func(t *testing.T, app *testApp) string {
				token, record, err := app.store.IssueToken("u1")
				require.NoError(t, err)
				app.store.FailNext(chatsync.UsersCollection, memory.OpAuthRefresh, chatsync.ErrNetwork)
				return cookieFor(t, token, record)
			},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			app := newTestApp(t)
			response := app.do(t, "/api/session", testCase.cookie(t, app))

			assert.Equal(t, http.StatusUnauthorized, response.StatusCode)
			assert.EqualValues(t, 1, app.refreshes.Load())
			cookies := response.Header.Values(fiber.HeaderSetCookie)
			require.Len(t, cookies, 1)
			assert.Contains(t, cookies[0], "Max-Age=0")
		})
	}
}

func TestMiddlewareEmitsExactlyOneCookie(t *testing.T) {
	t.Parallel()

	app := newTestApp(t)
	token, record, err := app.store.IssueToken("u1")
	require.NoError(t, err)

	response := app.do(t, "/cookie", cookieFor(t, token, record))
	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	cookies := response.Header.Values(fiber.HeaderSetCookie)
	require.Len(t, cookies, 1)
	assert.True(t, strings.HasPrefix(cookies[0], authstore.DefaultCookieName+"="))

	response = app.do(t, "/boom", "")
	assert.Equal(t, http.StatusTeapot, response.StatusCode)
	assert.Len(t, response.Header.Values(fiber.HeaderSetCookie), 1)
}

func TestMiddlewareFactoryError(t *testing.T) {
	t.Parallel()

	app := fiber.New()
	app.Use(Middleware(func() (chatsync.Client, error) {
		return nil, errors.New("no backend")
	}))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("unreachable") })

	response, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
	require.NoError(t, err)
	defer func() {
		_ = response.Body.Close()
	}()
	assert.Equal(t, http.StatusInternalServerError, response.StatusCode)
}

func TestIdentityFromWithoutMiddleware(t *testing.T) {
	t.Parallel()

	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		_, hasClient := ClientFrom(c)
		_, hasIdentity := IdentityFrom(c)
		if hasClient || hasIdentity {
			return c.SendStatus(fiber.StatusConflict)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	response, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
	require.NoError(t, err)
	defer func() {
		_ = response.Body.Close()
	}()
	assert.Equal(t, http.StatusNoContent, response.StatusCode)
}
