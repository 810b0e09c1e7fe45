package authstore

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"chatsync/pkg/chatsync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	return token
}

func TestStoreIsValid(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		token func(t *testing.T) string
		want  bool
	}{
		{name: "empty", token: func(*testing.T) string { return "" }, want: false},
		{name: "garbage", token: func(*testing.T) string { return "not-a-token" }, want: false},
		{
			name: "future exp",
			token: func(t *testing.T) string {
				return signedToken(t, jwt.MapClaims{"id": "u1", "exp": now.Add(time.Hour).Unix()})
			},
			want: true,
		},
		{
			name: "past exp",
			token: func(t *testing.T) string {
				return signedToken(t, jwt.MapClaims{"id": "u1", "exp": now.Add(-time.Minute).Unix()})
			},
			want: false,
		},
		{
			name: "no exp",
			token: func(t *testing.T) string {
				return signedToken(t, jwt.MapClaims{"id": "u1"})
			},
			want: true,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			store := New(WithClock(func() time.Time { return now }))
			store.Save(testCase.token(t), chatsync.Record{"id": "u1"})
			assert.Equal(t, testCase.want, store.IsValid())
		})
	}
}

func TestStoreCookieRoundTrip(t *testing.T) {
	t.Parallel()

	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signedToken(t, jwt.MapClaims{"id": "u1", "exp": expiresAt.Unix()})
	source := New()
	source.Save(token, chatsync.Record{"id": "u1", "email": "a@example.com", "name": "Ann Lee"})

	header := source.ExportToCookie(chatsync.CookieOptions{SameSite: http.SameSiteStrictMode})
	cookie, err := http.ParseSetCookie(header)
	require.NoError(t, err)
	assert.Equal(t, DefaultCookieName, cookie.Name)
	assert.Equal(t, "/", cookie.Path)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	assert.False(t, cookie.HttpOnly)
	assert.True(t, cookie.Expires.Equal(expiresAt))

	target := New()
	require.NoError(t, target.LoadFromCookie("theme=dark; "+cookie.Name+"="+cookie.Value))
	assert.Equal(t, token, target.Token())
	assert.Equal(t, "Ann Lee", target.Record()["name"])
}

func TestStoreExportClearedExpiresCookie(t *testing.T) {
	t.Parallel()

	store := New()
	header := store.ExportToCookie(chatsync.CookieOptions{HTTPOnly: true})

	assert.True(t, strings.HasPrefix(header, DefaultCookieName+"="))
	assert.Contains(t, header, "Max-Age=0")
	assert.Contains(t, header, "HttpOnly")
}

func TestStoreExportReducesOversizedModel(t *testing.T) {
	t.Parallel()

	store := New()
	store.Save(signedToken(t, jwt.MapClaims{"id": "u1"}), chatsync.Record{
		"id":    "u1",
		"email": "a@example.com",
		"name":  "Ann",
		"bio":   strings.Repeat("x", 5000),
	})

	header := store.ExportToCookie(chatsync.CookieOptions{})
	assert.LessOrEqual(t, len(header), maxCookieSize)

	cookie, err := http.ParseSetCookie(header)
	require.NoError(t, err)
	loaded := New()
	require.NoError(t, loaded.LoadFromCookie(cookie.Name+"="+cookie.Value))
	assert.Equal(t, "Ann", loaded.Record()["name"])
	assert.NotContains(t, loaded.Record(), "bio")
}

func TestStoreLoadFromCookieClearsOnMissingOrMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		header  string
		wantErr bool
	}{
		{name: "empty header", header: ""},
		{name: "other cookies only", header: "theme=dark"},
		{name: "malformed json", header: DefaultCookieName + "=%7Bnot-json", wantErr: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			store := New()
			store.Save("stale", chatsync.Record{"id": "u1"})

			err := store.LoadFromCookie(testCase.header)
			if testCase.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Empty(t, store.Token())
			assert.Nil(t, store.Record())
		})
	}
}

func TestStoreRecordIsCopied(t *testing.T) {
	t.Parallel()

	store := New()
	record := chatsync.Record{"id": "u1", "name": "Ann"}
	store.Save("token", record)
	record["name"] = "mutated"

	got := store.Record()
	got["name"] = "also mutated"
	assert.Equal(t, "Ann", store.Record()["name"])
}
