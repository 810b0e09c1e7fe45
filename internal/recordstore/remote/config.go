package remote

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// BackendType is the registry type token for a network record store.
const BackendType = "remote"

type backendConfig struct {
	BaseURL        string `json:"base_url"`
	PageSize       int    `json:"page_size"`
	RequestTimeout string `json:"request_timeout"`
	Token          string `json:"token"`
	Cookie         string `json:"cookie"`
}

// BuildFromConfig builds a client from its JSON backend config. The initial
// token comes from token, or else from a Cookie header value in cookie.
func BuildFromConfig(logger *slog.Logger, raw []byte) (*Client, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing config")
	}

	var parsed backendConfig
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	baseURL := strings.TrimSpace(parsed.BaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("base_url is required")
	}

	timeout := defaultRequestTimeout
	if raw := strings.TrimSpace(parsed.RequestTimeout); raw != "" {
		parsedTimeout, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("parse request_timeout: %w", err)
		}
		if parsedTimeout <= 0 {
			return nil, fmt.Errorf("parse request_timeout: must be > 0")
		}
		timeout = parsedTimeout
	}

	client, err := New(baseURL,
		WithLogger(logger),
		WithPageSize(parsed.PageSize),
		WithHTTPClient(&http.Client{Timeout: timeout}),
	)
	if err != nil {
		return nil, err
	}

	switch {
	case strings.TrimSpace(parsed.Token) != "":
		client.AuthStore().Save(strings.TrimSpace(parsed.Token), nil)
	case strings.TrimSpace(parsed.Cookie) != "":
		if err := client.AuthStore().LoadFromCookie(parsed.Cookie); err != nil {
			return nil, fmt.Errorf("load cookie: %w", err)
		}
	}

	return client, nil
}
