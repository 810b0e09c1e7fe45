package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"chatsync/pkg/chatsync"
)

// BackendType is the registry type token for the in-process store.
const BackendType = "memory"

type backendConfig struct {
	Secret   string                       `json:"secret"`
	TokenTTL string                       `json:"token_ttl"`
	AuthAs   string                       `json:"auth_as"`
	Seed     map[string][]chatsync.Record `json:"seed"`
}

// BuildFromConfig builds a seeded server and a client authenticated as the
// configured user. An empty auth_as yields an anonymous client.
func BuildFromConfig(
	ctx context.Context,
	logger *slog.Logger,
	raw []byte,
) (*Server, *Client, error) {
	var parsed backendConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, nil, fmt.Errorf("unmarshal: %w", err)
		}
	}

	opts := []Option{WithLogger(logger)}
	if secret := strings.TrimSpace(parsed.Secret); secret != "" {
		opts = append(opts, WithSecret([]byte(secret)))
	}
	if ttl := strings.TrimSpace(parsed.TokenTTL); ttl != "" {
		parsedTTL, err := time.ParseDuration(ttl)
		if err != nil {
			return nil, nil, fmt.Errorf("parse token_ttl: %w", err)
		}
		if parsedTTL <= 0 {
			return nil, nil, fmt.Errorf("parse token_ttl: must be > 0")
		}
		opts = append(opts, WithTokenTTL(parsedTTL))
	}

	server := NewServer(opts...)
	if err := seedCollections(ctx, server, parsed.Seed); err != nil {
		_ = server.Close(ctx)
		return nil, nil, err
	}

	authAs := strings.TrimSpace(parsed.AuthAs)
	if authAs == "" {
		return server, server.NewClient(), nil
	}
	client, err := server.AuthAs(authAs)
	if err != nil {
		_ = server.Close(ctx)
		return nil, nil, fmt.Errorf("auth_as: %w", err)
	}

	return server, client, nil
}

// seedCollections stores users first so tokens can be issued for them, then
// every other collection in name order.
func seedCollections(ctx context.Context, server *Server, seed map[string][]chatsync.Record) error {
	names := make([]string, 0, len(seed))
	for name := range seed {
		if name != chatsync.UsersCollection {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	if _, ok := seed[chatsync.UsersCollection]; ok {
		names = append([]string{chatsync.UsersCollection}, names...)
	}

	for _, name := range names {
		if _, err := server.Seed(ctx, name, seed[name]...); err != nil {
			return err
		}
	}

	return nil
}
