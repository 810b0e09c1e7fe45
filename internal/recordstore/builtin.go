package recordstore

import (
	"context"
	"fmt"
	"log/slog"

	"chatsync/internal/recordstore/memory"
	"chatsync/internal/recordstore/remote"
	"chatsync/pkg/chatsync"
)

// NewBuiltinRegistry constructs the registry with the memory and remote backends.
func NewBuiltinRegistry() (*Registry, error) {
	return NewRegistry([]Descriptor{
		{
			Type: memory.BackendType,
			Builder: func(ctx context.Context, definition Definition, logger *slog.Logger) (Backend, error) {
				server, client, err := memory.BuildFromConfig(ctx, logger, definition.Config)
				if err != nil {
					return Backend{}, fmt.Errorf("build memory store from config: %w", err)
				}

				return Backend{
					Client: client,
					NewClient: func() chatsync.Client {
						return server.NewClient()
					},
					Handler: remote.NewHandler(
						func(token string) (chatsync.Client, error) {
							return server.ClientForToken(token)
						},
						remote.WithHandlerLogger(logger),
					),
					Close: server.Close,
				}, nil
			},
		},
		{
			Type: remote.BackendType,
			Builder: func(_ context.Context, definition Definition, logger *slog.Logger) (Backend, error) {
				client, err := remote.BuildFromConfig(logger, definition.Config)
				if err != nil {
					return Backend{}, fmt.Errorf("build remote client from config: %w", err)
				}

				return Backend{
					Client: client,
					NewClient: func() chatsync.Client {
						return client.Fork()
					},
					Close: func(context.Context) error {
						return client.Close()
					},
				}, nil
			},
		},
	})
}
