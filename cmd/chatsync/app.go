package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"chatsync/internal/derived"
	"chatsync/internal/recordstore"
	"chatsync/pkg/chatsync"

	"github.com/spf13/cobra"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "chatsync",
		Short:         "Reactive session, conversation and user directory sync over a record store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (overrides "+envConfigFile+")")

	cmd.AddCommand(
		newWatchCommand(&configPath),
		newServeCommand(&configPath),
		newDemoCommand(),
		newVersionCommand(),
	)

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the chatsync version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "chatsync %s\n", version)
			return err
		},
	}
}

func newWatchCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the session, conversations and user directory of the configured account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := setup(*configPath, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runWatch(ctx, app)
		},
	}
}

// runtimeEnv is what every long-running command shares.
type runtimeEnv struct {
	cfg      appConfig
	logger   *slog.Logger
	registry *recordstore.Registry
}

func setup(configPath string, out io.Writer) (runtimeEnv, error) {
	registry, err := recordstore.NewBuiltinRegistry()
	if err != nil {
		return runtimeEnv{}, fmt.Errorf("new builtin backend registry: %w", err)
	}

	cfg, err := loadConfig(configPath, registry)
	if err != nil {
		return runtimeEnv{}, fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.logLevel}))

	return runtimeEnv{cfg: cfg, logger: logger, registry: registry}, nil
}

func buildBackend(ctx context.Context, app runtimeEnv) (recordstore.Backend, error) {
	backend, err := app.registry.Build(ctx, app.cfg.backend, app.logger)
	if err != nil {
		return recordstore.Backend{}, fmt.Errorf("build backend: %w", err)
	}

	return backend, nil
}

// authenticate refreshes a held token once so the session store starts from a
// complete identity record. A failed refresh leaves the holder cleared.
func authenticate(ctx context.Context, logger *slog.Logger, client chatsync.Client) {
	holder := client.AuthStore()
	if holder.Token() == "" {
		logger.WarnContext(ctx, "no token configured; session stays signed out")
		return
	}

	if err := client.AuthRefresh(ctx); err != nil {
		logger.WarnContext(ctx, "auth refresh failed; session stays signed out", "error", err)
		holder.Clear()
	}
}

func runWatch(ctx context.Context, app runtimeEnv) error {
	backend, err := buildBackend(ctx, app)
	if err != nil {
		return err
	}
	authenticate(ctx, app.logger, backend.Client)

	graph := derived.New(backend.Client, app.cfg.graphOptions(app.logger)...)
	cancel, err := attachLoggers(ctx, graph, app.logger)
	if err != nil {
		return errors.Join(err, shutdown(app, graph, backend))
	}
	defer cancel()

	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)

	app.logger.InfoContext(ctx, "watching", "backend", backend.Name, "type", backend.Type)
	for {
		select {
		case <-ctx.Done():
			return shutdown(app, graph, backend)
		case <-hangup:
			app.logger.InfoContext(ctx, "refreshing session")
			if err := graph.Refresh(ctx); err != nil && !errors.Is(err, chatsync.ErrClosed) {
				app.logger.WarnContext(ctx, "refresh failed", "error", err)
			}
		}
	}
}

func shutdown(app runtimeEnv, graph *derived.Graph, backend recordstore.Backend) error {
	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.shutdownTimeout)
	defer cancel()

	var errs []error
	if err := graph.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close graph: %w", err))
	}
	if err := backend.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close backend: %w", err))
	}

	return errors.Join(errs...)
}

// attachLoggers observes every store and logs its transitions.
func attachLoggers(ctx context.Context, graph *derived.Graph, logger *slog.Logger) (func(), error) {
	var cancels []derived.CancelFunc
	cancelAll := func() {
		for _, cancel := range cancels {
			cancel()
		}
	}

	cancel, err := graph.Session().Observe(ctx, func(snapshot derived.Snapshot[chatsync.Identity]) {
		if !snapshot.Present {
			logger.Info("session signed out", "version", snapshot.Version)
			return
		}
		logger.Info("session",
			"version", snapshot.Version,
			"user_id", snapshot.Value.ID,
			"name", snapshot.Value.Name,
		)
	})
	if err != nil {
		return nil, err
	}
	cancels = append(cancels, cancel)

	cancel, err = graph.Conversations().Observe(ctx, func(snapshot derived.Snapshot[[]chatsync.Conversation]) {
		if !snapshot.Present {
			logger.Info("conversations unavailable", "version", snapshot.Version)
			return
		}
		ids := make([]string, 0, len(snapshot.Value))
		for _, conversation := range snapshot.Value {
			ids = append(ids, conversation.ID)
		}
		logger.Info("conversations", "version", snapshot.Version, "count", len(ids), "ids", ids)
	})
	if err != nil {
		cancelAll()
		return nil, err
	}
	cancels = append(cancels, cancel)

	cancel, err = graph.Directory().Observe(ctx, func(snapshot derived.Snapshot[map[string]chatsync.DirectoryEntry]) {
		if !snapshot.Present {
			return
		}
		logger.Info("directory", "version", snapshot.Version, "users", len(snapshot.Value))
	})
	if err != nil {
		cancelAll()
		return nil, err
	}
	cancels = append(cancels, cancel)

	return cancelAll, nil
}
