package derived

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultInboxBuffer      = 256
	defaultFetchTimeout     = 10 * time.Second
	defaultSubscribeTimeout = 10 * time.Second
	defaultReleaseTimeout   = 5 * time.Second
)

// config stores resolved graph settings after option application.
type config struct {
	inboxBuffer      int
	fetchTimeout     time.Duration
	subscribeTimeout time.Duration
	releaseTimeout   time.Duration
	logger           *slog.Logger
	onError          func(context.Context, StoreError)
}

// Option mutates graph construction configuration.
type Option func(*config)

// defaultConfig returns defaults suitable for a long-running client process.
func defaultConfig() config {
	logger := slog.Default()

	return config{
		inboxBuffer:      defaultInboxBuffer,
		fetchTimeout:     defaultFetchTimeout,
		subscribeTimeout: defaultSubscribeTimeout,
		releaseTimeout:   defaultReleaseTimeout,
		logger:           logger,
		onError:          logStoreError(logger),
	}
}

func logStoreError(logger *slog.Logger) func(context.Context, StoreError) {
	return func(ctx context.Context, storeErr StoreError) {
		logger.WarnContext(ctx, "chatsync store error",
			"store", storeErr.Store,
			"kind", string(storeErr.Kind),
			"error", storeErr.Err,
		)
	}
}

// WithInboxBuffer configures the event loop inbox depth.
func WithInboxBuffer(size int) Option {
	return func(cfg *config) {
		if size > 0 {
			cfg.inboxBuffer = size
		}
	}
}

// WithFetchTimeout bounds every bulk read issued by the stores.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.fetchTimeout = timeout
		}
	}
}

// WithSubscribeTimeout bounds how long a live subscription may take to be acknowledged.
func WithSubscribeTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.subscribeTimeout = timeout
		}
	}
}

// WithReleaseTimeout bounds each unsubscribe round trip.
func WithReleaseTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.releaseTimeout = timeout
		}
	}
}

// WithLogger configures the logger used by the graph and the default error sink.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger == nil {
			return
		}

		cfg.logger = logger
		cfg.onError = logStoreError(logger)
	}
}

// WithErrorHandler configures the process-wide sink that sees every store error.
//
// The handler runs on the event loop in addition to per-store OnError observers.
func WithErrorHandler(handler func(context.Context, StoreError)) Option {
	return func(cfg *config) {
		if handler != nil {
			cfg.onError = handler
		}
	}
}
