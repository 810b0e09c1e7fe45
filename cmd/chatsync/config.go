package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"chatsync/internal/derived"
	"chatsync/internal/recordstore"
	"chatsync/pkg/chatsync"

	"github.com/caarlos0/env/v11"
)

const (
	envConfigFile           = "CHATSYNC_CONFIG_FILE"
	defaultConfigFilePath   = "config/chatsync.json"
	alternateConfigFilePath = "bin/config/chatsync.json"
	defaultShutdownTimeout  = 10 * time.Second
	defaultServeAddr        = "127.0.0.1:3000"
	defaultRefreshTimeout   = 10 * time.Second
	defaultInboxTimeout     = 5 * time.Second
)

type appConfig struct {
	logLevel        slog.Level
	shutdownTimeout time.Duration

	inboxBuffer      int
	fetchTimeout     time.Duration
	subscribeTimeout time.Duration
	releaseTimeout   time.Duration

	backend recordstore.Definition
	serve   serveConfig
}

type serveConfig struct {
	addr           string
	storeAddr      string
	refreshTimeout time.Duration
	inboxTimeout   time.Duration
	cookie         chatsync.CookieOptions
}

// fileConfig is the JSON config file shape. Every scalar can be overridden by
// the CHATSYNC_* variable named in its env tag.
type fileConfig struct {
	LogLevel        string            `env:"CHATSYNC_LOG_LEVEL"        json:"log_level"`
	ShutdownTimeout string            `env:"CHATSYNC_SHUTDOWN_TIMEOUT" json:"shutdown_timeout"`
	Graph           fileGraphConfig   `json:"graph"`
	Backend         fileBackendConfig `json:"backend"`
	Serve           fileServeConfig   `json:"serve"`
}

type fileGraphConfig struct {
	InboxBuffer      *int   `env:"CHATSYNC_GRAPH_INBOX_BUFFER"      json:"inbox_buffer"`
	FetchTimeout     string `env:"CHATSYNC_GRAPH_FETCH_TIMEOUT"     json:"fetch_timeout"`
	SubscribeTimeout string `env:"CHATSYNC_GRAPH_SUBSCRIBE_TIMEOUT" json:"subscribe_timeout"`
	ReleaseTimeout   string `env:"CHATSYNC_GRAPH_RELEASE_TIMEOUT"   json:"release_timeout"`
}

type fileBackendConfig struct {
	Name   string          `env:"CHATSYNC_BACKEND_NAME" json:"name"`
	Type   string          `env:"CHATSYNC_BACKEND_TYPE" json:"type"`
	Config json.RawMessage `json:"config"`
	// RawConfig replaces Config when set from the environment.
	RawConfig string `env:"CHATSYNC_BACKEND_CONFIG" json:"-"`
}

type fileServeConfig struct {
	Addr           string `env:"CHATSYNC_SERVE_ADDR"            json:"addr"`
	StoreAddr      string `env:"CHATSYNC_SERVE_STORE_ADDR"      json:"store_addr"`
	RefreshTimeout string `env:"CHATSYNC_SERVE_REFRESH_TIMEOUT" json:"refresh_timeout"`
	InboxTimeout   string `env:"CHATSYNC_SERVE_INBOX_TIMEOUT"   json:"inbox_timeout"`
	CookieSecure   bool   `env:"CHATSYNC_SERVE_COOKIE_SECURE"   json:"cookie_secure"`
	CookieHTTPOnly bool   `env:"CHATSYNC_SERVE_COOKIE_HTTPONLY" json:"cookie_http_only"`
}

func loadConfig(explicitPath string, registry *recordstore.Registry) (appConfig, error) {
	cfg := defaultAppConfig()
	configFile, err := resolveConfigFilePath(explicitPath)
	if err != nil {
		return appConfig{}, err
	}

	var parsed fileConfig
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return appConfig{}, fmt.Errorf("read config file %s: %w", configFile, err)
		}
		if err := json.Unmarshal(data, &parsed); err != nil {
			return appConfig{}, fmt.Errorf("parse config file %s: %w", configFile, err)
		}
	}
	if err := env.Parse(&parsed); err != nil {
		return appConfig{}, fmt.Errorf("parse environment: %w", err)
	}

	if err := applyFileConfig(&cfg, parsed); err != nil {
		return appConfig{}, err
	}
	if err := validateAppConfig(&cfg, registry); err != nil {
		if configFile == "" {
			return appConfig{}, fmt.Errorf(
				"%w; create %s or %s, or set %s",
				err,
				defaultConfigFilePath,
				alternateConfigFilePath,
				envConfigFile,
			)
		}
		return appConfig{}, fmt.Errorf("validate config file %s: %w", configFile, err)
	}

	return cfg, nil
}

// resolveConfigFilePath returns an empty path when no file exists, leaving
// the environment as the only source.
func resolveConfigFilePath(explicitPath string) (string, error) {
	if configFile := strings.TrimSpace(explicitPath); configFile != "" {
		return configFile, nil
	}
	if configFile := strings.TrimSpace(os.Getenv(envConfigFile)); configFile != "" {
		return configFile, nil
	}

	for _, candidate := range []string{defaultConfigFilePath, alternateConfigFilePath} {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", nil
}

func defaultAppConfig() appConfig {
	return appConfig{
		logLevel:        slog.LevelInfo,
		shutdownTimeout: defaultShutdownTimeout,
		serve: serveConfig{
			addr:           defaultServeAddr,
			refreshTimeout: defaultRefreshTimeout,
			inboxTimeout:   defaultInboxTimeout,
			cookie: chatsync.CookieOptions{
				Path:     "/",
				SameSite: http.SameSiteStrictMode,
			},
		},
	}
}

func applyFileConfig(cfg *appConfig, parsed fileConfig) error {
	if cfg == nil {
		return fmt.Errorf("apply config: nil config")
	}

	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = level
	}

	durations := []struct {
		name   string
		raw    string
		target *time.Duration
	}{
		{name: "shutdown_timeout", raw: parsed.ShutdownTimeout, target: &cfg.shutdownTimeout},
		{name: "graph.fetch_timeout", raw: parsed.Graph.FetchTimeout, target: &cfg.fetchTimeout},
		{name: "graph.subscribe_timeout", raw: parsed.Graph.SubscribeTimeout, target: &cfg.subscribeTimeout},
		{name: "graph.release_timeout", raw: parsed.Graph.ReleaseTimeout, target: &cfg.releaseTimeout},
		{name: "serve.refresh_timeout", raw: parsed.Serve.RefreshTimeout, target: &cfg.serve.refreshTimeout},
		{name: "serve.inbox_timeout", raw: parsed.Serve.InboxTimeout, target: &cfg.serve.inboxTimeout},
	}
	for _, duration := range durations {
		raw := strings.TrimSpace(duration.raw)
		if raw == "" {
			continue
		}
		parsedDuration, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", duration.name, err)
		}
		if parsedDuration <= 0 {
			return fmt.Errorf("parse %s: must be > 0", duration.name)
		}
		*duration.target = parsedDuration
	}

	if parsed.Graph.InboxBuffer != nil {
		if *parsed.Graph.InboxBuffer <= 0 {
			return fmt.Errorf("parse graph.inbox_buffer: must be > 0")
		}
		cfg.inboxBuffer = *parsed.Graph.InboxBuffer
	}

	rawBackend := []byte(parsed.Backend.Config)
	if raw := strings.TrimSpace(parsed.Backend.RawConfig); raw != "" {
		rawBackend = []byte(raw)
	}
	cfg.backend = recordstore.Definition{
		Name:   strings.TrimSpace(parsed.Backend.Name),
		Type:   strings.TrimSpace(parsed.Backend.Type),
		Config: append([]byte(nil), rawBackend...),
	}

	if addr := strings.TrimSpace(parsed.Serve.Addr); addr != "" {
		cfg.serve.addr = addr
	}
	cfg.serve.storeAddr = strings.TrimSpace(parsed.Serve.StoreAddr)
	cfg.serve.cookie.Secure = parsed.Serve.CookieSecure
	cfg.serve.cookie.HTTPOnly = parsed.Serve.CookieHTTPOnly

	return nil
}

func validateAppConfig(cfg *appConfig, registry *recordstore.Registry) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if registry == nil {
		return fmt.Errorf("nil backend registry")
	}
	if cfg.backend.Type == "" {
		return fmt.Errorf("backend.type is required (one of %s)", strings.Join(registry.Types(), ", "))
	}
	for _, known := range registry.Types() {
		if known == cfg.backend.Type {
			if cfg.backend.Name == "" {
				cfg.backend.Name = cfg.backend.Type
			}
			return nil
		}
	}

	return fmt.Errorf("backend.type: unsupported type %s", cfg.backend.Type)
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}

// graphOptions turns configured tuning into derived.Graph options. Zero values
// keep the graph defaults.
func (cfg appConfig) graphOptions(logger *slog.Logger) []derived.Option {
	return []derived.Option{
		derived.WithLogger(logger),
		derived.WithInboxBuffer(cfg.inboxBuffer),
		derived.WithFetchTimeout(cfg.fetchTimeout),
		derived.WithSubscribeTimeout(cfg.subscribeTimeout),
		derived.WithReleaseTimeout(cfg.releaseTimeout),
	}
}
