package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatsync/internal/hosting"
	"chatsync/internal/recordstore"
	"chatsync/pkg/chatsync"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve per-request sessions and inbox snapshots over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := setup(*configPath, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, app)
		},
	}
}

func runServe(ctx context.Context, app runtimeEnv) error {
	backend, err := buildBackend(ctx, app)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), app.cfg.shutdownTimeout)
		defer cancel()
		if err := backend.Close(closeCtx); err != nil {
			app.logger.Warn("close backend failed", "error", err)
		}
	}()

	var storeServer *http.Server
	if app.cfg.serve.storeAddr != "" {
		if backend.Handler == nil {
			return fmt.Errorf("serve store api for backend %s: %w", backend.Name, recordstore.ErrNoHandler)
		}
		storeServer = &http.Server{
			Addr:              app.cfg.serve.storeAddr,
			Handler:           backend.Handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	web := newWebApp(app, backend)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		app.logger.Info("serving sessions", "addr", app.cfg.serve.addr)
		if err := web.Listen(app.cfg.serve.addr); err != nil {
			return fmt.Errorf("listen %s: %w", app.cfg.serve.addr, err)
		}
		return nil
	})
	if storeServer != nil {
		group.Go(func() error {
			app.logger.Info("serving record store api", "addr", storeServer.Addr)
			if err := storeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", storeServer.Addr, err)
			}
			return nil
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.cfg.shutdownTimeout)
		defer cancel()

		var errs []error
		if err := web.ShutdownWithContext(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown web app: %w", err))
		}
		if storeServer != nil {
			if err := storeServer.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown store api: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	return nil
}

// newWebApp builds the fiber app: the hosting middleware on every route, the
// session endpoint and the inbox snapshot endpoint.
func newWebApp(app runtimeEnv, backend recordstore.Backend) *fiber.App {
	web := fiber.New(fiber.Config{
		AppName:               "chatsync",
		DisableStartupMessage: true,
	})

	web.Use(hosting.Middleware(
		func() (chatsync.Client, error) {
			return backend.NewClient(), nil
		},
		hosting.WithLogger(app.logger),
		hosting.WithCookieOptions(app.cfg.serve.cookie),
		hosting.WithRefreshTimeout(app.cfg.serve.refreshTimeout),
	))
	web.Get("/api/session", hosting.SessionHandler)
	web.Get("/api/inbox", func(c *fiber.Ctx) error {
		client, ok := hosting.ClientFrom(c)
		if !ok {
			return fiber.ErrInternalServerError
		}

		ctx, cancel := context.WithTimeout(c.UserContext(), app.cfg.serve.inboxTimeout)
		defer cancel()

		view, err := loadInbox(ctx, client, app.cfg.graphOptions(app.logger)...)
		switch {
		case errors.Is(err, errSignedOut):
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"message": "not signed in"})
		case err != nil:
			app.logger.WarnContext(ctx, "load inbox failed", "error", err)
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"message": "record store unavailable"})
		}

		return c.JSON(view)
	})

	return web
}
