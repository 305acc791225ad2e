package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"calsync/internal/config"
	"calsync/internal/conflict"
	"calsync/internal/google"
	"calsync/internal/mapper"
	"calsync/internal/models"
	"calsync/internal/oauth"
	"calsync/internal/outlook"
	"calsync/internal/provider"
	"calsync/internal/server"
	"calsync/internal/store"
	"calsync/internal/syncer"
)

func main() {
	app := &cli.App{
		Name:  "calsync",
		Usage: "Connect Google and Outlook calendars and keep them in sync with local events.",
		Commands: []*cli.Command{
			serveCommand(),
			authCommand(),
			syncCommand(),
			statusCommand(),
			disconnectCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

var pairFlags = []cli.Flag{
	&cli.StringFlag{Name: "provider", Aliases: []string{"p"}, Value: "google", Usage: "Calendar provider: google or outlook."},
	&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Value: "default", Usage: "User the credentials belong to."},
}

func pairFrom(c *cli.Context) (models.Pair, error) {
	p, err := models.ParseProvider(c.String("provider"))
	if err != nil {
		return models.Pair{}, err
	}
	return models.Pair{UserID: c.String("user"), Provider: p}, nil
}

// components is the wired core shared by every command.
type components struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.SQLiteStore
	manager *oauth.Manager
	syncer  *syncer.Syncer
}

func (c *components) Close() error {
	return c.store.Close()
}

// build wires config, storage, adapters, OAuth and the orchestrator. Only the
// HTTP server needs a stable state secret; CLI flows never verify state.
func build(requireStateSecret bool) (*components, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := setupLogger(cfg.LogLevel)

	secret := cfg.OAuthStateSecret
	if secret == "" {
		if requireStateSecret {
			return nil, fmt.Errorf("%w: OAUTH_STATE_SECRET must be set", models.ErrConfig)
		}
		secret = uuid.NewString()
	}
	states, err := oauth.NewStateCodec(secret, 0)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	st, err := store.OpenSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	logger.Debug("Opened store", "path", cfg.DatabasePath)

	m := mapper.New(cfg.Location())
	googleOpts := []google.Option{google.WithCalendarID(cfg.GoogleCalendarID)}
	if cfg.GoogleAPIEndpoint != "" {
		googleOpts = append(googleOpts, google.WithEndpoint(cfg.GoogleAPIEndpoint))
	}
	outlookOpts := []outlook.Option{outlook.WithTenant(cfg.OutlookTenantID)}
	if cfg.OutlookGraphURL != "" {
		outlookOpts = append(outlookOpts, outlook.WithBaseURL(cfg.OutlookGraphURL))
	}
	registry := provider.NewRegistry(
		google.New(logger, m, googleOpts...),
		outlook.New(logger, m, outlookOpts...),
	)

	manager := oauth.NewManager(logger, st, registry, cfg.Clients(), states,
		oauth.WithRefreshMargin(cfg.RefreshMargin))
	retrier := provider.NewRetrier(logger, provider.DefaultRetryPolicy())
	resolver := conflict.NewResolver(logger, cfg.Policy())
	s := syncer.NewSyncer(logger, registry, manager, st, retrier, resolver, syncer.Config{
		PastDays:   cfg.SyncPastDays,
		FutureDays: cfg.SyncFutureDays,
	})

	return &components{cfg: cfg, logger: logger, store: st, manager: manager, syncer: s}, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the calendar HTTP API.",
		Action: func(c *cli.Context) error {
			app, err := build(true)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.New(app.logger, app.manager, app.syncer, server.Options{
				AllowOrigin: app.cfg.CORSAllowOrigin,
			})
			httpServer := server.NewHTTPServer(ctx, app.cfg.HTTPAddr, srv.Handler())

			errCh := make(chan error, 1)
			go func() {
				app.logger.Info("HTTP server listening", "addr", app.cfg.HTTPAddr)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return fmt.Errorf("http server failed: %w", err)
			case <-ctx.Done():
			}

			app.logger.Info("Shutting down HTTP server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authorize a calendar provider and store its tokens.",
		Flags: pairFlags,
		Action: func(c *cli.Context) error {
			pair, err := pairFrom(c)
			if err != nil {
				return err
			}
			app, err := build(false)
			if err != nil {
				return err
			}
			defer app.Close()
			app.logger.Info("Starting authorization flow", "userId", pair.UserID, "provider", pair.Provider)

			authURL, err := app.manager.AuthorizationURL(pair)
			if err != nil {
				return fmt.Errorf("failed to build authorization url: %w", err)
			}
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)
			if authCode == "" {
				return fmt.Errorf("no authorization code entered")
			}

			if _, err := app.manager.Exchange(c.Context, pair, authCode); err != nil {
				return fmt.Errorf("unable to exchange authorization code: %w", err)
			}

			app.logger.Info("Successfully authenticated and saved token.", "userId", pair.UserID, "provider", pair.Provider)
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	flags := append([]cli.Flag{
		&cli.StringFlag{Name: "events", Usage: "JSON file holding the local events to reconcile."},
		&cli.StringFlag{Name: "policy", Usage: "Conflict policy for this pass. Defaults to CONFLICT_POLICY."},
		&cli.IntFlag{Name: "watch", Value: 300, Usage: "Run sync every N seconds."},
	}, pairFlags...)

	return &cli.Command{
		Name:  "sync",
		Usage: "Run a bidirectional sync pass and print its summary.",
		Flags: flags,
		Action: func(c *cli.Context) error {
			pair, err := pairFrom(c)
			if err != nil {
				return err
			}

			var opts syncer.SyncOptions
			if c.IsSet("policy") {
				if opts.Policy, err = conflict.ParsePolicy(c.String("policy")); err != nil {
					return err
				}
			}

			app, err := build(false)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			runOnce := func() error {
				local, err := readEvents(c.String("events"))
				if err != nil {
					return err
				}
				summary, err := app.syncer.Sync(ctx, pair, local, opts)
				if summary != nil {
					if perr := printJSON(summary); perr != nil {
						return perr
					}
				}
				return err
			}

			if !c.IsSet("watch") {
				app.logger.Info("Running a single sync cycle.")
				if err := runOnce(); err != nil {
					return fmt.Errorf("single sync cycle failed: %w", err)
				}
				return nil
			}

			interval := time.Duration(c.Int("watch")) * time.Second
			app.logger.Info("Starting watcher.", "interval", interval)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				if err := runOnce(); err != nil {
					if errors.Is(err, models.ErrReauthRequired) || errors.Is(err, models.ErrNotConnected) {
						return err
					}
					app.logger.Error("Sync cycle failed", "error", err)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the credential state of a provider connection.",
		Flags: pairFlags,
		Action: func(c *cli.Context) error {
			pair, err := pairFrom(c)
			if err != nil {
				return err
			}
			app, err := build(false)
			if err != nil {
				return err
			}
			defer app.Close()

			state, err := app.manager.Status(c.Context, pair)
			if err != nil {
				return err
			}
			fmt.Println(state)
			return nil
		},
	}
}

func disconnectCommand() *cli.Command {
	return &cli.Command{
		Name:  "disconnect",
		Usage: "Forget the stored tokens, cursor and conflicts of a provider connection.",
		Flags: pairFlags,
		Action: func(c *cli.Context) error {
			pair, err := pairFrom(c)
			if err != nil {
				return err
			}
			app, err := build(false)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.syncer.Disconnect(c.Context, pair); err != nil {
				return fmt.Errorf("failed to disconnect: %w", err)
			}
			app.logger.Info("Disconnected.", "userId", pair.UserID, "provider", pair.Provider)
			return nil
		},
	}
}

// readEvents loads local events from path. An empty path means no local
// events, which turns the pass into an import.
func readEvents(path string) ([]models.CalendarEvent, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read events file: %w", err)
	}
	var events []models.CalendarEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("failed to parse events file %s: %w", path, err)
	}
	return events, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
