package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"alarmsync/internal/config"
	"alarmsync/internal/google"
	"alarmsync/internal/icloud"
	"alarmsync/internal/lock"
	"alarmsync/internal/meetlink"
	"alarmsync/internal/models"
	"alarmsync/internal/reminders"
	"alarmsync/internal/scheduler"
	"alarmsync/internal/server"
	"alarmsync/internal/store"
	"alarmsync/internal/syncer"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "alarmsync",
		Usage: "Sync calendars from several accounts and derive upcoming alarm reminders.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "YAML file overlaid on the environment configuration."},
		},
		Commands: []*cli.Command{
			serveCommand(),
			syncCommand(),
			remindersCommand(),
			authCommand(),
			linkCalDAVCommand(),
			disconnectCommand(),
			cleanupCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

// app holds the wired components shared by the commands.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.Store
	syncer    *syncer.Syncer
	deriver   *reminders.Deriver
	scheduler *scheduler.Scheduler
	redis     *redis.Client
}

func setup(c *cli.Context) (*app, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := setupLogger(cfg.LogLevel)

	st, err := store.Open(logger, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	opts := googleOptions(cfg)
	links := meetlink.NewExtractor()
	var refresher google.TokenRefresher
	if r, err := google.NewRefresher(logger, opts, st); err != nil {
		logger.Warn("Token refresh disabled", "error", err)
	} else {
		refresher = r
	}

	fetchers := map[string]syncer.Fetcher{
		models.ProviderGoogle: google.NewFetcher(logger, opts, refresher, google.NewNormalizer(links)),
		models.ProviderCalDAV: icloud.NewFetcher(logger, icloud.NewNormalizer(links), cfg.CalDAVHorizon),
	}
	sy := syncer.NewSyncer(logger, st, google.NewIdentity(opts), fetchers, syncer.Options{
		FetchTimeout: cfg.FetchTimeout,
		MaxParallel:  cfg.MaxParallelSources,
		DryRun:       c.Bool("dry-run"),
	})

	a := &app{cfg: cfg, logger: logger, store: st, syncer: sy}
	a.deriver = reminders.NewDeriver(logger, st, reminders.Policy{
		Lookback:      cfg.Reminders.Lookback,
		Lookahead:     cfg.Reminders.Lookahead,
		TriggerGrace:  cfg.Reminders.TriggerGrace,
		AllDayHour:    cfg.Reminders.AllDayHour,
		DefaultOffset: cfg.Reminders.DefaultOffset,
	})

	var locker lock.Locker = lock.NewMemoryLocker()
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := a.redis.Ping(c.Context).Err(); err != nil {
			logger.Warn("Redis unreachable, using in-process sync lock", "addr", cfg.RedisAddr, "error", err)
		} else {
			locker = lock.NewRedisLocker(a.redis, "")
		}
	}
	a.scheduler = scheduler.New(logger, st, sy, locker)
	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close store", "error", err)
	}
}

func googleOptions(cfg *config.Config) google.Options {
	return google.Options{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		CalendarID:   cfg.GoogleCalendarID,
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP API and run the periodic sync poller.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "cron", Usage: "Poll schedule, overrides SYNC_CRON. Use 'off' to disable polling."},
		},
		Action: func(c *cli.Context) error {
			a, err := setup(c)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			spec := a.cfg.SyncCron
			if c.IsSet("cron") {
				spec = c.String("cron")
			}
			if spec != "" && spec != "off" {
				if err := a.scheduler.Start(ctx, spec); err != nil {
					return err
				}
				defer a.scheduler.Stop()
			}

			srv := server.New(a.logger, a.store, a.syncer, a.deriver, a.cfg.Reminders.DefaultOffset)
			return srv.ListenAndServe(ctx, a.cfg.HTTPAddr)
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run the calendar synchronization process.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Usage: "Sync only this user. Defaults to every user with an active account."},
			&cli.BoolFlag{Name: "once", Usage: "Run the sync cycle once and exit."},
			&cli.BoolFlag{Name: "dry-run", Usage: "Fetch and log without writing to the store."},
			&cli.IntFlag{Name: "watch", Value: 300, Usage: "Run sync every N seconds. Overrides --once."},
		},
		Action: func(c *cli.Context) error {
			a, err := setup(c)
			if err != nil {
				return err
			}
			defer a.close()

			if c.Bool("dry-run") {
				a.logger.Info("Performing a dry run. No changes will be made.")
			}

			run := func(ctx context.Context) {
				if user := c.String("user"); user != "" {
					res := a.syncer.Sync(ctx, user, nil)
					a.logger.Info("Sync result", "user_id", user, "events", len(res.Events), "failures", len(res.Failures), "sync_error", res.SyncError)
					return
				}
				a.scheduler.RunOnce(ctx)
			}

			// --watch flag takes precedence
			if c.IsSet("watch") {
				ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
				defer stop()
				interval := time.Duration(c.Int("watch")) * time.Second
				a.logger.Info("Starting watcher.", "interval", interval)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					run(ctx)
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
				}
			}
			// --once is the default behavior if --watch is not set
			a.logger.Info("Running a single sync cycle.")
			run(c.Context)
			return nil
		},
	}
}

func remindersCommand() *cli.Command {
	return &cli.Command{
		Name:  "reminders",
		Usage: "Print the due and upcoming reminders of a user as JSON.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true},
		},
		Action: func(c *cli.Context) error {
			a, err := setup(c)
			if err != nil {
				return err
			}
			defer a.close()

			res := a.deriver.Upcoming(c.Context, c.String("user"), time.Now())
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Link (or reconnect) a Google account to a user.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true},
		},
		Action: func(c *cli.Context) error {
			a, err := setup(c)
			if err != nil {
				return err
			}
			defer a.close()
			a.logger.Info("Starting Google authentication flow.")

			opts := googleOptions(a.cfg)
			oauthConfig, err := opts.OAuthConfig()
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, oauthConfig, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}
			email, err := google.NewIdentity(opts).LookupEmail(c.Context, token.AccessToken)
			if err != nil {
				return fmt.Errorf("unable to resolve account email: %w", err)
			}

			acc := &models.Account{
				UserID:      c.String("user"),
				Email:       email,
				Provider:    models.ProviderGoogle,
				AccessToken: token.AccessToken,
			}
			if token.RefreshToken != "" {
				acc.RefreshToken = &token.RefreshToken
			}
			linked, err := a.store.ConnectAccount(c.Context, acc)
			if err != nil {
				return err
			}
			a.logger.Info("Successfully authenticated and linked account.", "email", linked.Email, "account_id", linked.ID)
			return nil
		},
	}
}

func linkCalDAVCommand() *cli.Command {
	return &cli.Command{
		Name:  "link-caldav",
		Usage: "Link (or reconnect) a CalDAV account, such as iCloud, with an app-specific password.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true},
			&cli.StringFlag{Name: "email", Required: true, EnvVars: []string{"ICLOUD_USERNAME"}},
			&cli.StringFlag{Name: "password", EnvVars: []string{"ICLOUD_APP_SPECIFIC_PASSWORD"}},
			&cli.StringFlag{Name: "server", Usage: "CalDAV endpoint. Defaults to iCloud."},
		},
		Action: func(c *cli.Context) error {
			a, err := setup(c)
			if err != nil {
				return err
			}
			defer a.close()

			password := c.String("password")
			if password == "" {
				fmt.Print("Enter app-specific password: ")
				password, _ = bufio.NewReader(os.Stdin).ReadString('\n')
				password = strings.TrimSpace(password)
			}
			if password == "" {
				return errors.New("a password is required")
			}

			acc := &models.Account{
				UserID:      c.String("user"),
				Email:       c.String("email"),
				Provider:    models.ProviderCalDAV,
				ServerURL:   c.String("server"),
				AccessToken: password,
			}
			res := icloud.NewFetcher(a.logger, nil, time.Hour).Fetch(c.Context, models.Source{
				Email: acc.Email, Provider: acc.Provider, ServerURL: acc.ServerURL, AccessToken: password,
			}, time.Now())
			if !res.OK() {
				return fmt.Errorf("could not reach calendars (%s): %w", res.Status, res.Err)
			}

			linked, err := a.store.ConnectAccount(c.Context, acc)
			if err != nil {
				return err
			}
			a.logger.Info("Successfully linked CalDAV account.", "email", linked.Email, "account_id", linked.ID)
			return nil
		},
	}
}

func disconnectCommand() *cli.Command {
	return &cli.Command{
		Name:  "disconnect",
		Usage: "Deactivate an account and purge its events.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true},
			&cli.StringFlag{Name: "email", Required: true},
			&cli.StringFlag{Name: "provider", Usage: "Only disconnect the google or caldav account; empty means both."},
		},
		Action: func(c *cli.Context) error {
			a, err := setup(c)
			if err != nil {
				return err
			}
			defer a.close()

			purged, err := a.store.DisconnectAccount(c.Context, c.String("user"), c.String("provider"), c.String("email"))
			if err != nil {
				return fmt.Errorf("failed to disconnect %s: %w", c.String("email"), err)
			}
			a.logger.Info("Disconnected account.", "email", c.String("email"), "purged_events", purged)
			return nil
		},
	}
}

func cleanupCommand() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "Delete events that belong to inactive or missing accounts.",
		Action: func(c *cli.Context) error {
			a, err := setup(c)
			if err != nil {
				return err
			}
			defer a.close()

			purged, err := a.store.PurgeOrphanedEvents(c.Context)
			if err != nil {
				return err
			}
			a.logger.Info("Purged orphaned events.", "count", purged)
			return nil
		},
	}
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
