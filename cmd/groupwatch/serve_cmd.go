package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/groupwatch/internal/config"
	"github.com/asheshgoplani/groupwatch/internal/logging"
	"github.com/asheshgoplani/groupwatch/internal/session"
	"github.com/asheshgoplani/groupwatch/internal/web"
	"github.com/asheshgoplani/groupwatch/internal/whatsapp"
)

const shutdownTimeout = 15 * time.Second

type serveOptions struct {
	configPath string
	listen     string
	dataDir    string
	debug      bool
}

func parseServeFlags(args []string) (serveOptions, error) {
	var opts serveOptions
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "Path to config.toml (default <data-dir>/config.toml)")
	fs.StringVar(&opts.listen, "listen", "", "Listen address, overrides [server] listen")
	fs.StringVar(&opts.dataDir, "data-dir", "", "Data directory, overrides data_dir")
	fs.BoolVar(&opts.debug, "debug", false, "Log at debug level")

	fs.Usage = func() {
		fmt.Println("Usage: groupwatch serve [options]")
		fmt.Println()
		fmt.Println("Run the HTTP/WebSocket server and the per-user WhatsApp sessions.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		return opts, fmt.Errorf("flag parsing: %w", err)
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

func runServe(args []string) error {
	opts, err := parseServeFlags(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts.configPath, opts.dataDir)
	if err != nil {
		return err
	}
	if opts.listen != "" {
		cfg.Server.Listen = opts.listen
	}

	closeLogs := initLogging(cfg, opts.debug)
	defer closeLogs()
	log := logging.Logger()

	storage, err := session.OpenStorage(cfg.StateDBPath(), cfg.Alerts.HistoryLimit)
	if err != nil {
		return err
	}
	defer storage.Close()

	// No client survives a restart; stale "connected" rows would mislead.
	if err := storage.ResetStatuses(context.Background()); err != nil {
		log.Warn("status_reset_failed", slog.String("error", err.Error()))
	}

	creds := whatsapp.NewCredentials(cfg.CredentialsDir())
	hub := web.NewHub()
	manager := session.NewManager(managerConfig(cfg), storage, whatsapp.NewFactory(creds), creds, hub)

	webCfg := web.Config{
		ListenAddr: cfg.Server.Listen,
		AdminToken: cfg.Server.AdminToken,
		UserTokens: cfg.UserTokens(),
	}
	if cfg.Push.Enabled {
		pub, priv, generated, err := web.EnsurePushVAPIDKeys(storage.GetDB())
		if err != nil {
			return fmt.Errorf("failed to prepare web push keys: %w", err)
		}
		webCfg.PushVAPIDPublicKey = pub
		webCfg.PushVAPIDPrivateKey = priv
		webCfg.PushVAPIDSubject = cfg.Push.Subject
		webCfg.PushStore = web.NewStatePushStore(storage.GetDB())
		log.Info("push_enabled", slog.Bool("generated_keys", generated))
	}
	server := web.NewServer(webCfg, hub, manager)

	if !cfg.Maintenance.Disabled {
		maint := session.NewMaintenance(manager, cfg.Maintenance.Schedule, cfg.Maintenance.IdleTTL.Duration)
		if err := maint.Start(); err != nil {
			return err
		}
		defer maint.Stop()
	}

	if path := cfg.Path(); path != "" {
		watcher, err := config.NewWatcher(path, func(next *config.Config) {
			server.SetUserTokens(next.UserTokens())
		})
		if err != nil {
			log.Warn("config_watch_disabled", slog.String("error", err.Error()))
		} else {
			go watcher.Run()
			defer watcher.Stop()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("groupwatch_started",
		slog.String("version", Version),
		slog.String("listen", cfg.Server.Listen),
		slog.String("data_dir", cfg.DataDir),
		slog.Int("users", len(cfg.Users)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("groupwatch_stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		manager.Shutdown()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func managerConfig(cfg *config.Config) session.ManagerConfig {
	limits := session.DefaultLimits()
	limits.MaxWatchedGroups = cfg.Limits.MaxWatchedGroups
	limits.MaxKeywords = cfg.Limits.MaxKeywords
	limits.MaxKeywordLength = cfg.Limits.MaxKeywordLength

	return session.ManagerConfig{
		Session: session.Config{
			InitTimeout:  cfg.Session.InitTimeout.Duration,
			MaxRetries:   cfg.Session.MaxRetries,
			RetryDelay:   cfg.Session.RetryDelay.Duration,
			SendTimeout:  cfg.Session.SendTimeout.Duration,
			PreviewChars: cfg.Alerts.PreviewChars,
		},
		Limits:        limits,
		StartInterval: cfg.Session.StartInterval.Duration,
	}
}

// loadConfig resolves the config path, letting --data-dir pick the
// default file location.
func loadConfig(path, dataDir string) (*config.Config, error) {
	if dataDir != "" {
		if err := os.Setenv("GROUPWATCH_DATA_DIR", dataDir); err != nil {
			return nil, err
		}
	}
	return config.Load(path)
}
