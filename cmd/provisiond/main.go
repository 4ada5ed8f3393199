// Package main is the entrypoint for the provisiond worker daemon.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/corvidmail/provisiond/internal/backend"
	"github.com/corvidmail/provisiond/internal/backend/dav"
	"github.com/corvidmail/provisiond/internal/backend/imap"
	"github.com/corvidmail/provisiond/internal/backend/ldap"
	"github.com/corvidmail/provisiond/internal/backend/webmail"
	"github.com/corvidmail/provisiond/internal/config"
	"github.com/corvidmail/provisiond/internal/dnsx"
	"github.com/corvidmail/provisiond/internal/jobs"
	"github.com/corvidmail/provisiond/internal/logutil"
	"github.com/corvidmail/provisiond/internal/queue"
	"github.com/corvidmail/provisiond/internal/server"
	"github.com/corvidmail/provisiond/internal/store"

	// Register drivers
	_ "github.com/corvidmail/provisiond/internal/queue/loader"
	_ "github.com/corvidmail/provisiond/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config file (optional)")
	listenAddr := flag.String("listen", "", "Ops endpoint address (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	storeDriver := flag.String("store-driver", "", "Store driver (overrides config)")
	dataDir := flag.String("data-dir", "", "Data directory (overrides config)")
	queueDriver := flag.String("queue-driver", "", "Queue driver: memory or valkey (overrides config)")
	workers := flag.Int("workers", 0, "Dispatcher worker count (overrides config)")
	withLDAP := flag.Bool("with-ldap", true, "Enable directory provisioning (overrides config)")
	withIMAP := flag.Bool("with-imap", true, "Enable mailbox provisioning (overrides config)")
	flag.Parse()

	// Bootstrap logger for config loading errors.
	bootstrapLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	overrides := config.FlagOverrides{}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			overrides.ListenAddr = listenAddr
		case "log-level":
			overrides.LogLevel = logLevel
		case "store-driver":
			overrides.StoreDriver = storeDriver
		case "data-dir":
			overrides.DataDir = dataDir
		case "queue-driver":
			overrides.QueueDriver = queueDriver
		case "workers":
			overrides.Workers = workers
		case "with-ldap":
			overrides.WithLDAP = withLDAP
		case "with-imap":
			overrides.WithIMAP = withIMAP
		}
	})

	cfg, err := config.Load(config.LoaderOptions{
		ConfigPath:    *configPath,
		FlagOverrides: overrides,
		Logger:        bootstrapLogger,
	})
	if err != nil {
		bootstrapLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	level, err := logutil.ParseLevel(cfg.Logging.Level)
	if err != nil {
		bootstrapLogger.Error("invalid log level", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if cfg.Store.DataDir != "" {
		if err := os.MkdirAll(cfg.Store.DataDir, 0o700); err != nil {
			logger.Error("failed to create data directory", "path", cfg.Store.DataDir, "error", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.StoreDriverConfig())
	if err != nil {
		logger.Error("failed to create store", "error", err)
		os.Exit(1)
	}
	if err := st.Init(ctx); err != nil {
		logger.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	driver, err := queue.NewDriver(cfg.QueueDriverConfig())
	if err != nil {
		logger.Error("failed to create queue driver", "error", err)
		os.Exit(1)
	}
	defer driver.Close()

	var directory backend.Directory
	if cfg.WithLDAP {
		directory = ldap.New(cfg.LDAPClientConfig(), logger)
	}

	mailbox := imap.New(cfg.IMAPClientConfig(), logger)

	var davClient backend.DAV
	if cfg.DAV.BaseURL != "" {
		c, err := dav.New(cfg.DAVClientConfig(), logger)
		if err != nil {
			logger.Error("failed to create dav client", "error", err)
			os.Exit(1)
		}
		davClient = c
	}

	var identity backend.Identity
	if cfg.Webmail.Enabled {
		c, err := webmail.Open(cfg.Webmail.DataDir, logger)
		if err != nil {
			logger.Error("failed to open webmail database", "error", err)
			os.Exit(1)
		}
		identity = c
	}

	dispatcher := queue.NewDispatcher(driver, queue.Options{
		Workers: cfg.Queue.Workers,
		Logger:  logger,
	})

	env := jobs.NewEnv(jobs.Env{
		Store:     st,
		Directory: directory,
		Mailbox:   mailbox,
		DAV:       davClient,
		Identity:  identity,
		DNS:       dnsx.New(cfg.DNS.Resolver),
		WithLDAP:  cfg.WithLDAP,
		WithIMAP:  cfg.WithIMAP,
		Logger:    logger,
	})
	env.Register(dispatcher)

	ops := server.New(cfg.ListenAddr, dispatcher, logger)
	opsErr := make(chan error, 1)
	go func() { opsErr <- ops.Start(ctx) }()

	logger.Info("provisiond started",
		"store", st.Name(),
		"queue", driver.Name(),
		"workers", cfg.Queue.Workers,
		"with_ldap", cfg.WithLDAP,
		"with_imap", cfg.WithIMAP,
	)

	if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("dispatcher stopped", "error", err)
	}

	if err := <-opsErr; err != nil {
		logger.Error("ops endpoint stopped", "error", err)
	}
	logger.Info("provisiond stopped")
}
