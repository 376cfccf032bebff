package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"kestrel/internal/auth"
	"kestrel/internal/blobstorage"
	"kestrel/internal/conf"
	"kestrel/internal/delivery/lmtp"
	"kestrel/internal/logging"
	"kestrel/internal/metrics"
	"kestrel/internal/sasl"
	"kestrel/internal/server"
	"kestrel/internal/server/handler"
	"kestrel/internal/server/lock"
	"kestrel/internal/storage"
	"kestrel/internal/storage/memstore"
	"kestrel/internal/storage/sqlstore"
)

var (
	cmdConfigPath string
	cmdDBPath     string
)

func addStoreFlags(c *cobra.Command) {
	c.Flags().StringVar(&cmdConfigPath, "config", "", "configuration file (yaml or toml)")
	c.Flags().StringVar(&cmdDBPath, "db", "", "sqlite database path, overrides database.path")
}

func loadConfig() (*conf.Config, error) {
	cfg, err := conf.LoadConfig(cmdConfigPath)
	if err != nil {
		return nil, err
	}
	if cmdDBPath != "" {
		cfg.Database.Path = cmdDBPath
	}
	return cfg, nil
}

func cmdServe() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "kestrel serve [--config file] [--db path]",
		Long: `
Run the IMAP server until interrupted.

Without a database path mailboxes are kept in memory and lost on exit.`,
		Example: "kestrel serve --config /etc/kestrel/kestrel.yaml",
		Args:    cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	addStoreFlags(c)
	return c
}

func serve(cfg *conf.Config) error {
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(cfg.Metrics.Addr)
	if cfg.Metrics.Addr != "" {
		go metrics.Serve(logger, cfg.Metrics.Addr)
	}

	backend, users, closeStore, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// IMAP and LMTP coordinate on the same mailboxes
	locks := lock.New(lock.WithWaitHistogram(m.LockWait))
	env := &handler.Env{
		Storage: backend,
		Locks:   locks,
		Logger:  logger,
	}

	static := auth.NewStaticUsers()
	for name, hash := range cfg.Auth.Users {
		static.AddHash(name, []byte(hash))
	}
	chain := []auth.Authenticator{static}
	if users != nil {
		chain = append(chain, users)
	}
	if cfg.Auth.AuthServerURL != "" {
		chain = append(chain, auth.NewRemoteAuthenticator(cfg.Auth.AuthServerURL, cfg.Auth.Domain))
		level.Info(logger).Log("msg", "remote authentication enabled", "url", cfg.Auth.AuthServerURL)
	}
	if cfg.Auth.JWTSecret != "" {
		tokens := auth.NewTokenAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
		chain = append(chain, tokens)
		env.Tokens = tokens
	}
	env.Auth = auth.Chain(chain...)

	srv := server.NewIMAPServer(server.Options{
		Addr:           cfg.Server.Addr,
		Workers:        cfg.Server.Workers,
		QueueSize:      cfg.Server.QueueSize,
		IdleTimeout:    cfg.Server.IdleTimeout,
		Greeting:       cfg.Server.Greeting,
		MaxLiteralSize: cfg.Server.MaxLiteralSize,
		MaxLineLength:  cfg.Server.MaxLineLength,
	}, env, m)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	if cfg.Delivery.Addr != "" {
		g.Go(func() error {
			return lmtp.NewServer(cfg.Delivery, backend, locks, m, logger).ListenAndServe(gctx)
		})
	}
	if cfg.SASL.Socket != "" {
		g.Go(func() error {
			return sasl.NewServer(cfg.SASL.Socket, env.Auth, logger).ListenAndServe(gctx)
		})
	}
	return g.Wait()
}

// openStorage picks the backend named by cfg. users is nil when the backend
// keeps no credentials.
func openStorage(ctx context.Context, cfg *conf.Config, logger log.Logger) (storage.Backend, auth.Authenticator, func(), error) {
	if cfg.Database.Path == "" {
		level.Warn(logger).Log("msg", "no database configured, mailboxes are kept in memory")
		return memstore.New(), nil, func() {}, nil
	}

	var opts []sqlstore.Option
	if cfg.BlobStorage.Enabled {
		blobs, err := blobstorage.NewS3BlobStorage(ctx, cfg.BlobStorage)
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "init blob storage")
		}
		opts = append(opts, sqlstore.WithBlobStore(blobs))
		level.Info(logger).Log("msg", "blob storage enabled", "endpoint", cfg.BlobStorage.Endpoint, "bucket", cfg.BlobStorage.Bucket)
	}

	store, err := sqlstore.Open(cfg.Database.Path, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	level.Info(logger).Log("msg", "database opened", "path", cfg.Database.Path)
	return store, store, func() {
		if err := store.Close(); err != nil {
			level.Error(logger).Log("msg", "close database", "err", err)
		}
	}, nil
}
