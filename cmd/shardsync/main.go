// Command shardsync runs one index shard, or a search coordinator when the
// configuration lists coordinator shards.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-shardsync/pkg/api"
	"github.com/dd0wney/cluso-shardsync/pkg/auth"
	"github.com/dd0wney/cluso-shardsync/pkg/config"
	"github.com/dd0wney/cluso-shardsync/pkg/health"
	"github.com/dd0wney/cluso-shardsync/pkg/logging"
	"github.com/dd0wney/cluso-shardsync/pkg/metrics"
	"github.com/dd0wney/cluso-shardsync/pkg/server"
	"github.com/dd0wney/cluso-shardsync/pkg/shard"
	shardtls "github.com/dd0wney/cluso-shardsync/pkg/tls"
)

func main() {
	configPath := flag.String("config", os.Getenv("SHARDSYNC_CONFIG"), "Path to the YAML configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "shardsync: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(cfg.Logging.Output, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()

	if len(cfg.Coordinator.Shards) > 0 {
		return runCoordinator(ctx, cfg, logger, reg)
	}
	return runShard(ctx, configPath, cfg, logger, reg)
}

func runShard(ctx context.Context, configPath string, cfg *config.Config, logger *logging.JSONLogger, reg *metrics.Registry) error {
	svc, err := shard.New(ctx, cfg, shard.WithLogger(logger), shard.WithMetrics(reg))
	if err != nil {
		return fmt.Errorf("build shard: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("closing shard", logging.Error(err))
		}
	}()

	srv, err := newServer(cfg, svc.Handler(), logger)
	if err != nil {
		return err
	}
	srv.SetConfigReloadFunc(reloadLogLevel(configPath, logger))

	logger.Info("shard configured",
		logging.Shard(cfg.Shard.ShardInstance, cfg.Shard.ShardCount),
		logging.String("policy", cfg.Routing.Policy),
		logging.String("checkpoint", cfg.Checkpoint.Backend),
		logging.String("addr", cfg.HTTP.Addr),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	return g.Wait()
}

func runCoordinator(ctx context.Context, cfg *config.Config, logger *logging.JSONLogger, reg *metrics.Registry) error {
	var err error
	ccfg := api.CoordinatorConfig{
		Shards:  cfg.Coordinator.Shards,
		Timeout: cfg.Coordinator.Timeout,
		Logger:  logger,
		Metrics: reg,
		Health:  health.NewHealthChecker(),
	}
	ccfg.Health.RegisterLivenessCheck("process", health.AlwaysHealthy("process"))

	if cfg.Auth.Secret != "" {
		manager, err := auth.NewManager(cfg.Auth.Secret, cfg.Auth.TokenTTL, cfg.Auth.Issuer)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		ccfg.Validator = manager
		ccfg.Signer = auth.NewTokenSigner(manager, "coordinator", auth.RoleCoordinator)
	}

	if ccfg.HTTPClient, err = shardtls.HTTPClient(cfg.Coordinator.TLS, 0); err != nil {
		return fmt.Errorf("coordinator tls: %w", err)
	}

	coord, err := api.NewCoordinator(ccfg)
	if err != nil {
		return err
	}
	logger.Info("coordinator configured",
		logging.Count(len(cfg.Coordinator.Shards)),
		logging.String("addr", cfg.HTTP.Addr),
	)
	srv, err := newServer(cfg, coord, logger)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

func newServer(cfg *config.Config, h http.Handler, logger logging.Logger) (*server.GracefulServer, error) {
	tlsConfig, err := shardtls.ServerConfig(cfg.HTTP.TLS)
	if err != nil {
		return nil, fmt.Errorf("http tls: %w", err)
	}
	srv := server.NewGracefulServer(cfg.HTTP.Addr, h, logger)
	srv.SetTLSConfig(tlsConfig)
	if cfg.HTTP.ShutdownTimeout > 0 {
		srv.SetShutdownTimeout(cfg.HTTP.ShutdownTimeout)
	}
	return srv, nil
}

// reloadLogLevel re-reads the configuration on SIGHUP. Only the log level is
// applied live; everything else needs a restart.
func reloadLogLevel(configPath string, logger *logging.JSONLogger) server.ConfigReloadFunc {
	return func() error {
		if configPath == "" {
			return errors.New("no configuration file to reload")
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger.SetLevel(logging.ParseLevel(cfg.Logging.Level))
		return nil
	}
}
