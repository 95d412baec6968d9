// Command shardsync-repo serves an in-memory repository over HTTP and
// publishes commit notifications. It backs local clusters and demos.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dd0wney/cluso-shardsync/pkg/auth"
	"github.com/dd0wney/cluso-shardsync/pkg/logging"
	"github.com/dd0wney/cluso-shardsync/pkg/notify"
	"github.com/dd0wney/cluso-shardsync/pkg/repository"
	"github.com/dd0wney/cluso-shardsync/pkg/server"
)

func main() {
	addr := flag.String("addr", ":8090", "HTTP listen address")
	notifyAddr := flag.String("notify", "", "Commit publisher address, e.g. tcp://0.0.0.0:7400 (empty disables)")
	secret := flag.String("secret", os.Getenv("SHARDSYNC_AUTH_SECRET"), "JWT secret (empty disables auth)")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger := logging.NewJSONLogger(os.Stderr, logging.ParseLevel(*logLevel))
	if err := run(*addr, *notifyAddr, *secret, logger); err != nil {
		fmt.Fprintf(os.Stderr, "shardsync-repo: %v\n", err)
		os.Exit(1)
	}
}

func run(addr, notifyAddr, secret string, logger logging.Logger) error {
	repo := repository.NewMemory()

	if notifyAddr != "" {
		pub, err := notify.NewPublisher(notifyAddr, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		repo.OnCommit(pub.Hook())
		logger.Info("publishing commits", logging.String("addr", notifyAddr))
	}

	var validator auth.TokenValidator
	if secret != "" {
		manager, err := auth.NewManager(secret, 0, "")
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		validator = manager
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.NewGracefulServer(addr, repository.NewHandler(repo, logger, validator), logger)
	return srv.Run(ctx)
}
