// collab-relay forwards session frames between collab-agents over
// websockets. Several relays behind a load balancer can share rooms through
// Redis.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"collabtext/internal/config"
	"collabtext/internal/relayserver"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, flagSet, err := config.ParseRelay("collab-relay", args)
	if errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "Usage: collab-relay [flags]\n\n%s", flagSet.FlagUsages())
		return nil
	}
	if err != nil {
		return err
	}
	logger := cfg.Log.NewLogger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		options, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parsing redis url: %w", err)
		}
		rdb = redis.NewClient(options)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("could not connect to redis: %w", err)
		}
		logger.Info("connected to redis")
	}

	relay := relayserver.New(rdb, logger)
	server := &http.Server{Addr: cfg.Listen, Handler: relay.Handler(), ReadHeaderTimeout: 10 * time.Second}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("collab-relay is running", "listen", cfg.Listen, "bridged", rdb != nil)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
