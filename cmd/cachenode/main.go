// Command cachenode runs one cache node of a phonon fleet: an in-memory
// key/value store served over gRPC.
//
// Usage:
//
//	cachenode --node-id n1 --listen :50051 --log-level info
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"phonon/internal/logging"
	"phonon/internal/node"
	"phonon/internal/storage"
)

func main() {
	nodeID := flag.String("node-id", "", "node id (defaults to the listen address)")
	listen := flag.String("listen", ":50051", "gRPC listen address")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	dev := flag.Bool("dev", false, "human readable logs")
	sweep := flag.Duration("sweep-interval", time.Minute, "how often expired keys are purged (0 disables)")
	flag.Parse()

	logger, err := logging.New(*logLevel, *dev)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync() //nolint:errcheck

	if *nodeID == "" {
		*nodeID = *listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *nodeID, *listen, *sweep, logger); err != nil {
		logger.Fatal("cache node failed", zap.Error(err))
	}
}

func run(ctx context.Context, nodeID, listen string, sweep time.Duration, logger *zap.Logger) error {
	store := storage.NewInMemoryStore()
	srv := node.NewServer(nodeID, listen, store, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		srv.Stop()
		return nil
	})
	if sweep > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(sweep)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if n := store.Sweep(); n > 0 {
						logger.Debug("swept expired keys", zap.Int("count", n))
					}
				}
			}
		})
	}
	return g.Wait()
}
