// Command snapshot-worker runs the claim/merge/persist loop that turns
// queued snapshot jobs into durable document snapshots. Any number of
// instances can run against the same Redis; the queue's lease semantics
// keep at most one worker actively processing a given document at a
// time. Structured like collab-server's main: parse flags, start the
// admin server, build the dependency graph, run until a signal arrives.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/linkerd/collab-server/internal/admin"
	"github.com/linkerd/collab-server/internal/config"
	"github.com/linkerd/collab-server/internal/crdt"
	"github.com/linkerd/collab-server/internal/queue"
	"github.com/linkerd/collab-server/internal/snapshotrpc"
	"github.com/linkerd/collab-server/internal/stream"
	"github.com/linkerd/collab-server/internal/worker"
)

func main() {
	cfg := config.Parse("snapshot-worker", os.Args[1:])

	ready := false
	adminServer := admin.NewServer(cfg.AdminAddr, false, &ready)
	go func() {
		log.Infof("admin: listening on %s", cfg.AdminAddr)
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("admin: server error")
		}
	}()

	redisAddr := redisAddrFromEnv()
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	streamAdapter := stream.New(rdb, stream.Config{
		Namespace: cfg.StreamNamespace,
		ServerID:  cfg.ServerID,
		MaxLen:    cfg.StreamMaxLen,
		BatchSize: cfg.StreamBatchSize,
		IdleDelay: cfg.IdleDelay,
	})
	snapshotQueue := queue.New(rdb, cfg.StreamNamespace+":snapshot:queue")
	snapshotClient := snapshotrpc.New(cfg.SnapshotRPCAddr, 5*time.Second)

	w := worker.New(snapshotQueue, snapshotClient, streamAdapter, worker.Config{
		SiteID:        crdt.SiteID(cfg.ServerID),
		ProcessingTTL: cfg.SnapshotProcessingTTL,
		RetryDelay:    cfg.SnapshotRetryDelay,
		PollInterval:  cfg.WorkerPollInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		w.Run(ctx)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	ready = true
	<-stop

	log.Info("snapshot-worker: shutting down")
	cancel()
	<-runDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = adminServer.Shutdown(shutdownCtx)
}

func redisAddrFromEnv() string {
	if v := os.Getenv("COLLAB_REDIS_ADDR"); v != "" {
		return v
	}
	return "localhost:6379"
}
