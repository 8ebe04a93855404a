// Command collab-server runs the WebSocket gateway and CRDT session
// host: it accepts client connections, replicates edits across server
// instances via Redis Streams, and schedules snapshot jobs for the
// snapshot-worker binary to persist. Structured the way the teacher's
// controller/cmd/destination/main.go runs its daemon: parse flags,
// start the admin server, build the dependency graph, serve until a
// signal arrives, then drain.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/linkerd/collab-server/internal/admin"
	"github.com/linkerd/collab-server/internal/collab"
	"github.com/linkerd/collab-server/internal/config"
	"github.com/linkerd/collab-server/internal/crdt"
	"github.com/linkerd/collab-server/internal/gateway"
	"github.com/linkerd/collab-server/internal/queue"
	"github.com/linkerd/collab-server/internal/replication"
	"github.com/linkerd/collab-server/internal/snapshotrpc"
	"github.com/linkerd/collab-server/internal/stream"
)

func main() {
	cfg := config.Parse("collab-server", os.Args[1:])

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
	core := replication.New(streamAdapter, cfg.ServerID)

	snapshotClient := snapshotrpc.New(cfg.SnapshotRPCAddr, 5*time.Second)
	snapshotQueue := queue.New(rdb, cfg.StreamNamespace+":snapshot:queue")

	hub := collab.NewHub(core, snapshotLoader{client: snapshotClient}, snapshotQueue, collab.HubConfig{
		SiteID:           crdt.SiteID(cfg.ServerID),
		PingInterval:     cfg.PingInterval,
		IdleGrace:        cfg.DocIdleGrace,
		SnapshotThrottle: cfg.SnapshotThrottle,
	})

	checker := gateway.NewHTTPAccessChecker(cfg.MetadataBaseURL, 2*time.Second)
	gw := gateway.New(hub, checker)

	mux := http.NewServeMux()
	gw.Routes(mux)

	addr := net.JoinHostPort(cfg.ListenAddr, strconv.Itoa(cfg.ListenPort))
	httpServer := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 15 * time.Second}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Infof("collab-server: listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("collab-server: server error")
		}
	}()

	ready = true
	<-stop

	log.Info("collab-server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	hub.Shutdown()
	core.Shutdown()
	_ = adminServer.Shutdown(shutdownCtx)
}

func redisAddrFromEnv() string {
	if v := os.Getenv("COLLAB_REDIS_ADDR"); v != "" {
		return v
	}
	return "localhost:6379"
}

// snapshotLoader adapts snapshotrpc.Client's []byte snapshot to the
// crdt.Snapshot named type collab.Loader expects.
type snapshotLoader struct {
	client *snapshotrpc.Client
}

func (l snapshotLoader) GetSnapshot(ctx context.Context, docID string) (crdt.Snapshot, string, bool, error) {
	snap, afterStreamID, found, err := l.client.GetSnapshot(ctx, docID)
	if err != nil || !found {
		return nil, "", found, err
	}
	return crdt.Snapshot(snap), afterStreamID, true, nil
}
