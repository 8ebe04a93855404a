// Package config parses the process's command-line flags, following the
// teacher's pkg/flags.ConfigureAndParse shape (standard library flag,
// logrus level flag, parse-then-apply) generalized from "one shared
// log-level flag" to the full exhaustive config key table every
// collab-server/snapshot-worker process needs. Every key also has an
// environment-variable fallback, read before flag parsing so an
// explicit flag always wins.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

// Config is the exhaustive set of recognized configuration for both the
// collab-server and snapshot-worker binaries. Not every binary uses
// every field.
type Config struct {
	ServerID string

	ListenAddr string
	ListenPort int
	AdminAddr  string

	MetadataBaseURL string
	SnapshotRPCAddr string

	StreamNamespace string
	StreamMaxLen    int64
	StreamBatchSize int64
	IdleDelay       time.Duration

	SnapshotThrottle      time.Duration
	SnapshotProcessingTTL time.Duration
	SnapshotRetryDelay    time.Duration
	WorkerPollInterval    time.Duration
	PingInterval          time.Duration
	DocIdleGrace          time.Duration

	LogLevel string
}

// Parse builds a FlagSet named cmdName, registers every recognized key
// with an env-fallback default, parses args, and returns the resolved
// Config. A flag value that can't be parsed makes the FlagSet exit the
// process (flag.ExitOnError), and an invalid log level triggers log.Fatal
// (matching pkg/flags.ConfigureAndParse's own fail-fast behavior). An
// environment value that can't be parsed is ignored and the built-in
// default is used instead.
func Parse(cmdName string, args []string) *Config {
	fs := flag.NewFlagSet(cmdName, flag.ExitOnError)
	cfg := &Config{}

	hostname, _ := os.Hostname()
	defaultServerID := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	fs.StringVar(&cfg.ServerID, "server-id", envOrDefault("SERVER_ID", defaultServerID),
		"identifier used as origin tag on stream entries; must be stable for the process lifetime")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", envOrDefault("LISTEN_ADDR", "0.0.0.0"),
		"WebSocket gateway bind address")
	fs.IntVar(&cfg.ListenPort, "listen-port", envOrDefaultInt("LISTEN_PORT", 8080),
		"WebSocket gateway bind port")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", envOrDefault("ADMIN_ADDR", ":9990"),
		"admin server bind address (metrics, ping, ready)")
	fs.StringVar(&cfg.MetadataBaseURL, "metadata-base-url", envOrDefault("METADATA_BASE_URL", "http://localhost:8081"),
		"base URL for the access-check endpoint")
	fs.StringVar(&cfg.SnapshotRPCAddr, "snapshot-rpc-addr", envOrDefault("SNAPSHOT_RPC_ADDR", "http://localhost:8090"),
		"address of the snapshot RPC service")
	fs.StringVar(&cfg.StreamNamespace, "stream-namespace", envOrDefault("STREAM_NAMESPACE", "collab"),
		"prefix for all stream and queue keys")
	fs.Int64Var(&cfg.StreamMaxLen, "stream-max-len", envOrDefaultInt64("STREAM_MAX_LEN", 10000),
		"approximate cap on stream entries per document")
	fs.Int64Var(&cfg.StreamBatchSize, "stream-batch-size", envOrDefaultInt64("STREAM_BATCH_SIZE", 100),
		"max entries fetched per tail iteration")
	fs.DurationVar(&cfg.IdleDelay, "idle-delay", envOrDefaultDuration("IDLE_DELAY_MS", 200*time.Millisecond),
		"sleep when a tail finds no new entries")
	fs.DurationVar(&cfg.SnapshotThrottle, "snapshot-throttle", envOrDefaultDuration("SNAPSHOT_THROTTLE_MS", 2*time.Second),
		"delay between edit and first eligible enqueue-ready time")
	fs.DurationVar(&cfg.SnapshotProcessingTTL, "snapshot-processing-ttl", envOrDefaultDuration("SNAPSHOT_PROCESSING_TTL_MS", 30*time.Second),
		"lease window for an in-flight snapshot job")
	fs.DurationVar(&cfg.SnapshotRetryDelay, "snapshot-retry-delay", envOrDefaultDuration("SNAPSHOT_RETRY_DELAY_MS", 5*time.Second),
		"postpone offset on worker failure")
	fs.DurationVar(&cfg.WorkerPollInterval, "worker-poll-interval", envOrDefaultDuration("WORKER_POLL_INTERVAL_MS", time.Second),
		"sleep when the snapshot queue is empty")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", envOrDefaultDuration("PING_INTERVAL_MS", 30*time.Second),
		"WebSocket heartbeat interval")
	fs.DurationVar(&cfg.DocIdleGrace, "doc-idle-grace", envOrDefaultDuration("DOC_IDLE_GRACE_MS", 0),
		"grace period a document with no connections is kept warm before eviction; 0 disables eviction")
	fs.StringVar(&cfg.LogLevel, "log-level", envOrDefault("LOG_LEVEL", log.InfoLevel.String()),
		"log level, must be one of: panic, fatal, error, warn, info, debug, trace")

	if err := fs.Parse(args); err != nil {
		log.WithError(err).Fatal("config: failed to parse flags")
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("config: invalid log-level: %s", cfg.LogLevel)
	}
	log.SetLevel(level)

	return cfg
}

const envPrefix = "COLLAB_"

func envOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}
