// Package stream implements the append-only per-document log that the
// replication core uses to fan updates out across server instances. The
// concrete store is Redis Streams, keyed per document, with approximate
// trimming and a long-running tailing subscription that filters out
// entries originated by the local server.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// ErrStoreUnavailable is returned by Append when the transport to the
// backing store failed.
var ErrStoreUnavailable = errors.New("stream: store unavailable")

// Entry is one record read back from a document's stream.
type Entry struct {
	ID             string
	Payload        []byte
	OriginServerID string
	Ts             int64
}

// Config configures an Adapter.
type Config struct {
	// Namespace prefixes every stream key: "{Namespace}:doc:{docID}".
	Namespace string
	// ServerID tags every entry this adapter appends, and is filtered out
	// of this adapter's own tailing subscriptions.
	ServerID string
	// MaxLen is the approximate cap on entries retained per document.
	MaxLen int64
	// BatchSize is the max entries read per tail iteration.
	BatchSize int64
	// IdleDelay is how long a tail blocks waiting for new entries before
	// looping again to check for cancellation.
	IdleDelay time.Duration
}

// Adapter is the append/range/subscribe contract over one Redis instance.
type Adapter struct {
	rdb *redis.Client
	cfg Config
}

// New wraps an existing Redis client.
func New(rdb *redis.Client, cfg Config) *Adapter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = 200 * time.Millisecond
	}
	return &Adapter{rdb: rdb, cfg: cfg}
}

func (a *Adapter) key(docID string) string {
	return fmt.Sprintf("%s:doc:%s", a.cfg.Namespace, docID)
}

// Append durably appends payload to docID's stream, tagged with this
// adapter's ServerID, and returns the assigned entry id. The stream is
// trimmed to approximately MaxLen entries.
func (a *Adapter) Append(ctx context.Context, docID string, payload []byte) (string, error) {
	id, err := a.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: a.key(docID),
		MaxLen: a.cfg.MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"payload":  payload,
			"serverId": a.cfg.ServerID,
			"ts":       time.Now().UnixMilli(),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("%w: append %s: %v", ErrStoreUnavailable, docID, err)
	}
	return id, nil
}

// Range returns entries strictly after afterID, in ascending id order, up
// to limit entries (limit <= 0 means no limit). afterID = "0-0" means
// "from the beginning".
func (a *Adapter) Range(ctx context.Context, docID string, afterID string, limit int64) ([]Entry, error) {
	if afterID == "" {
		afterID = "0-0"
	}
	start := "(" + afterID
	if afterID == "0-0" {
		start = "-"
	}
	var msgs []redis.XMessage
	var err error
	if limit > 0 {
		msgs, err = a.rdb.XRangeN(ctx, a.key(docID), start, "+", limit).Result()
	} else {
		msgs, err = a.rdb.XRange(ctx, a.key(docID), start, "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: range %s: %v", ErrStoreUnavailable, docID, err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		e, err := parseMessage(m)
		if err != nil {
			log.WithError(err).WithField("doc", docID).Warn("stream: dropping unparseable entry")
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// StopFunc stops a tailing subscription started by Subscribe. It returns
// once the tailer goroutine has observed cancellation; it does not block
// on in-flight onEntry calls beyond the one in progress.
type StopFunc func()

// Subscribe starts a long-running tail of docID's stream, delivering
// entries with id > fromID to onEntry in order. If fromID == "$", the
// tail starts from the current end of the stream. Entries whose
// OriginServerID equals this adapter's ServerID are filtered out. onEntry
// is invoked on a dedicated goroutine; the caller must not block it
// indefinitely since that would stall delivery of further entries for
// this document.
func (a *Adapter) Subscribe(ctx context.Context, docID string, fromID string, onEntry func(Entry)) StopFunc {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		a.tailLoop(ctx, docID, fromID, onEntry)
	}()

	return func() {
		cancel()
		<-done
	}
}

func (a *Adapter) tailLoop(ctx context.Context, docID string, fromID string, onEntry func(Entry)) {
	cursor := fromID
	if cursor == "" {
		cursor = "0-0"
	}

	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := a.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{a.key(docID), cursor},
			Count:   a.cfg.BatchSize,
			Block:   a.cfg.IdleDelay,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				// redis.Nil: no new entries within the block window, this
				// is not a failure, just keep polling.
				if errors.Is(err, context.Canceled) {
					return
				}
				continue
			}
			log.WithError(err).WithField("doc", docID).Warn("stream: transient tail error, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = 100 * time.Millisecond

		for _, stream := range res {
			for _, m := range stream.Messages {
				e, perr := parseMessage(m)
				if perr != nil {
					log.WithError(perr).WithField("doc", docID).Warn("stream: dropping unparseable entry")
					continue
				}
				cursor = e.ID
				if e.OriginServerID == a.cfg.ServerID {
					continue
				}
				onEntry(e)
			}
		}
	}
}

func parseMessage(m redis.XMessage) (Entry, error) {
	payload, ok := m.Values["payload"]
	if !ok {
		return Entry{}, fmt.Errorf("stream: entry %s missing payload field", m.ID)
	}
	payloadBytes, err := toBytes(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("stream: entry %s: %w", m.ID, err)
	}

	serverID, _ := m.Values["serverId"].(string)

	var ts int64
	if v, ok := m.Values["ts"]; ok {
		switch tv := v.(type) {
		case string:
			ts, _ = strconv.ParseInt(tv, 10, 64)
		case int64:
			ts = tv
		}
	}

	return Entry{
		ID:             m.ID,
		Payload:        payloadBytes,
		OriginServerID: serverID,
		Ts:             ts,
	}, nil
}

func toBytes(v interface{}) ([]byte, error) {
	switch tv := v.(type) {
	case string:
		return []byte(tv), nil
	case []byte:
		return tv, nil
	default:
		return nil, fmt.Errorf("unexpected payload type %T", v)
	}
}
