// Package cluster keeps room state and broadcasts consistent across gateway
// processes through a shared Redis backend.
//
// Snapshot writes are fire-and-forget: the event-handling path never waits
// for the store. Reads (join rehydration) are synchronous but bounded by a
// timeout and degrade to local-only behavior when the store is unavailable.
package cluster

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/quickpair/gateway/internal/metrics"
	"github.com/quickpair/gateway/internal/room"
)

const (
	defaultSnapshotTTL = time.Hour
	defaultOpTimeout   = 2 * time.Second

	roomKeyPrefix    = "gw:room:"
	broadcastChannel = "gw:broadcast"

	// publishQueueLen bounds the outbound broadcast queue. A full queue drops
	// the frame rather than blocking the event path.
	publishQueueLen = 256
)

// Envelope is the pub/sub frame carrying a broadcast (or a directed event)
// between gateway processes. Origin identifies the publishing process so it
// can skip its own copy; Target, when set, addresses a single client instead
// of a room.
type Envelope struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room,omitempty"`
	Target  string          `json:"target,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Exclude string          `json:"exclude,omitempty"`
}

type Config struct {
	Client      *redis.Client
	ProcessID   string
	SnapshotTTL time.Duration
	OpTimeout   time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Sync is the shared-store bridge. A nil *Sync is the single-process mode:
// every method is a no-op, so callers branch on the capability exactly once,
// at construction.
type Sync struct {
	client      *redis.Client
	processID   string
	snapshotTTL time.Duration
	opTimeout   time.Duration
	log         *slog.Logger
	metrics     *metrics.Metrics

	// pub is drained by a single goroutine so that broadcasts from this
	// process reach Redis in the order Publish was called.
	pub chan []byte
}

func New(cfg Config) *Sync {
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = defaultSnapshotTTL
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ProcessID == "" {
		cfg.ProcessID = uuid.NewString()
	}
	s := &Sync{
		client:      cfg.Client,
		processID:   cfg.ProcessID,
		snapshotTTL: cfg.SnapshotTTL,
		opTimeout:   cfg.OpTimeout,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		pub:         make(chan []byte, publishQueueLen),
	}
	go s.publishLoop()
	return s
}

// ProcessID returns the identifier used as the pub/sub origin.
func (s *Sync) ProcessID() string {
	if s == nil {
		return ""
	}
	return s.processID
}

// Store replicates a room snapshot without awaiting acknowledgement.
func (s *Sync) Store(snap room.Snapshot) {
	if s == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		s.log.Error("snapshot marshal failed", "room", snap.Code, "err", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
		defer cancel()
		if err := s.client.Set(ctx, roomKeyPrefix+snap.Code, data, s.snapshotTTL).Err(); err != nil {
			s.log.Warn("snapshot write failed", "room", snap.Code, "err", err)
			s.metrics.Inc(metrics.ClusterErrors)
		}
	}()
}

// Fetch reads a room snapshot synchronously. A store failure is reported as a
// miss; the caller then sees the ordinary room-not-found path.
func (s *Sync) Fetch(code string) (room.Snapshot, bool) {
	if s == nil {
		return room.Snapshot{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, roomKeyPrefix+code).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.log.Warn("snapshot read failed", "room", code, "err", err)
			s.metrics.Inc(metrics.ClusterErrors)
		}
		return room.Snapshot{}, false
	}

	var snap room.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.log.Warn("snapshot decode failed", "room", code, "err", err)
		s.metrics.Inc(metrics.ClusterErrors)
		return room.Snapshot{}, false
	}
	return snap, true
}

// Delete removes a room snapshot best-effort.
func (s *Sync) Delete(code string) {
	if s == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
		defer cancel()
		if err := s.client.Del(ctx, roomKeyPrefix+code).Err(); err != nil {
			s.log.Warn("snapshot delete failed", "room", code, "err", err)
			s.metrics.Inc(metrics.ClusterErrors)
		}
	}()
}

// Publish fans an envelope out to peer processes without awaiting delivery.
// Frames are handed to the publisher goroutine, so envelopes from this process
// hit the wire in Publish order.
func (s *Sync) Publish(env Envelope) {
	if s == nil {
		return
	}
	env.Origin = s.processID
	data, err := json.Marshal(env)
	if err != nil {
		s.log.Error("envelope marshal failed", "event", env.Event, "err", err)
		return
	}
	select {
	case s.pub <- data:
	default:
		s.log.Warn("broadcast queue full, dropping frame", "event", env.Event)
		s.metrics.Inc(metrics.ClusterErrors)
	}
}

func (s *Sync) publishLoop() {
	for data := range s.pub {
		ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
		err := s.client.Publish(ctx, broadcastChannel, data).Err()
		cancel()
		if err != nil {
			s.log.Warn("broadcast publish failed", "err", err)
			s.metrics.Inc(metrics.ClusterErrors)
		}
	}
}

// Subscribe consumes peer broadcasts until ctx is cancelled, invoking handler
// for every envelope published by another process. Malformed frames and
// frames from this process are dropped.
func (s *Sync) Subscribe(ctx context.Context, handler func(Envelope)) {
	if s == nil {
		return
	}
	sub := s.client.Subscribe(ctx, broadcastChannel)

	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					s.log.Warn("dropping malformed broadcast frame", "err", err)
					s.metrics.Inc(metrics.ClusterErrors)
					continue
				}
				if env.Origin == s.processID {
					continue
				}
				handler(env)
			}
		}
	}()
}
