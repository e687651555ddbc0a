// Package redisstore keeps the latest round outcome of every live room in
// Redis so other processes (dashboards, a restarted server) can read it.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"emoguchi/internal/game"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix    = "emoguchi:room:"
	lastTTL      = 24 * time.Hour
	writeTimeout = 2 * time.Second
	queueSize    = 256
)

// LastKey formats the key holding a room's latest snapshot.
// Key format: "emoguchi:room:{code}:last"
func LastKey(roomID string) string {
	return keyPrefix + roomID + ":last"
}

// Connect parses a redis:// URL, or treats a bare host:port as an address.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		opt = &redis.Options{Addr: url}
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

// Commander is the subset of the redis client the hook uses.
type Commander interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

type op struct {
	roomID string
	name   string
	run    func(ctx context.Context) error
	done   chan struct{} // set on Wait barriers only
}

// Hook implements game.Hooks. Hooks are called with the room locked, so
// writes are queued and applied by a single worker in call order; a round's
// SET can never land after the room's DEL.
type Hook struct {
	client Commander
	log    *zap.Logger

	mu     sync.Mutex
	closed bool
	ops    chan op
	exited chan struct{}
}

var _ game.Hooks = (*Hook)(nil)

func NewHook(client Commander, log *zap.Logger) *Hook {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hook{
		client: client,
		log:    log,
		ops:    make(chan op, queueSize),
		exited: make(chan struct{}),
	}
	go h.worker()
	return h
}

func (h *Hook) OnRoundEnd(snap game.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		h.log.Error("encoding snapshot", zap.String("room", snap.RoomID), zap.Error(err))
		return
	}
	key := LastKey(snap.RoomID)
	h.enqueue(op{roomID: snap.RoomID, name: "set", run: func(ctx context.Context) error {
		return h.client.Set(ctx, key, data, lastTTL).Err()
	}})
}

func (h *Hook) OnRoomClose(snap game.Snapshot) {
	key := LastKey(snap.RoomID)
	h.enqueue(op{roomID: snap.RoomID, name: "del", run: func(ctx context.Context) error {
		return h.client.Del(ctx, key).Err()
	}})
}

// enqueue never blocks: a full queue drops the write.
func (h *Hook) enqueue(o op) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	select {
	case h.ops <- o:
		return true
	default:
		h.log.Warn("redis queue full, dropping write", zap.String("room", o.roomID), zap.String("op", o.name))
		return false
	}
}

func (h *Hook) worker() {
	defer close(h.exited)
	for o := range h.ops {
		if o.done != nil {
			close(o.done)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := o.run(ctx); err != nil {
			h.log.Warn("redis write failed", zap.String("room", o.roomID), zap.String("op", o.name), zap.Error(err))
		}
		cancel()
	}
}

// Wait blocks until every write queued before it has been applied.
func (h *Hook) Wait() {
	done := make(chan struct{})
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		<-h.exited
		return
	}
	h.ops <- op{done: done}
	h.mu.Unlock()
	<-done
}

// Close applies the queued writes and stops the worker.
func (h *Hook) Close() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.ops)
	}
	h.mu.Unlock()
	<-h.exited
}

// Last returns the snapshot stored at the end of the room's latest round.
func (h *Hook) Last(ctx context.Context, roomID string) (game.Snapshot, bool, error) {
	data, err := h.client.Get(ctx, LastKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return game.Snapshot{}, false, nil
	}
	if err != nil {
		return game.Snapshot{}, false, fmt.Errorf("reading last result: %w", err)
	}
	var snap game.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return game.Snapshot{}, false, fmt.Errorf("decoding last result: %w", err)
	}
	return snap, true, nil
}
