package db

import (
	"context"
	"sync/atomic"
	"time"

	"emoguchi/internal/game"

	"go.uber.org/zap"
)

type RecordKind int

const (
	RoundEnded RecordKind = iota + 1
	RoomClosed
)

// Record is one hook invocation waiting to be written.
type Record struct {
	Kind     RecordKind
	Snapshot game.Snapshot
	At       time.Time
}

// BatchWriter is the storage side of the sink. *DB implements it.
type BatchWriter interface {
	WriteBatch(ctx context.Context, batch []Record) error
}

const (
	defaultBuffer   = 256
	maxBatch        = 50
	flushInterval   = 500 * time.Millisecond
	shutdownTimeout = 5 * time.Second
)

// Sink implements game.Hooks. Hooks are called under a room lock, so they only
// enqueue; Run does the writing. A full buffer drops the record.
type Sink struct {
	w       BatchWriter
	buf     chan Record
	log     *zap.Logger
	dropped atomic.Int64
}

var _ game.Hooks = (*Sink)(nil)

func NewSink(w BatchWriter, buffer int, log *zap.Logger) *Sink {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sink{w: w, buf: make(chan Record, buffer), log: log}
}

func (s *Sink) OnRoundEnd(snap game.Snapshot) {
	s.enqueue(Record{Kind: RoundEnded, Snapshot: snap, At: time.Now()})
}

func (s *Sink) OnRoomClose(snap game.Snapshot) {
	s.enqueue(Record{Kind: RoomClosed, Snapshot: snap, At: time.Now()})
}

func (s *Sink) enqueue(rec Record) {
	select {
	case s.buf <- rec:
	default:
		s.dropped.Add(1)
		s.log.Warn("history buffer full, dropping record",
			zap.String("room", rec.Snapshot.RoomID), zap.Int("kind", int(rec.Kind)))
	}
}

// Dropped reports how many records were discarded on a full buffer.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Run writes queued records in batches until ctx ends, then flushes what is
// left with a short deadline.
func (s *Sink) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, maxBatch)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := s.w.WriteBatch(ctx, batch); err != nil {
			s.log.Error("writing history batch", zap.Int("records", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-s.buf:
			batch = append(batch, rec)
			if len(batch) >= maxBatch {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			for drained := false; !drained; {
				select {
				case rec := <-s.buf:
					batch = append(batch, rec)
				default:
					drained = true
				}
			}
			flush(drainCtx)
			return nil
		}
	}
}
