package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"emoguchi/internal/game"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]Record
}

func (f *fakeWriter) WriteBatch(_ context.Context, batch []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]Record(nil), batch...))
	return nil
}

func (f *fakeWriter) records() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func snapshot(room string) game.Snapshot {
	return game.Snapshot{RoomState: game.RoomState{RoomID: room}, GameID: "g-" + room}
}

func TestSink_DropsWhenFull(t *testing.T) {
	s := NewSink(&fakeWriter{}, 1, nil)
	s.OnRoundEnd(snapshot("A"))
	s.OnRoundEnd(snapshot("B"))
	s.OnRoomClose(snapshot("C"))
	assert.Equal(t, int64(2), s.Dropped())
}

func TestSink_FlushesOnTick(t *testing.T) {
	w := &fakeWriter{}
	s := NewSink(w, 10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.OnRoundEnd(snapshot("A"))
	s.OnRoomClose(snapshot("A"))
	require.Eventually(t, func() bool { return w.records() == 2 }, 2*time.Second, 10*time.Millisecond)

	w.mu.Lock()
	defer w.mu.Unlock()
	last := w.batches[len(w.batches)-1]
	assert.Equal(t, RoomClosed, last[len(last)-1].Kind)
}

func TestSink_FlushesFullBatch(t *testing.T) {
	w := &fakeWriter{}
	s := NewSink(w, maxBatch*2, nil)
	for range maxBatch {
		s.OnRoundEnd(snapshot("A"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool { return w.records() == maxBatch }, time.Second, 5*time.Millisecond)
}

func TestSink_DrainsOnShutdown(t *testing.T) {
	w := &fakeWriter{}
	s := NewSink(w, 10, nil)
	s.OnRoundEnd(snapshot("A"))
	s.OnRoundEnd(snapshot("B"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))
	assert.Equal(t, 2, w.records())
}
