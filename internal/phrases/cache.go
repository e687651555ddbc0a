// Package phrases keeps a small per-mode buffer of (phrase, emotion) pairs so
// a round can start without waiting on the phrase generator.
package phrases

import (
	"context"
	"strings"
	"sync"
	"time"

	"emoguchi/internal/emotions"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type Entry struct {
	Phrase    string        `json:"phrase"`
	EmotionID string        `json:"emotionId"`
	Mode      emotions.Mode `json:"mode"`
	Fallback  bool          `json:"fallback,omitempty"`
}

// Generator produces a batch of entries for a mode. Implementations should
// honor ctx; the cache also bounds every call on its side.
type Generator interface {
	Generate(ctx context.Context, mode emotions.Mode, n int) ([]Entry, error)
}

type GeneratorFunc func(ctx context.Context, mode emotions.Mode, n int) ([]Entry, error)

func (f GeneratorFunc) Generate(ctx context.Context, mode emotions.Mode, n int) ([]Entry, error) {
	return f(ctx, mode, n)
}

type Options struct {
	Capacity      int
	BatchSize     int
	LowWater      int
	Timeout       time.Duration // bound on an inline fetch during Pop
	RefillTimeout time.Duration // bound on any single generator call
	OnFallback    func(mode emotions.Mode)
}

func DefaultOptions() Options {
	return Options{
		Capacity:      10,
		BatchSize:     5,
		LowWater:      3,
		Timeout:       3 * time.Second,
		RefillTimeout: 20 * time.Second,
	}
}

type Cache struct {
	gen  Generator
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	queues   map[emotions.Mode][]Entry
	rotation map[emotions.Mode]int

	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc
}

func NewCache(gen Generator, opts Options, log *zap.Logger) *Cache {
	def := DefaultOptions()
	if opts.Capacity <= 0 {
		opts.Capacity = def.Capacity
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.LowWater < 0 || opts.LowWater > opts.Capacity {
		opts.LowWater = min(def.LowWater, opts.Capacity)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.RefillTimeout <= 0 {
		opts.RefillTimeout = def.RefillTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		gen:      gen,
		opts:     opts,
		log:      log,
		queues:   make(map[emotions.Mode][]Entry),
		rotation: make(map[emotions.Mode]int),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Pop returns the oldest cached entry for mode. On an empty queue it fetches
// inline, but never waits longer than the configured timeout: past that it
// returns the mode's static fallback. A fetch that finishes late still lands
// in the queue for the next caller.
func (c *Cache) Pop(ctx context.Context, mode emotions.Mode) Entry {
	if e, ok := c.tryPop(mode); ok {
		return e
	}

	ch := c.refill(mode)
	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()

	select {
	case <-ch:
		if e, ok := c.tryPop(mode); ok {
			return e
		}
	case <-timer.C:
		c.log.Warn("phrase fetch exceeded budget, using fallback",
			zap.String("mode", string(mode)), zap.Duration("timeout", c.opts.Timeout))
	case <-ctx.Done():
	}
	return c.fallback(mode)
}

// Prefetch starts a background refill for mode without waiting for it.
func (c *Cache) Prefetch(mode emotions.Mode) {
	c.refill(mode)
}

func (c *Cache) Len(mode emotions.Mode) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues[mode])
}

// Close stops in-flight refills. Pop keeps working from the queue and fallbacks.
func (c *Cache) Close() {
	c.cancel()
}

func (c *Cache) tryPop(mode emotions.Mode) (Entry, bool) {
	c.mu.Lock()
	q := c.queues[mode]
	if len(q) == 0 {
		c.mu.Unlock()
		return Entry{}, false
	}
	e := q[0]
	q[0] = Entry{}
	c.queues[mode] = q[1:]
	remaining := len(q) - 1
	c.mu.Unlock()

	if remaining < c.opts.LowWater {
		c.refill(mode)
	}
	return e, true
}

// refill runs at most one generator call per mode at a time. The call is
// detached from every caller; the returned channel only signals completion.
func (c *Cache) refill(mode emotions.Mode) <-chan singleflight.Result {
	return c.group.DoChan(string(mode), func() (any, error) {
		return c.fill(mode)
	})
}

func (c *Cache) fill(mode emotions.Mode) (int, error) {
	if c.ctx.Err() != nil {
		return 0, c.ctx.Err()
	}
	want := min(c.opts.BatchSize, c.opts.Capacity-c.Len(mode))
	if want <= 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.RefillTimeout)
	defer cancel()

	start := time.Now()
	batch, err := c.gen.Generate(ctx, mode, want)
	if err != nil {
		c.log.Warn("phrase refill failed",
			zap.String("mode", string(mode)), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return 0, err
	}

	c.mu.Lock()
	q := c.queues[mode]
	added := 0
	for _, e := range batch {
		if len(q) >= c.opts.Capacity {
			break
		}
		e.Phrase = strings.TrimSpace(e.Phrase)
		if e.Phrase == "" || !emotions.InMode(mode, e.EmotionID) {
			continue
		}
		e.Mode = mode
		e.Fallback = false
		q = append(q, e)
		added++
	}
	c.queues[mode] = q
	c.mu.Unlock()

	c.log.Debug("phrase refill done",
		zap.String("mode", string(mode)), zap.Int("added", added), zap.Duration("elapsed", time.Since(start)))
	return added, nil
}

// fallback rotates through a fixed table so repeated misses stay deterministic.
func (c *Cache) fallback(mode emotions.Mode) Entry {
	c.mu.Lock()
	i := c.rotation[mode]
	c.rotation[mode] = i + 1
	c.mu.Unlock()

	if c.opts.OnFallback != nil {
		c.opts.OnFallback(mode)
	}
	return FallbackEntry(mode, i)
}
