// Package cache keeps the durable local copy of an in-progress exam attempt
// and delivers it to the server on a best-effort basis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-guard/internal/config"
	"github.com/stemsi/exstem-guard/internal/model"
)

// Syncer delivers a snapshot to the server. Any error is a failed sync.
type Syncer interface {
	SyncSnapshot(ctx context.Context, snap model.CacheSnapshot) error
}

// SyncerFunc adapts a function to Syncer.
type SyncerFunc func(ctx context.Context, snap model.CacheSnapshot) error

func (f SyncerFunc) SyncSnapshot(ctx context.Context, snap model.CacheSnapshot) error {
	return f(ctx, snap)
}

// TickerFunc starts a ticker and returns its channel and a stop function.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Cache) { c.retry = p }
}

// WithTicker replaces the ticker used by AutoSave.
func WithTicker(fn TickerFunc) Option {
	return func(c *Cache) { c.newTicker = fn }
}

// Cache is safe for concurrent use. Network attempts are serialized so a
// retry and a periodic sync never race each other.
type Cache struct {
	store     Store
	syncer    Syncer
	log       zerolog.Logger
	retry     RetryPolicy
	now       func() time.Time
	newTicker TickerFunc

	syncMu sync.Mutex

	mu          sync.Mutex
	state       model.SyncState
	lastSavedAt *time.Time
	failures    int
	nextRetryAt time.Time
}

// New creates a Cache. It starts online with nothing pending; call Restore
// to pick up a pending record left by a previous run.
func New(store Store, syncer Syncer, log zerolog.Logger, opts ...Option) *Cache {
	c := &Cache{
		store:     store,
		syncer:    syncer,
		log:       log.With().Str("component", "cache").Logger(),
		retry:     DefaultRetryPolicy(),
		now:       time.Now,
		newTicker: realTicker,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Save overwrites the current snapshot for the exam. Failures are logged and
// leave the previously saved snapshot in place.
func (c *Cache) Save(ctx context.Context, snap model.CacheSnapshot) {
	if err := snap.Validate(); err != nil {
		c.log.Warn().Err(err).Msg("Refusing to save invalid snapshot")
		return
	}
	data, err := json.Marshal(snap.Normalize())
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to encode snapshot")
		return
	}
	if err := c.store.Put(ctx, config.CacheKey.SnapshotKey(snap.ExamID.String()), data); err != nil {
		c.log.Error().Err(err).Str("exam_id", snap.ExamID.String()).Msg("Failed to save snapshot")
		return
	}

	now := c.now()
	c.mu.Lock()
	c.lastSavedAt = &now
	c.mu.Unlock()
}

// LastSavedAt returns the time of the last successful Save.
func (c *Cache) LastSavedAt() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastSavedAt == nil {
		return time.Time{}, false
	}
	return *c.lastSavedAt, true
}

// Load returns the last saved snapshot. Absent, unreadable and corrupt
// records are all a cache miss.
func (c *Cache) Load(ctx context.Context, examID uuid.UUID) (model.CacheSnapshot, bool) {
	snap, err := c.read(ctx, config.CacheKey.SnapshotKey(examID.String()), examID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Discarding unreadable snapshot")
		}
		return model.CacheSnapshot{}, false
	}
	return snap, true
}

// Clear removes the snapshot and any pending record for the exam. Calling it
// again is harmless.
func (c *Cache) Clear(ctx context.Context, examID uuid.UUID) {
	key := examID.String()
	if err := c.store.Delete(ctx, config.CacheKey.SnapshotKey(key), config.CacheKey.PendingSyncKey(key)); err != nil {
		c.log.Error().Err(err).Str("exam_id", key).Msg("Failed to clear cache")
	}

	c.mu.Lock()
	if c.state.Pending != nil && c.state.Pending.ExamID == examID {
		c.state.Pending = nil
		c.failures = 0
		c.nextRetryAt = time.Time{}
	}
	c.mu.Unlock()
}

// Sync delivers snap to the server and reports whether it was acknowledged.
// While offline the snapshot is only recorded as pending.
func (c *Cache) Sync(ctx context.Context, snap model.CacheSnapshot) bool {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	snap = snap.Normalize()

	c.mu.Lock()
	if c.state.IsOffline {
		c.state.Pending = &snap
		c.mu.Unlock()
		c.persistPending(ctx, snap)
		return false
	}
	c.state.IsSyncing = true
	c.mu.Unlock()

	err := c.syncer.SyncSnapshot(ctx, snap)

	now := c.now()
	c.mu.Lock()
	c.state.IsSyncing = false
	if err != nil {
		c.state.Pending = &snap
		c.failures++
		c.nextRetryAt = now.Add(c.retry.NextDelay(c.failures))
		failures := c.failures
		c.mu.Unlock()

		c.log.Warn().Err(err).Int("failures", failures).Str("exam_id", snap.ExamID.String()).Msg("Sync failed, snapshot kept pending")
		c.persistPending(ctx, snap)
		return false
	}
	hadPending := c.state.Pending != nil
	c.state.Pending = nil
	c.state.LastSyncedAt = &now
	c.failures = 0
	c.nextRetryAt = time.Time{}
	c.mu.Unlock()

	if hadPending {
		if err := c.store.Delete(ctx, config.CacheKey.PendingSyncKey(snap.ExamID.String())); err != nil {
			c.log.Error().Err(err).Msg("Failed to drop pending record")
		}
	}
	return true
}

// SetOnline records a connectivity change. Going from offline to online with
// a pending snapshot triggers exactly one sync attempt; the return value
// reports whether that attempt was made.
func (c *Cache) SetOnline(ctx context.Context, online bool) bool {
	c.mu.Lock()
	wasOffline := c.state.IsOffline
	c.state.IsOffline = !online
	var pending *model.CacheSnapshot
	if c.state.Pending != nil {
		p := *c.state.Pending
		pending = &p
	}
	c.mu.Unlock()

	if !wasOffline || !online || pending == nil {
		return false
	}
	c.log.Info().Str("exam_id", pending.ExamID.String()).Msg("Back online, retrying pending sync")
	c.Sync(ctx, *pending)
	return true
}

// RetryPending attempts the pending snapshot if the backoff allows it and
// reports whether it was delivered.
func (c *Cache) RetryPending(ctx context.Context) bool {
	c.mu.Lock()
	if c.state.Pending == nil || c.state.IsOffline || c.now().Before(c.nextRetryAt) {
		c.mu.Unlock()
		return false
	}
	pending := *c.state.Pending
	c.mu.Unlock()

	return c.Sync(ctx, pending)
}

// State returns a copy of the sync status.
func (c *Cache) State() model.SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.state
	if c.state.Pending != nil {
		p := c.state.Pending.Normalize()
		out.Pending = &p
	}
	if c.state.LastSyncedAt != nil {
		t := *c.state.LastSyncedAt
		out.LastSyncedAt = &t
	}
	return out
}

// Restore reloads a pending record persisted by a previous run.
func (c *Cache) Restore(ctx context.Context, examID uuid.UUID) bool {
	snap, err := c.read(ctx, config.CacheKey.PendingSyncKey(examID.String()), examID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.log.Warn().Err(err).Msg("Discarding unreadable pending record")
		}
		return false
	}
	c.mu.Lock()
	c.state.Pending = &snap
	c.mu.Unlock()
	return true
}

// AutoSave saves the result of current every interval until stop is called
// or ctx ends. current is evaluated at fire time; returning false skips the
// tick. stop is idempotent and returns once no further save can happen.
func (c *Cache) AutoSave(ctx context.Context, current func() (model.CacheSnapshot, bool), interval time.Duration) (stop func()) {
	tick, stopTicker := c.newTicker(interval)
	quit := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer stopTicker()
		for {
			select {
			case <-ctx.Done():
				return
			case <-quit:
				return
			case <-tick:
				snap, ok := current()
				if !ok {
					continue
				}
				select {
				case <-quit:
					return
				default:
				}
				c.Save(ctx, snap)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(quit) })
		<-done
	}
}

func (c *Cache) read(ctx context.Context, key string, examID uuid.UUID) (model.CacheSnapshot, error) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		return model.CacheSnapshot{}, err
	}
	var snap model.CacheSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return model.CacheSnapshot{}, err
	}
	if err := snap.Validate(); err != nil {
		return model.CacheSnapshot{}, err
	}
	if snap.ExamID != examID {
		return model.CacheSnapshot{}, errors.New("snapshot belongs to another exam")
	}
	return snap.Normalize(), nil
}

func (c *Cache) persistPending(ctx context.Context, snap model.CacheSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to encode pending snapshot")
		return
	}
	if err := c.store.Put(ctx, config.CacheKey.PendingSyncKey(snap.ExamID.String()), data); err != nil {
		c.log.Error().Err(err).Msg("Failed to persist pending snapshot")
	}
}
