// Package service implements the bridging core: the state cache, the poll
// scheduler, the command path and the configuration runtime that ties them
// to the device connections.
package service

import (
	"sort"
	"sync"
	"time"

	"github.com/mouse256/alfen-mqtt/internal/domain"
	"github.com/mouse256/alfen-mqtt/internal/metrics"
	"github.com/rs/zerolog"
)

// ChangeListener receives every dirty entry produced by the cache.
// Listeners run synchronously in update order and must not call back into
// the cache's mutating methods.
type ChangeListener func(entry domain.StateEntry)

// StateCache holds the last device-reported value of every point.
// Update is the only path that changes a value; the Mark* methods only
// change quality.
type StateCache struct {
	mu        sync.RWMutex
	entries   map[domain.PointKey]*domain.StateEntry
	down      map[string]struct{}
	listeners []ChangeListener

	// notifyMu keeps listener delivery in the order mutations were applied.
	notifyMu sync.Mutex

	logger  zerolog.Logger
	metrics *metrics.Registry
}

// NewStateCache creates an empty cache.
func NewStateCache(logger zerolog.Logger, metricsReg *metrics.Registry) *StateCache {
	return &StateCache{
		entries: make(map[domain.PointKey]*domain.StateEntry),
		down:    make(map[string]struct{}),
		logger:  logger.With().Str("component", "state-cache").Logger(),
		metrics: metricsReg,
	}
}

// OnStateChange registers a listener for dirty entries.
func (c *StateCache) OnStateChange(fn ChangeListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Register creates Unknown entries for points not yet known.
// Existing entries keep their value and quality.
func (c *StateCache) Register(points []*domain.Point) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range points {
		key := p.Key()
		if e, ok := c.entries[key]; ok {
			e.Unit = p.Unit
			continue
		}
		c.entries[key] = &domain.StateEntry{
			Key:      key,
			DeviceID: p.DeviceID,
			PointID:  p.ID,
			Unit:     p.Unit,
			Quality:  domain.QualityUnknown,
		}
	}
	c.setSizeLocked()
}

// Retain drops every entry whose key is not in keep.
func (c *StateCache) Retain(keep map[domain.PointKey]struct{}) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key := range c.entries {
		if _, ok := keep[key]; !ok {
			delete(c.entries, key)
			removed++
		}
	}
	c.setSizeLocked()
	return removed
}

// Update records a value read from or acknowledged by the device.
// It returns true when the entry became dirty. Updates older than the
// stored timestamp are dropped; values within the point's dead-band only
// refresh the timestamp unless the quality changes. While the device is
// marked down the value is stored as Stale.
func (c *StateCache) Update(point *domain.Point, value interface{}, ts time.Time) bool {
	key := point.Key()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &domain.StateEntry{
			Key:      key,
			DeviceID: point.DeviceID,
			PointID:  point.ID,
			Unit:     point.Unit,
			Quality:  domain.QualityUnknown,
		}
		c.entries[key] = e
		c.setSizeLocked()
	}

	if ts.Before(e.Timestamp) {
		c.mu.Unlock()
		c.record("out_of_order")
		c.logger.Debug().
			Str("point", string(key)).
			Time("stored", e.Timestamp).
			Time("received", ts).
			Msg("Dropped out-of-order update")
		return false
	}

	quality := domain.QualityGood
	if _, down := c.down[point.DeviceID]; down {
		quality = domain.QualityStale
	}

	e.Timestamp = ts
	if e.Quality == quality && point.WithinDeadband(e.Value, value) {
		c.mu.Unlock()
		c.record("suppressed")
		return false
	}

	e.Value = value
	e.Quality = quality
	e.Dirty = true
	snapshot := *e
	c.notifyAndUnlock([]domain.StateEntry{snapshot})
	c.record("changed")
	return true
}

// MarkUnknown downgrades one point after a failed decode. The value is kept.
func (c *StateCache) MarkUnknown(key domain.PointKey) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || e.Quality == domain.QualityUnknown {
		c.mu.Unlock()
		return false
	}
	e.Quality = domain.QualityUnknown
	e.Dirty = true
	c.notifyAndUnlock([]domain.StateEntry{*e})
	return true
}

// MarkDeviceStale downgrades every Good point of a device to Stale without
// touching values, and keeps later updates Stale until MarkDeviceUp. It
// returns the number of entries changed.
func (c *StateCache) MarkDeviceStale(deviceID string) int {
	c.mu.Lock()
	c.down[deviceID] = struct{}{}
	var changed []domain.StateEntry
	for _, e := range c.entries {
		if e.DeviceID != deviceID || e.Quality != domain.QualityGood {
			continue
		}
		e.Quality = domain.QualityStale
		e.Dirty = true
		changed = append(changed, *e)
	}
	if len(changed) == 0 {
		c.mu.Unlock()
		return 0
	}
	sortEntries(changed)
	c.notifyAndUnlock(changed)

	c.logger.Info().
		Str("device_id", deviceID).
		Int("points", len(changed)).
		Msg("Marked device points stale")
	return len(changed)
}

// MarkDeviceUp lets updates of a reconnected device count as Good again.
func (c *StateCache) MarkDeviceUp(deviceID string) {
	c.mu.Lock()
	delete(c.down, deviceID)
	c.mu.Unlock()
}

// MarkAllStale downgrades every Good entry, used when a new configuration
// generation replaces all connections.
func (c *StateCache) MarkAllStale() int {
	c.mu.Lock()
	var changed []domain.StateEntry
	for _, e := range c.entries {
		if e.Quality != domain.QualityGood {
			continue
		}
		e.Quality = domain.QualityStale
		e.Dirty = true
		changed = append(changed, *e)
	}
	if len(changed) == 0 {
		c.mu.Unlock()
		return 0
	}
	sortEntries(changed)
	c.notifyAndUnlock(changed)
	return len(changed)
}

// ClearPublished resets the dirty flag once the given entry has been
// published. It is a no-op if value or quality moved on in the meantime, so
// the newer state stays dirty.
func (c *StateCache) ClearPublished(published domain.StateEntry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[published.Key]
	if !ok || !e.Dirty {
		return false
	}
	if e.Quality != published.Quality || e.Value != published.Value {
		return false
	}
	e.Dirty = false
	return true
}

// Read returns a copy of one entry.
func (c *StateCache) Read(key domain.PointKey) (domain.StateEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return domain.StateEntry{}, false
	}
	return *e, true
}

// SnapshotAll returns a copy of every entry.
func (c *StateCache) SnapshotAll() map[domain.PointKey]domain.StateEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[domain.PointKey]domain.StateEntry, len(c.entries))
	for k, e := range c.entries {
		out[k] = *e
	}
	return out
}

// List returns every entry sorted by key.
func (c *StateCache) List() []domain.StateEntry {
	c.mu.RLock()
	out := make([]domain.StateEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	c.mu.RUnlock()
	sortEntries(out)
	return out
}

// Dirty returns the entries still awaiting publish.
func (c *StateCache) Dirty() []domain.StateEntry {
	c.mu.RLock()
	var out []domain.StateEntry
	for _, e := range c.entries {
		if e.Dirty {
			out = append(out, *e)
		}
	}
	c.mu.RUnlock()
	sortEntries(out)
	return out
}

// Len returns the number of cached points.
func (c *StateCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// notifyAndUnlock hands the entries to the listeners. It must be called with
// mu held and releases it once delivery order is secured.
func (c *StateCache) notifyAndUnlock(entries []domain.StateEntry) {
	listeners := c.listeners
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()

	for _, e := range entries {
		for _, fn := range listeners {
			fn(e)
		}
	}
}

func (c *StateCache) record(result string) {
	if c.metrics != nil {
		c.metrics.RecordCacheUpdate(result)
	}
}

func (c *StateCache) setSizeLocked() {
	if c.metrics != nil {
		c.metrics.SetCachePoints(len(c.entries))
	}
}

func sortEntries(entries []domain.StateEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
}
