package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	mb "github.com/mouse256/alfen-mqtt/internal/adapter/modbus"
	"github.com/mouse256/alfen-mqtt/internal/domain"
	"github.com/mouse256/alfen-mqtt/internal/metrics"
	"github.com/rs/zerolog"
)

// RuntimeConfig holds the settings shared by every configuration generation.
type RuntimeConfig struct {
	Connection mb.ConnectionConfig
	Scheduler  SchedulerConfig
	Commands   CommandConfig

	// Dial overrides the Modbus transport. Nil uses TCP.
	Dial mb.Dialer

	// DrainTimeout bounds closing the connections of a replaced generation.
	DrainTimeout time.Duration
}

// GenerationListener is notified after a generation went live.
type GenerationListener func(gen *Generation)

// Generation is an immutable set of devices together with the connections,
// scheduler and command service serving them.
type Generation struct {
	ID        uint64
	Devices   []*domain.Device
	CreatedAt time.Time

	byID      map[string]*domain.Device
	manager   *mb.Manager
	scheduler *Scheduler
	commands  *CommandService

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Route implements Router.
func (g *Generation) Route(key domain.PointKey) (*domain.Point, *domain.RegisterGroup, domain.Transactor, error) {
	deviceID, pointID := key.Split()
	device, ok := g.byID[deviceID]
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, deviceID)
	}
	point, group, ok := device.FindPoint(pointID)
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: %s", domain.ErrPointNotFound, key)
	}
	conn, ok := g.manager.Get(deviceID)
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: %s has no connection", domain.ErrDeviceNotFound, deviceID)
	}
	return point, group, conn, nil
}

// Point returns a point definition by key.
func (g *Generation) Point(key domain.PointKey) (*domain.Point, bool) {
	deviceID, pointID := key.Split()
	device, ok := g.byID[deviceID]
	if !ok {
		return nil, false
	}
	p, _, ok := device.FindPoint(pointID)
	return p, ok
}

// Device returns a device by ID.
func (g *Generation) Device(id string) (*domain.Device, bool) {
	d, ok := g.byID[id]
	return d, ok
}

// Points returns every point of the generation ordered by key.
func (g *Generation) Points() []*domain.Point {
	var out []*domain.Point
	for _, d := range g.Devices {
		out = append(out, d.Points()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Runtime owns the state cache and swaps configuration generations
// atomically. A replaced generation is cancelled and drained before its
// successor opens any connection.
type Runtime struct {
	config  RuntimeConfig
	cache   *StateCache
	logger  zerolog.Logger
	metrics *metrics.Registry

	current   atomic.Pointer[Generation]
	reloadMu  sync.Mutex
	nextID    uint64
	listeners []GenerationListener
	stopped   atomic.Bool
}

// NewRuntime creates a runtime around cache. No generation is live until Load.
func NewRuntime(config RuntimeConfig, cache *StateCache, logger zerolog.Logger, metricsReg *metrics.Registry) *Runtime {
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 10 * time.Second
	}
	if config.Dial == nil {
		config.Dial = mb.DialTCP
	}
	return &Runtime{
		config:  config,
		cache:   cache,
		logger:  logger.With().Str("component", "runtime").Logger(),
		metrics: metricsReg,
	}
}

// OnGeneration registers a listener called after every successful Load.
func (r *Runtime) OnGeneration(fn GenerationListener) {
	r.reloadMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.reloadMu.Unlock()
}

// Cache returns the state cache.
func (r *Runtime) Cache() *StateCache {
	return r.cache
}

// Current returns the live generation or nil.
func (r *Runtime) Current() *Generation {
	return r.current.Load()
}

// Load validates devices and replaces the live generation with a new one.
// Disabled devices are kept out of the generation.
func (r *Runtime) Load(ctx context.Context, devices []*domain.Device) (*Generation, error) {
	if r.stopped.Load() {
		return nil, domain.ErrServiceStopped
	}

	var enabled []*domain.Device
	seen := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("%w: device %q", domain.ErrDuplicateID, d.ID)
		}
		seen[d.ID] = struct{}{}
		if d.Enabled {
			enabled = append(enabled, d)
		} else {
			r.logger.Debug().Str("device_id", d.ID).Msg("Skipping disabled device")
		}
	}

	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	if old := r.current.Load(); old != nil {
		r.drain(ctx, old)
	}

	r.nextID++
	gen := r.build(r.nextID, enabled)

	keep := make(map[domain.PointKey]struct{})
	points := gen.Points()
	for _, p := range points {
		keep[p.Key()] = struct{}{}
	}
	if removed := r.cache.Retain(keep); removed > 0 {
		r.logger.Info().Int("points", removed).Msg("Dropped points of removed configuration")
	}
	r.cache.MarkAllStale()
	r.cache.Register(points)

	r.current.Store(gen)
	r.start(gen)

	if r.metrics != nil {
		r.metrics.SetConfigGeneration(gen.ID)
		r.metrics.SetDevicesConnected(0, len(enabled))
	}
	r.logger.Info().
		Uint64("generation", gen.ID).
		Int("devices", len(enabled)).
		Int("points", len(points)).
		Msg("Configuration generation live")

	for _, fn := range r.listeners {
		fn(gen)
	}
	return gen, nil
}

func (r *Runtime) build(id uint64, devices []*domain.Device) *Generation {
	ctx, cancel := context.WithCancel(context.Background())
	gen := &Generation{
		ID:        id,
		Devices:   devices,
		CreatedAt: time.Now(),
		byID:      make(map[string]*domain.Device, len(devices)),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, d := range devices {
		gen.byID[d.ID] = d
	}
	gen.manager = mb.NewManager(r.config.Connection, r.config.Dial, r.logger, r.metrics)
	gen.scheduler = NewScheduler(r.config.Scheduler, r.cache, r.logger, r.metrics)
	gen.commands = NewCommandService(ctx, r.config.Commands, gen, r.cache, r.logger, r.metrics)

	gen.manager.OnStateChange(func(deviceID string, from, to domain.ConnectionState) {
		if to == domain.StateConnected {
			r.cache.MarkDeviceUp(deviceID)
			gen.scheduler.Expedite(deviceID)
			return
		}
		if from == domain.StateConnected {
			r.cache.MarkDeviceStale(deviceID)
		}
	})
	return gen
}

func (r *Runtime) start(gen *Generation) {
	for _, d := range gen.Devices {
		conn, err := gen.manager.Add(d)
		if err != nil {
			r.logger.Error().Err(err).Str("device_id", d.ID).Msg("Failed to create connection")
			continue
		}
		gen.scheduler.AddDevice(d, conn)
	}
	gen.manager.StartMetricsLoop(5 * time.Second)

	gen.wg.Add(2)
	go func() {
		defer gen.wg.Done()
		gen.scheduler.Run(gen.ctx)
	}()
	go func() {
		defer gen.wg.Done()
		gen.commands.RunRefresh(gen.ctx)
	}()
}

// drain cancels a generation's jobs and commands, waits for in-flight work
// and closes its connections gracefully.
func (r *Runtime) drain(ctx context.Context, gen *Generation) {
	r.logger.Info().Uint64("generation", gen.ID).Msg("Draining configuration generation")
	gen.cancel()
	gen.wg.Wait()

	closeCtx, cancel := context.WithTimeout(ctx, r.config.DrainTimeout)
	defer cancel()
	if err := gen.manager.Close(closeCtx); err != nil {
		r.logger.Warn().Err(err).Uint64("generation", gen.ID).Msg("Error closing connections")
	}
	if r.metrics != nil {
		for _, d := range gen.Devices {
			r.metrics.ForgetDevice(d.ID)
		}
	}
}

// Stop drains the live generation. Load fails afterwards.
func (r *Runtime) Stop(ctx context.Context) error {
	if !r.stopped.CompareAndSwap(false, true) {
		return nil
	}
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	if gen := r.current.Swap(nil); gen != nil {
		r.drain(ctx, gen)
	}
	r.logger.Info().Msg("Runtime stopped")
	return nil
}

// Submit routes a command through the live generation. This is the single
// write entry point used by both MQTT and REST.
func (r *Runtime) Submit(ctx context.Context, key domain.PointKey, value interface{}, source string) (*domain.Command, error) {
	gen := r.current.Load()
	if gen == nil {
		deviceID, pointID := key.Split()
		cmd := &domain.Command{DeviceID: deviceID, PointID: pointID, Value: value, Source: source, CreatedAt: time.Now()}
		err := &domain.CommandError{Kind: domain.CommandKindUnroutable, PointID: string(key), Err: domain.ErrServiceNotStarted}
		cmd.Resolve(domain.CommandRejected, err)
		return cmd, err
	}
	return gen.commands.Submit(ctx, key, value, source)
}

// Read returns the cached entry of one point.
func (r *Runtime) Read(key domain.PointKey) (domain.StateEntry, bool) {
	return r.cache.Read(key)
}

// SnapshotAll returns every cached entry.
func (r *Runtime) SnapshotAll() map[domain.PointKey]domain.StateEntry {
	return r.cache.SnapshotAll()
}

// Dirty returns the cached entries not yet published.
func (r *Runtime) Dirty() []domain.StateEntry {
	return r.cache.Dirty()
}

// ClearPublished acknowledges that an entry reached the broker.
func (r *Runtime) ClearPublished(entry domain.StateEntry) bool {
	return r.cache.ClearPublished(entry)
}

// Devices returns the devices of the live generation.
func (r *Runtime) Devices() []*domain.Device {
	if gen := r.current.Load(); gen != nil {
		return gen.Devices
	}
	return nil
}

// Point returns a point definition of the live generation.
func (r *Runtime) Point(key domain.PointKey) (*domain.Point, bool) {
	if gen := r.current.Load(); gen != nil {
		return gen.Point(key)
	}
	return nil, false
}

// Points returns every point of the live generation.
func (r *Runtime) Points() []*domain.Point {
	if gen := r.current.Load(); gen != nil {
		return gen.Points()
	}
	return nil
}

// DeviceStatuses returns the connection status of every live device.
func (r *Runtime) DeviceStatuses() []mb.DeviceStatus {
	if gen := r.current.Load(); gen != nil {
		return gen.manager.Statuses()
	}
	return nil
}

// Jobs returns the poll jobs of the live generation.
func (r *Runtime) Jobs() []JobStatus {
	if gen := r.current.Load(); gen != nil {
		return gen.scheduler.Jobs()
	}
	return nil
}

// RuntimeStats aggregates the statistics of the live generation.
type RuntimeStats struct {
	Generation  uint64                 `json:"generation"`
	Connections mb.ManagerStats        `json:"connections"`
	Polling     SchedulerStatsSnapshot `json:"polling"`
	Commands    CommandStatsSnapshot   `json:"commands"`
	Points      int                    `json:"points"`
}

// Stats returns the statistics of the live generation.
func (r *Runtime) Stats() RuntimeStats {
	st := RuntimeStats{Points: r.cache.Len()}
	if gen := r.current.Load(); gen != nil {
		st.Generation = gen.ID
		st.Connections = gen.manager.Stats()
		st.Polling = gen.scheduler.Stats()
		st.Commands = gen.commands.Stats()
	}
	return st
}

// HealthCheck implements the health.Checker interface.
func (r *Runtime) HealthCheck(ctx context.Context) error {
	gen := r.current.Load()
	if gen == nil {
		if r.stopped.Load() {
			return domain.ErrServiceStopped
		}
		return domain.ErrServiceNotStarted
	}
	return gen.manager.HealthCheck(ctx)
}
