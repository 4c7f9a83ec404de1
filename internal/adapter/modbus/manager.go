package modbus

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mouse256/alfen-mqtt/internal/domain"
	"github.com/mouse256/alfen-mqtt/internal/metrics"
	"github.com/rs/zerolog"
)

// Manager owns the connections of one configuration generation.
type Manager struct {
	config    ConnectionConfig
	dial      Dialer
	conns     map[string]*Connection
	listeners []domain.StateListener
	mu        sync.RWMutex
	logger    zerolog.Logger
	metrics   *metrics.Registry
	closed    bool
	wg        sync.WaitGroup
	stop      chan struct{}
}

// NewManager creates an empty manager. A nil dialer uses DialTCP.
func NewManager(config ConnectionConfig, dial Dialer, logger zerolog.Logger, metricsReg *metrics.Registry) *Manager {
	return &Manager{
		config:  config,
		dial:    dial,
		conns:   make(map[string]*Connection),
		logger:  logger.With().Str("component", "modbus-manager").Logger(),
		metrics: metricsReg,
		stop:    make(chan struct{}),
	}
}

// OnStateChange registers a listener attached to every connection added later.
func (m *Manager) OnStateChange(fn domain.StateListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Add creates and starts the connection for device.
func (m *Manager) Add(device *domain.Device) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, domain.ErrServiceStopped
	}
	if _, exists := m.conns[device.ID]; exists {
		return nil, domain.ErrDuplicateID
	}

	conn := NewConnection(device, m.config, m.dial, m.logger, m.metrics)
	for _, fn := range m.listeners {
		conn.OnStateChange(fn)
	}
	m.conns[device.ID] = conn
	conn.Start()

	m.logger.Info().
		Str("device_id", device.ID).
		Int("connections", len(m.conns)).
		Msg("Created Modbus connection with per-device circuit breaker")
	return conn, nil
}

// Get returns the connection for a device.
func (m *Manager) Get(deviceID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[deviceID]
	return conn, ok
}

// Remove closes and forgets one connection.
func (m *Manager) Remove(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	conn, exists := m.conns[deviceID]
	delete(m.conns, deviceID)
	m.mu.Unlock()

	if !exists {
		return domain.ErrDeviceNotFound
	}
	if err := conn.Close(ctx); err != nil {
		m.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Error closing connection")
		return err
	}
	m.logger.Info().Str("device_id", deviceID).Msg("Removed connection")
	return nil
}

// Close closes all connections in parallel, bounded by ctx.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	m.wg.Wait()

	var (
		wg      sync.WaitGroup
		errMu   sync.Mutex
		lastErr error
	)
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if err := c.Close(ctx); err != nil {
				errMu.Lock()
				lastErr = err
				errMu.Unlock()
				m.logger.Warn().Err(err).Str("device_id", c.device.ID).Msg("Error closing connection")
			}
		}(c)
	}
	wg.Wait()

	m.logger.Info().Int("connections", len(conns)).Msg("Connection manager closed")
	return lastErr
}

// StartMetricsLoop periodically publishes the connected-device gauge.
func (m *Manager) StartMetricsLoop(period time.Duration) {
	if m.metrics == nil || period <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				stats := m.Stats()
				m.metrics.SetDevicesConnected(stats.Connected, stats.Total)
			}
		}
	}()
}

// Statuses returns one status per device sorted by ID.
func (m *Manager) Statuses() []DeviceStatus {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	out := make([]DeviceStatus, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// ManagerStats contains connection counts.
type ManagerStats struct {
	Total     int `json:"total"`
	Connected int `json:"connected"`
	Faulted   int `json:"faulted"`
}

// Stats returns connection counts by state.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := ManagerStats{Total: len(m.conns)}
	for _, c := range m.conns {
		switch c.State() {
		case domain.StateConnected:
			stats.Connected++
		case domain.StateFaulted:
			stats.Faulted++
		}
	}
	return stats
}

// HealthCheck implements the health.Checker interface.
// The manager is healthy while operational, even if some devices are down;
// individual device health is reported through Statuses.
func (m *Manager) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return domain.ErrServiceStopped
	}
	return nil
}
