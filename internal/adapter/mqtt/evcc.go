package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mouse256/alfen-mqtt/internal/codec"
	"github.com/mouse256/alfen-mqtt/internal/domain"
	"github.com/rs/zerolog"
)

// EVCCCore is the part of the runtime the evcc integration depends on.
type EVCCCore interface {
	Read(key domain.PointKey) (domain.StateEntry, bool)
	Submit(ctx context.Context, key domain.PointKey, value interface{}, source string) (*domain.Command, error)
}

// EVCCCharger maps one charger socket onto the points that feed its status
// topic and the point that takes evcc's current limit.
type EVCCCharger struct {
	Name     string
	Socket   int
	DeviceID string

	Available  string
	Mode3      string
	Power      string
	MaxCurrent string
}

// EVCCConfig configures the evcc integration.
type EVCCConfig struct {
	// Prefix is the root of the evcc topics, e.g. "alfen/evcc".
	Prefix string

	// ThreePhaseThreshold is the requested current from which the limit is
	// treated as a total and spread over three phases.
	ThreePhaseThreshold float64

	Chargers       []EVCCCharger
	PublishTimeout time.Duration
}

// ChargerStatus is the derived charger state published for evcc.
type ChargerStatus struct {
	Enabled bool    `json:"enabled"`
	Status  string  `json:"status"`
	Power   float64 `json:"power"`
}

type evccSetpoint struct {
	enabled    bool
	maxCurrent float64
}

// EVCC publishes charger status in the layout evcc's MQTT charger template
// reads and turns evcc's enable/maxCurrent requests into commands.
type EVCC struct {
	config    EVCCConfig
	transport Transport
	core      EVCCCore
	logger    zerolog.Logger

	watched map[domain.PointKey]struct{}

	mu        sync.Mutex
	published map[string]ChargerStatus
	setpoints map[string]evccSetpoint

	changed   chan struct{}
	connected chan struct{}
}

// NewEVCC creates the evcc integration.
func NewEVCC(config EVCCConfig, transport Transport, core EVCCCore, logger zerolog.Logger) *EVCC {
	config.Prefix = strings.TrimSuffix(config.Prefix, "/")
	if config.Prefix == "" {
		config.Prefix = "alfen/evcc"
	}
	if config.ThreePhaseThreshold <= 0 {
		config.ThreePhaseThreshold = 18
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}

	e := &EVCC{
		config:    config,
		transport: transport,
		core:      core,
		logger:    logger.With().Str("component", "evcc").Logger(),
		watched:   make(map[domain.PointKey]struct{}),
		published: make(map[string]ChargerStatus),
		setpoints: make(map[string]evccSetpoint),
		changed:   make(chan struct{}, 1),
		connected: make(chan struct{}, 1),
	}
	for _, c := range config.Chargers {
		for _, id := range []string{c.Available, c.Mode3, c.Power} {
			e.watched[domain.NewPointKey(c.DeviceID, id)] = struct{}{}
		}
	}
	return e
}

// StatusTopic returns the status topic of a charger socket.
func (e *EVCC) StatusTopic(name string, socket int) string {
	return fmt.Sprintf("%s/status/%s/%d", e.config.Prefix, name, socket)
}

// SetFilter returns the subscription filter for evcc requests.
func (e *EVCC) SetFilter() string {
	return e.config.Prefix + "/set/+/+/+"
}

// OnStateChange is the cache listener. It only signals Run.
func (e *EVCC) OnStateChange(entry domain.StateEntry) {
	if _, ok := e.watched[entry.Key]; ok {
		signal(e.changed)
	}
}

// Run subscribes to evcc requests and publishes status until ctx is done.
func (e *EVCC) Run(ctx context.Context) error {
	e.transport.OnConnect(func() { signal(e.connected) })
	err := e.transport.Subscribe(e.SetFilter(), func(topic string, payload []byte) {
		if _, err := e.OnSetReceived(ctx, topic, payload); err != nil {
			e.logger.Warn().Err(err).Str("topic", topic).Msg("evcc request not applied")
		}
	})
	if err != nil {
		return err
	}
	if e.transport.IsConnected() {
		signal(e.connected)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.connected:
			e.mu.Lock()
			e.published = make(map[string]ChargerStatus)
			e.mu.Unlock()
			e.PublishStatus(ctx)
		case <-e.changed:
			e.PublishStatus(ctx)
		}
	}
}

// PublishStatus derives the status of every charger and publishes the ones
// that changed since their last publish.
func (e *EVCC) PublishStatus(ctx context.Context) int {
	published := 0
	for _, c := range e.config.Chargers {
		status, err := e.Status(c)
		if err != nil {
			e.logger.Debug().Err(err).Str("charger", c.Name).Msg("evcc status not available")
			continue
		}
		topic := e.StatusTopic(c.Name, c.Socket)

		e.mu.Lock()
		last, seen := e.published[topic]
		e.mu.Unlock()
		if seen && last == status {
			continue
		}

		payload, err := json.Marshal(status)
		if err != nil {
			e.logger.Error().Err(err).Msg("Failed to encode evcc status")
			continue
		}
		pubCtx, cancel := context.WithTimeout(ctx, e.config.PublishTimeout)
		err = e.transport.Publish(pubCtx, topic, payload, false)
		cancel()
		if err != nil {
			e.logger.Debug().Err(err).Str("topic", topic).Msg("evcc status publish failed")
			continue
		}

		e.mu.Lock()
		e.published[topic] = status
		e.mu.Unlock()
		published++
	}
	return published
}

// Status derives the evcc view of one charger socket. Every source point
// must currently be Good.
func (e *EVCC) Status(c EVCCCharger) (ChargerStatus, error) {
	available, err := e.read(c.DeviceID, c.Available)
	if err != nil {
		return ChargerStatus{}, err
	}
	mode, err := e.read(c.DeviceID, c.Mode3)
	if err != nil {
		return ChargerStatus{}, err
	}
	power, err := e.read(c.DeviceID, c.Power)
	if err != nil {
		return ChargerStatus{}, err
	}

	enabled, ok := codec.Float(available)
	if !ok {
		return ChargerStatus{}, fmt.Errorf("%w: availability %v", domain.ErrTypeMismatch, available)
	}
	state, ok := mode.(string)
	if !ok {
		return ChargerStatus{}, fmt.Errorf("%w: mode 3 state %v", domain.ErrTypeMismatch, mode)
	}
	letter, err := Mode3Letter(state)
	if err != nil {
		return ChargerStatus{}, err
	}
	watts, ok := codec.Float(power)
	if !ok {
		return ChargerStatus{}, fmt.Errorf("%w: power %v", domain.ErrTypeMismatch, power)
	}
	return ChargerStatus{Enabled: enabled == 1, Status: letter, Power: watts}, nil
}

func (e *EVCC) read(deviceID, pointID string) (interface{}, error) {
	key := domain.NewPointKey(deviceID, pointID)
	entry, ok := e.core.Read(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPointNotFound, key)
	}
	if entry.Quality != domain.QualityGood {
		return nil, fmt.Errorf("point %s is %s", key, entry.Quality)
	}
	return entry.Value, nil
}

// Mode3Letter reduces an IEC 61851 mode 3 state to the vehicle status
// letter evcc expects.
func Mode3Letter(state string) (string, error) {
	switch strings.TrimSpace(state) {
	case "A":
		return "A", nil
	case "B1", "B2", "C1", "D1":
		return "B", nil
	case "C2", "D2":
		return "C", nil
	case "E", "F":
		return "E", nil
	default:
		return "", fmt.Errorf("unexpected mode 3 state %q", state)
	}
}

// OnSetReceived handles <prefix>/set/<charger>/<socket>/<key>. The keys are
// "enable" (bool) and "maxCurrent" (A). The resulting limit is submitted as
// a command on the charger's max current point; a disabled charger gets 0.
func (e *EVCC) OnSetReceived(ctx context.Context, topic string, payload []byte) (*domain.Command, error) {
	charger, key, err := e.parseSet(topic)
	if err != nil {
		return nil, err
	}
	if charger.MaxCurrent == "" {
		return nil, fmt.Errorf("%w: charger %s has no max current point", domain.ErrPointNotWritable, charger.Name)
	}

	text := strings.TrimSpace(string(payload))
	id := fmt.Sprintf("%s/%d", charger.Name, charger.Socket)

	e.mu.Lock()
	sp := e.setpoints[id]
	switch key {
	case "enable":
		enabled, perr := strconv.ParseBool(text)
		if perr != nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, perr)
		}
		sp.enabled = enabled
	case "maxCurrent":
		current, perr := strconv.ParseFloat(text, 64)
		if perr != nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, perr)
		}
		sp.maxCurrent = current
	default:
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: unknown evcc key %q", domain.ErrInvalidCommandTopic, key)
	}
	e.setpoints[id] = sp
	e.mu.Unlock()

	limit := e.limit(sp)
	e.logger.Info().
		Str("charger", charger.Name).
		Int("socket", charger.Socket).
		Bool("enabled", sp.enabled).
		Float64("requested", sp.maxCurrent).
		Float64("limit", limit).
		Msg("evcc request")

	return e.core.Submit(ctx, domain.NewPointKey(charger.DeviceID, charger.MaxCurrent), limit, "evcc")
}

func (e *EVCC) limit(sp evccSetpoint) float64 {
	if !sp.enabled {
		return 0
	}
	if sp.maxCurrent >= e.config.ThreePhaseThreshold {
		return sp.maxCurrent / 3
	}
	return sp.maxCurrent
}

func (e *EVCC) parseSet(topic string) (EVCCCharger, string, error) {
	root := e.config.Prefix + "/set/"
	if !strings.HasPrefix(topic, root) {
		return EVCCCharger{}, "", fmt.Errorf("%w: %s", domain.ErrInvalidCommandTopic, topic)
	}
	parts := strings.SplitN(strings.TrimPrefix(topic, root), "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return EVCCCharger{}, "", fmt.Errorf("%w: %s", domain.ErrInvalidCommandTopic, topic)
	}
	socket, err := strconv.Atoi(parts[1])
	if err != nil {
		return EVCCCharger{}, "", fmt.Errorf("%w: socket %q", domain.ErrInvalidCommandTopic, parts[1])
	}
	for _, c := range e.config.Chargers {
		if c.Name == parts[0] && c.Socket == socket {
			return c, parts[2], nil
		}
	}
	return EVCCCharger{}, "", fmt.Errorf("%w: unknown charger %s/%d", domain.ErrDeviceNotFound, parts[0], socket)
}

