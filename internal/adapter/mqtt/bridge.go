package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mouse256/alfen-mqtt/internal/domain"
	"github.com/rs/zerolog"
)

// Transport is the broker connection the bridge publishes through.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error
	PublishBuffered(topic string, payload []byte, retained bool) error
	Subscribe(filter string, handler MessageHandler) error
	OnConnect(fn func())
	IsConnected() bool
}

// Core is the part of the runtime the bridge depends on.
type Core interface {
	Submit(ctx context.Context, key domain.PointKey, value interface{}, source string) (*domain.Command, error)
	SnapshotAll() map[domain.PointKey]domain.StateEntry
	Dirty() []domain.StateEntry
	ClearPublished(entry domain.StateEntry) bool
	Devices() []*domain.Device
}

// BridgeConfig configures topic layout and publish behavior.
type BridgeConfig struct {
	Topics Topics

	// Discovery enables Home Assistant discovery configs.
	Discovery  bool
	OriginName string

	// Retain marks state messages retained.
	Retain bool

	// RetryInterval re-attempts entries whose publish failed.
	RetryInterval  time.Duration
	PublishTimeout time.Duration
}

// StatePayload is the JSON body of a state topic.
type StatePayload struct {
	Value     interface{}    `json:"v"`
	Unit      string         `json:"u,omitempty"`
	Quality   domain.Quality `json:"q"`
	Timestamp time.Time      `json:"ts"`
}

// WriteRequest is the JSON body accepted on a device write topic.
type WriteRequest struct {
	Point     string      `json:"point"`
	Value     interface{} `json:"value"`
	RequestID string      `json:"request_id,omitempty"`
}

// WriteResponse is published after every command resolves.
type WriteResponse struct {
	RequestID string              `json:"request_id,omitempty"`
	CommandID string              `json:"command_id,omitempty"`
	DeviceID  string              `json:"device_id"`
	PointID   string              `json:"point_id"`
	Value     interface{}         `json:"value,omitempty"`
	State     domain.CommandState `json:"state"`
	Error     string              `json:"error,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// Bridge keeps MQTT consistent with the state cache. A single goroutine
// performs every state publish so topics see updates in cache order.
type Bridge struct {
	config    BridgeConfig
	transport Transport
	core      Core
	logger    zerolog.Logger

	pubMu sync.Mutex

	routeMu sync.RWMutex
	points  map[string]domain.PointKey
	devices map[string]string

	// announced maps discovery topics to the state topic they describe.
	announced map[string]string

	dirty      chan struct{}
	connected  chan struct{}
	rediscover chan struct{}
}

// NewBridge creates a bridge between a transport and the core.
func NewBridge(config BridgeConfig, transport Transport, core Core, logger zerolog.Logger) *Bridge {
	if config.RetryInterval <= 0 {
		config.RetryInterval = 5 * time.Second
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if config.OriginName == "" {
		config.OriginName = "alfen-mqtt"
	}
	return &Bridge{
		config:     config,
		transport:  transport,
		core:       core,
		logger:     logger.With().Str("component", "mqtt-bridge").Logger(),
		points:     make(map[string]domain.PointKey),
		devices:    make(map[string]string),
		announced:  make(map[string]string),
		dirty:      make(chan struct{}, 1),
		connected:  make(chan struct{}, 1),
		rediscover: make(chan struct{}, 1),
	}
}

// OnStateChange is the cache listener. It never blocks; the entry is
// published by Run from the cache's dirty set.
func (b *Bridge) OnStateChange(domain.StateEntry) {
	signal(b.dirty)
}

// Rediscover schedules a discovery refresh after the device set changed.
func (b *Bridge) Rediscover() {
	signal(b.rediscover)
}

// Run subscribes to command topics and publishes state until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	b.refreshRoutes()
	b.transport.OnConnect(func() { signal(b.connected) })
	for _, filter := range b.config.Topics.Subscriptions() {
		if err := b.transport.Subscribe(filter, b.commandHandler(ctx)); err != nil {
			return err
		}
	}
	if b.transport.IsConnected() {
		signal(b.connected)
	}

	ticker := time.NewTicker(b.config.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.connected:
			if err := b.Republish(ctx); err != nil {
				b.logger.Warn().Err(err).Msg("Full republish incomplete")
			}
		case <-b.rediscover:
			b.refreshRoutes()
			if err := b.Announce(ctx); err != nil {
				b.logger.Warn().Err(err).Msg("Discovery refresh incomplete")
			}
			b.Flush(ctx)
		case <-b.dirty:
			b.Flush(ctx)
		case <-ticker.C:
			b.Flush(ctx)
		}
	}
}

// Flush publishes every dirty entry and returns how many reached the broker.
func (b *Bridge) Flush(ctx context.Context) int {
	if !b.transport.IsConnected() {
		return 0
	}
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	published := 0
	for _, entry := range b.core.Dirty() {
		if err := b.publishState(ctx, entry); err != nil {
			b.logger.Debug().Err(err).Str("point", string(entry.Key)).Msg("State publish failed, keeping dirty")
			if errors.Is(err, domain.ErrMQTTNotConnected) {
				break
			}
			continue
		}
		published++
	}
	return published
}

// Republish sends availability, discovery and the complete snapshot so a
// restarted hub sees current state without waiting for changes.
func (b *Bridge) Republish(ctx context.Context) error {
	b.refreshRoutes()

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if err := b.publish(ctx, b.config.Topics.AvailabilityTopic(), []byte(availabilityOnline), true); err != nil {
		return err
	}
	if err := b.announceLocked(ctx); err != nil {
		return err
	}

	snapshot := b.core.SnapshotAll()
	keys := make([]domain.PointKey, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var firstErr error
	published := 0
	for _, k := range keys {
		if err := b.publishState(ctx, snapshot[k]); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		published++
	}
	b.logger.Info().Int("points", published).Msg("Republished full state")
	return firstErr
}

// Announce publishes discovery configs for the live devices and clears the
// configs of points that disappeared.
func (b *Bridge) Announce(ctx context.Context) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	return b.announceLocked(ctx)
}

func (b *Bridge) announceLocked(ctx context.Context) error {
	if !b.config.Discovery {
		return nil
	}
	anns := BuildAnnouncements(b.config.Topics, b.config.OriginName, b.core.Devices())

	current := make(map[string]string, len(anns))
	for _, a := range anns {
		payload, err := a.Payload()
		if err != nil {
			return fmt.Errorf("discovery payload for %s: %w", a.Key, err)
		}
		if err := b.publish(ctx, a.Topic, payload, true); err != nil {
			return err
		}
		current[a.Topic] = a.Config.StateTopic
	}

	for topic, stateTopic := range b.announced {
		if _, ok := current[topic]; ok {
			continue
		}
		if err := b.publish(ctx, topic, nil, true); err != nil {
			return err
		}
		if err := b.publish(ctx, stateTopic, nil, true); err != nil {
			return err
		}
		b.logger.Info().Str("topic", topic).Msg("Removed discovery config")
	}
	b.announced = current
	return nil
}

func (b *Bridge) publishState(ctx context.Context, entry domain.StateEntry) error {
	payload, err := json.Marshal(StatePayload{
		Value:     entry.Value,
		Unit:      entry.Unit,
		Quality:   entry.Quality,
		Timestamp: entry.Timestamp,
	})
	if err != nil {
		return err
	}
	if err := b.publish(ctx, b.config.Topics.State(entry.Key), payload, b.config.Retain); err != nil {
		return err
	}
	b.core.ClearPublished(entry)
	return nil
}

func (b *Bridge) publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	ctx, cancel := context.WithTimeout(ctx, b.config.PublishTimeout)
	defer cancel()
	return b.transport.Publish(ctx, topic, payload, retained)
}

// refreshRoutes maps sanitized topic segments back to configured IDs.
func (b *Bridge) refreshRoutes() {
	points := make(map[string]domain.PointKey)
	devices := make(map[string]string)
	for _, d := range b.core.Devices() {
		devSeg := SanitizeSegment(d.ID)
		devices[devSeg] = d.ID
		for _, p := range d.Points() {
			points[devSeg+"/"+SanitizeSegment(p.ID)] = p.Key()
		}
	}
	b.routeMu.Lock()
	b.points = points
	b.devices = devices
	b.routeMu.Unlock()
}

func (b *Bridge) commandHandler(ctx context.Context) MessageHandler {
	return func(topic string, payload []byte) {
		if _, err := b.OnCommandReceived(ctx, topic, payload); err != nil {
			b.logger.Debug().Err(err).Str("topic", topic).Msg("Command not applied")
		}
	}
}

// OnCommandReceived parses an inbound command message, submits it through
// the core and publishes the outcome on the device's response topic.
func (b *Bridge) OnCommandReceived(ctx context.Context, topic string, payload []byte) (*domain.Command, error) {
	kind, devSeg, pointSeg, err := b.config.Topics.ParseCommand(topic)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Ignoring message on unexpected topic")
		return nil, err
	}

	var (
		key       domain.PointKey
		value     interface{}
		requestID string
	)
	switch kind {
	case CommandSet:
		key = b.resolve(devSeg, pointSeg)
		value = parseRawValue(payload)
	case CommandWrite:
		var req WriteRequest
		if err := json.Unmarshal(payload, &req); err != nil || req.Point == "" || req.Value == nil {
			if err == nil {
				err = errors.New("point and value are required")
			}
			err = fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
			b.respond(devSeg, WriteResponse{
				RequestID: req.RequestID,
				DeviceID:  b.deviceID(devSeg),
				PointID:   req.Point,
				State:     domain.CommandRejected,
				Error:     err.Error(),
				Timestamp: time.Now(),
			})
			return nil, err
		}
		key = b.resolve(devSeg, req.Point)
		value = req.Value
		requestID = req.RequestID
	}

	cmd, err := b.core.Submit(ctx, key, value, "mqtt")
	resp := WriteResponse{
		RequestID: requestID,
		DeviceID:  cmd.DeviceID,
		PointID:   cmd.PointID,
		CommandID: cmd.ID,
		Value:     cmd.Value,
		State:     cmd.State,
		Error:     cmd.Error,
		Timestamp: time.Now(),
	}
	b.respond(devSeg, resp)

	if err != nil {
		b.logger.Info().Err(err).Str("point", string(key)).Msg("MQTT command failed")
	}
	return cmd, err
}

func (b *Bridge) respond(devSeg string, resp WriteResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to encode command response")
		return
	}
	if err := b.transport.PublishBuffered(b.config.Topics.WriteResponse(devSeg), payload, false); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to publish command response")
	}
}

func (b *Bridge) resolve(devSeg, point string) domain.PointKey {
	b.routeMu.RLock()
	defer b.routeMu.RUnlock()
	if key, ok := b.points[devSeg+"/"+SanitizeSegment(point)]; ok {
		return key
	}
	return domain.NewPointKey(b.deviceIDLocked(devSeg), point)
}

func (b *Bridge) deviceID(devSeg string) string {
	b.routeMu.RLock()
	defer b.routeMu.RUnlock()
	return b.deviceIDLocked(devSeg)
}

func (b *Bridge) deviceIDLocked(devSeg string) string {
	if id, ok := b.devices[devSeg]; ok {
		return id
	}
	return devSeg
}

// parseRawValue reads a /set payload: JSON scalars keep their type, anything
// else is passed on as text for the codec to interpret.
func parseRawValue(payload []byte) interface{} {
	trimmed := bytes.TrimSpace(payload)
	var v interface{}
	if err := json.Unmarshal(trimmed, &v); err == nil {
		switch v.(type) {
		case float64, bool, string:
			return v
		}
	}
	return strings.TrimSpace(string(trimmed))
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
