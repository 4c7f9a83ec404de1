// Package mqtt connects the bridging core to an MQTT broker: the publisher
// owns the paho client, the bridge maps cache state and command topics onto
// it, and the discovery builder renders Home Assistant entity configs.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/mouse256/alfen-mqtt/internal/domain"
	"github.com/mouse256/alfen-mqtt/internal/metrics"
	"github.com/rs/zerolog"
)

// MessageHandler receives an inbound message.
type MessageHandler func(topic string, payload []byte)

// Publisher handles the connection to the MQTT broker.
type Publisher struct {
	config        Config
	client        pahomqtt.Client
	logger        zerolog.Logger
	metrics       *metrics.Registry
	mu            sync.RWMutex
	connected     atomic.Bool
	everConnected atomic.Bool
	messageBuffer chan *BufferedMessage
	done          chan struct{}
	wg            sync.WaitGroup
	stats         *PublisherStats
	topicMu       sync.RWMutex
	topicStats    map[string]*TopicStat

	subMu         sync.Mutex
	subscriptions map[string]MessageHandler
	onConnect     []func()
}

// TopicStat tracks publish activity for a given topic.
type TopicStat struct {
	Topic            string    `json:"topic"`
	Count            uint64    `json:"count"`
	LastPublished    time.Time `json:"last_published"`
	LastPayloadBytes int       `json:"last_payload_bytes"`
}

// Config holds MQTT publisher configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	CleanSession   bool
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	TLSEnabled     bool
	TLSCertFile    string
	TLSKeyFile     string
	TLSCAFile      string
	BufferSize     int
	PublishTimeout time.Duration

	// WillTopic receives WillPayload when the broker loses the session.
	WillTopic   string
	WillPayload string
}

// BufferedMessage represents a message waiting to be published.
type BufferedMessage struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
	Timestamp time.Time
}

// PublisherStats tracks publisher performance metrics.
type PublisherStats struct {
	MessagesPublished atomic.Uint64
	MessagesFailed    atomic.Uint64
	MessagesBuffered  atomic.Uint64
	BytesSent         atomic.Uint64
	ReconnectCount    atomic.Uint64
}

// PublisherStatsSnapshot is a point-in-time copy of PublisherStats.
type PublisherStatsSnapshot struct {
	MessagesPublished uint64 `json:"messages_published"`
	MessagesFailed    uint64 `json:"messages_failed"`
	MessagesBuffered  uint64 `json:"messages_buffered"`
	BytesSent         uint64 `json:"bytes_sent"`
	ReconnectCount    uint64 `json:"reconnect_count"`
	BufferSize        int    `json:"buffer_size"`
	Connected         bool   `json:"connected"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "alfen-mqtt",
		CleanSession:   true,
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReconnectDelay: 5 * time.Second,
		BufferSize:     1000,
		PublishTimeout: 5 * time.Second,
	}
}

// NewPublisher creates a new MQTT publisher.
func NewPublisher(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) *Publisher {
	defaults := DefaultConfig()
	if config.BufferSize == 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.PublishTimeout == 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}
	if config.KeepAlive == 0 {
		config.KeepAlive = defaults.KeepAlive
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = defaults.ReconnectDelay
	}

	return &Publisher{
		config:        config,
		logger:        logger.With().Str("component", "mqtt-publisher").Logger(),
		metrics:       metricsReg,
		messageBuffer: make(chan *BufferedMessage, config.BufferSize),
		done:          make(chan struct{}),
		stats:         &PublisherStats{},
		topicStats:    make(map[string]*TopicStat),
		subscriptions: make(map[string]MessageHandler),
	}
}

// ActiveTopics returns the most recently published topics, sorted by recency.
// If limit <= 0, a default limit of 200 is used.
func (p *Publisher) ActiveTopics(limit int) []TopicStat {
	if limit <= 0 {
		limit = 200
	}

	p.topicMu.RLock()
	out := make([]TopicStat, 0, len(p.topicStats))
	for _, stat := range p.topicStats {
		out = append(out, *stat)
	}
	p.topicMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastPublished.After(out[j].LastPublished)
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (p *Publisher) recordTopicPublish(topic string, payloadBytes int) {
	p.topicMu.Lock()
	defer p.topicMu.Unlock()

	stat, ok := p.topicStats[topic]
	if !ok {
		stat = &TopicStat{Topic: topic}
		p.topicStats[topic] = stat
	}
	stat.Count++
	stat.LastPublished = time.Now()
	stat.LastPayloadBytes = payloadBytes
}

// ForgetTopic drops a topic from the active topic view.
func (p *Publisher) ForgetTopic(topic string) {
	p.topicMu.Lock()
	delete(p.topicStats, topic)
	p.topicMu.Unlock()
}

// Connect establishes the connection to the MQTT broker.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.config.BrokerURL)
	opts.SetClientID(p.config.ClientID)
	opts.SetCleanSession(p.config.CleanSession)
	opts.SetKeepAlive(p.config.KeepAlive)
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(p.config.ReconnectDelay)
	// Command handlers block on device transactions.
	opts.SetOrderMatters(false)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	if p.config.WillTopic != "" {
		opts.SetWill(p.config.WillTopic, p.config.WillPayload, p.config.QoS, true)
	}

	if p.config.TLSEnabled {
		tlsConfig, err := p.createTLSConfig()
		if err != nil {
			return fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(p.handleConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)
	opts.SetReconnectingHandler(p.onReconnecting)

	client := pahomqtt.NewClient(opts)
	p.mu.Lock()
	p.client = client
	p.done = make(chan struct{})
	p.mu.Unlock()

	p.logger.Info().Str("broker", p.config.BrokerURL).Msg("Connecting to MQTT broker")

	p.wg.Add(1)
	go p.processBuffer()

	// With connect retry enabled the token only completes once the broker
	// is reachable; an unreachable broker is not fatal at startup.
	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, err)
		}
	case <-time.After(p.config.ConnectTimeout):
		p.logger.Warn().Dur("timeout", p.config.ConnectTimeout).Msg("MQTT broker not reachable yet, retrying in background")
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, ctx.Err())
	}
	return nil
}

// Disconnect gracefully disconnects from the MQTT broker. The availability
// topic is set offline first since a clean disconnect suppresses the will.
func (p *Publisher) Disconnect() {
	p.logger.Info().Msg("Disconnecting from MQTT broker")

	p.mu.Lock()
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.mu.Unlock()
	p.wg.Wait()

	if p.config.WillTopic != "" && p.connected.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
		if err := p.Publish(ctx, p.config.WillTopic, []byte(p.config.WillPayload), true); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to publish offline availability")
		}
		cancel()
	}

	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client != nil {
		client.Disconnect(1000)
	}

	p.setConnected(false)
	p.logger.Info().Msg("Disconnected from MQTT broker")
}

// Publish sends a message and waits for the broker acknowledgement.
// It fails fast with ErrMQTTNotConnected instead of buffering.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	if !p.connected.Load() {
		return domain.ErrMQTTNotConnected
	}
	return p.publishRaw(ctx, topic, payload, p.config.QoS, retained)
}

// PublishBuffered sends a message now if connected, otherwise queues it
// until the connection returns. When the buffer is full the oldest message
// is dropped.
func (p *Publisher) PublishBuffered(topic string, payload []byte, retained bool) error {
	if p.connected.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
		defer cancel()
		if err := p.publishRaw(ctx, topic, payload, p.config.QoS, retained); err == nil {
			return nil
		}
	}

	msg := &BufferedMessage{
		Topic:     topic,
		Payload:   payload,
		QoS:       p.config.QoS,
		Retained:  retained,
		Timestamp: time.Now(),
	}

	select {
	case p.messageBuffer <- msg:
		p.stats.MessagesBuffered.Add(1)
	default:
		select {
		case <-p.messageBuffer:
			p.logger.Warn().Msg("Buffer full, dropped oldest message")
		default:
		}
		select {
		case p.messageBuffer <- msg:
			p.stats.MessagesBuffered.Add(1)
		default:
			return fmt.Errorf("%w: message buffer full", domain.ErrMQTTPublishFailed)
		}
	}
	if p.metrics != nil {
		p.metrics.UpdateMQTTBufferSize(len(p.messageBuffer))
	}
	return nil
}

// Subscribe registers a handler for a topic filter. Subscriptions are
// re-established on every reconnect.
func (p *Publisher) Subscribe(filter string, handler MessageHandler) error {
	p.subMu.Lock()
	p.subscriptions[filter] = handler
	p.subMu.Unlock()

	if !p.connected.Load() {
		return nil
	}
	return p.subscribe(filter, handler)
}

// OnConnect registers a callback run after every successful (re)connect,
// once subscriptions are restored.
func (p *Publisher) OnConnect(fn func()) {
	p.subMu.Lock()
	p.onConnect = append(p.onConnect, fn)
	p.subMu.Unlock()
}

func (p *Publisher) subscribe(filter string, handler MessageHandler) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return domain.ErrMQTTNotConnected
	}

	token := client.Subscribe(filter, p.config.QoS, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(p.config.PublishTimeout) {
		return fmt.Errorf("%w: %s: timeout", domain.ErrMQTTSubscribeFailed, filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrMQTTSubscribeFailed, filter, err)
	}
	p.logger.Debug().Str("filter", filter).Msg("Subscribed")
	return nil
}

// publishRaw publishes raw payload to a topic.
func (p *Publisher) publishRaw(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil {
		return domain.ErrMQTTNotConnected
	}

	start := time.Now()
	token := client.Publish(topic, qos, retained, payload)

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			p.recordFailure(time.Since(start))
			return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, err)
		}
	case <-time.After(p.config.PublishTimeout):
		p.recordFailure(time.Since(start))
		return fmt.Errorf("%w: publish timeout", domain.ErrMQTTPublishFailed)
	case <-ctx.Done():
		p.recordFailure(time.Since(start))
		return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, ctx.Err())
	}

	p.stats.MessagesPublished.Add(1)
	p.stats.BytesSent.Add(uint64(len(payload)))
	p.recordTopicPublish(topic, len(payload))
	if p.metrics != nil {
		p.metrics.RecordMQTTPublish(true, time.Since(start).Seconds())
	}
	return nil
}

func (p *Publisher) recordFailure(latency time.Duration) {
	p.stats.MessagesFailed.Add(1)
	if p.metrics != nil {
		p.metrics.RecordMQTTPublish(false, latency.Seconds())
	}
}

// processBuffer publishes buffered messages while connected.
func (p *Publisher) processBuffer() {
	defer p.wg.Done()

	p.mu.RLock()
	done := p.done
	p.mu.RUnlock()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			p.drainBuffer()
			return
		case <-ticker.C:
			p.flushBuffer(done)
		}
	}
}

// flushBuffer sends queued messages until the buffer is empty or the
// connection drops. A message that fails is put back for the next round.
func (p *Publisher) flushBuffer(done <-chan struct{}) {
	for p.connected.Load() {
		select {
		case <-done:
			return
		case msg := <-p.messageBuffer:
			ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
			err := p.publishRaw(ctx, msg.Topic, msg.Payload, msg.QoS, msg.Retained)
			cancel()
			if err != nil {
				p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to publish buffered message")
				select {
				case p.messageBuffer <- msg:
				default:
				}
				return
			}
			if p.metrics != nil {
				p.metrics.UpdateMQTTBufferSize(len(p.messageBuffer))
			}
		default:
			return
		}
	}
}

// drainBuffer attempts to publish all remaining buffered messages.
func (p *Publisher) drainBuffer() {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-p.messageBuffer:
			if p.connected.Load() {
				ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
				if err := p.publishRaw(ctx, msg.Topic, msg.Payload, msg.QoS, msg.Retained); err != nil {
					p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to drain buffered message")
				}
				cancel()
			}
		case <-timeout:
			remaining := len(p.messageBuffer)
			if remaining > 0 {
				p.logger.Warn().Int("count", remaining).Msg("Timeout draining buffer, messages dropped")
			}
			return
		default:
			return
		}
	}
}

// createTLSConfig creates TLS configuration for secure connections.
func (p *Publisher) createTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if p.config.TLSCAFile != "" {
		caCert, err := os.ReadFile(p.config.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	if p.config.TLSCertFile != "" && p.config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(p.config.TLSCertFile, p.config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// handleConnect runs on paho's connect goroutine after every (re)connect.
func (p *Publisher) handleConnect(_ pahomqtt.Client) {
	p.setConnected(true)
	if p.everConnected.Swap(true) && p.metrics != nil {
		p.metrics.RecordMQTTReconnect()
	}
	p.logger.Info().Msg("MQTT connection established")

	p.subMu.Lock()
	subs := make(map[string]MessageHandler, len(p.subscriptions))
	for f, h := range p.subscriptions {
		subs[f] = h
	}
	callbacks := append([]func(){}, p.onConnect...)
	p.subMu.Unlock()

	for filter, handler := range subs {
		if err := p.subscribe(filter, handler); err != nil {
			p.logger.Error().Err(err).Str("filter", filter).Msg("Failed to restore subscription")
		}
	}
	for _, fn := range callbacks {
		fn()
	}
}

func (p *Publisher) onConnectionLost(_ pahomqtt.Client, err error) {
	p.setConnected(false)
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

func (p *Publisher) onReconnecting(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
	p.stats.ReconnectCount.Add(1)
	p.logger.Info().Msg("Attempting to reconnect to MQTT broker")
}

func (p *Publisher) setConnected(connected bool) {
	p.connected.Store(connected)
	if p.metrics != nil {
		p.metrics.SetMQTTConnected(connected)
	}
}

// IsConnected returns true if the publisher is connected to the broker.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// Stats returns publisher statistics.
func (p *Publisher) Stats() PublisherStatsSnapshot {
	return PublisherStatsSnapshot{
		MessagesPublished: p.stats.MessagesPublished.Load(),
		MessagesFailed:    p.stats.MessagesFailed.Load(),
		MessagesBuffered:  p.stats.MessagesBuffered.Load(),
		BytesSent:         p.stats.BytesSent.Load(),
		ReconnectCount:    p.stats.ReconnectCount.Load(),
		BufferSize:        len(p.messageBuffer),
		Connected:         p.connected.Load(),
	}
}

// BufferSize returns the current number of buffered messages.
func (p *Publisher) BufferSize() int {
	return len(p.messageBuffer)
}

// HealthCheck implements the health.Checker interface.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if !p.connected.Load() {
		return domain.ErrMQTTNotConnected
	}
	return nil
}
