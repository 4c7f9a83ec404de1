// Package modbus owns the TCP sessions to Modbus slaves. Each device gets one
// Connection that serializes its transactions, supervises reconnects and trips
// a per-device circuit breaker into the Faulted state after repeated failures.
package modbus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"github.com/mouse256/alfen-mqtt/internal/domain"
	"github.com/mouse256/alfen-mqtt/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ConnectionConfig holds session and reconnect tuning shared by all devices.
type ConnectionConfig struct {
	// Timeout is the response timeout when the device does not set its own.
	Timeout time.Duration

	// IdleTimeout closes an unused socket; the next request reopens it.
	IdleTimeout time.Duration

	// BackoffInitial and BackoffMax bound the exponential reconnect delay.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// BackoffJitter is the random fraction (0-1) added to each delay.
	BackoffJitter float64

	// FaultThreshold is the number of consecutive connection failures that
	// moves the device to Faulted.
	FaultThreshold uint32

	// FaultCooldown is how long a Faulted device waits before Connecting again.
	FaultCooldown time.Duration

	// QueueSize bounds the number of queued transactions.
	QueueSize int
}

// DefaultConnectionConfig returns production defaults.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		Timeout:        5 * time.Second,
		IdleTimeout:    60 * time.Second,
		BackoffInitial: 1 * time.Second,
		BackoffMax:     60 * time.Second,
		BackoffJitter:  0.2,
		FaultThreshold: 5,
		FaultCooldown:  30 * time.Second,
		QueueSize:      64,
	}
}

func (c *ConnectionConfig) applyDefaults() {
	def := DefaultConnectionConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = def.BackoffInitial
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	if c.BackoffJitter < 0 {
		c.BackoffJitter = 0
	}
	if c.FaultThreshold == 0 {
		c.FaultThreshold = def.FaultThreshold
	}
	if c.FaultCooldown <= 0 {
		c.FaultCooldown = def.FaultCooldown
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
}

// ConnectionStats tracks per-device transaction counters.
type ConnectionStats struct {
	Transactions        atomic.Uint64
	Failures            atomic.Uint64
	Reconnects          atomic.Uint64
	ConsecutiveFailures atomic.Int64
}

// DeviceStatus is a point-in-time view of one connection.
type DeviceStatus struct {
	DeviceID            string                 `json:"device_id"`
	Address             string                 `json:"address"`
	State               domain.ConnectionState `json:"state"`
	Breaker             string                 `json:"breaker"`
	Transactions        uint64                 `json:"transactions"`
	Failures            uint64                 `json:"failures"`
	Reconnects          uint64                 `json:"reconnects"`
	ConsecutiveFailures int64                  `json:"consecutive_failures"`
	QueueDepth          int                    `json:"queue_depth"`
	LastError           string                 `json:"last_error,omitempty"`
	LastConnected       time.Time              `json:"last_connected,omitempty"`
}

type txnResult struct {
	resp domain.Response
	err  error
}

type txn struct {
	ctx  context.Context
	req  domain.Request
	done chan txnResult
}

// Connection owns the single session to one device.
type Connection struct {
	device  *domain.Device
	config  ConnectionConfig
	dial    Dialer
	logger  zerolog.Logger
	metrics *metrics.Registry
	breaker *gobreaker.CircuitBreaker

	requests chan *txn
	wake     chan struct{}
	stopped  chan struct{}

	mu            sync.Mutex
	state         domain.ConnectionState
	transport     Transport
	listeners     []domain.StateListener
	lastError     error
	lastConnected time.Time

	stats   ConnectionStats
	proven  atomic.Bool
	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	rng     *rand.Rand
}

// NewConnection creates a connection for device. Call Start to begin connecting.
func NewConnection(device *domain.Device, config ConnectionConfig, dial Dialer, logger zerolog.Logger, metricsReg *metrics.Registry) *Connection {
	config.applyDefaults()
	if dial == nil {
		dial = DialTCP
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		device:   device,
		config:   config,
		dial:     dial,
		logger:   logger.With().Str("component", "modbus-connection").Str("device_id", device.ID).Str("address", device.Address()).Logger(),
		metrics:  metricsReg,
		requests: make(chan *txn, config.QueueSize),
		wake:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
		state:    domain.StateDisconnected,
		ctx:      ctx,
		cancel:   cancel,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	c.breaker = c.createCircuitBreaker()
	return c
}

// createCircuitBreaker trips after FaultThreshold consecutive connection
// faults. Exception responses prove the slave is alive and count as success.
func (c *Connection) createCircuitBreaker() *gobreaker.CircuitBreaker {
	threshold := c.config.FaultThreshold
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("modbus-%s", c.device.ID),
		MaxRequests: 1,
		Timeout:     c.config.FaultCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !domain.IsConnectionFault(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Modbus circuit breaker state changed")
			if to == gobreaker.StateOpen {
				c.setState(domain.StateFaulted, nil)
			}
		},
	})
}

// OnStateChange registers a listener. It must be called before Start.
func (c *Connection) OnStateChange(fn domain.StateListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Device returns the device this connection serves.
func (c *Connection) Device() *domain.Device {
	return c.device
}

// Start launches the transaction worker and the reconnect supervisor.
func (c *Connection) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(2)
	go c.worker()
	go c.supervise()
}

// State returns the current connection state.
func (c *Connection) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transact queues req behind any in-flight transaction and waits for its result.
// When ctx ends first the caller stops waiting; the request itself still runs
// to completion or timeout on the session so the stream stays aligned.
func (c *Connection) Transact(ctx context.Context, req domain.Request) (domain.Response, error) {
	if c.ctx.Err() != nil {
		return domain.Response{}, domain.ErrConnectionClosed
	}
	t := &txn{ctx: ctx, req: req, done: make(chan txnResult, 1)}

	select {
	case c.requests <- t:
	case <-ctx.Done():
		return domain.Response{}, c.contextError(ctx, req)
	case <-c.ctx.Done():
		return domain.Response{}, domain.ErrConnectionClosed
	}

	select {
	case r := <-t.done:
		return r.resp, r.err
	case <-ctx.Done():
		return domain.Response{}, c.contextError(ctx, req)
	case <-c.stopped:
		select {
		case r := <-t.done:
			return r.resp, r.err
		default:
			return domain.Response{}, domain.ErrConnectionClosed
		}
	}
}

func (c *Connection) contextError(ctx context.Context, req domain.Request) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &domain.TransactionError{Kind: domain.TransactionTimeout, DeviceID: c.device.ID, Op: req.String(), Err: ctx.Err()}
	}
	return ctx.Err()
}

// QueueDepth returns the number of transactions waiting behind the current one.
func (c *Connection) QueueDepth() int {
	return len(c.requests)
}

// worker executes queued transactions strictly one at a time.
func (c *Connection) worker() {
	defer c.wg.Done()
	defer close(c.stopped)
	for {
		select {
		case <-c.ctx.Done():
			c.drain()
			return
		case t := <-c.requests:
			if t.ctx.Err() != nil {
				t.done <- txnResult{err: c.contextError(t.ctx, t.req)}
				continue
			}
			resp, err := c.execute(t.req)
			t.done <- txnResult{resp: resp, err: err}
		}
	}
}

func (c *Connection) drain() {
	for {
		select {
		case t := <-c.requests:
			t.done <- txnResult{err: domain.ErrConnectionClosed}
		default:
			return
		}
	}
}

func (c *Connection) execute(req domain.Request) (domain.Response, error) {
	c.mu.Lock()
	state := c.state
	transport := c.transport
	c.mu.Unlock()

	if state != domain.StateConnected || transport == nil {
		return domain.Response{}, &domain.TransactionError{
			Kind:     domain.TransactionConnectionLost,
			DeviceID: c.device.ID,
			Op:       req.String(),
			Err:      domain.ErrNotConnected,
		}
	}

	start := time.Now()
	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := perform(transport.Client(), req)
		return resp, classifyError(c.device.ID, req, err)
	})
	elapsed := time.Since(start)

	c.stats.Transactions.Add(1)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &domain.TransactionError{Kind: domain.TransactionConnectionLost, DeviceID: c.device.ID, Op: req.String(), Err: domain.ErrCircuitBreakerOpen}
		}
		c.stats.Failures.Add(1)
		c.stats.ConsecutiveFailures.Add(1)
		c.recordTransaction(req, err, elapsed)

		if domain.IsConnectionFault(err) {
			c.logger.Warn().Err(err).Str("request", req.String()).Msg("Transaction failed, dropping session")
			c.disconnect(err)
		} else {
			c.proven.Store(true)
			c.logger.Debug().Err(err).Str("request", req.String()).Msg("Device returned exception")
		}
		return domain.Response{}, err
	}

	c.stats.ConsecutiveFailures.Store(0)
	c.proven.Store(true)
	c.recordTransaction(req, nil, elapsed)
	return result.(domain.Response), nil
}

func (c *Connection) recordTransaction(req domain.Request, err error, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	outcome := "success"
	var txErr *domain.TransactionError
	if errors.As(err, &txErr) {
		outcome = txErr.Kind.String()
	} else if err != nil {
		outcome = "error"
	}
	c.metrics.RecordTransaction(c.device.ID, string(req.Op), outcome, elapsed.Seconds())
}

// perform maps a request onto the goburrow client.
func perform(client modbus.Client, req domain.Request) (domain.Response, error) {
	switch req.Op {
	case domain.OpRead:
		var (
			data []byte
			err  error
		)
		switch req.Function {
		case domain.FunctionHolding:
			data, err = client.ReadHoldingRegisters(req.Address, req.Quantity)
		case domain.FunctionInput:
			data, err = client.ReadInputRegisters(req.Address, req.Quantity)
		case domain.FunctionCoil:
			data, err = client.ReadCoils(req.Address, req.Quantity)
		case domain.FunctionDiscrete:
			data, err = client.ReadDiscreteInputs(req.Address, req.Quantity)
		default:
			return domain.Response{}, fmt.Errorf("%w: function %q", domain.ErrUnsupportedRequest, req.Function)
		}
		if err != nil {
			return domain.Response{}, err
		}
		if req.Function.IsBit() {
			return unpackBits(data, req.Quantity)
		}
		return unpackWords(data, req.Quantity)

	case domain.OpWriteRegister:
		if len(req.Words) == 0 {
			return domain.Response{}, fmt.Errorf("%w: empty register write", domain.ErrUnsupportedRequest)
		}
		var err error
		if len(req.Words) == 1 {
			_, err = client.WriteSingleRegister(req.Address, req.Words[0])
		} else {
			_, err = client.WriteMultipleRegisters(req.Address, uint16(len(req.Words)), packWords(req.Words))
		}
		return domain.Response{}, err

	case domain.OpWriteCoil:
		value := uint16(0x0000)
		if req.Coil {
			value = 0xFF00
		}
		_, err := client.WriteSingleCoil(req.Address, value)
		return domain.Response{}, err

	default:
		return domain.Response{}, fmt.Errorf("%w: %q", domain.ErrUnsupportedRequest, req.Op)
	}
}

func unpackWords(data []byte, quantity uint16) (domain.Response, error) {
	if len(data) < int(quantity)*2 {
		return domain.Response{}, fmt.Errorf("%w: expected %d bytes, got %d", domain.ErrShortResponse, int(quantity)*2, len(data))
	}
	words := make([]uint16, quantity)
	for i := range words {
		words[i] = uint16(data[i*2])<<8 | uint16(data[i*2+1])
	}
	return domain.Response{Words: words}, nil
}

func unpackBits(data []byte, quantity uint16) (domain.Response, error) {
	if len(data)*8 < int(quantity) {
		return domain.Response{}, fmt.Errorf("%w: expected %d bits, got %d", domain.ErrShortResponse, quantity, len(data)*8)
	}
	bits := make([]bool, quantity)
	for i := range bits {
		bits[i] = data[i/8]&(1<<uint(i%8)) != 0
	}
	return domain.Response{Bits: bits}, nil
}

func packWords(words []uint16) []byte {
	out := make([]byte, len(words)*2)
	for i, w := range words {
		out[i*2] = byte(w >> 8)
		out[i*2+1] = byte(w)
	}
	return out
}

// supervise keeps the session up. The first dial is immediate; every later
// attempt, including the redial after a dropped session, waits an exponential
// delay with jitter, or the breaker cool-down while Faulted. The delay only
// resets once a session has answered a transaction.
func (c *Connection) supervise() {
	defer c.wg.Done()
	attempt := 0
	for first := true; ; first = false {
		if c.ctx.Err() != nil {
			return
		}
		if c.State() == domain.StateConnected {
			select {
			case <-c.ctx.Done():
				return
			case <-c.wake:
			}
			continue
		}

		if !first {
			if c.proven.Swap(false) {
				attempt = 0
			}
			delay := c.backoff(attempt)
			attempt++
			if c.State() == domain.StateFaulted && delay < c.config.FaultCooldown {
				delay = c.config.FaultCooldown
			}
			c.logger.Debug().Dur("delay", delay).Int("attempt", attempt).Msg("Reconnect scheduled")

			timer := time.NewTimer(delay)
			select {
			case <-c.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		_ = c.connect()
	}
}

// backoff returns initial*2^attempt capped at BackoffMax plus jitter.
func (c *Connection) backoff(attempt int) time.Duration {
	delay := c.config.BackoffInitial
	for i := 0; i < attempt && delay < c.config.BackoffMax; i++ {
		delay *= 2
	}
	if delay > c.config.BackoffMax {
		delay = c.config.BackoffMax
	}
	if c.config.BackoffJitter > 0 {
		delay += time.Duration(c.rng.Float64() * c.config.BackoffJitter * float64(delay))
	}
	return delay
}

func (c *Connection) connect() error {
	if c.breaker.State() == gobreaker.StateOpen {
		c.setState(domain.StateFaulted, nil)
		return domain.ErrCircuitBreakerOpen
	}
	c.setState(domain.StateConnecting, nil)

	start := time.Now()
	_, err := c.breaker.Execute(func() (interface{}, error) {
		transport, err := c.dial(c.device, c.config)
		if err != nil {
			return nil, &domain.TransactionError{Kind: domain.TransactionConnectionLost, DeviceID: c.device.ID, Op: "connect", Err: err}
		}
		if err := transport.Connect(); err != nil {
			_ = transport.Close()
			return nil, classifyError(c.device.ID, domain.Request{Op: "connect"}, err)
		}
		c.mu.Lock()
		c.transport = transport
		c.mu.Unlock()
		return nil, nil
	})
	if c.metrics != nil {
		c.metrics.RecordReconnect(c.device.ID, err == nil, time.Since(start).Seconds())
	}

	if err != nil {
		c.stats.ConsecutiveFailures.Add(1)
		if c.breaker.State() == gobreaker.StateOpen {
			c.setState(domain.StateFaulted, err)
		} else {
			c.setState(domain.StateDisconnected, err)
		}
		c.logger.Warn().Err(err).Msg("Failed to connect to Modbus device")
		return err
	}

	c.stats.Reconnects.Add(1)
	c.stats.ConsecutiveFailures.Store(0)
	c.mu.Lock()
	c.lastConnected = time.Now()
	c.mu.Unlock()
	c.setState(domain.StateConnected, nil)
	c.logger.Info().Msg("Connected to Modbus device")
	return nil
}

// disconnect closes the session after a fault and wakes the supervisor.
func (c *Connection) disconnect(cause error) {
	c.mu.Lock()
	transport := c.transport
	c.transport = nil
	c.mu.Unlock()

	if transport != nil {
		if err := transport.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Error closing Modbus session")
		}
	}

	if c.breaker.State() == gobreaker.StateOpen {
		c.setState(domain.StateFaulted, cause)
	} else {
		c.setState(domain.StateDisconnected, cause)
	}

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Connection) setState(to domain.ConnectionState, cause error) {
	c.mu.Lock()
	from := c.state
	if cause != nil {
		c.lastError = cause
	}
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	listeners := append([]domain.StateListener(nil), c.listeners...)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetConnectionState(c.device.ID, string(to))
	}
	c.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("Connection state changed")
	for _, fn := range listeners {
		fn(c.device.ID, from, to)
	}
}

// Close stops accepting work, lets the in-flight transaction finish, drains the
// queue and closes the session.
func (c *Connection) Close(ctx context.Context) error {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("closing %s: %w", c.device.ID, ctx.Err())
	}

	c.mu.Lock()
	transport := c.transport
	c.transport = nil
	c.mu.Unlock()
	if transport != nil {
		if cerr := transport.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	c.setState(domain.StateDisconnected, nil)
	c.logger.Debug().Msg("Connection closed")
	return err
}

// Status returns a snapshot of the connection.
func (c *Connection) Status() DeviceStatus {
	breaker := c.breaker.State().String()

	c.mu.Lock()
	defer c.mu.Unlock()

	status := DeviceStatus{
		DeviceID:            c.device.ID,
		Address:             c.device.Address(),
		State:               c.state,
		Breaker:             breaker,
		Transactions:        c.stats.Transactions.Load(),
		Failures:            c.stats.Failures.Load(),
		Reconnects:          c.stats.Reconnects.Load(),
		ConsecutiveFailures: c.stats.ConsecutiveFailures.Load(),
		QueueDepth:          len(c.requests),
		LastConnected:       c.lastConnected,
	}
	if c.lastError != nil {
		status.LastError = c.lastError.Error()
	}
	return status
}
