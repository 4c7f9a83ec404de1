package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mouse256/alfen-mqtt/internal/codec"
	"github.com/mouse256/alfen-mqtt/internal/domain"
	"github.com/mouse256/alfen-mqtt/internal/metrics"
	"github.com/rs/zerolog"
)

// Router resolves a point key to its definition and the connection of the
// owning device.
type Router interface {
	Route(key domain.PointKey) (*domain.Point, *domain.RegisterGroup, domain.Transactor, error)
}

// CommandConfig holds configuration for the command path.
type CommandConfig struct {
	// WritesEnabled gates every write. When false commands are rejected.
	WritesEnabled bool

	// Timeout bounds one command from submission to resolution.
	Timeout time.Duration

	// MaxPending limits commands waiting on devices at the same time.
	// Commands beyond this limit are rejected with ErrQueueFull.
	MaxPending int

	// RefreshInterval re-issues the last applied value of points flagged
	// for refresh. Zero disables refreshing.
	RefreshInterval time.Duration
}

// DefaultCommandConfig returns sensible defaults for command handling.
func DefaultCommandConfig() CommandConfig {
	return CommandConfig{
		WritesEnabled:   false,
		Timeout:         10 * time.Second,
		MaxPending:      64,
		RefreshInterval: 0,
	}
}

// CommandStats tracks command handling statistics.
type CommandStats struct {
	Submitted  atomic.Uint64
	Applied    atomic.Uint64
	Rejected   atomic.Uint64
	TimedOut   atomic.Uint64
	Unroutable atomic.Uint64
}

// CommandStatsSnapshot is a point-in-time copy of CommandStats.
type CommandStatsSnapshot struct {
	Submitted  uint64 `json:"submitted"`
	Applied    uint64 `json:"applied"`
	Rejected   uint64 `json:"rejected"`
	TimedOut   uint64 `json:"timed_out"`
	Unroutable uint64 `json:"unroutable"`
}

// CommandService resolves write requests from any source through the owning
// device connection. Each command gets exactly one attempt. An applied write
// is followed by a confirmatory read whose result reaches the cache through
// Update, never the requested value itself.
type CommandService struct {
	config  CommandConfig
	router  Router
	cache   *StateCache
	logger  zerolog.Logger
	metrics *metrics.Registry

	// ctx is cancelled when the owning configuration generation is drained.
	ctx   context.Context
	slots chan struct{}

	mu      sync.Mutex
	applied map[domain.PointKey]interface{}

	stats CommandStats
}

// NewCommandService creates a command service bound to the lifetime of ctx.
func NewCommandService(ctx context.Context, config CommandConfig, router Router, cache *StateCache, logger zerolog.Logger, metricsReg *metrics.Registry) *CommandService {
	d := DefaultCommandConfig()
	if config.Timeout <= 0 {
		config.Timeout = d.Timeout
	}
	if config.MaxPending <= 0 {
		config.MaxPending = d.MaxPending
	}
	return &CommandService{
		config:  config,
		router:  router,
		cache:   cache,
		logger:  logger.With().Str("component", "command-service").Logger(),
		metrics: metricsReg,
		ctx:     ctx,
		slots:   make(chan struct{}, config.MaxPending),
		applied: make(map[domain.PointKey]interface{}),
	}
}

// Submit runs one command to completion. The returned command is always
// resolved; err is a *domain.CommandError unless the command was applied.
func (s *CommandService) Submit(ctx context.Context, key domain.PointKey, value interface{}, source string) (*domain.Command, error) {
	deviceID, pointID := key.Split()
	cmd := &domain.Command{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		PointID:   pointID,
		Value:     value,
		Source:    source,
		State:     domain.CommandPending,
		CreatedAt: time.Now(),
	}
	s.stats.Submitted.Add(1)

	if s.ctx.Err() != nil {
		return s.fail(cmd, domain.CommandKindUnroutable, domain.ErrGenerationClosed)
	}

	point, group, conn, err := s.router.Route(key)
	if err != nil {
		return s.fail(cmd, domain.CommandKindUnroutable, err)
	}
	if !point.Writable {
		return s.fail(cmd, domain.CommandKindUnroutable, domain.ErrPointNotWritable)
	}
	if !s.config.WritesEnabled {
		return s.fail(cmd, domain.CommandKindRejected, domain.ErrWritesDisabled)
	}

	req, normalized, err := writeRequest(point, group, value)
	if err != nil {
		return s.fail(cmd, domain.CommandKindRejected, err)
	}
	cmd.Value = normalized

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	default:
		return s.fail(cmd, domain.CommandKindRejected, domain.ErrQueueFull)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	if _, err := conn.Transact(cmdCtx, req); err != nil {
		return s.fail(cmd, s.classify(err), err)
	}

	cmd.Resolve(domain.CommandApplied, nil)
	s.stats.Applied.Add(1)
	s.record(cmd)

	if point.Refresh {
		s.mu.Lock()
		s.applied[key] = normalized
		s.mu.Unlock()
	}

	s.logger.Info().
		Str("command_id", cmd.ID).
		Str("point", string(key)).
		Interface("value", normalized).
		Str("source", source).
		Msg("Command applied")

	s.confirm(point, group, conn)
	return cmd, nil
}

// confirm reads back the written point and feeds the result to the cache.
// A failed read leaves the command applied.
func (s *CommandService) confirm(point *domain.Point, group *domain.RegisterGroup, conn domain.Transactor) {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.Timeout)
	defer cancel()

	req := domain.Request{
		Op:       domain.OpRead,
		Function: group.Function,
		Address:  point.Address,
		Quantity: point.Template.WordCount(),
	}
	if group.Function.IsBit() {
		req.Quantity = 1
	}

	resp, err := conn.Transact(ctx, req)
	if err != nil {
		s.logger.Warn().Err(err).Str("point", string(point.Key())).Msg("Confirmatory read failed")
		return
	}

	var value interface{}
	if group.Function.IsBit() {
		value, err = codec.DecodeBit(resp.Bits, 0)
	} else {
		value, err = codec.Decode(resp.Words, point.Template)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("point", string(point.Key())).Msg("Failed to decode confirmatory read")
		s.cache.MarkUnknown(point.Key())
		return
	}
	s.cache.Update(point, value, time.Now())
}

func (s *CommandService) classify(err error) domain.CommandErrorKind {
	switch {
	case s.ctx.Err() != nil, errors.Is(err, domain.ErrConnectionClosed):
		return domain.CommandKindUnroutable
	case errors.Is(err, domain.ErrProtocolException):
		return domain.CommandKindRejected
	default:
		return domain.CommandKindTimedOut
	}
}

func (s *CommandService) fail(cmd *domain.Command, kind domain.CommandErrorKind, cause error) (*domain.Command, error) {
	if kind == domain.CommandKindUnroutable && s.ctx.Err() != nil && !errors.Is(cause, domain.ErrGenerationClosed) {
		cause = fmt.Errorf("%w: %v", domain.ErrGenerationClosed, cause)
	}
	cmdErr := &domain.CommandError{
		Kind:      kind,
		CommandID: cmd.ID,
		PointID:   string(cmd.Key()),
		Err:       cause,
	}

	switch kind {
	case domain.CommandKindTimedOut:
		cmd.Resolve(domain.CommandTimedOut, cmdErr)
		s.stats.TimedOut.Add(1)
	case domain.CommandKindUnroutable:
		cmd.Resolve(domain.CommandRejected, cmdErr)
		s.stats.Unroutable.Add(1)
	default:
		cmd.Resolve(domain.CommandRejected, cmdErr)
		s.stats.Rejected.Add(1)
	}
	s.record(cmd)

	s.logger.Warn().
		Err(cause).
		Str("command_id", cmd.ID).
		Str("point", string(cmd.Key())).
		Str("source", cmd.Source).
		Str("kind", kind.String()).
		Msg("Command failed")
	return cmd, cmdErr
}

func (s *CommandService) record(cmd *domain.Command) {
	if s.metrics != nil {
		s.metrics.RecordCommand(cmd.Source, string(cmd.State), cmd.ResolvedAt.Sub(cmd.CreatedAt).Seconds())
	}
}

// RunRefresh re-issues the last applied value of every refresh point each
// RefreshInterval until ctx is cancelled.
func (s *CommandService) RunRefresh(ctx context.Context) {
	if s.config.RefreshInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// Refresh re-issues every remembered value once and returns how many applied.
func (s *CommandService) Refresh(ctx context.Context) int {
	s.mu.Lock()
	keys := make([]domain.PointKey, 0, len(s.applied))
	values := make(map[domain.PointKey]interface{}, len(s.applied))
	for k, v := range s.applied {
		keys = append(keys, k)
		values[k] = v
	}
	s.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	applied := 0
	for _, k := range keys {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.Submit(ctx, k, values[k], "refresh"); err == nil {
			applied++
		}
	}
	return applied
}

// Stats returns a snapshot of the command statistics.
func (s *CommandService) Stats() CommandStatsSnapshot {
	return CommandStatsSnapshot{
		Submitted:  s.stats.Submitted.Load(),
		Applied:    s.stats.Applied.Load(),
		Rejected:   s.stats.Rejected.Load(),
		TimedOut:   s.stats.TimedOut.Load(),
		Unroutable: s.stats.Unroutable.Load(),
	}
}

// writeRequest encodes value for the point's write target. Text values are
// parsed according to the point's semantic type first.
func writeRequest(p *domain.Point, g *domain.RegisterGroup, value interface{}) (domain.Request, interface{}, error) {
	if text, ok := value.(string); ok {
		parsed, err := codec.ParseValue(text, p.Template)
		if err != nil {
			return domain.Request{}, nil, &domain.EncodeError{PointID: string(p.Key()), Value: value, Err: err}
		}
		value = parsed
	}

	if g.Function.IsBit() {
		b, err := codec.EncodeBit(value)
		if err != nil {
			return domain.Request{}, nil, withPoint(err, p)
		}
		return domain.Request{
			Op:       domain.OpWriteCoil,
			Function: domain.FunctionCoil,
			Address:  p.WriteTarget(),
			Quantity: 1,
			Coil:     b,
		}, b, nil
	}

	words, err := codec.Encode(value, p.Template)
	if err != nil {
		return domain.Request{}, nil, withPoint(err, p)
	}
	return domain.Request{
		Op:       domain.OpWriteRegister,
		Function: domain.FunctionHolding,
		Address:  p.WriteTarget(),
		Quantity: uint16(len(words)),
		Words:    words,
	}, value, nil
}

func withPoint(err error, p *domain.Point) error {
	var ee *domain.EncodeError
	if errors.As(err, &ee) {
		ee.PointID = string(p.Key())
	}
	return err
}
