package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mouse256/alfen-mqtt/internal/domain"
	"github.com/mouse256/alfen-mqtt/internal/service"
	"github.com/rs/zerolog"
)

type staticRouter struct {
	device *domain.Device
	conn   domain.Transactor
}

func (r *staticRouter) Route(key domain.PointKey) (*domain.Point, *domain.RegisterGroup, domain.Transactor, error) {
	deviceID, pointID := key.Split()
	if deviceID != r.device.ID {
		return nil, nil, nil, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, deviceID)
	}
	p, g, ok := r.device.FindPoint(pointID)
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: %s", domain.ErrPointNotFound, key)
	}
	return p, g, r.conn, nil
}

func newCommands(t *testing.T, ctx context.Context, cfg service.CommandConfig) (*service.CommandService, *fakeDevice, *service.StateCache, *recorder) {
	t.Helper()
	cache, rec := newCache()
	dev := newFakeDevice()
	router := &staticRouter{device: heatpump(t), conn: dev}
	return service.NewCommandService(ctx, cfg, router, cache, zerolog.Nop(), nil), dev, cache, rec
}

func writesOn() service.CommandConfig {
	return service.CommandConfig{WritesEnabled: true, Timeout: time.Second}
}

var setpointKey = domain.NewPointKey("heatpump", "setpoint")

func TestCommand_SetpointAppliedAndConfirmed(t *testing.T) {
	cmds, dev, cache, rec := newCommands(t, context.Background(), writesOn())

	cmd, err := cmds.Submit(context.Background(), setpointKey, 21.5, "rest")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.State != domain.CommandApplied || cmd.ID == "" {
		t.Errorf("expected applied command with id, got %+v", cmd)
	}

	write := dev.requests[0]
	if write.Op != domain.OpWriteRegister || write.Address != 10 || len(write.Words) != 1 || write.Words[0] != 215 {
		t.Fatalf("expected raw 215 written to register 10, got %+v", write)
	}
	read := dev.lastRequest()
	if read.Op != domain.OpRead || read.Address != 10 || read.Quantity != 1 {
		t.Errorf("expected confirmatory read of register 10, got %+v", read)
	}

	entry, ok := cache.Read(setpointKey)
	if !ok || entry.Value != 21.5 || entry.Quality != domain.QualityGood {
		t.Errorf("expected 21.5 good, got %+v", entry)
	}
	if rec.count() != 1 {
		t.Errorf("expected 1 notification, got %d", rec.count())
	}
}

func TestCommand_CacheReflectsDeviceNotRequest(t *testing.T) {
	cmds, dev, cache, _ := newCommands(t, context.Background(), writesOn())

	// The device acknowledges the write but clamps the register to 200.
	dev.pinned = map[uint16]uint16{10: 200}
	cmd, err := cmds.Submit(context.Background(), setpointKey, 21.5, "mqtt")
	if err != nil || cmd.State != domain.CommandApplied {
		t.Fatalf("expected applied, got %v %v", cmd.State, err)
	}

	entry, _ := cache.Read(setpointKey)
	if entry.Value != 20.0 {
		t.Errorf("expected confirmed device value 20.0, got %v", entry.Value)
	}
}

func TestCommand_Failures(t *testing.T) {
	tests := []struct {
		name      string
		cfg       service.CommandConfig
		key       domain.PointKey
		value     interface{}
		deviceErr error
		wantKind  error
		wantState domain.CommandState
		wantCause error
	}{
		{
			name: "unknown point", cfg: writesOn(),
			key: domain.NewPointKey("heatpump", "nope"), value: 1,
			wantKind: domain.ErrCommandUnroutable, wantState: domain.CommandRejected, wantCause: domain.ErrPointNotFound,
		},
		{
			name: "unknown device", cfg: writesOn(),
			key: domain.NewPointKey("boiler", "setpoint"), value: 1,
			wantKind: domain.ErrCommandUnroutable, wantState: domain.CommandRejected, wantCause: domain.ErrDeviceNotFound,
		},
		{
			name: "read-only point", cfg: writesOn(),
			key: domain.NewPointKey("heatpump", "counter"), value: 1,
			wantKind: domain.ErrCommandUnroutable, wantState: domain.CommandRejected, wantCause: domain.ErrPointNotWritable,
		},
		{
			name: "writes disabled", cfg: service.CommandConfig{Timeout: time.Second},
			key: setpointKey, value: 21.5,
			wantKind: domain.ErrCommandRejected, wantState: domain.CommandRejected, wantCause: domain.ErrWritesDisabled,
		},
		{
			name: "encode out of range", cfg: writesOn(),
			key: setpointKey, value: 5000.0,
			wantKind: domain.ErrCommandRejected, wantState: domain.CommandRejected, wantCause: domain.ErrValueOutOfRange,
		},
		{
			name: "unparseable text", cfg: writesOn(),
			key: setpointKey, value: "warm",
			wantKind: domain.ErrCommandRejected, wantState: domain.CommandRejected, wantCause: domain.ErrEncode,
		},
		{
			name: "device exception", cfg: writesOn(),
			key: setpointKey, value: 21.5,
			deviceErr: &domain.TransactionError{Kind: domain.TransactionProtocolException, Err: domain.ErrModbusIllegalValue},
			wantKind:  domain.ErrCommandRejected, wantState: domain.CommandRejected, wantCause: domain.ErrModbusIllegalValue,
		},
		{
			name: "transaction timeout", cfg: writesOn(),
			key: setpointKey, value: 21.5,
			deviceErr: &domain.TransactionError{Kind: domain.TransactionTimeout, Err: errors.New("i/o timeout")},
			wantKind:  domain.ErrCommandTimedOut, wantState: domain.CommandTimedOut, wantCause: domain.ErrTransactionTimeout,
		},
		{
			name: "connection lost", cfg: writesOn(),
			key: setpointKey, value: 21.5,
			deviceErr: &domain.TransactionError{Kind: domain.TransactionConnectionLost, Err: domain.ErrNotConnected},
			wantKind:  domain.ErrCommandTimedOut, wantState: domain.CommandTimedOut, wantCause: domain.ErrNotConnected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmds, dev, cache, _ := newCommands(t, context.Background(), tt.cfg)
			if tt.deviceErr != nil {
				dev.failWith(tt.deviceErr)
			}

			cmd, err := cmds.Submit(context.Background(), tt.key, tt.value, "test")
			var cmdErr *domain.CommandError
			if !errors.As(err, &cmdErr) {
				t.Fatalf("expected CommandError, got %v", err)
			}
			if !errors.Is(err, tt.wantKind) {
				t.Errorf("expected kind %v, got %v", tt.wantKind, err)
			}
			if !errors.Is(err, tt.wantCause) {
				t.Errorf("expected cause %v, got %v", tt.wantCause, err)
			}
			if cmd.State != tt.wantState || !cmd.Resolved() {
				t.Errorf("expected state %s, got %s", tt.wantState, cmd.State)
			}
			if cmd.Err != err || cmd.Error == "" {
				t.Errorf("expected command to carry its error, got %+v", cmd)
			}
			if _, ok := cache.Read(tt.key); ok {
				t.Error("expected failed command not to touch the cache")
			}
		})
	}
}

func TestCommand_ExactlyOneAttempt(t *testing.T) {
	cmds, dev, _, _ := newCommands(t, context.Background(), writesOn())
	dev.failWith(&domain.TransactionError{Kind: domain.TransactionTimeout, Err: errors.New("i/o timeout")})

	if _, err := cmds.Submit(context.Background(), setpointKey, 21.5, "test"); err == nil {
		t.Fatal("expected failure")
	}
	if n := dev.requestCount(); n != 1 {
		t.Errorf("expected exactly one transaction, got %d", n)
	}
}

func TestCommand_ConfirmFailureKeepsApplied(t *testing.T) {
	cmds, dev, cache, _ := newCommands(t, context.Background(), writesOn())
	dev.failWith(nil, &domain.TransactionError{Kind: domain.TransactionTimeout, Err: errors.New("i/o timeout")})

	cmd, err := cmds.Submit(context.Background(), setpointKey, 21.5, "test")
	if err != nil || cmd.State != domain.CommandApplied {
		t.Fatalf("expected applied, got %v %v", cmd.State, err)
	}
	if _, ok := cache.Read(setpointKey); ok {
		t.Error("expected cache untouched after failed confirmation")
	}
}

func TestCommand_TextValueAndCoil(t *testing.T) {
	cache, _ := newCache()
	dev := newFakeDevice()
	d := &domain.Device{
		ID: "relay", Host: "h", Port: 502, Enabled: true,
		Groups: []domain.RegisterGroup{{
			ID: "coils", Function: domain.FunctionCoil, Start: 0, Count: 8, Interval: time.Second,
			Points: []domain.Point{{ID: "pump", Address: 3, Template: domain.Template{DataType: domain.DataTypeBool}, Writable: true}},
		}},
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("invalid fixture: %v", err)
	}
	cmds := service.NewCommandService(context.Background(), writesOn(), &staticRouter{device: d, conn: dev}, cache, zerolog.Nop(), nil)

	cmd, err := cmds.Submit(context.Background(), domain.NewPointKey("relay", "pump"), "ON", "mqtt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Value != true {
		t.Errorf("expected normalized value true, got %v", cmd.Value)
	}
	write := dev.requests[0]
	if write.Op != domain.OpWriteCoil || write.Address != 3 || !write.Coil {
		t.Errorf("unexpected write %+v", write)
	}
	entry, _ := cache.Read(domain.NewPointKey("relay", "pump"))
	if entry.Value != true || entry.Quality != domain.QualityGood {
		t.Errorf("expected confirmed true, got %+v", entry)
	}
}

func TestCommand_GenerationClosed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cmds, dev, _, _ := newCommands(t, ctx, writesOn())
	cancel()

	_, err := cmds.Submit(context.Background(), setpointKey, 21.5, "test")
	if !errors.Is(err, domain.ErrCommandUnroutable) || !errors.Is(err, domain.ErrGenerationClosed) {
		t.Errorf("expected unroutable generation closed, got %v", err)
	}
	if dev.requestCount() != 0 {
		t.Error("expected no transaction")
	}
}

func TestCommand_RefreshReissuesLastApplied(t *testing.T) {
	cache, _ := newCache()
	dev := newFakeDevice()
	d := heatpump(t)
	d.Groups[1].Points[0].Refresh = true
	cmds := service.NewCommandService(context.Background(), writesOn(), &staticRouter{device: d, conn: dev}, cache, zerolog.Nop(), nil)

	if n := cmds.Refresh(context.Background()); n != 0 {
		t.Errorf("expected nothing to refresh, got %d", n)
	}
	if _, err := cmds.Submit(context.Background(), setpointKey, 21.5, "rest"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dev.set(10, 0)
	if n := cmds.Refresh(context.Background()); n != 1 {
		t.Fatalf("expected 1 refresh, got %d", n)
	}
	dev.mu.Lock()
	got := dev.holding[10]
	dev.mu.Unlock()
	if got != 215 {
		t.Errorf("expected 215 rewritten, got %d", got)
	}
	if st := cmds.Stats(); st.Applied != 2 || st.Submitted != 2 {
		t.Errorf("unexpected stats %+v", st)
	}
}
