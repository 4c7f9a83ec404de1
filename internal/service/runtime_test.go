package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	mb "github.com/mouse256/alfen-mqtt/internal/adapter/modbus"
	"github.com/mouse256/alfen-mqtt/internal/domain"
	"github.com/mouse256/alfen-mqtt/internal/service"
	"github.com/rs/zerolog"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// slave is a goburrow client backed by a register map.
type slave struct {
	mu       sync.Mutex
	holding  map[uint16]uint16
	failNext error
}

func newSlave() *slave {
	return &slave{holding: make(map[uint16]uint16)}
}

func (s *slave) set(addr, v uint16) {
	s.mu.Lock()
	s.holding[addr] = v
	s.mu.Unlock()
}

func (s *slave) get(addr uint16) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holding[addr]
}

func (s *slave) fail(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

func (s *slave) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		return nil, err
	}
	out := make([]byte, int(quantity)*2)
	for i := 0; i < int(quantity); i++ {
		v := s.holding[address+uint16(i)]
		out[i*2] = byte(v >> 8)
		out[i*2+1] = byte(v)
	}
	return out, nil
}

func (s *slave) WriteSingleRegister(address, value uint16) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holding[address] = value
	return []byte{byte(address >> 8), byte(address), byte(value >> 8), byte(value)}, nil
}

func (s *slave) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return s.ReadHoldingRegisters(address, quantity)
}

func (s *slave) ReadCoils(address, quantity uint16) ([]byte, error) {
	return make([]byte, (quantity+7)/8), nil
}

func (s *slave) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return make([]byte, (quantity+7)/8), nil
}

func (s *slave) WriteSingleCoil(address, value uint16) ([]byte, error) { return nil, nil }

func (s *slave) WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error) {
	return nil, nil
}

func (s *slave) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < int(quantity); i++ {
		s.holding[address+uint16(i)] = uint16(value[i*2])<<8 | uint16(value[i*2+1])
	}
	return nil, nil
}

func (s *slave) ReadWriteMultipleRegisters(readAddress, readQuantity, writeAddress, writeQuantity uint16, value []byte) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (s *slave) MaskWriteRegister(address, andMask, orMask uint16) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (s *slave) ReadFIFOQueue(address uint16) ([]byte, error) {
	return nil, errors.New("not implemented")
}

type slaveTransport struct{ client *slave }

func (t *slaveTransport) Connect() error        { return nil }
func (t *slaveTransport) Close() error          { return nil }
func (t *slaveTransport) Client() modbus.Client { return t.client }

func newRuntime(t *testing.T, s *slave) (*service.Runtime, *recorder) {
	t.Helper()
	cache, rec := newCache()
	cfg := service.RuntimeConfig{
		Connection: mb.ConnectionConfig{
			Timeout:        time.Second,
			BackoffInitial: 5 * time.Millisecond,
			BackoffMax:     20 * time.Millisecond,
			FaultThreshold: 10,
			FaultCooldown:  time.Hour,
		},
		Scheduler: service.SchedulerConfig{WorkerCount: 2},
		Commands:  service.CommandConfig{WritesEnabled: true, Timeout: time.Second},
		Dial: func(*domain.Device, mb.ConnectionConfig) (mb.Transport, error) {
			return &slaveTransport{client: s}, nil
		},
	}
	rt := service.NewRuntime(cfg, cache, zerolog.Nop(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
	})
	return rt, rec
}

func fastHeatpump(t *testing.T) *domain.Device {
	d := heatpump(t)
	d.Groups[0].Interval = 100 * time.Millisecond
	d.Groups[1].Interval = 100 * time.Millisecond
	return d
}

func quality(rt *service.Runtime, key domain.PointKey) domain.Quality {
	e, _ := rt.Read(key)
	return e.Quality
}

func TestRuntime_TimeoutGoesStaleThenRecovers(t *testing.T) {
	s := newSlave()
	s.set(0, 0x0001)
	s.set(1, 0x0002)
	rt, rec := newRuntime(t, s)

	if _, err := rt.Load(context.Background(), []*domain.Device{fastHeatpump(t)}); err != nil {
		t.Fatalf("load: %v", err)
	}
	counter := domain.NewPointKey("heatpump", "counter")
	waitFor(t, "counter good", func() bool { return quality(rt, counter) == domain.QualityGood })

	s.fail(timeoutErr{})
	waitFor(t, "stale notification", func() bool {
		for _, e := range rec.forKey(counter) {
			if e.Quality == domain.QualityStale {
				return true
			}
		}
		return false
	})
	for _, e := range rec.forKey(counter) {
		if e.Value != uint64(65538) {
			t.Errorf("expected value unchanged across outage, got %+v", e)
		}
	}

	waitFor(t, "counter good again", func() bool {
		entries := rec.forKey(counter)
		return entries[len(entries)-1].Quality == domain.QualityGood
	})
	if st := rt.Stats(); st.Polling.Failures < 1 {
		t.Errorf("expected the failed poll to be counted, got %+v", st.Polling)
	}
	statuses := rt.DeviceStatuses()
	if len(statuses) != 1 || statuses[0].Reconnects < 2 {
		t.Errorf("expected a reconnect, got %+v", statuses)
	}
}

func TestRuntime_SubmitAppliesThroughConnection(t *testing.T) {
	s := newSlave()
	rt, _ := newRuntime(t, s)
	if _, err := rt.Load(context.Background(), []*domain.Device{fastHeatpump(t)}); err != nil {
		t.Fatalf("load: %v", err)
	}
	setpoint := domain.NewPointKey("heatpump", "setpoint")
	waitFor(t, "connected", func() bool { return quality(rt, setpoint) == domain.QualityGood })

	cmd, err := rt.Submit(context.Background(), setpoint, 21.5, "rest")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if cmd.State != domain.CommandApplied {
		t.Errorf("expected applied, got %s", cmd.State)
	}
	if got := s.get(10); got != 215 {
		t.Errorf("expected raw 215, got %d", got)
	}
	entry, _ := rt.Read(setpoint)
	if entry.Value != 21.5 || entry.Quality != domain.QualityGood {
		t.Errorf("expected 21.5 good, got %+v", entry)
	}
}

func TestRuntime_ReloadSwapsGeneration(t *testing.T) {
	s := newSlave()
	rt, _ := newRuntime(t, s)

	var mu sync.Mutex
	var seen []uint64
	rt.OnGeneration(func(gen *service.Generation) {
		mu.Lock()
		seen = append(seen, gen.ID)
		mu.Unlock()
	})

	first, err := rt.Load(context.Background(), []*domain.Device{fastHeatpump(t)})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	setpoint := domain.NewPointKey("heatpump", "setpoint")
	waitFor(t, "setpoint good", func() bool { return quality(rt, setpoint) == domain.QualityGood })

	reduced := fastHeatpump(t)
	reduced.Groups = reduced.Groups[:1]
	second, err := rt.Load(context.Background(), []*domain.Device{reduced})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if second.ID != first.ID+1 || rt.Current() != second {
		t.Errorf("expected generation %d live, got %+v", first.ID+1, rt.Current())
	}
	if _, ok := rt.Read(setpoint); ok {
		t.Error("expected removed point to leave the cache")
	}
	if _, ok := rt.Point(setpoint); ok {
		t.Error("expected removed point to be unknown to the live generation")
	}

	_, err = rt.Submit(context.Background(), setpoint, 20, "rest")
	if !errors.Is(err, domain.ErrCommandUnroutable) {
		t.Errorf("expected unroutable after removal, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[1] != second.ID {
		t.Errorf("expected listeners for both generations, got %v", seen)
	}
}

func TestRuntime_LoadRejectsInvalidConfig(t *testing.T) {
	rt, _ := newRuntime(t, newSlave())

	bad := fastHeatpump(t)
	bad.Host = ""
	if _, err := rt.Load(context.Background(), []*domain.Device{bad}); !errors.Is(err, domain.ErrHostRequired) {
		t.Errorf("expected host required, got %v", err)
	}
	if rt.Current() != nil {
		t.Error("expected no generation after a failed load")
	}

	a, b := fastHeatpump(t), fastHeatpump(t)
	if _, err := rt.Load(context.Background(), []*domain.Device{a, b}); !errors.Is(err, domain.ErrDuplicateID) {
		t.Errorf("expected duplicate id, got %v", err)
	}
}

func TestRuntime_SubmitBeforeLoad(t *testing.T) {
	rt, _ := newRuntime(t, newSlave())
	cmd, err := rt.Submit(context.Background(), domain.NewPointKey("heatpump", "setpoint"), 1, "rest")
	if !errors.Is(err, domain.ErrCommandUnroutable) || !errors.Is(err, domain.ErrServiceNotStarted) {
		t.Errorf("expected unroutable not started, got %v", err)
	}
	if cmd.State != domain.CommandRejected {
		t.Errorf("expected rejected, got %s", cmd.State)
	}
	if err := rt.HealthCheck(context.Background()); !errors.Is(err, domain.ErrServiceNotStarted) {
		t.Errorf("expected not started, got %v", err)
	}
}
