package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mouse256/alfen-mqtt/internal/domain"
)

// fakeDevice is an in-memory Transactor. Holding registers default to zero.
type fakeDevice struct {
	mu       sync.Mutex
	state    domain.ConnectionState
	holding  map[uint16]uint16
	coils    map[uint16]bool
	requests []domain.Request
	errs     []error
	short    int

	// pinned registers ignore writes and always read back the pinned value.
	pinned map[uint16]uint16
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		state:   domain.StateConnected,
		holding: make(map[uint16]uint16),
		coils:   make(map[uint16]bool),
	}
}

func (f *fakeDevice) Transact(ctx context.Context, req domain.Request) (domain.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)

	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return domain.Response{}, err
		}
	}

	switch req.Op {
	case domain.OpWriteRegister:
		for i, w := range req.Words {
			f.holding[req.Address+uint16(i)] = w
		}
		return domain.Response{}, nil
	case domain.OpWriteCoil:
		f.coils[req.Address] = req.Coil
		return domain.Response{}, nil
	}

	if req.Function.IsBit() {
		bits := make([]bool, req.Quantity)
		for i := range bits {
			bits[i] = f.coils[req.Address+uint16(i)]
		}
		return domain.Response{Bits: bits}, nil
	}
	n := int(req.Quantity) - f.short
	if n < 0 {
		n = 0
	}
	words := make([]uint16, n)
	for i := range words {
		addr := req.Address + uint16(i)
		words[i] = f.holding[addr]
		if v, ok := f.pinned[addr]; ok {
			words[i] = v
		}
	}
	return domain.Response{Words: words}, nil
}

func (f *fakeDevice) State() domain.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeDevice) setState(s domain.ConnectionState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeDevice) set(addr, value uint16) {
	f.mu.Lock()
	f.holding[addr] = value
	f.mu.Unlock()
}

func (f *fakeDevice) failWith(errs ...error) {
	f.mu.Lock()
	f.errs = append(f.errs, errs...)
	f.mu.Unlock()
}

func (f *fakeDevice) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeDevice) lastRequest() domain.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder captures cache notifications.
type recorder struct {
	mu      sync.Mutex
	entries []domain.StateEntry
}

func (r *recorder) record(e domain.StateEntry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *recorder) last() domain.StateEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[len(r.entries)-1]
}

func (r *recorder) forKey(key domain.PointKey) []domain.StateEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.StateEntry
	for _, e := range r.entries {
		if e.Key == key {
			out = append(out, e)
		}
	}
	return out
}

// heatpump returns a validated device with a counter and a writable setpoint.
func heatpump(t *testing.T) *domain.Device {
	t.Helper()
	d := &domain.Device{
		ID:      "heatpump",
		Host:    "10.0.0.5",
		Port:    502,
		SlaveID: 1,
		MaxGap:  domain.DefaultMaxGap,
		Enabled: true,
		Groups: []domain.RegisterGroup{
			{
				ID:       "counters",
				Function: domain.FunctionHolding,
				Start:    0,
				Count:    2,
				Interval: time.Second,
				Points: []domain.Point{
					{ID: "counter", Address: 0, Template: domain.Template{DataType: domain.DataTypeUInt32, ByteOrder: domain.ByteOrderBigEndian}},
				},
			},
			{
				ID:       "setpoints",
				Function: domain.FunctionHolding,
				Start:    10,
				Count:    1,
				Interval: 5 * time.Second,
				Points: []domain.Point{
					{
						ID:       "setpoint",
						Address:  10,
						Template: domain.Template{DataType: domain.DataTypeInt16, ByteOrder: domain.ByteOrderBigEndian, Scale: 0.1},
						Unit:     "°C",
						Writable: true,
					},
				},
			},
		},
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("invalid fixture: %v", err)
	}
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
