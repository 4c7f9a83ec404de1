// Package domain contains the core business entities and interfaces.
// These describe the bridged devices independently of MQTT and REST.
package domain

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// ConnectionState is the lifecycle state of a device session.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateFaulted      ConnectionState = "faulted"
)

// FunctionCode selects the Modbus table a register group reads from.
type FunctionCode string

const (
	FunctionHolding  FunctionCode = "holding"
	FunctionInput    FunctionCode = "input"
	FunctionCoil     FunctionCode = "coil"
	FunctionDiscrete FunctionCode = "discrete"
)

// IsBit reports whether the table is addressed in single bits.
func (f FunctionCode) IsBit() bool {
	return f == FunctionCoil || f == FunctionDiscrete
}

// Writable reports whether the table accepts writes.
func (f FunctionCode) Writable() bool {
	return f == FunctionHolding || f == FunctionCoil
}

const (
	// MaxRegistersPerRequest is the protocol limit for register reads.
	MaxRegistersPerRequest = 125
	// MaxBitsPerRequest is the protocol limit for coil and discrete reads.
	MaxBitsPerRequest = 2000

	DefaultMaxRegistersPerRead = 100
	DefaultMaxGap              = 10
	MinPollInterval            = 100 * time.Millisecond
)

// Device is a Modbus-TCP slave bridged by this process.
type Device struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`

	Host    string        `json:"host"`
	Port    int           `json:"port"`
	SlaveID uint8         `json:"slave_id"`
	Timeout time.Duration `json:"timeout"`

	// MaxRegistersPerRead bounds one read request; bit tables are bounded by MaxBitsPerRequest.
	MaxRegistersPerRead uint16 `json:"max_registers_per_read"`

	// MaxGap is the largest hole between groups that may still be coalesced.
	MaxGap uint16 `json:"max_gap"`

	Enabled bool            `json:"enabled"`
	Groups  []RegisterGroup `json:"groups"`
}

// RegisterGroup is a contiguous span of registers decoded into points.
type RegisterGroup struct {
	ID       string        `json:"id"`
	Function FunctionCode  `json:"function"`
	Start    uint16        `json:"start"`
	Count    uint16        `json:"count"`
	Interval time.Duration `json:"interval"`
	Priority int           `json:"priority,omitempty"`
	Points   []Point       `json:"points"`
}

// End returns the first address past the group.
func (g *RegisterGroup) End() uint32 {
	return uint32(g.Start) + uint32(g.Count)
}

// Address returns host:port for dialing.
func (d *Device) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// SpanLimit returns the request size limit for the given table.
func (d *Device) SpanLimit(fn FunctionCode) uint16 {
	if fn.IsBit() {
		return MaxBitsPerRequest
	}
	if d.MaxRegistersPerRead == 0 {
		return DefaultMaxRegistersPerRead
	}
	return d.MaxRegistersPerRead
}

// Points returns pointers to every point of the device.
func (d *Device) Points() []*Point {
	var out []*Point
	for gi := range d.Groups {
		for pi := range d.Groups[gi].Points {
			out = append(out, &d.Groups[gi].Points[pi])
		}
	}
	return out
}

// FindPoint looks up a point by its device-local ID.
func (d *Device) FindPoint(id string) (*Point, *RegisterGroup, bool) {
	for gi := range d.Groups {
		g := &d.Groups[gi]
		for pi := range g.Points {
			if g.Points[pi].ID == id {
				return &g.Points[pi], g, true
			}
		}
	}
	return nil, nil, false
}

// Validate performs validation on the device configuration and fills
// point back-references.
func (d *Device) Validate() error {
	if d.ID == "" {
		return ErrDeviceIDRequired
	}
	if d.Host == "" {
		return ErrHostRequired
	}
	if d.Port <= 0 || d.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, d.Port)
	}
	if d.SlaveID > 247 {
		return fmt.Errorf("%w: %d", ErrInvalidSlaveID, d.SlaveID)
	}
	if d.MaxRegistersPerRead > MaxRegistersPerRequest {
		return fmt.Errorf("%w: max_registers_per_read %d > %d", ErrSpanTooLarge, d.MaxRegistersPerRead, MaxRegistersPerRequest)
	}
	if len(d.Groups) == 0 {
		return ErrNoGroupsDefined
	}

	groups := make(map[string]struct{}, len(d.Groups))
	points := make(map[string]struct{})
	for gi := range d.Groups {
		g := &d.Groups[gi]
		if g.ID == "" {
			return ErrGroupIDRequired
		}
		if _, dup := groups[g.ID]; dup {
			return fmt.Errorf("%w: group %q in device %q", ErrDuplicateID, g.ID, d.ID)
		}
		groups[g.ID] = struct{}{}

		if err := d.validateGroup(g); err != nil {
			return fmt.Errorf("group %q of device %q: %w", g.ID, d.ID, err)
		}

		for pi := range g.Points {
			p := &g.Points[pi]
			if _, dup := points[p.ID]; dup {
				return fmt.Errorf("%w: point %q in device %q", ErrDuplicateID, p.ID, d.ID)
			}
			points[p.ID] = struct{}{}
			p.DeviceID = d.ID
			p.GroupID = g.ID
		}
	}
	return nil
}

func (d *Device) validateGroup(g *RegisterGroup) error {
	switch g.Function {
	case FunctionHolding, FunctionInput, FunctionCoil, FunctionDiscrete:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFunction, g.Function)
	}
	if g.Count == 0 {
		return ErrInvalidRegisterCount
	}
	if g.Count > d.SpanLimit(g.Function) {
		return fmt.Errorf("%w: %d > %d", ErrSpanTooLarge, g.Count, d.SpanLimit(g.Function))
	}
	if g.End() > 65536 {
		return fmt.Errorf("%w: group ends past 65535", ErrInvalidRegisterCount)
	}
	if g.Interval < MinPollInterval {
		return ErrPollIntervalTooShort
	}

	for pi := range g.Points {
		p := &g.Points[pi]
		if p.ID == "" {
			return ErrPointIDRequired
		}
		if g.Function.IsBit() && p.Template.DataType != DataTypeBool {
			return fmt.Errorf("point %q: %w: bit tables only hold bool", p.ID, ErrInvalidDataType)
		}
		if err := p.Template.Validate(); err != nil {
			return fmt.Errorf("point %q: %w", p.ID, err)
		}
		width := uint32(p.Template.WordCount())
		if g.Function.IsBit() {
			width = 1
		}
		if p.Address < g.Start || uint32(p.Address)+width > g.End() {
			return fmt.Errorf("point %q: %w", p.ID, ErrPointOutsideGroup)
		}
		if p.Writable && !g.Function.Writable() {
			return fmt.Errorf("point %q: %w: %s table is read-only", p.ID, ErrPointNotWritable, g.Function)
		}
		if p.Writable && p.Template.Bit != nil {
			return fmt.Errorf("point %q: %w: bitfield points are read-only", p.ID, ErrPointNotWritable)
		}
		if p.Template.Scale == 0 && p.Template.Offset != 0 {
			p.Template.Scale = 1
		}
	}
	return nil
}
