package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/mouse256/alfen-mqtt/internal/domain"
)

func validDevice() domain.Device {
	return domain.Device{
		ID:      "heatpump",
		Name:    "Heat pump",
		Host:    "192.168.1.20",
		Port:    502,
		SlaveID: 1,
		Groups: []domain.RegisterGroup{
			{
				ID:       "status",
				Function: domain.FunctionHolding,
				Start:    0,
				Count:    4,
				Interval: time.Second,
				Points: []domain.Point{
					{ID: "counter", Address: 0, Template: domain.Template{DataType: domain.DataTypeUInt32}},
					{ID: "setpoint", Address: 2, Template: domain.Template{DataType: domain.DataTypeInt16, Scale: 0.1}, Writable: true, WriteAddress: 2},
				},
			},
		},
	}
}

func TestDevice_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(d *domain.Device)
		wantErr error
	}{
		{
			name:    "valid device",
			mutate:  func(d *domain.Device) {},
			wantErr: nil,
		},
		{
			name:    "missing device ID",
			mutate:  func(d *domain.Device) { d.ID = "" },
			wantErr: domain.ErrDeviceIDRequired,
		},
		{
			name:    "missing host",
			mutate:  func(d *domain.Device) { d.Host = "" },
			wantErr: domain.ErrHostRequired,
		},
		{
			name:    "invalid port",
			mutate:  func(d *domain.Device) { d.Port = 70000 },
			wantErr: domain.ErrInvalidPort,
		},
		{
			name:    "invalid slave id",
			mutate:  func(d *domain.Device) { d.SlaveID = 250 },
			wantErr: domain.ErrInvalidSlaveID,
		},
		{
			name:    "no groups",
			mutate:  func(d *domain.Device) { d.Groups = nil },
			wantErr: domain.ErrNoGroupsDefined,
		},
		{
			name:    "read limit above protocol maximum",
			mutate:  func(d *domain.Device) { d.MaxRegistersPerRead = 200 },
			wantErr: domain.ErrSpanTooLarge,
		},
		{
			name: "group larger than device limit",
			mutate: func(d *domain.Device) {
				d.MaxRegistersPerRead = 2
			},
			wantErr: domain.ErrSpanTooLarge,
		},
		{
			name:    "interval too short",
			mutate:  func(d *domain.Device) { d.Groups[0].Interval = 10 * time.Millisecond },
			wantErr: domain.ErrPollIntervalTooShort,
		},
		{
			name:    "unknown function",
			mutate:  func(d *domain.Device) { d.Groups[0].Function = "fifo" },
			wantErr: domain.ErrInvalidFunction,
		},
		{
			name:    "point outside group",
			mutate:  func(d *domain.Device) { d.Groups[0].Points[0].Address = 3 },
			wantErr: domain.ErrPointOutsideGroup,
		},
		{
			name: "duplicate point",
			mutate: func(d *domain.Device) {
				d.Groups[0].Points[1].ID = "counter"
			},
			wantErr: domain.ErrDuplicateID,
		},
		{
			name: "writable input register",
			mutate: func(d *domain.Device) {
				d.Groups[0].Function = domain.FunctionInput
			},
			wantErr: domain.ErrPointNotWritable,
		},
		{
			name: "writable bitfield point",
			mutate: func(d *domain.Device) {
				bit := uint8(3)
				d.Groups[0].Points[1].Template = domain.Template{DataType: domain.DataTypeBool, Bit: &bit}
			},
			wantErr: domain.ErrPointNotWritable,
		},
		{
			name: "bit table with numeric point",
			mutate: func(d *domain.Device) {
				d.Groups[0].Function = domain.FunctionCoil
				d.Groups[0].Points[1].Writable = false
			},
			wantErr: domain.ErrInvalidDataType,
		},
		{
			name: "bit index out of range",
			mutate: func(d *domain.Device) {
				bit := uint8(16)
				d.Groups[0].Points[0].Template = domain.Template{DataType: domain.DataTypeBool, Bit: &bit}
			},
			wantErr: domain.ErrBitIndexOutOfRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDevice()
			tt.mutate(&d)
			err := d.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDevice_ValidateFillsBackReferences(t *testing.T) {
	d := validDevice()
	if err := d.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p, g, ok := d.FindPoint("setpoint")
	if !ok {
		t.Fatal("expected to find setpoint")
	}
	if p.DeviceID != "heatpump" || p.GroupID != "status" || g.ID != "status" {
		t.Errorf("unexpected back-references: device=%q group=%q", p.DeviceID, p.GroupID)
	}
	if p.Key() != "heatpump/setpoint" {
		t.Errorf("expected key heatpump/setpoint, got %s", p.Key())
	}
	if len(d.Points()) != 2 {
		t.Errorf("expected 2 points, got %d", len(d.Points()))
	}
}

func TestDevice_SpanLimit(t *testing.T) {
	d := validDevice()
	if got := d.SpanLimit(domain.FunctionHolding); got != domain.DefaultMaxRegistersPerRead {
		t.Errorf("expected default %d, got %d", domain.DefaultMaxRegistersPerRead, got)
	}
	d.MaxRegistersPerRead = 60
	if got := d.SpanLimit(domain.FunctionInput); got != 60 {
		t.Errorf("expected 60, got %d", got)
	}
	if got := d.SpanLimit(domain.FunctionCoil); got != domain.MaxBitsPerRequest {
		t.Errorf("expected %d for coils, got %d", domain.MaxBitsPerRequest, got)
	}
}

func TestPointKey_Split(t *testing.T) {
	key := domain.NewPointKey("boiler", "zone1.temperature")
	dev, pt := key.Split()
	if dev != "boiler" || pt != "zone1.temperature" {
		t.Errorf("unexpected split: %q %q", dev, pt)
	}
}
