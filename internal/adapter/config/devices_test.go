package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mouse256/alfen-mqtt/internal/adapter/config"
	"github.com/mouse256/alfen-mqtt/internal/domain"
)

const sampleDevices = `
version: "1"
devices:
  - id: charger
    name: Alfen Eve
    manufacturer: Alfen
    model: NG9xx
    host: 192.168.1.50
    slave_id: 1
    timeout: 3s
    max_registers_per_read: 50
    groups:
      - id: meter
        function: holding
        start: 306
        count: 4
        interval: 5s
        priority: 1
        points:
          - id: voltage_l1
            name: Voltage L1
            address: 306
            type: float32
            unit: V
            deadband: {type: absolute, value: 0.5}
            discovery: {device_class: voltage, precision: 1}
          - id: power
            address: 308
            type: int32
            byte_order: word_swap
            scale: 0.1
            unit: W
      - id: control
        function: holding
        start: 1210
        count: 3
        interval: 10s
        points:
          - id: max_current
            address: 1210
            type: float32
            unit: A
            writable: true
            refresh: true
          - id: mode
            address: 1212
            type: uint16
            enum: {0: off, 1: on}
            writable: true
  - id: relay
    host: relay.local
    port: 5020
    slave_id: 3
    max_gap: 0
    enabled: false
    groups:
      - id: coils
        function: coil
        start: 0
        count: 8
        interval: 1s
        points:
          - id: pump
            address: 2
            type: bool
            writable: true
`

func TestParseDevices(t *testing.T) {
	devices, err := config.ParseDevices([]byte(sampleDevices))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}

	charger := devices[0]
	if charger.Port != 502 || charger.Timeout != 3*time.Second || charger.MaxGap != domain.DefaultMaxGap || !charger.Enabled {
		t.Errorf("expected defaults applied, got %+v", charger)
	}
	if charger.MaxRegistersPerRead != 50 || charger.Manufacturer != "Alfen" {
		t.Errorf("unexpected device fields %+v", charger)
	}
	if charger.Groups[0].Interval != 5*time.Second || charger.Groups[0].Priority != 1 {
		t.Errorf("unexpected group %+v", charger.Groups[0])
	}

	voltage, _, ok := charger.FindPoint("voltage_l1")
	if !ok {
		t.Fatal("expected voltage point")
	}
	if voltage.DeviceID != "charger" || voltage.GroupID != "meter" {
		t.Errorf("expected back-references filled, got %q %q", voltage.DeviceID, voltage.GroupID)
	}
	if voltage.Deadband.Type != domain.DeadbandTypeAbsolute || voltage.Deadband.Value != 0.5 {
		t.Errorf("unexpected deadband %+v", voltage.Deadband)
	}
	if voltage.Discovery.DeviceClass != "voltage" || voltage.Discovery.Precision == nil || *voltage.Discovery.Precision != 1 {
		t.Errorf("unexpected discovery hints %+v", voltage.Discovery)
	}

	power, _, _ := charger.FindPoint("power")
	if power.Template.ByteOrder != domain.ByteOrderWordSwap || power.Template.Scale != 0.1 {
		t.Errorf("unexpected template %+v", power.Template)
	}
	mode, _, _ := charger.FindPoint("mode")
	if mode.Template.Enum[1] != "on" || !mode.Writable {
		t.Errorf("unexpected mode %+v", mode)
	}
	current, _, _ := charger.FindPoint("max_current")
	if !current.Refresh {
		t.Error("expected refresh flag")
	}

	relay := devices[1]
	if relay.Port != 5020 || relay.MaxGap != 0 || relay.Enabled {
		t.Errorf("expected explicit values kept, got %+v", relay)
	}
}

func TestParseDevices_Errors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr error
	}{
		{
			name: "duplicate device",
			doc: `devices:
  - {id: a, host: h, groups: [{id: g, function: holding, count: 1, interval: 1s}]}
  - {id: a, host: h, groups: [{id: g, function: holding, count: 1, interval: 1s}]}`,
			wantErr: domain.ErrDuplicateID,
		},
		{
			name: "duplicate point",
			doc: `devices:
  - id: a
    host: h
    groups:
      - id: g
        function: holding
        count: 2
        interval: 1s
        points: [{id: p, address: 0, type: uint16}, {id: p, address: 1, type: uint16}]`,
			wantErr: domain.ErrDuplicateID,
		},
		{
			name: "point outside group",
			doc: `devices:
  - id: a
    host: h
    groups:
      - id: g
        function: holding
        start: 10
        count: 2
        interval: 1s
        points: [{id: p, address: 11, type: uint32}]`,
			wantErr: domain.ErrPointOutsideGroup,
		},
		{
			name: "writable input register",
			doc: `devices:
  - id: a
    host: h
    groups:
      - id: g
        function: input
        count: 1
        interval: 1s
        points: [{id: p, address: 0, type: uint16, writable: true}]`,
			wantErr: domain.ErrPointNotWritable,
		},
		{
			name:    "missing host",
			doc:     `devices: [{id: a, groups: [{id: g, function: holding, count: 1, interval: 1s}]}]`,
			wantErr: domain.ErrHostRequired,
		},
		{
			name:    "span too large",
			doc:     `devices: [{id: a, host: h, max_registers_per_read: 200, groups: [{id: g, function: holding, count: 1, interval: 1s}]}]`,
			wantErr: domain.ErrSpanTooLarge,
		},
		{
			name:    "interval too short",
			doc:     `devices: [{id: a, host: h, groups: [{id: g, function: holding, count: 1, interval: 10ms}]}]`,
			wantErr: domain.ErrPollIntervalTooShort,
		},
		{
			name: "bit out of range",
			doc: `devices:
  - id: a
    host: h
    groups:
      - id: g
        function: holding
        count: 1
        interval: 1s
        points: [{id: p, address: 0, type: bool, bit: 16}]`,
			wantErr: domain.ErrBitIndexOutOfRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.ParseDevices([]byte(tt.doc))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	t.Run("bad duration", func(t *testing.T) {
		_, err := config.ParseDevices([]byte(`devices: [{id: a, host: h, groups: [{id: g, function: holding, count: 1, interval: soon}]}]`))
		if err == nil {
			t.Error("expected error for unparseable interval")
		}
	})
}

func TestSaveDevices_RoundTrip(t *testing.T) {
	devices, err := config.ParseDevices([]byte(sampleDevices))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "devices.yaml")
	if err := config.SaveDevices(path, devices); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected 0600 permissions, got %v", info.Mode().Perm())
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected temp file removed, got %d entries", len(entries))
	}

	loaded, err := config.LoadDevices(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 || loaded[1].Enabled || loaded[1].MaxGap != 0 {
		t.Fatalf("unexpected reload %+v", loaded)
	}
	p, _, ok := loaded[0].FindPoint("voltage_l1")
	if !ok || p.Deadband.Value != 0.5 || p.Discovery.DeviceClass != "voltage" {
		t.Errorf("expected point settings preserved, got %+v", p)
	}
	mode, _, _ := loaded[0].FindPoint("mode")
	if mode.Template.Enum[0] != "off" {
		t.Errorf("expected enum preserved, got %v", mode.Template.Enum)
	}
}

func TestLoadDevices_MissingFile(t *testing.T) {
	if _, err := config.LoadDevices(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
