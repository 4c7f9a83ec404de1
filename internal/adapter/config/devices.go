package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mouse256/alfen-mqtt/internal/domain"
	"gopkg.in/yaml.v3"
)

// DevicesFileVersion is written by SaveDevices.
const DevicesFileVersion = "1"

// DevicesFile represents the top-level devices configuration file.
type DevicesFile struct {
	Version string         `yaml:"version"`
	Devices []DeviceConfig `yaml:"devices"`
}

// DeviceConfig represents the YAML structure of one Modbus slave.
type DeviceConfig struct {
	ID                  string        `yaml:"id"`
	Name                string        `yaml:"name,omitempty"`
	Description         string        `yaml:"description,omitempty"`
	Manufacturer        string        `yaml:"manufacturer,omitempty"`
	Model               string        `yaml:"model,omitempty"`
	Host                string        `yaml:"host"`
	Port                int           `yaml:"port,omitempty"`
	SlaveID             int           `yaml:"slave_id"`
	Timeout             string        `yaml:"timeout,omitempty"`
	MaxRegistersPerRead int           `yaml:"max_registers_per_read,omitempty"`
	MaxGap              *int          `yaml:"max_gap,omitempty"`
	Enabled             *bool         `yaml:"enabled,omitempty"`
	Groups              []GroupConfig `yaml:"groups"`
}

// GroupConfig represents a register group in YAML.
type GroupConfig struct {
	ID       string        `yaml:"id"`
	Function string        `yaml:"function"`
	Start    int           `yaml:"start"`
	Count    int           `yaml:"count"`
	Interval string        `yaml:"interval"`
	Priority int           `yaml:"priority,omitempty"`
	Points   []PointConfig `yaml:"points"`
}

// PointConfig represents a point in YAML.
type PointConfig struct {
	ID           string           `yaml:"id"`
	Name         string           `yaml:"name,omitempty"`
	Address      int              `yaml:"address"`
	DataType     string           `yaml:"type"`
	ByteOrder    string           `yaml:"byte_order,omitempty"`
	Registers    int              `yaml:"registers,omitempty"`
	Bit          *int             `yaml:"bit,omitempty"`
	Scale        float64          `yaml:"scale,omitempty"`
	Offset       float64          `yaml:"offset,omitempty"`
	Enum         map[int64]string `yaml:"enum,omitempty"`
	Unit         string           `yaml:"unit,omitempty"`
	Deadband     *DeadbandConfig  `yaml:"deadband,omitempty"`
	Writable     bool             `yaml:"writable,omitempty"`
	WriteAddress int              `yaml:"write_address,omitempty"`
	Refresh      bool             `yaml:"refresh,omitempty"`
	Discovery    *DiscoveryHints  `yaml:"discovery,omitempty"`
}

// DeadbandConfig represents a change tolerance in YAML.
type DeadbandConfig struct {
	Type  string  `yaml:"type"`
	Value float64 `yaml:"value"`
}

// DiscoveryHints represents optional discovery metadata in YAML.
type DiscoveryHints struct {
	Component   string   `yaml:"component,omitempty"`
	DeviceClass string   `yaml:"device_class,omitempty"`
	StateClass  string   `yaml:"state_class,omitempty"`
	Precision   *int     `yaml:"precision,omitempty"`
	Icon        string   `yaml:"icon,omitempty"`
	Min         *float64 `yaml:"min,omitempty"`
	Max         *float64 `yaml:"max,omitempty"`
	Step        *float64 `yaml:"step,omitempty"`
}

// LoadDevices loads device configurations from a YAML file.
func LoadDevices(path string) ([]*domain.Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read devices file: %w", err)
	}
	return ParseDevices(data)
}

// ParseDevices decodes and validates a devices document.
func ParseDevices(data []byte) ([]*domain.Device, error) {
	var file DevicesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse devices file: %w", err)
	}

	seenIDs := make(map[string]int)
	devices := make([]*domain.Device, 0, len(file.Devices))

	for idx, dc := range file.Devices {
		if prevIdx, exists := seenIDs[dc.ID]; exists {
			return nil, fmt.Errorf("%w: device %q at index %d (first seen at index %d)", domain.ErrDuplicateID, dc.ID, idx, prevIdx)
		}
		seenIDs[dc.ID] = idx

		device, err := convertDeviceConfig(dc)
		if err != nil {
			return nil, fmt.Errorf("error in device %s: %w", dc.ID, err)
		}
		devices = append(devices, device)
	}

	return devices, nil
}

// convertDeviceConfig converts a DeviceConfig to a domain.Device.
func convertDeviceConfig(dc DeviceConfig) (*domain.Device, error) {
	var timeout time.Duration
	if dc.Timeout != "" {
		var err error
		timeout, err = time.ParseDuration(dc.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
	}

	port := dc.Port
	if port == 0 {
		port = 502
	}
	maxGap := domain.DefaultMaxGap
	if dc.MaxGap != nil {
		if *dc.MaxGap < 0 || *dc.MaxGap > 65535 {
			return nil, fmt.Errorf("invalid max_gap: %d", *dc.MaxGap)
		}
		maxGap = *dc.MaxGap
	}
	if dc.SlaveID < 0 || dc.SlaveID > 255 {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidSlaveID, dc.SlaveID)
	}
	if dc.MaxRegistersPerRead < 0 || dc.MaxRegistersPerRead > 65535 {
		return nil, fmt.Errorf("%w: max_registers_per_read %d", domain.ErrSpanTooLarge, dc.MaxRegistersPerRead)
	}
	enabled := true
	if dc.Enabled != nil {
		enabled = *dc.Enabled
	}

	device := &domain.Device{
		ID:                  dc.ID,
		Name:                dc.Name,
		Description:         dc.Description,
		Manufacturer:        dc.Manufacturer,
		Model:               dc.Model,
		Host:                dc.Host,
		Port:                port,
		SlaveID:             uint8(dc.SlaveID),
		Timeout:             timeout,
		MaxRegistersPerRead: uint16(dc.MaxRegistersPerRead),
		MaxGap:              uint16(maxGap),
		Enabled:             enabled,
		Groups:              make([]domain.RegisterGroup, 0, len(dc.Groups)),
	}

	for _, gc := range dc.Groups {
		group, err := convertGroupConfig(gc)
		if err != nil {
			return nil, fmt.Errorf("error in group %s: %w", gc.ID, err)
		}
		device.Groups = append(device.Groups, group)
	}

	if err := device.Validate(); err != nil {
		return nil, err
	}
	return device, nil
}

func convertGroupConfig(gc GroupConfig) (domain.RegisterGroup, error) {
	if gc.Interval == "" {
		return domain.RegisterGroup{}, fmt.Errorf("interval is required")
	}
	interval, err := time.ParseDuration(gc.Interval)
	if err != nil {
		return domain.RegisterGroup{}, fmt.Errorf("invalid interval: %w", err)
	}
	if gc.Start < 0 || gc.Start > 65535 || gc.Count < 0 || gc.Count > 65535 {
		return domain.RegisterGroup{}, fmt.Errorf("%w: start %d count %d", domain.ErrInvalidRegisterCount, gc.Start, gc.Count)
	}

	group := domain.RegisterGroup{
		ID:       gc.ID,
		Function: domain.FunctionCode(gc.Function),
		Start:    uint16(gc.Start),
		Count:    uint16(gc.Count),
		Interval: interval,
		Priority: gc.Priority,
		Points:   make([]domain.Point, 0, len(gc.Points)),
	}
	for _, pc := range gc.Points {
		point, err := convertPointConfig(pc)
		if err != nil {
			return domain.RegisterGroup{}, fmt.Errorf("error in point %s: %w", pc.ID, err)
		}
		group.Points = append(group.Points, point)
	}
	return group, nil
}

func convertPointConfig(pc PointConfig) (domain.Point, error) {
	if pc.Address < 0 || pc.Address > 65535 || pc.WriteAddress < 0 || pc.WriteAddress > 65535 {
		return domain.Point{}, fmt.Errorf("%w: address out of range", domain.ErrPointOutsideGroup)
	}
	if pc.Registers < 0 || pc.Registers > domain.MaxRegistersPerRequest {
		return domain.Point{}, fmt.Errorf("%w: %d", domain.ErrInvalidRegisterCount, pc.Registers)
	}

	var bit *uint8
	if pc.Bit != nil {
		if *pc.Bit < 0 || *pc.Bit > 15 {
			return domain.Point{}, fmt.Errorf("%w: bit %d", domain.ErrBitIndexOutOfRange, *pc.Bit)
		}
		b := uint8(*pc.Bit)
		bit = &b
	}

	point := domain.Point{
		ID:      pc.ID,
		Name:    pc.Name,
		Address: uint16(pc.Address),
		Template: domain.Template{
			DataType:  domain.DataType(pc.DataType),
			ByteOrder: domain.ByteOrder(pc.ByteOrder),
			Registers: uint16(pc.Registers),
			Bit:       bit,
			Scale:     pc.Scale,
			Offset:    pc.Offset,
			Enum:      pc.Enum,
		},
		Unit:         pc.Unit,
		Writable:     pc.Writable,
		WriteAddress: uint16(pc.WriteAddress),
		Refresh:      pc.Refresh,
	}
	if pc.Deadband != nil {
		point.Deadband = domain.Deadband{Type: domain.DeadbandType(pc.Deadband.Type), Value: pc.Deadband.Value}
	}
	if h := pc.Discovery; h != nil {
		point.Discovery = domain.DiscoveryHints{
			Component:   h.Component,
			DeviceClass: h.DeviceClass,
			StateClass:  h.StateClass,
			Precision:   h.Precision,
			Icon:        h.Icon,
			Min:         h.Min,
			Max:         h.Max,
			Step:        h.Step,
		}
	}
	return point, nil
}

// SaveDevices writes device configurations to a YAML file. The file is
// replaced atomically so a concurrent reload never sees a partial document.
func SaveDevices(path string, devices []*domain.Device) error {
	configs := make([]DeviceConfig, 0, len(devices))
	for _, device := range devices {
		configs = append(configs, convertToDeviceConfig(device))
	}

	file := DevicesFile{
		Version: DevicesFileVersion,
		Devices: configs,
	}

	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("failed to marshal devices: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp devices file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write devices file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync devices file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close devices file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("failed to set devices file permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace devices file: %w", err)
	}
	return nil
}

// convertToDeviceConfig converts a domain.Device to a DeviceConfig.
func convertToDeviceConfig(device *domain.Device) DeviceConfig {
	maxGap := int(device.MaxGap)
	enabled := device.Enabled

	dc := DeviceConfig{
		ID:                  device.ID,
		Name:                device.Name,
		Description:         device.Description,
		Manufacturer:        device.Manufacturer,
		Model:               device.Model,
		Host:                device.Host,
		Port:                device.Port,
		SlaveID:             int(device.SlaveID),
		MaxRegistersPerRead: int(device.MaxRegistersPerRead),
		MaxGap:              &maxGap,
		Enabled:             &enabled,
		Groups:              make([]GroupConfig, 0, len(device.Groups)),
	}
	if device.Timeout > 0 {
		dc.Timeout = device.Timeout.String()
	}

	for _, g := range device.Groups {
		gc := GroupConfig{
			ID:       g.ID,
			Function: string(g.Function),
			Start:    int(g.Start),
			Count:    int(g.Count),
			Interval: g.Interval.String(),
			Priority: g.Priority,
			Points:   make([]PointConfig, 0, len(g.Points)),
		}
		for i := range g.Points {
			gc.Points = append(gc.Points, convertToPointConfig(&g.Points[i]))
		}
		dc.Groups = append(dc.Groups, gc)
	}
	return dc
}

func convertToPointConfig(p *domain.Point) PointConfig {
	pc := PointConfig{
		ID:           p.ID,
		Name:         p.Name,
		Address:      int(p.Address),
		DataType:     string(p.Template.DataType),
		ByteOrder:    string(p.Template.ByteOrder),
		Registers:    int(p.Template.Registers),
		Scale:        p.Template.Scale,
		Offset:       p.Template.Offset,
		Enum:         p.Template.Enum,
		Unit:         p.Unit,
		Writable:     p.Writable,
		WriteAddress: int(p.WriteAddress),
		Refresh:      p.Refresh,
	}
	if p.Template.Bit != nil {
		b := int(*p.Template.Bit)
		pc.Bit = &b
	}
	if p.Deadband.Type != "" {
		pc.Deadband = &DeadbandConfig{Type: string(p.Deadband.Type), Value: p.Deadband.Value}
	}
	if h := p.Discovery; h != (domain.DiscoveryHints{}) {
		pc.Discovery = &DiscoveryHints{
			Component:   h.Component,
			DeviceClass: h.DeviceClass,
			StateClass:  h.StateClass,
			Precision:   h.Precision,
			Icon:        h.Icon,
			Min:         h.Min,
			Max:         h.Max,
			Step:        h.Step,
		}
	}
	return pc
}
