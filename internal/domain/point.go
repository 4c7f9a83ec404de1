// Package domain contains core business entities.
package domain

import (
	"fmt"
	"math"
	"strings"
)

// DataType represents the wire encoding of a point value.
type DataType string

const (
	DataTypeBool    DataType = "bool"
	DataTypeInt16   DataType = "int16"
	DataTypeUInt16  DataType = "uint16"
	DataTypeInt32   DataType = "int32"
	DataTypeUInt32  DataType = "uint32"
	DataTypeInt64   DataType = "int64"
	DataTypeUInt64  DataType = "uint64"
	DataTypeFloat32 DataType = "float32"
	DataTypeFloat64 DataType = "float64"
	DataTypeString  DataType = "string"
)

// ByteOrder represents the byte and word ordering for multi-register values.
type ByteOrder string

const (
	ByteOrderBigEndian    ByteOrder = "big_endian"    // ABCD (most common)
	ByteOrderLittleEndian ByteOrder = "little_endian" // DCBA
	ByteOrderByteSwap     ByteOrder = "byte_swap"     // BADC
	ByteOrderWordSwap     ByteOrder = "word_swap"     // CDAB
)

// SemanticType is the kind of value a point carries after decoding.
type SemanticType string

const (
	SemanticBool   SemanticType = "bool"
	SemanticInt    SemanticType = "int"
	SemanticFloat  SemanticType = "float"
	SemanticEnum   SemanticType = "enum"
	SemanticString SemanticType = "string"
)

// DeadbandType specifies how change suppression is applied.
type DeadbandType string

const (
	DeadbandTypeNone     DeadbandType = "none"     // Exact comparison
	DeadbandTypeAbsolute DeadbandType = "absolute" // Absolute value change threshold
	DeadbandTypePercent  DeadbandType = "percent"  // Percentage change threshold
)

// Template describes how a run of registers maps to one typed value.
type Template struct {
	DataType  DataType  `json:"data_type"`
	ByteOrder ByteOrder `json:"byte_order,omitempty"`

	// Registers is the word count for strings; numeric types derive it from DataType.
	Registers uint16 `json:"registers,omitempty"`

	// Bit selects a single bit (0-15) of a register for bitfield booleans.
	Bit *uint8 `json:"bit,omitempty"`

	// Scale is multiplied with the raw value; Offset is added afterwards.
	Scale  float64 `json:"scale,omitempty"`
	Offset float64 `json:"offset,omitempty"`

	// Enum maps raw integers to labels.
	Enum map[int64]string `json:"enum,omitempty"`
}

// WordCount returns the number of registers the template spans.
func (t Template) WordCount() uint16 {
	switch t.DataType {
	case DataTypeBool, DataTypeInt16, DataTypeUInt16:
		return 1
	case DataTypeInt32, DataTypeUInt32, DataTypeFloat32:
		return 2
	case DataTypeInt64, DataTypeUInt64, DataTypeFloat64:
		return 4
	case DataTypeString:
		return t.Registers
	default:
		return 0
	}
}

// ScaleFactor returns the multiplier, treating zero as identity.
func (t Template) ScaleFactor() float64 {
	if t.Scale == 0 {
		return 1
	}
	return t.Scale
}

// Scaled reports whether a linear transform is applied.
func (t Template) Scaled() bool {
	return t.ScaleFactor() != 1 || t.Offset != 0
}

// Semantic returns the decoded value kind.
func (t Template) Semantic() SemanticType {
	switch {
	case t.DataType == DataTypeBool:
		return SemanticBool
	case t.DataType == DataTypeString:
		return SemanticString
	case len(t.Enum) > 0:
		return SemanticEnum
	case t.DataType == DataTypeFloat32 || t.DataType == DataTypeFloat64 || t.Scaled():
		return SemanticFloat
	default:
		return SemanticInt
	}
}

// Validate checks that the template can be decoded.
func (t Template) Validate() error {
	if t.WordCount() == 0 {
		if t.DataType == DataTypeString {
			return fmt.Errorf("%w: string needs a register count", ErrInvalidRegisterCount)
		}
		return fmt.Errorf("%w: %q", ErrInvalidDataType, t.DataType)
	}
	switch t.ByteOrder {
	case "", ByteOrderBigEndian, ByteOrderLittleEndian, ByteOrderByteSwap, ByteOrderWordSwap:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidByteOrder, t.ByteOrder)
	}
	if t.Bit != nil && (*t.Bit > 15 || t.DataType != DataTypeBool) {
		return fmt.Errorf("%w: bit %d", ErrBitIndexOutOfRange, *t.Bit)
	}
	if len(t.Enum) > 0 && t.Scaled() {
		return fmt.Errorf("%w: enum points cannot be scaled", ErrInvalidDataType)
	}
	return nil
}

// Deadband is the per-point change tolerance.
type Deadband struct {
	Type  DeadbandType `json:"type,omitempty"`
	Value float64      `json:"value,omitempty"`
}

// DiscoveryHints carries optional metadata for home-automation discovery.
type DiscoveryHints struct {
	Component   string   `json:"component,omitempty"`
	DeviceClass string   `json:"device_class,omitempty"`
	StateClass  string   `json:"state_class,omitempty"`
	Precision   *int     `json:"precision,omitempty"`
	Icon        string   `json:"icon,omitempty"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	Step        *float64 `json:"step,omitempty"`
}

// PointKey identifies a point across all devices as "<device>/<point>".
type PointKey string

// NewPointKey builds the key for a point of a device.
func NewPointKey(deviceID, pointID string) PointKey {
	return PointKey(deviceID + "/" + pointID)
}

// Split returns the device and point identifiers.
func (k PointKey) Split() (deviceID, pointID string) {
	s := string(k)
	i := strings.IndexByte(s, '/')
	if i < 0 {
		return "", s
	}
	return s[:i], s[i+1:]
}

// Point is a logical named value decoded from one or more registers.
type Point struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	DeviceID string `json:"device_id"`
	GroupID  string `json:"group_id"`

	// Address is the first register (or bit) the point occupies.
	Address  uint16   `json:"address"`
	Template Template `json:"template"`
	Unit     string   `json:"unit,omitempty"`
	Deadband Deadband `json:"deadband,omitempty"`

	Writable     bool   `json:"writable"`
	WriteAddress uint16 `json:"write_address,omitempty"`

	// Refresh re-issues the last applied command periodically.
	Refresh bool `json:"refresh,omitempty"`

	Discovery DiscoveryHints `json:"discovery,omitempty"`
}

// Key returns the global identifier of the point.
func (p *Point) Key() PointKey {
	return NewPointKey(p.DeviceID, p.ID)
}

// DisplayName returns Name or falls back to ID.
func (p *Point) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// WriteTarget returns the register or coil a command writes to.
func (p *Point) WriteTarget() uint16 {
	if p.WriteAddress != 0 {
		return p.WriteAddress
	}
	return p.Address
}

// WithinDeadband reports whether next is considered unchanged relative to prev.
func (p *Point) WithinDeadband(prev, next interface{}) bool {
	if prev == nil || next == nil {
		return prev == nil && next == nil
	}
	a, aok := numeric(prev)
	b, bok := numeric(next)
	if !aok || !bok {
		return prev == next
	}

	switch p.Deadband.Type {
	case DeadbandTypeAbsolute:
		return math.Abs(b-a) <= p.Deadband.Value
	case DeadbandTypePercent:
		if a == 0 {
			return b == 0
		}
		return math.Abs((b-a)/a)*100 <= p.Deadband.Value
	default:
		if p.Template.Semantic() == SemanticFloat {
			return math.Abs(b-a) <= 1e-9*math.Max(1, math.Abs(a))
		}
		return a == b
	}
}

func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
