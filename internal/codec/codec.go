// Package codec converts between raw Modbus register words and typed point values.
// All functions are pure and safe for concurrent use.
//
// Decoded values are normalized to one of: bool, int64, uint64, float64 or string.
// Integer registers with a scale or offset decode to float64. Enum points decode to
// their label.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/mouse256/alfen-mqtt/internal/domain"
)

// Decode converts the words of one point into its typed value.
func Decode(words []uint16, t domain.Template) (interface{}, error) {
	need := int(t.WordCount())
	if need == 0 {
		return nil, &domain.DecodeError{Err: fmt.Errorf("%w: %q", domain.ErrInvalidDataType, t.DataType)}
	}
	if len(words) < need {
		return nil, &domain.DecodeError{Err: fmt.Errorf("%w: need %d, got %d", domain.ErrInsufficientWords, need, len(words))}
	}
	data := reorderBytes(wordsToBytes(words[:need]), t.ByteOrder, t.DataType)

	switch t.DataType {
	case domain.DataTypeBool:
		val := binary.BigEndian.Uint16(data)
		if t.Bit != nil {
			if *t.Bit > 15 {
				return nil, &domain.DecodeError{Err: fmt.Errorf("%w: %d", domain.ErrBitIndexOutOfRange, *t.Bit)}
			}
			return val&(1<<*t.Bit) != 0, nil
		}
		return val != 0, nil

	case domain.DataTypeInt16:
		return finishInt(int64(int16(binary.BigEndian.Uint16(data))), t)
	case domain.DataTypeUInt16:
		return finishUint(uint64(binary.BigEndian.Uint16(data)), t)
	case domain.DataTypeInt32:
		return finishInt(int64(int32(binary.BigEndian.Uint32(data))), t)
	case domain.DataTypeUInt32:
		return finishUint(uint64(binary.BigEndian.Uint32(data)), t)
	case domain.DataTypeInt64:
		return finishInt(int64(binary.BigEndian.Uint64(data)), t)
	case domain.DataTypeUInt64:
		return finishUint(binary.BigEndian.Uint64(data), t)

	case domain.DataTypeFloat32:
		f := float64(math.Float32frombits(binary.BigEndian.Uint32(data)))
		return applyScaling(f, t), nil
	case domain.DataTypeFloat64:
		f := math.Float64frombits(binary.BigEndian.Uint64(data))
		return applyScaling(f, t), nil

	case domain.DataTypeString:
		return decodeString(data), nil

	default:
		return nil, &domain.DecodeError{Err: fmt.Errorf("%w: %q", domain.ErrInvalidDataType, t.DataType)}
	}
}

// DecodeBit returns the value of a coil or discrete input at offset.
func DecodeBit(bits []bool, offset int) (bool, error) {
	if offset < 0 || offset >= len(bits) {
		return false, &domain.DecodeError{Err: fmt.Errorf("%w: bit %d of %d", domain.ErrInsufficientWords, offset, len(bits))}
	}
	return bits[offset], nil
}

// Encode converts a typed value into the register words of a point.
func Encode(value interface{}, t domain.Template) ([]uint16, error) {
	if t.DataType == domain.DataTypeBool && t.Bit != nil {
		return nil, encodeErr(value, fmt.Errorf("%w: bitfield points are read-only", domain.ErrTypeMismatch))
	}

	var data []byte
	switch t.DataType {
	case domain.DataTypeBool:
		b, ok := toBool(value)
		if !ok {
			return nil, encodeErr(value, fmt.Errorf("%w: cannot convert %T to bool", domain.ErrTypeMismatch, value))
		}
		data = make([]byte, 2)
		if b {
			binary.BigEndian.PutUint16(data, 1)
		}

	case domain.DataTypeInt16, domain.DataTypeInt32, domain.DataTypeInt64:
		n, err := rawSigned(value, t)
		if err != nil {
			return nil, encodeErr(value, err)
		}
		data = putInt(n, t.DataType)

	case domain.DataTypeUInt16, domain.DataTypeUInt32, domain.DataTypeUInt64:
		n, err := rawUnsigned(value, t)
		if err != nil {
			return nil, encodeErr(value, err)
		}
		data = putUint(n, t.DataType)

	case domain.DataTypeFloat32:
		f, ok := toFloat64(value)
		if !ok {
			return nil, encodeErr(value, fmt.Errorf("%w: cannot convert %T to float32", domain.ErrTypeMismatch, value))
		}
		f = reverseScaling(f, t)
		if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxFloat32 {
			return nil, encodeErr(value, domain.ErrValueOutOfRange)
		}
		data = make([]byte, 4)
		binary.BigEndian.PutUint32(data, math.Float32bits(float32(f)))

	case domain.DataTypeFloat64:
		f, ok := toFloat64(value)
		if !ok {
			return nil, encodeErr(value, fmt.Errorf("%w: cannot convert %T to float64", domain.ErrTypeMismatch, value))
		}
		f = reverseScaling(f, t)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, encodeErr(value, domain.ErrValueOutOfRange)
		}
		data = make([]byte, 8)
		binary.BigEndian.PutUint64(data, math.Float64bits(f))

	case domain.DataTypeString:
		s, ok := value.(string)
		if !ok {
			return nil, encodeErr(value, fmt.Errorf("%w: cannot convert %T to string", domain.ErrTypeMismatch, value))
		}
		if len(s) > int(t.Registers)*2 {
			return nil, encodeErr(value, fmt.Errorf("%w: %d bytes exceed %d registers", domain.ErrValueOutOfRange, len(s), t.Registers))
		}
		data = make([]byte, int(t.Registers)*2)
		copy(data, s)

	default:
		return nil, encodeErr(value, fmt.Errorf("%w: %q", domain.ErrInvalidDataType, t.DataType))
	}

	return bytesToWords(reorderBytes(data, t.ByteOrder, t.DataType)), nil
}

// EncodeBit converts a typed value into a coil state.
func EncodeBit(value interface{}) (bool, error) {
	b, ok := toBool(value)
	if !ok {
		return false, encodeErr(value, fmt.Errorf("%w: cannot convert %T to bool", domain.ErrTypeMismatch, value))
	}
	return b, nil
}

func encodeErr(value interface{}, err error) error {
	return &domain.EncodeError{Value: value, Err: err}
}

func finishInt(n int64, t domain.Template) (interface{}, error) {
	if len(t.Enum) > 0 {
		return enumLabel(n, t)
	}
	if t.Scaled() {
		return applyScaling(float64(n), t), nil
	}
	return n, nil
}

func finishUint(n uint64, t domain.Template) (interface{}, error) {
	if len(t.Enum) > 0 {
		if n > math.MaxInt64 {
			return nil, &domain.DecodeError{Err: fmt.Errorf("%w: %d", domain.ErrUnknownEnumValue, n)}
		}
		return enumLabel(int64(n), t)
	}
	if t.Scaled() {
		return applyScaling(float64(n), t), nil
	}
	return n, nil
}

func enumLabel(n int64, t domain.Template) (interface{}, error) {
	label, ok := t.Enum[n]
	if !ok {
		return nil, &domain.DecodeError{Err: fmt.Errorf("%w: %d", domain.ErrUnknownEnumValue, n)}
	}
	return label, nil
}

func enumRaw(value interface{}, t domain.Template) (float64, error) {
	if s, ok := value.(string); ok {
		for raw, label := range t.Enum {
			if label == s {
				return float64(raw), nil
			}
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			value = n
		} else {
			return 0, fmt.Errorf("%w: %q", domain.ErrUnknownEnumValue, s)
		}
	}
	n, ok := toInt64(value)
	if !ok {
		return 0, fmt.Errorf("%w: cannot convert %T to enum", domain.ErrTypeMismatch, value)
	}
	if _, known := t.Enum[n]; !known {
		return 0, fmt.Errorf("%w: %d", domain.ErrUnknownEnumValue, n)
	}
	return float64(n), nil
}

// rawNumber reverses enum or scaling and rounds to the nearest integer.
func rawNumber(value interface{}, t domain.Template) (float64, error) {
	if len(t.Enum) > 0 {
		return enumRaw(value, t)
	}
	if _, isBool := value.(bool); isBool {
		return 0, fmt.Errorf("%w: cannot convert bool to %s", domain.ErrTypeMismatch, t.DataType)
	}
	f, ok := toFloat64(value)
	if !ok {
		return 0, fmt.Errorf("%w: cannot convert %T to %s", domain.ErrTypeMismatch, value, t.DataType)
	}
	f = reverseScaling(f, t)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, domain.ErrValueOutOfRange
	}
	return math.Round(f), nil
}

func rawSigned(value interface{}, t domain.Template) (int64, error) {
	// Exact integers bypass float conversion so int64 keeps full precision.
	if n, ok := value.(int64); ok && !t.Scaled() && len(t.Enum) == 0 {
		return checkSigned(n, t.DataType)
	}
	f, err := rawNumber(value, t)
	if err != nil {
		return 0, err
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: %v", domain.ErrValueOutOfRange, f)
	}
	return checkSigned(int64(f), t.DataType)
}

func checkSigned(n int64, dt domain.DataType) (int64, error) {
	var lo, hi int64
	switch dt {
	case domain.DataTypeInt16:
		lo, hi = math.MinInt16, math.MaxInt16
	case domain.DataTypeInt32:
		lo, hi = math.MinInt32, math.MaxInt32
	default:
		return n, nil
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%w: %d not in [%d, %d]", domain.ErrValueOutOfRange, n, lo, hi)
	}
	return n, nil
}

func rawUnsigned(value interface{}, t domain.Template) (uint64, error) {
	if n, ok := value.(uint64); ok && !t.Scaled() && len(t.Enum) == 0 {
		return checkUnsigned(n, t.DataType)
	}
	f, err := rawNumber(value, t)
	if err != nil {
		return 0, err
	}
	if f < 0 || f >= math.MaxUint64 {
		return 0, fmt.Errorf("%w: %v", domain.ErrValueOutOfRange, f)
	}
	return checkUnsigned(uint64(f), t.DataType)
}

func checkUnsigned(n uint64, dt domain.DataType) (uint64, error) {
	var hi uint64
	switch dt {
	case domain.DataTypeUInt16:
		hi = math.MaxUint16
	case domain.DataTypeUInt32:
		hi = math.MaxUint32
	default:
		return n, nil
	}
	if n > hi {
		return 0, fmt.Errorf("%w: %d > %d", domain.ErrValueOutOfRange, n, hi)
	}
	return n, nil
}

func putInt(n int64, dt domain.DataType) []byte {
	switch dt {
	case domain.DataTypeInt16:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(int16(n)))
		return b
	case domain.DataTypeInt32:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(int32(n)))
		return b
	default:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(n))
		return b
	}
}

func putUint(n uint64, dt domain.DataType) []byte {
	switch dt {
	case domain.DataTypeUInt16:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(n))
		return b
	case domain.DataTypeUInt32:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(n))
		return b
	default:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, n)
		return b
	}
}

// applyScaling applies scale factor and offset to the value.
// Decimal scales such as 0.1 divide by their integer inverse to stay exact.
func applyScaling(v float64, t domain.Template) float64 {
	if !t.Scaled() {
		return v
	}
	scale := t.ScaleFactor()
	if inv, ok := integerInverse(scale); ok {
		return v/inv + t.Offset
	}
	return v*scale + t.Offset
}

// reverseScaling reverses the scaling for write operations.
func reverseScaling(v float64, t domain.Template) float64 {
	if !t.Scaled() {
		return v
	}
	scale := t.ScaleFactor()
	if inv, ok := integerInverse(scale); ok {
		return (v - t.Offset) * inv
	}
	return (v - t.Offset) / scale
}

func integerInverse(scale float64) (float64, bool) {
	if math.Abs(scale) >= 1 {
		return 0, false
	}
	inv := 1 / scale
	r := math.Round(inv)
	if math.Abs(inv-r) > 1e-9*math.Abs(r) {
		return 0, false
	}
	return r, true
}

func decodeString(data []byte) string {
	if i := strings.IndexByte(string(data), 0); i >= 0 {
		data = data[:i]
	}
	s := string(data)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return strings.TrimSpace(s)
}

func wordsToBytes(words []uint16) []byte {
	out := make([]byte, len(words)*2)
	for i, w := range words {
		binary.BigEndian.PutUint16(out[i*2:], w)
	}
	return out
}

func bytesToWords(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return out
}

// reorderBytes converts between wire order and big-endian. Every ordering is
// its own inverse, so the same function serves decode and encode.
func reorderBytes(data []byte, order domain.ByteOrder, dt domain.DataType) []byte {
	if dt == domain.DataTypeString {
		if order == domain.ByteOrderLittleEndian || order == domain.ByteOrderByteSwap {
			return swapBytesInWords(data)
		}
		return data
	}

	result := make([]byte, len(data))
	switch order {
	case domain.ByteOrderLittleEndian: // DCBA
		for i := range data {
			result[i] = data[len(data)-1-i]
		}

	case domain.ByteOrderByteSwap: // BADC
		return swapBytesInWords(data)

	case domain.ByteOrderWordSwap: // CDAB
		words := len(data) / 2
		for i := 0; i < words; i++ {
			j := words - 1 - i
			result[i*2] = data[j*2]
			result[i*2+1] = data[j*2+1]
		}

	default:
		copy(result, data)
	}
	return result
}

func swapBytesInWords(data []byte) []byte {
	result := make([]byte, len(data))
	for i := 0; i+1 < len(data); i += 2 {
		result[i] = data[i+1]
		result[i+1] = data[i]
	}
	return result
}
