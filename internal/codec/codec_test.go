package codec_test

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/mouse256/alfen-mqtt/internal/codec"
	"github.com/mouse256/alfen-mqtt/internal/domain"
)

func bit(n uint8) *uint8 { return &n }

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		words []uint16
		tmpl  domain.Template
		want  interface{}
	}{
		{"uint32 big endian counter", []uint16{0x0001, 0x0002}, domain.Template{DataType: domain.DataTypeUInt32}, uint64(65538)},
		{"uint32 word swap", []uint16{0x0002, 0x0001}, domain.Template{DataType: domain.DataTypeUInt32, ByteOrder: domain.ByteOrderWordSwap}, uint64(65538)},
		{"int16 negative", []uint16{0xFFFE}, domain.Template{DataType: domain.DataTypeInt16}, int64(-2)},
		{"uint16", []uint16{0xFFFE}, domain.Template{DataType: domain.DataTypeUInt16}, uint64(65534)},
		{"int32 negative", []uint16{0xFFFF, 0xFFFF}, domain.Template{DataType: domain.DataTypeInt32}, int64(-1)},
		{"int32 word swap", []uint16{0x0000, 0x8000}, domain.Template{DataType: domain.DataTypeInt32, ByteOrder: domain.ByteOrderWordSwap}, int64(math.MinInt32)},
		{"uint64", []uint16{0, 0, 0x0001, 0x0000}, domain.Template{DataType: domain.DataTypeUInt64}, uint64(65536)},
		{"float32 big endian", []uint16{0x3FC0, 0x0000}, domain.Template{DataType: domain.DataTypeFloat32}, 1.5},
		{"float32 word swap", []uint16{0x0000, 0x3FC0}, domain.Template{DataType: domain.DataTypeFloat32, ByteOrder: domain.ByteOrderWordSwap}, 1.5},
		{"float32 little endian", []uint16{0x0000, 0xC03F}, domain.Template{DataType: domain.DataTypeFloat32, ByteOrder: domain.ByteOrderLittleEndian}, 1.5},
		{"float32 byte swap", []uint16{0xC03F, 0x0000}, domain.Template{DataType: domain.DataTypeFloat32, ByteOrder: domain.ByteOrderByteSwap}, 1.5},
		{"float64", []uint16{0x4035, 0x8000, 0x0000, 0x0000}, domain.Template{DataType: domain.DataTypeFloat64}, 21.5},
		{"scaled int16", []uint16{215}, domain.Template{DataType: domain.DataTypeInt16, Scale: 0.1}, 21.5},
		{"scaled with offset", []uint16{100}, domain.Template{DataType: domain.DataTypeUInt16, Scale: 0.5, Offset: -10}, 40.0},
		{"bool register", []uint16{0x0001}, domain.Template{DataType: domain.DataTypeBool}, true},
		{"bitfield set", []uint16{0x0020}, domain.Template{DataType: domain.DataTypeBool, Bit: bit(5)}, true},
		{"bitfield clear", []uint16{0x0020}, domain.Template{DataType: domain.DataTypeBool, Bit: bit(4)}, false},
		{"bitfield high bit", []uint16{0x8000}, domain.Template{DataType: domain.DataTypeBool, Bit: bit(15)}, true},
		{"enum", []uint16{2}, domain.Template{DataType: domain.DataTypeUInt16, Enum: map[int64]string{0: "A", 2: "C2"}}, "C2"},
		{"string nul terminated", []uint16{0x4143, 0x4500, 0x0000}, domain.Template{DataType: domain.DataTypeString, Registers: 3}, "ACE"},
		{"string byte swap", []uint16{0x4341, 0x0045}, domain.Template{DataType: domain.DataTypeString, Registers: 2, ByteOrder: domain.ByteOrderByteSwap}, "ACE"},
		{"extra words ignored", []uint16{0x0001, 0x0002, 0xFFFF}, domain.Template{DataType: domain.DataTypeUInt32}, uint64(65538)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := codec.Decode(tt.words, tt.tmpl)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %v (%T), got %v (%T)", tt.want, tt.want, got, got)
			}
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		words   []uint16
		tmpl    domain.Template
		wantErr error
	}{
		{"insufficient words", []uint16{0x0001}, domain.Template{DataType: domain.DataTypeUInt32}, domain.ErrInsufficientWords},
		{"empty input", nil, domain.Template{DataType: domain.DataTypeInt16}, domain.ErrInsufficientWords},
		{"bit out of range", []uint16{0xFFFF}, domain.Template{DataType: domain.DataTypeBool, Bit: bit(16)}, domain.ErrBitIndexOutOfRange},
		{"unknown enum value", []uint16{9}, domain.Template{DataType: domain.DataTypeUInt16, Enum: map[int64]string{0: "off"}}, domain.ErrUnknownEnumValue},
		{"unknown type", []uint16{1}, domain.Template{DataType: "decimal"}, domain.ErrInvalidDataType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Decode(tt.words, tt.tmpl)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			var decErr *domain.DecodeError
			if !errors.As(err, &decErr) {
				t.Errorf("expected *DecodeError, got %T", err)
			}
		})
	}
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		tmpl  domain.Template
		want  []uint16
	}{
		{"setpoint scaled by ten", 21.5, domain.Template{DataType: domain.DataTypeInt16, Scale: 0.1}, []uint16{215}},
		{"negative int16", int64(-2), domain.Template{DataType: domain.DataTypeInt16}, []uint16{0xFFFE}},
		{"uint32", uint64(65539), domain.Template{DataType: domain.DataTypeUInt32}, []uint16{0x0001, 0x0003}},
		{"uint32 word swap", 65539, domain.Template{DataType: domain.DataTypeUInt32, ByteOrder: domain.ByteOrderWordSwap}, []uint16{0x0003, 0x0001}},
		{"float32", 1.5, domain.Template{DataType: domain.DataTypeFloat32}, []uint16{0x3FC0, 0x0000}},
		{"float32 little endian", float32(1.5), domain.Template{DataType: domain.DataTypeFloat32, ByteOrder: domain.ByteOrderLittleEndian}, []uint16{0x0000, 0xC03F}},
		{"bool true", true, domain.Template{DataType: domain.DataTypeBool}, []uint16{1}},
		{"bool from number", 0, domain.Template{DataType: domain.DataTypeBool}, []uint16{0}},
		{"enum label", "C2", domain.Template{DataType: domain.DataTypeUInt16, Enum: map[int64]string{0: "A", 2: "C2"}}, []uint16{2}},
		{"enum numeric", int64(0), domain.Template{DataType: domain.DataTypeUInt16, Enum: map[int64]string{0: "A", 2: "C2"}}, []uint16{0}},
		{"string padded", "ACE", domain.Template{DataType: domain.DataTypeString, Registers: 3}, []uint16{0x4143, 0x4500, 0x0000}},
		{"rounds to nearest raw", 21.53, domain.Template{DataType: domain.DataTypeInt16, Scale: 0.1}, []uint16{215}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := codec.Encode(tt.value, tt.tmpl)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %#04x, got %#04x", tt.want, got)
			}
		})
	}
}

func TestEncode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		value   interface{}
		tmpl    domain.Template
		wantErr error
	}{
		{"int16 overflow", 40000, domain.Template{DataType: domain.DataTypeInt16}, domain.ErrValueOutOfRange},
		{"uint16 negative", -1, domain.Template{DataType: domain.DataTypeUInt16}, domain.ErrValueOutOfRange},
		{"scaled overflow", 4000.0, domain.Template{DataType: domain.DataTypeInt16, Scale: 0.1}, domain.ErrValueOutOfRange},
		{"uint32 overflow", uint64(1 << 33), domain.Template{DataType: domain.DataTypeUInt32}, domain.ErrValueOutOfRange},
		{"float32 overflow", 1e40, domain.Template{DataType: domain.DataTypeFloat32}, domain.ErrValueOutOfRange},
		{"nan", math.NaN(), domain.Template{DataType: domain.DataTypeInt32}, domain.ErrValueOutOfRange},
		{"string for int", "abc", domain.Template{DataType: domain.DataTypeInt16}, domain.ErrTypeMismatch},
		{"bool for int", true, domain.Template{DataType: domain.DataTypeInt16}, domain.ErrTypeMismatch},
		{"number for string", 12, domain.Template{DataType: domain.DataTypeString, Registers: 2}, domain.ErrTypeMismatch},
		{"string too long", "ABCDE", domain.Template{DataType: domain.DataTypeString, Registers: 2}, domain.ErrValueOutOfRange},
		{"unknown enum label", "Z", domain.Template{DataType: domain.DataTypeUInt16, Enum: map[int64]string{0: "A"}}, domain.ErrUnknownEnumValue},
		{"unknown enum number", 7, domain.Template{DataType: domain.DataTypeUInt16, Enum: map[int64]string{0: "A"}}, domain.ErrUnknownEnumValue},
		{"bitfield write", true, domain.Template{DataType: domain.DataTypeBool, Bit: bit(3)}, domain.ErrTypeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Encode(tt.value, tt.tmpl)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if !errors.Is(err, domain.ErrEncode) {
				t.Errorf("expected encode error category, got %v", err)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	orders := []domain.ByteOrder{
		domain.ByteOrderBigEndian,
		domain.ByteOrderLittleEndian,
		domain.ByteOrderByteSwap,
		domain.ByteOrderWordSwap,
	}
	rng := rand.New(rand.NewSource(42))

	type gen struct {
		tmpl domain.Template
		next func() interface{}
		tol  float64
	}
	gens := []gen{
		{domain.Template{DataType: domain.DataTypeInt16}, func() interface{} { return int64(int16(rng.Uint32())) }, 0},
		{domain.Template{DataType: domain.DataTypeUInt16}, func() interface{} { return uint64(uint16(rng.Uint32())) }, 0},
		{domain.Template{DataType: domain.DataTypeInt32}, func() interface{} { return int64(int32(rng.Uint32())) }, 0},
		{domain.Template{DataType: domain.DataTypeUInt32}, func() interface{} { return uint64(rng.Uint32()) }, 0},
		{domain.Template{DataType: domain.DataTypeInt64}, func() interface{} { return int64(rng.Uint64()) }, 0},
		{domain.Template{DataType: domain.DataTypeUInt64}, func() interface{} { return rng.Uint64() }, 0},
		{domain.Template{DataType: domain.DataTypeFloat32}, func() interface{} { return float64(float32(rng.NormFloat64() * 1000)) }, 0},
		{domain.Template{DataType: domain.DataTypeFloat64}, func() interface{} { return rng.NormFloat64() * 1e6 }, 0},
		{domain.Template{DataType: domain.DataTypeInt16, Scale: 0.1}, func() interface{} { return float64(rng.Intn(6000)-3000) / 10 }, 0.05},
		{domain.Template{DataType: domain.DataTypeUInt32, Scale: 0.01, Offset: -40}, func() interface{} { return float64(rng.Intn(100000))/100 - 40 }, 0.005},
		{domain.Template{DataType: domain.DataTypeBool}, func() interface{} { return rng.Intn(2) == 1 }, 0},
	}

	for _, g := range gens {
		for _, order := range orders {
			tmpl := g.tmpl
			tmpl.ByteOrder = order
			for i := 0; i < 200; i++ {
				v := g.next()
				words, err := codec.Encode(v, tmpl)
				if err != nil {
					t.Fatalf("%s/%s encode %v: %v", tmpl.DataType, order, v, err)
				}
				got, err := codec.Decode(words, tmpl)
				if err != nil {
					t.Fatalf("%s/%s decode %v: %v", tmpl.DataType, order, words, err)
				}
				if g.tol == 0 {
					if !reflect.DeepEqual(got, v) {
						t.Fatalf("%s/%s: expected %v, got %v", tmpl.DataType, order, v, got)
					}
					continue
				}
				if math.Abs(got.(float64)-v.(float64)) > g.tol {
					t.Fatalf("%s/%s: expected %v within %v, got %v", tmpl.DataType, order, v, g.tol, got)
				}
			}
		}
	}
}

func TestDecodeBit(t *testing.T) {
	bits := []bool{false, true, false}
	if v, err := codec.DecodeBit(bits, 1); err != nil || !v {
		t.Errorf("expected true, got %v (%v)", v, err)
	}
	if _, err := codec.DecodeBit(bits, 3); !errors.Is(err, domain.ErrInsufficientWords) {
		t.Errorf("expected insufficient words, got %v", err)
	}
}

func TestEncodeBit(t *testing.T) {
	tests := []struct {
		name    string
		value   interface{}
		want    bool
		wantErr bool
	}{
		{"bool", true, true, false},
		{"zero", int64(0), false, false},
		{"nonzero float", 2.5, true, false},
		{"string", "true", true, false},
		{"unsupported", []int{1}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := codec.EncodeBit(tt.value)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrEncode) {
					t.Errorf("expected encode error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		tmpl    domain.Template
		want    interface{}
		wantErr bool
	}{
		{"bool on", "ON", domain.Template{DataType: domain.DataTypeBool}, true, false},
		{"bool zero", "0", domain.Template{DataType: domain.DataTypeBool}, false, false},
		{"bool garbage", "maybe", domain.Template{DataType: domain.DataTypeBool}, nil, true},
		{"int", " 42 ", domain.Template{DataType: domain.DataTypeInt16}, int64(42), false},
		{"scaled float", "21.5", domain.Template{DataType: domain.DataTypeInt16, Scale: 0.1}, 21.5, false},
		{"enum label", "C2", domain.Template{DataType: domain.DataTypeUInt16, Enum: map[int64]string{2: "C2"}}, "C2", false},
		{"float garbage", "warm", domain.Template{DataType: domain.DataTypeFloat32}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := codec.ParseValue(tt.in, tt.tmpl)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error=%v, got %v", tt.wantErr, err)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %v (%T), got %v (%T)", tt.want, tt.want, got, got)
			}
		})
	}
}
