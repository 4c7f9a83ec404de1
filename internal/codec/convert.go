package codec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mouse256/alfen-mqtt/internal/domain"
)

// ParseValue converts a textual command payload into a value suitable for Encode.
func ParseValue(s string, t domain.Template) (interface{}, error) {
	s = strings.TrimSpace(s)
	switch t.Semantic() {
	case domain.SemanticBool:
		switch strings.ToLower(s) {
		case "1", "true", "on", "yes":
			return true, nil
		case "0", "false", "off", "no":
			return false, nil
		}
		return nil, fmt.Errorf("%w: %q is not a boolean", domain.ErrTypeMismatch, s)

	case domain.SemanticString, domain.SemanticEnum:
		return s, nil

	case domain.SemanticInt:
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			return n, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, nil
		}
		return nil, fmt.Errorf("%w: %q is not a number", domain.ErrTypeMismatch, s)

	default:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", domain.ErrTypeMismatch, s)
		}
		return f, nil
	}
}

// toBool converts a value to bool.
func toBool(v interface{}) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		b, err := strconv.ParseBool(val)
		return b, err == nil
	default:
		if f, ok := toFloat64(v); ok {
			return f != 0, true
		}
		return false, false
	}
}

// toInt64 converts a value to int64.
func toInt64(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case uint:
		return int64(val), true
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	case uint64:
		return int64(val), true
	case float32:
		return int64(val), true
	case float64:
		return int64(val), true
	default:
		return 0, false
	}
}

// toFloat64 converts a value to float64.
func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case float32:
		return float64(val), true
	case float64:
		return val, true
	default:
		return 0, false
	}
}

// Float converts a decoded numeric or boolean value to float64.
func Float(v interface{}) (float64, bool) {
	if b, ok := v.(bool); ok {
		if b {
			return 1, true
		}
		return 0, true
	}
	return toFloat64(v)
}
