// Package domain contains core business entities.
package domain

import (
	"errors"
	"fmt"
)

// Device configuration errors.
var (
	ErrDeviceIDRequired     = errors.New("device ID is required")
	ErrHostRequired         = errors.New("device host is required")
	ErrInvalidPort          = errors.New("invalid device port")
	ErrInvalidSlaveID       = errors.New("invalid slave ID")
	ErrNoGroupsDefined      = errors.New("at least one register group must be defined")
	ErrGroupIDRequired      = errors.New("register group ID is required")
	ErrPointIDRequired      = errors.New("point ID is required")
	ErrPollIntervalTooShort = errors.New("poll interval must be at least 100ms")
	ErrInvalidFunction      = errors.New("invalid register function")
	ErrInvalidRegisterCount = errors.New("invalid register count")
	ErrSpanTooLarge         = errors.New("register span exceeds device limit")
	ErrPointOutsideGroup    = errors.New("point lies outside its register group")
	ErrDuplicateID          = errors.New("duplicate identifier")
	ErrInvalidDataType      = errors.New("invalid data type")
	ErrInvalidByteOrder     = errors.New("invalid byte order")
	ErrInvalidScale         = errors.New("scale factor must not be zero")
)

// Codec errors.
var (
	ErrDecode             = errors.New("decode error")
	ErrEncode             = errors.New("encode error")
	ErrInsufficientWords  = errors.New("insufficient register words")
	ErrBitIndexOutOfRange = errors.New("bit index out of range")
	ErrValueOutOfRange    = errors.New("value out of representable range")
	ErrTypeMismatch       = errors.New("value type does not match template")
	ErrUnknownEnumValue   = errors.New("value not in enum mapping")
)

// Transaction errors.
var (
	ErrTransactionTimeout = errors.New("transaction timeout")
	ErrConnectionLost     = errors.New("connection lost")
	ErrProtocolException  = errors.New("protocol exception")
	ErrNotConnected       = errors.New("device not connected")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrUnsupportedRequest = errors.New("unsupported request")
	ErrShortResponse      = errors.New("response shorter than requested")
)

// Modbus-specific errors.
var (
	ErrModbusIllegalFunction        = errors.New("modbus: illegal function")
	ErrModbusIllegalAddress         = errors.New("modbus: illegal data address")
	ErrModbusIllegalValue           = errors.New("modbus: illegal data value")
	ErrModbusDeviceFailure          = errors.New("modbus: slave device failure")
	ErrModbusAcknowledge            = errors.New("modbus: acknowledge - long operation in progress")
	ErrModbusBusy                   = errors.New("modbus: slave device busy")
	ErrModbusNegativeAck            = errors.New("modbus: negative acknowledge")
	ErrModbusMemoryParityError      = errors.New("modbus: memory parity error")
	ErrModbusGatewayPathUnavailable = errors.New("modbus: gateway path unavailable")
	ErrModbusGatewayTargetFailed    = errors.New("modbus: gateway target device failed to respond")
	ErrModbusUnknownException       = errors.New("modbus: unknown exception")
)

// Command errors.
var (
	ErrCommandRejected   = errors.New("command rejected")
	ErrCommandTimedOut   = errors.New("command timed out")
	ErrCommandUnroutable = errors.New("command unroutable")
	ErrWritesDisabled    = errors.New("writes are disabled")
	ErrPointNotWritable  = errors.New("point is not writable")
	ErrPointNotFound     = errors.New("point not found")
	ErrDeviceNotFound    = errors.New("device not found")
)

// MQTT errors.
var (
	ErrMQTTConnectionFailed = errors.New("MQTT connection failed")
	ErrMQTTPublishFailed    = errors.New("MQTT publish failed")
	ErrMQTTNotConnected     = errors.New("MQTT client not connected")
	ErrMQTTSubscribeFailed  = errors.New("MQTT subscribe failed")
	ErrInvalidCommandTopic  = errors.New("invalid command topic")
	ErrInvalidPayload       = errors.New("invalid command payload")
)

// Service errors.
var (
	ErrServiceNotStarted = errors.New("service not started")
	ErrServiceStopped    = errors.New("service has been stopped")
	ErrGenerationClosed  = errors.New("configuration generation closed")
	ErrQueueFull         = errors.New("command queue full")
)

// DecodeError reports a register-to-value conversion failure for one point.
type DecodeError struct {
	PointID string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.PointID == "" {
		return fmt.Sprintf("decode: %v", e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.PointID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is reports ErrDecode as a match so callers can test the category.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// EncodeError reports a value-to-register conversion failure for one point.
type EncodeError struct {
	PointID string
	Value   interface{}
	Err     error
}

func (e *EncodeError) Error() string {
	if e.PointID == "" {
		return fmt.Sprintf("encode %v: %v", e.Value, e.Err)
	}
	return fmt.Sprintf("encode %s=%v: %v", e.PointID, e.Value, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

func (e *EncodeError) Is(target error) bool { return target == ErrEncode }

// TransactionKind classifies a failed transaction.
type TransactionKind int

const (
	TransactionTimeout TransactionKind = iota
	TransactionConnectionLost
	TransactionProtocolException
)

func (k TransactionKind) String() string {
	switch k {
	case TransactionTimeout:
		return "timeout"
	case TransactionConnectionLost:
		return "connection_lost"
	case TransactionProtocolException:
		return "protocol_exception"
	default:
		return "unknown"
	}
}

func (k TransactionKind) sentinel() error {
	switch k {
	case TransactionTimeout:
		return ErrTransactionTimeout
	case TransactionConnectionLost:
		return ErrConnectionLost
	default:
		return ErrProtocolException
	}
}

// TransactionError is returned by a device connection when a request fails.
type TransactionError struct {
	Kind     TransactionKind
	DeviceID string
	Op       string
	Err      error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("device %s: %s %s: %v", e.DeviceID, e.Op, e.Kind, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

func (e *TransactionError) Is(target error) bool { return target == e.Kind.sentinel() }

// IsConnectionFault reports whether err means the session can no longer be trusted.
func IsConnectionFault(err error) bool {
	var txErr *TransactionError
	if !errors.As(err, &txErr) {
		return false
	}
	return txErr.Kind != TransactionProtocolException
}

// CommandErrorKind classifies a command that did not apply.
type CommandErrorKind int

const (
	CommandKindRejected CommandErrorKind = iota
	CommandKindTimedOut
	CommandKindUnroutable
)

func (k CommandErrorKind) String() string {
	switch k {
	case CommandKindRejected:
		return "rejected"
	case CommandKindTimedOut:
		return "timed_out"
	case CommandKindUnroutable:
		return "unroutable"
	default:
		return "unknown"
	}
}

func (k CommandErrorKind) sentinel() error {
	switch k {
	case CommandKindRejected:
		return ErrCommandRejected
	case CommandKindTimedOut:
		return ErrCommandTimedOut
	default:
		return ErrCommandUnroutable
	}
}

// CommandError is surfaced to whoever submitted a command.
type CommandError struct {
	Kind      CommandErrorKind
	CommandID string
	PointID   string
	Err       error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s on %s %s: %v", e.CommandID, e.PointID, e.Kind, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

func (e *CommandError) Is(target error) bool { return target == e.Kind.sentinel() }

// ModbusExceptionToError converts a Modbus exception code to a domain error.
func ModbusExceptionToError(code byte) error {
	switch code {
	case 0x01:
		return ErrModbusIllegalFunction
	case 0x02:
		return ErrModbusIllegalAddress
	case 0x03:
		return ErrModbusIllegalValue
	case 0x04:
		return ErrModbusDeviceFailure
	case 0x05:
		return ErrModbusAcknowledge
	case 0x06:
		return ErrModbusBusy
	case 0x07:
		return ErrModbusNegativeAck
	case 0x08:
		return ErrModbusMemoryParityError
	case 0x0A:
		return ErrModbusGatewayPathUnavailable
	case 0x0B:
		return ErrModbusGatewayTargetFailed
	default:
		return ErrModbusUnknownException
	}
}
