package modbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/goburrow/modbus"
	"github.com/mouse256/alfen-mqtt/internal/domain"
)

// classifyError converts goburrow and network errors into a TransactionError.
// Anything that is neither an exception response nor a timeout is treated as a
// lost session, including transaction id mismatches from stale responses.
func classifyError(deviceID string, req domain.Request, err error) error {
	if err == nil {
		return nil
	}
	var txErr *domain.TransactionError
	if errors.As(err, &txErr) {
		return err
	}

	op := req.String()
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return &domain.TransactionError{
			Kind:     domain.TransactionProtocolException,
			DeviceID: deviceID,
			Op:       op,
			Err:      fmt.Errorf("%w (function 0x%02X)", domain.ModbusExceptionToError(mbErr.ExceptionCode), mbErr.FunctionCode),
		}
	}
	if isTimeout(err) {
		return &domain.TransactionError{Kind: domain.TransactionTimeout, DeviceID: deviceID, Op: op, Err: err}
	}
	return &domain.TransactionError{Kind: domain.TransactionConnectionLost, DeviceID: deviceID, Op: op, Err: err}
}

// isTimeout checks if the error is a timeout error.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
