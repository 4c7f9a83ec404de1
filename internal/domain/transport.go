// Package domain contains core business entities.
package domain

import (
	"context"
	"fmt"
)

// Operation is a single Modbus request type.
type Operation string

const (
	OpRead          Operation = "read"
	OpWriteRegister Operation = "write_register"
	OpWriteCoil     Operation = "write_coil"
)

// Request is one transaction against a device.
type Request struct {
	Op       Operation
	Function FunctionCode
	Address  uint16
	Quantity uint16

	// Words holds register values for OpWriteRegister.
	Words []uint16
	// Coil is the value for OpWriteCoil.
	Coil bool
}

func (r Request) String() string {
	switch r.Op {
	case OpRead:
		return fmt.Sprintf("read %s %d+%d", r.Function, r.Address, r.Quantity)
	case OpWriteRegister:
		return fmt.Sprintf("write %d+%d", r.Address, len(r.Words))
	case OpWriteCoil:
		return fmt.Sprintf("write coil %d=%t", r.Address, r.Coil)
	default:
		return string(r.Op)
	}
}

// Response carries the decoded payload of a successful transaction.
type Response struct {
	Words []uint16
	Bits  []bool
}

// Transactor is the serialized transaction entry point of one device.
type Transactor interface {
	// Transact issues one request and blocks until it completes, fails or ctx ends.
	Transact(ctx context.Context, req Request) (Response, error)

	// State returns the current connection state.
	State() ConnectionState
}

// StateListener is notified when a device changes connection state.
type StateListener func(deviceID string, from, to ConnectionState)
