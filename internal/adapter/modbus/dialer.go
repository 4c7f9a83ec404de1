package modbus

import (
	"time"

	"github.com/goburrow/modbus"
	"github.com/mouse256/alfen-mqtt/internal/domain"
)

// Transport is one physical session to a slave.
type Transport interface {
	Connect() error
	Close() error
	Client() modbus.Client
}

// Dialer builds a transport for a device. Tests replace it with an in-memory fake.
type Dialer func(device *domain.Device, config ConnectionConfig) (Transport, error)

// tcpTransport wraps a goburrow TCP handler.
type tcpTransport struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

// DialTCP is the default Dialer.
func DialTCP(device *domain.Device, config ConnectionConfig) (Transport, error) {
	handler := modbus.NewTCPClientHandler(device.Address())
	handler.Timeout = device.Timeout
	if handler.Timeout == 0 {
		handler.Timeout = config.Timeout
	}
	handler.SlaveId = device.SlaveID
	handler.IdleTimeout = config.IdleTimeout
	if handler.IdleTimeout == 0 {
		handler.IdleTimeout = 60 * time.Second
	}
	return &tcpTransport{handler: handler, client: modbus.NewClient(handler)}, nil
}

func (t *tcpTransport) Connect() error        { return t.handler.Connect() }
func (t *tcpTransport) Close() error          { return t.handler.Close() }
func (t *tcpTransport) Client() modbus.Client { return t.client }
