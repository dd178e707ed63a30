package actuator

import (
	"fmt"
	"io"
	"net"

	"github.com/goburrow/modbus"
	"github.com/pkg/errors"
)

// ErrClosed is returned by a Cell after Close.
var ErrClosed = errors.New("actuator port is closed")

// TransportError is a failure to reach the PLC or the robot: refused or dropped connections and
// timeouts. The connection involved has already been closed when one is returned.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a response that arrived but could not be used: a Modbus exception or a malformed
// or short register block.
type ProtocolError struct {
	Op     string
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error during %s: %s: %v", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("protocol error during %s: %s", e.Op, e.Detail)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// InvalidInputError rejects a request before any hardware is touched.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsTransient reports whether err is a transport failure that may succeed when retried.
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsInvalidInput reports whether err rejected a request before it reached the hardware.
func IsInvalidInput(err error) bool {
	var ie *InvalidInputError
	return errors.As(err, &ie)
}

// classify sorts a raw Modbus client error into the transport or protocol bucket.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return &ProtocolError{Op: op, Detail: "device exception", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &TransportError{Op: op, Err: err}
	}
	return &ProtocolError{Op: op, Detail: "bad response", Err: err}
}
