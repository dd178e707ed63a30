package actuator

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Handle is one open Modbus connection. Every register transaction opens a handle and closes it when
// done, so a dropped connection never outlives the call that saw it.
type Handle interface {
	modbus.Client
	Close() error
}

// Bus opens handles to a single Modbus device.
type Bus interface {
	OpenHandle() (Handle, error)
}

// TCPBus is a Modbus TCP device.
type TCPBus struct {
	Address string
	SlaveID byte
	Timeout time.Duration
}

// NewTCPBus returns a bus for the device listening at address.
func NewTCPBus(address string, slaveID byte, timeout time.Duration) *TCPBus {
	return &TCPBus{Address: address, SlaveID: slaveID, Timeout: timeout}
}

// OpenHandle connects to the device.
func (b *TCPBus) OpenHandle() (Handle, error) {
	handler := modbus.NewTCPClientHandler(b.Address)
	handler.SlaveId = b.SlaveID
	if b.Timeout > 0 {
		handler.Timeout = b.Timeout
	}
	if err := handler.Connect(); err != nil {
		return nil, &TransportError{Op: "connect " + b.Address, Err: err}
	}
	return &tcpHandle{Client: modbus.NewClient(handler), handler: handler}, nil
}

type tcpHandle struct {
	modbus.Client
	handler *modbus.TCPClientHandler
}

func (h *tcpHandle) Close() error {
	return h.handler.Close()
}

// registers wraps a bus with the coil and holding register accesses the cell uses. Addresses are the
// 1-based numbers printed in the PLC and robot manuals; the wire address is one less.
type registers struct {
	bus    Bus
	name   string
	logger logging.Logger

	// Serializes transactions to the device so a read never interleaves with another caller's write.
	mu sync.Mutex
}

func newRegisters(bus Bus, name string, logger logging.Logger) *registers {
	return &registers{bus: bus, name: name, logger: logger}
}

func wireAddress(n int) (uint16, error) {
	if n < 1 || n > math.MaxUint16+1 {
		return 0, &InvalidInputError{Field: "address", Reason: fmt.Sprintf("%d is out of range", n)}
	}
	return uint16(n - 1), nil
}

// do runs fn against a freshly opened handle.
func (r *registers) do(ctx context.Context, op string, fn func(h Handle) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	handle, err := r.bus.OpenHandle()
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) {
			return err
		}
		return &TransportError{Op: op, Err: err}
	}
	defer func() {
		if err := handle.Close(); err != nil {
			r.logger.CError(ctx, err)
		}
	}()

	return fn(handle)
}

func (r *registers) writeCoil(ctx context.Context, coil int, on bool) error {
	addr, err := wireAddress(coil)
	if err != nil {
		return err
	}
	op := fmt.Sprintf("%s write coil %d", r.name, coil)
	value := uint16(0x0000)
	if on {
		value = 0xFF00
	}
	r.logger.Debugf("%s: %v", op, on)
	return r.do(ctx, op, func(h Handle) error {
		_, err := h.WriteSingleCoil(addr, value)
		return classify(op, err)
	})
}

func (r *registers) readCoils(ctx context.Context, coil, quantity int) ([]bool, error) {
	addr, err := wireAddress(coil)
	if err != nil {
		return nil, err
	}
	op := fmt.Sprintf("%s read coils %d..%d", r.name, coil, coil+quantity-1)
	var states []bool
	err = r.do(ctx, op, func(h Handle) error {
		raw, err := h.ReadCoils(addr, uint16(quantity))
		if err != nil {
			return classify(op, err)
		}
		if len(raw)*8 < quantity {
			return &ProtocolError{Op: op, Detail: fmt.Sprintf("got %d bytes for %d coils", len(raw), quantity)}
		}
		states = make([]bool, quantity)
		for i := range states {
			states[i] = raw[i/8]&(1<<(uint(i)%8)) != 0
		}
		return nil
	})
	return states, err
}

func (r *registers) readCoil(ctx context.Context, coil int) (bool, error) {
	states, err := r.readCoils(ctx, coil, 1)
	if err != nil {
		return false, err
	}
	return states[0], nil
}

func (r *registers) readRegisters(ctx context.Context, reg, quantity int) ([]uint16, error) {
	addr, err := wireAddress(reg)
	if err != nil {
		return nil, err
	}
	op := fmt.Sprintf("%s read registers %d..%d", r.name, reg, reg+quantity-1)
	var values []uint16
	err = r.do(ctx, op, func(h Handle) error {
		raw, err := h.ReadHoldingRegisters(addr, uint16(quantity))
		if err != nil {
			return classify(op, err)
		}
		if len(raw) != 2*quantity {
			return &ProtocolError{Op: op, Detail: fmt.Sprintf("got %d bytes for %d registers", len(raw), quantity)}
		}
		values = make([]uint16, quantity)
		for i := range values {
			values[i] = binary.BigEndian.Uint16(raw[2*i:])
		}
		return nil
	})
	r.logger.Debugf("%s: %v", op, values)
	return values, err
}

func (r *registers) readRegister(ctx context.Context, reg int) (uint16, error) {
	values, err := r.readRegisters(ctx, reg, 1)
	if err != nil {
		return 0, err
	}
	return values[0], nil
}

func (r *registers) writeRegister(ctx context.Context, reg int, value uint16) error {
	addr, err := wireAddress(reg)
	if err != nil {
		return err
	}
	op := fmt.Sprintf("%s write register %d", r.name, reg)
	r.logger.Debugf("%s: %d", op, value)
	return r.do(ctx, op, func(h Handle) error {
		_, err := h.WriteSingleRegister(addr, value)
		return classify(op, err)
	})
}

// readFloats reads consecutive big-endian float32 values, two registers each.
func (r *registers) readFloats(ctx context.Context, reg, count int) ([]float64, error) {
	words, err := r.readRegisters(ctx, reg, 2*count)
	if err != nil {
		return nil, err
	}
	values := make([]float64, count)
	for i := range values {
		bits := uint32(words[2*i])<<16 | uint32(words[2*i+1])
		values[i] = float64(math.Float32frombits(bits))
	}
	return values, nil
}

// writeFloats writes values as consecutive big-endian float32 values in one transaction.
func (r *registers) writeFloats(ctx context.Context, reg int, values []float64) error {
	addr, err := wireAddress(reg)
	if err != nil {
		return err
	}
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
	}
	op := fmt.Sprintf("%s write registers %d..%d", r.name, reg, reg+2*len(values)-1)
	r.logger.Debugf("%s: %v", op, values)
	return r.do(ctx, op, func(h Handle) error {
		_, err := h.WriteMultipleRegisters(addr, uint16(2*len(values)), buf)
		return classify(op, err)
	})
}
