package actuator

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/goburrow/modbus"
)

// fakeDevice is an in-memory Modbus device. Addresses are wire addresses.
type fakeDevice struct {
	mu       sync.Mutex
	coils    map[uint16]bool
	holding  map[uint16]uint16
	writes   []string
	opens    int
	closes   int
	openErr  error
	readHook func(d *fakeDevice)
	coilErrs map[uint16]error
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{coils: map[uint16]bool{}, holding: map[uint16]uint16{}}
}

func (d *fakeDevice) OpenHandle() (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.opens++
	return &fakeHandle{dev: d}, nil
}

func (d *fakeDevice) setFloats(addr uint16, values ...float64) {
	for i, v := range values {
		bits := math.Float32bits(float32(v))
		d.holding[addr+uint16(2*i)] = uint16(bits >> 16)
		d.holding[addr+uint16(2*i)+1] = uint16(bits)
	}
}

func (d *fakeDevice) floats(addr uint16, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		bits := uint32(d.holding[addr+uint16(2*i)])<<16 | uint32(d.holding[addr+uint16(2*i)+1])
		out[i] = float64(math.Float32frombits(bits))
	}
	return out
}

func (d *fakeDevice) writeLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.writes...)
}

// fakeHandle implements the subset of modbus.Client the cell uses; the rest panic through the nil
// embedded interface.
type fakeHandle struct {
	modbus.Client
	dev *fakeDevice
}

func (h *fakeHandle) Close() error {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	h.dev.closes++
	return nil
}

func (h *fakeHandle) hook() {
	if h.dev.readHook != nil {
		h.dev.readHook(h.dev)
	}
}

func (h *fakeHandle) ReadCoils(address, quantity uint16) ([]byte, error) {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	h.hook()
	out := make([]byte, (quantity+7)/8)
	for i := uint16(0); i < quantity; i++ {
		if h.dev.coils[address+i] {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out, nil
}

func (h *fakeHandle) WriteSingleCoil(address, value uint16) ([]byte, error) {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	if err := h.dev.coilErrs[address]; err != nil {
		return nil, err
	}
	on := value == 0xFF00
	h.dev.coils[address] = on
	state := "off"
	if on {
		state = "on"
	}
	h.dev.writes = append(h.dev.writes, fmt.Sprintf("coil %d %s", address+1, state))
	return []byte{byte(value >> 8), byte(value)}, nil
}

func (h *fakeHandle) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	h.hook()
	out := make([]byte, 2*quantity)
	for i := uint16(0); i < quantity; i++ {
		binary.BigEndian.PutUint16(out[2*i:], h.dev.holding[address+i])
	}
	return out, nil
}

func (h *fakeHandle) WriteSingleRegister(address, value uint16) ([]byte, error) {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	h.dev.holding[address] = value
	h.dev.writes = append(h.dev.writes, fmt.Sprintf("reg %d = %d", address+1, value))
	return []byte{byte(value >> 8), byte(value)}, nil
}

func (h *fakeHandle) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	for i := uint16(0); i < quantity; i++ {
		h.dev.holding[address+i] = binary.BigEndian.Uint16(value[2*i:])
	}
	h.dev.writes = append(h.dev.writes, fmt.Sprintf("regs %d..%d", address+1, address+quantity))
	return nil, nil
}
