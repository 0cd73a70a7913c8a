package i2c

import (
	"fmt"
	"sync"
	"time"
)

// FrameSize is the response length read from EZO-style circuits
const FrameSize = 32

// Responder computes the raw response frame for the last command written
type Responder func(command string) ([]byte, error)

// Transaction records one write followed by its read on the mock bus
type Transaction struct {
	Addr    uint16
	Command string
	WriteAt time.Time
	ReadAt  time.Time
}

// MockBus simulates devices on an I2C bus for tests and development
type MockBus struct {
	mu           sync.Mutex
	responders   map[uint16]Responder
	queued       map[uint16][][]byte
	writeErrors  map[uint16][]error
	last         map[uint16]string
	open         map[uint16]*Transaction
	transactions []Transaction
	writes       []string
	inFlight     int
	maxInFlight  int
	closed       bool
}

// NewMockBus creates an empty mock bus
func NewMockBus() *MockBus {
	return &MockBus{
		responders:  make(map[uint16]Responder),
		queued:      make(map[uint16][][]byte),
		writeErrors: make(map[uint16][]error),
		last:        make(map[uint16]string),
		open:        make(map[uint16]*Transaction),
	}
}

// Frame builds a response frame: status byte, payload, NUL terminator and zero padding
func Frame(status byte, payload string) []byte {
	frame := make([]byte, FrameSize)
	frame[0] = status
	copy(frame[1:], payload)
	return frame
}

// Handle attaches a device responder at addr
func (m *MockBus) Handle(addr uint16, responder Responder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responders[addr] = responder
}

// Queue adds raw frames that are returned, in order, before the responder is consulted
func (m *MockBus) Queue(addr uint16, frames ...[]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued[addr] = append(m.queued[addr], frames...)
}

// FailWrites makes the next len(errs) writes to addr return those errors
func (m *MockBus) FailWrites(addr uint16, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErrors[addr] = append(m.writeErrors[addr], errs...)
}

// Write records the command and opens a transaction window
func (m *MockBus) Write(addr uint16, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("bus closed")
	}
	if errs := m.writeErrors[addr]; len(errs) > 0 {
		m.writeErrors[addr] = errs[1:]
		return errs[0]
	}
	if _, ok := m.responders[addr]; !ok && len(m.queued[addr]) == 0 {
		return fmt.Errorf("no device acknowledged at 0x%02x", addr)
	}

	command := trimCommand(data)
	m.last[addr] = command
	m.writes = append(m.writes, fmt.Sprintf("0x%02x:%s", addr, command))
	m.open[addr] = &Transaction{Addr: addr, Command: command, WriteAt: time.Now()}
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	return nil
}

// Read closes the open transaction for addr and returns the next frame
func (m *MockBus) Read(addr uint16, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("bus closed")
	}
	if tx, ok := m.open[addr]; ok {
		tx.ReadAt = time.Now()
		m.transactions = append(m.transactions, *tx)
		delete(m.open, addr)
		m.inFlight--
	}

	var frame []byte
	if q := m.queued[addr]; len(q) > 0 {
		frame = q[0]
		m.queued[addr] = q[1:]
	} else if responder, ok := m.responders[addr]; ok {
		var err error
		frame, err = responder(m.last[addr])
		if err != nil {
			return nil, err
		}
	} else {
		return nil, fmt.Errorf("no device acknowledged at 0x%02x", addr)
	}

	out := make([]byte, n)
	copy(out, frame)
	return out, nil
}

// Close marks the bus closed
func (m *MockBus) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Transactions returns every completed write/read window
func (m *MockBus) Transactions() []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transaction, len(m.transactions))
	copy(out, m.transactions)
	return out
}

// Writes returns every accepted write as "0xAA:command"
func (m *MockBus) Writes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.writes))
	copy(out, m.writes)
	return out
}

// CountWrites returns how many times command was accepted at addr
func (m *MockBus) CountWrites(addr uint16, command string) int {
	want := fmt.Sprintf("0x%02x:%s", addr, command)
	count := 0
	for _, w := range m.Writes() {
		if w == want {
			count++
		}
	}
	return count
}

// MaxInFlight reports the largest number of simultaneously open transactions seen
func (m *MockBus) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

func trimCommand(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}
