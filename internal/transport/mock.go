package transport

import (
	"context"
	"net"
	"sync"

	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/records"
)

// SentPacket records one MockTransport.Send call.
type SentPacket struct {
	Data      []byte
	Interface records.InterfaceID
	Dest      net.Addr // nil for multicast
}

// MockTransport is an in-memory Transport for tests. Inject queues inbound
// packets; Sent returns what was sent.
type MockTransport struct {
	network string
	inbound chan Packet
	closed  chan struct{}
	once    sync.Once

	mu     sync.Mutex
	sent   []SentPacket
	onSend func(SentPacket)
}

// NewMockTransport returns an open mock transport for network ("udp4" or
// "udp6").
func NewMockTransport(network string) *MockTransport {
	return &MockTransport{
		network: network,
		inbound: make(chan Packet, 64),
		closed:  make(chan struct{}),
	}
}

// OnSend installs a hook called after each Send.
func (m *MockTransport) OnSend(f func(SentPacket)) {
	m.mu.Lock()
	m.onSend = f
	m.mu.Unlock()
}

// Network implements Transport.
func (m *MockTransport) Network() string { return m.network }

// Send implements Transport.
func (m *MockTransport) Send(ctx context.Context, packet []byte, iface records.InterfaceID, dest net.Addr) error {
	if err := ctx.Err(); err != nil {
		return &errors.NetworkError{Operation: "send", Err: err}
	}
	select {
	case <-m.closed:
		return &errors.NetworkError{Operation: "send", Err: net.ErrClosed}
	default:
	}
	p := SentPacket{Data: append([]byte(nil), packet...), Interface: iface, Dest: dest}
	m.mu.Lock()
	m.sent = append(m.sent, p)
	hook := m.onSend
	m.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

// Receive implements Transport.
func (m *MockTransport) Receive(ctx context.Context) (Packet, error) {
	select {
	case p := <-m.inbound:
		return p, nil
	case <-ctx.Done():
		return Packet{}, &errors.NetworkError{Operation: "receive", Err: ctx.Err()}
	case <-m.closed:
		return Packet{}, &errors.NetworkError{Operation: "receive", Err: net.ErrClosed}
	}
}

// Inject queues p for Receive.
func (m *MockTransport) Inject(p Packet) {
	select {
	case m.inbound <- p:
	case <-m.closed:
	}
}

// Sent returns a copy of every packet sent so far.
func (m *MockTransport) Sent() []SentPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentPacket(nil), m.sent...)
}

// Reset forgets sent packets.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	m.sent = nil
	m.mu.Unlock()
}

// Close implements Transport. It is idempotent.
func (m *MockTransport) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

// Closed reports whether Close was called.
func (m *MockTransport) Closed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}
