// Package transport moves mDNS packets between the engine and the network.
//
// Transports decouple the engine from sockets: the UDP transports bind port
// 5353 on IPv4 or IPv6 and join the mDNS group on each interface, and
// MockTransport stands in for them in tests.
package transport

import (
	"context"
	"net"

	"go.uber.org/multierr"

	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/records"
)

// Packet is one received datagram.
type Packet struct {
	Data []byte
	// Src is the sender's address.
	Src net.Addr
	// Dst is the address the datagram was sent to (the multicast group or a
	// local unicast address), or nil when the platform cannot report it.
	Dst net.Addr
	// Interface is the receiving interface, records.InterfaceAny when
	// unknown.
	Interface records.InterfaceID
}

// Transport abstracts network operations for sending and receiving mDNS
// packets.
//
// Implementations:
//   - UDPv4Transport: IPv4 multicast on 224.0.0.251:5353
//   - UDPv6Transport: IPv6 multicast on [ff02::fb]:5353
//   - MockTransport: in-memory test double
type Transport interface {
	// Send transmits packet. A nil dest means the mDNS group on iface.
	Send(ctx context.Context, packet []byte, iface records.InterfaceID, dest net.Addr) error

	// Receive waits for the next packet. It returns a NetworkError when ctx
	// is done or the transport is closed.
	Receive(ctx context.Context) (Packet, error)

	// Network returns "udp4" or "udp6".
	Network() string

	// Close releases network resources. Pending Receive calls return.
	Close() error
}

// Mux fans engine output out over several transports. Multicast packets go
// to every transport; unicast packets go to the transports of the
// destination's address family.
type Mux struct {
	transports []Transport
}

// NewMux returns a Mux over ts.
func NewMux(ts ...Transport) *Mux {
	return &Mux{transports: ts}
}

// Transports returns the multiplexed transports.
func (m *Mux) Transports() []Transport { return m.transports }

// Send implements engine.Sender.
func (m *Mux) Send(pkt []byte, iface records.InterfaceID, dst net.Addr) error {
	var err error
	sent := false
	for _, t := range m.transports {
		if dst != nil && t.Network() != family(dst) {
			continue
		}
		sent = true
		err = multierr.Append(err, t.Send(context.Background(), pkt, iface, dst))
	}
	if !sent {
		details := "no transport"
		if dst != nil {
			details += " for " + dst.String()
		}
		return &errors.NetworkError{Operation: "send", Err: net.UnknownNetworkError(family(dst)), Details: details}
	}
	return err
}

// Close closes every transport.
func (m *Mux) Close() error {
	var err error
	for _, t := range m.transports {
		err = multierr.Append(err, t.Close())
	}
	return err
}

func family(a net.Addr) string {
	var ip net.IP
	switch a := a.(type) {
	case *net.UDPAddr:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	}
	if ip != nil && ip.To4() == nil {
		return "udp6"
	}
	return "udp4"
}
