package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/net/ipv6"

	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/protocol"
	"github.com/joshuafuller/mdnscore/internal/records"
)

// UDPv6Transport is the IPv6 multicast transport on [ff02::fb]:5353. It
// mirrors UDPv4Transport; multicast hop limit is 255.
type UDPv6Transport struct {
	conn     *net.UDPConn
	ipv6Conn *ipv6.PacketConn
	group    *net.UDPAddr
	ifaces   map[int]net.Interface
	mcastIf  int
	log      *zap.Logger
}

// NewUDPv6Transport binds [::]:5353 and joins the mDNS group on ifaces.
func NewUDPv6Transport(ifaces []net.Interface, log *zap.Logger) (*UDPv6Transport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	group, err := net.ResolveUDPAddr("udp6", net.JoinHostPort(protocol.MulticastAddrIPv6, strconv.Itoa(protocol.Port)))
	if err != nil {
		return nil, &errors.NetworkError{Operation: "resolve multicast address", Err: err, Details: protocol.MulticastAddrIPv6}
	}
	conn, err := listenUDP("udp6")
	if err != nil {
		return nil, err
	}
	t := &UDPv6Transport{
		conn:     conn,
		ipv6Conn: ipv6.NewPacketConn(conn),
		group:    group,
		ifaces:   make(map[int]net.Interface),
		log:      log.Named("udp6"),
	}
	for _, ifi := range ifaces {
		ifi := ifi
		if err := t.ipv6Conn.JoinGroup(&ifi, group); err != nil {
			t.log.Warn("join group failed", zap.String("interface", ifi.Name), zap.Error(err))
			continue
		}
		t.ifaces[ifi.Index] = ifi
	}
	if len(t.ifaces) == 0 {
		_ = conn.Close()
		return nil, &errors.NetworkError{
			Operation: "join multicast group",
			Err:       net.UnknownNetworkError("udp6"),
			Details:   "no interface joined " + protocol.MulticastAddrIPv6,
		}
	}
	if err := t.ipv6Conn.SetMulticastHopLimit(255); err != nil {
		t.log.Debug("set multicast hop limit", zap.Error(err))
	}
	if err := t.ipv6Conn.SetMulticastLoopback(false); err != nil {
		t.log.Debug("disable multicast loopback", zap.Error(err))
	}
	if err := t.ipv6Conn.SetControlMessage(ipv6.FlagInterface|ipv6.FlagDst, true); err != nil {
		t.log.Debug("control messages unavailable", zap.Error(err))
	}
	return t, nil
}

// Interfaces returns the interfaces that joined the group.
func (t *UDPv6Transport) Interfaces() []net.Interface {
	out := make([]net.Interface, 0, len(t.ifaces))
	for _, ifi := range t.ifaces {
		out = append(out, ifi)
	}
	return out
}

// Network implements Transport.
func (t *UDPv6Transport) Network() string { return "udp6" }

// Send transmits packet to dest, or to the group on iface when dest is nil.
func (t *UDPv6Transport) Send(ctx context.Context, packet []byte, iface records.InterfaceID, dest net.Addr) error {
	if err := ctx.Err(); err != nil {
		return &errors.NetworkError{Operation: "send", Err: err, Details: "context canceled before send"}
	}
	if dest == nil {
		dest = t.group
		if idx := int(iface); idx > 0 && idx != t.mcastIf {
			ifi, ok := t.ifaces[idx]
			if !ok {
				return &errors.NetworkError{
					Operation: "send",
					Err:       net.UnknownNetworkError("udp6"),
					Details:   fmt.Sprintf("interface %d did not join the group", idx),
				}
			}
			if err := t.ipv6Conn.SetMulticastInterface(&ifi); err != nil {
				return &errors.NetworkError{Operation: "select interface", Err: err, Details: ifi.Name}
			}
			t.mcastIf = idx
		}
	}
	n, err := t.ipv6Conn.WriteTo(packet, nil, dest)
	if err != nil {
		return &errors.NetworkError{
			Operation: "send",
			Err:       err,
			Details:   fmt.Sprintf("failed to send %d bytes to %s", len(packet), dest),
		}
	}
	if n != len(packet) {
		return &errors.NetworkError{Operation: "send", Err: fmt.Errorf("partial write: %d/%d bytes", n, len(packet))}
	}
	return nil
}

// Receive waits for the next packet.
func (t *UDPv6Transport) Receive(ctx context.Context) (Packet, error) {
	if err := ctx.Err(); err != nil {
		return Packet{}, &errors.NetworkError{Operation: "receive", Err: err, Details: "context canceled before receive"}
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			return Packet{}, &errors.NetworkError{Operation: "set read timeout", Err: err}
		}
	}

	bufPtr := GetBuffer()
	defer PutBuffer(bufPtr)
	buffer := *bufPtr

	n, cm, src, err := t.ipv6Conn.ReadFrom(buffer)
	if err != nil {
		return Packet{}, &errors.NetworkError{Operation: "receive", Err: err, Details: "failed to read from socket"}
	}
	p := Packet{Data: make([]byte, n), Src: src}
	copy(p.Data, buffer[:n])
	if cm != nil {
		p.Interface = records.InterfaceID(cm.IfIndex)
		if cm.Dst != nil {
			p.Dst = &net.UDPAddr{IP: cm.Dst, Port: protocol.Port}
		}
	}
	return p, nil
}

// Close leaves the group and closes the socket.
func (t *UDPv6Transport) Close() error {
	if t.conn == nil {
		return nil
	}
	for _, ifi := range t.ifaces {
		ifi := ifi
		_ = t.ipv6Conn.LeaveGroup(&ifi, t.group)
	}
	if err := t.conn.Close(); err != nil {
		return &errors.NetworkError{Operation: "close socket", Err: err}
	}
	return nil
}
