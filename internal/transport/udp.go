package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/protocol"
	"github.com/joshuafuller/mdnscore/internal/records"
)

// UDPv4Transport is the IPv4 multicast transport.
//
// RFC 6762 §5: mDNS uses UDP port 5353 and group 224.0.0.251. The socket
// joins the group on every given interface, disables multicast loopback and
// sends with TTL 255 (§11). Received packets carry their arrival interface
// and destination address from IP_PKTINFO/IP_RECVIF control messages.
type UDPv4Transport struct {
	conn     *net.UDPConn
	ipv4Conn *ipv4.PacketConn
	group    *net.UDPAddr
	ifaces   map[int]net.Interface
	mcastIf  int
	log      *zap.Logger
}

// NewUDPv4Transport binds 0.0.0.0:5353 and joins the mDNS group on ifaces.
// It fails when no interface could join.
func NewUDPv4Transport(ifaces []net.Interface, log *zap.Logger) (*UDPv4Transport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	group, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(protocol.MulticastAddrIPv4, strconv.Itoa(protocol.Port)))
	if err != nil {
		return nil, &errors.NetworkError{
			Operation: "resolve multicast address",
			Err:       err,
			Details:   fmt.Sprintf("failed to resolve %s:%d", protocol.MulticastAddrIPv4, protocol.Port),
		}
	}

	conn, err := listenUDP("udp4")
	if err != nil {
		return nil, err
	}
	t := &UDPv4Transport{
		conn:     conn,
		ipv4Conn: ipv4.NewPacketConn(conn),
		group:    group,
		ifaces:   make(map[int]net.Interface),
		log:      log.Named("udp4"),
	}

	for _, ifi := range ifaces {
		ifi := ifi
		if err := t.ipv4Conn.JoinGroup(&ifi, group); err != nil {
			t.log.Warn("join group failed", zap.String("interface", ifi.Name), zap.Error(err))
			continue
		}
		t.ifaces[ifi.Index] = ifi
	}
	if len(t.ifaces) == 0 {
		_ = conn.Close()
		return nil, &errors.NetworkError{
			Operation: "join multicast group",
			Err:       net.UnknownNetworkError("udp4"),
			Details:   "no interface joined " + protocol.MulticastAddrIPv4,
		}
	}

	if err := t.ipv4Conn.SetMulticastTTL(255); err != nil {
		t.log.Debug("set multicast ttl", zap.Error(err))
	}
	if err := t.ipv4Conn.SetMulticastLoopback(false); err != nil {
		t.log.Debug("disable multicast loopback", zap.Error(err))
	}
	// Control messages are unavailable on some platforms; packets then
	// arrive with an unknown interface.
	if err := t.ipv4Conn.SetControlMessage(ipv4.FlagInterface|ipv4.FlagDst, true); err != nil {
		t.log.Debug("control messages unavailable", zap.Error(err))
	}
	return t, nil
}

// Interfaces returns the interfaces that joined the group.
func (t *UDPv4Transport) Interfaces() []net.Interface {
	out := make([]net.Interface, 0, len(t.ifaces))
	for _, ifi := range t.ifaces {
		out = append(out, ifi)
	}
	return out
}

// Network implements Transport.
func (t *UDPv4Transport) Network() string { return "udp4" }

// Send transmits packet to dest, or to the group on iface when dest is nil.
func (t *UDPv4Transport) Send(ctx context.Context, packet []byte, iface records.InterfaceID, dest net.Addr) error {
	select {
	case <-ctx.Done():
		return &errors.NetworkError{Operation: "send", Err: ctx.Err(), Details: "context canceled before send"}
	default:
	}

	if dest == nil {
		dest = t.group
		if err := t.selectInterface(int(iface)); err != nil {
			return err
		}
	}
	n, err := t.ipv4Conn.WriteTo(packet, nil, dest)
	if err != nil {
		return &errors.NetworkError{
			Operation: "send",
			Err:       err,
			Details:   fmt.Sprintf("failed to send %d bytes to %s", len(packet), dest),
		}
	}
	if n != len(packet) {
		return &errors.NetworkError{
			Operation: "send",
			Err:       fmt.Errorf("partial write: %d/%d bytes", n, len(packet)),
			Details:   "incomplete transmission",
		}
	}
	return nil
}

func (t *UDPv4Transport) selectInterface(index int) error {
	if index <= 0 || index == t.mcastIf {
		return nil
	}
	ifi, ok := t.ifaces[index]
	if !ok {
		return &errors.NetworkError{
			Operation: "send",
			Err:       net.UnknownNetworkError("udp4"),
			Details:   fmt.Sprintf("interface %d did not join the group", index),
		}
	}
	if err := t.ipv4Conn.SetMulticastInterface(&ifi); err != nil {
		return &errors.NetworkError{Operation: "select interface", Err: err, Details: ifi.Name}
	}
	t.mcastIf = index
	return nil
}

// Receive waits for the next packet. A context deadline becomes the read
// deadline.
func (t *UDPv4Transport) Receive(ctx context.Context) (Packet, error) {
	select {
	case <-ctx.Done():
		return Packet{}, &errors.NetworkError{Operation: "receive", Err: ctx.Err(), Details: "context canceled before receive"}
	default:
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			return Packet{}, &errors.NetworkError{
				Operation: "set read timeout",
				Err:       err,
				Details:   fmt.Sprintf("failed to set deadline %v", deadline),
			}
		}
	}

	bufPtr := GetBuffer()
	defer PutBuffer(bufPtr)
	buffer := *bufPtr

	n, cm, src, err := t.ipv4Conn.ReadFrom(buffer)
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
func (t *UDPv4Transport) Close() error {
	if t.conn == nil {
		return nil
	}
	for _, ifi := range t.ifaces {
		ifi := ifi
		_ = t.ipv4Conn.LeaveGroup(&ifi, t.group)
	}
	if err := t.conn.Close(); err != nil {
		return &errors.NetworkError{Operation: "close socket", Err: err, Details: "failed to close UDP connection"}
	}
	return nil
}
