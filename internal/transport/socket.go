package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/protocol"
)

// listenUDP binds port 5353 on network with address reuse enabled, so the
// engine can share the port with other mDNS stacks on the host.
func listenUDP(network string) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) { serr = setSocketOptions(fd) }); err != nil {
				return err
			}
			return serr
		},
	}
	addr := net.JoinHostPort("", strconv.Itoa(protocol.Port))
	pc, err := lc.ListenPacket(context.Background(), network, addr)
	if err != nil {
		return nil, &errors.NetworkError{
			Operation: "create socket",
			Err:       err,
			Details:   fmt.Sprintf("failed to bind %s port %d", network, protocol.Port),
		}
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, &errors.NetworkError{Operation: "create socket", Err: net.UnknownNetworkError(network)}
	}
	if err := conn.SetReadBuffer(65536); err != nil {
		_ = conn.Close()
		return nil, &errors.NetworkError{
			Operation: "configure socket",
			Err:       err,
			Details:   "failed to set read buffer size",
		}
	}
	return conn, nil
}

// MulticastInterfaces returns the interfaces to run mDNS on: the named ones,
// or every up, multicast-capable, non-loopback interface when names is
// empty.
func MulticastInterfaces(names []string) ([]net.Interface, error) {
	if len(names) > 0 {
		out := make([]net.Interface, 0, len(names))
		for _, name := range names {
			ifi, err := net.InterfaceByName(name)
			if err != nil {
				return nil, &errors.NetworkError{Operation: "lookup interface", Err: err, Details: name}
			}
			out = append(out, *ifi)
		}
		return out, nil
	}
	all, err := net.Interfaces()
	if err != nil {
		return nil, &errors.NetworkError{Operation: "list interfaces", Err: err}
	}
	var out []net.Interface
	for _, ifi := range all {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		out = append(out, ifi)
	}
	return out, nil
}

// OpenMulticast opens the IPv4 transport, and the IPv6 one when ipv6 is
// set, on the interfaces named (all multicast interfaces when none are).
// An IPv6 failure is logged and leaves only IPv4. It returns the
// interfaces the IPv4 transport joined.
func OpenMulticast(names []string, ipv6 bool, log *zap.Logger) ([]Transport, []net.Interface, error) {
	ifaces, err := MulticastInterfaces(names)
	if err != nil {
		return nil, nil, err
	}
	v4, err := NewUDPv4Transport(ifaces, log)
	if err != nil {
		return nil, nil, err
	}
	ts := []Transport{v4}
	if ipv6 {
		v6, err := NewUDPv6Transport(ifaces, log)
		if err != nil {
			log.Warn("IPv6 transport unavailable", zap.Error(err))
		} else {
			ts = append(ts, v6)
		}
	}
	return ts, v4.Interfaces(), nil
}
