package responder

import (
	"bytes"
	"context"
	goerrors "errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/miekg/dns"

	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/transport"
)

var peer = &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 5353}

// newTestResponder returns a responder on a mock transport whose mock clock
// runs in the background at about ten times real speed.
func newTestResponder(t *testing.T, opts ...Option) (*Responder, *transport.MockTransport, *clock.Mock) {
	t.Helper()
	tr := transport.NewMockTransport("udp4")
	clk := clock.NewMock()
	opts = append([]Option{
		withClock(clk),
		withTransports(tr),
		WithHostname("testhost.local"),
		WithAddresses(net.IPv4(192, 168, 1, 10)),
	}, opts...)

	r, err := New(context.Background(), opts...)
	if err != nil {
		t.Fatalf("New() error = %v, want nil", err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				clk.Add(5 * time.Millisecond)
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		wg.Wait()
		_ = r.Close()
	})
	return r, tr, clk
}

// conflictWith makes a peer answer every probe whose SRV name satisfies
// match with a different SRV record.
func conflictWith(tr *transport.MockTransport, match func(name string) bool) {
	tr.OnSend(func(p transport.SentPacket) {
		m := new(dns.Msg)
		if err := m.Unpack(p.Data); err != nil || m.Response || len(m.Ns) == 0 {
			return
		}
		for _, rr := range m.Ns {
			srv, ok := rr.(*dns.SRV)
			if !ok || !match(srv.Hdr.Name) {
				continue
			}
			resp := new(dns.Msg)
			resp.Response = true
			resp.Authoritative = true
			resp.Answer = []dns.RR{&dns.SRV{
				Hdr:    dns.RR_Header{Name: srv.Hdr.Name, Rrtype: dns.TypeSRV, Class: dns.ClassINET | 1<<15, Ttl: 120},
				Port:   9999,
				Target: "otherhost.local.",
			}}
			data, err := resp.Pack()
			if err != nil {
				return
			}
			tr.Inject(transport.Packet{Data: data, Src: peer})
			return
		}
	})
}

// sentRecords returns every answer record of the response packets sent.
func sentRecords(tr *transport.MockTransport) []dns.RR {
	var out []dns.RR
	for _, p := range tr.Sent() {
		m := new(dns.Msg)
		if err := m.Unpack(p.Data); err != nil || !m.Response {
			continue
		}
		out = append(out, m.Answer...)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestResponder_New(t *testing.T) {
	r, _, _ := newTestResponder(t)

	if r.registry == nil {
		t.Error("responder.registry = nil, want non-nil")
	}
	if r.runner == nil {
		t.Error("responder.runner = nil, want non-nil")
	}
	if got := r.Hostname(); got != "testhost.local" {
		t.Errorf("Hostname() = %q, want %q", got, "testhost.local")
	}
}

func TestResponder_New_WithOptions(t *testing.T) {
	tests := []struct {
		name    string
		options []Option
		wantErr bool
	}{
		{name: "empty hostname", options: []Option{WithHostname("")}, wantErr: true},
		{name: "nil logger", options: []Option{WithLogger(nil)}, wantErr: true},
		{name: "zero cache size", options: []Option{WithMaxCacheRecords(0)}, wantErr: true},
		{name: "nil address", options: []Option{WithAddresses(nil)}, wantErr: true},
		{name: "cache size", options: []Option{WithMaxCacheRecords(100)}},
		{name: "ipv6", options: []Option{WithIPv6(true)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := append([]Option{withTransports(transport.NewMockTransport("udp4"))}, tt.options...)
			r, err := New(context.Background(), opts...)
			if tt.wantErr {
				var vErr *errors.ValidationError
				if !goerrors.As(err, &vErr) {
					t.Fatalf("New() error = %v, want ValidationError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v, want nil", err)
			}
			_ = r.Close()
		})
	}
}

func TestResponder_Register_Validation(t *testing.T) {
	r, _, _ := newTestResponder(t)

	tests := []struct {
		name        string
		service     *Service
		wantErr     bool
		errContains string
	}{
		{
			name:    "valid service",
			service: &Service{InstanceName: "My Printer", ServiceType: "_http._tcp.local", Port: 8080},
		},
		{
			name:        "invalid - empty InstanceName",
			service:     &Service{ServiceType: "_http._tcp.local", Port: 8080},
			wantErr:     true,
			errContains: "instance name cannot be empty",
		},
		{
			name:        "invalid - bad ServiceType",
			service:     &Service{InstanceName: "My Printer", ServiceType: "http._tcp.local", Port: 8080},
			wantErr:     true,
			errContains: "invalid service type format",
		},
		{
			name:        "invalid - port 0",
			service:     &Service{InstanceName: "My Printer", ServiceType: "_http._tcp.local"},
			wantErr:     true,
			errContains: "port must be in range 1-65535",
		},
		{
			name:        "invalid - nil service",
			wantErr:     true,
			errContains: "service cannot be nil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(tt.service)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Register() error = nil, want error")
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("Register() error = %q, want it to contain %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Errorf("Register() error = %v, want nil", err)
			}
		})
	}
}

// TestResponder_Register_WaitsForProbing checks that Register returns only
// after three probes 250ms apart (RFC 6762 §8.1).
func TestResponder_Register_WaitsForProbing(t *testing.T) {
	r, tr, clk := newTestResponder(t)

	service := &Service{InstanceName: "My Printer", ServiceType: "_http._tcp.local", Port: 8080}
	start := clk.Now()
	if err := r.Register(service); err != nil {
		t.Fatalf("Register() error = %v, want nil", err)
	}
	elapsed := clk.Now().Sub(start)

	if elapsed < 700*time.Millisecond || elapsed > 3*time.Second {
		t.Errorf("Register() took %v of clock time, want about 750ms-1s", elapsed)
	}

	probes := 0
	for _, p := range tr.Sent() {
		m := new(dns.Msg)
		if m.Unpack(p.Data) != nil || m.Response {
			continue
		}
		for _, rr := range m.Ns {
			if _, ok := rr.(*dns.SRV); ok {
				probes++
				break
			}
		}
	}
	if probes != 3 {
		t.Errorf("sent %d probes for the SRV record, want 3", probes)
	}
}

func TestResponder_Register_Announces(t *testing.T) {
	r, tr, _ := newTestResponder(t)

	service := &Service{
		InstanceName: "Web",
		ServiceType:  "_http._tcp.local",
		Port:         8080,
		TXTRecords:   map[string]string{"path": "/"},
		Subtypes:     []string{"_printer"},
	}
	if err := r.Register(service); err != nil {
		t.Fatalf("Register() error = %v, want nil", err)
	}

	want := map[string]uint16{
		"_http._tcp.local.":               dns.TypePTR,
		"_services._dns-sd._udp.local.":   dns.TypePTR,
		"_printer._sub._http._tcp.local.": dns.TypePTR,
		"Web._http._tcp.local.":           dns.TypeSRV,
		"testhost.local.":                 dns.TypeA,
	}
	waitFor(t, "announcements", func() bool {
		seen := 0
		for name, typ := range want {
			for _, rr := range sentRecords(tr) {
				if rr.Header().Name == name && rr.Header().Rrtype == typ && rr.Header().Ttl > 0 {
					seen++
					break
				}
			}
		}
		return seen == len(want)
	})
}

func TestResponder_Register_Duplicate(t *testing.T) {
	r, _, _ := newTestResponder(t)

	if err := r.Register(&Service{InstanceName: "Dup", ServiceType: "_http._tcp.local", Port: 80}); err != nil {
		t.Fatalf("Register() error = %v, want nil", err)
	}
	err := r.Register(&Service{InstanceName: "Dup", ServiceType: "_ssh._tcp.local", Port: 22})
	if !goerrors.Is(err, errors.ErrAlreadyRegistered) {
		t.Errorf("second Register() error = %v, want ErrAlreadyRegistered", err)
	}
}

// TestResponder_Unregister checks the goodbye packet (RFC 6762 §10.1).
func TestResponder_Unregister(t *testing.T) {
	r, tr, _ := newTestResponder(t)

	service := &Service{InstanceName: "My Printer", ServiceType: "_http._tcp.local", Port: 8080}
	if err := r.Register(service); err != nil {
		t.Fatalf("Register() error = %v, want nil", err)
	}
	waitFor(t, "announcement", func() bool {
		for _, rr := range sentRecords(tr) {
			if _, ok := rr.(*dns.SRV); ok {
				return true
			}
		}
		return false
	})

	if err := r.Unregister(service.InstanceName); err != nil {
		t.Fatalf("Unregister() error = %v, want nil", err)
	}
	if _, exists := r.registry.Get(service.InstanceName); exists {
		t.Error("service still in registry after Unregister()")
	}

	goodbye := false
	for _, rr := range sentRecords(tr) {
		if srv, ok := rr.(*dns.SRV); ok && srv.Hdr.Ttl == 0 {
			goodbye = true
		}
	}
	if !goodbye {
		t.Error("no SRV goodbye (TTL 0) sent by Unregister()")
	}

	if err := r.Unregister(service.InstanceName); err == nil {
		t.Error("second Unregister() error = nil, want error")
	}
}

func TestResponder_Close(t *testing.T) {
	r, tr, _ := newTestResponder(t)

	services := []*Service{
		{InstanceName: "Service 1", ServiceType: "_http._tcp.local", Port: 8080},
		{InstanceName: "Service 2", ServiceType: "_printer._tcp.local", Port: 9100},
	}
	for _, svc := range services {
		if err := r.Register(svc); err != nil {
			t.Fatalf("Register(%q) error = %v, want nil", svc.InstanceName, err)
		}
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v, want nil", err)
	}
	if got := r.Services(); len(got) != 0 {
		t.Errorf("Services() after Close() = %v, want none", got)
	}
	if !tr.Closed() {
		t.Error("transport not closed by Close()")
	}

	goodbyes := 0
	for _, rr := range sentRecords(tr) {
		if srv, ok := rr.(*dns.SRV); ok && srv.Hdr.Ttl == 0 {
			goodbyes++
		}
	}
	if goodbyes != 2 {
		t.Errorf("Close() sent %d SRV goodbyes, want 2", goodbyes)
	}

	if err := r.Close(); err != nil {
		t.Errorf("second Close() error = %v, want nil", err)
	}
	if err := r.Register(&Service{InstanceName: "Late", ServiceType: "_http._tcp.local", Port: 80}); err == nil {
		t.Error("Register() after Close() error = nil, want error")
	}
}

// TestResponder_Register_RenameOnConflict checks RFC 6762 §9: a conflict
// while probing picks a new name and probes again.
func TestResponder_Register_RenameOnConflict(t *testing.T) {
	r, tr, _ := newTestResponder(t)
	conflictWith(tr, func(name string) bool { return name == `My\ Service._http._tcp.local.` })

	service := &Service{InstanceName: "My Service", ServiceType: "_http._tcp.local", Port: 8080}
	if err := r.Register(service); err != nil {
		t.Fatalf("Register() error = %v, want nil", err)
	}
	if service.InstanceName != "My Service (2)" {
		t.Errorf("InstanceName = %q, want %q", service.InstanceName, "My Service (2)")
	}
	if _, found := r.GetService("My Service (2)"); !found {
		t.Error("GetService(My Service (2)) found = false, want true")
	}
	if _, found := r.GetService("My Service"); found {
		t.Error("GetService(My Service) found = true, want false")
	}
}

func TestResponder_Register_MaxRenameAttempts(t *testing.T) {
	r, tr, _ := newTestResponder(t)
	conflictWith(tr, func(name string) bool { return strings.HasSuffix(name, "._http._tcp.local.") })

	service := &Service{InstanceName: "Contested", ServiceType: "_http._tcp.local", Port: 8080}
	err := r.Register(service)
	if err == nil {
		t.Fatal("Register() error = nil, want max rename attempts error")
	}
	if !strings.Contains(err.Error(), "max rename attempts") {
		t.Errorf("Register() error = %q, want it to contain %q", err, "max rename attempts")
	}
	if got := r.Services(); len(got) != 0 {
		t.Errorf("Services() = %v, want none", got)
	}
}

func TestResponder_RegisterMultipleServices(t *testing.T) {
	r, _, _ := newTestResponder(t)

	services := []*Service{
		{InstanceName: "Web Server", ServiceType: "_http._tcp.local", Port: 8080},
		{InstanceName: "SSH Server", ServiceType: "_ssh._tcp.local", Port: 22},
		{InstanceName: "FTP Server", ServiceType: "_ftp._tcp.local", Port: 21},
	}

	var wg sync.WaitGroup
	for _, svc := range services {
		wg.Add(1)
		go func(svc *Service) {
			defer wg.Done()
			if err := r.Register(svc); err != nil {
				t.Errorf("Register(%q) error = %v, want nil", svc.InstanceName, err)
			}
		}(svc)
	}
	wg.Wait()

	for _, svc := range services {
		serviceID := svc.InstanceName + "." + svc.ServiceType
		retrieved, found := r.GetService(serviceID)
		if !found {
			t.Errorf("GetService(%q) found = false, want true", serviceID)
			continue
		}
		if retrieved.InstanceName != svc.InstanceName {
			t.Errorf("GetService(%q).InstanceName = %q, want %q", serviceID, retrieved.InstanceName, svc.InstanceName)
		}
		if retrieved.ServiceType != svc.ServiceType {
			t.Errorf("GetService(%q).ServiceType = %q, want %q", serviceID, retrieved.ServiceType, svc.ServiceType)
		}
		if retrieved.Port != svc.Port {
			t.Errorf("GetService(%q).Port = %d, want %d", serviceID, retrieved.Port, svc.Port)
		}
	}
	if got := len(r.Services()); got != len(services) {
		t.Errorf("len(Services()) = %d, want %d", got, len(services))
	}
}

func TestResponder_UnregisterOneService(t *testing.T) {
	r, _, _ := newTestResponder(t)

	services := []*Service{
		{InstanceName: "Service A", ServiceType: "_http._tcp.local", Port: 8080},
		{InstanceName: "Service B", ServiceType: "_http._tcp.local", Port: 8081},
		{InstanceName: "Service C", ServiceType: "_http._tcp.local", Port: 8082},
	}
	for _, svc := range services {
		if err := r.Register(svc); err != nil {
			t.Fatalf("Register(%q) error = %v, want nil", svc.InstanceName, err)
		}
	}

	if err := r.Unregister("Service B._http._tcp.local"); err != nil {
		t.Fatalf("Unregister() error = %v, want nil", err)
	}

	if _, found := r.GetService("Service B"); found {
		t.Error("GetService(Service B) found = true after Unregister(), want false")
	}
	for _, name := range []string{"Service A", "Service C"} {
		if _, found := r.GetService(name); !found {
			t.Errorf("GetService(%q) found = false, want true", name)
		}
	}
}

// TestResponder_UpdateOneService checks that a TXT update is announced
// without probing (RFC 6762 §8.4) and leaves other services alone.
func TestResponder_UpdateOneService(t *testing.T) {
	r, tr, _ := newTestResponder(t)

	a := &Service{InstanceName: "Service A", ServiceType: "_http._tcp.local", Port: 8080, TXTRecords: map[string]string{"version": "1.0"}}
	b := &Service{InstanceName: "Service B", ServiceType: "_http._tcp.local", Port: 8081, TXTRecords: map[string]string{"version": "1.0"}}
	for _, svc := range []*Service{a, b} {
		if err := r.Register(svc); err != nil {
			t.Fatalf("Register(%q) error = %v, want nil", svc.InstanceName, err)
		}
	}

	if err := r.UpdateService("Service A", map[string]string{"version": "2.0"}); err != nil {
		t.Fatalf("UpdateService() error = %v, want nil", err)
	}

	gotA, _ := r.GetService("Service A")
	if gotA.TXTRecords["version"] != "2.0" {
		t.Errorf("Service A version = %q, want %q", gotA.TXTRecords["version"], "2.0")
	}
	gotB, _ := r.GetService("Service B")
	if gotB.TXTRecords["version"] != "1.0" {
		t.Errorf("Service B version = %q, want %q", gotB.TXTRecords["version"], "1.0")
	}

	waitFor(t, "updated TXT announcement", func() bool {
		for _, rr := range sentRecords(tr) {
			if txt, ok := rr.(*dns.TXT); ok && strings.HasPrefix(txt.Hdr.Name, `Service\ A.`) &&
				len(txt.Txt) == 1 && txt.Txt[0] == "version=2.0" {
				return true
			}
		}
		return false
	})

	if err := r.UpdateService("Missing", nil); err == nil {
		t.Error("UpdateService(Missing) error = nil, want error")
	}
}

func TestResponder_AddRecord(t *testing.T) {
	r, tr, _ := newTestResponder(t)

	rr, err := dns.NewRR("printer.local. 120 IN A 192.168.1.50")
	if err != nil {
		t.Fatalf("dns.NewRR() error = %v", err)
	}
	if err := r.AddRecord(rr, KnownUniqueRecord); err != nil {
		t.Fatalf("AddRecord() error = %v, want nil", err)
	}

	waitFor(t, "A record announcement", func() bool {
		for _, got := range sentRecords(tr) {
			if a, ok := got.(*dns.A); ok && a.Hdr.Name == "printer.local." && a.A.Equal(net.IPv4(192, 168, 1, 50)) {
				return true
			}
		}
		return false
	})
}

func TestService_Rename(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"My Printer", "My Printer (2)"},
		{"My Printer (2)", "My Printer (3)"},
		{"My Printer (9)", "My Printer (10)"},
		{"Room (A)", "Room (A) (2)"},
	}
	for _, tt := range tests {
		s := &Service{InstanceName: tt.name}
		s.Rename()
		if s.InstanceName != tt.want {
			t.Errorf("Rename(%q) = %q, want %q", tt.name, s.InstanceName, tt.want)
		}
	}
}

func TestService_Validate(t *testing.T) {
	tests := []struct {
		name    string
		service Service
		wantErr bool
	}{
		{"valid", Service{InstanceName: "A", ServiceType: "_http._tcp.local", Port: 80}, false},
		{"trailing dot", Service{InstanceName: "A", ServiceType: "_http._tcp.local.", Port: 80}, false},
		{"udp", Service{InstanceName: "A", ServiceType: "_dns-sd._udp.local", Port: 53}, false},
		{"subtype", Service{InstanceName: "A", ServiceType: "_http._tcp.local", Port: 80, Subtypes: []string{"_printer"}}, false},
		{"bad subtype", Service{InstanceName: "A", ServiceType: "_http._tcp.local", Port: 80, Subtypes: []string{"printer"}}, true},
		{"bad proto", Service{InstanceName: "A", ServiceType: "_http._sctp.local", Port: 80}, true},
		{"long service", Service{InstanceName: "A", ServiceType: "_abcdefghijklmnop._tcp.local", Port: 80}, true},
		{"port too large", Service{InstanceName: "A", ServiceType: "_http._tcp.local", Port: 65536}, true},
		{"long name", Service{InstanceName: strings.Repeat("x", 64), ServiceType: "_http._tcp.local", Port: 80}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.service.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetIPv4ForInterface_InvalidIndex(t *testing.T) {
	invalidIndex := 9999

	ipv4, err := getIPv4ForInterface(invalidIndex)
	if err == nil {
		t.Fatalf("getIPv4ForInterface(%d) error = nil, want NetworkError", invalidIndex)
	}
	if ipv4 != nil {
		t.Errorf("getIPv4ForInterface(%d) ipv4 = %v, want nil", invalidIndex, ipv4)
	}
	var netErr *errors.NetworkError
	if !goerrors.As(err, &netErr) {
		t.Errorf("getIPv4ForInterface(%d) error type = %T, want *errors.NetworkError", invalidIndex, err)
	}
}

func TestGetIPv4ForInterface_LoopbackInterface(t *testing.T) {
	ifaces, err := net.Interfaces()
	if err != nil {
		t.Fatalf("net.Interfaces() error = %v", err)
	}
	loopbackIndex := 0
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			loopbackIndex = iface.Index
			break
		}
	}
	if loopbackIndex == 0 {
		t.Skip("no loopback interface")
	}

	ipv4, err := getIPv4ForInterface(loopbackIndex)
	if err != nil {
		t.Skipf("loopback has no IPv4 address: %v", err)
	}
	if !ipv4.IsLoopback() {
		t.Errorf("getIPv4ForInterface(loopback=%d) = %v, want a loopback address", loopbackIndex, ipv4)
	}
}

// TestGetIPv4ForInterface_MultipleInterfaces checks that each interface
// reports its own address (RFC 6762 §15).
func TestGetIPv4ForInterface_MultipleInterfaces(t *testing.T) {
	ifaces, err := net.Interfaces()
	if err != nil {
		t.Fatalf("net.Interfaces() error = %v", err)
	}

	type ifaceWithIP struct {
		index int
		name  string
		ipv4  net.IP
	}
	var validIfaces []ifaceWithIP
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				if ipv4 := ipnet.IP.To4(); ipv4 != nil {
					validIfaces = append(validIfaces, ifaceWithIP{index: iface.Index, name: iface.Name, ipv4: ipv4})
					break
				}
			}
		}
	}
	if len(validIfaces) < 2 {
		t.Skip("need at least 2 interfaces with IPv4")
	}

	for _, iface := range validIfaces {
		ipv4, err := getIPv4ForInterface(iface.index)
		if err != nil {
			t.Errorf("getIPv4ForInterface(%d) error = %v, want nil", iface.index, err)
			continue
		}
		if !bytes.Equal(ipv4, iface.ipv4) {
			t.Errorf("getIPv4ForInterface(%d) = %v, want %v (interface %s)", iface.index, ipv4, iface.ipv4, iface.name)
		}
	}
}

func BenchmarkGetIPv4ForInterface(b *testing.B) {
	ifaces, err := net.Interfaces()
	if err != nil {
		b.Fatalf("net.Interfaces() failed: %v", err)
	}
	testIndex := 0
	for _, iface := range ifaces {
		if _, err := getIPv4ForInterface(iface.Index); err == nil {
			testIndex = iface.Index
			break
		}
	}
	if testIndex == 0 {
		b.Skip("no interface with IPv4 found")
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := getIPv4ForInterface(testIndex); err != nil {
			b.Fatalf("getIPv4ForInterface(%d) failed: %v", testIndex, err)
		}
	}
}

func BenchmarkGetIPv4ForInterface_InvalidIndex(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = getIPv4ForInterface(9999)
	}
}
