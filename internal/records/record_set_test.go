package records

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/joshuafuller/mdnscore/internal/protocol"
)

// TestBuildTXTStrings_Empty tests RFC 6763 §6 mandatory TXT record.
//
// RFC 6763 §6: "An empty TXT record containing zero strings is not allowed
// [RFC1035]. DNS-SD implementations MUST NOT emit empty TXT records."
// The single empty string packs as the lone 0x00 byte.
func TestBuildTXTStrings_Empty(t *testing.T) {
	got := buildTXTStrings(map[string]string{})
	if len(got) != 1 || got[0] != "" {
		t.Fatalf("buildTXTStrings(empty) = %q, want [\"\"]", got)
	}

	txt := &dns.TXT{Hdr: header("x.local.", dns.TypeTXT, 120), Txt: got}
	rdata := RData(txt)
	if len(rdata) != 1 || rdata[0] != 0x00 {
		t.Errorf("RData(empty TXT) = %v, want [0x00]", rdata)
	}
}

// TestBuildTXTStrings_SortedKeys verifies deterministic key order, so that
// re-registration produces byte-identical rdata.
func TestBuildTXTStrings_SortedKeys(t *testing.T) {
	got := buildTXTStrings(map[string]string{"version": "1.0", "path": "/api", "flag": ""})
	want := []string{"flag", "path=/api", "version=1.0"}

	if len(got) != len(want) {
		t.Fatalf("buildTXTStrings() = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("buildTXTStrings()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// TestBuildRecordSet_AllRecordTypes tests building the complete record set
// for a service per RFC 6763 §6.
func TestBuildRecordSet_AllRecordTypes(t *testing.T) {
	service := ServiceInfo{
		InstanceName: "My Printer",
		ServiceType:  "_http._tcp.local",
		Hostname:     "myhost.local",
		Port:         8080,
		IPv4Address:  net.IPv4(192, 168, 1, 100),
		TXTRecords:   map[string]string{"version": "1.0"},
	}

	set := BuildRecordSet(&service)

	counts := make(map[uint16]int)
	for _, rr := range set {
		counts[rr.RR.Header().Rrtype]++
	}
	if counts[dns.TypePTR] != 2 || counts[dns.TypeSRV] != 1 || counts[dns.TypeTXT] != 1 || counts[dns.TypeA] != 1 {
		t.Errorf("BuildRecordSet() type counts = %v, want 2 PTR, 1 SRV, 1 TXT, 1 A", counts)
	}
	if len(set) != 5 {
		t.Errorf("BuildRecordSet() returned %d records, want 5", len(set))
	}

	for _, rr := range set {
		switch v := rr.RR.(type) {
		case *dns.SRV:
			if !rr.CacheFlush {
				t.Error("SRV record is shared, want unique (cache-flush)")
			}
			if v.Port != 8080 || v.Target != "myhost.local." {
				t.Errorf("SRV = %d %s, want 8080 myhost.local.", v.Port, v.Target)
			}
			if v.Hdr.Ttl != protocol.TTLHostname {
				t.Errorf("SRV TTL = %d, want %d", v.Hdr.Ttl, protocol.TTLHostname)
			}
		case *dns.PTR:
			if rr.CacheFlush {
				t.Error("PTR record is unique, want shared")
			}
		}
	}
}

func TestBuildRecordSet_EscapesInstanceDots(t *testing.T) {
	service := ServiceInfo{
		InstanceName: "Lab v1.2",
		ServiceType:  "_http._tcp.local",
		Hostname:     "lab.local",
		Port:         80,
	}

	set := BuildRecordSet(&service)
	ptr := set[0].RR.(*dns.PTR)
	if ptr.Ptr != `Lab\ v1\.2._http._tcp.local.` {
		t.Errorf("PTR target = %q, want escaped instance label", ptr.Ptr)
	}
	if labels := dns.CountLabel(ptr.Ptr); labels != 4 {
		t.Errorf("CountLabel(%q) = %d, want 4", ptr.Ptr, labels)
	}
}

func TestBuildRecordSet_Subtypes(t *testing.T) {
	service := ServiceInfo{
		InstanceName: "Printer",
		ServiceType:  "_ipp._tcp.local",
		Hostname:     "p.local",
		Port:         631,
		Subtypes:     []string{"_color"},
	}

	found := false
	for _, rr := range BuildRecordSet(&service) {
		if rr.RR.Header().Name == "_color._sub._ipp._tcp.local." {
			found = true
		}
	}
	if !found {
		t.Error("BuildRecordSet() missing subtype PTR")
	}
}

// TestRecordSet_CanMulticast tests per-record multicast rate limiting.
//
// RFC 6762 §6.2: one second minimum between multicasts of a record on an
// interface.
func TestRecordSet_CanMulticast(t *testing.T) {
	rr := &dns.PTR{Hdr: header("_http._tcp.local.", dns.TypePTR, 4500), Ptr: "MyPrinter._http._tcp.local."}
	rs := NewRecordSet(0)
	now := time.Unix(1000, 0)

	if !rs.CanMulticast(rr, 1, now) {
		t.Error("CanMulticast() = false for first multicast, want true")
	}

	rs.RecordMulticast(rr, 1, now)

	if rs.CanMulticast(rr, 1, now.Add(500*time.Millisecond)) {
		t.Error("CanMulticast() = true 500ms after multicast, want false")
	}
	if !rs.CanMulticast(rr, 1, now.Add(time.Second)) {
		t.Error("CanMulticast() = false 1s after multicast, want true")
	}
}

func TestRecordSet_CanMulticast_PerInterfaceAndRecord(t *testing.T) {
	rr1 := &dns.PTR{Hdr: header("_http._tcp.local.", dns.TypePTR, 4500), Ptr: "one._http._tcp.local."}
	rr2 := &dns.PTR{Hdr: header("_http._tcp.local.", dns.TypePTR, 4500), Ptr: "two._http._tcp.local."}
	rs := NewRecordSet(0)
	now := time.Unix(1000, 0)

	rs.RecordMulticast(rr1, 1, now)

	if rs.CanMulticast(rr1, 1, now) {
		t.Error("CanMulticast(rr1, 1) = true, want false")
	}
	if !rs.CanMulticast(rr1, 2, now) {
		t.Error("CanMulticast(rr1, 2) = false, want true (different interface)")
	}
	if !rs.CanMulticast(rr2, 1, now) {
		t.Error("CanMulticast(rr2, 1) = false, want true (different record)")
	}

	// TTL changes do not change record identity.
	rr1ttl := dns.Copy(rr1)
	rr1ttl.Header().Ttl = 0
	if rs.CanMulticast(rr1ttl, 1, now) {
		t.Error("CanMulticast(rr1 with TTL 0, 1) = true, want false")
	}
}

// TestRecordSet_CanMulticastProbeDefense tests the 250 ms exception of
// RFC 6762 §6.2 for defending a name.
func TestRecordSet_CanMulticastProbeDefense(t *testing.T) {
	rr := &dns.A{Hdr: header("myhost.local.", dns.TypeA, 120), A: net.IPv4(192, 168, 1, 100)}
	rs := NewRecordSet(0)
	now := time.Unix(1000, 0)

	rs.RecordMulticast(rr, 1, now)

	if rs.CanMulticastProbeDefense(rr, 1, now.Add(100*time.Millisecond)) {
		t.Error("CanMulticastProbeDefense() = true at 100ms, want false")
	}
	if !rs.CanMulticastProbeDefense(rr, 1, now.Add(250*time.Millisecond)) {
		t.Error("CanMulticastProbeDefense() = false at 250ms, want true")
	}
	if rs.CanMulticast(rr, 1, now.Add(250*time.Millisecond)) {
		t.Error("CanMulticast() = true at 250ms, want false")
	}
}

func TestRecordSet_Bounded(t *testing.T) {
	rs := NewRecordSet(2)
	now := time.Unix(1000, 0)
	for i := 0; i < 3; i++ {
		rr := &dns.A{Hdr: header("h.local.", dns.TypeA, 120), A: net.IPv4(10, 0, 0, byte(i))}
		rs.RecordMulticast(rr, 1, now)
	}
	first := &dns.A{Hdr: header("h.local.", dns.TypeA, 120), A: net.IPv4(10, 0, 0, 0)}
	if !rs.CanMulticast(first, 1, now) {
		t.Error("evicted entry still throttled, want forgotten")
	}
}

func TestEscapeLabel_MatchesWireDecoding(t *testing.T) {
	for _, label := range []string{"My Printer", `a"b;c`, "Café", "x(1)@y", `back\slash`} {
		name := EscapeLabel(label) + ".local."
		buf := make([]byte, 256)
		off, err := dns.PackDomainName(name, buf, 0, nil, false)
		if err != nil {
			t.Fatalf("PackDomainName(%q) error = %v", name, err)
		}
		got, _, err := dns.UnpackDomainName(buf[:off], 0)
		if err != nil {
			t.Fatalf("UnpackDomainName() error = %v", err)
		}
		if got != name {
			t.Errorf("wire round trip of %q = %q, want unchanged", name, got)
		}
	}
}
