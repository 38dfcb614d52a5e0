package records

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/miekg/dns"

	"github.com/joshuafuller/mdnscore/internal/protocol"
)

// ServiceInfo describes a DNS-SD service instance to advertise.
type ServiceInfo struct {
	InstanceName string // "My Printer"
	ServiceType  string // "_ipp._tcp.local"
	Hostname     string // "myhost.local"
	Port         int
	IPv4Address  net.IP
	IPv6Address  net.IP
	TXTRecords   map[string]string
	Subtypes     []string // "_printer" → "_printer._sub._ipp._tcp.local"
}

// InstanceFQDN returns the escaped service instance name
// ("My\ Printer._ipp._tcp.local.").
func (s *ServiceInfo) InstanceFQDN() string {
	return EscapeLabel(s.InstanceName) + "." + dns.Fqdn(s.ServiceType)
}

// EscapeLabel returns label in presentation format, escaped exactly as
// miekg/dns prints a label decoded from the wire, so registered names
// compare equal to received ones.
func EscapeLabel(label string) string {
	var b strings.Builder
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case strings.IndexByte(`. '@;()"\`, c) >= 0:
			b.WriteByte('\\')
			b.WriteByte(c)
		case c < ' ' || c > '~':
			fmt.Fprintf(&b, "\\%03d", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// BuildRecordSet builds the records advertising s per RFC 6763 §6:
//
//   - PTR  _service._proto.local → instance._service._proto.local (shared)
//   - PTR  _services._dns-sd._udp.local → _service._proto.local (shared, §9)
//   - PTR  subtype pointers (shared, §7.1)
//   - SRV  instance → hostname:port (unique)
//   - TXT  instance → key=value pairs (unique)
//   - A/AAAA hostname → address (unique)
func BuildRecordSet(s *ServiceInfo) []ResourceRecord {
	instance := s.InstanceFQDN()
	service := dns.Fqdn(s.ServiceType)
	host := dns.Fqdn(s.Hostname)

	set := []ResourceRecord{
		{RR: &dns.PTR{Hdr: header(service, dns.TypePTR, protocol.TTLService), Ptr: instance}},
		{RR: &dns.PTR{Hdr: header(servicesEnumeration(service), dns.TypePTR, protocol.TTLService), Ptr: service}},
	}
	for _, sub := range s.Subtypes {
		name := dns.Fqdn(sub + "._sub." + service)
		set = append(set, ResourceRecord{RR: &dns.PTR{Hdr: header(name, dns.TypePTR, protocol.TTLService), Ptr: instance}})
	}
	set = append(set,
		ResourceRecord{CacheFlush: true, RR: &dns.SRV{
			Hdr:    header(instance, dns.TypeSRV, protocol.TTLHostname),
			Port:   uint16(s.Port),
			Target: host,
		}},
		ResourceRecord{CacheFlush: true, RR: &dns.TXT{
			Hdr: header(instance, dns.TypeTXT, protocol.TTLService),
			Txt: buildTXTStrings(s.TXTRecords),
		}},
	)
	set = append(set, BuildAddressRecords(host, s.IPv4Address, s.IPv6Address)...)
	return set
}

// BuildAddressRecords returns the unique A/AAAA records for host.
func BuildAddressRecords(host string, v4, v6 net.IP) []ResourceRecord {
	var out []ResourceRecord
	host = dns.Fqdn(host)
	if ip := v4.To4(); ip != nil {
		out = append(out, ResourceRecord{CacheFlush: true, RR: &dns.A{Hdr: header(host, dns.TypeA, protocol.TTLHostname), A: ip}})
	}
	if len(v6) == net.IPv6len && v6.To4() == nil {
		out = append(out, ResourceRecord{CacheFlush: true, RR: &dns.AAAA{Hdr: header(host, dns.TypeAAAA, protocol.TTLHostname), AAAA: v6}})
	}
	return out
}

// buildTXTStrings encodes TXT key/value pairs in sorted key order. An empty
// map yields a single empty string, which packs as the lone zero byte
// RFC 6763 §6 requires.
func buildTXTStrings(txt map[string]string) []string {
	if len(txt) == 0 {
		return []string{""}
	}
	keys := make([]string, 0, len(txt))
	for k := range txt {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := txt[k]; v != "" {
			out = append(out, k+"="+v)
		} else {
			out = append(out, k)
		}
	}
	return out
}

func servicesEnumeration(service string) string {
	labels := dns.SplitDomainName(service)
	domain := "local."
	if len(labels) > 2 {
		domain = dns.Fqdn(strings.Join(labels[2:], "."))
	}
	return "_services._dns-sd._udp." + domain
}

func header(name string, rrtype uint16, ttl uint32) dns.RR_Header {
	return dns.RR_Header{Name: name, Rrtype: rrtype, Class: dns.ClassINET, Ttl: ttl}
}
