// Package querier looks up names and browses DNS-SD services over
// Multicast DNS (RFC 6762, RFC 6763).
package querier

import (
	"net"

	"github.com/miekg/dns"

	"github.com/joshuafuller/mdnscore/internal/protocol"
)

// RecordType is a DNS record type to query (RFC 1035 §3.2.2).
//
// Example:
//
//	// Query for IPv4 address
//	response, _ := q.Query(ctx, "printer.local", querier.RecordTypeA)
//
//	// Discover HTTP services
//	response, _ = q.Query(ctx, "_http._tcp.local", querier.RecordTypePTR)
type RecordType uint16

const (
	// RecordTypeA queries for IPv4 address records.
	RecordTypeA RecordType = RecordType(protocol.RecordTypeA)
	// RecordTypePTR queries for pointer records, used to enumerate service
	// instances.
	RecordTypePTR RecordType = RecordType(protocol.RecordTypePTR)
	// RecordTypeTXT queries for service metadata (key=value pairs).
	RecordTypeTXT RecordType = RecordType(protocol.RecordTypeTXT)
	// RecordTypeAAAA queries for IPv6 address records.
	RecordTypeAAAA RecordType = RecordType(protocol.RecordTypeAAAA)
	// RecordTypeSRV queries for service host name and port.
	RecordTypeSRV RecordType = RecordType(protocol.RecordTypeSRV)
)

// String returns the mnemonic for the record type.
func (r RecordType) String() string {
	return protocol.RecordType(r).String()
}

func (r RecordType) supported() bool {
	switch r {
	case RecordTypeA, RecordTypePTR, RecordTypeTXT, RecordTypeAAAA, RecordTypeSRV:
		return true
	}
	return false
}

// Response is the set of distinct records received for a query before its
// context ended. An empty Records slice means nobody answered, which is not
// an error.
//
// Example:
//
//	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
//	defer cancel()
//
//	response, err := q.Query(ctx, "printer.local", querier.RecordTypeA)
//	if err != nil {
//	    return err
//	}
//	for _, record := range response.Records {
//	    if ip := record.AsA(); ip != nil {
//	        fmt.Printf("Found device at %s\n", ip)
//	    }
//	}
type Response struct {
	Records []ResourceRecord
}

// ResourceRecord is one record from an mDNS answer (RFC 1035 §3.2.1,
// RFC 6762 §18).
//
// Wire format:
//
//	                                1  1  1  1  1  1
//	  0  1  2  3  4  5  6  7  8  9  0  1  2  3  4  5
//	+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+
//	/                      NAME                     /
//	+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+
//	|                      TYPE                     |
//	+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+
//	|CF|                   CLASS                    |
//	+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+
//	|                      TTL                      |
//	|                                               |
//	+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+
//	|                   RDLENGTH                    |
//	+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+
//	/                     RDATA                     /
//	+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+
//
// CF is the mDNS cache-flush bit (RFC 6762 §10.2). It is stripped from
// Class, which is therefore always 1 (IN) for records seen on the link.
// TTL is the lifetime remaining when the record was delivered, not the
// value on the wire; a record delivered from the local cache has aged.
//
// Data holds the parsed rdata:
//   - A, AAAA: net.IP
//   - PTR: string (target name)
//   - SRV: SRVData
//   - TXT: []string
//
// Use AsA, AsAAAA, AsPTR, AsSRV or AsTXT for typed access.
//
// Example:
//
//	for _, rec := range resp.Records {
//	    if ip := rec.AsA(); ip != nil {
//	        fmt.Printf("%s is at %s (ttl %ds)\n", rec.Name, ip, rec.TTL)
//	    }
//	}
type ResourceRecord struct {
	Data  interface{}
	Name  string
	TTL   uint32 // remaining lifetime when delivered
	Type  RecordType
	Class uint16
	// Interface is the index of the interface the record was received on,
	// or 0 when unknown.
	Interface int
}

// SRVData is parsed SRV rdata (RFC 2782).
type SRVData struct {
	Target   string
	Priority uint16
	Weight   uint16
	Port     uint16
}

// newResourceRecord converts a received record.
func newResourceRecord(rr dns.RR, iface int) ResourceRecord {
	h := rr.Header()
	out := ResourceRecord{
		Name:      h.Name,
		TTL:       h.Ttl,
		Type:      RecordType(h.Rrtype),
		Class:     h.Class &^ protocol.ClassUniqueBit,
		Interface: iface,
	}
	switch v := rr.(type) {
	case *dns.A:
		out.Data = v.A
	case *dns.AAAA:
		out.Data = v.AAAA
	case *dns.PTR:
		out.Data = v.Ptr
	case *dns.SRV:
		out.Data = SRVData{Target: v.Target, Priority: v.Priority, Weight: v.Weight, Port: v.Port}
	case *dns.TXT:
		out.Data = append([]string(nil), v.Txt...)
	}
	return out
}

// AsA returns the IPv4 address of an A record, or nil.
func (r *ResourceRecord) AsA() net.IP {
	if r.Type != RecordTypeA {
		return nil
	}
	ip, ok := r.Data.(net.IP)
	if !ok {
		return nil
	}
	return ip
}

// AsAAAA returns the IPv6 address of an AAAA record, or nil.
func (r *ResourceRecord) AsAAAA() net.IP {
	if r.Type != RecordTypeAAAA {
		return nil
	}
	ip, ok := r.Data.(net.IP)
	if !ok {
		return nil
	}
	return ip
}

// AsPTR returns the target of a PTR record, or "".
//
// Example:
//
//	for _, record := range response.Records {
//	    if target := record.AsPTR(); target != "" {
//	        fmt.Printf("Found service: %s\n", target)
//	    }
//	}
func (r *ResourceRecord) AsPTR() string {
	if r.Type != RecordTypePTR {
		return ""
	}
	target, ok := r.Data.(string)
	if !ok {
		return ""
	}
	return target
}

// AsSRV returns the data of an SRV record, or nil.
func (r *ResourceRecord) AsSRV() *SRVData {
	if r.Type != RecordTypeSRV {
		return nil
	}
	srv, ok := r.Data.(SRVData)
	if !ok {
		return nil
	}
	return &srv
}

// AsTXT returns the strings of a TXT record, or nil.
func (r *ResourceRecord) AsTXT() []string {
	if r.Type != RecordTypeTXT {
		return nil
	}
	txt, ok := r.Data.([]string)
	if !ok {
		return nil
	}
	return txt
}
