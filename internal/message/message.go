// Package message decodes and builds mDNS packets on top of
// github.com/miekg/dns.
//
// Parsing is tolerant: a record that fails to decode ends its packet, but
// everything decoded before it is still returned, since the earlier records
// are complete and valid (RFC 6762 §18 leaves no room for resynchronising
// after a bad record).
package message

import (
	"encoding/binary"
	"fmt"

	"github.com/miekg/dns"

	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/protocol"
	"github.com/joshuafuller/mdnscore/internal/records"
)

// Kind classifies a packet by its header.
type Kind int

const (
	KindIgnored Kind = iota
	KindQuery
	KindResponse
	KindUpdate
	KindUpdateResponse
)

func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindResponse:
		return "response"
	case KindUpdate:
		return "update"
	case KindUpdateResponse:
		return "update-response"
	}
	return "ignored"
}

// Classify returns the kind of a packet with header h. RFC 6762 §18.3 and
// §18.11: packets with an unknown opcode or a non-zero rcode are ignored.
func Classify(h dns.MsgHdr) Kind {
	if h.Rcode != dns.RcodeSuccess {
		return KindIgnored
	}
	switch h.Opcode {
	case dns.OpcodeQuery:
		if h.Response {
			return KindResponse
		}
		return KindQuery
	case dns.OpcodeUpdate:
		if h.Response {
			return KindUpdateResponse
		}
		return KindUpdate
	}
	return KindIgnored
}

// Question is a decoded question. Class never carries the QU bit.
type Question struct {
	Name    string
	Type    uint16
	Class   uint16
	Unicast bool // QU: unicast response requested (RFC 6762 §5.4)
}

func (q Question) String() string {
	qu := ""
	if q.Unicast {
		qu = " (QU)"
	}
	return fmt.Sprintf("%s %s %s%s", q.Name, dns.Class(q.Class), dns.Type(q.Type), qu)
}

// Message is a decoded packet. Records of ignored types (EDNS options and
// signatures) are dropped; every other record has its cache-flush bit moved
// into ResourceRecord.CacheFlush.
type Message struct {
	Header     dns.MsgHdr
	Kind       Kind
	Questions  []Question
	Answers    []records.ResourceRecord
	Authority  []records.ResourceRecord
	Additional []records.ResourceRecord
	Size       int
}

// Records returns every record of the three record sections in wire order.
func (m *Message) Records() []records.ResourceRecord {
	out := make([]records.ResourceRecord, 0, len(m.Answers)+len(m.Authority)+len(m.Additional))
	out = append(out, m.Answers...)
	out = append(out, m.Authority...)
	return append(out, m.Additional...)
}

// Parse decodes data. When a question or record fails to decode, Parse
// returns the partial message together with a *errors.WireFormatError; the
// partial message holds only fully decoded entries. A nil message is
// returned only when the header itself is unreadable.
func Parse(data []byte) (*Message, error) {
	if len(data) < protocol.HeaderSize {
		return nil, &errors.WireFormatError{
			Field:   "header",
			Offset:  0,
			Message: fmt.Sprintf("packet too short: %d bytes", len(data)),
		}
	}

	m := &Message{Header: unpackHeader(data), Size: len(data)}
	m.Kind = Classify(m.Header)
	qd := int(binary.BigEndian.Uint16(data[4:]))
	an := int(binary.BigEndian.Uint16(data[6:]))
	ns := int(binary.BigEndian.Uint16(data[8:]))
	ar := int(binary.BigEndian.Uint16(data[10:]))

	off := protocol.HeaderSize
	for i := 0; i < qd; i++ {
		q, next, err := unpackQuestion(data, off)
		if err != nil {
			return m, err
		}
		m.Questions = append(m.Questions, q)
		off = next
	}

	sections := []struct {
		name  string
		count int
		dst   *[]records.ResourceRecord
	}{
		{"answer", an, &m.Answers},
		{"authority", ns, &m.Authority},
		{"additional", ar, &m.Additional},
	}
	for _, s := range sections {
		for i := 0; i < s.count; i++ {
			rr, next, err := dns.UnpackRR(data, off)
			if err != nil {
				return m, &errors.WireFormatError{Field: s.name, Offset: off, Message: "invalid record", Err: err}
			}
			if next <= off {
				return m, &errors.WireFormatError{Field: s.name, Offset: off, Message: "record count exceeds data"}
			}
			off = next
			if rr == nil || records.Ignored(rr.Header().Rrtype) {
				continue
			}
			if _, empty := rr.(*dns.RR_Header); empty {
				// zero-length rdata; nothing to cache or compare
				continue
			}
			class, flush := records.SplitClass(rr.Header().Class)
			rr.Header().Class = class
			*s.dst = append(*s.dst, records.ResourceRecord{RR: rr, CacheFlush: flush})
		}
	}
	return m, nil
}

func unpackQuestion(data []byte, off int) (Question, int, error) {
	name, next, err := dns.UnpackDomainName(data, off)
	if err != nil {
		return Question{}, off, &errors.WireFormatError{Field: "question", Offset: off, Message: "invalid name", Err: err}
	}
	if next+4 > len(data) {
		return Question{}, off, &errors.WireFormatError{Field: "question", Offset: next, Message: "truncated question"}
	}
	class, unicast := records.SplitClass(binary.BigEndian.Uint16(data[next+2:]))
	return Question{
		Name:    name,
		Type:    binary.BigEndian.Uint16(data[next:]),
		Class:   class,
		Unicast: unicast,
	}, next + 4, nil
}

func unpackHeader(data []byte) dns.MsgHdr {
	bits := binary.BigEndian.Uint16(data[2:])
	return dns.MsgHdr{
		Id:                 binary.BigEndian.Uint16(data),
		Response:           bits&(1<<15) != 0,
		Opcode:             int(bits>>11) & 0xF,
		Authoritative:      bits&(1<<10) != 0,
		Truncated:          bits&(1<<9) != 0,
		RecursionDesired:   bits&(1<<8) != 0,
		RecursionAvailable: bits&(1<<7) != 0,
		Zero:               bits&(1<<6) != 0,
		AuthenticatedData:  bits&(1<<5) != 0,
		CheckingDisabled:   bits&(1<<4) != 0,
		Rcode:              int(bits & 0xF),
	}
}
