package message

import (
	"github.com/miekg/dns"

	"github.com/joshuafuller/mdnscore/internal/protocol"
)

// Builder assembles one outgoing packet at a time, refusing additions that
// would push the packet past its size limit. A single record too large for
// the limit is still accepted into an otherwise empty packet, up to
// protocol.AbsoluteMaxPacket (RFC 6762 §17).
//
// Records are copied when added, so callers may keep mutating their own.
// The slice returned by Pack is reused by the next Pack.
type Builder struct {
	msg dns.Msg
	max int
	buf []byte
}

// NewBuilder returns a builder with the given packet size limit.
func NewBuilder(max int) *Builder {
	if max <= 0 || max > protocol.AbsoluteMaxPacket {
		max = protocol.NormalMaxPacket
	}
	return &Builder{max: max, buf: make([]byte, protocol.AbsoluteMaxPacket)}
}

// Reset starts a new packet. Responses are marked authoritative
// (RFC 6762 §18.4).
func (b *Builder) Reset(id uint16, response bool) {
	b.msg = dns.Msg{Compress: true}
	b.msg.Id = id
	b.msg.Response = response
	b.msg.Authoritative = response
}

// SetMax changes the size limit for the packet being built.
func (b *Builder) SetMax(max int) {
	if max > 0 && max <= protocol.AbsoluteMaxPacket {
		b.max = max
	}
}

// Mark records the current section lengths for Rollback.
type Mark struct{ qd, an, ns, ar int }

// Mark returns the current position.
func (b *Builder) Mark() Mark {
	return Mark{len(b.msg.Question), len(b.msg.Answer), len(b.msg.Ns), len(b.msg.Extra)}
}

// Rollback removes everything added since m.
func (b *Builder) Rollback(m Mark) {
	b.msg.Question = b.msg.Question[:m.qd]
	b.msg.Answer = b.msg.Answer[:m.an]
	b.msg.Ns = b.msg.Ns[:m.ns]
	b.msg.Extra = b.msg.Extra[:m.ar]
}

// Header gives access to the packet header.
func (b *Builder) Header() *dns.MsgHdr { return &b.msg.MsgHdr }

// Len returns the current compressed packet length.
func (b *Builder) Len() int { return b.msg.Len() }

// Empty reports whether the packet has no questions or records.
func (b *Builder) Empty() bool { return b.items() == 0 }

// Counts returns the number of entries per section.
func (b *Builder) Counts() (qd, an, ns, ar int) {
	return len(b.msg.Question), len(b.msg.Answer), len(b.msg.Ns), len(b.msg.Extra)
}

// Questions returns the questions added so far.
func (b *Builder) Questions() []dns.Question { return b.msg.Question }

// Answers returns the answer records added so far.
func (b *Builder) Answers() []dns.RR { return b.msg.Answer }

func (b *Builder) items() int {
	return len(b.msg.Question) + len(b.msg.Answer) + len(b.msg.Ns) + len(b.msg.Extra)
}

func (b *Builder) fits(oversizeOK bool) bool {
	n := b.msg.Len()
	if n <= b.max {
		return true
	}
	return oversizeOK && b.items() == 1 && n <= protocol.AbsoluteMaxPacket
}

// AddQuestion appends q, setting the QU bit when q.Unicast is set.
func (b *Builder) AddQuestion(q Question) bool {
	class := q.Class
	if q.Unicast {
		class |= protocol.ClassUniqueBit
	}
	b.msg.Question = append(b.msg.Question, dns.Question{Name: dns.Fqdn(q.Name), Qtype: q.Type, Qclass: class})
	if b.fits(false) {
		return true
	}
	b.msg.Question = b.msg.Question[:len(b.msg.Question)-1]
	return false
}

// RetractQuestion removes the most recently added question.
func (b *Builder) RetractQuestion() {
	if n := len(b.msg.Question); n > 0 {
		b.msg.Question = b.msg.Question[:n-1]
	}
}

// AddAnswer appends rr to the answer section, setting the cache-flush bit
// when flush is set.
func (b *Builder) AddAnswer(rr dns.RR, flush bool) bool {
	return b.add(&b.msg.Answer, rr, flush, true)
}

// AddAuthority appends rr to the authority section.
func (b *Builder) AddAuthority(rr dns.RR, flush bool) bool {
	return b.add(&b.msg.Ns, rr, flush, true)
}

// AddAdditional appends rr to the additional section. Additional records
// never use the oversize allowance.
func (b *Builder) AddAdditional(rr dns.RR, flush bool) bool {
	return b.add(&b.msg.Extra, rr, flush, false)
}

// HasRecord reports whether an identical record is already in the packet.
func (b *Builder) HasRecord(rr dns.RR) bool {
	for _, section := range [][]dns.RR{b.msg.Answer, b.msg.Ns, b.msg.Extra} {
		for _, x := range section {
			if sameIgnoringFlush(x, rr) {
				return true
			}
		}
	}
	return false
}

func (b *Builder) add(section *[]dns.RR, rr dns.RR, flush, oversizeOK bool) bool {
	c := dns.Copy(rr)
	if flush {
		c.Header().Class |= protocol.ClassUniqueBit
	} else {
		c.Header().Class &^= protocol.ClassUniqueBit
	}
	*section = append(*section, c)
	if b.fits(oversizeOK) {
		return true
	}
	*section = (*section)[:len(*section)-1]
	return false
}

// Pack encodes the packet.
func (b *Builder) Pack() ([]byte, error) {
	out, err := b.msg.PackBuffer(b.buf)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func sameIgnoringFlush(a, b dns.RR) bool {
	ha, hb := a.Header(), b.Header()
	if ha.Rrtype != hb.Rrtype || (ha.Class&^protocol.ClassUniqueBit) != (hb.Class&^protocol.ClassUniqueBit) {
		return false
	}
	if ha.Class == hb.Class {
		return dns.IsDuplicate(a, b)
	}
	c := dns.Copy(b)
	c.Header().Class = ha.Class
	return dns.IsDuplicate(a, c)
}
