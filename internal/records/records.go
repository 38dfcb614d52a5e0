// Package records holds the record-level primitives shared by the cache and
// the engine: interface scoping, record identity, raw rdata access, the
// RFC 6762 §8.2 tie-break, name hashing and per-record multicast throttling.
package records

import (
	"bytes"
	"sort"
	"strings"

	"github.com/miekg/dns"
	"github.com/spaolacci/murmur3"

	"github.com/joshuafuller/mdnscore/internal/protocol"
)

// InterfaceID scopes records and questions to a network interface. Positive
// values are OS interface indexes.
type InterfaceID int

const (
	// InterfaceAny matches every interface.
	InterfaceAny InterfaceID = 0
	// InterfaceUnicast marks records learned over unicast DNS.
	InterfaceUnicast InterfaceID = -1
)

// Matches reports whether a record scoped to r may answer a question scoped
// to q. A question for one interface never sees records from another.
func (q InterfaceID) Matches(r InterfaceID) bool {
	return q == InterfaceAny || r == InterfaceAny || q == r
}

// ResourceRecord pairs an RR with its mDNS uniqueness (cache-flush) flag.
// The class stored in RR never carries the cache-flush bit.
type ResourceRecord struct {
	RR         dns.RR
	CacheFlush bool
}

// CanonicalName lower-cases and fully qualifies name.
func CanonicalName(name string) string {
	return dns.CanonicalName(name)
}

// NameHash returns a case-insensitive hash of name for fast grouping.
func NameHash(name string) uint32 {
	return murmur3.Sum32([]byte(CanonicalName(name)))
}

// SameName compares two domain names case-insensitively.
func SameName(a, b string) bool {
	return strings.EqualFold(dns.Fqdn(a), dns.Fqdn(b))
}

// SplitClass strips the mDNS top bit from a class value.
func SplitClass(class uint16) (uint16, bool) {
	return class &^ protocol.ClassUniqueBit, class&protocol.ClassUniqueBit != 0
}

// Ignored reports whether records of type t are skipped without caching:
// EDNS options and transaction/DNSSEC signatures.
func Ignored(t uint16) bool {
	switch t {
	case dns.TypeOPT, dns.TypeTSIG, dns.TypeTKEY, dns.TypeSIG, dns.TypeRRSIG:
		return true
	}
	return false
}

// RData returns the uncompressed wire encoding of rr's rdata. It returns nil
// when rr cannot be packed.
func RData(rr dns.RR) []byte {
	buf := make([]byte, dns.Len(rr)+64)
	end, err := dns.PackRR(rr, buf, 0, nil, false)
	if err != nil {
		return nil
	}
	_, off, err := dns.UnpackDomainName(buf, 0)
	if err != nil || off+10 > end {
		return nil
	}
	return buf[off+10 : end]
}

// SameRData reports whether a and b have the same name, type, class and
// rdata, comparing embedded names case-insensitively.
func SameRData(a, b dns.RR) bool {
	ha, hb := a.Header(), b.Header()
	ca, _ := SplitClass(ha.Class)
	cb, _ := SplitClass(hb.Class)
	if ha.Rrtype != hb.Rrtype || ca != cb || !SameName(ha.Name, hb.Name) {
		return false
	}
	return dns.IsDuplicate(withClass(a, ca), withClass(b, cb))
}

// IdenticalRData reports whether a and b carry byte-identical rdata,
// including the case of embedded names.
func IdenticalRData(a, b dns.RR) bool {
	return bytes.Equal(RData(a), RData(b))
}

// AnswersQuestion reports whether rr answers a question for name, qtype and
// qclass. ANY matches every type and class; a CNAME answers every type.
func AnswersQuestion(rr dns.RR, name string, qtype, qclass uint16) bool {
	h := rr.Header()
	class, _ := SplitClass(h.Class)
	qclass, _ = SplitClass(qclass)
	if qclass != dns.ClassANY && class != qclass {
		return false
	}
	if qtype != dns.TypeANY && h.Rrtype != qtype && h.Rrtype != dns.TypeCNAME {
		return false
	}
	return SameName(h.Name, name)
}

// TieBreak compares two records competing for the same name per RFC 6762
// §8.2: class, then type, then raw rdata bytewise with a strict prefix
// losing. It returns a positive value when a wins, negative when b wins and
// zero only when the records are identical.
func TieBreak(a, b dns.RR) int {
	ca, _ := SplitClass(a.Header().Class)
	cb, _ := SplitClass(b.Header().Class)
	if ca != cb {
		return cmp16(ca, cb)
	}
	if ta, tb := a.Header().Rrtype, b.Header().Rrtype; ta != tb {
		return cmp16(ta, tb)
	}
	return bytes.Compare(RData(a), RData(b))
}

// TieBreakSets compares two hosts' record sets for one name (§8.2.1): both
// are sorted, compared pairwise, and when one is a prefix of the other the
// longer set wins.
func TieBreakSets(ours, theirs []dns.RR) int {
	a, b := sortedForTieBreak(ours), sortedForTieBreak(theirs)
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := TieBreak(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

func sortedForTieBreak(in []dns.RR) []dns.RR {
	out := append([]dns.RR(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return TieBreak(out[i], out[j]) < 0 })
	return out
}

func cmp16(a, b uint16) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func withClass(rr dns.RR, class uint16) dns.RR {
	if rr.Header().Class == class {
		return rr
	}
	c := dns.Copy(rr)
	c.Header().Class = class
	return c
}
