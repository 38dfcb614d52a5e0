package records

import (
	"encoding/hex"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/miekg/dns"

	"github.com/joshuafuller/mdnscore/internal/protocol"
)

// DefaultRecordSetSize bounds the number of (record, interface) pairs whose
// last multicast time is remembered.
const DefaultRecordSetSize = 4096

// RecordSet tracks when each record was last multicast on each interface.
//
// RFC 6762 §6.2: "A Multicast DNS responder MUST NOT multicast a given
// resource record on a given interface until at least one second has
// elapsed since the last time that resource record was multicast on that
// particular interface." The one exception is probe defense, which may
// repeat after 250 ms.
//
// The table is an LRU so hostile traffic cannot grow it without bound; a
// record evicted from it is simply treated as never multicast.
type RecordSet struct {
	last *lru.Cache[string, time.Time]
}

// NewRecordSet returns a tracker holding up to size entries.
func NewRecordSet(size int) *RecordSet {
	if size <= 0 {
		size = DefaultRecordSetSize
	}
	c, err := lru.New[string, time.Time](size)
	if err != nil {
		// Only reachable with a non-positive size.
		panic(err)
	}
	return &RecordSet{last: c}
}

// CanMulticast reports whether rr may be multicast on iface at now.
func (rs *RecordSet) CanMulticast(rr dns.RR, iface InterfaceID, now time.Time) bool {
	return rs.elapsed(rr, iface, now, protocol.MulticastRateLimit)
}

// CanMulticastProbeDefense applies the shorter limit used when defending a
// name against a probe.
func (rs *RecordSet) CanMulticastProbeDefense(rr dns.RR, iface InterfaceID, now time.Time) bool {
	return rs.elapsed(rr, iface, now, protocol.ProbeDefenseRateLimit)
}

// RecordMulticast notes that rr was multicast on iface at now.
func (rs *RecordSet) RecordMulticast(rr dns.RR, iface InterfaceID, now time.Time) {
	rs.last.Add(throttleKey(rr, iface), now)
}

// LastMulticast returns when rr was last multicast on iface.
func (rs *RecordSet) LastMulticast(rr dns.RR, iface InterfaceID) (time.Time, bool) {
	return rs.last.Get(throttleKey(rr, iface))
}

// Forget drops all history for rr on iface.
func (rs *RecordSet) Forget(rr dns.RR, iface InterfaceID) {
	rs.last.Remove(throttleKey(rr, iface))
}

func (rs *RecordSet) elapsed(rr dns.RR, iface InterfaceID, now time.Time, limit time.Duration) bool {
	t, ok := rs.last.Peek(throttleKey(rr, iface))
	if !ok {
		return true
	}
	return now.Sub(t) >= limit
}

func throttleKey(rr dns.RR, iface InterfaceID) string {
	h := rr.Header()
	class, _ := SplitClass(h.Class)
	return strconv.Itoa(int(iface)) + "|" + CanonicalName(h.Name) + "|" +
		strconv.Itoa(int(h.Rrtype)) + "|" + strconv.Itoa(int(class)) + "|" + hex.EncodeToString(RData(rr))
}
