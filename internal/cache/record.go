package cache

import (
	"fmt"
	"time"

	"github.com/miekg/dns"

	"github.com/joshuafuller/mdnscore/internal/arena"
	"github.com/joshuafuller/mdnscore/internal/protocol"
	"github.com/joshuafuller/mdnscore/internal/records"
)

// Record is a fact learned from the network.
//
// RR never carries the cache-flush bit in its class; Unique records it
// instead. Negative records carry an empty-rdata *dns.ANY whose header
// names the missing type, asserting that no record of that name and type
// exists.
type Record struct {
	records.RecordTTL

	RR        dns.RR
	Unique    bool
	Negative  bool
	Interface records.InterfaceID

	// ActiveQuestion is the question driving this record's refresh
	// queries. The zero ID means no question has been answered by it.
	ActiveQuestion arena.ID

	UnansweredQueries  int
	LastUnansweredTime time.Time
	NextRequiredQuery  time.Time

	group    *Group
	seq      uint64 // packet that last refreshed this record
	final    bool   // in its final countdown (goodbye or flushed)
	purged   bool   // removal forced before natural expiry
	removed  bool
	uncached bool
}

// Name returns the owner name as received.
func (r *Record) Name() string { return r.RR.Header().Name }

// Type returns the RR type.
func (r *Record) Type() uint16 { return r.RR.Header().Rrtype }

// Class returns the RR class without the cache-flush bit.
func (r *Record) Class() uint16 { return r.RR.Header().Class }

// Group returns the record's name group.
func (r *Record) Group() *Group { return r.group }

// Removed reports whether the record has been removed from the cache. The
// engine checks this after every callback that might have mutated the cache.
func (r *Record) Removed() bool { return r.removed }

// Uncached reports whether the record was delivered without being stored
// because the cache was full; no remove event will follow for it.
func (r *Record) Uncached() bool { return r.uncached }

// Purged reports whether the record is scheduled for forced removal.
func (r *Record) Purged() bool { return r.purged }

// FinalCountdown reports whether the record is in its last second, either
// after a goodbye or after being flushed by a cache-flush record.
func (r *Record) FinalCountdown() bool { return r.final }

// Live reports whether lookups at now may return the record.
func (r *Record) Live(now time.Time) bool {
	return !r.removed && !r.purged && !r.IsExpired(now)
}

// AnswerRR returns a copy of RR with its TTL set to the remaining lifetime
// at now, suitable for handing to callers.
func (r *Record) AnswerRR(now time.Time) dns.RR {
	rr := dns.Copy(r.RR)
	rr.Header().Ttl = r.Remaining(now)
	return rr
}

// RefreshDue reports whether a refresh query should be sent for the record.
func (r *Record) RefreshDue(now time.Time) bool {
	return !r.ActiveQuestion.IsZero() && !r.NextRequiredQuery.IsZero() &&
		r.UnansweredQueries < protocol.MaxUnansweredQueries && !now.Before(r.NextRequiredQuery)
}

// NoteRefreshSent records that a refresh query was sent for the record and
// schedules the next one. Refreshes are attempted at 80, 85, 90 and 95 % of
// the TTL (RFC 6762 §5.2).
func (r *Record) NoteRefreshSent(now time.Time, jitter float64) {
	r.UnansweredQueries++
	r.LastUnansweredTime = now
	r.scheduleRefresh(jitter)
}

func (r *Record) scheduleRefresh(jitter float64) {
	if r.Negative || r.final || r.UnansweredQueries >= protocol.MaxUnansweredQueries {
		r.NextRequiredQuery = time.Time{}
		return
	}
	r.NextRequiredQuery = r.At(0.80 + 0.05*float64(r.UnansweredQueries) + jitter)
}

func (r *Record) expireNow(now time.Time) {
	r.TTL = 0
	r.Received = now
	r.NextRequiredQuery = time.Time{}
}

func (r *Record) startFinalCountdown(now time.Time) {
	r.TTL = protocol.TTLGoodbyeGrace
	r.Received = now
	r.final = true
	r.UnansweredQueries = protocol.MaxUnansweredQueries
	r.NextRequiredQuery = time.Time{}
	r.RR.Header().Ttl = protocol.TTLGoodbyeGrace
}

func (r *Record) String() string {
	kind := "shared"
	if r.Unique {
		kind = "unique"
	}
	if r.Negative {
		kind = "negative"
	}
	h := r.RR.Header()
	return fmt.Sprintf("%s %s %s if=%d ttl=%d (%s)", h.Name, dns.Type(h.Rrtype), dns.Class(h.Class), r.Interface, r.TTL, kind)
}

// Group holds every record sharing one owner name. The canonical name and
// its hash are stored once per group.
type Group struct {
	Name    string
	Hash    uint32
	records []*Record
}

// Records returns the group's records, live or not.
func (g *Group) Records() []*Record {
	return append([]*Record(nil), g.records...)
}

func (g *Group) remove(r *Record) {
	for i, x := range g.records {
		if x == r {
			g.records = append(g.records[:i], g.records[i+1:]...)
			return
		}
	}
}
