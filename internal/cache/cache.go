// Package cache implements the mDNS resource-record cache.
//
// RFC 6762 §10: records learned from the network live for their TTL, are
// refreshed in place when re-observed, linger for one second after a
// goodbye, and are flushed when a cache-flush record supersedes them.
//
// The cache is not safe for concurrent use; it is owned by the engine.
package cache

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/joshuafuller/mdnscore/internal/records"
)

const (
	// DefaultMaxRecords bounds the number of stored records.
	DefaultMaxRecords = 4096
	// SweepGrace is how late the removal of a record nobody is watching may
	// be. Records with an active question are swept exactly at expiry.
	SweepGrace = time.Second
	// FlushDelay is how long records superseded by a cache-flush record
	// remain, tolerating the same data arriving over a bridged path.
	FlushDelay = time.Second
)

// Change describes what Upsert did.
type Change int

const (
	ChangeNone      Change = iota
	ChangeAdded            // new record stored
	ChangeRefreshed        // identical record re-observed
	ChangePromoted         // re-observed and newly marked unique
	ChangeGoodbye          // TTL 0 received; record in final countdown
	ChangeUncached         // cache full; record returned but not stored
)

func (c Change) String() string {
	switch c {
	case ChangeAdded:
		return "added"
	case ChangeRefreshed:
		return "refreshed"
	case ChangePromoted:
		return "promoted"
	case ChangeGoodbye:
		return "goodbye"
	case ChangeUncached:
		return "uncached"
	}
	return "none"
}

// Incoming is a record parsed from a packet, ready for admission.
type Incoming struct {
	RR        dns.RR // class without the cache-flush bit
	Unique    bool
	Interface records.InterfaceID
}

// Cache stores records grouped by owner name.
type Cache struct {
	groups    map[string]*Group
	count     int
	max       int
	log       *zap.Logger
	jitter    func() float64
	nextCheck time.Time
	dirty     bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxRecords sets the record limit that triggers reclaiming.
func WithMaxRecords(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.max = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.log = l.Named("cache") }
}

// WithRefreshJitter overrides the random 0–2 % added to refresh times.
func WithRefreshJitter(f func() float64) Option {
	return func(c *Cache) { c.jitter = f }
}

// New returns an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		groups: make(map[string]*Group),
		max:    DefaultMaxRecords,
		log:    zap.NewNop(),
		jitter: func() float64 { return rand.Float64() * 0.02 }, //nolint:gosec // scheduling jitter
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Count returns the number of stored records.
func (c *Cache) Count() int { return c.count }

// Group returns the group for name, or nil.
func (c *Cache) Group(name string) *Group {
	return c.groups[records.CanonicalName(name)]
}

// Lookup returns the live records of name with the given type and class.
// TypeANY and ClassANY act as wildcards. Expired records are never returned,
// even before they are swept.
func (c *Cache) Lookup(name string, rrtype, class uint16, now time.Time) []*Record {
	g := c.Group(name)
	if g == nil {
		return nil
	}
	var out []*Record
	for _, r := range g.records {
		if !r.Live(now) {
			continue
		}
		if rrtype != dns.TypeANY && r.Type() != rrtype {
			continue
		}
		if class != dns.ClassANY && r.Class() != class {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Answers returns the live records answering a question for name, qtype and
// qclass asked on iface. CNAMEs answer every type; negative records only
// answer their own type.
func (c *Cache) Answers(name string, qtype, qclass uint16, iface records.InterfaceID, now time.Time) []*Record {
	g := c.Group(name)
	if g == nil {
		return nil
	}
	var out []*Record
	for _, r := range g.records {
		if !r.Live(now) || !iface.Matches(r.Interface) {
			continue
		}
		if r.Negative && (qtype == dns.TypeANY || r.Type() != qtype) {
			continue
		}
		if records.AnswersQuestion(r.RR, name, qtype, qclass) {
			out = append(out, r)
		}
	}
	return out
}

// Upsert admits an incoming record observed in packet seq.
//
// An identical record (same name, type, class, interface and rdata compared
// case-insensitively) is refreshed in place. When the rdata matches only
// case-insensitively the old record is purged, so observers see a removal
// followed by an addition rather than a silent mutation. A positive record
// silently replaces negative entries for its name and type.
func (c *Cache) Upsert(in Incoming, now time.Time, seq uint64) (*Record, Change) {
	name := records.CanonicalName(in.RR.Header().Name)
	g := c.groups[name]
	goodbye := in.RR.Header().Ttl == 0

	if g != nil {
		c.dropNegatives(g, in.RR.Header().Rrtype, in.RR.Header().Class, in.Interface)
		for _, r := range g.records {
			if r.removed || r.purged || r.Negative || r.Interface != in.Interface || !records.SameRData(r.RR, in.RR) {
				continue
			}
			if !records.IdenticalRData(r.RR, in.RR) {
				c.purge(r, now)
				break
			}
			return r, c.refresh(r, in, now, seq)
		}
	}

	if goodbye {
		return nil, ChangeNone
	}
	return c.insert(name, in, false, now, seq)
}

// Negative stores a "does not exist" entry for name/rrtype/class lasting ttl
// seconds.
func (c *Cache) Negative(name string, rrtype, class uint16, ttl uint32, iface records.InterfaceID, now time.Time, seq uint64) (*Record, Change) {
	canon := records.CanonicalName(name)
	g := c.groups[canon]
	if g != nil {
		for _, r := range g.records {
			if r.Negative && !r.removed && !r.purged && r.Type() == rrtype && r.Class() == class && r.Interface == iface {
				r.TTL, r.Received, r.seq = ttl, now, seq
				r.RR.Header().Ttl = ttl
				c.dirty = true
				return r, ChangeRefreshed
			}
		}
	}
	rr := &dns.ANY{Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: rrtype, Class: class, Ttl: ttl}}
	return c.insert(canon, Incoming{RR: rr, Interface: iface}, true, now, seq)
}

func (c *Cache) insert(name string, in Incoming, negative bool, now time.Time, seq uint64) (*Record, Change) {
	r := &Record{
		RecordTTL: records.RecordTTL{TTL: in.RR.Header().Ttl, Received: now},
		RR:        dns.Copy(in.RR),
		Unique:    in.Unique,
		Negative:  negative,
		Interface: in.Interface,
		seq:       seq,
	}
	r.scheduleRefresh(c.jitter())

	if c.count >= c.max && c.Reclaim(c.count-c.max+1) == 0 {
		r.uncached = true
		c.log.Warn("cache full, delivering uncached", zap.Stringer("record", r))
		return r, ChangeUncached
	}

	g := c.groups[name]
	if g == nil {
		g = &Group{Name: name, Hash: records.NameHash(name)}
		c.groups[name] = g
	}
	r.group = g
	g.records = append(g.records, r)
	c.count++
	c.noteEvent(c.eventTime(r))
	c.log.Debug("added", zap.Stringer("record", r))
	return r, ChangeAdded
}

func (c *Cache) refresh(r *Record, in Incoming, now time.Time, seq uint64) Change {
	c.dirty = true
	r.seq = seq
	if in.RR.Header().Ttl == 0 {
		r.startFinalCountdown(now)
		c.log.Debug("goodbye", zap.Stringer("record", r))
		return ChangeGoodbye
	}
	r.RR = dns.Copy(in.RR)
	r.TTL = in.RR.Header().Ttl
	r.Received = now
	r.final = false
	r.UnansweredQueries = 0
	r.LastUnansweredTime = time.Time{}
	r.scheduleRefresh(c.jitter())
	if in.Unique && !r.Unique {
		r.Unique = true
		return ChangePromoted
	}
	return ChangeRefreshed
}

// FlushRRSet applies the cache-flush bit carried by r, which was just
// admitted from packet seq. Members of r's RRSet (same name, type, class and
// interface) that the packet did not refresh are set to expire FlushDelay
// from now. Members the packet did refresh adopt r's TTL, except those
// already in their final countdown, which are never raised. The affected
// records are returned.
func (c *Cache) FlushRRSet(r *Record, seq uint64, now time.Time) []*Record {
	g := r.group
	if g == nil || r.Negative {
		return nil
	}
	var touched []*Record
	for _, sib := range g.records {
		if sib == r || sib.removed || sib.purged || sib.Negative ||
			sib.Type() != r.Type() || sib.Class() != r.Class() || sib.Interface != r.Interface {
			continue
		}
		if sib.seq == seq {
			if sib.TTL != r.TTL && !sib.final && !r.final {
				sib.TTL = r.TTL
				sib.RR.Header().Ttl = r.TTL
				sib.scheduleRefresh(c.jitter())
				touched = append(touched, sib)
			}
			continue
		}
		if sib.final && !sib.ExpiresAt().After(now.Add(FlushDelay)) {
			continue
		}
		sib.startFinalCountdown(now)
		touched = append(touched, sib)
		c.log.Debug("flushed", zap.Stringer("record", sib), zap.Stringer("by", r))
	}
	if len(touched) > 0 {
		c.dirty = true
	}
	return touched
}

// Purge schedules r for removal at the next sweep, with notification.
func (c *Cache) Purge(r *Record, now time.Time) {
	if !r.removed {
		c.purge(r, now)
	}
}

func (c *Cache) purge(r *Record, now time.Time) {
	r.purged = true
	r.expireNow(now)
	c.noteEvent(now)
}

// PurgeInterface purges every record learned on iface. It is used when an
// interface goes away.
func (c *Cache) PurgeInterface(iface records.InterfaceID, now time.Time) int {
	n := 0
	for _, g := range c.groups {
		for _, r := range g.records {
			if r.Interface == iface && !r.removed && !r.purged {
				c.purge(r, now)
				n++
			}
		}
	}
	return n
}

func (c *Cache) dropNegatives(g *Group, rrtype, class uint16, iface records.InterfaceID) {
	for _, r := range g.Records() {
		if r.Negative && r.Type() == rrtype && r.Class() == class && r.Interface == iface {
			c.Remove(r)
		}
	}
}

// Due returns the records whose expiry has passed at now, in no particular
// order. The engine delivers removals for those with an active question and
// then calls Remove.
func (c *Cache) Due(now time.Time) []*Record {
	var out []*Record
	for _, g := range c.groups {
		for _, r := range g.records {
			if !r.removed && r.IsExpired(now) {
				out = append(out, r)
			}
		}
	}
	return out
}

// RefreshesDue returns records whose next refresh query time has passed.
func (c *Cache) RefreshesDue(now time.Time) []*Record {
	var out []*Record
	for _, g := range c.groups {
		for _, r := range g.records {
			if r.Live(now) && r.RefreshDue(now) {
				out = append(out, r)
			}
		}
	}
	return out
}

// NoteRefreshSent advances r's refresh schedule after a query was sent.
func (c *Cache) NoteRefreshSent(r *Record, now time.Time) {
	r.NoteRefreshSent(now, c.jitter())
	c.dirty = true
}

// Remove deletes r. Removing twice is a no-op.
func (c *Cache) Remove(r *Record) {
	if r.removed || r.uncached {
		return
	}
	r.removed = true
	c.count--
	c.dirty = true
	if g := r.group; g != nil {
		g.remove(r)
		if len(g.records) == 0 {
			delete(c.groups, g.Name)
		}
	}
}

// Reclaim frees up to n records nobody is watching, soonest-to-expire
// first. Records with an active question, which may still owe a remove
// notification, are never reclaimed. It returns the number freed.
func (c *Cache) Reclaim(n int) int {
	var candidates []*Record
	for _, g := range c.groups {
		for _, r := range g.records {
			if r.ActiveQuestion.IsZero() {
				candidates = append(candidates, r)
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ExpiresAt().Before(candidates[j].ExpiresAt())
	})
	freed := 0
	for _, r := range candidates {
		if freed >= n {
			break
		}
		c.Remove(r)
		freed++
	}
	if freed > 0 {
		c.log.Debug("reclaimed", zap.Int("records", freed))
	}
	return freed
}

// All returns a snapshot of every stored record.
func (c *Cache) All() []*Record {
	out := make([]*Record, 0, c.count)
	for _, g := range c.groups {
		out = append(out, g.records...)
	}
	return out
}

// NextEvent returns the earliest time the engine must sweep or send a
// refresh query: expiry for watched records, expiry plus SweepGrace for
// unwatched ones, and every pending refresh time. It returns the zero time
// when the cache is empty.
func (c *Cache) NextEvent() time.Time {
	if c.dirty {
		c.nextCheck = time.Time{}
		for _, g := range c.groups {
			for _, r := range g.records {
				c.noteEvent(c.eventTime(r))
			}
		}
		c.dirty = false
	}
	return c.nextCheck
}

func (c *Cache) eventTime(r *Record) time.Time {
	t := r.ExpiresAt()
	if r.ActiveQuestion.IsZero() && !r.purged {
		t = t.Add(SweepGrace)
	}
	if !r.NextRequiredQuery.IsZero() && !r.ActiveQuestion.IsZero() && r.NextRequiredQuery.Before(t) {
		t = r.NextRequiredQuery
	}
	return t
}

func (c *Cache) noteEvent(t time.Time) {
	if c.nextCheck.IsZero() || t.Before(c.nextCheck) {
		c.nextCheck = t
	}
}

// Touch marks the cached schedule stale after an external change to a
// record's question linkage.
func (c *Cache) Touch() { c.dirty = true }

// Verify recounts the stored records and reports an accounting mismatch.
func (c *Cache) Verify() error {
	n := 0
	for name, g := range c.groups {
		if len(g.records) == 0 {
			return fmt.Errorf("cache: empty group %q retained", name)
		}
		for _, r := range g.records {
			if r.removed {
				return fmt.Errorf("cache: removed record %v still linked", r)
			}
			if r.group != g {
				return fmt.Errorf("cache: record %v linked to wrong group", r)
			}
		}
		n += len(g.records)
	}
	if n != c.count {
		return fmt.Errorf("cache: count %d but %d records linked", c.count, n)
	}
	return nil
}
