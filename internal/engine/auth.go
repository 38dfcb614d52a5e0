package engine

import (
	"fmt"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/joshuafuller/mdnscore/internal/arena"
	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/message"
	"github.com/joshuafuller/mdnscore/internal/protocol"
	"github.com/joshuafuller/mdnscore/internal/records"
)

// RecordID identifies a registered authoritative record.
type RecordID struct{ arena.ID }

// Kind is the uniqueness requirement of an authoritative record.
type Kind int

const (
	// KindShared records (PTR) may be asserted by many hosts; they are
	// announced without probing.
	KindShared Kind = iota
	// KindUnique records are probed before use and defended afterwards.
	KindUnique
	// KindKnownUnique records are unique without probing, for names whose
	// uniqueness is already established.
	KindKnownUnique
)

func (k Kind) String() string {
	switch k {
	case KindUnique:
		return "unique"
	case KindKnownUnique:
		return "known-unique"
	}
	return "shared"
}

// State is an authoritative record's position in its lifecycle.
type State int

const (
	StateUnregistered State = iota
	StateProbing
	StateVerified
	StateShared
	StateDeregistering
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateVerified:
		return "verified"
	case StateShared:
		return "shared"
	case StateDeregistering:
		return "deregistering"
	}
	return "unregistered"
}

// Status is reported to a record's owner.
type Status int

const (
	// StatusVerified: probing finished without conflict.
	StatusVerified Status = iota
	// StatusNameConflict: another host owns the name. With Reprobing set
	// the record is probing again; otherwise it has been withdrawn.
	StatusNameConflict
	// StatusMemFree: the record is gone and its ID is no longer valid.
	StatusMemFree
)

func (s Status) String() string {
	switch s {
	case StatusVerified:
		return "verified"
	case StatusNameConflict:
		return "name conflict"
	case StatusMemFree:
		return "freed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// StatusEvent is delivered to an AuthRecord's callback.
type StatusEvent struct {
	Record    RecordID
	Status    Status
	Reprobing bool
}

// StatusFunc receives status events. It runs on the engine's goroutine and
// may call back into e.
type StatusFunc func(e *Engine, ev StatusEvent)

// AuthRecord is a record this host asserts.
type AuthRecord struct {
	RR        dns.RR // copied on registration
	Kind      Kind
	Interface records.InterfaceID

	// DependentOn shares another record's conflict detection: the record is
	// not probed itself and is announced once that record is verified.
	DependentOn RecordID
	// RRSet joins another record's conflict outcome: a conflict on either
	// affects both.
	RRSet RecordID

	Callback StatusFunc
}

type authRecord struct {
	AuthRecord
	id RecordID
	rr dns.RR // owned copy, class without the cache-flush bit

	state      State
	probesLeft int
	nextProbe  time.Time

	announceLeft     int
	nextAnnounce     time.Time
	announceInterval time.Duration
	announced        bool
	reportVerified   bool

	pending map[records.InterfaceID]time.Time
	defense map[records.InterfaceID]bool

	goodbyes       []dns.RR
	shadowOf       RecordID
	localDelivered bool
}

func (r *authRecord) unique() bool { return r.Kind != KindShared }

func (r *authRecord) String() string {
	h := r.rr.Header()
	return fmt.Sprintf("%s %s %s (%s)", h.Name, dns.Type(h.Rrtype), r.state, r.Kind)
}

func (r *authRecord) name() string { return r.rr.Header().Name }

// sameRRSet reports whether o is in r's RRSet (name, type and class).
func (r *authRecord) sameRRSet(o dns.RR) bool {
	a, b := r.rr.Header(), o.Header()
	ca, _ := records.SplitClass(a.Class)
	cb, _ := records.SplitClass(b.Class)
	return a.Rrtype == b.Rrtype && ca == cb && records.SameName(a.Name, b.Name)
}

// RecordInfo is a snapshot of an authoritative record.
type RecordInfo struct {
	RR         dns.RR
	Kind       Kind
	State      State
	ProbesLeft int
	Announced  bool
	ShadowOf   RecordID
}

// RegisterRecord adds rec. Shared records are announced by the next
// Execute; unique records are probed first. A registration identical to a
// live one is kept as a shadow and takes over if the first is deregistered.
func (e *Engine) RegisterRecord(rec AuthRecord) (RecordID, error) {
	if e.closed {
		return RecordID{}, errors.ErrClosed
	}
	if rec.RR == nil {
		return RecordID{}, &errors.ValidationError{Field: "record", Value: nil, Message: "must not be nil"}
	}
	h := rec.RR.Header()
	if err := message.ValidateName(h.Name); err != nil {
		return RecordID{}, err
	}
	if h.Ttl == 0 {
		return RecordID{}, &errors.ValidationError{Field: "ttl", Value: h.Ttl, Message: "must be positive"}
	}
	if records.Ignored(h.Rrtype) || h.Rrtype == dns.TypeANY || h.Rrtype == dns.TypeNone {
		return RecordID{}, &errors.ValidationError{Field: "type", Value: dns.Type(h.Rrtype), Message: "cannot be registered"}
	}
	if records.RData(rec.RR) == nil {
		return RecordID{}, &errors.ValidationError{Field: "rdata", Value: rec.RR, Message: "cannot be encoded"}
	}
	for _, link := range []RecordID{rec.DependentOn, rec.RRSet} {
		if !link.IsZero() && !e.records.Contains(link.ID) {
			return RecordID{}, errors.ErrUnknownRecord
		}
	}

	now := e.clock.Now()
	r := &authRecord{
		AuthRecord: rec,
		rr:         dns.Copy(rec.RR),
		pending:    make(map[records.InterfaceID]time.Time),
		defense:    make(map[records.InterfaceID]bool),
	}
	r.rr.Header().Class, _ = records.SplitClass(h.Class)
	if r.rr.Header().Class == 0 {
		r.rr.Header().Class = dns.ClassINET
	}
	r.rr.Header().Name = dns.Fqdn(h.Name)

	if p := e.findIdentical(r); p != nil {
		r.shadowOf = p.id
		r.state = p.state
		r.id = RecordID{e.records.Insert(r)}
		e.log.Debug("record registered as shadow", zap.Stringer("record", r))
		return r.id, nil
	}

	switch {
	case r.Kind == KindShared:
		r.state = StateShared
		e.startAnnouncing(r, now)
	case r.Kind == KindKnownUnique || !r.DependentOn.IsZero() || !r.RRSet.IsZero():
		r.state = StateVerified
		r.reportVerified = true
		e.startAnnouncing(r, now)
	default:
		r.state = StateProbing
		r.probesLeft = protocol.ProbeCount
		r.nextProbe = now.Add(e.between(0, protocol.ProbeInterval))
	}
	r.id = RecordID{e.records.Insert(r)}
	e.log.Info("record registered", zap.Stringer("record", r))
	return r.id, nil
}

func (e *Engine) findIdentical(r *authRecord) *authRecord {
	for _, id := range e.records.IDs() {
		p, _ := e.records.Get(id)
		if p.shadowOf.IsZero() && p.state != StateDeregistering && p.Interface == r.Interface &&
			p.Kind == r.Kind && records.SameRData(p.rr, r.rr) && records.IdenticalRData(p.rr, r.rr) {
			return p
		}
	}
	return nil
}

func (e *Engine) startAnnouncing(r *authRecord, now time.Time) {
	r.announceLeft = protocol.AnnounceCount
	r.announceInterval = protocol.AnnounceInterval
	r.nextAnnounce = now
}

// DeregisterRecord withdraws a record. An announced record sends a goodbye
// on the next Execute and is then freed; otherwise it is freed at once. In
// both cases the owner receives StatusMemFree.
func (e *Engine) DeregisterRecord(id RecordID) error {
	r, ok := e.records.Get(id.ID)
	if !ok || r.state == StateDeregistering {
		return errors.ErrUnknownRecord
	}
	if !r.shadowOf.IsZero() {
		e.free(r, StatusMemFree)
		return nil
	}
	if heir := promoteShadow(e.records, r); heir != nil {
		r.localDelivered = false
		e.log.Debug("shadow record promoted", zap.Stringer("record", heir))
		e.free(r, StatusMemFree)
		return nil
	}
	if r.announced && r.state != StateProbing {
		r.state = StateDeregistering
		e.log.Info("record deregistering", zap.Stringer("record", r))
		return nil
	}
	e.free(r, StatusMemFree)
	return nil
}

// promoteShadow moves removed's live state to its earliest shadow and points
// any other shadows at it. It returns nil when removed has no shadow.
func promoteShadow(rs *arena.Arena[*authRecord], removed *authRecord) *authRecord {
	var heir *authRecord
	for _, id := range rs.IDs() {
		s, _ := rs.Get(id)
		if s.shadowOf != removed.id {
			continue
		}
		if heir != nil {
			s.shadowOf = heir.id
			continue
		}
		heir = s
		heir.shadowOf = RecordID{}
		heir.state = removed.state
		heir.probesLeft = removed.probesLeft
		heir.nextProbe = removed.nextProbe
		heir.announceLeft = removed.announceLeft
		heir.nextAnnounce = removed.nextAnnounce
		heir.announceInterval = removed.announceInterval
		heir.announced = removed.announced
		heir.pending = removed.pending
		heir.defense = removed.defense
		heir.goodbyes = removed.goodbyes
		heir.localDelivered = removed.localDelivered
	}
	if heir == nil {
		return nil
	}
	for _, id := range rs.IDs() {
		d, _ := rs.Get(id)
		if d.DependentOn == removed.id {
			d.DependentOn = heir.id
		}
		if d.RRSet == removed.id {
			d.RRSet = heir.id
		}
	}
	return heir
}

// UpdateRecord replaces the rdata of a verified or shared record and
// re-announces it. Replaced shared rdata is withdrawn with a goodbye.
func (e *Engine) UpdateRecord(id RecordID, rr dns.RR) error {
	r, ok := e.records.Get(id.ID)
	if !ok || !r.shadowOf.IsZero() || r.state == StateDeregistering {
		return errors.ErrUnknownRecord
	}
	if rr == nil || !r.sameRRSet(rr) {
		return &errors.ValidationError{Field: "record", Value: rr, Message: "must keep name, type and class"}
	}
	if rr.Header().Ttl == 0 {
		return &errors.ValidationError{Field: "ttl", Value: 0, Message: "must be positive"}
	}
	if records.IdenticalRData(r.rr, rr) {
		return nil
	}
	now := e.clock.Now()
	if r.localDelivered {
		e.deliverLocal(r, EventRemove, now)
		r.localDelivered = false
	}
	if r.announced && !r.unique() {
		r.goodbyes = append(r.goodbyes, dns.Copy(r.rr))
	}
	class := r.rr.Header().Class
	r.rr = dns.Copy(rr)
	r.rr.Header().Class = class
	r.rr.Header().Name = dns.Fqdn(r.rr.Header().Name)
	if r.state != StateProbing {
		e.startAnnouncing(r, now)
	}
	e.log.Debug("record updated", zap.Stringer("record", r))
	return nil
}

// RecordInfo returns a snapshot of id.
func (e *Engine) RecordInfo(id RecordID) (RecordInfo, bool) {
	r, ok := e.records.Get(id.ID)
	if !ok {
		return RecordInfo{}, false
	}
	return RecordInfo{
		RR:         dns.Copy(r.rr),
		Kind:       r.Kind,
		State:      r.state,
		ProbesLeft: r.probesLeft,
		Announced:  r.announced,
		ShadowOf:   r.shadowOf,
	}, true
}

// resolveRoot follows shadow, DependentOn and RRSet links to the record
// whose probing decides r's fate.
func (e *Engine) resolveRoot(r *authRecord) *authRecord {
	cur := r
	for hop := 0; hop < 8; hop++ {
		var next RecordID
		switch {
		case !cur.shadowOf.IsZero():
			next = cur.shadowOf
		case !cur.DependentOn.IsZero():
			next = cur.DependentOn
		case !cur.RRSet.IsZero():
			next = cur.RRSet
		default:
			return cur
		}
		n, ok := e.records.Get(next.ID)
		if !ok || n == cur {
			return cur
		}
		cur = n
	}
	return cur
}

// rootReady reports whether r may be announced: its root has finished
// probing.
func (e *Engine) rootReady(r *authRecord) bool {
	root := e.resolveRoot(r)
	return root.state != StateProbing && root.state != StateUnregistered
}

// affected returns every live primary record whose root is root.
func (e *Engine) affected(root *authRecord) []*authRecord {
	var out []*authRecord
	for _, id := range e.records.IDs() {
		r, _ := e.records.Get(id)
		if r.shadowOf.IsZero() && e.resolveRoot(r) == root {
			out = append(out, r)
		}
	}
	return out
}

// noteProbeFailure counts a lost probe or conflict. ProbeFailureLimit
// failures within ProbeFailureWindow hold all probing for
// ProbeSuppressDelay.
func (e *Engine) noteProbeFailure(now time.Time) {
	if now.Sub(e.lastProbeFailure) > protocol.ProbeFailureWindow {
		e.probeFailures = 0
	}
	e.probeFailures++
	e.lastProbeFailure = now
	if e.probeFailures >= protocol.ProbeFailureLimit {
		e.suppressProbesUntil = now.Add(protocol.ProbeSuppressDelay)
		e.probeFailures = 0
		e.metrics.ProbeSuppressed()
		e.log.Warn("too many probe failures, suppressing probes", zap.Time("until", e.suppressProbesUntil))
	}
}

// verify completes probing for r.
func (e *Engine) verify(r *authRecord, now time.Time) {
	r.state = StateVerified
	r.probesLeft = 0
	e.startAnnouncing(r, now)
	e.log.Info("record verified", zap.Stringer("record", r))
	e.notify(r, StatusEvent{Record: r.id, Status: StatusVerified})
}

// reprobe returns a verified unique record to probing after a conflict.
// Records already marked with the extra probe are left alone.
func (e *Engine) reprobe(r *authRecord, now time.Time) bool {
	if r.state == StateProbing && r.probesLeft > protocol.ProbeCount {
		return false
	}
	if r.localDelivered {
		e.deliverLocal(r, EventRemove, now)
		r.localDelivered = false
	}
	r.state = StateProbing
	r.probesLeft = protocol.ProbeCount + 1
	r.nextProbe = now.Add(protocol.ProbeConflictDelay)
	r.announceLeft = 0
	r.announced = false
	clear(r.pending)
	clear(r.defense)
	return true
}

func (e *Engine) notify(r *authRecord, ev StatusEvent) {
	if r.Callback != nil {
		r.Callback(e, ev)
	}
}

// free removes r. Remove events go to local questions it answered; then the
// owner gets status.
func (e *Engine) free(r *authRecord, status Status) {
	if live, ok := e.records.Get(r.id.ID); !ok || live != r {
		return
	}
	if r.shadowOf.IsZero() {
		if status == StatusNameConflict {
			for _, id := range e.records.IDs() {
				if s, ok := e.records.Get(id); ok && s.shadowOf == r.id {
					e.free(s, status)
				}
			}
		} else if promoteShadow(e.records, r) != nil {
			r.localDelivered = false
		}
	}
	e.records.Remove(r.id.ID)
	if r.localDelivered {
		r.localDelivered = false
		e.deliverLocal(r, EventRemove, e.clock.Now())
	}
	e.log.Debug("record freed", zap.Stringer("record", r), zap.Stringer("status", status))
	e.notify(r, StatusEvent{Record: r.id, Status: status})
}

// deliverLocal hands r to every answered primary question it matches.
func (e *Engine) deliverLocal(r *authRecord, ev Event, now time.Time) {
	done := make(map[arena.ID]bool)
	for _, id := range e.questions.IDs() {
		q, ok := e.questions.Get(id)
		if !ok || done[id] || q.isNew || !q.dupOf.IsZero() || q.Target != nil {
			continue
		}
		if !q.Interface.Matches(r.Interface) || !records.AnswersQuestion(r.rr, q.Name, q.Type, q.Class) {
			continue
		}
		e.deliverLocalTo(q, r, ev, now, done)
	}
}

func (e *Engine) deliverLocalTo(q *question, r *authRecord, ev Event, now time.Time, done map[arena.ID]bool) {
	e.deliver(q, ev, answerSource{rr: r.rr, iface: r.Interface, unique: r.unique()}, now, done)
}
