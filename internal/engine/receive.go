package engine

import (
	"net"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/joshuafuller/mdnscore/internal/arena"
	"github.com/joshuafuller/mdnscore/internal/cache"
	"github.com/joshuafuller/mdnscore/internal/message"
	"github.com/joshuafuller/mdnscore/internal/protocol"
	"github.com/joshuafuller/mdnscore/internal/records"
)

// ReceivePacket processes one inbound packet. src is the sender, dst the
// address the packet was sent to (the multicast group, a unicast address,
// or nil when unknown) and iface the interface it arrived on.
//
// A packet that fails to decode part-way is processed up to the first bad
// entry.
func (e *Engine) ReceivePacket(pkt []byte, src, dst net.Addr, iface records.InterfaceID) {
	if e.closed {
		return
	}
	now := e.clock.Now()
	msg, err := message.Parse(pkt)
	if err != nil {
		e.metrics.Malformed()
		e.log.Debug("malformed packet", zap.String("src", addrString(src)), zap.Int("size", len(pkt)), zap.Error(err))
		if msg == nil {
			return
		}
	}
	e.metrics.Received(msg.Kind.String())

	switch msg.Kind {
	case message.KindQuery:
		e.handleQuery(msg, src, iface, now)
	case message.KindResponse:
		e.handleResponse(msg, src, dst, iface, now)
	default:
		e.log.Debug("ignoring packet", zap.Stringer("kind", msg.Kind), zap.String("src", addrString(src)))
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return "<nil>"
	}
	return a.String()
}

func udpPort(a net.Addr) int {
	if u, ok := a.(*net.UDPAddr); ok {
		return u.Port
	}
	return protocol.Port
}

func isUnicastDst(a net.Addr) bool {
	u, ok := a.(*net.UDPAddr)
	return ok && u.IP != nil && !u.IP.IsMulticast()
}

// answering reports whether r may answer queries.
func (e *Engine) answering(r *authRecord) bool {
	return r.shadowOf.IsZero() && (r.state == StateVerified || r.state == StateShared) && e.rootReady(r)
}

func (e *Engine) handleQuery(msg *message.Message, src net.Addr, iface records.InterfaceID, now time.Time) {
	e.resolveProbeConflicts(msg, iface, now)
	e.applyKnownAnswers(msg, iface, now)
	e.noteForeignQuestions(msg, iface, now)

	legacy := udpPort(src) != protocol.Port
	probe := len(msg.Authority) > 0

	var unicast []*authRecord
	seen := make(map[*authRecord]bool)
	for _, q := range msg.Questions {
		for _, id := range e.records.IDs() {
			r, _ := e.records.Get(id)
			if seen[r] || !e.answering(r) || !scopedTo(r, iface) ||
				!records.AnswersQuestion(r.rr, q.Name, q.Type, q.Class) {
				continue
			}
			if !legacy && knownAnswer(msg, r.rr) {
				continue
			}
			seen[r] = true

			switch {
			case legacy:
				unicast = append(unicast, r)
			case q.Unicast && e.recentlyMulticast(r, iface, now):
				unicast = append(unicast, r)
			default:
				e.schedule(r, iface, now, msg.Header.Truncated, probe && r.unique())
			}
		}
	}
	if len(unicast) == 0 {
		return
	}
	if legacy {
		e.sendLegacyReply(msg, unicast, src, iface)
		return
	}
	e.sendUnicastReply(unicast, src, iface)
}

// recentlyMulticast reports whether r went out on iface within the last
// quarter of its TTL, so a unicast reply to a QU question suffices.
func (e *Engine) recentlyMulticast(r *authRecord, iface records.InterfaceID, now time.Time) bool {
	last, ok := e.throttle.LastMulticast(r.rr, iface)
	if !ok {
		return false
	}
	quarter := time.Duration(r.rr.Header().Ttl) * time.Second / 4
	return now.Sub(last) < quarter
}

// schedule arranges a multicast answer of r on iface. Unique records and
// probe defenses go out at once; shared records after a random delay, a
// longer one when the query's known answers are continued in more packets.
func (e *Engine) schedule(r *authRecord, iface records.InterfaceID, now time.Time, truncated, defense bool) {
	var at time.Time
	switch {
	case defense || r.unique():
		at = now
	case truncated:
		at = now.Add(e.between(400*time.Millisecond, 500*time.Millisecond))
	default:
		at = now.Add(e.between(protocol.SharedResponseDelayMin, protocol.SharedResponseDelayMax))
	}
	if cur, ok := r.pending[iface]; !ok || at.Before(cur) {
		r.pending[iface] = at
	}
	if defense {
		r.defense[iface] = true
	}
}

// knownAnswer reports whether the query already lists rr with at least half
// its TTL remaining.
func knownAnswer(msg *message.Message, rr dns.RR) bool {
	for _, ka := range msg.Answers {
		if records.SameRData(ka.RR, rr) && ka.RR.Header().Ttl >= rr.Header().Ttl/2 {
			return true
		}
	}
	return false
}

// applyKnownAnswers cancels pending shared answers the querier already has.
func (e *Engine) applyKnownAnswers(msg *message.Message, iface records.InterfaceID, now time.Time) {
	if len(msg.Answers) == 0 {
		return
	}
	for _, id := range e.records.IDs() {
		r, _ := e.records.Get(id)
		if _, ok := r.pending[iface]; !ok || r.defense[iface] {
			continue
		}
		if knownAnswer(msg, r.rr) {
			delete(r.pending, iface)
		}
	}
}

// noteForeignQuestions suppresses our own questions when another host has
// just asked the same thing and already knows every answer we know.
func (e *Engine) noteForeignQuestions(msg *message.Message, iface records.InterfaceID, now time.Time) {
	for _, fq := range msg.Questions {
		if fq.Unicast {
			continue
		}
		for _, id := range e.questions.IDs() {
			q, _ := e.questions.Get(id)
			if !q.dupOf.IsZero() || q.isNew || q.Target != nil || !q.Interface.Matches(iface) ||
				q.Type != fq.Type || q.Class != fq.Class || !records.SameName(q.Name, fq.Name) {
				continue
			}
			covered := true
			for _, ka := range e.knownAnswers(q, iface, now) {
				if !knownAnswer(msg, ka) {
					covered = false
					break
				}
			}
			if covered {
				q.suppressed[iface] = now.Add(q.interval / 2)
				e.log.Debug("question suppressed by foreign query", zap.Stringer("question", q), zap.Int("interface", int(iface)))
			}
		}
	}
}

// resolveProbeConflicts runs the simultaneous-probe tie-break for every name
// the query proposes that we are also probing.
func (e *Engine) resolveProbeConflicts(msg *message.Message, iface records.InterfaceID, now time.Time) {
	theirs := make(map[string][]dns.RR)
	var names []string
	for _, rec := range msg.Authority {
		canon := records.CanonicalName(rec.RR.Header().Name)
		if _, ok := theirs[canon]; !ok {
			names = append(names, canon)
		}
		theirs[canon] = append(theirs[canon], rec.RR)
	}
	for _, canon := range names {
		for _, scope := range probeScopes(iface) {
			e.tieBreak(canon, scope, theirs[canon], now)
		}
	}
}

// probeScopes lists the record scopes whose probes a query received on
// iface competes with.
func probeScopes(iface records.InterfaceID) []records.InterfaceID {
	if iface == records.InterfaceAny {
		return []records.InterfaceID{records.InterfaceAny}
	}
	return []records.InterfaceID{records.InterfaceAny, iface}
}

// tieBreak compares the set we propose for canon on scope with theirs, the
// same set our own probes carry. On losing, every probing member restarts
// one second later; members waiting on a root follow it.
func (e *Engine) tieBreak(canon string, scope records.InterfaceID, theirs []dns.RR, now time.Time) {
	members := e.probeMembers(canon, scope)
	var probing []*authRecord
	ours := make([]dns.RR, 0, len(members))
	for _, r := range members {
		ours = append(ours, r.rr)
		if r.state == StateProbing {
			probing = append(probing, r)
		}
	}
	if len(probing) == 0 {
		return
	}
	if c := records.TieBreakSets(ours, theirs); c >= 0 {
		return
	}
	for _, r := range probing {
		r.probesLeft = protocol.ProbeCount + 1
		r.nextProbe = now.Add(protocol.ProbeConflictDelay)
	}
	e.noteProbeFailure(now)
	e.metrics.Conflict("probe")
	e.log.Info("lost probe tie-break, deferring", zap.String("name", canon), zap.Int("records", len(members)))
}

func (e *Engine) sendUnicastReply(rs []*authRecord, dst net.Addr, iface records.InterfaceID) {
	b := e.builder
	b.Reset(0, true)
	b.SetMax(protocol.NormalMaxPacket)
	for _, r := range rs {
		set := []*authRecord{r}
		if r.unique() {
			set = e.verifiedRRSet(r, iface)
		}
		mark := b.Mark()
		for _, m := range set {
			if b.HasRecord(m.rr) {
				continue
			}
			if !b.AddAnswer(m.rr, m.unique()) {
				b.Rollback(mark)
				break
			}
		}
	}
	e.flush("unicast-response", iface, dst)
}

// sendLegacyReply answers a query from a port other than 5353 the way a
// unicast DNS server would: same ID, questions echoed, TTLs capped and no
// cache-flush bits.
func (e *Engine) sendLegacyReply(msg *message.Message, rs []*authRecord, dst net.Addr, iface records.InterfaceID) {
	b := e.builder
	b.Reset(msg.Header.Id, true)
	b.SetMax(protocol.NormalMaxPacket)
	for _, q := range msg.Questions {
		q.Unicast = false
		b.AddQuestion(q)
	}
	for _, r := range rs {
		rr := dns.Copy(r.rr)
		rr.Header().Ttl = min(rr.Header().Ttl, protocol.TTLLegacyMax)
		if !b.AddAnswer(rr, false) {
			b.Header().Truncated = true
			break
		}
	}
	e.flush("legacy-response", iface, dst)
}

func (e *Engine) handleResponse(msg *message.Message, src, dst net.Addr, iface records.InterfaceID, now time.Time) {
	origin := iface
	if udpPort(src) != protocol.Port {
		if !e.askedUnicastServer(src) {
			e.metrics.Dropped()
			e.log.Debug("dropping response from non-mDNS port", zap.String("src", addrString(src)))
			return
		}
		origin = records.InterfaceUnicast
	} else if isUnicastDst(dst) && !e.solicitedUnicast(msg, now) {
		e.metrics.Dropped()
		e.log.Debug("dropping unsolicited unicast response", zap.String("src", addrString(src)))
		return
	}

	if origin != records.InterfaceUnicast {
		e.detectConflicts(msg, iface, now)
		e.suppressDuplicateAnswers(msg, iface)
	}
	e.admit(msg, origin, now)
}

func (e *Engine) askedUnicastServer(src net.Addr) bool {
	for _, id := range e.questions.IDs() {
		if q, _ := e.questions.Get(id); q.Target != nil && sameAddr(q.Target, src) {
			return true
		}
	}
	return false
}

// solicitedUnicast reports whether a unicast response answers a question
// that requested a unicast reply within the response window.
func (e *Engine) solicitedUnicast(msg *message.Message, now time.Time) bool {
	for _, id := range e.questions.IDs() {
		q, _ := e.questions.Get(id)
		if q.unicastAskedAt.IsZero() || now.Sub(q.unicastAskedAt) > protocol.UnicastResponseWindow {
			continue
		}
		for _, rec := range msg.Records() {
			if records.AnswersQuestion(rec.RR, q.Name, q.Type, q.Class) {
				return true
			}
		}
	}
	return false
}

// detectConflicts compares every record in a response with our unique
// records. A conflict with a probing record withdraws it; a conflict with a
// verified record sends its whole group back to probing.
func (e *Engine) detectConflicts(msg *message.Message, iface records.InterfaceID, now time.Time) {
	roots := make(map[*authRecord]bool)
	var order []*authRecord
	for _, rec := range msg.Records() {
		if rec.RR.Header().Ttl == 0 {
			continue
		}
		var mine []*authRecord
		identical := false
		for _, id := range e.records.IDs() {
			r, _ := e.records.Get(id)
			if !r.shadowOf.IsZero() || !r.unique() || !scopedTo(r, iface) || !r.sameRRSet(rec.RR) {
				continue
			}
			if records.IdenticalRData(r.rr, rec.RR) {
				identical = true
				break
			}
			mine = append(mine, r)
		}
		if identical {
			continue
		}
		for _, r := range mine {
			root := e.resolveRoot(r)
			if !roots[root] {
				roots[root] = true
				order = append(order, root)
			}
		}
	}

	for _, root := range order {
		if cur, ok := e.records.Get(root.id.ID); !ok || cur != root {
			continue
		}
		if root.state == StateProbing {
			if root.probesLeft > protocol.ProbeCount {
				continue
			}
			e.metrics.Conflict("response")
			e.log.Warn("name conflict while probing", zap.Stringer("record", root))
			for _, r := range e.affected(root) {
				e.free(r, StatusNameConflict)
			}
			continue
		}
		e.lateConflict(root, now)
	}
}

func (e *Engine) lateConflict(root *authRecord, now time.Time) {
	var reprobed []*authRecord
	for _, r := range e.affected(root) {
		if r.unique() && e.reprobe(r, now) {
			reprobed = append(reprobed, r)
		}
	}
	if len(reprobed) == 0 {
		return
	}
	e.noteProbeFailure(now)
	e.metrics.Conflict("late")
	e.log.Warn("late name conflict, probing again", zap.Stringer("record", root), zap.Int("records", len(reprobed)))
	for _, r := range reprobed {
		if cur, ok := e.records.Get(r.id.ID); ok && cur == r {
			e.notify(r, StatusEvent{Record: r.id, Status: StatusNameConflict, Reprobing: true})
		}
	}
}

// suppressDuplicateAnswers cancels pending shared answers another host has
// just given with at least half our TTL.
func (e *Engine) suppressDuplicateAnswers(msg *message.Message, iface records.InterfaceID) {
	for _, id := range e.records.IDs() {
		r, _ := e.records.Get(id)
		if r.unique() || r.defense[iface] {
			continue
		}
		if _, ok := r.pending[iface]; !ok {
			continue
		}
		for _, rec := range msg.Answers {
			if records.SameRData(rec.RR, r.rr) && rec.RR.Header().Ttl >= r.rr.Header().Ttl/2 {
				delete(r.pending, iface)
				break
			}
		}
	}
}

// admit hands a response's records to the cache and delivers the resulting
// changes. Cache-flush sets are harmonised after the whole packet so that
// every member it carries counts as fresh.
func (e *Engine) admit(msg *message.Message, origin records.InterfaceID, now time.Time) {
	e.seq++
	seq := e.seq
	var flushes []*cache.Record
	flushed := make(map[string]bool)

	for _, rec := range msg.Records() {
		if nsec, ok := rec.RR.(*dns.NSEC); ok {
			e.admitNSEC(nsec, origin, now, seq)
			continue
		}
		e.retireCaseVariant(rec.RR, origin, now)
		r, change := e.cache.Upsert(cache.Incoming{RR: rec.RR, Unique: rec.CacheFlush, Interface: origin}, now, seq)
		if r == nil {
			continue
		}
		switch change {
		case cache.ChangeAdded, cache.ChangeUncached:
			e.deliverToMatching(r, EventAdd, now)
		case cache.ChangePromoted:
			e.notePromoted(r)
		}
		if rec.CacheFlush && rec.RR.Header().Ttl > 0 && !r.Uncached() {
			h := rec.RR.Header()
			key := records.CanonicalName(h.Name) + "/" + dns.Type(h.Rrtype).String() + "/" + dns.Class(h.Class).String()
			if !flushed[key] {
				flushed[key] = true
				flushes = append(flushes, r)
			}
		}
	}
	for _, r := range flushes {
		if !r.Removed() {
			e.cache.FlushRRSet(r, seq, now)
		}
	}
}

// retireCaseVariant removes cached records that differ from rr only in the
// case of their rdata, delivering the removal before rr's addition.
func (e *Engine) retireCaseVariant(rr dns.RR, origin records.InterfaceID, now time.Time) {
	g := e.cache.Group(rr.Header().Name)
	if g == nil || rr.Header().Ttl == 0 {
		return
	}
	for _, r := range g.Records() {
		if r.Removed() || r.Purged() || r.Negative || r.Interface != origin ||
			!records.SameRData(r.RR, rr) || records.IdenticalRData(r.RR, rr) {
			continue
		}
		if !r.ActiveQuestion.IsZero() {
			e.deliverToMatching(r, EventRemove, now)
			r.ActiveQuestion = arena.ID{}
		}
		e.cache.Purge(r, now)
	}
}

// admitNSEC caches a negative entry for every type a matching question asks
// for that the NSEC record says does not exist.
func (e *Engine) admitNSEC(nsec *dns.NSEC, origin records.InterfaceID, now time.Time, seq uint64) {
	done := make(map[uint16]bool)
	for _, id := range e.questions.IDs() {
		q, ok := e.questions.Get(id)
		if !ok || q.Type == dns.TypeANY || done[q.Type] || !q.Interface.Matches(origin) ||
			!records.SameName(q.Name, nsec.Hdr.Name) {
			continue
		}
		if hasType(nsec.TypeBitMap, q.Type) {
			continue
		}
		done[q.Type] = true
		r, change := e.cache.Negative(nsec.Hdr.Name, q.Type, nsec.Hdr.Class, nsec.Hdr.Ttl, origin, now, seq)
		if r != nil && (change == cache.ChangeAdded || change == cache.ChangeUncached) {
			e.deliverToMatching(r, EventAdd, now)
		}
	}
}

func hasType(bitmap []uint16, t uint16) bool {
	for _, x := range bitmap {
		if x == t {
			return true
		}
	}
	return false
}

// notePromoted counts a record that has just become unique towards every
// question it answers.
func (e *Engine) notePromoted(r *cache.Record) {
	for _, id := range e.questions.IDs() {
		q, _ := e.questions.Get(id)
		if !q.isNew && q.matches(r) {
			q.unique++
		}
	}
}
