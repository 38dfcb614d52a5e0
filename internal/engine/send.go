package engine

import (
	"net"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/joshuafuller/mdnscore/internal/message"
	"github.com/joshuafuller/mdnscore/internal/protocol"
	"github.com/joshuafuller/mdnscore/internal/records"
)

// sendProbes verifies records whose probes are done and sends due probes,
// one packet per name and interface.
func (e *Engine) sendProbes(now time.Time) {
	if now.Before(e.suppressProbesUntil) {
		return
	}
	type probeKey struct {
		name  string
		iface records.InterfaceID
	}
	groups := make(map[probeKey][]*authRecord)
	var order []probeKey

	for _, id := range e.records.IDs() {
		r, ok := e.records.Get(id)
		if !ok || !r.shadowOf.IsZero() || r.state != StateProbing || now.Before(r.nextProbe) {
			continue
		}
		if r.probesLeft <= 0 {
			e.verify(r, now)
			continue
		}
		k := probeKey{records.CanonicalName(r.name()), r.Interface}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	for _, k := range order {
		var live []*authRecord
		for _, r := range groups[k] {
			if cur, ok := e.records.Get(r.id.ID); ok && cur == r && r.state == StateProbing {
				live = append(live, r)
			}
		}
		if len(live) == 0 {
			continue
		}
		first := false
		for _, r := range live {
			first = first || r.probesLeft >= protocol.ProbeCount
		}
		proposed := e.probeSet(k.name, k.iface)
		for _, iface := range e.sendInterfaces(k.iface) {
			e.sendProbe(live[0].name(), first, proposed, iface)
		}
		for _, r := range live {
			r.probesLeft--
			r.nextProbe = now.Add(protocol.ProbeInterval)
		}
	}
}

// probeMembers returns the records proposed for name on iface: those
// probing and those waiting on a probing root.
func (e *Engine) probeMembers(canon string, iface records.InterfaceID) []*authRecord {
	var out []*authRecord
	for _, id := range e.records.IDs() {
		r, _ := e.records.Get(id)
		if !r.shadowOf.IsZero() || r.Interface != iface || records.CanonicalName(r.name()) != canon {
			continue
		}
		if r.state == StateProbing || (r.unique() && !e.rootReady(r)) {
			out = append(out, r)
		}
	}
	return out
}

func (e *Engine) probeSet(canon string, iface records.InterfaceID) []dns.RR {
	members := e.probeMembers(canon, iface)
	out := make([]dns.RR, 0, len(members))
	for _, r := range members {
		out = append(out, r.rr)
	}
	return out
}

func (e *Engine) sendProbe(name string, unicast bool, proposed []dns.RR, iface records.InterfaceID) {
	b := e.builder
	for _, limit := range []int{protocol.NormalMaxPacket, protocol.AbsoluteMaxPacket} {
		b.Reset(0, false)
		b.SetMax(limit)
		if !b.AddQuestion(message.Question{Name: name, Type: dns.TypeANY, Class: dns.ClassINET, Unicast: unicast}) {
			continue
		}
		fits := true
		for _, rr := range proposed {
			if !b.AddAuthority(rr, false) {
				fits = false
				break
			}
		}
		if !fits {
			continue
		}
		e.flush("probe", iface, nil)
		return
	}
	e.log.Warn("probe does not fit in a packet", zap.String("name", name), zap.Int("records", len(proposed)))
}

// flush packs the builder's packet and sends it.
func (e *Engine) flush(kind string, iface records.InterfaceID, dst net.Addr) {
	if e.builder.Empty() {
		return
	}
	pkt, err := e.builder.Pack()
	if err != nil {
		e.log.Error("pack failed", zap.String("kind", kind), zap.Error(err))
		return
	}
	e.send(kind, pkt, iface, dst)
}

// sendQueries sends every due question, packing as many as fit per packet
// with their known answers, and lets nearly-due questions ride along.
func (e *Engine) sendQueries(now time.Time) {
	var due, accel []*question
	for _, id := range e.questions.IDs() {
		q, _ := e.questions.Get(id)
		if !q.dupOf.IsZero() || q.isNew {
			continue
		}
		switch next := q.nextQuery(); {
		case q.sendNow || !now.Before(next):
			due = append(due, q)
		case q.Target == nil && next.Sub(now) <= q.interval/2:
			accel = append(accel, q)
		}
	}
	if len(due) == 0 {
		return
	}

	var multicast []*question
	for _, q := range due {
		if q.Target != nil {
			e.sendUnicastQuery(q)
			continue
		}
		multicast = append(multicast, q)
	}

	rode := make(map[*question]bool)
	for _, iface := range e.queryInterfaces(multicast) {
		var qs, as []*question
		for _, q := range multicast {
			if e.sendsOn(q, iface) && !q.suppressedOn(iface, now) {
				qs = append(qs, q)
			}
		}
		for _, q := range accel {
			if e.sendsOn(q, iface) && !q.suppressedOn(iface, now) {
				as = append(as, q)
			}
		}
		if len(qs) == 0 {
			continue
		}
		for _, q := range e.buildQueries(iface, qs, as, now) {
			rode[q] = true
		}
	}

	for _, q := range due {
		if q.sendNow && now.Before(q.nextQuery()) {
			q.markRefreshSent(now)
			continue
		}
		q.markSent(now)
	}
	for q := range rode {
		q.markSent(now)
	}
}

func (q *question) suppressedOn(iface records.InterfaceID, now time.Time) bool {
	until, ok := q.suppressed[iface]
	return ok && now.Before(until)
}

// markRefreshSent records a query sent only to refresh a cached answer. The
// question's own schedule is left as it was.
func (q *question) markRefreshSent(now time.Time) {
	q.sendNow = false
	if q.unicastPending {
		q.unicastPending = false
		q.unicastAskedAt = now
	}
}

func (q *question) markSent(now time.Time) {
	if q.sent > 0 {
		q.interval = min(2*q.interval, protocol.MaxQueryInterval)
	}
	q.sent++
	q.lastQTime = now
	q.sendNow = false
	if q.unicastPending {
		q.unicastPending = false
		q.unicastAskedAt = now
	}
}

func (e *Engine) queryInterfaces(qs []*question) []records.InterfaceID {
	seen := make(map[records.InterfaceID]bool)
	var out []records.InterfaceID
	for _, q := range qs {
		for _, iface := range e.sendInterfaces(q.Interface) {
			if !seen[iface] {
				seen[iface] = true
				out = append(out, iface)
			}
		}
	}
	return out
}

func (e *Engine) sendsOn(q *question, iface records.InterfaceID) bool {
	for _, x := range e.sendInterfaces(q.Interface) {
		if x == iface {
			return true
		}
	}
	return false
}

// knownAnswers lists the cached answers to q on iface that still have more
// than a quarter of their lifetime left.
func (e *Engine) knownAnswers(q *question, iface records.InterfaceID, now time.Time) []dns.RR {
	var out []dns.RR
	for _, r := range e.cache.Answers(q.Name, q.Type, q.Class, q.Interface, now) {
		if r.Negative || !r.Live(now) || !iface.Matches(r.Interface) || r.Interface == records.InterfaceUnicast {
			continue
		}
		if r.RemainingFraction(now) <= 0.25 {
			continue
		}
		out = append(out, r.AnswerRR(now))
	}
	return out
}

// buildQueries sends qs on iface. When a known-answer list overflows a
// packet holding other questions, its question moves to the next packet;
// when it overflows for a lone question the packet is truncated and the
// remaining known answers follow in continuation packets. Accelerated
// questions are added to the last packet only if they fit with their known
// answers; the ones that did are returned.
func (e *Engine) buildQueries(iface records.InterfaceID, qs, accel []*question, now time.Time) []*question {
	b := e.builder
	var rode []*question
	for len(qs) > 0 {
		b.Reset(0, false)
		b.SetMax(protocol.NormalMaxPacket)

		placed := 0
		var overflow []dns.RR
		for placed < len(qs) && overflow == nil {
			q := qs[placed]
			mark := b.Mark()
			if !b.AddQuestion(q.message()) {
				break
			}
			if rest := e.addKnownAnswers(q, iface, now); rest != nil {
				if placed > 0 {
					b.Rollback(mark)
					break
				}
				b.Header().Truncated = true
				overflow = rest
			}
			placed++
		}
		if placed == 0 {
			e.log.Warn("question does not fit in a packet", zap.Stringer("question", qs[0]))
			qs = qs[1:]
			continue
		}
		qs = qs[placed:]

		if len(qs) == 0 && overflow == nil {
			for _, q := range accel {
				mark := b.Mark()
				if !b.AddQuestion(q.message()) {
					break
				}
				if rest := e.addKnownAnswers(q, iface, now); rest != nil {
					b.Rollback(mark)
					continue
				}
				rode = append(rode, q)
			}
		}
		e.flush("query", iface, nil)

		for len(overflow) > 0 {
			b.Reset(0, false)
			n := 0
			for n < len(overflow) && b.AddAnswer(overflow[n], false) {
				n++
			}
			if n == 0 {
				e.log.Warn("known answer does not fit in a packet", zap.String("name", overflow[0].Header().Name))
				n = 1
			}
			overflow = overflow[n:]
			b.Header().Truncated = len(overflow) > 0
			e.flush("query", iface, nil)
		}
	}
	return rode
}

// addKnownAnswers adds q's known answers to the packet and returns the ones
// that did not fit, or nil.
func (e *Engine) addKnownAnswers(q *question, iface records.InterfaceID, now time.Time) []dns.RR {
	kas := e.knownAnswers(q, iface, now)
	for i, rr := range kas {
		if e.builder.HasRecord(rr) {
			continue
		}
		if !e.builder.AddAnswer(rr, false) {
			return kas[i:]
		}
	}
	return nil
}

func (e *Engine) sendUnicastQuery(q *question) {
	b := e.builder
	b.Reset(uint16(e.rand()*0xffff), false)
	b.SetMax(protocol.NormalMaxPacket)
	b.Header().RecursionDesired = true
	if !b.AddQuestion(message.Question{Name: q.Name, Type: q.Type, Class: q.Class}) {
		return
	}
	e.flush("unicast-query", q.Interface, q.Target)
}

// sendResponses sends goodbyes, due announcements and due answers on every
// interface, then advances announcement state and frees records whose
// goodbyes went out.
func (e *Engine) sendResponses(now time.Time) {
	announcing := make(map[*authRecord]bool)
	var active []*authRecord
	for _, id := range e.records.IDs() {
		r, _ := e.records.Get(id)
		if !r.shadowOf.IsZero() {
			continue
		}
		active = append(active, r)
		if (r.state == StateVerified || r.state == StateShared) && r.announceLeft > 0 &&
			!now.Before(r.nextAnnounce) && e.rootReady(r) {
			announcing[r] = true
		}
	}
	if len(active) == 0 {
		return
	}

	for _, iface := range e.sendInterfaces(records.InterfaceAny) {
		e.sendResponsesOn(iface, active, announcing, now)
	}

	for _, r := range active {
		if cur, ok := e.records.Get(r.id.ID); !ok || cur != r {
			continue
		}
		r.goodbyes = nil
		if r.state == StateDeregistering {
			e.free(r, StatusMemFree)
			continue
		}
		for iface, t := range r.pending {
			if !now.Before(t) {
				delete(r.pending, iface)
				delete(r.defense, iface)
			}
		}
		if announcing[r] {
			e.announced(r, now)
		}
	}
}

// announced advances r after one of its announcements went out.
func (e *Engine) announced(r *authRecord, now time.Time) {
	r.announceLeft--
	r.nextAnnounce = now.Add(r.announceInterval)
	r.announceInterval *= 2
	if !r.announced {
		r.announced = true
		if r.reportVerified {
			r.reportVerified = false
			e.notify(r, StatusEvent{Record: r.id, Status: StatusVerified})
		}
	}
	if cur, ok := e.records.Get(r.id.ID); ok && cur == r && !r.localDelivered {
		r.localDelivered = true
		e.deliverLocal(r, EventAdd, now)
	}
}

func scopedTo(r *authRecord, iface records.InterfaceID) bool {
	return iface == records.InterfaceAny || r.Interface == records.InterfaceAny || r.Interface == iface
}

// pendingDue reports whether r has a due multicast answer for iface and
// whether it is a probe defense.
func (r *authRecord) pendingDue(iface records.InterfaceID, now time.Time) (due, defense bool) {
	for k, t := range r.pending {
		if (iface == records.InterfaceAny || k == iface || k == records.InterfaceAny) && !now.Before(t) {
			due = true
			defense = defense || r.defense[k]
		}
	}
	return due, defense
}

func (e *Engine) sendResponsesOn(iface records.InterfaceID, active []*authRecord, announcing map[*authRecord]bool, now time.Time) {
	b := e.builder
	b.Reset(0, true)
	b.SetMax(protocol.NormalMaxPacket)
	var sent []dns.RR
	flush := func() {
		e.flush("response", iface, nil)
		for _, rr := range sent {
			e.throttle.RecordMulticast(rr, iface, now)
		}
		sent = sent[:0]
		b.Reset(0, true)
	}
	// add places rrs (one RRSet) in the answer section together, starting
	// a new packet when they do not fit in this one.
	add := func(rrs []dns.RR, cacheFlush bool) bool {
		for attempt := 0; attempt < 2; attempt++ {
			mark := b.Mark()
			fits := true
			for _, rr := range rrs {
				if !b.AddAnswer(rr, cacheFlush) {
					fits = false
					break
				}
			}
			if fits {
				return true
			}
			b.Rollback(mark)
			if b.Empty() {
				break
			}
			flush()
		}
		e.log.Warn("record set does not fit in a packet", zap.String("name", rrs[0].Header().Name))
		return false
	}

	for _, r := range active {
		if !scopedTo(r, iface) {
			continue
		}
		for _, old := range r.goodbyes {
			add([]dns.RR{goodbye(old)}, false)
		}
		if r.state == StateDeregistering && r.announced {
			if add([]dns.RR{goodbye(r.rr)}, false) {
				e.throttle.Forget(r.rr, iface)
			}
		}
	}

	placed := make(map[*authRecord]bool)
	var additionalsFor []*authRecord
	for _, r := range active {
		if !scopedTo(r, iface) || placed[r] || (r.state != StateVerified && r.state != StateShared) {
			continue
		}
		due := announcing[r]
		if !due {
			pending, defense := r.pendingDue(iface, now)
			if pending {
				if defense {
					due = e.throttle.CanMulticastProbeDefense(r.rr, iface, now)
				} else {
					due = e.throttle.CanMulticast(r.rr, iface, now)
				}
			}
		}
		if !due {
			continue
		}
		set := []*authRecord{r}
		if r.unique() {
			set = e.verifiedRRSet(r, iface)
		}
		rrs := make([]dns.RR, 0, len(set))
		for _, m := range set {
			rrs = append(rrs, m.rr)
		}
		if !add(rrs, r.unique()) {
			continue
		}
		for _, m := range set {
			placed[m] = true
		}
		sent = append(sent, rrs...)
		additionalsFor = append(additionalsFor, r)
	}

	for _, r := range additionalsFor {
		for _, rr := range e.additionals(r, iface) {
			if b.HasRecord(rr) {
				continue
			}
			b.AddAdditional(rr, false)
		}
	}
	flush()
}

func goodbye(rr dns.RR) dns.RR {
	c := dns.Copy(rr)
	c.Header().Ttl = 0
	return c
}

// verifiedRRSet returns r and every verified record sharing its name, type
// and class on iface; the cache-flush bit may only go out with all of them.
func (e *Engine) verifiedRRSet(r *authRecord, iface records.InterfaceID) []*authRecord {
	set := []*authRecord{r}
	for _, id := range e.records.IDs() {
		o, _ := e.records.Get(id)
		if o == r || !o.shadowOf.IsZero() || o.state != StateVerified || !scopedTo(o, iface) || !e.rootReady(o) {
			continue
		}
		if r.sameRRSet(o.rr) {
			set = append(set, o)
		}
	}
	return set
}

// additionals returns the records worth attaching to an answer of r: a PTR
// brings its target's SRV and TXT, an SRV its host's addresses.
func (e *Engine) additionals(r *authRecord, iface records.InterfaceID) []dns.RR {
	var out []dns.RR
	var want func(name string, types ...uint16)
	want = func(name string, types ...uint16) {
		for _, id := range e.records.IDs() {
			o, _ := e.records.Get(id)
			if !o.shadowOf.IsZero() || (o.state != StateVerified && o.state != StateShared) ||
				!scopedTo(o, iface) || !e.rootReady(o) || !records.SameName(o.name(), name) {
				continue
			}
			t := o.rr.Header().Rrtype
			for _, w := range types {
				if t != w {
					continue
				}
				out = append(out, o.rr)
				if srv, ok := o.rr.(*dns.SRV); ok {
					want(srv.Target, dns.TypeA, dns.TypeAAAA)
				}
			}
		}
	}
	switch rr := r.rr.(type) {
	case *dns.PTR:
		want(rr.Ptr, dns.TypeSRV, dns.TypeTXT)
	case *dns.SRV:
		want(rr.Target, dns.TypeA, dns.TypeAAAA)
	}
	return out
}
