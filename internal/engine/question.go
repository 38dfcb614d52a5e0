package engine

import (
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/joshuafuller/mdnscore/internal/arena"
	"github.com/joshuafuller/mdnscore/internal/cache"
	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/message"
	"github.com/joshuafuller/mdnscore/internal/protocol"
	"github.com/joshuafuller/mdnscore/internal/records"
)

// QuestionID identifies a started question.
type QuestionID struct{ arena.ID }

// Event says whether an answer appeared or went away.
type Event int

const (
	EventAdd Event = iota
	EventRemove
)

func (ev Event) String() string {
	if ev == EventRemove {
		return "remove"
	}
	return "add"
}

// Answer is delivered to a question's callback.
type Answer struct {
	Question  QuestionID
	Event     Event
	RR        dns.RR // a copy; TTL is the remaining lifetime
	Interface records.InterfaceID
	Unique    bool
	Negative  bool // RR is an empty placeholder: the name has no record of RR's type
	Local     bool // one of this host's own authoritative records
}

// AnswerFunc receives answers. It runs on the engine's goroutine and may
// call back into e.
type AnswerFunc func(e *Engine, a Answer)

// Question is a standing lookup.
type Question struct {
	Name      string
	Type      uint16
	Class     uint16 // defaults to IN
	Interface records.InterfaceID

	// RequestUnicast sets the QU bit on the first query.
	RequestUnicast bool
	// Target sends the queries to a unicast DNS server instead of the
	// multicast group; responses from Target are accepted.
	Target net.Addr
	// LongLived marks a unicast long-lived query.
	LongLived bool
	// ReturnIntermediates delivers CNAMEs as well as following them.
	ReturnIntermediates bool

	Callback AnswerFunc
}

type question struct {
	Question
	id    QuestionID
	canon string
	hash  uint32
	dupOf QuestionID
	isNew bool

	interval       time.Duration
	lastQTime      time.Time
	sent           int
	sendNow        bool
	unicastPending bool
	unicastAskedAt time.Time
	suppressed     map[records.InterfaceID]time.Time

	current   int
	unique    int
	referrals int

	burstStart time.Time
	burstCount int
}

func (q *question) nextQuery() time.Time { return q.lastQTime.Add(q.interval) }

func (q *question) String() string {
	return fmt.Sprintf("%s %s %s", q.Name, dns.Class(q.Class), dns.Type(q.Type))
}

func (q *question) isDuplicateOf(p *question) bool {
	return q.Interface == p.Interface &&
		q.RequestUnicast == p.RequestUnicast &&
		sameAddr(q.Target, p.Target) &&
		q.Type == p.Type &&
		q.Class == p.Class &&
		q.LongLived == p.LongLived &&
		q.hash == p.hash &&
		q.canon == p.canon
}

func (q *question) matches(r *cache.Record) bool {
	if !q.Interface.Matches(r.Interface) {
		return false
	}
	if r.Negative && r.Type() != q.Type {
		return false
	}
	return records.AnswersQuestion(r.RR, q.Name, q.Type, q.Class)
}

func (q *question) message() message.Question {
	return message.Question{Name: q.Name, Type: q.Type, Class: q.Class, Unicast: q.unicastPending}
}

func (q *question) setName(name string) {
	q.Name = dns.Fqdn(name)
	q.canon = records.CanonicalName(name)
	q.hash = records.NameHash(name)
}

// QuestionInfo is a snapshot of a question's scheduling state.
type QuestionInfo struct {
	DuplicateOf    QuestionID
	New            bool
	Interval       time.Duration
	LastQuery      time.Time
	NextQuery      time.Time // for a duplicate, its primary's schedule
	CurrentAnswers int
	UniqueAnswers  int
	Referrals      int
	Name           string
}

// StartQuestion registers q. It is answered from the cache by the next
// Execute, which also sends its first query unless a unique answer was
// already cached. A question identical to an earlier one becomes its
// duplicate: it never transmits and receives the earlier one's answers.
func (e *Engine) StartQuestion(q Question) (QuestionID, error) {
	if e.closed {
		return QuestionID{}, errors.ErrClosed
	}
	if err := message.ValidateName(q.Name); err != nil {
		return QuestionID{}, err
	}
	if q.Type == 0 {
		return QuestionID{}, &errors.ValidationError{Field: "type", Value: q.Type, Message: "must be set"}
	}
	if q.Callback == nil {
		return QuestionID{}, &errors.ValidationError{Field: "callback", Value: nil, Message: "must not be nil"}
	}
	if q.Class == 0 {
		q.Class = dns.ClassINET
	}

	nq := &question{
		Question:       q,
		isNew:          true,
		interval:       protocol.InitialQueryInterval,
		unicastPending: q.RequestUnicast,
		suppressed:     make(map[records.InterfaceID]time.Time),
	}
	nq.setName(q.Name)
	for _, id := range e.questions.IDs() {
		p, _ := e.questions.Get(id)
		if p.dupOf.IsZero() && nq.isDuplicateOf(p) {
			nq.dupOf = p.id
			break
		}
	}
	nq.id = QuestionID{e.questions.Insert(nq)}

	e.log.Debug("question started", zap.Stringer("question", nq), zap.Bool("duplicate", !nq.dupOf.IsZero()))
	return nq.id, nil
}

// StopQuestion unregisters a question. Cache records it was refreshing are
// handed to another matching question, and its earliest duplicate takes
// over its schedule.
func (e *Engine) StopQuestion(id QuestionID) error {
	q, ok := e.questions.Get(id.ID)
	if !ok {
		return errors.ErrUnknownQuestion
	}
	e.questions.Remove(id.ID)

	var heir QuestionID
	if q.dupOf.IsZero() {
		heir = promoteDuplicate(e.questions, q)
	}
	e.rehome(id, heir)
	e.log.Debug("question stopped", zap.Stringer("question", q))
	return nil
}

// promoteDuplicate makes the earliest duplicate of removed the new primary,
// transferring removed's schedule and negotiation state, and points the
// other duplicates at it. It returns the zero ID when removed had none.
func promoteDuplicate(qs *arena.Arena[*question], removed *question) QuestionID {
	var heir *question
	for _, id := range qs.IDs() {
		d, _ := qs.Get(id)
		if d.dupOf != removed.id {
			continue
		}
		if heir != nil {
			d.dupOf = heir.id
			continue
		}
		heir = d
		heir.dupOf = QuestionID{}
		heir.interval = removed.interval
		heir.lastQTime = removed.lastQTime
		heir.sent = removed.sent
		heir.sendNow = removed.sendNow
		heir.unicastPending = removed.unicastPending
		heir.unicastAskedAt = removed.unicastAskedAt
		heir.suppressed = removed.suppressed
		heir.burstStart = removed.burstStart
		heir.burstCount = removed.burstCount
	}
	if heir == nil {
		return QuestionID{}
	}
	return heir.id
}

// rehome points every cache record refreshed by old at heir, or at another
// matching primary question, or at nothing.
func (e *Engine) rehome(old, heir QuestionID) {
	for _, r := range e.cache.All() {
		if r.ActiveQuestion != old.ID {
			continue
		}
		r.ActiveQuestion = arena.ID{}
		if h, ok := e.questions.Get(heir.ID); ok && h.matches(r) {
			r.ActiveQuestion = heir.ID
			continue
		}
		for _, id := range e.questions.IDs() {
			q, _ := e.questions.Get(id)
			if q.dupOf.IsZero() && !q.isNew && q.matches(r) {
				r.ActiveQuestion = id
				break
			}
		}
	}
	e.cache.Touch()
}

// QuestionInfo returns a snapshot of id's state.
func (e *Engine) QuestionInfo(id QuestionID) (QuestionInfo, bool) {
	q, ok := e.questions.Get(id.ID)
	if !ok {
		return QuestionInfo{}, false
	}
	info := QuestionInfo{
		DuplicateOf:    q.dupOf,
		New:            q.isNew,
		Interval:       q.interval,
		LastQuery:      q.lastQTime,
		NextQuery:      q.nextQuery(),
		CurrentAnswers: q.current,
		UniqueAnswers:  q.unique,
		Referrals:      q.referrals,
		Name:           q.Name,
	}
	if p, ok := e.questions.Get(q.dupOf.ID); ok {
		info.Interval = p.interval
		info.LastQuery = p.lastQTime
		info.NextQuery = p.nextQuery()
	}
	return info, true
}

// answerSource is one answer about to be delivered, from the cache or from
// a local authoritative record.
type answerSource struct {
	rr       dns.RR
	iface    records.InterfaceID
	unique   bool
	negative bool
	rec      *cache.Record // nil for local records
}

func cacheSource(r *cache.Record, now time.Time) answerSource {
	return answerSource{rr: r.AnswerRR(now), iface: r.Interface, unique: r.Unique, negative: r.Negative, rec: r}
}

func isReferral(rr dns.RR, q *question) bool {
	t := rr.Header().Rrtype
	return t == dns.TypeCNAME && q.Type != dns.TypeCNAME && q.Type != dns.TypeANY
}

// deliver hands src to q and, when q is a primary, to its answered
// duplicates. A CNAME answering a primary restarts it on the CNAME target.
// Questions already in done are skipped and every recipient is added to it,
// so a duplicate promoted by a callback does not receive src twice. done
// may be nil for a single delivery.
func (e *Engine) deliver(q *question, ev Event, src answerSource, now time.Time, done map[arena.ID]bool) {
	targets := []QuestionID{q.id}
	if q.dupOf.IsZero() {
		for _, id := range e.questions.IDs() {
			d, _ := e.questions.Get(id)
			if d.dupOf == q.id && !d.isNew {
				targets = append(targets, d.id)
			}
		}
	}

	for _, id := range targets {
		t, ok := e.questions.Get(id.ID)
		if !ok || done[id.ID] {
			continue
		}
		if done != nil {
			done[id.ID] = true
		}
		if ev == EventAdd && src.rec != nil && src.rec.ActiveQuestion.IsZero() && !src.rec.Uncached() {
			primary := t.id
			if !t.dupOf.IsZero() {
				primary = t.dupOf
			}
			src.rec.ActiveQuestion = primary.ID
			e.cache.Touch()
		}
		if isReferral(src.rr, t) && !t.ReturnIntermediates {
			continue
		}
		t.count(ev, src.unique)
		if ev == EventAdd && src.rec != nil && t.dupOf.IsZero() {
			t.noteAnswer(now)
		}
		t.Callback(e, Answer{
			Question:  t.id,
			Event:     ev,
			RR:        dnsCopy(src.rr, ev),
			Interface: src.iface,
			Unique:    src.unique,
			Negative:  src.negative,
			Local:     src.rec == nil,
		})
	}

	cname, ok := src.rr.(*dns.CNAME)
	if ev == EventAdd && ok && isReferral(src.rr, q) && q.dupOf.IsZero() {
		if live, ok := e.questions.Get(q.id.ID); ok && live == q {
			e.followCNAME(q, cname.Target)
		}
	}
}

func dnsCopy(rr dns.RR, ev Event) dns.RR {
	c := dns.Copy(rr)
	if ev == EventRemove {
		c.Header().Ttl = 0
	}
	return c
}

func (q *question) count(ev Event, unique bool) {
	d := 1
	if ev == EventRemove {
		d = -1
	}
	q.current = max(q.current+d, 0)
	if unique {
		q.unique = max(q.unique+d, 0)
	}
}

// noteAnswer implements the burst rule: BurstAnswerCount answers within
// BurstWindow, once the schedule has backed off past QueryIntervalStep3,
// resets it to the initial rate.
func (q *question) noteAnswer(now time.Time) {
	if now.Sub(q.burstStart) > protocol.BurstWindow {
		q.burstStart = now
		q.burstCount = 0
	}
	q.burstCount++
	if q.burstCount >= protocol.BurstAnswerCount && q.interval > protocol.QueryIntervalStep3 {
		q.interval = protocol.InitialQueryInterval
		q.lastQTime = now
		q.sent = 1
		q.burstCount = 0
	}
}

// followCNAME restarts q and its duplicates on target.
func (e *Engine) followCNAME(q *question, target string) {
	if q.referrals >= protocol.MaxCNAMEReferrals {
		e.log.Warn("CNAME referral limit reached", zap.Stringer("question", q), zap.String("target", target))
		return
	}
	group := []*question{q}
	for _, id := range e.questions.IDs() {
		if d, _ := e.questions.Get(id); d.dupOf == q.id {
			group = append(group, d)
		}
	}
	for _, t := range group {
		t.setName(target)
		t.referrals++
		t.isNew = true
		t.current, t.unique = 0, 0
	}
	q.interval = protocol.InitialQueryInterval
	q.lastQTime = time.Time{}
	q.sent = 0
	e.rehome(q.id, QuestionID{})
	e.log.Debug("following CNAME", zap.Stringer("question", q), zap.Int("referrals", q.referrals))
}

// deliverToMatching delivers ev for r to every answered primary question it
// matches (and through them to their duplicates).
func (e *Engine) deliverToMatching(r *cache.Record, ev Event, now time.Time) {
	src := cacheSource(r, now)
	done := make(map[arena.ID]bool)
	for _, id := range e.questions.IDs() {
		q, ok := e.questions.Get(id)
		if ev == EventAdd && r.Removed() {
			return
		}
		if !ok || done[id] || q.isNew || !q.dupOf.IsZero() || !q.matches(r) {
			continue
		}
		e.deliver(q, ev, src, now, done)
	}
}

// answerNewQuestions is Execute step 2. A CNAME can restart a question, so
// passes repeat until no question is new, bounded by the referral limit.
func (e *Engine) answerNewQuestions(now time.Time) {
	for pass := 0; pass <= protocol.MaxCNAMEReferrals+1; pass++ {
		progressed := false
		for _, id := range e.questions.IDs() {
			q, ok := e.questions.Get(id)
			if !ok || !q.isNew {
				continue
			}
			progressed = true
			q.isNew = false
			e.answerFromCache(q, now)

			if live, ok := e.questions.Get(id); !ok || live != q || q.isNew || !q.dupOf.IsZero() {
				continue
			}
			if q.lastQTime.IsZero() {
				if q.unique > 0 {
					q.lastQTime = now
				} else {
					q.lastQTime = now.Add(-q.interval)
				}
			}
		}
		if !progressed {
			return
		}
	}
}

func (e *Engine) answerFromCache(q *question, now time.Time) {
	for _, r := range e.cache.Answers(q.Name, q.Type, q.Class, q.Interface, now) {
		if live, ok := e.questions.Get(q.id.ID); !ok || live != q || q.isNew {
			return
		}
		if r.Removed() || !r.Live(now) {
			continue
		}
		e.deliver(q, EventAdd, cacheSource(r, now), now, nil)
	}
	if q.Target != nil {
		return
	}
	for _, id := range e.records.IDs() {
		if live, ok := e.questions.Get(q.id.ID); !ok || live != q || q.isNew {
			return
		}
		r, ok := e.records.Get(id)
		if !ok || !r.localDelivered || !q.Interface.Matches(r.Interface) ||
			!records.AnswersQuestion(r.rr, q.Name, q.Type, q.Class) {
			continue
		}
		e.deliverLocalTo(q, r, EventAdd, now, nil)
	}
}

func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ua, okA := a.(*net.UDPAddr)
	ub, okB := b.(*net.UDPAddr)
	if okA && okB {
		return ua.IP.Equal(ub.IP) && ua.Port == ub.Port
	}
	return a.Network() == b.Network() && a.String() == b.String()
}
