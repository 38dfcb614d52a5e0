// Package engine implements the Multicast DNS protocol core: the question
// registry with query scheduling and answer delivery, the authoritative
// record state machine (probe, announce, defend, goodbye) and the packet
// scheduler tying both to the record cache.
//
// An Engine is a single-threaded state machine. It never blocks and never
// starts goroutines; the owner feeds it packets with ReceivePacket, calls
// Execute whenever the time it last returned arrives, and serialises every
// call. Callbacks run synchronously inside those calls and may re-enter the
// Engine, including to stop the question or deregister the record they are
// being told about.
package engine

import (
	"math/rand"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/joshuafuller/mdnscore/internal/arena"
	"github.com/joshuafuller/mdnscore/internal/cache"
	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/message"
	"github.com/joshuafuller/mdnscore/internal/metrics"
	"github.com/joshuafuller/mdnscore/internal/protocol"
	"github.com/joshuafuller/mdnscore/internal/records"
)

// Sender transmits packets for the engine. A nil dst means the mDNS
// multicast group on iface; otherwise dst is a unicast destination. pkt is
// only valid for the duration of the call.
type Sender interface {
	Send(pkt []byte, iface records.InterfaceID, dst net.Addr) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(pkt []byte, iface records.InterfaceID, dst net.Addr) error

// Send calls f.
func (f SenderFunc) Send(pkt []byte, iface records.InterfaceID, dst net.Addr) error {
	return f(pkt, iface, dst)
}

// LeaseRefresher is the hook for unicast long-lived-query leases. Execute
// calls RefreshLeases when the time it last returned has passed.
type LeaseRefresher interface {
	RefreshLeases(now time.Time) (next time.Time)
}

// Engine is the protocol core. Create it with New.
type Engine struct {
	clock    clock.Clock
	log      *zap.Logger
	sender   Sender
	lease    LeaseRefresher
	leaseDue time.Time
	metrics  *metrics.Metrics
	rand     func() float64
	maxCache int

	cache     *cache.Cache
	questions *arena.Arena[*question]
	records   *arena.Arena[*authRecord]
	throttle  *records.RecordSet
	builder   *message.Builder
	ifaces    []records.InterfaceID
	seq       uint64

	probeFailures       int
	lastProbeFailure    time.Time
	suppressProbesUntil time.Time

	closed bool
}

// Option configures an Engine.
type Option func(*Engine) error

// WithClock sets the clock. Tests use clock.NewMock().
func WithClock(c clock.Clock) Option {
	return func(e *Engine) error {
		e.clock = c
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) error {
		if l == nil {
			return &errors.ValidationError{Field: "logger", Value: nil, Message: "must not be nil"}
		}
		e.log = l.Named("engine")
		return nil
	}
}

// WithSender sets where outbound packets go. Without one, packets are built
// and discarded.
func WithSender(s Sender) Option {
	return func(e *Engine) error {
		e.sender = s
		return nil
	}
}

// WithLeaseRefresher installs the unicast lease hook.
func WithLeaseRefresher(l LeaseRefresher) Option {
	return func(e *Engine) error {
		e.lease = l
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithRand replaces the random source used for response delays, probe
// start jitter and refresh jitter. f must return values in [0, 1).
func WithRand(f func() float64) Option {
	return func(e *Engine) error {
		e.rand = f
		return nil
	}
}

// WithMaxCacheRecords bounds the record cache.
func WithMaxCacheRecords(n int) Option {
	return func(e *Engine) error {
		if n <= 0 {
			return &errors.ValidationError{Field: "max cache records", Value: n, Message: "must be positive"}
		}
		e.maxCache = n
		return nil
	}
}

// New returns an engine with no interfaces, questions or records.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		clock:     clock.New(),
		log:       zap.NewNop(),
		rand:      rand.Float64, //nolint:gosec // timing jitter
		maxCache:  cache.DefaultMaxRecords,
		questions: arena.New[*question](),
		records:   arena.New[*authRecord](),
		throttle:  records.NewRecordSet(0),
		builder:   message.NewBuilder(protocol.NormalMaxPacket),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	e.cache = cache.New(
		cache.WithMaxRecords(e.maxCache),
		cache.WithLogger(e.log),
		cache.WithRefreshJitter(func() float64 { return e.rand() * 0.02 }),
	)
	return e, nil
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.clock.Now() }

// Cache exposes the record cache for inspection.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// AddInterface enables sending on iface. Until the first interface is
// added, multicast packets are sent once with records.InterfaceAny and the
// Sender decides where they go.
func (e *Engine) AddInterface(iface records.InterfaceID) error {
	if iface <= records.InterfaceAny {
		return &errors.ValidationError{Field: "interface", Value: iface, Message: "must be a positive interface index"}
	}
	for _, x := range e.ifaces {
		if x == iface {
			return nil
		}
	}
	e.ifaces = append(e.ifaces, iface)
	e.log.Info("interface added", zap.Int("interface", int(iface)))
	return nil
}

// RemoveInterface stops using iface. Records learned on it are purged, with
// remove events delivered by the next Execute; authoritative records scoped
// to it are freed without goodbyes.
func (e *Engine) RemoveInterface(iface records.InterfaceID) error {
	idx := -1
	for i, x := range e.ifaces {
		if x == iface {
			idx = i
		}
	}
	if idx < 0 {
		return errors.ErrUnknownInterface
	}
	e.ifaces = append(e.ifaces[:idx], e.ifaces[idx+1:]...)
	now := e.clock.Now()
	n := e.cache.PurgeInterface(iface, now)
	for _, id := range e.records.IDs() {
		r, ok := e.records.Get(id)
		if !ok {
			continue
		}
		delete(r.pending, iface)
		if r.Interface == iface {
			e.free(r, StatusMemFree)
		}
	}
	e.log.Info("interface removed", zap.Int("interface", int(iface)), zap.Int("purged", n))
	return nil
}

func (e *Engine) sendInterfaces(scope records.InterfaceID) []records.InterfaceID {
	if scope != records.InterfaceAny && scope != records.InterfaceUnicast {
		for _, x := range e.ifaces {
			if x == scope {
				return []records.InterfaceID{scope}
			}
		}
		if len(e.ifaces) > 0 {
			return nil
		}
		return []records.InterfaceID{scope}
	}
	if len(e.ifaces) == 0 {
		return []records.InterfaceID{records.InterfaceAny}
	}
	return e.ifaces
}

// Execute runs every piece of work due at the current time and returns when
// it next needs to run:
//
//  1. sweep expired cache records (delivering removes), schedule refresh
//     queries, check cache accounting, run the lease hook;
//  2. answer newly started questions from the cache and local records;
//  3. send due probes and queries;
//  4. send due responses, announcements and goodbyes;
//  5. compute the next wake time.
func (e *Engine) Execute() time.Time {
	now := e.clock.Now()
	if e.closed {
		return now.Add(protocol.MaxQueryInterval)
	}

	e.sweep(now)
	if err := e.cache.Verify(); err != nil {
		e.log.Error("cache accounting mismatch", zap.Error(err))
	}
	if e.lease != nil && !now.Before(e.leaseDue) {
		e.leaseDue = e.lease.RefreshLeases(now)
	}

	e.answerNewQuestions(now)
	e.sendProbes(now)
	e.sendQueries(now)
	e.sendResponses(now)

	e.updateGauges()
	return e.nextWake(now)
}

func (e *Engine) sweep(now time.Time) {
	for _, r := range e.cache.Due(now) {
		if r.Removed() {
			continue
		}
		if !r.ActiveQuestion.IsZero() && !r.Negative {
			e.deliverToMatching(r, EventRemove, now)
		}
		e.cache.Remove(r)
	}
	for _, r := range e.cache.RefreshesDue(now) {
		if q, ok := e.questions.Get(r.ActiveQuestion); ok && !q.isNew {
			q.sendNow = true
		}
		e.cache.NoteRefreshSent(r, now)
	}
}

func (e *Engine) nextWake(now time.Time) time.Time {
	next := now.Add(protocol.MaxQueryInterval)
	consider := func(t time.Time) {
		if !t.IsZero() && t.Before(next) {
			next = t
		}
	}

	consider(e.cache.NextEvent())
	if e.lease != nil {
		consider(e.leaseDue)
	}
	for _, id := range e.questions.IDs() {
		q, _ := e.questions.Get(id)
		switch {
		case q.isNew || q.sendNow:
			consider(now)
		case q.dupOf.IsZero():
			consider(q.nextQuery())
		}
	}
	for _, id := range e.records.IDs() {
		r, _ := e.records.Get(id)
		if !r.shadowOf.IsZero() {
			continue
		}
		switch r.state {
		case StateProbing:
			t := r.nextProbe
			if t.Before(e.suppressProbesUntil) {
				t = e.suppressProbesUntil
			}
			consider(t)
		case StateDeregistering:
			consider(now)
		case StateVerified, StateShared:
			if r.announceLeft > 0 && e.rootReady(r) {
				consider(r.nextAnnounce)
			}
		}
		for _, t := range r.pending {
			consider(t)
		}
		if len(r.goodbyes) > 0 {
			consider(now)
		}
	}
	if next.Before(now) {
		return now
	}
	return next
}

func (e *Engine) updateGauges() {
	if e.metrics == nil {
		return
	}
	states := make(map[string]int)
	for _, s := range []State{StateProbing, StateVerified, StateShared, StateDeregistering} {
		states[s.String()] = 0
	}
	for _, id := range e.records.IDs() {
		r, _ := e.records.Get(id)
		states[r.state.String()]++
	}
	e.metrics.Sizes(e.cache.Count(), e.questions.Len(), states)
}

// Close sends goodbyes for every announced record, frees all records and
// stops all questions. Later calls return errors.ErrClosed.
func (e *Engine) Close() error {
	if e.closed {
		return errors.ErrClosed
	}
	for _, id := range e.records.IDs() {
		r, ok := e.records.Get(id)
		if !ok || !r.shadowOf.IsZero() {
			continue
		}
		if r.announced && r.state != StateProbing {
			r.state = StateDeregistering
		}
	}
	e.sendResponses(e.clock.Now())
	for _, id := range e.records.IDs() {
		if r, ok := e.records.Get(id); ok {
			e.free(r, StatusMemFree)
		}
	}
	for _, id := range e.questions.IDs() {
		e.questions.Remove(id)
	}
	e.closed = true
	e.log.Info("engine closed")
	return nil
}

func (e *Engine) send(kind string, pkt []byte, iface records.InterfaceID, dst net.Addr) {
	if e.sender == nil {
		return
	}
	if err := e.sender.Send(pkt, iface, dst); err != nil {
		e.metrics.SendFailed()
		e.log.Warn("send failed", zap.String("kind", kind), zap.Int("interface", int(iface)), zap.Error(err))
		return
	}
	e.metrics.Sent(kind)
}

func (e *Engine) between(min, max time.Duration) time.Duration {
	return min + time.Duration(e.rand()*float64(max-min))
}
