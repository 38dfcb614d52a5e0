package querier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/joshuafuller/mdnscore/internal/engine"
	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/message"
	"github.com/joshuafuller/mdnscore/internal/metrics"
	"github.com/joshuafuller/mdnscore/internal/records"
	"github.com/joshuafuller/mdnscore/internal/runner"
	"github.com/joshuafuller/mdnscore/internal/transport"
)

const (
	defaultTimeout = time.Second
	// browseBuffer is the capacity of a Browse channel. Events are dropped,
	// with a warning, while it is full.
	browseBuffer = 32
)

// Querier sends mDNS queries and collects the answers. Answers are cached,
// so repeated queries within a record's TTL are answered locally and
// further queries carry known answers (RFC 6762 §7.1).
//
// Three kinds of lookup are offered:
//
//   - Query: a one-shot question (RFC 6762 §5.1). The first query goes out
//     at once; while ctx is alive it is repeated at 1s, 2s, 4s...
//     Everything that arrives is returned, duplicates removed.
//   - Browse: a continuous question for a service type's PTR records
//     (RFC 6763 §4). Instances appearing, expiring or saying goodbye are
//     reported as they happen. Cached answers are refreshed at 80%, 85%,
//     90% and 95% of their TTL (RFC 6762 §5.2).
//   - Resolve: SRV and TXT for one instance, then the A (and, with
//     WithIPv6, AAAA) records of the SRV target (RFC 6763 §5).
//
// Queries from several callers for the same name and type share one
// question on the wire. Responses are accepted only from port 5353 and,
// when unicast, only in reply to a question that asked for one
// (RFC 6762 §6, §11).
//
// A Querier is safe for concurrent use.
type Querier struct {
	ctx    context.Context
	cancel context.CancelFunc
	runner *runner.Runner
	runErr chan error

	timeout    time.Duration
	log        *zap.Logger
	clock      clock.Clock
	metrics    *metrics.Metrics
	maxCache   int
	ifaceNames []string
	ipv6       bool
	transports []transport.Transport

	closeOnce sync.Once
	closeErr  error
}

// New opens the multicast sockets and starts the querier.
//
// Example:
//
//	q, err := querier.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer q.Close()
func New(opts ...Option) (*Querier, error) {
	q := &Querier{
		timeout: defaultTimeout,
		log:     zap.NewNop(),
		clock:   clock.New(),
		runErr:  make(chan error, 1),
	}
	for _, opt := range opts {
		if err := opt(q); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	q.log = q.log.Named("querier")

	var ifaces []int
	if len(q.transports) == 0 {
		ts, joined, err := transport.OpenMulticast(q.ifaceNames, q.ipv6, q.log)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		q.transports = ts
		for _, ifi := range joined {
			ifaces = append(ifaces, ifi.Index)
		}
	}

	engOpts := []engine.Option{
		engine.WithClock(q.clock),
		engine.WithLogger(q.log),
		engine.WithSender(transport.NewMux(q.transports...)),
		engine.WithMetrics(q.metrics),
	}
	if q.maxCache > 0 {
		engOpts = append(engOpts, engine.WithMaxCacheRecords(q.maxCache))
	}
	eng, err := engine.New(engOpts...)
	if err != nil {
		_ = transport.NewMux(q.transports...).Close()
		return nil, err
	}
	for _, idx := range ifaces {
		_ = eng.AddInterface(records.InterfaceID(idx))
	}

	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.runner = runner.New(eng,
		runner.WithClock(q.clock),
		runner.WithLogger(q.log),
		runner.WithTransports(q.transports...),
	)
	go func() { q.runErr <- q.runner.Run(q.ctx) }()
	return q, nil
}

// Query asks for name's records of recordType and returns every distinct
// record received until ctx ends. Without a deadline on ctx the querier's
// timeout applies. Running out of time is not an error; an empty response
// means nobody answered.
func (q *Querier) Query(ctx context.Context, name string, recordType RecordType) (*Response, error) {
	if err := message.ValidateName(name); err != nil {
		return nil, err
	}
	if !recordType.supported() {
		return nil, &errors.ValidationError{Field: "record type", Value: recordType, Message: "unsupported record type"}
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	c := newCollector()
	id, err := q.start(engine.Question{Name: dns.Fqdn(name), Type: uint16(recordType), Callback: c.add})
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
	case <-q.ctx.Done():
	}
	q.stop(id)

	if q.ctx.Err() != nil {
		return nil, errors.ErrClosed
	}
	if err := ctx.Err(); err == context.Canceled {
		return c.response(), err
	}
	return c.response(), nil
}

func (q *Querier) start(question engine.Question) (engine.QuestionID, error) {
	var id engine.QuestionID
	err := q.runner.Do(q.ctx, func(e *engine.Engine) error {
		var err error
		id, err = e.StartQuestion(question)
		return err
	})
	return id, err
}

func (q *Querier) stop(id engine.QuestionID) {
	_ = q.runner.Do(q.ctx, func(e *engine.Engine) error { return e.StopQuestion(id) })
}

// collector gathers the distinct records delivered to a question.
type collector struct {
	mu    sync.Mutex
	seen  map[string]int
	items []ResourceRecord
}

func newCollector() *collector {
	return &collector{seen: make(map[string]int)}
}

func (c *collector) add(_ *engine.Engine, a engine.Answer) {
	if a.Event != engine.EventAdd || a.Negative {
		return
	}
	key := recordKey(a.RR)
	c.mu.Lock()
	defer c.mu.Unlock()
	if i, dup := c.seen[key]; dup {
		c.items[i].TTL = a.RR.Header().Ttl
		return
	}
	c.seen[key] = len(c.items)
	c.items = append(c.items, newResourceRecord(a.RR, int(a.Interface)))
}

func (c *collector) response() *Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Response{Records: append([]ResourceRecord(nil), c.items...)}
}

// recordKey identifies a record by name, type and rdata, ignoring TTL.
func recordKey(rr dns.RR) string {
	h := *rr.Header()
	cp := dns.Copy(rr)
	*cp.Header() = dns.RR_Header{Name: strings.ToLower(h.Name), Rrtype: h.Rrtype, Class: h.Class &^ (1 << 15)}
	return cp.String()
}

// EventType says whether a browsed instance appeared or went away.
type EventType int

const (
	ServiceAdded EventType = iota
	ServiceRemoved
)

func (t EventType) String() string {
	if t == ServiceRemoved {
		return "removed"
	}
	return "added"
}

// ServiceEvent reports a service instance found or lost by Browse.
type ServiceEvent struct {
	Type EventType
	// Instance is the full instance name, "My\ Printer._ipp._tcp.local.".
	Instance  string
	Interface int
}

// Browse watches for instances of serviceType ("_http._tcp.local") until
// ctx ends, then closes the returned channel. Queries continue with
// exponential backoff while the browse runs (RFC 6762 §5.2).
func (q *Querier) Browse(ctx context.Context, serviceType string) (<-chan ServiceEvent, error) {
	if err := message.ValidateName(serviceType); err != nil {
		return nil, err
	}
	b := &browse{events: make(chan ServiceEvent, browseBuffer), log: q.log}
	id, err := q.start(engine.Question{Name: dns.Fqdn(serviceType), Type: dns.TypePTR, Callback: b.deliver})
	if err != nil {
		return nil, err
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-q.ctx.Done():
		}
		q.stop(id)
		b.close()
	}()
	return b.events, nil
}

type browse struct {
	mu     sync.Mutex
	closed bool
	events chan ServiceEvent
	log    *zap.Logger
}

func (b *browse) deliver(_ *engine.Engine, a engine.Answer) {
	ptr, ok := a.RR.(*dns.PTR)
	if !ok || a.Negative {
		return
	}
	ev := ServiceEvent{Type: ServiceAdded, Instance: ptr.Ptr, Interface: int(a.Interface)}
	if a.Event == engine.EventRemove {
		ev.Type = ServiceRemoved
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.events <- ev:
	default:
		b.log.Warn("browse event dropped, consumer too slow", zap.String("instance", ev.Instance))
	}
}

func (b *browse) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	close(b.events)
}

// ServiceEntry is a resolved service instance.
type ServiceEntry struct {
	Instance string
	Host     string
	Port     uint16
	Text     []string
	IPv4     []string
	IPv6     []string
}

// Resolve looks up instance's SRV and TXT records and the addresses of
// the SRV target. It returns once the SRV, TXT and at least one address
// are known, or with what it has when ctx ends; without an SRV record it
// fails with ErrUnknownRecord.
func (q *Querier) Resolve(ctx context.Context, instance string) (*ServiceEntry, error) {
	if err := message.ValidateName(instance); err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	r := &resolution{entry: ServiceEntry{Instance: dns.Fqdn(instance)}, changed: make(chan struct{}, 1)}
	var ids []engine.QuestionID
	defer func() {
		for _, id := range ids {
			q.stop(id)
		}
	}()
	for _, t := range []uint16{dns.TypeSRV, dns.TypeTXT} {
		id, err := q.start(engine.Question{Name: r.entry.Instance, Type: t, Callback: r.add})
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	addrTypes := []uint16{dns.TypeA}
	if q.ipv6 {
		addrTypes = append(addrTypes, dns.TypeAAAA)
	}
	host := ""
	for {
		r.mu.Lock()
		entry := r.entry
		r.mu.Unlock()
		if entry.Host != "" && entry.Host != host {
			host = entry.Host
			for _, t := range addrTypes {
				id, err := q.start(engine.Question{Name: host, Type: t, Callback: r.add})
				if err != nil {
					return nil, err
				}
				ids = append(ids, id)
			}
		}
		if entry.Host != "" && entry.Text != nil && len(entry.IPv4)+len(entry.IPv6) > 0 {
			return r.result(), nil
		}
		select {
		case <-r.changed:
		case <-ctx.Done():
			if host == "" {
				return nil, fmt.Errorf("resolve %q: %w", instance, errors.ErrUnknownRecord)
			}
			return r.result(), nil
		case <-q.ctx.Done():
			return nil, errors.ErrClosed
		}
	}
}

type resolution struct {
	mu      sync.Mutex
	entry   ServiceEntry
	changed chan struct{}
}

func (r *resolution) add(_ *engine.Engine, a engine.Answer) {
	if a.Event != engine.EventAdd || a.Negative {
		return
	}
	r.mu.Lock()
	switch v := a.RR.(type) {
	case *dns.SRV:
		r.entry.Host, r.entry.Port = v.Target, v.Port
	case *dns.TXT:
		r.entry.Text = append([]string{}, v.Txt...)
	case *dns.A:
		r.entry.IPv4 = appendUnique(r.entry.IPv4, v.A.String())
	case *dns.AAAA:
		r.entry.IPv6 = appendUnique(r.entry.IPv6, v.AAAA.String())
	}
	r.mu.Unlock()
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

func (r *resolution) result() *ServiceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entry
	return &e
}

func appendUnique(list []string, s string) []string {
	for _, x := range list {
		if x == s {
			return list
		}
	}
	return append(list, s)
}

// Close stops the querier and closes its sockets. Later calls return
// ErrClosed.
func (q *Querier) Close() error {
	err := errors.ErrClosed
	q.closeOnce.Do(func() {
		q.cancel()
		q.closeErr = <-q.runErr
		err = q.closeErr
	})
	return err
}
