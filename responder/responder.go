// Package responder advertises DNS-SD services over Multicast DNS
// (RFC 6762, RFC 6763).
//
// A Responder owns an mDNS engine running on its own goroutine. Register
// builds the service's PTR, SRV and TXT records, probes the instance name,
// and returns once the name is verified; announcing, answering queries,
// defending the name and sending goodbyes on Unregister or Close are done
// by the engine.
//
// Name conflicts are resolved by renaming: "My Printer" becomes
// "My Printer (2)", then "My Printer (3)", up to ten attempts. A conflict
// found after registration (two hosts that joined separately) triggers the
// same rename in the background.
//
// Example:
//
//	resp, err := responder.New(ctx, responder.WithHostname("mydevice.local"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer resp.Close()
//
//	service := &responder.Service{
//	    InstanceName: "My Web Server",
//	    ServiceType:  "_http._tcp.local",
//	    Port:         8080,
//	    TXTRecords:   map[string]string{"version": "1.0", "path": "/"},
//	}
//	if err := resp.Register(service); err != nil {
//	    log.Fatal(err)
//	}
//	// service.InstanceName holds the name actually registered.
package responder

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/joshuafuller/mdnscore/internal/engine"
	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/metrics"
	"github.com/joshuafuller/mdnscore/internal/records"
	svcreg "github.com/joshuafuller/mdnscore/internal/responder"
	"github.com/joshuafuller/mdnscore/internal/runner"
	"github.com/joshuafuller/mdnscore/internal/transport"
)

// maxRenameAttempts bounds the rename loop on conflict (RFC 6762 §9 sets
// no limit).
const maxRenameAttempts = 10

// RecordKind is the uniqueness of a record added with AddRecord.
type RecordKind int

const (
	// SharedRecord may be asserted by several hosts (PTR).
	SharedRecord RecordKind = iota
	// UniqueRecord is probed before use.
	UniqueRecord
	// KnownUniqueRecord is unique without probing.
	KnownUniqueRecord
)

func (k RecordKind) engineKind() engine.Kind {
	switch k {
	case UniqueRecord:
		return engine.KindUnique
	case KnownUniqueRecord:
		return engine.KindKnownUnique
	}
	return engine.KindShared
}

// Responder advertises services and records on the local link and answers
// queries for them (RFC 6762 §6).
//
// Every record a Responder publishes goes through the same lifecycle:
//
//	Register ──► Probing ──► Verified ──► Announcing ──► Established
//	              │ 3 probes    (SRV)       4 announcements   answers queries,
//	              │ 250ms apart             1s, 2s, 4s apart  defends its name
//	              ▼
//	          conflict ──► Rename "Name (2)" ──► Probing
//
// Probing (RFC 6762 §8.1) asks "does anyone own this name?" with the
// proposed records in the authority section. Simultaneous probes are settled
// by the lexicographic tie-break of §8.2; the loser waits one second and
// probes again. Announcing (§8.3) multicasts the records with the
// cache-flush bit on unique records so stale copies in peer caches are
// replaced. Unregister and Close send goodbyes, the same records with TTL 0
// (§10.1), so peers forget the service within a second.
//
// Records per registered service (RFC 6763 §4-§7):
//
//	_http._tcp.local.              PTR  My Web._http._tcp.local.   shared
//	_services._dns-sd._udp.local.  PTR  _http._tcp.local.          shared
//	My Web._http._tcp.local.       SRV  0 0 8080 host.local.       unique, probed
//	My Web._http._tcp.local.       TXT  "version=1.0"              unique, follows the SRV
//	host.local.                    A    192.168.1.10               unique, one per host
//
// A Responder is safe for concurrent use. All protocol state lives in one
// engine owned by a single goroutine; methods submit work to it and wait.
type Responder struct {
	ctx    context.Context
	cancel context.CancelFunc
	runner *runner.Runner
	runErr chan error

	registry *svcreg.Registry
	hostname string
	log      *zap.Logger
	clock    clock.Clock
	metrics  *metrics.Metrics
	maxCache int

	ifaceNames []string
	ipv6       bool
	addresses  []net.IP
	transports []transport.Transport
	interfaces []net.Interface

	closeOnce sync.Once
	closeErr  error
}

// New starts a responder. Cancelling ctx stops it as Close does.
func New(ctx context.Context, opts ...Option) (*Responder, error) {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	if i := strings.IndexByte(hostname, '.'); i > 0 {
		hostname = hostname[:i]
	}

	r := &Responder{
		registry: svcreg.NewRegistry(),
		hostname: hostname + ".local",
		log:      zap.NewNop(),
		clock:    clock.New(),
		runErr:   make(chan error, 1),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	r.log = r.log.Named("responder")

	if len(r.transports) == 0 {
		ts, ifaces, err := transport.OpenMulticast(r.ifaceNames, r.ipv6, r.log)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		r.transports, r.interfaces = ts, ifaces
	}

	engOpts := []engine.Option{
		engine.WithClock(r.clock),
		engine.WithLogger(r.log),
		engine.WithSender(transport.NewMux(r.transports...)),
		engine.WithMetrics(r.metrics),
	}
	if r.maxCache > 0 {
		engOpts = append(engOpts, engine.WithMaxCacheRecords(r.maxCache))
	}
	eng, err := engine.New(engOpts...)
	if err != nil {
		_ = transport.NewMux(r.transports...).Close()
		return nil, err
	}
	for _, ifi := range r.interfaces {
		if err := eng.AddInterface(records.InterfaceID(ifi.Index)); err != nil {
			r.log.Warn("interface not added", zap.String("interface", ifi.Name), zap.Error(err))
		}
	}
	r.registerHost(eng)

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.runner = runner.New(eng,
		runner.WithClock(r.clock),
		runner.WithLogger(r.log),
		runner.WithTransports(r.transports...),
	)
	go func() { r.runErr <- r.runner.Run(r.ctx) }()
	return r, nil
}

// registerHost registers the host's address records, one set per
// interface so each interface only advertises its own addresses
// (RFC 6762 §15).
func (r *Responder) registerHost(eng *engine.Engine) {
	type scoped struct {
		iface records.InterfaceID
		v4    net.IP
		v6    net.IP
	}
	var hosts []scoped
	switch {
	case len(r.addresses) > 0:
		h := scoped{iface: records.InterfaceAny}
		for _, ip := range r.addresses {
			if ip.To4() != nil {
				h.v4 = ip
			} else {
				h.v6 = ip
			}
		}
		hosts = append(hosts, h)
	case len(r.interfaces) > 0:
		for _, ifi := range r.interfaces {
			h := scoped{iface: records.InterfaceID(ifi.Index)}
			h.v4, _ = getIPv4ForInterface(ifi.Index)
			if r.ipv6 {
				h.v6, _ = getIPv6ForInterface(ifi.Index)
			}
			hosts = append(hosts, h)
		}
	default:
		ip, err := getLocalIPv4()
		if err != nil {
			r.log.Warn("no address to advertise", zap.Error(err))
			return
		}
		hosts = append(hosts, scoped{iface: records.InterfaceAny, v4: ip})
	}

	for _, h := range hosts {
		v6 := h.v6
		if !r.ipv6 {
			v6 = nil
		}
		for _, rec := range records.BuildAddressRecords(r.hostname, h.v4, v6) {
			_, err := eng.RegisterRecord(engine.AuthRecord{
				RR:        rec.RR,
				Kind:      engine.KindUnique,
				Interface: h.iface,
				Callback:  r.hostStatus,
			})
			if err != nil {
				r.log.Warn("address record rejected", zap.Stringer("record", rec.RR), zap.Error(err))
			}
		}
	}
}

func (r *Responder) hostStatus(_ *engine.Engine, ev engine.StatusEvent) {
	if ev.Status == engine.StatusNameConflict {
		r.log.Warn("host name conflict", zap.String("hostname", r.hostname), zap.Bool("reprobing", ev.Reprobing))
	}
}

// Hostname returns the host name used for SRV targets.
func (r *Responder) Hostname() string { return r.hostname }

// Register advertises service. It blocks until the instance name has been
// probed and verified, renaming on conflict; service.InstanceName is
// updated to the name in use.
//
// RFC 6762 §8.1 requires probing before a unique record is used, so
// Register takes at least 500ms and typically about 750ms: the first probe
// after a random 0-250ms delay, then two more 250ms apart. On a conflict
// (another host answers for the name, or wins the simultaneous-probe
// tie-break of §8.2) the name is changed as RFC 6762 §9 suggests:
//
//	"My Printer"     → "My Printer (2)"
//	"My Printer (2)" → "My Printer (3)"
//
// After ten renames Register gives up with an error. Announcements (§8.3)
// continue in the background after Register returns.
//
// Example:
//
//	svc := &responder.Service{InstanceName: "NAS", ServiceType: "_smb._tcp.local", Port: 445}
//	if err := resp.Register(svc); err != nil {
//	    return err
//	}
//	log.Printf("registered as %q", svc.InstanceName)
func (r *Responder) Register(service *Service) error {
	if service == nil {
		return fmt.Errorf("service cannot be nil")
	}
	if err := service.Validate(); err != nil {
		return err
	}
	if service.Hostname == "" {
		service.Hostname = r.hostname
	}

	for attempt := 1; ; attempt++ {
		verified, err := r.probe(service)
		if err != nil {
			return err
		}
		if verified {
			return nil
		}
		if attempt >= maxRenameAttempts {
			return fmt.Errorf("max rename attempts (%d) exceeded for service %q", maxRenameAttempts, service.InstanceName)
		}
		old := service.InstanceName
		service.Rename()
		r.log.Info("service renamed after conflict", zap.String("from", old), zap.String("to", service.InstanceName))
	}
}

// probe registers service's records and waits for the outcome. It reports
// false after a conflict, when the records are already gone.
func (r *Responder) probe(service *Service) (bool, error) {
	if _, dup := r.registry.Get(service.InstanceName); dup {
		return false, fmt.Errorf("service %q: %w", service.InstanceName, errors.ErrAlreadyRegistered)
	}
	svc := &svcreg.Service{
		InstanceName: service.InstanceName,
		ServiceType:  service.ServiceType,
		Hostname:     service.Hostname,
		Port:         service.Port,
		TXT:          copyTXT(service.TXTRecords),
		Subtypes:     append([]string(nil), service.Subtypes...),
	}
	outcome := make(chan engine.Status, 1)
	err := r.runner.Do(r.ctx, func(e *engine.Engine) error {
		return r.addServiceRecords(e, svc, outcome)
	})
	if err != nil {
		return false, err
	}

	select {
	case st := <-outcome:
		if st != engine.StatusVerified {
			return false, nil
		}
	case <-r.ctx.Done():
		return false, r.ctx.Err()
	}
	if err := r.registry.Register(svc); err != nil {
		r.withdraw(svc)
		return false, err
	}
	r.log.Info("service registered", zap.String("service", service.ID()))
	return true, nil
}

func (r *Responder) addServiceRecords(e *engine.Engine, svc *svcreg.Service, outcome chan engine.Status) error {
	set := records.BuildRecordSet(&records.ServiceInfo{
		InstanceName: svc.InstanceName,
		ServiceType:  svc.ServiceType,
		Hostname:     svc.Hostname,
		Port:         svc.Port,
		TXTRecords:   svc.TXT,
		Subtypes:     svc.Subtypes,
	})

	var srv, txt dns.RR
	var ptrs []dns.RR
	for _, rec := range set {
		switch rec.RR.(type) {
		case *dns.SRV:
			srv = rec.RR
		case *dns.TXT:
			txt = rec.RR
		case *dns.PTR:
			ptrs = append(ptrs, rec.RR)
		}
	}

	srvID, err := e.RegisterRecord(engine.AuthRecord{
		RR:       srv,
		Kind:     engine.KindUnique,
		Callback: r.serviceStatus(svc, outcome),
	})
	if err != nil {
		return err
	}
	svc.SRV = srvID
	svc.Records = []engine.RecordID{srvID}

	rollback := func(err error) error {
		for _, id := range svc.Records {
			_ = e.DeregisterRecord(id)
		}
		return err
	}
	txtID, err := e.RegisterRecord(engine.AuthRecord{RR: txt, Kind: engine.KindUnique, DependentOn: srvID})
	if err != nil {
		return rollback(err)
	}
	svc.TXTRecord = txtID
	svc.Records = append(svc.Records, txtID)
	for _, ptr := range ptrs {
		id, err := e.RegisterRecord(engine.AuthRecord{RR: ptr, Kind: engine.KindShared, DependentOn: srvID})
		if err != nil {
			return rollback(err)
		}
		svc.Records = append(svc.Records, id)
	}
	return nil
}

// serviceStatus follows the SRV record, whose probing decides the
// instance name. The first verdict goes to the waiting Register; a later
// withdrawal renames the service in the background.
func (r *Responder) serviceStatus(svc *svcreg.Service, outcome chan<- engine.Status) engine.StatusFunc {
	settled := false
	return func(e *engine.Engine, ev engine.StatusEvent) {
		switch ev.Status {
		case engine.StatusVerified:
			if !settled {
				settled = true
				outcome <- ev.Status
			}
		case engine.StatusNameConflict:
			if ev.Reprobing {
				r.log.Warn("service name challenged, probing again", zap.String("instance", svc.InstanceName))
				return
			}
			for _, id := range svc.Records {
				_ = e.DeregisterRecord(id)
			}
			if !settled {
				settled = true
				outcome <- ev.Status
				return
			}
			r.log.Warn("service lost its name", zap.String("instance", svc.InstanceName))
			go r.renameAfterConflict(svc)
		}
	}
}

func (r *Responder) renameAfterConflict(svc *svcreg.Service) {
	if err := r.registry.Remove(svc.InstanceName); err != nil {
		return
	}
	s := &Service{
		InstanceName: svc.InstanceName,
		ServiceType:  svc.ServiceType,
		Port:         svc.Port,
		TXTRecords:   svc.TXT,
		Hostname:     svc.Hostname,
		Subtypes:     svc.Subtypes,
	}
	s.Rename()
	if err := r.Register(s); err != nil {
		r.log.Error("re-registration after conflict failed", zap.String("instance", s.InstanceName), zap.Error(err))
	}
}

// AddRecord advertises a single record, for records that are not part of
// a DNS-SD service. Unique records are probed; conflicts are logged.
func (r *Responder) AddRecord(rr dns.RR, kind RecordKind) error {
	return r.runner.Do(r.ctx, func(e *engine.Engine) error {
		_, err := e.RegisterRecord(engine.AuthRecord{
			RR:   rr,
			Kind: kind.engineKind(),
			Callback: func(_ *engine.Engine, ev engine.StatusEvent) {
				if ev.Status == engine.StatusNameConflict {
					r.log.Warn("record conflict", zap.Stringer("record", rr), zap.Bool("reprobing", ev.Reprobing))
				}
			},
		})
		return err
	})
}

// Unregister withdraws a service, sending goodbye packets (RFC 6762 §10.1).
// serviceID is the instance name or "InstanceName.ServiceType".
func (r *Responder) Unregister(serviceID string) error {
	svc, found := r.lookup(serviceID)
	if !found {
		return fmt.Errorf("service %q not registered", serviceID)
	}
	if err := r.registry.Remove(svc.InstanceName); err != nil {
		return fmt.Errorf("service %q not registered", serviceID)
	}
	r.withdraw(svc)
	r.log.Info("service unregistered", zap.String("instance", svc.InstanceName))
	return nil
}

func (r *Responder) withdraw(svc *svcreg.Service) {
	_ = r.runner.Do(r.ctx, func(e *engine.Engine) error {
		for _, id := range svc.Records {
			_ = e.DeregisterRecord(id)
		}
		return nil
	})
}

// UpdateService replaces a service's TXT records and announces the change.
// The instance name is unchanged, so no probing is needed (RFC 6762 §8.4).
func (r *Responder) UpdateService(serviceID string, txtRecords map[string]string) error {
	svc, found := r.lookup(serviceID)
	if !found {
		return fmt.Errorf("service %q not found", serviceID)
	}
	txt := copyTXT(txtRecords)
	var rr dns.RR
	for _, rec := range records.BuildRecordSet(&records.ServiceInfo{
		InstanceName: svc.InstanceName,
		ServiceType:  svc.ServiceType,
		Hostname:     svc.Hostname,
		Port:         svc.Port,
		TXTRecords:   txt,
	}) {
		if _, ok := rec.RR.(*dns.TXT); ok {
			rr = rec.RR
		}
	}
	err := r.runner.Do(r.ctx, func(e *engine.Engine) error {
		return e.UpdateRecord(svc.TXTRecord, rr)
	})
	if err != nil {
		return fmt.Errorf("update %q: %w", serviceID, err)
	}
	r.registry.Update(svc.InstanceName, func(s *svcreg.Service) { s.TXT = txt })
	return nil
}

// GetService returns a copy of a registered service. serviceID is the
// instance name or "InstanceName.ServiceType".
func (r *Responder) GetService(serviceID string) (*Service, bool) {
	svc, found := r.lookup(serviceID)
	if !found {
		return nil, false
	}
	return &Service{
		InstanceName: svc.InstanceName,
		ServiceType:  svc.ServiceType,
		Port:         svc.Port,
		TXTRecords:   copyTXT(svc.TXT),
		Hostname:     svc.Hostname,
		Subtypes:     append([]string(nil), svc.Subtypes...),
	}, true
}

// Services returns the registered instance names.
func (r *Responder) Services() []string { return r.registry.List() }

func (r *Responder) lookup(serviceID string) (*svcreg.Service, bool) {
	if svc, found := r.registry.Get(serviceID); found {
		return svc, true
	}
	for _, name := range r.registry.List() {
		svc, found := r.registry.Get(name)
		if found && svc.InstanceName+"."+svc.ServiceType == serviceID {
			return svc, true
		}
	}
	return nil, false
}

// Close sends goodbyes for every record, stops the engine and closes the
// sockets. It is safe to call more than once.
func (r *Responder) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		r.closeErr = <-r.runErr
		for _, name := range r.registry.List() {
			_ = r.registry.Remove(name)
		}
	})
	return r.closeErr
}

// getIPv4ForInterface returns the first IPv4 address of the interface with
// index ifIndex.
func getIPv4ForInterface(ifIndex int) (net.IP, error) {
	ifi, err := net.InterfaceByIndex(ifIndex)
	if err != nil {
		return nil, &errors.NetworkError{
			Operation: "lookup interface",
			Err:       err,
			Details:   fmt.Sprintf("interface index %d", ifIndex),
		}
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, &errors.NetworkError{Operation: "list addresses", Err: err, Details: ifi.Name}
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok {
			if v4 := ipnet.IP.To4(); v4 != nil {
				return v4, nil
			}
		}
	}
	return nil, &errors.NetworkError{
		Operation: "lookup address",
		Err:       fmt.Errorf("no IPv4 address"),
		Details:   ifi.Name,
	}
}

// getIPv6ForInterface returns the interface's first global IPv6 address,
// or its link-local one when it has no other.
func getIPv6ForInterface(ifIndex int) (net.IP, error) {
	ifi, err := net.InterfaceByIndex(ifIndex)
	if err != nil {
		return nil, &errors.NetworkError{Operation: "lookup interface", Err: err}
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, &errors.NetworkError{Operation: "list addresses", Err: err, Details: ifi.Name}
	}
	var linkLocal net.IP
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.To4() != nil || ipnet.IP.To16() == nil {
			continue
		}
		if ipnet.IP.IsLinkLocalUnicast() {
			if linkLocal == nil {
				linkLocal = ipnet.IP
			}
			continue
		}
		return ipnet.IP, nil
	}
	if linkLocal != nil {
		return linkLocal, nil
	}
	return nil, &errors.NetworkError{Operation: "lookup address", Err: fmt.Errorf("no IPv6 address"), Details: ifi.Name}
}

// getLocalIPv4 returns the first non-loopback IPv4 address of the host.
func getLocalIPv4() (net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if v4 := ipnet.IP.To4(); v4 != nil {
				return v4, nil
			}
		}
	}
	return nil, fmt.Errorf("no non-loopback IPv4 address found")
}
