package main

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/joshuafuller/mdnscore/internal/config"
	"github.com/joshuafuller/mdnscore/responder"
)

type fakePublisher struct {
	mu       sync.Mutex
	services []string
	records  map[string]responder.RecordKind
	closed   bool
}

func (f *fakePublisher) Register(s *responder.Service) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("closed")
	}
	f.services = append(f.services, s.InstanceName)
	return nil
}

func (f *fakePublisher) AddRecord(rr dns.RR, kind responder.RecordKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records == nil {
		f.records = make(map[string]responder.RecordKind)
	}
	f.records[rr.Header().Name] = kind
	return nil
}

func (f *fakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePublisher) registered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.services...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
log:
  level: error
metrics:
  address: "127.0.0.1:0"
records:
  - rr: "nas-admin.local. 120 IN A 192.168.1.10"
    kind: unique
  - rr: "_smb._tcp.local. 4500 IN PTR NAS._smb._tcp.local."
services:
  - instance: NAS Web
    type: _http._tcp.local
    port: 80
  - instance: NAS SSH
    type: _ssh._tcp.local
    port: 22
`))
	require.NoError(t, err)
	return cfg
}

func TestApp_PublishesConfiguredRecords(t *testing.T) {
	fake := &fakePublisher{}
	app := fxtest.New(t,
		fx.Supply(testConfig(t)),
		fx.Provide(func() publisher { return fake }),
		coreModule,
	)
	app.RequireStart()

	require.Eventually(t, func() bool { return len(fake.registered()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"NAS Web", "NAS SSH"}, fake.registered())

	fake.mu.Lock()
	assert.Equal(t, map[string]responder.RecordKind{
		"nas-admin.local.": responder.UniqueRecord,
		"_smb._tcp.local.": responder.SharedRecord,
	}, fake.records)
	fake.mu.Unlock()

	app.RequireStop()
}

func TestApp_ServesMetrics(t *testing.T) {
	var srv *metricsServer
	app := fxtest.New(t,
		fx.Supply(testConfig(t)),
		fx.Provide(func() publisher { return &fakePublisher{} }),
		coreModule,
		fx.Populate(&srv),
	)
	app.RequireStart()
	defer app.RequireStop()

	require.NotNil(t, srv.Addr())
	resp, err := http.Get("http://" + srv.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestApp_MetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Address = ""
	var srv *metricsServer
	app := fxtest.New(t,
		fx.Supply(cfg),
		fx.Provide(func() publisher { return &fakePublisher{} }),
		coreModule,
		fx.Populate(&srv),
	)
	app.RequireStart()
	defer app.RequireStop()

	assert.Nil(t, srv.Addr())
}

func TestRecordKind(t *testing.T) {
	assert.Equal(t, responder.SharedRecord, recordKind(""))
	assert.Equal(t, responder.SharedRecord, recordKind(config.KindShared))
	assert.Equal(t, responder.UniqueRecord, recordKind(config.KindUnique))
	assert.Equal(t, responder.KnownUniqueRecord, recordKind(config.KindKnownUnique))
}
