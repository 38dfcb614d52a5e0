package config

import (
	goerrors "errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"

	"github.com/joshuafuller/mdnscore/internal/errors"
)

const sample = `
hostname: nas.local
interfaces: [eth0, eth1]
ipv6: true
log:
  level: debug
  development: true
metrics:
  address: ":9153"
cache:
  max_records: 512
records:
  - rr: "nas-admin.local. 120 IN A 192.168.1.10"
    kind: unique
  - rr: "_smb._tcp.local. 4500 IN PTR NAS._smb._tcp.local."
services:
  - instance: NAS Web
    type: _http._tcp.local
    port: 80
    txt: {path: /}
    subtypes: [_admin]
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "nas.local", cfg.Hostname)
	assert.Equal(t, []string{"eth0", "eth1"}, cfg.Interfaces)
	assert.True(t, cfg.IPv6)
	assert.Equal(t, LogConfig{Level: "debug", Development: true}, cfg.Log)
	assert.Equal(t, ":9153", cfg.Metrics.Address)
	assert.Equal(t, "/metrics", cfg.Metrics.Path, "default path kept")
	assert.Equal(t, 512, cfg.Cache.MaxRecords)

	require.Len(t, cfg.Records, 2)
	rr, err := cfg.Records[0].Parse()
	require.NoError(t, err)
	a, ok := rr.(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "192.168.1.10", a.A.String())
	assert.Equal(t, KindUnique, cfg.Records[0].Kind)

	require.Len(t, cfg.Services, 1)
	assert.Equal(t, ServiceConfig{
		Instance: "NAS Web",
		Type:     "_http._tcp.local",
		Port:     80,
		TXT:      map[string]string{"path": "/"},
		Subtypes: []string{"_admin"},
	}, cfg.Services[0])
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte("hostnme: typo.local\n"))
	assert.Error(t, err)
}

func TestValidate_ReportsEveryError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hostname = "bad_host.local"
	cfg.Log.Level = "loud"
	cfg.Cache.MaxRecords = 0
	cfg.Records = []RecordConfig{{RR: "not a record"}, {RR: "a.local. 120 IN A 10.0.0.1", Kind: "exclusive"}}
	cfg.Services = []ServiceConfig{{Type: "_http._tcp.local"}}

	err := cfg.Validate()
	require.Error(t, err)
	errs := multierr.Errors(err)
	assert.Len(t, errs, 7)
	for _, e := range errs {
		var vErr *errors.ValidationError
		assert.True(t, goerrors.As(e, &vErr), "error %v is not a ValidationError", e)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mdnsd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nas.local", cfg.Hostname)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBuildLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "warn"
	log, err := cfg.BuildLogger()
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Core().Enabled(zapcore.WarnLevel))

	cfg.Log.Level = "nope"
	_, err = cfg.BuildLogger()
	assert.Error(t, err)
}
