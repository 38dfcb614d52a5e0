// Package config loads the mdnsd daemon configuration from YAML.
package config

import (
	"bytes"
	goerrors "errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/miekg/dns"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/message"
)

// Config is the daemon configuration.
//
// Example:
//
//	hostname: nas.local
//	interfaces: [eth0]
//	log:
//	  level: debug
//	metrics:
//	  address: ":9153"
//	records:
//	  - rr: "nas-admin.local. 120 IN A 192.168.1.10"
//	    kind: unique
//	services:
//	  - instance: NAS Web
//	    type: _http._tcp.local
//	    port: 80
//	    txt: {path: /}
type Config struct {
	// Hostname defaults to the system host name with ".local" appended.
	Hostname   string   `yaml:"hostname"`
	Interfaces []string `yaml:"interfaces"`
	IPv6       bool     `yaml:"ipv6"`

	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Cache   CacheConfig   `yaml:"cache"`

	Records  []RecordConfig  `yaml:"records"`
	Services []ServiceConfig `yaml:"services"`
}

// LogConfig selects the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// MetricsConfig configures the Prometheus endpoint. An empty address
// disables it.
type MetricsConfig struct {
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// CacheConfig bounds the record cache.
type CacheConfig struct {
	MaxRecords int `yaml:"max_records"`
}

// RecordConfig is one record to advertise, in zone-file syntax.
type RecordConfig struct {
	RR string `yaml:"rr"`
	// Kind is "shared", "unique" (probed) or "known-unique".
	Kind string `yaml:"kind"`
}

// ServiceConfig is one DNS-SD service to advertise.
type ServiceConfig struct {
	Instance string            `yaml:"instance"`
	Type     string            `yaml:"type"`
	Port     int               `yaml:"port"`
	TXT      map[string]string `yaml:"txt"`
	Subtypes []string          `yaml:"subtypes"`
}

// Record kinds.
const (
	KindShared      = "shared"
	KindUnique      = "unique"
	KindKnownUnique = "known-unique"
)

// DefaultConfig returns the configuration used for unset fields.
func DefaultConfig() *Config {
	return &Config{
		Log:     LogConfig{Level: "info"},
		Metrics: MetricsConfig{Path: "/metrics"},
		Cache:   CacheConfig{MaxRecords: 4096},
	}
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over DefaultConfig and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !goerrors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs error
	if c.Hostname != "" {
		errs = multierr.Append(errs, message.ValidateHostname(c.Hostname))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = multierr.Append(errs, &errors.ValidationError{Field: "log.level", Value: c.Log.Level, Message: "unknown level"})
	}
	if c.Cache.MaxRecords <= 0 {
		errs = multierr.Append(errs, &errors.ValidationError{Field: "cache.max_records", Value: c.Cache.MaxRecords, Message: "must be positive"})
	}
	if c.Metrics.Address != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = multierr.Append(errs, &errors.ValidationError{Field: "metrics.path", Value: c.Metrics.Path, Message: "must start with /"})
	}
	for i, r := range c.Records {
		if _, err := r.Parse(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("records[%d]: %w", i, err))
		}
		switch r.Kind {
		case "", KindShared, KindUnique, KindKnownUnique:
		default:
			errs = multierr.Append(errs, &errors.ValidationError{
				Field:   fmt.Sprintf("records[%d].kind", i),
				Value:   r.Kind,
				Message: "want shared, unique or known-unique",
			})
		}
	}
	for i, s := range c.Services {
		if s.Instance == "" {
			errs = multierr.Append(errs, &errors.ValidationError{Field: fmt.Sprintf("services[%d].instance", i), Value: s.Instance, Message: "cannot be empty"})
		}
		if s.Port < 1 || s.Port > 65535 {
			errs = multierr.Append(errs, &errors.ValidationError{Field: fmt.Sprintf("services[%d].port", i), Value: s.Port, Message: "must be in range 1-65535"})
		}
	}
	return errs
}

// Parse returns the record.
func (r RecordConfig) Parse() (dns.RR, error) {
	rr, err := dns.NewRR(r.RR)
	if err != nil {
		return nil, &errors.ValidationError{Field: "rr", Value: r.RR, Message: err.Error()}
	}
	if rr == nil {
		return nil, &errors.ValidationError{Field: "rr", Value: r.RR, Message: "empty record"}
	}
	return rr, nil
}

// BuildLogger returns the zap logger the log section describes.
func (c *Config) BuildLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
