// Package responder holds the responder's bookkeeping of registered
// services and the engine records that advertise them.
package responder

import (
	"fmt"
	"sort"
	"sync"

	"github.com/joshuafuller/mdnscore/internal/engine"
	"github.com/joshuafuller/mdnscore/internal/errors"
)

// Service is a registered service instance and the engine records
// advertising it.
type Service struct {
	InstanceName string
	ServiceType  string
	Hostname     string
	Port         int
	TXT          map[string]string
	Subtypes     []string

	// SRV is the record whose probing decides the instance name; every
	// other record depends on it.
	SRV engine.RecordID
	// TXTRecord is updated in place by UpdateService.
	TXTRecord engine.RecordID
	Records   []engine.RecordID
}

// Registry maps instance names to services. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Service
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*Service)}
}

// Register adds s. Instance names are unique within a registry.
func (r *Registry) Register(s *Service) error {
	if s == nil || s.InstanceName == "" {
		return &errors.ValidationError{Field: "instance name", Value: "", Message: "cannot be empty"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[s.InstanceName]; ok {
		return fmt.Errorf("service %q: %w", s.InstanceName, errors.ErrAlreadyRegistered)
	}
	r.services[s.InstanceName] = s
	return nil
}

// Get returns the service registered under instanceName.
func (r *Registry) Get(instanceName string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[instanceName]
	return s, ok
}

// Remove deletes instanceName.
func (r *Registry) Remove(instanceName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[instanceName]; !ok {
		return fmt.Errorf("service %q not registered", instanceName)
	}
	delete(r.services, instanceName)
	return nil
}

// List returns every registered instance name, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListServiceTypes returns the distinct service types, sorted (RFC 6763
// §9 service type enumeration). It never returns nil.
func (r *Registry) ListServiceTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	types := []string{}
	for _, s := range r.services {
		if !seen[s.ServiceType] {
			seen[s.ServiceType] = true
			types = append(types, s.ServiceType)
		}
	}
	sort.Strings(types)
	return types
}

// Update applies fn to instanceName's service under the write lock.
func (r *Registry) Update(instanceName string, fn func(*Service)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[instanceName]
	if ok {
		fn(s)
	}
	return ok
}
