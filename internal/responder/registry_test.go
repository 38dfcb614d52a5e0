package responder

import (
	goerrors "errors"
	"fmt"
	"sync"
	"testing"

	"github.com/joshuafuller/mdnscore/internal/errors"
)

func TestRegistry_Register(t *testing.T) {
	registry := NewRegistry()
	service := &Service{InstanceName: "My Printer", ServiceType: "_http._tcp.local", Port: 8080}

	if err := registry.Register(service); err != nil {
		t.Fatalf("Register() error = %v, want nil", err)
	}
	got, exists := registry.Get(service.InstanceName)
	if !exists {
		t.Fatal("Get() returned exists=false after Register()")
	}
	if got.InstanceName != service.InstanceName {
		t.Errorf("Get().InstanceName = %q, want %q", got.InstanceName, service.InstanceName)
	}
}

func TestRegistry_Register_Invalid(t *testing.T) {
	registry := NewRegistry()
	for _, s := range []*Service{nil, {ServiceType: "_http._tcp.local"}} {
		err := registry.Register(s)
		var vErr *errors.ValidationError
		if !goerrors.As(err, &vErr) {
			t.Errorf("Register(%v) error = %v, want ValidationError", s, err)
		}
	}
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	registry := NewRegistry()
	service := &Service{InstanceName: "My Printer", ServiceType: "_http._tcp.local", Port: 8080}

	if err := registry.Register(service); err != nil {
		t.Fatalf("first Register() error = %v, want nil", err)
	}
	err := registry.Register(service)
	if !goerrors.Is(err, errors.ErrAlreadyRegistered) {
		t.Errorf("duplicate Register() error = %v, want ErrAlreadyRegistered", err)
	}
}

func TestRegistry_Remove(t *testing.T) {
	registry := NewRegistry()
	service := &Service{InstanceName: "My Printer", ServiceType: "_http._tcp.local", Port: 8080}
	if err := registry.Register(service); err != nil {
		t.Fatalf("Register() error = %v, want nil", err)
	}

	if err := registry.Remove(service.InstanceName); err != nil {
		t.Fatalf("Remove() error = %v, want nil", err)
	}
	if _, exists := registry.Get(service.InstanceName); exists {
		t.Error("Get() exists=true after Remove(), want false")
	}
	if err := registry.Remove(service.InstanceName); err == nil {
		t.Error("second Remove() error = nil, want error")
	}
}

func TestRegistry_Get_NotFound(t *testing.T) {
	if _, exists := NewRegistry().Get("non-existent"); exists {
		t.Error("Get(non-existent) exists=true, want false")
	}
}

func TestRegistry_Update(t *testing.T) {
	registry := NewRegistry()
	_ = registry.Register(&Service{InstanceName: "Web", ServiceType: "_http._tcp.local", TXT: map[string]string{"v": "1"}})

	ok := registry.Update("Web", func(s *Service) { s.TXT = map[string]string{"v": "2"} })
	if !ok {
		t.Fatal("Update(Web) = false, want true")
	}
	got, _ := registry.Get("Web")
	if got.TXT["v"] != "2" {
		t.Errorf("TXT[v] = %q, want %q", got.TXT["v"], "2")
	}
	if registry.Update("missing", func(*Service) { t.Error("fn called for missing service") }) {
		t.Error("Update(missing) = true, want false")
	}
}

func TestRegistry_ListServiceTypes(t *testing.T) {
	tests := []struct {
		name     string
		services []*Service
		want     []string
	}{
		{
			name: "distinct types",
			services: []*Service{
				{InstanceName: "Web1", ServiceType: "_http._tcp.local"},
				{InstanceName: "SSH1", ServiceType: "_ssh._tcp.local"},
				{InstanceName: "FTP1", ServiceType: "_ftp._tcp.local"},
			},
			want: []string{"_ftp._tcp.local", "_http._tcp.local", "_ssh._tcp.local"},
		},
		{
			name: "duplicate types",
			services: []*Service{
				{InstanceName: "Web1", ServiceType: "_http._tcp.local"},
				{InstanceName: "Web2", ServiceType: "_http._tcp.local"},
			},
			want: []string{"_http._tcp.local"},
		},
		{
			name: "empty",
			want: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			for _, s := range tt.services {
				if err := registry.Register(s); err != nil {
					t.Fatalf("Register(%q) error = %v", s.InstanceName, err)
				}
			}
			got := registry.ListServiceTypes()
			if got == nil {
				t.Fatal("ListServiceTypes() = nil, want non-nil")
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("ListServiceTypes() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegistry_List(t *testing.T) {
	registry := NewRegistry()
	if names := registry.List(); len(names) != 0 {
		t.Errorf("List() on empty registry = %v, want none", names)
	}
	for _, name := range []string{"Service 2", "Service 1", "Service 3"} {
		_ = registry.Register(&Service{InstanceName: name, ServiceType: "_http._tcp.local"})
	}
	_ = registry.Remove("Service 2")

	got := registry.List()
	if fmt.Sprint(got) != fmt.Sprint([]string{"Service 1", "Service 3"}) {
		t.Errorf("List() = %v, want [Service 1 Service 3]", got)
	}
}

// TestRegistry_ConcurrentAccess is meant for go test -race.
func TestRegistry_ConcurrentAccess(t *testing.T) {
	registry := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s := &Service{InstanceName: fmt.Sprintf("Service-%d", id), ServiceType: "_http._tcp.local", Port: 8080 + id}
			if err := registry.Register(s); err != nil {
				t.Errorf("concurrent Register() error = %v", err)
			}
		}(i)
	}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			registry.Get(fmt.Sprintf("Service-%d", id))
			registry.List()
			registry.ListServiceTypes()
		}(i)
	}
	wg.Wait()

	if got := len(registry.List()); got != 50 {
		t.Errorf("List() count = %d, want 50", got)
	}
}
