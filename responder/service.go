package responder

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/joshuafuller/mdnscore/internal/errors"
)

// serviceTypePattern matches "_service._tcp.local" or "_service._udp.local"
// (RFC 6763 §7), with an optional trailing dot.
var serviceTypePattern = regexp.MustCompile(`^_[A-Za-z0-9]([A-Za-z0-9-]{0,13}[A-Za-z0-9])?\._(tcp|udp)\.local\.?$`)

// renameSuffix matches the " (N)" suffix added by Rename.
var renameSuffix = regexp.MustCompile(` \((\d+)\)$`)

// Service is a DNS-SD service instance to advertise (RFC 6763 §4.1).
//
// The full instance name is built from three parts:
//
//	<Instance>   .  <Service>   .  <Domain>
//	My Printer   .  _ipp._tcp   .  local.
//
// Instance is free-form UTF-8 of at most 63 bytes and may contain spaces
// and dots; it is escaped on the wire ("My\ Printer"). Service is an
// underscore-prefixed application protocol name of at most 15 characters
// followed by _tcp or _udp (RFC 6763 §7). Only the "local." domain is
// supported.
//
// TXTRecords become one TXT record of "key=value" strings (RFC 6763 §6).
// An empty map publishes a TXT record holding a single empty string, as
// §6.1 requires. Subtypes (§7.1) add PTR records under
// "<Subtype>._sub.<Service>.local." so browsers can filter, e.g.
// "_universal._sub._ipp._tcp.local.".
//
// Example:
//
//	svc := &responder.Service{
//	    InstanceName: "Office Printer",
//	    ServiceType:  "_ipp._tcp.local",
//	    Port:         631,
//	    TXTRecords:   map[string]string{"rp": "printers/office", "color": "T"},
//	    Subtypes:     []string{"_universal"},
//	}
type Service struct {
	// InstanceName is the user-visible name, e.g. "My Printer". It may
	// contain spaces and dots.
	InstanceName string
	// ServiceType is "_service._proto.local".
	ServiceType string
	Port        int
	// TXTRecords are the key/value pairs of the TXT record (RFC 6763 §6).
	TXTRecords map[string]string
	// Hostname is the SRV target. It defaults to the responder's host name.
	Hostname string
	// Subtypes are advertised as "_subtype._sub._service._proto.local"
	// pointers.
	Subtypes []string
}

// Validate checks the service parameters.
func (s *Service) Validate() error {
	if s.InstanceName == "" {
		return &errors.ValidationError{Field: "instance name", Value: s.InstanceName, Message: "instance name cannot be empty"}
	}
	if len(s.InstanceName) > 63 {
		return &errors.ValidationError{Field: "instance name", Value: s.InstanceName, Message: "instance name exceeds 63 bytes"}
	}
	if !serviceTypePattern.MatchString(s.ServiceType) {
		return &errors.ValidationError{Field: "service type", Value: s.ServiceType, Message: "invalid service type format, want _service._tcp.local or _service._udp.local"}
	}
	if s.Port < 1 || s.Port > 65535 {
		return &errors.ValidationError{Field: "port", Value: s.Port, Message: "port must be in range 1-65535"}
	}
	for _, sub := range s.Subtypes {
		if !strings.HasPrefix(sub, "_") {
			return &errors.ValidationError{Field: "subtype", Value: sub, Message: "subtype must start with an underscore"}
		}
	}
	return nil
}

// Rename picks the next name after a conflict: "Name" becomes "Name (2)",
// "Name (2)" becomes "Name (3)" (RFC 6762 §9).
func (s *Service) Rename() {
	n := 2
	base := s.InstanceName
	if m := renameSuffix.FindStringSubmatch(base); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			n = v + 1
			base = strings.TrimSuffix(base, m[0])
		}
	}
	s.InstanceName = fmt.Sprintf("%s (%d)", base, n)
}

// ID returns "InstanceName.ServiceType".
func (s *Service) ID() string {
	return s.InstanceName + "." + s.ServiceType
}

func copyTXT(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
