package message

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"

	"github.com/joshuafuller/mdnscore/internal/errors"
)

const (
	maxLabelLength = 63
	maxNameLength  = 255
)

// ParseName decodes the possibly compressed name at offset in msg
// (RFC 1035 §4.1.4) and returns it without the trailing dot, along with the
// offset just past it in the original data.
func ParseName(msg []byte, offset int) (string, int, error) {
	if offset < 0 || offset >= len(msg) {
		return "", offset, &errors.WireFormatError{
			Field:   "name",
			Offset:  offset,
			Message: "offset out of bounds",
		}
	}
	name, next, err := dns.UnpackDomainName(msg, offset)
	if err != nil {
		return "", offset, &errors.WireFormatError{
			Field:   "name",
			Offset:  offset,
			Message: "invalid name",
			Err:     err,
		}
	}
	if name == "." {
		return "", next, nil
	}
	return strings.TrimSuffix(name, "."), next, nil
}

// EncodeName encodes name in uncompressed wire format after validating it.
func EncodeName(name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	fqdn := dns.Fqdn(name)
	buf := make([]byte, maxNameLength+1)
	n, err := dns.PackDomainName(fqdn, buf, 0, nil, false)
	if err != nil {
		return nil, &errors.ValidationError{Field: "name", Value: name, Message: err.Error()}
	}
	return buf[:n], nil
}

// ValidateName checks the RFC 1035 §3.1 length limits. Labels may contain
// any UTF-8 (RFC 6762 §16); escaped dots stay inside their label.
func ValidateName(name string) error {
	if name == "" {
		return &errors.ValidationError{Field: "name", Value: name, Message: "empty name"}
	}
	fqdn := dns.Fqdn(name)
	if fqdn == "." {
		return nil
	}
	labels := dns.SplitDomainName(fqdn)
	total := 1
	for i, label := range labels {
		raw := unescape(label)
		if raw == "" {
			return &errors.ValidationError{Field: "name", Value: name, Message: fmt.Sprintf("empty label at position %d", i)}
		}
		if len(raw) > maxLabelLength {
			return &errors.ValidationError{
				Field:   "name",
				Value:   name,
				Message: fmt.Sprintf("label %q exceeds maximum length %d bytes", raw, maxLabelLength),
			}
		}
		total += len(raw) + 1
	}
	if total > maxNameLength {
		return &errors.ValidationError{Field: "name", Value: name, Message: fmt.Sprintf("name exceeds maximum length %d bytes", maxNameLength)}
	}
	if _, ok := dns.IsDomainName(fqdn); !ok {
		return &errors.ValidationError{Field: "name", Value: name, Message: "malformed name"}
	}
	return nil
}

// ValidateHostname additionally applies the letter-digit-hyphen rule to each
// label of a host name.
func ValidateHostname(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	for _, label := range dns.SplitDomainName(dns.Fqdn(name)) {
		if label[0] == '-' || label[len(label)-1] == '-' {
			return &errors.ValidationError{Field: "hostname", Value: name, Message: "hyphen cannot be first or last character"}
		}
		for _, c := range label {
			if !(c == '-' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
				return &errors.ValidationError{Field: "hostname", Value: name, Message: fmt.Sprintf("invalid character %q", c)}
			}
		}
	}
	return nil
}

// unescape approximates a label's wire length by dropping presentation
// escapes. \DDD sequences count as one byte.
func unescape(label string) string {
	var b strings.Builder
	for i := 0; i < len(label); i++ {
		if label[i] == '\\' && i+1 < len(label) {
			if i+3 < len(label) && isDigit(label[i+1]) && isDigit(label[i+2]) && isDigit(label[i+3]) {
				b.WriteByte('?')
				i += 3
				continue
			}
			i++
		}
		b.WriteByte(label[i])
	}
	return b.String()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
