package records

import (
	"math"
	"time"

	"github.com/joshuafuller/mdnscore/internal/protocol"
)

// RecordTTL tracks a TTL relative to the moment it was received.
//
// RFC 6762 §10: a record's remaining lifetime is its TTL minus the time
// elapsed since receipt; it expires when that reaches zero.
type RecordTTL struct {
	TTL      uint32    // seconds, as received
	Received time.Time // receipt time
}

// ExpiresAt returns the absolute expiry time.
func (r RecordTTL) ExpiresAt() time.Time {
	return r.Received.Add(time.Duration(r.TTL) * time.Second)
}

// IsExpired reports whether the record is expired at now.
func (r RecordTTL) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt())
}

// Remaining returns the whole seconds left at now, rounded down.
func (r RecordTTL) Remaining(now time.Time) uint32 {
	left := r.ExpiresAt().Sub(now)
	if left <= 0 {
		return 0
	}
	return uint32(left / time.Second)
}

// RemainingFraction returns the share of the TTL still left at now, in [0,1].
func (r RecordTTL) RemainingFraction(now time.Time) float64 {
	if r.TTL == 0 {
		return 0
	}
	left := r.ExpiresAt().Sub(now)
	if left <= 0 {
		return 0
	}
	return float64(left) / float64(time.Duration(r.TTL)*time.Second)
}

// At returns the time at which fraction (0..1) of the TTL has elapsed.
func (r RecordTTL) At(fraction float64) time.Time {
	return r.Received.Add(time.Duration(math.Round(fraction * float64(time.Duration(r.TTL)*time.Second))))
}

// GetTTLForRecordType returns the RFC 6762 §10 TTL for a record type:
// records carrying a host name use 120 s, everything else 75 minutes.
func GetTTLForRecordType(t protocol.RecordType) uint32 {
	switch t {
	case protocol.RecordTypeA, protocol.RecordTypeAAAA, protocol.RecordTypeSRV:
		return protocol.TTLHostname
	}
	return protocol.TTLService
}
