// Package protocol defines the wire-level constants of Multicast DNS.
//
// RFC 6762 §5: mDNS uses UDP port 5353, the IPv4 group 224.0.0.251 and the
// IPv6 group ff02::fb. Timing constants follow RFC 6762 §5.2 (query
// backoff), §8 (probing and announcing) and §10 (TTLs).
package protocol

import (
	"time"

	"github.com/miekg/dns"
)

// Network addresses per RFC 6762 §3.
const (
	Port              = 5353
	MulticastAddrIPv4 = "224.0.0.251"
	MulticastAddrIPv6 = "ff02::fb"
)

// RecordType is a DNS RR type (RFC 1035 §3.2.2).
type RecordType uint16

// Record types used throughout the engine.
const (
	RecordTypeA     RecordType = RecordType(dns.TypeA)
	RecordTypePTR   RecordType = RecordType(dns.TypePTR)
	RecordTypeTXT   RecordType = RecordType(dns.TypeTXT)
	RecordTypeAAAA  RecordType = RecordType(dns.TypeAAAA)
	RecordTypeSRV   RecordType = RecordType(dns.TypeSRV)
	RecordTypeCNAME RecordType = RecordType(dns.TypeCNAME)
	RecordTypeNSEC  RecordType = RecordType(dns.TypeNSEC)
	RecordTypeANY   RecordType = RecordType(dns.TypeANY)
)

// String returns the mnemonic for the type ("A", "PTR", ...).
func (t RecordType) String() string {
	return dns.Type(t).String()
}

// Class values. The top bit of the class field is overloaded by mDNS:
// in questions it requests a unicast response (QU), in answers it is the
// cache-flush bit (RFC 6762 §10.2).
const (
	ClassIN        uint16 = dns.ClassINET
	ClassANY       uint16 = dns.ClassANY
	ClassUniqueBit uint16 = 1 << 15
)

// TTL values per RFC 6762 §10.
const (
	// TTLHostname is used for records containing a host name (A, AAAA, SRV).
	TTLHostname uint32 = 120
	// TTLService is used for other records (PTR, TXT).
	TTLService uint32 = 4500
	// TTLLegacyMax caps TTLs in replies to legacy unicast queriers (§6.7).
	TTLLegacyMax uint32 = 10
	// TTLGoodbyeGrace is how long a received goodbye (TTL 0) lingers (§10.1).
	TTLGoodbyeGrace uint32 = 1
)

// Probing and announcing per RFC 6762 §8.
const (
	ProbeCount         = 3
	ProbeInterval      = 250 * time.Millisecond
	ProbeConflictDelay = time.Second
	// ProbeFailureLimit failures within ProbeFailureWindow engage a global
	// ProbeSuppressDelay before the next probe (§8.1).
	ProbeFailureLimit  = 15
	ProbeFailureWindow = 10 * time.Second
	ProbeSuppressDelay = 5 * time.Second

	AnnounceCount    = 4
	AnnounceInterval = time.Second
)

// Query scheduling per RFC 6762 §5.2.
const (
	InitialQueryInterval = time.Second
	MaxQueryInterval     = time.Hour
	// QueryIntervalStep3 is the interval reached after the first three sends;
	// answer bursts only reset schedules that have backed off past it.
	QueryIntervalStep3 = 8 * InitialQueryInterval
	// BurstAnswerCount answer packets within BurstWindow reset the interval.
	BurstAnswerCount = 10
	BurstWindow      = time.Second
	// MaxCNAMEReferrals bounds CNAME chasing for one question.
	MaxCNAMEReferrals = 10
	// UnicastResponseWindow is how long after a QU query a unicast reply is
	// accepted as solicited.
	UnicastResponseWindow = 2 * time.Second
	// MaxUnansweredQueries is the number of refresh queries per record.
	MaxUnansweredQueries = 4
)

// Response scheduling per RFC 6762 §6.
const (
	// MulticastRateLimit is the minimum spacing between multicasts of the
	// same record on the same interface (§6.2).
	MulticastRateLimit = time.Second
	// ProbeDefenseRateLimit applies when defending a name against a probe.
	ProbeDefenseRateLimit = 250 * time.Millisecond
	// SharedResponseDelayMin/Max bound the random delay for shared answers.
	SharedResponseDelayMin = 20 * time.Millisecond
	SharedResponseDelayMax = 120 * time.Millisecond
)

// Packet size ceilings. Normal packets carry several questions or answers;
// probe and single-question packets may use the larger ceiling (§17).
const (
	NormalMaxPacket   = 1440
	AbsoluteMaxPacket = 8940
	HeaderSize        = 12
)
