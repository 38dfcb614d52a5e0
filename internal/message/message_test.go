package message

import (
	goerrors "errors"
	"net"
	"strings"
	"testing"

	"github.com/miekg/dns"

	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/protocol"
)

func pack(t *testing.T, m *dns.Msg) []byte {
	t.Helper()
	data, err := m.Pack()
	if err != nil {
		t.Fatalf("Pack(): %v", err)
	}
	return data
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		hdr  dns.MsgHdr
		want Kind
	}{
		{"query", dns.MsgHdr{}, KindQuery},
		{"response", dns.MsgHdr{Response: true}, KindResponse},
		{"update", dns.MsgHdr{Opcode: dns.OpcodeUpdate}, KindUpdate},
		{"update response", dns.MsgHdr{Opcode: dns.OpcodeUpdate, Response: true}, KindUpdateResponse},
		{"notify", dns.MsgHdr{Opcode: dns.OpcodeNotify}, KindIgnored},
		{"error rcode", dns.MsgHdr{Response: true, Rcode: dns.RcodeNameError}, KindIgnored},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.hdr); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestParse_TopBits verifies that the QU bit of questions and the
// cache-flush bit of records are split out of the class field.
func TestParse_TopBits(t *testing.T) {
	m := new(dns.Msg)
	m.Response = true
	m.Question = []dns.Question{{Name: "host.local.", Qtype: dns.TypeA, Qclass: dns.ClassINET | protocol.ClassUniqueBit}}
	m.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: "host.local.", Rrtype: dns.TypeA, Class: dns.ClassINET | protocol.ClassUniqueBit, Ttl: 120},
		A:   net.IPv4(10, 0, 0, 1),
	}}
	m.Extra = []dns.RR{&dns.TXT{
		Hdr: dns.RR_Header{Name: "host.local.", Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 4500},
		Txt: []string{"a=b"},
	}}
	m.SetEdns0(1440, false)

	got, err := Parse(pack(t, m))
	if err != nil {
		t.Fatalf("Parse(): %v", err)
	}
	if got.Kind != KindResponse {
		t.Errorf("Kind = %v, want response", got.Kind)
	}
	if q := got.Questions[0]; !q.Unicast || q.Class != dns.ClassINET {
		t.Errorf("question = %v, want QU with class IN", q)
	}
	if a := got.Answers[0]; !a.CacheFlush || a.RR.Header().Class != dns.ClassINET {
		t.Errorf("answer = %v (flush %v), want cache-flush with class IN", a.RR, a.CacheFlush)
	}
	if len(got.Additional) != 1 || got.Additional[0].CacheFlush {
		t.Errorf("additional = %v, want only the shared TXT (OPT dropped)", got.Additional)
	}
	if len(got.Records()) != 2 {
		t.Errorf("Records() = %d, want 2", len(got.Records()))
	}
}

// TestParse_PartialRecords verifies that the records decoded before a
// malformed one are kept.
func TestParse_PartialRecords(t *testing.T) {
	m := new(dns.Msg)
	m.Response = true
	m.Answer = []dns.RR{
		&dns.A{Hdr: dns.RR_Header{Name: "a.local.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 120}, A: net.IPv4(10, 0, 0, 1)},
		&dns.A{Hdr: dns.RR_Header{Name: "b.local.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 120}, A: net.IPv4(10, 0, 0, 2)},
	}
	data := pack(t, m)

	got, err := Parse(data[:len(data)-2])

	var wireErr *errors.WireFormatError
	if !goerrors.As(err, &wireErr) {
		t.Fatalf("Parse() error = %v, want *WireFormatError", err)
	}
	if wireErr.Field != "answer" {
		t.Errorf("WireFormatError.Field = %q, want answer", wireErr.Field)
	}
	if got == nil || len(got.Answers) != 1 || got.Answers[0].RR.Header().Name != "a.local." {
		t.Fatalf("partial message = %+v, want the first answer", got)
	}
}

func TestParse_ShortHeader(t *testing.T) {
	got, err := Parse([]byte{0, 1, 2})
	if got != nil || err == nil {
		t.Fatalf("Parse(short) = %v, %v; want nil message and error", got, err)
	}
}

func TestParse_CountExceedsData(t *testing.T) {
	data := make([]byte, protocol.HeaderSize)
	data[7] = 3 // ANCOUNT=3 with no records
	got, err := Parse(data)
	if err == nil {
		t.Fatal("Parse() error = nil, want error")
	}
	if got == nil || len(got.Answers) != 0 {
		t.Errorf("Parse() = %+v, want empty partial message", got)
	}
}

func TestBuilder_SizeLimit(t *testing.T) {
	b := NewBuilder(100)
	b.Reset(0, true)

	n := 0
	for i := 0; i < 20; i++ {
		rr := &dns.A{Hdr: dns.RR_Header{Name: "host.local.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 120}, A: net.IPv4(10, 0, 0, byte(i))}
		if !b.AddAnswer(rr, true) {
			break
		}
		n++
	}
	if n == 0 || n == 20 {
		t.Fatalf("added %d records, want the limit to stop it part-way", n)
	}
	if b.Len() > 100 {
		t.Errorf("Len() = %d, want <= 100", b.Len())
	}

	data, err := b.Pack()
	if err != nil {
		t.Fatalf("Pack(): %v", err)
	}
	got, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse(): %v", err)
	}
	if len(got.Answers) != n || !got.Answers[0].CacheFlush || !got.Header.Authoritative {
		t.Errorf("parsed %d answers (flush %v, AA %v), want %d flushed and authoritative",
			len(got.Answers), got.Answers[0].CacheFlush, got.Header.Authoritative, n)
	}
}

// TestBuilder_OversizeRecord verifies that a single record larger than the
// normal limit is still sent alone.
func TestBuilder_OversizeRecord(t *testing.T) {
	big := make([]string, 8)
	for i := range big {
		big[i] = strings.Repeat("a", 200)
	}
	txt := &dns.TXT{Hdr: dns.RR_Header{Name: "x.local.", Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 4500}, Txt: big}

	b := NewBuilder(protocol.NormalMaxPacket)
	b.Reset(0, true)
	if !b.AddAnswer(txt, true) {
		t.Fatal("AddAnswer(oversize) into empty packet = false, want true")
	}
	if b.AddAnswer(txt, true) {
		t.Error("AddAnswer(second oversize) = true, want false")
	}

	b.Reset(0, true)
	if b.AddAdditional(txt, true) {
		t.Error("AddAdditional(oversize) = true, want false")
	}
}

func TestBuilder_QuestionsAndRetract(t *testing.T) {
	b := NewBuilder(protocol.NormalMaxPacket)
	b.Reset(0, false)
	b.AddQuestion(Question{Name: "a.local", Type: dns.TypeA, Class: dns.ClassINET, Unicast: true})
	b.AddQuestion(Question{Name: "b.local", Type: dns.TypeA, Class: dns.ClassINET})
	b.RetractQuestion()

	data, err := b.Pack()
	if err != nil {
		t.Fatalf("Pack(): %v", err)
	}
	got, _ := Parse(data)
	if got.Kind != KindQuery || len(got.Questions) != 1 || !got.Questions[0].Unicast {
		t.Errorf("parsed %+v, want one QU query", got)
	}
}

func TestBuilder_HasRecord(t *testing.T) {
	rr := &dns.A{Hdr: dns.RR_Header{Name: "host.local.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 120}, A: net.IPv4(10, 0, 0, 1)}
	b := NewBuilder(0)
	b.Reset(0, true)
	b.AddAnswer(rr, true)

	if !b.HasRecord(rr) {
		t.Error("HasRecord() = false for record added with cache-flush, want true")
	}
	if rr.Hdr.Class != dns.ClassINET {
		t.Error("AddAnswer() mutated the caller's record")
	}
}
