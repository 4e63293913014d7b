package dnsmsg

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"Example.COM.":   "example.com",
		"  example.com ": "example.com",
		"example.com":    "example.com",
		".":              "",
		"":               "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), "input %q", in)
	}
}

func TestFingerprint(t *testing.T) {
	q := dns.Question{Name: "Example.COM.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	assert.Equal(t, "example.com|A|IN", Fingerprint(q))

	// Same question in different case maps to the same key.
	q2 := dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	assert.Equal(t, Fingerprint(q), Fingerprint(q2))

	// Unknown types get the RFC 3597 label.
	q3 := dns.Question{Name: "example.com.", Qtype: 65534, Qclass: dns.ClassINET}
	assert.Equal(t, "example.com|TYPE65534|IN", Fingerprint(q3))
}

func answerA(name string, ttl uint32) dns.RR {
	return &dns.A{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
		A:   []byte{192, 0, 2, 1},
	}
}

func TestMinTTL(t *testing.T) {
	msg := new(dns.Msg)
	assert.EqualValues(t, 0, MinTTL(msg))

	msg.Answer = []dns.RR{answerA("a.test.", 300), answerA("a.test.", 60), answerA("a.test.", 900)}
	assert.EqualValues(t, 60, MinTTL(msg))
}

func TestClampTTL(t *testing.T) {
	assert.EqualValues(t, 10, ClampTTL(3, 10, 86400))
	assert.EqualValues(t, 86400, ClampTTL(100000, 10, 86400))
	assert.EqualValues(t, 300, ClampTTL(300, 10, 86400))
}

func TestRewriteTTLSkipsOPT(t *testing.T) {
	msg := new(dns.Msg)
	msg.Answer = []dns.RR{answerA("a.test.", 100)}
	opt := new(dns.OPT)
	opt.Hdr.Name = "."
	opt.Hdr.Rrtype = dns.TypeOPT
	opt.Hdr.Ttl = 0x8000 // DO bit lives in the TTL field
	msg.Extra = []dns.RR{opt}

	RewriteTTL(msg, 40)
	assert.EqualValues(t, 60, msg.Answer[0].Header().Ttl)
	assert.EqualValues(t, 0x8000, msg.Extra[0].Header().Ttl)

	RewriteTTL(msg, 999)
	assert.EqualValues(t, 0, msg.Answer[0].Header().Ttl)
}

func TestCacheable(t *testing.T) {
	msg := new(dns.Msg)
	msg.Rcode = dns.RcodeSuccess
	assert.True(t, Cacheable(msg))

	msg.Rcode = dns.RcodeNameError
	assert.True(t, Cacheable(msg))

	msg.Rcode = dns.RcodeServerFailure
	assert.False(t, Cacheable(msg))

	msg.Rcode = dns.RcodeSuccess
	msg.Truncated = true
	assert.False(t, Cacheable(msg))

	assert.False(t, Cacheable(nil))
}

func TestBlockedA(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("ads.example.com.", dns.TypeA)

	resp := Blocked(req)
	assert.Equal(t, req.Id, resp.Id)
	assert.True(t, resp.Response)
	assert.True(t, resp.RecursionAvailable)
	require.Len(t, resp.Answer, 1)
	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "0.0.0.0", a.A.String())
	assert.EqualValues(t, BlockedTTL, a.Hdr.Ttl)
}

func TestBlockedAAAA(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("ads.example.com.", dns.TypeAAAA)

	resp := Blocked(req)
	require.Len(t, resp.Answer, 1)
	aaaa, ok := resp.Answer[0].(*dns.AAAA)
	require.True(t, ok)
	assert.Equal(t, "::", aaaa.AAAA.String())
}

func TestBlockedOtherTypesEmptyNoError(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("ads.example.com.", dns.TypeTXT)

	resp := Blocked(req)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Empty(t, resp.Answer)
}

func TestServFail(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	resp := ServFail(req)
	assert.Equal(t, req.Id, resp.Id)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
	assert.True(t, resp.RecursionAvailable)
}

func TestFormErrKeepsTransactionID(t *testing.T) {
	req := new(dns.Msg)
	req.Id = 0xabcd
	resp := FormErr(req)
	assert.Equal(t, uint16(0xabcd), resp.Id)
	assert.Equal(t, dns.RcodeFormatError, resp.Rcode)
	assert.True(t, resp.Response)

	resp = FormErr(nil)
	assert.Equal(t, uint16(0), resp.Id)
}

func TestAnswerIPs(t *testing.T) {
	msg := new(dns.Msg)
	msg.Answer = []dns.RR{
		answerA("a.test.", 60),
		&dns.CNAME{Hdr: dns.RR_Header{Name: "a.test.", Rrtype: dns.TypeCNAME}, Target: "b.test."},
	}
	assert.Equal(t, []string{"192.0.2.1"}, AnswerIPs(msg))
	assert.Nil(t, AnswerIPs(nil))
}
