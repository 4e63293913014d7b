// Package dnsmsg holds the wire-format helpers shared by the resolver,
// cache and listeners: cache fingerprints, TTL arithmetic and synthesized
// responses. Parsing and serialization of DNS messages, including label
// compression and unknown-rrtype passthrough, is delegated to miekg/dns.
package dnsmsg

import (
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

const (
	// BlockedTTL is the TTL on synthesized blocked answers.
	BlockedTTL = 60

	// NegativeTTLCap bounds how long an NXDOMAIN response may be cached.
	NegativeTTLCap = 300
)

// Normalize lowercases a domain and strips surrounding space and the
// trailing dot. The normalized form is the storage key for list entries.
func Normalize(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}

// Fingerprint builds the cache key for a question: name, type and class.
func Fingerprint(q dns.Question) string {
	return Normalize(q.Name) + "|" + typeLabel(q.Qtype) + "|" + classLabel(q.Qclass)
}

func typeLabel(qtype uint16) string {
	if label := dns.TypeToString[qtype]; label != "" {
		return label
	}
	return "TYPE" + strconv.FormatUint(uint64(qtype), 10)
}

func classLabel(qclass uint16) string {
	if label := dns.ClassToString[qclass]; label != "" {
		return label
	}
	return "CLASS" + strconv.FormatUint(uint64(qclass), 10)
}

// TypeLabel returns the presentation name of a query type, falling back to
// TYPE#### per RFC 3597 when unknown.
func TypeLabel(qtype uint16) string {
	return typeLabel(qtype)
}

// MinTTL returns the smallest TTL across the answer section, or 0 when the
// response carries no answers.
func MinTTL(msg *dns.Msg) uint32 {
	var minTTL uint32
	for _, rr := range msg.Answer {
		ttl := rr.Header().Ttl
		if minTTL == 0 || ttl < minTTL {
			minTTL = ttl
		}
	}
	return minTTL
}

// ClampTTL bounds ttl to [minTTL, maxTTL].
func ClampTTL(ttl, minTTL, maxTTL uint32) uint32 {
	if ttl < minTTL {
		return minTTL
	}
	if ttl > maxTTL {
		return maxTTL
	}
	return ttl
}

// RewriteTTL lowers every record TTL by age seconds, flooring at zero.
// OPT pseudo-records are left alone; their TTL field carries flags.
func RewriteTTL(msg *dns.Msg, age uint32) {
	for _, section := range [][]dns.RR{msg.Answer, msg.Ns, msg.Extra} {
		for _, rr := range section {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			if ttl := rr.Header().Ttl; ttl > age {
				rr.Header().Ttl = ttl - age
			} else {
				rr.Header().Ttl = 0
			}
		}
	}
}

// Cacheable reports whether a response may be written to the cache:
// truncated responses and RCODEs other than NOERROR/NXDOMAIN are not.
func Cacheable(resp *dns.Msg) bool {
	if resp == nil || resp.Truncated {
		return false
	}
	return resp.Rcode == dns.RcodeSuccess || resp.Rcode == dns.RcodeNameError
}

// Acceptable reports whether an upstream response wins the dispatch race.
func Acceptable(resp *dns.Msg) bool {
	return Cacheable(resp)
}

// Blocked synthesizes the policy-block response for a request: A answers
// 0.0.0.0, AAAA answers ::, anything else an empty NOERROR.
func Blocked(req *dns.Msg) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetReply(req)
	msg.RecursionAvailable = true

	if len(req.Question) == 0 {
		return msg
	}
	q := req.Question[0]

	switch q.Qtype {
	case dns.TypeA:
		msg.Answer = append(msg.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: BlockedTTL},
			A:   net.IPv4zero.To4(),
		})
	case dns.TypeAAAA:
		msg.Answer = append(msg.Answer, &dns.AAAA{
			Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: BlockedTTL},
			AAAA: net.IPv6zero,
		})
	}
	return msg
}

// ServFail synthesizes a SERVFAIL reply for a request.
func ServFail(req *dns.Msg) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetRcode(req, dns.RcodeServerFailure)
	msg.RecursionAvailable = true
	return msg
}

// FormErr synthesizes a FORMERR reply, keeping the transaction id when
// the request header survived parsing.
func FormErr(req *dns.Msg) *dns.Msg {
	msg := new(dns.Msg)
	msg.Response = true
	msg.Rcode = dns.RcodeFormatError
	if req != nil {
		msg.Id = req.Id
	}
	return msg
}

// AnswerIPs collects the A/AAAA addresses in a response, for log entries.
func AnswerIPs(msg *dns.Msg) []string {
	if msg == nil {
		return nil
	}
	var ips []string
	for _, rr := range msg.Answer {
		switch r := rr.(type) {
		case *dns.A:
			ips = append(ips, r.A.String())
		case *dns.AAAA:
			ips = append(ips, r.AAAA.String())
		}
	}
	return ips
}
