package engine

import (
	"time"

	"dnsgate/pkg/config"
	"dnsgate/pkg/dnsmsg"
	"dnsgate/pkg/store"

	"github.com/miekg/dns"
)

// CachePolicy decides what enters the response cache and for how long.
// It is stateless over the driver so a hot-swapped CacheStore needs no
// re-configuration; the resolver passes the driver it captured at
// request start.
type CachePolicy struct {
	maxEntries  int
	minTTL      uint32
	maxTTL      uint32
	negativeTTL uint32
}

// NewCachePolicy derives the policy from configuration. The negative TTL
// is capped so NXDOMAIN never outlives five minutes.
func NewCachePolicy(cfg *config.CacheConfig) *CachePolicy {
	neg := uint32(cfg.NegativeTTL / time.Second)
	if neg == 0 || neg > dnsmsg.NegativeTTLCap {
		neg = dnsmsg.NegativeTTLCap
	}
	return &CachePolicy{
		maxEntries:  cfg.MaxEntries,
		minTTL:      uint32(cfg.MinTTL / time.Second),
		maxTTL:      uint32(cfg.MaxTTL / time.Second),
		negativeTTL: neg,
	}
}

// Lookup returns a response for the request if a live entry exists. The
// returned message is a copy with the request's transaction id and TTLs
// aged down; the stored packet is never handed out. Expired entries are
// deleted on sight.
func (p *CachePolicy) Lookup(driver store.CacheStore, req *dns.Msg, now time.Time) (*dns.Msg, *store.CachedResponse) {
	if len(req.Question) == 0 {
		return nil, nil
	}
	key := dnsmsg.Fingerprint(req.Question[0])

	entry, ok := driver.Get(key)
	if !ok {
		return nil, nil
	}
	if entry.Expired(now) {
		driver.Delete(key)
		return nil, nil
	}
	driver.Touch(key, now)

	resp := entry.Msg.Copy()
	resp.Id = req.Id
	resp.Response = true
	resp.RecursionAvailable = true
	dnsmsg.RewriteTTL(resp, entry.Age(now))
	return resp, entry
}

// Store writes an upstream response to the cache when policy allows.
// Returns whether the response was cached.
func (p *CachePolicy) Store(driver store.CacheStore, req, resp *dns.Msg, provider string, latencyMs float64, now time.Time) bool {
	if len(req.Question) == 0 || !dnsmsg.Cacheable(resp) {
		return false
	}

	var ttl uint32
	if resp.Rcode == dns.RcodeNameError || len(resp.Answer) == 0 {
		ttl = p.negativeTTL
	} else {
		ttl = dnsmsg.ClampTTL(dnsmsg.MinTTL(resp), p.minTTL, p.maxTTL)
	}

	key := dnsmsg.Fingerprint(req.Question[0])
	err := driver.Set(key, &store.CachedResponse{
		Msg:               resp.Copy(),
		TTL:               ttl,
		InsertedAt:        now,
		LastAccessedAt:    now,
		Provider:          provider,
		UpstreamLatencyMs: latencyMs,
	})
	if err != nil {
		return false
	}

	for p.maxEntries > 0 && driver.Size() >= p.maxEntries {
		if _, ok := driver.EvictOldest(); !ok {
			break
		}
	}
	return true
}

// Sweep removes expired entries; the manager runs it on a ticker.
func (p *CachePolicy) Sweep(driver store.CacheStore, now time.Time) int {
	return driver.EvictExpired(now)
}
