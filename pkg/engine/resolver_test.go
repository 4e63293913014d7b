package engine

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dnsgate/pkg/config"
	"dnsgate/pkg/dnsmsg"
	"dnsgate/pkg/events"
	"dnsgate/pkg/policy"
	"dnsgate/pkg/store"
	"dnsgate/pkg/upstream"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resolverHarness struct {
	resolver *Resolver
	set      *DriverSet
	pipeline *LogPipeline
	bus      *events.Bus
	rc       config.ResolverConfig
	rules    *policy.Engine
	group    *upstream.Group

	drivers atomic.Pointer[DriverSet]
}

func newResolverHarness(t *testing.T, upstreamAddr string) *resolverHarness {
	t.Helper()

	set, err := BuildDrivers(memorySelection(), 100)
	require.NoError(t, err)
	t.Cleanup(func() { set.Close() })

	h := &resolverHarness{
		set:   set,
		bus:   events.NewBus(nil),
		rules: policy.NewEngine(),
		rc: config.ResolverConfig{
			Providers:       []string{config.ProviderSystem},
			SystemResolver:  upstreamAddr,
			SecondaryDNS:    config.ProviderCloudflare,
			UpstreamTimeout: time.Second,
			QueryDeadline:   3 * time.Second,
			FanOut:          3,
			StaggerDelay:    10 * time.Millisecond,
		},
	}
	h.drivers.Store(set)
	h.pipeline = NewLogPipeline(64, 1, func() store.LogStore { return set.Logs }, nil, nil)
	t.Cleanup(h.pipeline.Close)
	t.Cleanup(h.bus.Close)

	h.group, err = upstream.NewGroup(&h.rc, nil)
	require.NoError(t, err)

	cacheCfg := testCacheConfig()
	h.resolver = NewResolver(&h.rc, h.rules, h.group, NewCachePolicy(&cacheCfg),
		&h.drivers, h.pipeline, h.bus, testMetrics(t), nil)
	return h
}

func (h *resolverHarness) resolve(domain string) *dns.Msg {
	return h.resolver.Resolve(context.Background(), questionA(domain), TransportUDP, "127.0.0.1:5353")
}

func TestResolveFormErrOnEmptyQuestion(t *testing.T) {
	h := newResolverHarness(t, startTestDNS(t, answerHandler("192.0.2.1", 300, nil)))

	req := new(dns.Msg)
	req.Id = 77
	resp := h.resolver.Resolve(context.Background(), req, TransportUDP, "127.0.0.1:5353")
	assert.Equal(t, dns.RcodeFormatError, resp.Rcode)
	assert.Equal(t, uint16(77), resp.Id)
	assert.True(t, resp.Response)

	resp = h.resolver.Resolve(context.Background(), nil, TransportUDP, "127.0.0.1:5353")
	assert.Equal(t, dns.RcodeFormatError, resp.Rcode)
}

func TestResolveForwardsAndCaches(t *testing.T) {
	var calls atomic.Int64
	h := newResolverHarness(t, startTestDNS(t, answerHandler("192.0.2.1", 300, &calls)))

	resp := h.resolve("example.test")
	require.Len(t, resp.Answer, 1)
	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "192.0.2.1", a.A.String())
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, 1, h.set.Cache.Size())

	// Second query is served from cache.
	resp = h.resolve("example.test")
	require.Len(t, resp.Answer, 1)
	assert.EqualValues(t, 1, calls.Load())
}

func TestResolveBlacklisted(t *testing.T) {
	var calls atomic.Int64
	h := newResolverHarness(t, startTestDNS(t, answerHandler("192.0.2.1", 300, &calls)))
	require.NoError(t, h.set.Blacklist.Add(store.ListEntry{Domain: "ads.test"}))

	resp := h.resolve("ads.test")
	require.Len(t, resp.Answer, 1)
	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "0.0.0.0", a.A.String())
	assert.EqualValues(t, dnsmsg.BlockedTTL, a.Hdr.Ttl)
	assert.EqualValues(t, 0, calls.Load())
}

func TestResolveWhitelistOverridesBlacklist(t *testing.T) {
	h := newResolverHarness(t, startTestDNS(t, answerHandler("192.0.2.1", 300, nil)))
	require.NoError(t, h.set.Blacklist.Add(store.ListEntry{Domain: "both.test"}))
	require.NoError(t, h.set.Whitelist.Add(store.ListEntry{Domain: "both.test"}))

	resp := h.resolve("both.test")
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "192.0.2.1", resp.Answer[0].(*dns.A).A.String())
}

func TestResolvePolicyRuleBlocks(t *testing.T) {
	h := newResolverHarness(t, startTestDNS(t, answerHandler("192.0.2.1", 300, nil)))
	require.NoError(t, h.rules.AddRule(&policy.Rule{
		Name: "no-gambling", Logic: `Domain endsWith ".bet.test"`,
		Action: policy.ActionBlock, Enabled: true,
	}))

	resp := h.resolve("play.bet.test")
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "0.0.0.0", resp.Answer[0].(*dns.A).A.String())
}

func TestResolveAllowRuleBypassesBlacklist(t *testing.T) {
	h := newResolverHarness(t, startTestDNS(t, answerHandler("192.0.2.1", 300, nil)))
	require.NoError(t, h.set.Blacklist.Add(store.ListEntry{Domain: "cdn.test"}))
	require.NoError(t, h.rules.AddRule(&policy.Rule{
		Name: "keep-cdn", Logic: `Domain == "cdn.test"`,
		Action: policy.ActionAllow, Enabled: true,
	}))

	resp := h.resolve("cdn.test")
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "192.0.2.1", resp.Answer[0].(*dns.A).A.String())
}

func TestResolveServFailWhenUpstreamUnreachable(t *testing.T) {
	// Bind then release a port so nothing answers there.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	require.NoError(t, pc.Close())

	h := newResolverHarness(t, addr)
	h.rc.UpstreamTimeout = 200 * time.Millisecond
	h.rc.QueryDeadline = time.Second
	group, err := upstream.NewGroup(&h.rc, nil)
	require.NoError(t, err)
	h.resolver.ApplyConfig(&h.rc, h.rules, group)

	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)

	resp := h.resolve("example.test")
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
	assert.True(t, resp.Response)

	// The failed dispatch surfaces as an error event on the bus.
	deadline := time.After(time.Second)
	for {
		select {
		case evt := <-sub.Events():
			if evt.Type != events.TypeError {
				continue
			}
			entry, ok := evt.Data.(store.LogEntry)
			require.True(t, ok)
			assert.Equal(t, store.EntryError, entry.Type)
			assert.Contains(t, entry.Message, "all providers failed")
			return
		case <-deadline:
			t.Fatal("no error event published")
		}
	}
}

func TestResolveWhitelistModeRoutesProviders(t *testing.T) {
	var mu sync.Mutex
	dohDomains := make(map[string]int)
	doh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		req := new(dns.Msg)
		require.NoError(t, req.Unpack(body))
		mu.Lock()
		dohDomains[dnsmsg.Normalize(req.Question[0].Name)]++
		mu.Unlock()

		resp := new(dns.Msg)
		resp.SetReply(req)
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name: req.Question[0].Name, Rrtype: dns.TypeA,
				Class: dns.ClassINET, Ttl: 300,
			},
			A: net.ParseIP("192.0.2.53").To4(),
		})
		packed, err := resp.Pack()
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/dns-message")
		w.Write(packed)
	}))
	defer doh.Close()

	h := newResolverHarness(t, startTestDNS(t, answerHandler("192.0.2.1", 300, nil)))
	h.rc.Providers = []string{config.ProviderNextDNS, config.ProviderSystem}
	h.rc.NextDNSConfigID = "abc123"
	h.rc.NextDNSEndpoint = doh.URL
	h.rc.EnableWhitelistMode = true
	h.rc.SecondaryDNS = config.ProviderSystem
	group, err := upstream.NewGroup(&h.rc, nil)
	require.NoError(t, err)
	h.resolver.ApplyConfig(&h.rc, h.rules, group)

	require.NoError(t, h.set.Whitelist.Add(store.ListEntry{Domain: "bank.test"}))

	// Whitelisted names resolve through NextDNS.
	resp := h.resolve("bank.test")
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "192.0.2.53", resp.Answer[0].(*dns.A).A.String())
	entry, ok := h.set.Cache.Get("bank.test|A|IN")
	require.True(t, ok)
	assert.Equal(t, config.ProviderNextDNS, entry.Provider)

	// Everything else goes to the secondary and never touches NextDNS.
	resp = h.resolve("news.test")
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "192.0.2.1", resp.Answer[0].(*dns.A).A.String())
	entry, ok = h.set.Cache.Get("news.test|A|IN")
	require.True(t, ok)
	assert.Equal(t, config.ProviderSystem, entry.Provider)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"bank.test": 1}, dohDomains)
}

func TestResolveLogsRequestAndResponse(t *testing.T) {
	h := newResolverHarness(t, startTestDNS(t, answerHandler("192.0.2.1", 300, nil)))

	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)

	h.resolve("example.test")
	h.pipeline.Close()

	entries, err := h.set.Logs.Query(store.LogFilter{Domain: "example.test"})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Newest first: response then request, sharing one correlation id.
	resp, req := entries[0], entries[1]
	assert.Equal(t, store.EntryResponse, resp.Type)
	assert.Equal(t, store.EntryRequest, req.Type)
	assert.Equal(t, req.RequestID, resp.RequestID)
	assert.NotEmpty(t, req.RequestID)
	assert.Equal(t, TransportUDP, req.Transport)
	assert.Equal(t, "A", req.QueryType)

	require.NotNil(t, resp.Processing)
	assert.True(t, resp.Processing.Success)
	assert.False(t, resp.Processing.Blocked)
	assert.Equal(t, []string{"192.0.2.1"}, resp.Resolved)
	assert.Greater(t, resp.ResponseSize, 0)

	select {
	case evt := <-sub.Events():
		assert.Equal(t, events.TypeLog, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("no query event published")
	}
}

func TestResolveRequestIDsUnique(t *testing.T) {
	h := newResolverHarness(t, startTestDNS(t, answerHandler("192.0.2.1", 300, nil)))

	h.resolve("a.test")
	h.resolve("b.test")
	h.pipeline.Close()

	entries, err := h.set.Logs.Query(store.LogFilter{Type: store.EntryRequest})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.NotEqual(t, entries[0].RequestID, entries[1].RequestID)
}

func TestApplyConfigSwapsRules(t *testing.T) {
	var calls atomic.Int64
	h := newResolverHarness(t, startTestDNS(t, answerHandler("192.0.2.1", 300, &calls)))

	resp := h.resolve("swap.test")
	require.Len(t, resp.Answer, 1)

	rules := policy.NewEngine()
	require.NoError(t, rules.AddRule(&policy.Rule{
		Name: "block-all", Logic: `Domain != ""`,
		Action: policy.ActionBlock, Enabled: true,
	}))
	h.resolver.ApplyConfig(&h.rc, rules, h.group)

	resp = h.resolve("other.test")
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "0.0.0.0", resp.Answer[0].(*dns.A).A.String())
}
