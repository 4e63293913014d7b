package engine

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"dnsgate/pkg/config"
	"dnsgate/pkg/logging"
	"dnsgate/pkg/store"
	"dnsgate/pkg/telemetry"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func testMetrics(t *testing.T) *telemetry.Metrics {
	t.Helper()
	tel, err := telemetry.New(context.Background(), &config.TelemetryConfig{}, logging.Discard())
	require.NoError(t, err)
	metrics, err := tel.InitMetrics()
	require.NoError(t, err)
	return metrics
}

func memorySelection() config.DriversConfig {
	return config.DriversConfig{
		Logs:      store.DriverInMemory,
		Cache:     store.DriverInMemory,
		Blacklist: store.DriverInMemory,
		Whitelist: store.DriverInMemory,
	}
}

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		MaxEntries:  100,
		MinTTL:      10 * time.Second,
		MaxTTL:      24 * time.Hour,
		NegativeTTL: time.Minute,
	}
}

// startTestDNS runs a local UDP resolver answering with the handler and
// returns its address.
func startTestDNS(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &dns.Server{PacketConn: pc, Handler: handler}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })
	return pc.LocalAddr().String()
}

// answerHandler responds with a fixed A record and counts exchanges.
func answerHandler(ip string, ttl uint32, calls *atomic.Int64) dns.HandlerFunc {
	return func(w dns.ResponseWriter, req *dns.Msg) {
		if calls != nil {
			calls.Add(1)
		}
		resp := new(dns.Msg)
		resp.SetReply(req)
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name: req.Question[0].Name, Rrtype: dns.TypeA,
				Class: dns.ClassINET, Ttl: ttl,
			},
			A: net.ParseIP(ip),
		})
		w.WriteMsg(resp)
	}
}

func questionA(domain string) *dns.Msg {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(domain), dns.TypeA)
	return req
}
