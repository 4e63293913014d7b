package engine

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"dnsgate/pkg/config"
	"dnsgate/pkg/events"
	"dnsgate/pkg/store"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func managerConfig(t *testing.T, upstreamAddr string) *config.Config {
	t.Helper()
	cfg := config.LoadWithDefaults()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.StatePath = filepath.Join(t.TempDir(), "state.json")
	cfg.Server.DrainTimeout = 50 * time.Millisecond
	cfg.Resolver.Providers = []string{config.ProviderSystem}
	cfg.Resolver.SystemResolver = upstreamAddr
	cfg.Resolver.UpstreamTimeout = time.Second
	cfg.Resolver.QueryDeadline = 3 * time.Second
	cfg.Resolver.StaggerDelay = 10 * time.Millisecond
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Config) *Manager {
	t.Helper()
	m, err := NewManager(cfg, events.NewBus(nil), testMetrics(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

// freePort grabs an ephemeral port and releases it for the caller.
func freePort(t *testing.T) int {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := pc.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, pc.Close())
	return port
}

func TestManagerLifecycle(t *testing.T) {
	cfg := managerConfig(t, startTestDNS(t, answerHandler("192.0.2.1", 300, nil)))
	m := newTestManager(t, cfg)

	assert.Equal(t, StateStopped, m.State())

	require.NoError(t, m.Start(0, nil))
	assert.Equal(t, StateRunning, m.State())
	require.ErrorIs(t, m.Start(0, nil), ErrIllegalState)

	st := m.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, []string{config.ProviderSystem}, st.Providers)
	assert.False(t, st.StartedAt.IsZero())

	require.NoError(t, m.Stop())
	assert.Equal(t, StateStopped, m.State())
	require.ErrorIs(t, m.Stop(), ErrIllegalState)
}

func TestManagerToggle(t *testing.T) {
	cfg := managerConfig(t, startTestDNS(t, answerHandler("192.0.2.1", 300, nil)))
	m := newTestManager(t, cfg)

	require.NoError(t, m.Toggle())
	assert.Equal(t, StateRunning, m.State())
	require.NoError(t, m.Toggle())
	assert.Equal(t, StateStopped, m.State())
}

func TestManagerServesQueries(t *testing.T) {
	cfg := managerConfig(t, startTestDNS(t, answerHandler("192.0.2.1", 300, nil)))
	m := newTestManager(t, cfg)

	port := freePort(t)
	require.NoError(t, m.Start(port, nil))
	assert.Equal(t, port, m.Status().Port)

	req := questionA("example.test")
	resp, err := dns.Exchange(req, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "192.0.2.1", resp.Answer[0].(*dns.A).A.String())

	require.NoError(t, m.Stop())
}

func TestManagerBindFailure(t *testing.T) {
	cfg := managerConfig(t, startTestDNS(t, answerHandler("192.0.2.1", 300, nil)))
	m := newTestManager(t, cfg)

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()
	taken := pc.LocalAddr().(*net.UDPAddr).Port

	err = m.Start(taken, nil)
	require.ErrorIs(t, err, ErrBindFailure)
	assert.Equal(t, StateStopped, m.State())
}

func TestManagerUpdateDrivers(t *testing.T) {
	cfg := managerConfig(t, startTestDNS(t, answerHandler("192.0.2.1", 300, nil)))
	m := newTestManager(t, cfg)

	require.NoError(t, m.Drivers().Blacklist.Add(store.ListEntry{Domain: "old.test"}))

	// Partial selection inherits the untouched scopes.
	require.NoError(t, m.UpdateDrivers(config.DriversConfig{
		Cache:   store.DriverFile,
		FileDir: t.TempDir(),
	}))
	sel := m.Drivers().Selection
	assert.Equal(t, store.DriverFile, sel.Cache)
	assert.Equal(t, store.DriverInMemory, sel.Blacklist)
	assert.Equal(t, store.DriverInMemory, sel.Logs)

	// The fresh blacklist driver starts empty.
	assert.False(t, m.Drivers().Blacklist.Contains("old.test"))
}

func TestManagerUpdateDriversRejectsUnknown(t *testing.T) {
	cfg := managerConfig(t, startTestDNS(t, answerHandler("192.0.2.1", 300, nil)))
	m := newTestManager(t, cfg)

	err := m.UpdateDrivers(config.DriversConfig{Cache: "redis"})
	require.ErrorIs(t, err, store.ErrUnknownDriver)
	assert.Equal(t, store.DriverInMemory, m.Drivers().Selection.Cache)
}

func TestManagerUpdateResolverConfigRequiresRunning(t *testing.T) {
	cfg := managerConfig(t, startTestDNS(t, answerHandler("192.0.2.1", 300, nil)))
	m := newTestManager(t, cfg)

	rc := cfg.Resolver
	rc.EnableWhitelistMode = true
	require.ErrorIs(t, m.UpdateResolverConfig(rc), ErrIllegalState)

	require.NoError(t, m.Start(0, nil))
	require.NoError(t, m.UpdateResolverConfig(rc))
	assert.True(t, m.Config().Resolver.EnableWhitelistMode)
	assert.True(t, m.Status().WhitelistMode)
	require.NoError(t, m.Stop())
}

func TestManagerPersistsStateAcrossRestarts(t *testing.T) {
	upstreamAddr := startTestDNS(t, answerHandler("192.0.2.1", 300, nil))
	cfg := managerConfig(t, upstreamAddr)
	statePath := cfg.Server.StatePath

	m := newTestManager(t, cfg)
	require.NoError(t, m.UpdateDrivers(config.DriversConfig{
		Cache:   store.DriverFile,
		FileDir: t.TempDir(),
	}))
	require.NoError(t, m.Close())

	_, err := os.Stat(statePath)
	require.NoError(t, err)

	fresh := config.LoadWithDefaults()
	fresh.Server.StatePath = statePath
	m2 := newTestManager(t, fresh)

	assert.Equal(t, store.DriverFile, m2.Drivers().Selection.Cache)
	assert.Equal(t, []string{config.ProviderSystem}, m2.Config().Resolver.Providers)
	assert.Equal(t, upstreamAddr, m2.Config().Resolver.SystemResolver)
}

func TestManagerClearScope(t *testing.T) {
	cfg := managerConfig(t, startTestDNS(t, answerHandler("192.0.2.1", 300, nil)))
	m := newTestManager(t, cfg)

	require.NoError(t, m.Drivers().Blacklist.Add(store.ListEntry{Domain: "a.test"}))
	require.NoError(t, m.ClearScope(store.ScopeBlacklist))
	assert.Equal(t, 0, m.Drivers().Blacklist.Len())

	require.ErrorIs(t, m.ClearScope("sessions"), store.ErrInvalidScope)
}

func TestManagerLifecycleEventsOnBus(t *testing.T) {
	cfg := managerConfig(t, startTestDNS(t, answerHandler("192.0.2.1", 300, nil)))
	bus := events.NewBus(nil)
	m, err := NewManager(cfg, bus, testMetrics(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	require.NoError(t, m.Start(0, nil))
	select {
	case evt := <-sub.Events():
		assert.Equal(t, events.TypeStatus, evt.Type)
		assert.False(t, evt.Timestamp.IsZero())
		entry, ok := evt.Data.(store.LogEntry)
		require.True(t, ok)
		assert.Equal(t, store.EventStarted, entry.Kind)
	case <-time.After(time.Second):
		t.Fatal("no status event after start")
	}
	require.NoError(t, m.Stop())
}

func TestManagerReportSizesTracksDeltas(t *testing.T) {
	cfg := managerConfig(t, startTestDNS(t, answerHandler("192.0.2.1", 300, nil)))
	m, err := NewManager(cfg, events.NewBus(nil), testMetrics(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	set := m.Drivers()
	require.NoError(t, set.Blacklist.Add(store.ListEntry{Domain: "a.test"}))
	require.NoError(t, set.Blacklist.Add(store.ListEntry{Domain: "b.test"}))

	ctx := context.Background()
	m.reportSizes(ctx, set)
	assert.EqualValues(t, 2, m.lastBlacklistSize.Load())
	assert.EqualValues(t, 0, m.lastCacheSize.Load())

	require.True(t, set.Blacklist.Remove("a.test"))
	m.reportSizes(ctx, set)
	assert.EqualValues(t, 1, m.lastBlacklistSize.Load())
}
