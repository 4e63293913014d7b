package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"dnsgate/pkg/config"
	"dnsgate/pkg/events"
	"dnsgate/pkg/logging"
	"dnsgate/pkg/policy"
	"dnsgate/pkg/store"
	"dnsgate/pkg/telemetry"
	"dnsgate/pkg/upstream"
)

// Server lifecycle states.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// ErrIllegalState rejects a lifecycle operation invalid in the current
// state.
var ErrIllegalState = errors.New("engine: illegal state transition")

// Status is the externally visible manager snapshot.
type Status struct {
	State            State                `json:"state"`
	Port             int                  `json:"port,omitempty"`
	StartedAt        time.Time            `json:"started_at,omitempty"`
	UptimeSeconds    float64              `json:"uptime_seconds,omitempty"`
	Providers        []string             `json:"providers"`
	HealthyProviders []string             `json:"healthy_providers"`
	WhitelistMode    bool                 `json:"whitelist_mode"`
	Drivers          config.DriversConfig `json:"drivers"`
	CacheSize        int                  `json:"cache_size"`
	BlacklistSize    int                  `json:"blacklist_size"`
	WhitelistSize    int                  `json:"whitelist_size"`
	DroppedLogWrites int64                `json:"dropped_log_writes"`
}

// persistedState survives restarts: the driver selection and the live
// resolver settings.
type persistedState struct {
	Drivers  config.DriversConfig  `json:"drivers"`
	Resolver config.ResolverConfig `json:"resolver"`
	SavedAt  time.Time             `json:"saved_at"`
}

// Manager owns the server lifecycle, the active driver set and the
// persisted state. All transitions run under one mutex; the hot request
// path never takes it.
type Manager struct {
	logger  *logging.Logger
	bus     *events.Bus
	metrics *telemetry.Metrics

	cache    *CachePolicy
	pipeline *LogPipeline
	resolver *Resolver
	server   *Server

	drivers atomic.Pointer[DriverSet]

	mu        sync.Mutex
	state     State
	cfg       *config.Config
	group     *upstream.Group
	rules     *policy.Engine
	port      int
	startedAt time.Time
	bgCancel  context.CancelFunc

	lastCacheSize     atomic.Int64
	lastBlacklistSize atomic.Int64
}

// NewManager builds the full engine from configuration, merging any
// state persisted by a previous run. Storage errors wrap ErrStorageInit,
// config errors surface as-is.
func NewManager(cfg *config.Config, bus *events.Bus, metrics *telemetry.Metrics, logger *logging.Logger) (*Manager, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	m := &Manager{
		logger:  logger.WithField("component", "manager"),
		bus:     bus,
		metrics: metrics,
		state:   StateStopped,
		cfg:     cfg,
	}
	m.loadPersisted()

	set, err := BuildDrivers(cfg.Drivers, cfg.Logs.MaxEntries)
	if err != nil {
		return nil, err
	}
	m.drivers.Store(set)

	m.group, err = upstream.NewGroup(&cfg.Resolver, logger)
	if err != nil {
		set.Close()
		return nil, fmt.Errorf("upstream: %w", err)
	}

	m.rules, err = policy.FromConfig(&cfg.Policy)
	if err != nil {
		set.Close()
		return nil, fmt.Errorf("policy: %w", err)
	}

	m.cache = NewCachePolicy(&cfg.Cache)
	m.pipeline = NewLogPipeline(cfg.Logs.BufferSize, cfg.Logs.Workers, func() store.LogStore {
		if d := m.drivers.Load(); d != nil {
			return d.Logs
		}
		return nil
	}, metrics, logger)

	m.resolver = NewResolver(&cfg.Resolver, m.rules, m.group, m.cache, &m.drivers, m.pipeline, bus, metrics, logger)
	m.server = NewServer(m.resolver, logger)
	return m, nil
}

// Resolver exposes the pipeline for the DoH handler.
func (m *Manager) Resolver() *Resolver { return m.resolver }

// Drivers returns the active driver set.
func (m *Manager) Drivers() *DriverSet { return m.drivers.Load() }

// Config returns a copy of the current configuration.
func (m *Manager) Config() config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.cfg
}

// Start transitions Stopped -> Starting -> Running. port overrides the
// configured listener port when non-zero; override, when non-nil,
// replaces the resolver settings before listening.
func (m *Manager) Start(port int, override *config.ResolverConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateStopped {
		return fmt.Errorf("%w: start from %s", ErrIllegalState, m.state)
	}
	m.state = StateStarting

	if override != nil {
		if err := m.applyResolverLocked(*override); err != nil {
			m.state = StateStopped
			return err
		}
	}

	if err := m.server.Start(&m.cfg.Server, port); err != nil {
		m.state = StateStopped
		return err
	}

	if port == 0 {
		port = m.cfg.Server.Port
	}
	m.port = port
	m.startedAt = time.Now()
	m.state = StateRunning
	m.persistLocked()

	ctx, cancel := context.WithCancel(context.Background())
	m.bgCancel = cancel
	go m.runSweep(ctx)
	go m.pipeline.RunRetention(ctx, time.Hour, m.cfg.Logs.RetentionDays)
	go m.bus.RunKeepalive(ctx, events.KeepaliveInterval)
	go m.bus.RunStatus(ctx, events.StatusInterval, func() any { return m.Status() })

	m.serverEvent(store.EventStarted, "listeners started", port)
	m.logger.Info("server started", "port", port)
	return nil
}

// Stop transitions Running -> Stopping -> Stopped, draining in-flight
// queries within the configured grace window.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRunning {
		return fmt.Errorf("%w: stop from %s", ErrIllegalState, m.state)
	}
	m.state = StateStopping

	if m.bgCancel != nil {
		m.bgCancel()
		m.bgCancel = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Server.DrainTimeout)
	defer cancel()
	err := m.server.Shutdown(ctx)

	m.state = StateStopped
	port := m.port
	m.port = 0

	m.serverEvent(store.EventStopped, "listeners stopped", port)
	m.logger.Info("server stopped")
	return err
}

// Toggle starts when stopped and stops when running.
func (m *Manager) Toggle() error {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	switch state {
	case StateStopped:
		return m.Start(0, nil)
	case StateRunning:
		return m.Stop()
	default:
		return fmt.Errorf("%w: toggle from %s", ErrIllegalState, state)
	}
}

// Status snapshots the manager and its storage sizes.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{
		State:            m.state,
		Port:             m.port,
		StartedAt:        m.startedAt,
		Providers:        m.group.Names(),
		HealthyProviders: m.group.Healthy(),
		WhitelistMode:    m.cfg.Resolver.EnableWhitelistMode,
	}
	if m.state == StateRunning {
		st.UptimeSeconds = time.Since(m.startedAt).Seconds()
	} else {
		st.StartedAt = time.Time{}
	}
	m.mu.Unlock()

	if set := m.drivers.Load(); set != nil {
		st.Drivers = set.Selection
		st.CacheSize = set.Cache.Size()
		st.BlacklistSize = set.Blacklist.Len()
		st.WhitelistSize = set.Whitelist.Len()
	}
	st.DroppedLogWrites = m.pipeline.Dropped()
	return st
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UpdateDrivers builds a new driver set from the selection and swaps it
// in atomically. Allowed in any state; in-flight requests finish on the
// old set, which is closed after a drain delay.
func (m *Manager) UpdateDrivers(sel config.DriversConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fillSelectionLocked(&sel)
	if err := validateSelection(sel); err != nil {
		return err
	}

	set, err := BuildDrivers(sel, m.cfg.Logs.MaxEntries)
	if err != nil {
		return err
	}

	old := m.drivers.Swap(set)
	m.cfg.Drivers = sel
	m.persistLocked()

	drain := m.cfg.Server.DrainTimeout
	go func() {
		time.Sleep(drain)
		if err := old.Close(); err != nil {
			m.logger.Warn("closing replaced drivers", "error", err)
		}
	}()

	m.bus.Publish(events.TypeDrivers, sel)
	m.serverEvent(store.EventConfigChanged, "driver selection changed", m.port)
	m.logger.Info("drivers swapped",
		"logs", sel.Logs, "cache", sel.Cache,
		"blacklist", sel.Blacklist, "whitelist", sel.Whitelist)
	return nil
}

// UpdateResolverConfig applies new resolver settings to the live
// pipeline. Allowed only while running.
func (m *Manager) UpdateResolverConfig(rc config.ResolverConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRunning {
		return fmt.Errorf("%w: resolver config update from %s", ErrIllegalState, m.state)
	}
	if err := m.applyResolverLocked(rc); err != nil {
		return err
	}
	m.persistLocked()

	m.serverEvent(store.EventConfigChanged, "resolver config changed", m.port)
	return nil
}

func (m *Manager) applyResolverLocked(rc config.ResolverConfig) error {
	group, err := upstream.NewGroup(&rc, m.logger)
	if err != nil {
		return fmt.Errorf("upstream: %w", err)
	}
	m.cfg.Resolver = rc
	m.group = group
	m.resolver.ApplyConfig(&rc, m.rules, group)
	return nil
}

// ClearScope clears the storage behind one scope and announces the
// refresh on the bus.
func (m *Manager) ClearScope(scope string) error {
	set := m.drivers.Load()
	var err error
	switch scope {
	case store.ScopeCache:
		err = set.Cache.Clear()
	case store.ScopeBlacklist:
		err = set.Blacklist.Clear()
	case store.ScopeWhitelist:
		err = set.Whitelist.Clear()
	case store.ScopeLogs:
		err = set.Logs.Clear()
	default:
		return fmt.Errorf("%w: %q", store.ErrInvalidScope, scope)
	}
	if err != nil {
		return err
	}
	m.bus.Publish(events.TypeDrivers, map[string]string{"scope": scope, "action": "cleared"})
	return nil
}

// Close releases everything the manager owns. The server is stopped
// first when still running.
func (m *Manager) Close() error {
	if m.State() == StateRunning {
		if err := m.Stop(); err != nil {
			m.logger.Warn("stop during close", "error", err)
		}
	}
	m.pipeline.Close()
	if set := m.drivers.Swap(nil); set != nil {
		return set.Close()
	}
	return nil
}

// serverEvent records a lifecycle event in the log store and on the bus.
func (m *Manager) serverEvent(kind, message string, port int) {
	entry := store.LogEntry{
		Type:      store.EntryServerEvent,
		Level:     "info",
		Kind:      kind,
		Message:   message,
		Port:      port,
		Timestamp: time.Now(),
	}
	m.pipeline.Enqueue(entry)
	m.bus.Publish(events.TypeStatus, entry)
}

func (m *Manager) runSweep(ctx context.Context) {
	interval := m.cfg.Cache.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			set := m.drivers.Load()
			if set == nil {
				continue
			}
			if removed := m.cache.Sweep(set.Cache, time.Now()); removed > 0 {
				m.metrics.CacheEvictions.Add(ctx, int64(removed))
				m.logger.Debug("cache sweep", "removed", removed)
			}
			m.reportSizes(ctx, set)
		}
	}
}

// reportSizes feeds the size gauges. UpDownCounters take deltas, so the
// last reported values are kept on the manager.
func (m *Manager) reportSizes(ctx context.Context, set *DriverSet) {
	cacheSize := int64(set.Cache.Size())
	m.metrics.CacheSize.Add(ctx, cacheSize-m.lastCacheSize.Swap(cacheSize))

	blacklistSize := int64(set.Blacklist.Len())
	m.metrics.BlacklistSize.Add(ctx, blacklistSize-m.lastBlacklistSize.Swap(blacklistSize))
}

// fillSelectionLocked inherits unset fields from the current selection
// so a partial driver update keeps paths and untouched scopes.
func (m *Manager) fillSelectionLocked(sel *config.DriversConfig) {
	cur := m.cfg.Drivers
	if sel.Logs == "" {
		sel.Logs = cur.Logs
	}
	if sel.Cache == "" {
		sel.Cache = cur.Cache
	}
	if sel.Blacklist == "" {
		sel.Blacklist = cur.Blacklist
	}
	if sel.Whitelist == "" {
		sel.Whitelist = cur.Whitelist
	}
	if sel.SQLitePath == "" {
		sel.SQLitePath = cur.SQLitePath
	}
	if sel.FileDir == "" {
		sel.FileDir = cur.FileDir
	}
	if sel.FlushDebounce == 0 {
		sel.FlushDebounce = cur.FlushDebounce
	}
}

func validateSelection(sel config.DriversConfig) error {
	for _, s := range []struct{ scope, name string }{
		{store.ScopeCache, sel.Cache},
		{store.ScopeBlacklist, sel.Blacklist},
		{store.ScopeWhitelist, sel.Whitelist},
	} {
		switch s.name {
		case store.DriverInMemory, store.DriverFile, store.DriverSQLite:
		default:
			return fmt.Errorf("%w: %s driver %q", store.ErrUnknownDriver, s.scope, s.name)
		}
	}
	switch sel.Logs {
	case store.DriverInMemory, store.DriverFile, store.DriverSQLite, store.DriverConsole:
		return nil
	default:
		return fmt.Errorf("%w: logs driver %q", store.ErrUnknownDriver, sel.Logs)
	}
}

func (m *Manager) loadPersisted() {
	path := m.cfg.Server.StatePath
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("reading persisted state", "path", path, "error", err)
		}
		return
	}
	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		m.logger.Warn("decoding persisted state", "path", path, "error", err)
		return
	}
	if st.Drivers.Cache != "" {
		m.cfg.Drivers = st.Drivers
	}
	if len(st.Resolver.Providers) > 0 {
		m.cfg.Resolver = st.Resolver
	}
	m.logger.Info("restored persisted state", "path", path, "saved_at", st.SavedAt)
}

func (m *Manager) persistLocked() {
	path := m.cfg.Server.StatePath
	if path == "" {
		return
	}
	st := persistedState{
		Drivers:  m.cfg.Drivers,
		Resolver: m.cfg.Resolver,
		SavedAt:  time.Now(),
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		m.logger.Warn("encoding persisted state", "error", err)
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		m.logger.Warn("writing persisted state", "path", path, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		m.logger.Warn("writing persisted state", "path", path, "error", err)
	}
}
