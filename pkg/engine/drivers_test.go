package engine

import (
	"path/filepath"
	"testing"

	"dnsgate/pkg/config"
	"dnsgate/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDriversInMemory(t *testing.T) {
	set, err := BuildDrivers(memorySelection(), 100)
	require.NoError(t, err)
	defer set.Close()

	require.NoError(t, set.Cache.Clear())
	require.NoError(t, set.Blacklist.Add(store.ListEntry{Domain: "a.test"}))
	require.NoError(t, set.Logs.Append(store.LogEntry{Type: store.EntryRequest}))
	assert.Equal(t, memorySelection(), set.Selection)
}

func TestBuildDriversMixedBackends(t *testing.T) {
	dir := t.TempDir()
	set, err := BuildDrivers(config.DriversConfig{
		Logs:       store.DriverConsole,
		Cache:      store.DriverSQLite,
		Blacklist:  store.DriverFile,
		Whitelist:  store.DriverInMemory,
		SQLitePath: filepath.Join(dir, "store.db"),
		FileDir:    dir,
	}, 100)
	require.NoError(t, err)
	require.NoError(t, set.Close())
}

func TestBuildDriversUnknownNameFailsClosed(t *testing.T) {
	sel := memorySelection()
	sel.Whitelist = "redis"
	_, err := BuildDrivers(sel, 100)
	require.ErrorIs(t, err, ErrStorageInit)

	sel = memorySelection()
	sel.Logs = ""
	_, err = BuildDrivers(sel, 100)
	require.ErrorIs(t, err, ErrStorageInit)
}

func TestDriverSetList(t *testing.T) {
	set, err := BuildDrivers(memorySelection(), 100)
	require.NoError(t, err)
	defer set.Close()

	bl, err := set.List(store.ScopeBlacklist)
	require.NoError(t, err)
	assert.Same(t, set.Blacklist, bl)

	wl, err := set.List(store.ScopeWhitelist)
	require.NoError(t, err)
	assert.Same(t, set.Whitelist, wl)

	_, err = set.List(store.ScopeCache)
	require.ErrorIs(t, err, store.ErrInvalidScope)
}
