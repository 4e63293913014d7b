package store

import (
	"fmt"
	"path/filepath"
	"time"
)

// Scope names match the admin driver-selection surface.
const (
	ScopeLogs      = "logs"
	ScopeCache     = "cache"
	ScopeBlacklist = "blacklist"
	ScopeWhitelist = "whitelist"
)

// Driver names.
const (
	DriverInMemory = "inmemory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverConsole  = "console"
)

// Options carries everything a driver constructor may need. Unused fields
// are ignored by drivers that do not need them.
type Options struct {
	// MaxEntries bounds the in-memory log driver.
	MaxEntries int
	// SQLitePath is the shared database file for the sqlite drivers.
	SQLitePath string
	// FileDir is where the file drivers keep their snapshots.
	FileDir string
	// FlushDebounce bounds how long a file driver may sit dirty.
	FlushDebounce time.Duration
}

type (
	cacheConstructor func(Options) (CacheStore, error)
	listConstructor  func(Options) (DomainList, error)
	logConstructor   func(Options) (LogStore, error)
)

// Adding a backend is one entry per scope table.
var cacheDrivers = map[string]cacheConstructor{
	DriverInMemory: func(Options) (CacheStore, error) { return NewMemoryCache(), nil },
	DriverFile: func(o Options) (CacheStore, error) {
		return NewFileCache(filepath.Join(o.FileDir, "cache.json"), o.FlushDebounce)
	},
	DriverSQLite: func(o Options) (CacheStore, error) { return NewSQLiteCache(o.SQLitePath) },
}

func listDrivers(table, filename string) map[string]listConstructor {
	return map[string]listConstructor{
		DriverInMemory: func(Options) (DomainList, error) { return NewMemoryList(), nil },
		DriverFile: func(o Options) (DomainList, error) {
			return NewFileList(filepath.Join(o.FileDir, filename), o.FlushDebounce)
		},
		DriverSQLite: func(o Options) (DomainList, error) { return NewSQLiteList(o.SQLitePath, table) },
	}
}

var (
	blacklistDrivers = listDrivers("dns_blacklist", "blacklist.json")
	whitelistDrivers = listDrivers("dns_whitelist", "whitelist.json")
)

var logDrivers = map[string]logConstructor{
	DriverInMemory: func(o Options) (LogStore, error) { return NewMemoryLog(o.MaxEntries), nil },
	DriverFile: func(o Options) (LogStore, error) {
		return NewFileLog(filepath.Join(o.FileDir, "logs.json"), o.MaxEntries, o.FlushDebounce)
	},
	DriverSQLite:  func(o Options) (LogStore, error) { return NewSQLiteLog(o.SQLitePath) },
	DriverConsole: func(Options) (LogStore, error) { return NewConsoleLog(), nil },
}

// NewCache constructs a cache driver by name.
func NewCache(name string, opts Options) (CacheStore, error) {
	ctor, ok := cacheDrivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: cache driver %q", ErrUnknownDriver, name)
	}
	return ctor(opts)
}

// NewList constructs a blacklist or whitelist driver by scope and name.
func NewList(scope, name string, opts Options) (DomainList, error) {
	var table map[string]listConstructor
	switch scope {
	case ScopeBlacklist:
		table = blacklistDrivers
	case ScopeWhitelist:
		table = whitelistDrivers
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	ctor, ok := table[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s driver %q", ErrUnknownDriver, scope, name)
	}
	return ctor(opts)
}

// NewLogs constructs a log driver by name.
func NewLogs(name string, opts Options) (LogStore, error) {
	ctor, ok := logDrivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: log driver %q", ErrUnknownDriver, name)
	}
	return ctor(opts)
}

// Available lists the driver names valid for a scope.
func Available(scope string) []string {
	switch scope {
	case ScopeLogs:
		return []string{DriverConsole, DriverInMemory, DriverFile, DriverSQLite}
	case ScopeCache, ScopeBlacklist, ScopeWhitelist:
		return []string{DriverInMemory, DriverFile, DriverSQLite}
	default:
		return nil
	}
}
