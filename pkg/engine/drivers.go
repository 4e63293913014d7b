// Package engine ties the resolver pipeline together: driver hot-swap,
// cache policy, the async log pipeline and the server lifecycle.
package engine

import (
	"errors"
	"fmt"

	"dnsgate/pkg/config"
	"dnsgate/pkg/store"
)

// ErrStorageInit marks a driver construction failure at startup, which
// maps to its own process exit code.
var ErrStorageInit = errors.New("engine: storage initialization failed")

// DriverSet is the storage backends behind one configuration, swapped as
// a unit. The resolver captures the active set once per request, so a
// swap never changes storage under an in-flight query.
type DriverSet struct {
	Selection config.DriversConfig

	Cache     store.CacheStore
	Blacklist store.DomainList
	Whitelist store.DomainList
	Logs      store.LogStore
}

// BuildDrivers constructs the four drivers named by the selection.
// Construction is all-or-nothing: a failure closes whatever was already
// opened.
func BuildDrivers(sel config.DriversConfig, logMaxEntries int) (*DriverSet, error) {
	opts := store.Options{
		MaxEntries:    logMaxEntries,
		SQLitePath:    sel.SQLitePath,
		FileDir:       sel.FileDir,
		FlushDebounce: sel.FlushDebounce,
	}

	set := &DriverSet{Selection: sel}
	var err error

	if set.Cache, err = store.NewCache(sel.Cache, opts); err != nil {
		return nil, fmt.Errorf("%w: cache: %v", ErrStorageInit, err)
	}
	if set.Blacklist, err = store.NewList(store.ScopeBlacklist, sel.Blacklist, opts); err != nil {
		set.Close()
		return nil, fmt.Errorf("%w: blacklist: %v", ErrStorageInit, err)
	}
	if set.Whitelist, err = store.NewList(store.ScopeWhitelist, sel.Whitelist, opts); err != nil {
		set.Close()
		return nil, fmt.Errorf("%w: whitelist: %v", ErrStorageInit, err)
	}
	if set.Logs, err = store.NewLogs(sel.Logs, opts); err != nil {
		set.Close()
		return nil, fmt.Errorf("%w: logs: %v", ErrStorageInit, err)
	}
	return set, nil
}

// List returns the domain list for a scope.
func (d *DriverSet) List(scope string) (store.DomainList, error) {
	switch scope {
	case store.ScopeBlacklist:
		return d.Blacklist, nil
	case store.ScopeWhitelist:
		return d.Whitelist, nil
	default:
		return nil, fmt.Errorf("%w: %q", store.ErrInvalidScope, scope)
	}
}

// Close closes every open driver, joining errors.
func (d *DriverSet) Close() error {
	var errs []error
	for _, c := range []interface{ Close() error }{d.Cache, d.Blacklist, d.Whitelist, d.Logs} {
		if c != nil {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
