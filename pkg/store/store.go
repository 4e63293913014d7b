// Package store contains the pluggable storage drivers behind the cache,
// the domain lists and the query log. Every role has in-memory, flat-file
// and SQLite implementations; logs additionally have a console driver.
// Drivers are safe for concurrent use and are swapped at runtime as a unit
// (see engine.DriverSet).
package store

import (
	"errors"
	"time"

	"github.com/miekg/dns"
)

var (
	// ErrClosed is returned by driver calls after Close.
	ErrClosed = errors.New("store: driver closed")

	// ErrUnknownDriver is returned by the registry for unknown names.
	ErrUnknownDriver = errors.New("store: unknown driver")

	// ErrInvalidScope is returned by the registry for unknown scopes.
	ErrInvalidScope = errors.New("store: invalid scope")
)

// CachedResponse is a cache entry: the upstream packet plus the metadata
// needed for TTL accounting and LRU eviction. The TTL is frozen at insert
// together with the insertion timestamp; the age-adjusted TTL surfaced to
// clients is computed by the cache engine on hit.
type CachedResponse struct {
	Msg               *dns.Msg
	TTL               uint32 // seconds, frozen at insert
	InsertedAt        time.Time
	AccessCount       int64
	LastAccessedAt    time.Time
	Provider          string
	UpstreamLatencyMs float64
}

// Expired reports whether now >= insertedAt + ttl.
func (c *CachedResponse) Expired(now time.Time) bool {
	return !now.Before(c.InsertedAt.Add(time.Duration(c.TTL) * time.Second))
}

// Age returns the whole seconds elapsed since insertion.
func (c *CachedResponse) Age(now time.Time) uint32 {
	age := now.Sub(c.InsertedAt) / time.Second
	if age < 0 {
		return 0
	}
	return uint32(age)
}

// CacheStore is the driver contract behind the response cache. Policy
// (TTL clamping, what is cacheable, when to evict) lives in the cache
// engine; the driver is plain fingerprint-keyed storage.
type CacheStore interface {
	Get(key string) (*CachedResponse, bool)
	Set(key string, entry *CachedResponse) error
	// Touch bumps the access count and last-access time of an entry.
	Touch(key string, now time.Time)
	Delete(key string) bool
	Clear() error
	Keys() []string
	Size() int
	// EvictExpired removes entries whose TTL has elapsed, returning the count.
	EvictExpired(now time.Time) int
	// EvictOldest removes the entry with the lowest last-access time.
	EvictOldest() (string, bool)
	Close() error
}

// List entry sources.
const (
	SourceManual = "manual"
	SourceImport = "import"
	SourceAuto   = "auto"
	SourceAPI    = "api"
)

// ListEntry is a blacklist or whitelist member. Domain is stored in
// normalized form (lowercase, no trailing dot) and is unique per list.
type ListEntry struct {
	Domain   string    `json:"domain"`
	AddedAt  time.Time `json:"added_at"`
	Source   string    `json:"source"`
	Reason   string    `json:"reason,omitempty"`
	Category string    `json:"category,omitempty"`
}

// DomainList is the driver contract behind the blacklist and whitelist.
// Add is an upsert: re-adding a domain refreshes AddedAt.
type DomainList interface {
	Contains(domain string) bool
	Add(entry ListEntry) error
	Remove(domain string) bool
	Get(domain string) (ListEntry, bool)
	// List returns entries, optionally restricted to one category.
	List(category string) []ListEntry
	Import(entries []ListEntry) (int, error)
	Export() []ListEntry
	Clear() error
	Len() int
	Close() error
}

// Log entry types.
type EntryType string

const (
	EntryRequest     EntryType = "request"
	EntryResponse    EntryType = "response"
	EntryError       EntryType = "error"
	EntryServerEvent EntryType = "server_event"
)

// Server event kinds.
const (
	EventStarted       = "started"
	EventStopped       = "stopped"
	EventCrashed       = "crashed"
	EventConfigChanged = "config_changed"
)

// ProcessingInfo describes how a response was produced.
type ProcessingInfo struct {
	Success     bool    `json:"success"`
	Cached      bool    `json:"cached"`
	Blocked     bool    `json:"blocked"`
	Whitelisted bool    `json:"whitelisted"`
	Provider    string  `json:"provider,omitempty"`
	LatencyMs   float64 `json:"latency_ms"`
	Attempt     int     `json:"attempt"`
}

// LogEntry is one structured event in the query log. RequestID ties a
// Request to its Response and is distinct from the 16-bit DNS transaction
// id, which repeats across concurrent in-flight queries.
type LogEntry struct {
	ID           int64           `json:"id,omitempty"`
	RequestID    string          `json:"request_id,omitempty"`
	Type         EntryType       `json:"type"`
	Timestamp    time.Time       `json:"ts"`
	Level        string          `json:"level,omitempty"`
	Transport    string          `json:"transport,omitempty"` // udp, tcp, doh
	ClientAddr   string          `json:"client_addr,omitempty"`
	Domain       string          `json:"domain,omitempty"`
	QueryType    string          `json:"query_type,omitempty"`
	Processing   *ProcessingInfo `json:"processing,omitempty"`
	Resolved     []string        `json:"resolved,omitempty"`
	ResponseSize int             `json:"response_size,omitempty"`
	Provider     string          `json:"provider,omitempty"`
	Message      string          `json:"message,omitempty"`
	Kind         string          `json:"kind,omitempty"` // server event kind
	Port         int             `json:"port,omitempty"`
}

// LogFilter narrows a log query. Domain matches as a substring.
type LogFilter struct {
	Type      EntryType
	Level     string
	Domain    string
	Provider  string
	RequestID string
	Success   *bool
	Start     time.Time
	End       time.Time
	Limit     int
	Offset    int
}

// DefaultQueryLimit bounds unpaginated log queries.
const DefaultQueryLimit = 100

func (f LogFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultQueryLimit
	}
	return f.Limit
}

// Matches reports whether an entry passes the filter, time and pagination
// fields aside. Shared by the in-memory and file drivers.
func (f LogFilter) Matches(e *LogEntry) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	if f.Domain != "" && !containsFold(e.Domain, f.Domain) {
		return false
	}
	if f.Provider != "" && entryProvider(e) != f.Provider {
		return false
	}
	if f.RequestID != "" && e.RequestID != f.RequestID {
		return false
	}
	if f.Success != nil {
		if e.Processing == nil || e.Processing.Success != *f.Success {
			return false
		}
	}
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && e.Timestamp.After(f.End) {
		return false
	}
	return true
}

func entryProvider(e *LogEntry) string {
	if e.Processing != nil && e.Processing.Provider != "" {
		return e.Processing.Provider
	}
	return e.Provider
}

// LogStats summarizes the content of a log store.
type LogStats struct {
	Total   int64            `json:"total"`
	ByType  map[string]int64 `json:"by_type"`
	Blocked int64            `json:"blocked"`
	Cached  int64            `json:"cached"`
}

// LogStore is the driver contract behind the query log. Append must never
// fail a DNS response: callers treat errors as observability loss only.
type LogStore interface {
	Append(entry LogEntry) error
	Query(filter LogFilter) ([]LogEntry, error)
	Clear() error
	// Cleanup removes entries older than retentionDays, returning the count.
	Cleanup(retentionDays int) (int, error)
	Stats() (LogStats, error)
	Close() error
}
