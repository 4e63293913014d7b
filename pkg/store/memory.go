package store

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// memoryCache is the in-memory CacheStore: a map guarded by an RWMutex.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]*CachedResponse
	closed  bool
}

// NewMemoryCache creates an empty in-memory cache driver.
func NewMemoryCache() CacheStore {
	return &memoryCache{entries: make(map[string]*CachedResponse)}
}

func (m *memoryCache) Get(key string) (*CachedResponse, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[key]
	return entry, ok
}

func (m *memoryCache) Set(key string, entry *CachedResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.entries[key] = entry
	return nil
}

func (m *memoryCache) Touch(key string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[key]; ok {
		entry.AccessCount++
		entry.LastAccessedAt = now
	}
}

func (m *memoryCache) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		return false
	}
	delete(m.entries, key)
	return true
}

func (m *memoryCache) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*CachedResponse)
	return nil
}

func (m *memoryCache) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys
}

func (m *memoryCache) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *memoryCache) EvictExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, entry := range m.entries {
		if entry.Expired(now) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

func (m *memoryCache) EvictOldest() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range m.entries {
		if oldestKey == "" || entry.LastAccessedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.LastAccessedAt
		}
	}
	if oldestKey == "" {
		return "", false
	}
	delete(m.entries, oldestKey)
	return oldestKey, true
}

func (m *memoryCache) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = make(map[string]*CachedResponse)
	return nil
}

// memoryList is the in-memory DomainList.
type memoryList struct {
	mu      sync.RWMutex
	entries map[string]ListEntry
	closed  bool
}

// NewMemoryList creates an empty in-memory domain list driver.
func NewMemoryList() DomainList {
	return &memoryList{entries: make(map[string]ListEntry)}
}

func (m *memoryList) Contains(domain string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[domain]
	return ok
}

func (m *memoryList) Add(entry ListEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if entry.AddedAt.IsZero() {
		entry.AddedAt = time.Now()
	}
	m.entries[entry.Domain] = entry
	return nil
}

func (m *memoryList) Remove(domain string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[domain]; !ok {
		return false
	}
	delete(m.entries, domain)
	return true
}

func (m *memoryList) Get(domain string) (ListEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[domain]
	return entry, ok
}

func (m *memoryList) List(category string) []ListEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]ListEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		if category != "" && entry.Category != category {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Domain < entries[j].Domain })
	return entries
}

func (m *memoryList) Import(entries []ListEntry) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	count := 0
	for _, entry := range entries {
		if entry.Domain == "" {
			continue
		}
		if entry.AddedAt.IsZero() {
			entry.AddedAt = time.Now()
		}
		if entry.Source == "" {
			entry.Source = SourceImport
		}
		m.entries[entry.Domain] = entry
		count++
	}
	return count, nil
}

func (m *memoryList) Export() []ListEntry {
	return m.List("")
}

func (m *memoryList) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]ListEntry)
	return nil
}

func (m *memoryList) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *memoryList) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// memoryLog is the in-memory LogStore: a bounded slice dropping the oldest
// entries on overflow.
type memoryLog struct {
	mu         sync.RWMutex
	entries    []LogEntry
	maxEntries int
	nextID     int64
	closed     bool
}

// DefaultLogMaxEntries bounds the in-memory log driver when no limit is
// configured.
const DefaultLogMaxEntries = 10000

// NewMemoryLog creates an in-memory log driver holding at most maxEntries.
func NewMemoryLog(maxEntries int) LogStore {
	if maxEntries <= 0 {
		maxEntries = DefaultLogMaxEntries
	}
	return &memoryLog{maxEntries: maxEntries, nextID: 1}
}

func (m *memoryLog) Append(entry LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	entry.ID = m.nextID
	m.nextID++
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	m.entries = append(m.entries, entry)
	if len(m.entries) > m.maxEntries {
		overflow := len(m.entries) - m.maxEntries
		m.entries = append(m.entries[:0:0], m.entries[overflow:]...)
	}
	return nil
}

func (m *memoryLog) Query(filter LogFilter) ([]LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := filter.limit()
	matched := 0
	skipped := 0
	results := make([]LogEntry, 0, limit)

	// Newest first.
	for i := len(m.entries) - 1; i >= 0 && matched < limit; i-- {
		entry := m.entries[i]
		if !filter.Matches(&entry) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		results = append(results, entry)
		matched++
	}
	return results, nil
}

func (m *memoryLog) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
	return nil
}

func (m *memoryLog) Cleanup(retentionDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	removed := 0
	for _, entry := range m.entries {
		if entry.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	m.entries = kept
	return removed, nil
}

func (m *memoryLog) Stats() (LogStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := LogStats{ByType: make(map[string]int64)}
	for i := range m.entries {
		entry := &m.entries[i]
		stats.Total++
		stats.ByType[string(entry.Type)]++
		if entry.Processing != nil {
			if entry.Processing.Blocked {
				stats.Blocked++
			}
			if entry.Processing.Cached {
				stats.Cached++
			}
		}
	}
	return stats, nil
}

func (m *memoryLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
