package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// DefaultFlushDebounce caps how long a file driver may sit dirty before its
// snapshot is written.
const DefaultFlushDebounce = 500 * time.Millisecond

// flusher debounces snapshot writes for the file drivers. Every mutation
// arms the timer; the snapshot is written once the writes quiet down or at
// Close, whichever comes first.
type flusher struct {
	path     string
	debounce time.Duration
	snapshot func() ([]byte, error)

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

func newFlusher(path string, debounce time.Duration, snapshot func() ([]byte, error)) *flusher {
	if debounce <= 0 || debounce > DefaultFlushDebounce {
		debounce = DefaultFlushDebounce
	}
	return &flusher{path: path, debounce: debounce, snapshot: snapshot}
}

func (f *flusher) markDirty() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	if f.timer == nil {
		f.timer = time.AfterFunc(f.debounce, f.flush)
		return
	}
	f.timer.Reset(f.debounce)
}

func (f *flusher) flush() {
	if err := f.write(); err != nil {
		slog.Default().Error("file driver flush failed", "path", f.path, "error", err)
	}
}

func (f *flusher) write() error {
	data, err := f.snapshot()
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *flusher) close() error {
	f.mu.Lock()
	f.closed = true
	if f.timer != nil {
		f.timer.Stop()
	}
	f.mu.Unlock()
	return f.write()
}

func readSnapshot(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func ensureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o750)
}

// cacheRecord is the on-disk form of a cache entry; the packet is stored as
// DNS wire bytes.
type cacheRecord struct {
	Key               string    `json:"key"`
	Packet            []byte    `json:"packet"`
	TTL               uint32    `json:"ttl"`
	InsertedAt        time.Time `json:"inserted_at"`
	AccessCount       int64     `json:"access_count"`
	LastAccessedAt    time.Time `json:"last_accessed"`
	Provider          string    `json:"provider,omitempty"`
	UpstreamLatencyMs float64   `json:"upstream_latency_ms,omitempty"`
}

func packEntry(key string, entry *CachedResponse) (cacheRecord, error) {
	packet, err := entry.Msg.Pack()
	if err != nil {
		return cacheRecord{}, fmt.Errorf("pack cached packet: %w", err)
	}
	return cacheRecord{
		Key:               key,
		Packet:            packet,
		TTL:               entry.TTL,
		InsertedAt:        entry.InsertedAt,
		AccessCount:       entry.AccessCount,
		LastAccessedAt:    entry.LastAccessedAt,
		Provider:          entry.Provider,
		UpstreamLatencyMs: entry.UpstreamLatencyMs,
	}, nil
}

func unpackRecord(rec cacheRecord) (*CachedResponse, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(rec.Packet); err != nil {
		return nil, fmt.Errorf("unpack cached packet: %w", err)
	}
	return &CachedResponse{
		Msg:               msg,
		TTL:               rec.TTL,
		InsertedAt:        rec.InsertedAt,
		AccessCount:       rec.AccessCount,
		LastAccessedAt:    rec.LastAccessedAt,
		Provider:          rec.Provider,
		UpstreamLatencyMs: rec.UpstreamLatencyMs,
	}, nil
}

// fileCache persists the in-memory cache as a JSON snapshot.
type fileCache struct {
	*memoryCache
	fl *flusher
}

// NewFileCache creates a file-backed cache driver, loading any existing
// snapshot at path. Entries that fail to decode are skipped.
func NewFileCache(path string, debounce time.Duration) (CacheStore, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	mem := &memoryCache{entries: make(map[string]*CachedResponse)}

	var records []cacheRecord
	if err := readSnapshot(path, &records); err != nil {
		return nil, fmt.Errorf("load cache snapshot: %w", err)
	}
	for _, rec := range records {
		entry, err := unpackRecord(rec)
		if err != nil {
			slog.Default().Warn("skipping undecodable cache snapshot entry", "key", rec.Key, "error", err)
			continue
		}
		mem.entries[rec.Key] = entry
	}

	fc := &fileCache{memoryCache: mem}
	fc.fl = newFlusher(path, debounce, fc.snapshot)
	return fc, nil
}

func (f *fileCache) snapshot() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	records := make([]cacheRecord, 0, len(f.entries))
	for key, entry := range f.entries {
		rec, err := packEntry(key, entry)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	return json.Marshal(records)
}

func (f *fileCache) Set(key string, entry *CachedResponse) error {
	if err := f.memoryCache.Set(key, entry); err != nil {
		return err
	}
	f.fl.markDirty()
	return nil
}

func (f *fileCache) Touch(key string, now time.Time) {
	f.memoryCache.Touch(key, now)
	f.fl.markDirty()
}

func (f *fileCache) Delete(key string) bool {
	ok := f.memoryCache.Delete(key)
	if ok {
		f.fl.markDirty()
	}
	return ok
}

func (f *fileCache) Clear() error {
	if err := f.memoryCache.Clear(); err != nil {
		return err
	}
	f.fl.markDirty()
	return nil
}

func (f *fileCache) EvictExpired(now time.Time) int {
	removed := f.memoryCache.EvictExpired(now)
	if removed > 0 {
		f.fl.markDirty()
	}
	return removed
}

func (f *fileCache) EvictOldest() (string, bool) {
	key, ok := f.memoryCache.EvictOldest()
	if ok {
		f.fl.markDirty()
	}
	return key, ok
}

func (f *fileCache) Close() error {
	err := f.fl.close()
	if cerr := f.memoryCache.Close(); err == nil {
		err = cerr
	}
	return err
}

// fileList persists a domain list as a JSON snapshot.
type fileList struct {
	*memoryList
	fl *flusher
}

// NewFileList creates a file-backed domain list driver, loading any
// existing snapshot at path.
func NewFileList(path string, debounce time.Duration) (DomainList, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	mem := &memoryList{entries: make(map[string]ListEntry)}

	var entries []ListEntry
	if err := readSnapshot(path, &entries); err != nil {
		return nil, fmt.Errorf("load list snapshot: %w", err)
	}
	for _, entry := range entries {
		if entry.Domain != "" {
			mem.entries[entry.Domain] = entry
		}
	}

	flst := &fileList{memoryList: mem}
	flst.fl = newFlusher(path, debounce, flst.snapshot)
	return flst, nil
}

func (f *fileList) snapshot() ([]byte, error) {
	return json.Marshal(f.memoryList.Export())
}

func (f *fileList) Add(entry ListEntry) error {
	if err := f.memoryList.Add(entry); err != nil {
		return err
	}
	f.fl.markDirty()
	return nil
}

func (f *fileList) Remove(domain string) bool {
	ok := f.memoryList.Remove(domain)
	if ok {
		f.fl.markDirty()
	}
	return ok
}

func (f *fileList) Import(entries []ListEntry) (int, error) {
	count, err := f.memoryList.Import(entries)
	if count > 0 {
		f.fl.markDirty()
	}
	return count, err
}

func (f *fileList) Clear() error {
	if err := f.memoryList.Clear(); err != nil {
		return err
	}
	f.fl.markDirty()
	return nil
}

func (f *fileList) Close() error {
	err := f.fl.close()
	if cerr := f.memoryList.Close(); err == nil {
		err = cerr
	}
	return err
}

// fileLog persists the query log as a JSON snapshot.
type fileLog struct {
	*memoryLog
	fl *flusher
}

// NewFileLog creates a file-backed log driver, loading any existing
// snapshot at path and continuing the id sequence.
func NewFileLog(path string, maxEntries int, debounce time.Duration) (LogStore, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	if maxEntries <= 0 {
		maxEntries = DefaultLogMaxEntries
	}
	mem := &memoryLog{maxEntries: maxEntries, nextID: 1}

	var entries []LogEntry
	if err := readSnapshot(path, &entries); err != nil {
		return nil, fmt.Errorf("load log snapshot: %w", err)
	}
	for _, entry := range entries {
		if entry.ID >= mem.nextID {
			mem.nextID = entry.ID + 1
		}
	}
	mem.entries = entries

	fl := &fileLog{memoryLog: mem}
	fl.fl = newFlusher(path, debounce, fl.snapshot)
	return fl, nil
}

func (f *fileLog) snapshot() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return json.Marshal(f.entries)
}

func (f *fileLog) Append(entry LogEntry) error {
	if err := f.memoryLog.Append(entry); err != nil {
		return err
	}
	f.fl.markDirty()
	return nil
}

func (f *fileLog) Clear() error {
	if err := f.memoryLog.Clear(); err != nil {
		return err
	}
	f.fl.markDirty()
	return nil
}

func (f *fileLog) Cleanup(retentionDays int) (int, error) {
	removed, err := f.memoryLog.Cleanup(retentionDays)
	if removed > 0 {
		f.fl.markDirty()
	}
	return removed, err
}

func (f *fileLog) Close() error {
	err := f.fl.close()
	if cerr := f.memoryLog.Close(); err == nil {
		err = cerr
	}
	return err
}
