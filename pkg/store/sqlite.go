package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	_ "modernc.org/sqlite"
)

// openSQLite opens the shared database file with the pragmas used across
// all three SQLite drivers. SQLite works best through a single connection.
func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	return db, nil
}

// sqliteCache is the SQLite CacheStore.
type sqliteCache struct {
	db *sql.DB
	mu sync.Mutex
}

const cacheSchema = `
CREATE TABLE IF NOT EXISTS dns_cache (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	ttl INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0,
	last_accessed INTEGER NOT NULL,
	provider TEXT NOT NULL DEFAULT '',
	latency_ms REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_dns_cache_last_accessed ON dns_cache(last_accessed);
`

// NewSQLiteCache creates the SQLite cache driver at path.
func NewSQLiteCache(path string) (CacheStore, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(cacheSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply cache schema: %w", err)
	}
	return &sqliteCache{db: db}, nil
}

func (s *sqliteCache) Get(key string) (*CachedResponse, bool) {
	row := s.db.QueryRow(
		`SELECT value, ttl, created_at, access_count, last_accessed, provider, latency_ms
		 FROM dns_cache WHERE key = ?`, key)

	var packet []byte
	var ttl uint32
	var createdAt, lastAccessed, accessCount int64
	var provider string
	var latencyMs float64
	if err := row.Scan(&packet, &ttl, &createdAt, &accessCount, &lastAccessed, &provider, &latencyMs); err != nil {
		return nil, false
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(packet); err != nil {
		return nil, false
	}
	return &CachedResponse{
		Msg:               msg,
		TTL:               ttl,
		InsertedAt:        time.UnixMilli(createdAt),
		AccessCount:       accessCount,
		LastAccessedAt:    time.UnixMilli(lastAccessed),
		Provider:          provider,
		UpstreamLatencyMs: latencyMs,
	}, true
}

func (s *sqliteCache) Set(key string, entry *CachedResponse) error {
	packet, err := entry.Msg.Pack()
	if err != nil {
		return fmt.Errorf("pack cached packet: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO dns_cache (key, value, ttl, created_at, access_count, last_accessed, provider, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			value = excluded.value, ttl = excluded.ttl, created_at = excluded.created_at,
			access_count = excluded.access_count, last_accessed = excluded.last_accessed,
			provider = excluded.provider, latency_ms = excluded.latency_ms`,
		key, packet, entry.TTL, entry.InsertedAt.UnixMilli(),
		entry.AccessCount, entry.LastAccessedAt.UnixMilli(), entry.Provider, entry.UpstreamLatencyMs)
	return err
}

func (s *sqliteCache) Touch(key string, now time.Time) {
	_, _ = s.db.Exec(
		`UPDATE dns_cache SET access_count = access_count + 1, last_accessed = ? WHERE key = ?`,
		now.UnixMilli(), key)
}

func (s *sqliteCache) Delete(key string) bool {
	res, err := s.db.Exec(`DELETE FROM dns_cache WHERE key = ?`, key)
	if err != nil {
		return false
	}
	n, _ := res.RowsAffected()
	return n > 0
}

func (s *sqliteCache) Clear() error {
	_, err := s.db.Exec(`DELETE FROM dns_cache`)
	return err
}

func (s *sqliteCache) Keys() []string {
	rows, err := s.db.Query(`SELECT key FROM dns_cache`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if rows.Scan(&key) == nil {
			keys = append(keys, key)
		}
	}
	return keys
}

func (s *sqliteCache) Size() int {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM dns_cache`).Scan(&n); err != nil {
		return 0
	}
	return n
}

func (s *sqliteCache) EvictExpired(now time.Time) int {
	res, err := s.db.Exec(
		`DELETE FROM dns_cache WHERE created_at + ttl * 1000 <= ?`, now.UnixMilli())
	if err != nil {
		return 0
	}
	n, _ := res.RowsAffected()
	return int(n)
}

func (s *sqliteCache) EvictOldest() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var key string
	err := s.db.QueryRow(
		`SELECT key FROM dns_cache ORDER BY last_accessed ASC LIMIT 1`).Scan(&key)
	if err != nil {
		return "", false
	}
	if _, err := s.db.Exec(`DELETE FROM dns_cache WHERE key = ?`, key); err != nil {
		return "", false
	}
	return key, true
}

func (s *sqliteCache) Close() error {
	return s.db.Close()
}

// sqliteList is the SQLite DomainList. The blacklist and whitelist use the
// same driver against different tables.
type sqliteList struct {
	db    *sql.DB
	table string
}

type listData struct {
	Reason   string `json:"reason,omitempty"`
	Category string `json:"category,omitempty"`
}

// NewSQLiteList creates a SQLite list driver. table must be dns_blacklist
// or dns_whitelist.
func NewSQLiteList(path, table string) (DomainList, error) {
	if table != "dns_blacklist" && table != "dns_whitelist" {
		return nil, fmt.Errorf("%w: list table %q", ErrInvalidScope, table)
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	domain TEXT PRIMARY KEY,
	added_at INTEGER NOT NULL,
	source TEXT NOT NULL DEFAULT 'manual',
	data TEXT NOT NULL DEFAULT '{}'
);`, table)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply list schema: %w", err)
	}
	return &sqliteList{db: db, table: table}, nil
}

func (s *sqliteList) Contains(domain string) bool {
	var one int
	err := s.db.QueryRow(
		fmt.Sprintf(`SELECT 1 FROM %s WHERE domain = ?`, s.table), domain).Scan(&one)
	return err == nil
}

func (s *sqliteList) Add(entry ListEntry) error {
	if entry.AddedAt.IsZero() {
		entry.AddedAt = time.Now()
	}
	data, err := json.Marshal(listData{Reason: entry.Reason, Category: entry.Category})
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		fmt.Sprintf(`INSERT INTO %s (domain, added_at, source, data) VALUES (?, ?, ?, ?)
			ON CONFLICT(domain) DO UPDATE SET
			added_at = excluded.added_at, source = excluded.source, data = excluded.data`, s.table),
		entry.Domain, entry.AddedAt.UnixMilli(), entry.Source, string(data))
	return err
}

func (s *sqliteList) Remove(domain string) bool {
	res, err := s.db.Exec(
		fmt.Sprintf(`DELETE FROM %s WHERE domain = ?`, s.table), domain)
	if err != nil {
		return false
	}
	n, _ := res.RowsAffected()
	return n > 0
}

func (s *sqliteList) Get(domain string) (ListEntry, bool) {
	row := s.db.QueryRow(
		fmt.Sprintf(`SELECT domain, added_at, source, data FROM %s WHERE domain = ?`, s.table), domain)
	entry, err := scanListEntry(row)
	if err != nil {
		return ListEntry{}, false
	}
	return entry, true
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListEntry(row rowScanner) (ListEntry, error) {
	var entry ListEntry
	var addedAt int64
	var data string
	if err := row.Scan(&entry.Domain, &addedAt, &entry.Source, &data); err != nil {
		return ListEntry{}, err
	}
	entry.AddedAt = time.UnixMilli(addedAt)
	var extra listData
	if json.Unmarshal([]byte(data), &extra) == nil {
		entry.Reason = extra.Reason
		entry.Category = extra.Category
	}
	return entry, nil
}

func (s *sqliteList) List(category string) []ListEntry {
	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT domain, added_at, source, data FROM %s ORDER BY domain`, s.table))
	if err != nil {
		return nil
	}
	defer rows.Close()

	var entries []ListEntry
	for rows.Next() {
		entry, err := scanListEntry(rows)
		if err != nil {
			continue
		}
		if category != "" && entry.Category != category {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

func (s *sqliteList) Import(entries []ListEntry) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(
		fmt.Sprintf(`INSERT INTO %s (domain, added_at, source, data) VALUES (?, ?, ?, ?)
			ON CONFLICT(domain) DO UPDATE SET
			added_at = excluded.added_at, source = excluded.source, data = excluded.data`, s.table))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

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
		data, err := json.Marshal(listData{Reason: entry.Reason, Category: entry.Category})
		if err != nil {
			continue
		}
		if _, err := stmt.Exec(entry.Domain, entry.AddedAt.UnixMilli(), entry.Source, string(data)); err != nil {
			return count, err
		}
		count++
	}
	return count, tx.Commit()
}

func (s *sqliteList) Export() []ListEntry {
	return s.List("")
}

func (s *sqliteList) Clear() error {
	_, err := s.db.Exec(fmt.Sprintf(`DELETE FROM %s`, s.table))
	return err
}

func (s *sqliteList) Len() int {
	var n int
	if err := s.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n); err != nil {
		return 0
	}
	return n
}

func (s *sqliteList) Close() error {
	return s.db.Close()
}

// sqliteLog is the SQLite LogStore. The full entry is stored as JSON with
// the filterable fields broken out into columns.
type sqliteLog struct {
	db *sql.DB
}

const logSchema = `
CREATE TABLE IF NOT EXISTS dns_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL DEFAULT '',
	entry_type TEXT NOT NULL,
	ts INTEGER NOT NULL,
	level TEXT NOT NULL DEFAULT '',
	domain TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	success INTEGER,
	data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dns_logs_ts ON dns_logs(ts);
CREATE INDEX IF NOT EXISTS idx_dns_logs_request_id ON dns_logs(request_id);
`

// NewSQLiteLog creates the SQLite log driver at path.
func NewSQLiteLog(path string) (LogStore, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(logSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply log schema: %w", err)
	}
	return &sqliteLog{db: db}, nil
}

func (s *sqliteLog) Append(entry LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	var success any
	if entry.Processing != nil {
		success = entry.Processing.Success
	}
	_, err = s.db.Exec(
		`INSERT INTO dns_logs (request_id, entry_type, ts, level, domain, provider, success, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, string(entry.Type), entry.Timestamp.UnixMilli(),
		entry.Level, entry.Domain, entryProvider(&entry), success, string(data))
	return err
}

func (s *sqliteLog) Query(filter LogFilter) ([]LogEntry, error) {
	var conds []string
	var args []any

	if filter.Type != "" {
		conds = append(conds, "entry_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Level != "" {
		conds = append(conds, "level = ?")
		args = append(args, filter.Level)
	}
	if filter.Domain != "" {
		conds = append(conds, "domain LIKE ?")
		args = append(args, "%"+filter.Domain+"%")
	}
	if filter.Provider != "" {
		conds = append(conds, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.RequestID != "" {
		conds = append(conds, "request_id = ?")
		args = append(args, filter.RequestID)
	}
	if filter.Success != nil {
		conds = append(conds, "success = ?")
		args = append(args, *filter.Success)
	}
	if !filter.Start.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, filter.Start.UnixMilli())
	}
	if !filter.End.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, filter.End.UnixMilli())
	}

	query := `SELECT id, data FROM dns_logs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.limit(), filter.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var id int64
		var data string
		if err := rows.Scan(&id, &data); err != nil {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			continue
		}
		entry.ID = id
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *sqliteLog) Clear() error {
	_, err := s.db.Exec(`DELETE FROM dns_logs`)
	return err
}

func (s *sqliteLog) Cleanup(retentionDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	res, err := s.db.Exec(`DELETE FROM dns_logs WHERE ts < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteLog) Stats() (LogStats, error) {
	stats := LogStats{ByType: make(map[string]int64)}

	rows, err := s.db.Query(`SELECT entry_type, COUNT(*) FROM dns_logs GROUP BY entry_type`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var count int64
		if rows.Scan(&typ, &count) == nil {
			stats.ByType[typ] = count
			stats.Total += count
		}
	}

	_ = s.db.QueryRow(
		`SELECT COUNT(*) FROM dns_logs WHERE json_extract(data, '$.processing.blocked') = 1`).Scan(&stats.Blocked)
	_ = s.db.QueryRow(
		`SELECT COUNT(*) FROM dns_logs WHERE json_extract(data, '$.processing.cached') = 1`).Scan(&stats.Cached)
	return stats, nil
}

func (s *sqliteLog) Close() error {
	return s.db.Close()
}
