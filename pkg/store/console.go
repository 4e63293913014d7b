package store

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// consoleLog writes formatted records to stderr and retains nothing.
// Query/Stats report empty results; Cleanup and Clear are no-ops.
type consoleLog struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsoleLog creates the console log driver.
func NewConsoleLog() LogStore {
	return &consoleLog{out: os.Stderr}
}

func (c *consoleLog) Append(entry LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s]", entry.Timestamp.Format(time.RFC3339), entry.Type)
	if entry.RequestID != "" {
		fmt.Fprintf(&b, " req=%s", entry.RequestID)
	}
	if entry.Domain != "" {
		fmt.Fprintf(&b, " domain=%s", entry.Domain)
	}
	if entry.QueryType != "" {
		fmt.Fprintf(&b, " qtype=%s", entry.QueryType)
	}
	if p := entry.Processing; p != nil {
		fmt.Fprintf(&b, " success=%t cached=%t blocked=%t latency_ms=%.1f",
			p.Success, p.Cached, p.Blocked, p.LatencyMs)
		if p.Provider != "" {
			fmt.Fprintf(&b, " provider=%s", p.Provider)
		}
	}
	if entry.Kind != "" {
		fmt.Fprintf(&b, " kind=%s", entry.Kind)
	}
	if entry.Message != "" {
		fmt.Fprintf(&b, " msg=%q", entry.Message)
	}
	b.WriteByte('\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := io.WriteString(c.out, b.String())
	return err
}

func (c *consoleLog) Query(LogFilter) ([]LogEntry, error) { return nil, nil }
func (c *consoleLog) Clear() error                        { return nil }
func (c *consoleLog) Cleanup(int) (int, error)            { return 0, nil }
func (c *consoleLog) Stats() (LogStats, error) {
	return LogStats{ByType: make(map[string]int64)}, nil
}
func (c *consoleLog) Close() error { return nil }
