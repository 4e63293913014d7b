package engine

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"dnsgate/pkg/logging"
	"dnsgate/pkg/store"
)

// DropRecorder receives the count of log entries shed by a full buffer.
type DropRecorder interface {
	AddDroppedWrites(ctx context.Context, count int64)
}

// LogPipeline decouples the request path from log storage: Enqueue never
// blocks, worker goroutines drain bounded buffers into whichever log
// driver is active when the entry is written. Entries sharing a request
// id land on the same worker, so one request's entries reach the store
// in enqueue order. A full buffer drops the entry and counts it; losing
// observability is preferred over stalling a DNS response.
type LogPipeline struct {
	shards  []chan store.LogEntry
	current func() store.LogStore
	metrics DropRecorder
	logger  *logging.Logger

	wg        sync.WaitGroup
	dropped   atomic.Int64
	closeOnce sync.Once
}

// NewLogPipeline creates the pipeline and starts its workers. current
// resolves the active log driver per write so driver swaps take effect
// immediately.
func NewLogPipeline(bufferSize, workers int, current func() store.LogStore, metrics DropRecorder, logger *logging.Logger) *LogPipeline {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if workers <= 0 {
		workers = 2
	}
	if logger == nil {
		logger = logging.Discard()
	}

	perShard := bufferSize / workers
	if perShard < 1 {
		perShard = 1
	}

	p := &LogPipeline{
		shards:  make([]chan store.LogEntry, workers),
		current: current,
		metrics: metrics,
		logger:  logger.WithField("component", "logpipe"),
	}
	p.wg.Add(workers)
	for i := range p.shards {
		p.shards[i] = make(chan store.LogEntry, perShard)
		go p.worker(p.shards[i])
	}
	return p
}

func (p *LogPipeline) worker(ch <-chan store.LogEntry) {
	defer p.wg.Done()
	for entry := range ch {
		driver := p.current()
		if driver == nil {
			continue
		}
		if err := driver.Append(entry); err != nil {
			p.logger.Debug("log append failed", "type", entry.Type, "error", err)
		}
	}
}

func (p *LogPipeline) shard(requestID string) chan store.LogEntry {
	if len(p.shards) == 1 || requestID == "" {
		return p.shards[0]
	}
	h := fnv.New32a()
	h.Write([]byte(requestID))
	return p.shards[int(h.Sum32())%len(p.shards)]
}

// Enqueue submits an entry without blocking. Entries with no timestamp
// get one here, not at write time.
func (p *LogPipeline) Enqueue(entry store.LogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	select {
	case p.shard(entry.RequestID) <- entry:
	default:
		n := p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.AddDroppedWrites(context.Background(), 1)
		}
		if n == 1 || n%1000 == 0 {
			p.logger.Warn("log buffer full, dropping entries", "dropped_total", n)
		}
	}
}

// Dropped returns the total number of shed entries.
func (p *LogPipeline) Dropped() int64 {
	return p.dropped.Load()
}

// RunRetention deletes entries older than retentionDays once per
// interval until ctx is cancelled.
func (p *LogPipeline) RunRetention(ctx context.Context, interval time.Duration, retentionDays int) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			driver := p.current()
			if driver == nil {
				continue
			}
			removed, err := driver.Cleanup(retentionDays)
			if err != nil {
				p.logger.Warn("log retention cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				p.logger.Info("log retention cleanup", "removed", removed)
			}
		}
	}
}

// Close drains the buffers and stops the workers.
func (p *LogPipeline) Close() {
	p.closeOnce.Do(func() {
		for _, ch := range p.shards {
			close(ch)
		}
	})
	p.wg.Wait()
}
