package store

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileCacheSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")

	c, err := NewFileCache(path, time.Second)
	require.NoError(t, err)

	now := time.Now()
	entry := cacheEntry("example.com", 120, now)
	entry.Provider = "google"
	require.NoError(t, c.Set("example.com|A|IN", entry))
	require.NoError(t, c.Close())

	reopened, err := NewFileCache(path, time.Second)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok := reopened.Get("example.com|A|IN")
	require.True(t, ok)
	assert.EqualValues(t, 120, got.TTL)
	assert.Equal(t, "google", got.Provider)
	require.Len(t, got.Msg.Question, 1)
	assert.Equal(t, "example.com.", got.Msg.Question[0].Name)
}

func TestFileCacheLoadsEmptyOrMissingSnapshot(t *testing.T) {
	dir := t.TempDir()

	c, err := NewFileCache(filepath.Join(dir, "absent.json"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Size())
	require.NoError(t, c.Close())

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	c, err = NewFileCache(empty, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Size())
	require.NoError(t, c.Close())
}

func TestFileCacheRejectsCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFileCache(path, time.Second)
	require.Error(t, err)
}

func TestFileListSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blacklist.json")

	l, err := NewFileList(path, time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Add(ListEntry{Domain: "ads.example.com", Source: SourceManual, Category: "ads"}))
	require.NoError(t, l.Add(ListEntry{Domain: "tracker.example.com", Source: SourceImport}))
	require.NoError(t, l.Close())

	reopened, err := NewFileList(path, time.Second)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 2, reopened.Len())
	entry, ok := reopened.Get("ads.example.com")
	require.True(t, ok)
	assert.Equal(t, "ads", entry.Category)
	assert.Equal(t, SourceManual, entry.Source)
}

func TestFileListRemovePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whitelist.json")

	l, err := NewFileList(path, time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Add(ListEntry{Domain: "keep.test"}))
	require.NoError(t, l.Add(ListEntry{Domain: "drop.test"}))
	assert.True(t, l.Remove("drop.test"))
	require.NoError(t, l.Close())

	reopened, err := NewFileList(path, time.Second)
	require.NoError(t, err)
	defer reopened.Close()
	assert.True(t, reopened.Contains("keep.test"))
	assert.False(t, reopened.Contains("drop.test"))
}

func TestFileLogContinuesIDSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs.json")

	l, err := NewFileLog(path, 100, time.Second)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Append(LogEntry{Type: EntryRequest, Domain: fmt.Sprintf("d%d.test", i)}))
	}
	require.NoError(t, l.Close())

	reopened, err := NewFileLog(path, 100, time.Second)
	require.NoError(t, err)
	defer reopened.Close()

	require.NoError(t, reopened.Append(LogEntry{Type: EntryRequest, Domain: "d3.test"}))
	entries, err := reopened.Query(LogFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.EqualValues(t, 4, entries[0].ID)
	assert.Equal(t, "d3.test", entries[0].Domain)
}

func TestFlusherWritesAfterDebounce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")

	c, err := NewFileCache(path, 10*time.Millisecond)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Set("k", cacheEntry("a.test", 60, time.Now())))

	require.Eventually(t, func() bool {
		info, err := os.Stat(path)
		return err == nil && info.Size() > 0
	}, time.Second, 5*time.Millisecond)
}
