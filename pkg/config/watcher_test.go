package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSlog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWatcherLoadsInitialConfig(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 5353\n")

	w, err := NewWatcher(path, testSlog())
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, 5353, w.Config().Server.Port)
}

func TestWatcherRejectsMissingFile(t *testing.T) {
	_, err := NewWatcher("/nonexistent/config.yaml", testSlog())
	require.Error(t, err)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 5353\n")

	w, err := NewWatcher(path, testSlog())
	require.NoError(t, err)

	changed := make(chan *Config, 1)
	w.OnChange(func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 6464\n"), 0o600))

	select {
	case cfg := <-changed:
		assert.Equal(t, 6464, cfg.Server.Port)
	case <-time.After(3 * time.Second):
		t.Fatal("config change was not observed")
	}
}

func TestWatcherKeepsOldConfigOnBadReload(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 5353\n")

	w, err := NewWatcher(path, testSlog())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	require.NoError(t, os.WriteFile(path, []byte("server: [broken"), 0o600))

	// The bad file must not replace the loaded config.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 5353, w.Config().Server.Port)
}
