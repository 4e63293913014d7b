package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dnsgate/pkg/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventsStream(t *testing.T) {
	h := newAPIHarness(t)
	ts := httptest.NewServer(h.srv.httpServer.Handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	require.Eventually(t, func() bool {
		return h.bus.SubscriberCount() == 1
	}, time.Second, 10*time.Millisecond)

	h.bus.Publish(events.TypeDrivers, map[string]string{"providers": "changed"})

	reader := bufio.NewReader(resp.Body)
	event, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: "+events.TypeDrivers, strings.TrimSpace(event))

	data, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(data, "data: "))
	assert.Contains(t, data, "changed")
	assert.Contains(t, data, `"timestamp"`)
	assert.NotContains(t, data, `"time"`)
}

func TestEventsStreamClosesWithBus(t *testing.T) {
	h := newAPIHarness(t)
	ts := httptest.NewServer(h.srv.httpServer.Handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Eventually(t, func() bool {
		return h.bus.SubscriberCount() == 1
	}, time.Second, 10*time.Millisecond)

	h.bus.Close()

	// The stream ends once the bus shuts down.
	buf := make([]byte, 64)
	_, err = resp.Body.Read(buf)
	require.Error(t, err)
}
