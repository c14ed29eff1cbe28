package stats

import (
	"encoding/base64"
	"errors"
	"flag"
	"testing"
	"time"

	"github.com/QuadTriangle/meshnode/internal/hooks"
	"github.com/QuadTriangle/meshnode/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRingBuffer(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 5; i++ {
		s.RecordRequest("r", types.HTTPRequest{Method: "GET", URL: "https://example.com/"}, types.HTTPResponse{Status: 200}, time.Millisecond)
	}

	logs := s.RecentLogs(10)
	require.Len(t, logs, 3)
	assert.Equal(t, []int{3, 4, 5}, []int{logs[0].ID, logs[1].ID, logs[2].ID})
	assert.Len(t, s.RecentLogs(2), 2)
	assert.Equal(t, 5, s.Totals().Requests)
}

func TestStoreTotals(t *testing.T) {
	s := NewStore(10)
	body := base64.StdEncoding.EncodeToString([]byte("hello"))
	s.RecordRequest("a", types.HTTPRequest{Method: "POST", Body: body}, types.HTTPResponse{Status: 201}, 10*time.Millisecond)
	s.RecordRequest("b", types.HTTPRequest{Method: "GET"}, types.HTTPResponse{Status: 400, Body: body}, 30*time.Millisecond)

	tot := s.Totals()
	assert.Equal(t, 2, tot.Requests)
	assert.Equal(t, 1, tot.Errors)
	assert.Equal(t, 5, tot.TotalBytesIn)
	assert.Equal(t, 5, tot.TotalBytesOut)
	assert.Equal(t, 30*time.Millisecond, tot.MaxLatency)
	assert.Equal(t, 10*time.Millisecond, tot.MinLatency)
	assert.Equal(t, 40*time.Millisecond, tot.TotalLatency)
}

func TestStoreConnectionLifecycle(t *testing.T) {
	s := NewStore(10)
	s.RecordConnect("wss://a")
	c := s.Connection()
	assert.True(t, c.Connected)
	assert.Equal(t, 0, c.Reconnects)

	s.RecordDisconnect("wss://a", errors.New("eof"))
	s.RecordReconnect(1, 10*time.Second)
	c = s.Connection()
	assert.False(t, c.Connected)
	assert.Equal(t, "eof", c.LastError)
	assert.Equal(t, 1, c.Attempt)
	assert.Equal(t, 10*time.Second, c.NextRetryIn)

	s.RecordConnect("wss://b")
	c = s.Connection()
	assert.True(t, c.Connected)
	assert.Equal(t, "wss://b", c.Endpoint)
	assert.Equal(t, 1, c.Reconnects)
	assert.Equal(t, 0, c.Attempt)
}

func TestPluginHooksFeedStore(t *testing.T) {
	p := New()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	p.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-dashboard-port", "0"}))
	assert.False(t, p.Enabled())
	require.NoError(t, fs.Parse([]string{"-dashboard-port", "8123"}))
	require.True(t, p.Enabled())

	pipe := &hooks.Pipeline{}
	pipe.RegisterPlugin(p)
	assert.Equal(t, []string{"stats"}, pipe.Activate())

	pipe.NotifyConnect("wss://broker")
	pipe.NotifyRequest(types.ActionPing)
	pipe.NotifyRequest(types.ActionPing)
	pipe.NotifyRequest(types.ActionHTTPRequest)

	req := types.HTTPRequest{Method: "GET", URL: "https://example.com/"}
	req, err := pipe.RunBeforeTunnel("env-1", req)
	require.NoError(t, err)
	pipe.RunAfterTunnel("env-1", req, types.HTTPResponse{Status: 204})

	store := p.Store()
	assert.Equal(t, map[string]int{"PING": 2, "HTTP_REQUEST": 1}, store.Actions())
	assert.True(t, store.Connection().Connected)

	logs := store.RecentLogs(1)
	require.Len(t, logs, 1)
	assert.Equal(t, "env-1", logs[0].RequestID)
	assert.Equal(t, 204, logs[0].Status)
}
