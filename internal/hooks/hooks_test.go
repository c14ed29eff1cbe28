package hooks

import (
	"errors"
	"flag"
	"testing"
	"time"

	"github.com/QuadTriangle/meshnode/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tagHook struct {
	NoOpRequestHook
	tag    string
	refuse bool
}

func (h *tagHook) BeforeTunnel(_ string, req types.HTTPRequest) (types.HTTPRequest, error) {
	if h.refuse {
		return req, errors.New("refused by " + h.tag)
	}
	req.URL += h.tag
	return req, nil
}

func (h *tagHook) AfterTunnel(_ string, _ types.HTTPRequest, resp types.HTTPResponse) types.HTTPResponse {
	resp.StatusText += h.tag
	return resp
}

type countingConnHook struct {
	NoOpConnectionHook
	connects  int
	scheduled []time.Duration
}

func (h *countingConnHook) OnConnect(string) { h.connects++ }
func (h *countingConnHook) OnReconnectScheduled(_ int, d time.Duration) {
	h.scheduled = append(h.scheduled, d)
}

type fakePlugin struct {
	name    string
	enabled *bool
	req     RequestHook
	conn    ConnectionHook
}

func (p *fakePlugin) Name() string { return p.name }
func (p *fakePlugin) RegisterFlags(fs *flag.FlagSet) {
	p.enabled = fs.Bool(p.name, false, "enable "+p.name)
}
func (p *fakePlugin) Enabled() bool { return p.enabled != nil && *p.enabled }
func (p *fakePlugin) RequestHooks() []RequestHook {
	if p.req == nil {
		return nil
	}
	return []RequestHook{p.req}
}
func (p *fakePlugin) ConnectionHooks() []ConnectionHook {
	if p.conn == nil {
		return nil
	}
	return []ConnectionHook{p.conn}
}

func TestPipelineRunsHooksInOrder(t *testing.T) {
	var p Pipeline
	p.AddRequestHook(&tagHook{tag: "a"})
	p.AddRequestHook(&tagHook{tag: "b"})

	req, err := p.RunBeforeTunnel("1", types.HTTPRequest{URL: "u"})
	require.NoError(t, err)
	assert.Equal(t, "uab", req.URL)

	resp := p.RunAfterTunnel("1", req, types.HTTPResponse{StatusText: "OK"})
	assert.Equal(t, "OKab", resp.StatusText)
}

func TestPipelineStopsOnRefusal(t *testing.T) {
	var p Pipeline
	p.AddRequestHook(&tagHook{tag: "a", refuse: true})
	p.AddRequestHook(&tagHook{tag: "b"})

	req, err := p.RunBeforeTunnel("1", types.HTTPRequest{URL: "u"})
	require.Error(t, err)
	assert.Equal(t, "u", req.URL)
}

func TestNilPipelineIsInert(t *testing.T) {
	var p *Pipeline
	req, err := p.RunBeforeTunnel("1", types.HTTPRequest{URL: "u"})
	require.NoError(t, err)
	assert.Equal(t, "u", req.URL)
	p.NotifyConnect("wss://x")
	p.NotifyDisconnect("wss://x", nil)
	p.NotifyRequest(types.ActionPing)
	p.NotifyReconnectScheduled(1, time.Second)
}

func TestActivateOnlyEnabledPlugins(t *testing.T) {
	on := &fakePlugin{name: "on", conn: &countingConnHook{}}
	off := &fakePlugin{name: "off", req: &tagHook{tag: "x"}}

	var p Pipeline
	p.RegisterPlugin(on)
	p.RegisterPlugin(off)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	p.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-on"}))

	assert.Equal(t, []string{"on"}, p.Activate())

	p.NotifyConnect("wss://x")
	p.NotifyReconnectScheduled(1, 10*time.Second)
	hook := on.conn.(*countingConnHook)
	assert.Equal(t, 1, hook.connects)
	assert.Equal(t, []time.Duration{10 * time.Second}, hook.scheduled)

	req, err := p.RunBeforeTunnel("1", types.HTTPRequest{URL: "u"})
	require.NoError(t, err)
	assert.Equal(t, "u", req.URL, "disabled plugin hooks must not run")
}
