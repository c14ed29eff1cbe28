package hooks

import (
	"flag"
	"time"

	"github.com/QuadTriangle/meshnode/internal/types"
)

// --- Hook interfaces ---

// RequestHook intercepts HTTP requests/responses flowing through the tunnel.
// Returning an error from BeforeTunnel refuses the request before any
// network traffic.
type RequestHook interface {
	BeforeTunnel(id string, req types.HTTPRequest) (types.HTTPRequest, error)
	AfterTunnel(id string, req types.HTTPRequest, resp types.HTTPResponse) types.HTTPResponse
}

// ConnectionHook observes broker connection lifecycle events.
type ConnectionHook interface {
	OnConnect(endpoint string)
	OnDisconnect(endpoint string, err error)
	OnRequest(action types.Action)
	OnReconnectScheduled(attempt int, delay time.Duration)
}

// NoOpRequestHook is a convenience embed for hooks that only need one method.
type NoOpRequestHook struct{}

func (NoOpRequestHook) BeforeTunnel(_ string, req types.HTTPRequest) (types.HTTPRequest, error) {
	return req, nil
}
func (NoOpRequestHook) AfterTunnel(_ string, _ types.HTTPRequest, resp types.HTTPResponse) types.HTTPResponse {
	return resp
}

// NoOpConnectionHook is a convenience embed for hooks that only need one method.
type NoOpConnectionHook struct{}

func (NoOpConnectionHook) OnConnect(_ string)                          {}
func (NoOpConnectionHook) OnDisconnect(_ string, _ error)              {}
func (NoOpConnectionHook) OnRequest(_ types.Action)                    {}
func (NoOpConnectionHook) OnReconnectScheduled(_ int, _ time.Duration) {}

// --- Plugin interface ---

// Plugin is the self-contained unit of optional functionality.
// Each plugin registers its own CLI flags, decides if it's active,
// and provides hooks.
type Plugin interface {
	// Name returns a short identifier (e.g. "stats", "hostallow").
	Name() string
	// RegisterFlags is called before flag.Parse(); add your flags here.
	RegisterFlags(fs *flag.FlagSet)
	// Enabled returns true if the plugin should activate (check your flags).
	Enabled() bool
	// RequestHooks returns request hooks to add to the pipeline, or nil.
	RequestHooks() []RequestHook
	// ConnectionHooks returns connection hooks to add to the pipeline, or nil.
	ConnectionHooks() []ConnectionHook
}

// --- Pipeline ---

// Pipeline runs registered hooks in order. Zero-value is ready to use.
// A nil *Pipeline is also usable and runs nothing.
type Pipeline struct {
	plugins   []Plugin
	reqHooks  []RequestHook
	connHooks []ConnectionHook
}

// RegisterPlugin adds a plugin. Call before flag.Parse().
func (p *Pipeline) RegisterPlugin(pl Plugin) {
	p.plugins = append(p.plugins, pl)
}

// RegisterFlags calls RegisterFlags on all plugins.
func (p *Pipeline) RegisterFlags(fs *flag.FlagSet) {
	for _, pl := range p.plugins {
		pl.RegisterFlags(fs)
	}
}

// Activate checks which plugins are enabled after flag.Parse(),
// and collects their hooks into the pipeline. It returns the names of the
// enabled plugins.
func (p *Pipeline) Activate() []string {
	var names []string
	for _, pl := range p.plugins {
		if !pl.Enabled() {
			continue
		}
		names = append(names, pl.Name())
		p.reqHooks = append(p.reqHooks, pl.RequestHooks()...)
		p.connHooks = append(p.connHooks, pl.ConnectionHooks()...)
	}
	return names
}

func (p *Pipeline) AddRequestHook(h RequestHook)       { p.reqHooks = append(p.reqHooks, h) }
func (p *Pipeline) AddConnectionHook(h ConnectionHook) { p.connHooks = append(p.connHooks, h) }

// RunBeforeTunnel stops at the first hook that refuses the request.
func (p *Pipeline) RunBeforeTunnel(id string, req types.HTTPRequest) (types.HTTPRequest, error) {
	if p == nil {
		return req, nil
	}
	for _, h := range p.reqHooks {
		var err error
		req, err = h.BeforeTunnel(id, req)
		if err != nil {
			return req, err
		}
	}
	return req, nil
}

func (p *Pipeline) RunAfterTunnel(id string, req types.HTTPRequest, resp types.HTTPResponse) types.HTTPResponse {
	if p == nil {
		return resp
	}
	for _, h := range p.reqHooks {
		resp = h.AfterTunnel(id, req, resp)
	}
	return resp
}

func (p *Pipeline) NotifyConnect(endpoint string) {
	if p == nil {
		return
	}
	for _, h := range p.connHooks {
		h.OnConnect(endpoint)
	}
}

func (p *Pipeline) NotifyDisconnect(endpoint string, err error) {
	if p == nil {
		return
	}
	for _, h := range p.connHooks {
		h.OnDisconnect(endpoint, err)
	}
}

func (p *Pipeline) NotifyRequest(action types.Action) {
	if p == nil {
		return
	}
	for _, h := range p.connHooks {
		h.OnRequest(action)
	}
}

func (p *Pipeline) NotifyReconnectScheduled(attempt int, delay time.Duration) {
	if p == nil {
		return
	}
	for _, h := range p.connHooks {
		h.OnReconnectScheduled(attempt, delay)
	}
}
