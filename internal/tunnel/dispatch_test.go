package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/QuadTriangle/meshnode/internal/config"
	"github.com/QuadTriangle/meshnode/internal/hooks"
	"github.com/QuadTriangle/meshnode/internal/proxy"
	"github.com/QuadTriangle/meshnode/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTunnel struct {
	calls []types.HTTPRequest
	resp  types.HTTPResponse
	err   error
	fn    func(types.HTTPRequest)
}

func (f *fakeTunnel) Execute(_ context.Context, req types.HTTPRequest) (types.HTTPResponse, error) {
	f.calls = append(f.calls, req)
	if f.fn != nil {
		f.fn(req)
	}
	return f.resp, f.err
}

type refuseHook struct{ hooks.NoOpRequestHook }

func (refuseHook) BeforeTunnel(_ string, req types.HTTPRequest) (types.HTTPRequest, error) {
	return req, errors.New("not allowed")
}

var testIdentity = config.Identity{
	UserAgent:   "meshnode-test",
	Version:     "4.26.2",
	ExtensionID: "ext-id",
	DeviceType:  "extension",
}

func newTestDispatcher(tun Tunneler, p *hooks.Pipeline) *Dispatcher {
	d := NewDispatcher(testIdentity, tun, p, zerolog.Nop())
	d.now = func() time.Time { return time.Unix(1700000000, 0) }
	return d
}

func envelope(t *testing.T, id, action string, data any) types.Envelope {
	t.Helper()
	env := types.Envelope{ID: id, Action: action}
	if data != nil {
		b, err := json.Marshal(data)
		require.NoError(t, err)
		env.Data = b
	}
	return env
}

func TestDispatchAuth(t *testing.T) {
	device := uuid.MustParse("6f9619ff-8b86-d011-b42d-00cf4fc964ff")
	d := newTestDispatcher(&fakeTunnel{}, nil)

	resp, err := d.Dispatch(context.Background(), NewSession(device, "user-1", "tok"), envelope(t, "a1", "AUTH", nil))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "a1", resp.ID)
	assert.Equal(t, "AUTH", resp.OriginAction)

	b, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "a1",
		"origin_action": "AUTH",
		"result": {
			"browser_id": "6f9619ff-8b86-d011-b42d-00cf4fc964ff",
			"user_id": "user-1",
			"user_agent": "meshnode-test",
			"timestamp": 1700000000,
			"device_type": "extension",
			"version": "4.26.2",
			"extension_id": "ext-id"
		}
	}`, string(b))
}

func TestDispatchAuthAnonymousSendsNullUser(t *testing.T) {
	d := newTestDispatcher(&fakeTunnel{}, nil)

	resp, err := d.Dispatch(context.Background(), NewSession(uuid.New(), "", ""), envelope(t, "a2", "AUTH", nil))
	require.NoError(t, err)

	result, ok := resp.Result.(types.AuthResult)
	require.True(t, ok)
	assert.Nil(t, result.UserID)

	b, err := json.Marshal(result)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"user_id":null`)
}

func TestDispatchPingAnswersPong(t *testing.T) {
	d := newTestDispatcher(&fakeTunnel{}, nil)

	resp, err := d.Dispatch(context.Background(), Session{}, envelope(t, "p1", "PING", map[string]any{}))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, types.Response{ID: "p1", OriginAction: "PONG"}, *resp)
}

func TestDispatchSilentActions(t *testing.T) {
	d := newTestDispatcher(&fakeTunnel{}, nil)

	for _, action := range []string{"PONG", "LOGS", "SOMETHING_NEW", ""} {
		t.Run(action, func(t *testing.T) {
			resp, err := d.Dispatch(context.Background(), Session{}, envelope(t, "x", action, "hello"))
			assert.NoError(t, err)
			assert.Nil(t, resp)
		})
	}
}

func TestDispatchHTTPRequest(t *testing.T) {
	tun := &fakeTunnel{resp: types.HTTPResponse{URL: "https://example.com/", Status: 200, StatusText: "OK", Headers: types.Headers{}, Body: "aGk="}}
	d := newTestDispatcher(tun, nil)

	resp, err := d.Dispatch(context.Background(), Session{}, envelope(t, "h1", "HTTP_REQUEST", map[string]any{
		"url":     "https://example.com/",
		"headers": map[string]string{"Accept": "text/html"},
	}))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "h1", resp.ID)
	assert.Equal(t, "HTTP_REQUEST", resp.OriginAction)
	assert.Equal(t, tun.resp, resp.Result)

	require.Len(t, tun.calls, 1)
	assert.Equal(t, http.MethodGet, tun.calls[0].Method)
	assert.Equal(t, []string{"text/html"}, tun.calls[0].Headers["Accept"])
}

func TestDispatchHTTPRequestBadPayload(t *testing.T) {
	tun := &fakeTunnel{}
	d := newTestDispatcher(tun, nil)

	tests := map[string]types.Envelope{
		"no data":     envelope(t, "b1", "HTTP_REQUEST", nil),
		"no url":      envelope(t, "b2", "HTTP_REQUEST", map[string]any{"method": "GET"}),
		"wrong shape": envelope(t, "b3", "HTTP_REQUEST", []int{1, 2}),
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			resp, err := d.Dispatch(context.Background(), Session{}, env)
			assert.ErrorIs(t, err, ErrBadPayload)
			assert.Nil(t, resp)
		})
	}
	assert.Empty(t, tun.calls)
}

func TestDispatchHTTPRequestTunnelFailure(t *testing.T) {
	tun := &fakeTunnel{resp: proxy.Failure("https://down.example/"), err: errors.New("connection refused")}
	d := newTestDispatcher(tun, nil)

	resp, err := d.Dispatch(context.Background(), Session{}, envelope(t, "f1", "HTTP_REQUEST", map[string]any{"url": "https://down.example/"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	require.NotNil(t, resp)

	result := resp.Result.(types.HTTPResponse)
	assert.Equal(t, proxy.FailureStatus, result.Status)
	assert.Empty(t, result.Body)
}

func TestDispatchHTTPRequestRefusedByHook(t *testing.T) {
	tun := &fakeTunnel{}
	p := &hooks.Pipeline{}
	p.AddRequestHook(refuseHook{})
	d := newTestDispatcher(tun, p)

	resp, err := d.Dispatch(context.Background(), Session{}, envelope(t, "r1", "HTTP_REQUEST", map[string]any{"url": "http://10.0.0.1/"}))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.Result.(types.HTTPResponse).Status)
	assert.Empty(t, tun.calls)
}

func TestDispatchRecoversPanics(t *testing.T) {
	tun := &fakeTunnel{fn: func(types.HTTPRequest) { panic("kaboom") }}
	d := newTestDispatcher(tun, nil)

	resp, err := d.Dispatch(context.Background(), Session{}, envelope(t, "k1", "HTTP_REQUEST", map[string]any{"url": "https://example.com/"}))
	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Nil(t, resp)
}
