package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/QuadTriangle/meshnode/internal/config"
	"github.com/QuadTriangle/meshnode/internal/hooks"
	"github.com/QuadTriangle/meshnode/internal/proxy"
	"github.com/QuadTriangle/meshnode/internal/types"
	"github.com/rs/zerolog"
)

var (
	ErrHandlerPanic = errors.New("tunnel: handler panic")
	ErrBadPayload   = errors.New("tunnel: bad payload")
)

// Tunneler executes HTTP requests for the broker. It always returns a
// response; a non-nil error explains a synthesized one.
type Tunneler interface {
	Execute(ctx context.Context, req types.HTTPRequest) (types.HTTPResponse, error)
}

// Dispatcher answers broker envelopes.
type Dispatcher struct {
	identity config.Identity
	tunnel   Tunneler
	hooks    *hooks.Pipeline
	log      zerolog.Logger
	now      func() time.Time
}

func NewDispatcher(identity config.Identity, tunnel Tunneler, pipeline *hooks.Pipeline, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		identity: identity,
		tunnel:   tunnel,
		hooks:    pipeline,
		log:      log,
		now:      time.Now,
	}
}

// Dispatch handles one envelope. A nil response means nothing goes back to the
// broker. A non-nil error should be reported; it may come with a response
// (tunnel failure) or without one (handler failure).
func (d *Dispatcher) Dispatch(ctx context.Context, sess Session, env types.Envelope) (resp *types.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = fmt.Errorf("%w: %s: %v", ErrHandlerPanic, env.Action, r)
		}
	}()

	action := env.Kind()
	d.hooks.NotifyRequest(action)

	switch action {
	case types.ActionAuth:
		return d.auth(sess, env), nil
	case types.ActionPing:
		return &types.Response{ID: env.ID, OriginAction: types.ActionPong.String()}, nil
	case types.ActionPong:
		return nil, nil
	case types.ActionHTTPRequest:
		return d.httpRequest(ctx, env)
	case types.ActionLogs:
		d.log.Debug().Str("id", env.ID).RawJSON("data", rawOrNull(env.Data)).Msg("broker logs")
		return nil, nil
	case types.ActionUnknown:
		d.log.Warn().Str("id", env.ID).Str("action", env.Action).Msg("rpc action not found")
		return nil, nil
	default:
		panic(fmt.Sprintf("unhandled action %v", action))
	}
}

func (d *Dispatcher) auth(sess Session, env types.Envelope) *types.Response {
	var userID *string
	if sess.Authenticated() {
		id := sess.UserID
		userID = &id
	}
	return &types.Response{
		ID:           env.ID,
		OriginAction: types.ActionAuth.String(),
		Result: types.AuthResult{
			BrowserID:   sess.DeviceID.String(),
			UserID:      userID,
			UserAgent:   d.identity.UserAgent,
			Timestamp:   d.now().Unix(),
			DeviceType:  d.identity.DeviceType,
			Version:     d.identity.Version,
			ExtensionID: d.identity.ExtensionID,
		},
	}
}

func (d *Dispatcher) httpRequest(ctx context.Context, env types.Envelope) (*types.Response, error) {
	var req types.HTTPRequest
	if err := json.Unmarshal(rawOrNull(env.Data), &req); err != nil {
		return nil, fmt.Errorf("%w: HTTP_REQUEST %s: %v", ErrBadPayload, env.ID, err)
	}
	if req.URL == "" {
		return nil, fmt.Errorf("%w: HTTP_REQUEST %s: missing url", ErrBadPayload, env.ID)
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	var (
		result  types.HTTPResponse
		tunnErr error
	)
	checked, err := d.hooks.RunBeforeTunnel(env.ID, req)
	if err != nil {
		d.log.Warn().Err(err).Str("id", env.ID).Str("url", req.URL).Msg("tunnel request refused")
		result = proxy.Reject(req.URL, http.StatusForbidden)
	} else {
		result, tunnErr = d.tunnel.Execute(ctx, checked)
		req = checked
	}
	result = d.hooks.RunAfterTunnel(env.ID, req, result)

	resp := &types.Response{
		ID:           env.ID,
		OriginAction: types.ActionHTTPRequest.String(),
		Result:       result,
	}
	if tunnErr != nil {
		return resp, fmt.Errorf("HTTP request failed: %w", tunnErr)
	}
	return resp, nil
}

func rawOrNull(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return b
}
