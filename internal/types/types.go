package types

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ProtocolVersion is stamped on every client-initiated envelope.
const ProtocolVersion = "1.0.0"

// Action names the RPC verb carried by an envelope.
type Action int

const (
	ActionUnknown Action = iota
	ActionAuth
	ActionPing
	ActionPong
	ActionHTTPRequest
	ActionLogs
)

var actionNames = [...]string{
	ActionUnknown:     "",
	ActionAuth:        "AUTH",
	ActionPing:        "PING",
	ActionPong:        "PONG",
	ActionHTTPRequest: "HTTP_REQUEST",
	ActionLogs:        "LOGS",
}

// ParseAction maps a wire name to an Action. Anything not in the vocabulary
// is ActionUnknown.
func ParseAction(name string) Action {
	for a, n := range actionNames {
		if n != "" && n == name {
			return Action(a)
		}
	}
	return ActionUnknown
}

func (a Action) String() string {
	if a <= ActionUnknown || int(a) >= len(actionNames) {
		return "UNKNOWN"
	}
	return actionNames[a]
}

// Envelope is a single request frame, either from the broker or initiated
// locally (PING, LOGS).
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Version string          `json:"version,omitempty"`
	Action  string          `json:"action"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Kind returns the parsed action of the envelope.
func (e Envelope) Kind() Action { return ParseAction(e.Action) }

// Response is the correlated reply to an Envelope.
type Response struct {
	ID           string `json:"id"`
	OriginAction string `json:"origin_action"`
	Result       any    `json:"result,omitempty"`
}

// DecodeEnvelope parses one text frame.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// NewPing builds a heartbeat with a fresh correlation id.
func NewPing() Envelope {
	return Envelope{
		ID:      uuid.NewString(),
		Version: ProtocolVersion,
		Action:  ActionPing.String(),
		Data:    json.RawMessage("{}"),
	}
}

// NewLogs builds a diagnostic frame for the broker. LOGS frames carry no id.
func NewLogs(msg string) Envelope {
	data, _ := json.Marshal(msg)
	return Envelope{
		Action: ActionLogs.String(),
		Data:   data,
	}
}

// Headers is a multi-valued header map. On the way in it also accepts the
// single-valued {"k":"v"} form brokers commonly send.
type Headers map[string][]string

func (h *Headers) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*h = nil
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Headers, len(raw))
	for k, v := range raw {
		var one string
		if err := json.Unmarshal(v, &one); err == nil {
			out[k] = []string{one}
			continue
		}
		var many []string
		if err := json.Unmarshal(v, &many); err != nil {
			return fmt.Errorf("header %q: %w", k, err)
		}
		out[k] = many
	}
	*h = out
	return nil
}

// HTTPRequest is the data of an HTTP_REQUEST envelope.
type HTTPRequest struct {
	Method  string  `json:"method"`
	URL     string  `json:"url"`
	Headers Headers `json:"headers,omitempty"`
	Body    string  `json:"body,omitempty"` // Base64 encoded
}

// HTTPResponse is the result of an HTTP_REQUEST envelope.
type HTTPResponse struct {
	URL        string  `json:"url"`
	Status     int     `json:"status"`
	StatusText string  `json:"status_text"`
	Headers    Headers `json:"headers"`
	Body       string  `json:"body"` // Base64 encoded
}

// AuthResult is the identity a device presents in reply to AUTH.
type AuthResult struct {
	BrowserID   string  `json:"browser_id"`
	UserID      *string `json:"user_id"`
	UserAgent   string  `json:"user_agent"`
	Timestamp   int64   `json:"timestamp"`
	DeviceType  string  `json:"device_type"`
	Version     string  `json:"version"`
	ExtensionID string  `json:"extension_id"`
}
