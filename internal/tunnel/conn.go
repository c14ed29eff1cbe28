package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/QuadTriangle/meshnode/internal/config"
	"github.com/gorilla/websocket"
)

// Conn is the part of *websocket.Conn the manager uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a broker connection.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error)
}

// WSDialer dials with gorilla/websocket.
type WSDialer struct {
	Dialer *websocket.Dialer
}

func NewWSDialer(insecureSkipVerify bool) *WSDialer {
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	if insecureSkipVerify {
		d.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &WSDialer{Dialer: d}
}

func (d *WSDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (handshake status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	c.SetReadLimit(64 << 20)
	return c, nil
}

// handshake builds the dial URL and headers for endpoint. Where the token goes
// depends on placement.
func handshake(endpoint, token, placement string, id config.Identity) (string, http.Header, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", nil, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", nil, fmt.Errorf("endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}

	header := http.Header{}
	if id.Origin != "" {
		header.Set("Origin", id.Origin)
	}
	if id.UserAgent != "" {
		header.Set("User-Agent", id.UserAgent)
	}
	if token == "" {
		return u.String(), header, nil
	}

	switch placement {
	case config.TokenInQuery, config.TokenInBoth:
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	switch placement {
	case config.TokenInHeader, config.TokenInBoth:
		header.Set("Authorization", "Bearer "+token)
	}
	return u.String(), header, nil
}

func describeClose(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Sprintf("code=%d reason=%q", ce.Code, ce.Text)
	}
	if err == nil {
		return "closed"
	}
	return err.Error()
}
