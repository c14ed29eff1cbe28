// Package account signs the device owner in to the account API.
package account

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/QuadTriangle/meshnode/internal/config"
	"github.com/QuadTriangle/meshnode/internal/tunnel"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrLoginRejected = errors.New("account: login rejected")

// DefaultReferer is the web app page the login form lives on.
const DefaultReferer = "https://app.getgrass.io/"

type Credentials struct {
	UserID      string
	AccessToken string
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Result struct {
		Data struct {
			UserID      string `json:"userId"`
			AccessToken string `json:"accessToken"`
		} `json:"data"`
	} `json:"result"`
}

type Client struct {
	url     string
	referer string
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(loginURL string, hc *http.Client, log zerolog.Logger) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{url: loginURL, referer: DefaultReferer, http: hc, log: log}
}

func (c *Client) Login(ctx context.Context, username, password string) (Credentials, error) {
	data, err := json.Marshal(loginRequest{Username: username, Password: password})
	if err != nil {
		return Credentials{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return Credentials{}, err
	}
	// the account API only accepts the form's own content type
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Referer", c.referer)

	resp, err := c.http.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Credentials{}, fmt.Errorf("%w: status %d: %s", ErrLoginRejected, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var res loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Credentials{}, fmt.Errorf("decode login response: %w", err)
	}
	creds := Credentials{
		UserID:      res.Result.Data.UserID,
		AccessToken: res.Result.Data.AccessToken,
	}
	if creds.UserID == "" || creds.AccessToken == "" {
		return Credentials{}, fmt.Errorf("%w: response carries no user id or token", ErrLoginRejected)
	}

	c.log.Info().Str("user_id", creds.UserID).Msg("logged in")
	return creds, nil
}

// CookieSeeder receives the token cookie after every login.
type CookieSeeder interface {
	SeedCookie(rawURL, token string) error
}

type AuthenticatorOptions struct {
	Client    *Client
	Username  string
	Password  string
	Store     config.Store
	DeviceID  uuid.UUID
	Cookies   CookieSeeder
	CookieURL string
	Logger    zerolog.Logger
}

// Authenticator logs in with fixed credentials and persists what it gets
// back. It satisfies tunnel.Authenticator.
type Authenticator struct {
	opts AuthenticatorOptions
}

func NewAuthenticator(opts AuthenticatorOptions) *Authenticator {
	return &Authenticator{opts: opts}
}

func (a *Authenticator) Login(ctx context.Context) (tunnel.Session, error) {
	creds, err := a.opts.Client.Login(ctx, a.opts.Username, a.opts.Password)
	if err != nil {
		return tunnel.Session{}, err
	}
	if a.opts.Store != nil {
		if err := a.opts.Store.Set(config.KeyUserID, creds.UserID); err != nil {
			return tunnel.Session{}, fmt.Errorf("persist user id: %w", err)
		}
		if err := a.opts.Store.Set(config.KeyAccessToken, creds.AccessToken); err != nil {
			return tunnel.Session{}, fmt.Errorf("persist access token: %w", err)
		}
	}
	if a.opts.Cookies != nil && a.opts.CookieURL != "" {
		if err := a.opts.Cookies.SeedCookie(a.opts.CookieURL, creds.AccessToken); err != nil {
			a.opts.Logger.Warn().Err(err).Str("url", a.opts.CookieURL).Msg("seed token cookie")
		}
	}
	return tunnel.NewSession(a.opts.DeviceID, creds.UserID, creds.AccessToken), nil
}

// StoredSession rebuilds the last persisted session. It is anonymous when the
// store holds no credentials.
func StoredSession(store config.Store, deviceID uuid.UUID) tunnel.Session {
	userID, _ := store.Get(config.KeyUserID)
	token, _ := store.Get(config.KeyAccessToken)
	return tunnel.NewSession(deviceID, userID, token)
}
