package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/QuadTriangle/meshnode/internal/types"
	"github.com/jpillora/sizestr"
	"github.com/rs/zerolog"
	"golang.org/x/net/publicsuffix"
)

// FailureStatus is returned for any request that never produced a response.
const FailureStatus = http.StatusBadRequest

type Options struct {
	Timeout            time.Duration
	InsecureSkipVerify bool
	// Transport overrides the default transport (tests).
	Transport http.RoundTripper
	Logger    zerolog.Logger
}

// Executor performs tunneled HTTP requests on behalf of the broker. It owns
// the cookie jar shared by every tunneled call.
type Executor struct {
	client *http.Client
	jar    http.CookieJar
	log    zerolog.Logger

	mu    sync.RWMutex
	token string
}

func NewExecutor(opts Options) (*Executor, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	transport := opts.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if opts.InsecureSkipVerify {
			t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		transport = t
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Executor{
		jar: jar,
		log: opts.Logger,
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			Jar:       jar,
			// Don't follow redirects, the broker decides what to do with them
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// SetToken replaces the access token attached to every tunneled request.
func (e *Executor) SetToken(token string) {
	e.mu.Lock()
	e.token = token
	e.mu.Unlock()
}

func (e *Executor) currentToken() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.token
}

// SeedCookie plants a token cookie for rawURL so that tunneled calls to the
// account API carry the session.
func (e *Executor) SeedCookie(rawURL, token string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	e.jar.SetCookies(u, []*http.Cookie{{Name: "token", Value: token, Path: "/"}})
	return nil
}

// Execute runs req and always returns a usable response; when the request
// could not be carried out the response is a synthesized FailureStatus with
// empty headers and body, and err says why.
func (e *Executor) Execute(ctx context.Context, req types.HTTPRequest) (types.HTTPResponse, error) {
	var body io.Reader
	if req.Body != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			e.log.Warn().Err(err).Str("url", req.URL).Msg("invalid request body")
			return Failure(req.URL), fmt.Errorf("decode body: %w", err)
		}
		body = bytes.NewReader(decoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		e.log.Warn().Err(err).Str("url", req.URL).Msg("failed to create request")
		return Failure(req.URL), err
	}
	for k, vals := range req.Headers {
		// the client sends Request.Host, never a Host entry in Header
		if http.CanonicalHeaderKey(k) == "Host" {
			if len(vals) > 0 {
				httpReq.Host = vals[0]
			}
			continue
		}
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	if token := e.currentToken(); token != "" {
		httpReq.Header.Set("Authorization", token)
	}

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		e.log.Warn().Err(err).Str("method", req.Method).Str("url", req.URL).Msg("tunnel request failed")
		return Failure(req.URL), err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		e.log.Warn().Err(err).Str("url", req.URL).Msg("failed to read response body")
		return Failure(req.URL), fmt.Errorf("read body: %w", err)
	}

	headers := make(types.Headers, len(resp.Header))
	for k, v := range resp.Header {
		headers[k] = append([]string(nil), v...)
	}

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	e.log.Debug().
		Str("method", req.Method).
		Str("url", req.URL).
		Int("status", resp.StatusCode).
		Str("size", sizestr.ToString(int64(len(respBody)))).
		Dur("took", time.Since(start)).
		Msg("tunnel request")

	return types.HTTPResponse{
		URL:        finalURL,
		Status:     resp.StatusCode,
		StatusText: strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" "),
		Headers:    headers,
		Body:       base64.StdEncoding.EncodeToString(respBody),
	}, nil
}

// Failure is the response reported when a request could not be carried out.
func Failure(rawURL string) types.HTTPResponse {
	return Reject(rawURL, FailureStatus)
}

// Reject is a synthesized response with the given status and no payload.
func Reject(rawURL string, status int) types.HTTPResponse {
	return types.HTTPResponse{
		URL:        rawURL,
		Status:     status,
		StatusText: http.StatusText(status),
		Headers:    types.Headers{},
		Body:       "",
	}
}
