// Package api provides the authenticated HTTP client for the voice-cloning
// backend.
//
// Every request carries the stored access token as a bearer credential.
// When the backend answers 401 the client exchanges the stored refresh
// token for a new access token and re-issues the original request exactly
// once. A failed refresh ends the session: both tokens are deleted and the
// session-expired handler runs. A refresh abandoned because the caller's
// context ended leaves the session intact. No other error is recovered.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voiceclone/internal/core"
	"golang.org/x/sync/singleflight"
)

// Backend paths owned by the client.
const (
	RefreshPath = "/api/auth/token/refresh/"
)

// HTTP headers.
const (
	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
	headerAccept        = "Accept"
	contentTypeJSON     = "application/json"
	bearerPrefix        = "Bearer "
)

const (
	maxResponseBytes      = 128 << 20
	defaultRefreshTimeout = 30 * time.Second
	refreshSuccess        = "success"
	refreshFailure   = "failure"
)

// Log messages.
const (
	logFmtRefreshing      = "Access token rejected for %s %s, refreshing"
	logRefreshed          = "Access token refreshed"
	logFmtRefreshFailed   = "Token refresh failed, clearing session: %v"
	logFmtTokenReadFailed = "Failed to read stored access token: %v"
	logFmtTokenClear      = "Failed to clear stored %s token: %v"
)

var (
	errBaseURLEmpty   = errors.New("base url cannot be empty")
	errBaseURLInvalid = errors.New("base url must be absolute")
	errLoggerNil      = errors.New("logger cannot be nil")
	errStoreNil       = errors.New("token store cannot be nil")
	errAccessMissing  = errors.New("refresh response has no access token")
	errRefreshTimeout = errors.New("shared token refresh timed out")
)

// Config configures a Client.
type Config struct {
	// BaseURL is the backend origin every relative path is resolved against.
	BaseURL string
	// Timeout bounds every HTTP exchange; zero means no client-wide timeout.
	Timeout time.Duration
	// CoalesceRefresh makes concurrent 401s share one refresh call instead of
	// each issuing their own.
	CoalesceRefresh bool
}

// Request describes one backend call.
type Request struct {
	Method string
	// Path is relative to the base URL; absolute URLs are accepted too.
	Path string
	// Body is sent as-is when it is a []byte and JSON-encoded otherwise.
	Body any
	// ContentType overrides the JSON content type, e.g. for multipart bodies.
	ContentType string
	// OnProgress observes request body transmission.
	OnProgress func(Progress)
	// Timeout adds a deadline to this request only.
	Timeout time.Duration
	// NoRefresh disables refresh-and-retry, for credential-issuing endpoints.
	NoRefresh bool

	retried bool
}

// Retried reports whether the request was re-issued after a token refresh.
func (r *Request) Retried() bool {
	return r.retried
}

// Response is a fully read backend response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into target.
func (r *Response) Decode(target any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}

	err := json.Unmarshal(r.Body, target)
	if err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// Client is the authenticated HTTP client. It is safe for concurrent use.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	store      core.TokenStore
	log        *logger.Logger
	metrics    *Metrics
	timeout    time.Duration
	coalesce   bool
	refreshes  singleflight.Group

	mu               sync.RWMutex
	defaultToken     string
	onSessionExpired func(error)
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithMetrics enables Prometheus counters.
func WithMetrics(metrics *Metrics) Option {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// New creates a client for cfg.BaseURL that reads credentials from store.
func New(cfg Config, store core.TokenStore, log *logger.Logger, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if trimmed == "" {
		return nil, errBaseURLEmpty
	}

	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q", errBaseURLInvalid, cfg.BaseURL)
	}

	if store == nil {
		return nil, errStoreNil
	}

	if log == nil {
		return nil, errLoggerNil
	}

	client := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		store:      store,
		log:        log,
		timeout:    cfg.Timeout,
		coalesce:   cfg.CoalesceRefresh,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

// BaseURL returns the backend origin.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Store returns the token store the client reads credentials from.
func (c *Client) Store() core.TokenStore {
	return c.store
}

// OnSessionExpired registers the handler run after an unrecoverable refresh
// failure, once the tokens have been cleared. It replaces the browser's
// redirect to the login page.
func (c *Client) OnSessionExpired(handler func(error)) {
	c.mu.Lock()
	c.onSessionExpired = handler
	c.mu.Unlock()
}

// SetDefaultAuthorization sets the bearer token used when the store holds none.
func (c *Client) SetDefaultAuthorization(token string) {
	c.mu.Lock()
	c.defaultToken = token
	c.mu.Unlock()
}

// ClearDefaultAuthorization drops the default bearer token.
func (c *Client) ClearDefaultAuthorization() {
	c.SetDefaultAuthorization("")
}

// DoJSON sends in as JSON and decodes the response into out; either may be nil.
func (c *Client) DoJSON(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.Do(ctx, &Request{Method: method, Path: path, Body: in})
	if err != nil {
		return err
	}

	if out == nil {
		return nil
	}

	err = resp.Decode(out)
	if err != nil {
		return &RequestError{
			Op:         requestOp(method, path),
			Kind:       KindServer,
			StatusCode: resp.StatusCode,
			Body:       resp.Body,
			Err:        err,
		}
	}

	return nil
}

// Do sends req, refreshing the access token and retrying once on 401.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	payload, contentType, err := encodeBody(req)
	if err != nil {
		return nil, err
	}

	tracker := newProgressTracker(req.OnProgress, len(payload))

	resp, err := c.send(ctx, req, payload, contentType, tracker)
	if err == nil || !c.shouldRefresh(req, err) {
		return resp, err
	}

	req.retried = true

	c.log.Info(logFmtRefreshing, req.Method, req.Path)

	refreshErr := c.refresh(ctx)
	if refreshErr != nil {
		return nil, refreshErr
	}

	c.metrics.observeRetry()

	return c.send(ctx, req, payload, contentType, tracker)
}

func (c *Client) shouldRefresh(req *Request, err error) bool {
	return StatusOf(err) == http.StatusUnauthorized && !req.retried && !req.NoRefresh
}

func (c *Client) send(
	ctx context.Context,
	req *Request,
	payload []byte,
	contentType string,
	tracker *progressTracker,
) (*Response, error) {
	op := requestOp(req.Method, req.Path)

	target, err := c.resolve(req.Path)
	if err != nil {
		return nil, &RequestError{Op: op, Kind: KindTransport, Err: err}
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var body io.Reader
	if payload != nil {
		body = tracker.wrap(bytes.NewReader(payload))
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, &RequestError{Op: op, Kind: KindTransport, Err: err}
	}

	if payload != nil {
		httpReq.ContentLength = int64(len(payload))
		httpReq.Header.Set(headerContentType, contentType)
	}

	httpReq.Header.Set(headerAccept, contentTypeJSON)

	if c.sameOrigin(target) {
		if token := c.accessToken(ctx); token != "" {
			httpReq.Header.Set(headerAuthorization, bearerPrefix+token)
		}
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.observeRequest(req.Method, 0)

		return nil, &RequestError{Op: op, Kind: classifyTransport(err), Err: err}
	}
	defer httpResp.Body.Close()

	c.metrics.observeRequest(req.Method, httpResp.StatusCode)

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, &RequestError{
			Op:         op,
			Kind:       classifyTransport(err),
			StatusCode: httpResp.StatusCode,
			Err:        fmt.Errorf("failed to read response: %w", err),
		}
	}

	if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
		return nil, newStatusError(op, httpResp.StatusCode, respBody)
	}

	tracker.complete()

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
	}, nil
}

// accessToken re-reads the store on every call; the default bearer set by
// the last refresh is the fallback.
func (c *Client) accessToken(ctx context.Context) string {
	token, err := c.store.Get(ctx, core.AccessTokenKey)
	if err == nil {
		return token
	}

	if !errors.Is(err, core.ErrTokenNotFound) {
		c.log.Warn(logFmtTokenReadFailed, err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.defaultToken
}

func (c *Client) refresh(ctx context.Context) error {
	const op = "refresh access token"

	refreshToken, err := c.store.Get(ctx, core.RefreshTokenKey)
	if err != nil {
		if ctx.Err() != nil {
			return &RequestError{Op: op, Kind: classifyTransport(ctx.Err()), Err: fmt.Errorf("%w: %w", ctx.Err(), err)}
		}

		cause := err
		if errors.Is(err, core.ErrTokenNotFound) {
			cause = ErrNoRefreshToken
		}

		return c.expire(ctx, &RequestError{
			Op:   op,
			Kind: KindAuthentication,
			Err:  cause,
		})
	}

	if !c.coalesce {
		return c.renew(ctx, refreshToken)
	}

	// The shared exchange outlives any single caller; each caller waits
	// only as long as its own context allows.
	results := c.refreshes.DoChan(refreshToken, func() (any, error) {
		shared, cancel := c.sharedRefreshContext(ctx)
		defer cancel()

		return nil, c.renew(shared, refreshToken)
	})

	select {
	case result := <-results:
		return result.Err
	case <-ctx.Done():
		return &RequestError{Op: op, Kind: classifyTransport(ctx.Err()), Err: ctx.Err()}
	}
}

// sharedRefreshContext detaches ctx from its caller's cancellation and bounds
// it by the client timeout instead.
func (c *Client) sharedRefreshContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.timeout
	if timeout <= 0 {
		timeout = defaultRefreshTimeout
	}

	return context.WithTimeoutCause(context.WithoutCancel(ctx), timeout, errRefreshTimeout)
}

// callerGone reports whether ctx ended because its caller gave up, as
// opposed to a shared refresh running out of time.
func callerGone(ctx context.Context) bool {
	return ctx.Err() != nil && !errors.Is(context.Cause(ctx), errRefreshTimeout)
}

// renew exchanges refreshToken for a new access token and persists it.
func (c *Client) renew(ctx context.Context, refreshToken string) error {
	access, err := c.exchange(ctx, refreshToken)
	if err != nil {
		if callerGone(ctx) {
			return err
		}

		return c.expire(ctx, err)
	}

	err = c.store.Set(context.WithoutCancel(ctx), core.AccessTokenKey, access)
	if err != nil {
		return c.expire(ctx, &RequestError{
			Op:   "store access token",
			Kind: KindAuthentication,
			Err:  fmt.Errorf("%w: %w", ErrRefreshFailed, err),
		})
	}

	c.SetDefaultAuthorization(access)
	c.metrics.observeRefresh(true)
	c.log.Info(logRefreshed)

	return nil
}

// exchange is a bare call to the refresh endpoint: no bearer header, no retry.
func (c *Client) exchange(ctx context.Context, refreshToken string) (string, error) {
	const op = "refresh access token"

	payload, err := json.Marshal(map[string]string{"refresh": refreshToken})
	if err != nil {
		return "", &RequestError{Op: op, Kind: KindAuthentication, Err: err}
	}

	target := c.baseURL.String() + RefreshPath

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return "", &RequestError{Op: op, Kind: KindTransport, Err: err}
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeJSON)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.observeRequest(http.MethodPost, 0)

		return "", &RequestError{
			Op:   op,
			Kind: classifyTransport(err),
			Err:  fmt.Errorf("%w: %w", ErrRefreshFailed, err),
		}
	}
	defer httpResp.Body.Close()

	c.metrics.observeRequest(http.MethodPost, httpResp.StatusCode)

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return "", &RequestError{Op: op, Kind: KindTransport, Err: fmt.Errorf("%w: %w", ErrRefreshFailed, err)}
	}

	if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
		statusErr := newStatusError(op, httpResp.StatusCode, body)
		statusErr.Kind = KindAuthentication
		statusErr.Err = fmt.Errorf("%w: %w", ErrRefreshFailed, statusErr.Err)

		return "", statusErr
	}

	var decoded struct {
		Access string `json:"access"`
	}

	err = json.Unmarshal(body, &decoded)
	if err == nil && decoded.Access == "" {
		err = errAccessMissing
	}

	if err != nil {
		return "", &RequestError{
			Op:         op,
			Kind:       KindAuthentication,
			StatusCode: httpResp.StatusCode,
			Body:       body,
			Err:        fmt.Errorf("%w: %w", ErrRefreshFailed, err),
		}
	}

	return decoded.Access, nil
}

// expire ends the session after a failed refresh and returns cause.
func (c *Client) expire(ctx context.Context, cause error) error {
	c.metrics.observeRefresh(false)
	c.log.Warn(logFmtRefreshFailed, cause)

	purgeCtx := context.WithoutCancel(ctx)

	for _, key := range []string{core.AccessTokenKey, core.RefreshTokenKey} {
		err := c.store.Delete(purgeCtx, key)
		if err != nil {
			c.log.Error(logFmtTokenClear, key, err)
		}
	}

	c.mu.Lock()
	c.defaultToken = ""
	handler := c.onSessionExpired
	c.mu.Unlock()

	if handler != nil {
		handler(cause)
	}

	return cause
}

func (c *Client) resolve(path string) (*url.URL, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		parsed, err := url.Parse(path)
		if err != nil {
			return nil, fmt.Errorf("invalid url %q: %w", path, err)
		}

		return parsed, nil
	}

	parsed, err := url.Parse(c.baseURL.String() + ensureLeadingSlash(path))
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", path, err)
	}

	return parsed, nil
}

func (c *Client) sameOrigin(target *url.URL) bool {
	return strings.EqualFold(target.Scheme, c.baseURL.Scheme) &&
		strings.EqualFold(target.Host, c.baseURL.Host)
}

func encodeBody(req *Request) ([]byte, string, error) {
	contentType := req.ContentType
	if contentType == "" {
		contentType = contentTypeJSON
	}

	switch body := req.Body.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return body, contentType, nil
	default:
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, "", &RequestError{
				Op:   requestOp(req.Method, req.Path),
				Kind: KindValidation,
				Err:  fmt.Errorf("failed to marshal request: %w", err),
			}
		}

		return payload, contentType, nil
	}
}

func requestOp(method, path string) string {
	return method + " " + path
}

func ensureLeadingSlash(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "/"
	}

	if strings.HasPrefix(trimmed, "/") {
		return trimmed
	}

	return "/" + trimmed
}
