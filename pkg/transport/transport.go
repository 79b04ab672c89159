// Package transport executes single request/response exchanges against the
// venue API: credential injection, key case conversion, response envelope
// normalization and one transparent retry after an authentication rejection.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/venue-sync-client/pkg/auth"
	"github.com/Sternrassler/venue-sync-client/pkg/logging"
	"github.com/Sternrassler/venue-sync-client/pkg/ratelimit"
	"github.com/google/uuid"
	"github.com/iancoleman/strcase"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venue_requests_total",
		Help: "Total API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "venue_request_duration_seconds",
		Help:    "API request duration in seconds by endpoint",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venue_errors_total",
		Help: "Total API errors by class",
	}, []string{"class"})

	authRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venue_auth_retries_total",
		Help: "Requests replayed after an authentication rejection",
	})
)

// HeaderRequestID carries a unique id for every exchange.
const HeaderRequestID = "X-Request-ID"

// CredentialSource supplies and renews the access credential.
type CredentialSource interface {
	Current(ctx context.Context) (*auth.Credential, error)
	ValidCredential(ctx context.Context) (*auth.Credential, error)
	Renew(ctx context.Context) (*auth.Credential, error)
}

// Config holds the transport configuration.
type Config struct {
	// BaseURL is the API root, e.g. "https://api.example.com/api/v1".
	BaseURL string

	// HTTPClient defaults to a client with Timeout.
	HTTPClient *http.Client

	// Timeout abandons an exchange locally. Ignored when HTTPClient is set.
	Timeout time.Duration

	UserAgent string

	// RefreshPath is the endpoint RefreshCredential posts to.
	RefreshPath string

	Credentials CredentialSource

	// Throttle, if set, gates every exchange and observes rate limit headers.
	Throttle *ratelimit.Tracker

	Logger *zerolog.Logger
}

// Client executes single exchanges.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	userAgent   string
	refreshPath string
	creds       CredentialSource
	throttle    *ratelimit.Tracker
	logger      zerolog.Logger
	seq         atomic.Uint64
}

// Request describes one exchange. Body and Query keys use the internal
// naming convention; they are converted on the way out.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Header http.Header

	// SkipAuth sends the request without a credential and without the
	// renew-and-replay step.
	SkipAuth bool
}

// New creates a transport client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	refreshPath := cfg.RefreshPath
	if refreshPath == "" {
		refreshPath = "/auth/refresh"
	}

	return &Client{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient:  httpClient,
		userAgent:   cfg.UserAgent,
		refreshPath: refreshPath,
		creds:       cfg.Credentials,
		throttle:    cfg.Throttle,
		logger:      logging.OrDefault(cfg.Logger, "transport"),
	}, nil
}

// SetCredentials sets the credential source after construction.
func (c *Client) SetCredentials(src CredentialSource) {
	c.creds = src
}

// Do performs the exchange. An authentication rejection triggers exactly one
// renewal and replay; a second rejection is fatal and wraps
// auth.ErrSessionExpired. A rejection of a token that has already been
// replaced is replayed without renewing again.
func (c *Client) Do(ctx context.Context, req Request) (*Envelope, error) {
	env, sent, err := c.exchange(ctx, req)
	if req.SkipAuth || c.creds == nil || ClassOf(err) != ErrorClassAuth || IsSessionExpired(err) {
		return env, err
	}

	authRetriesTotal.Inc()
	if c.renewedSince(ctx, sent) {
		c.logger.Debug().
			Str("endpoint", req.Path).
			Msg("Authentication rejected for a replaced credential, replaying")
	} else {
		c.logger.Debug().
			Str("endpoint", req.Path).
			Msg("Authentication rejected, renewing credential")

		if _, renewErr := c.creds.Renew(ctx); renewErr != nil {
			var apiErr *APIError
			errors.As(err, &apiErr)
			apiErr.Err = renewErr
			return env, apiErr
		}
	}

	env, _, err = c.exchange(ctx, req)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Class == ErrorClassAuth {
		apiErr.Err = fmt.Errorf("%w: rejected after renewal", auth.ErrSessionExpired)
		c.logger.Error().
			Str("endpoint", req.Path).
			Msg("Authentication rejected after renewal, session expired")
	}
	return env, err
}

// renewedSince reports whether the current credential differs from the
// token a rejected request carried.
func (c *Client) renewedSince(ctx context.Context, sent string) bool {
	if sent == "" {
		return false
	}
	cur, err := c.creds.Current(ctx)
	return err == nil && cur != nil && cur.Token != "" && cur.Token != sent
}

// exchange performs one HTTP round trip without any replay. It also returns
// the bearer token the request carried.
func (c *Client) exchange(ctx context.Context, req Request) (*Envelope, string, error) {
	seq := c.seq.Add(1)
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	logger := logging.WithRequest(c.logger, method, req.Path)

	if c.throttle != nil {
		if err := c.throttle.Wait(ctx); err != nil {
			return nil, "", err
		}
	}

	httpReq, err := c.newRequest(ctx, method, req)
	if err != nil {
		return nil, "", err
	}
	sent := strings.TrimPrefix(httpReq.Header.Get("Authorization"), "Bearer ")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	requestDuration.WithLabelValues(req.Path).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, sent, ctxErr
		}
		logger.Warn().Err(err).Msg("HTTP request failed")
		requestsTotal.WithLabelValues(req.Path, "network_error").Inc()
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, sent, &APIError{Class: ErrorClassNetwork, Message: "no response received", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, sent, &APIError{
			StatusCode: resp.StatusCode,
			Class:      ErrorClassNetwork,
			Message:    "read response body",
			Err:        err,
		}
	}

	requestsTotal.WithLabelValues(req.Path, strconv.Itoa(resp.StatusCode)).Inc()

	if c.throttle != nil {
		if err := c.throttle.UpdateFromHeaders(resp.StatusCode, resp.Header); err != nil {
			logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}
	}

	env, err := normalize(resp.StatusCode, body)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassServer)).Inc()
		return nil, sent, &APIError{
			StatusCode: resp.StatusCode,
			Class:      ErrorClassServer,
			Message:    "malformed response body",
			Err:        err,
		}
	}
	env.Sequence = seq

	if env.Success {
		return env, sent, nil
	}

	class := classifyStatus(resp.StatusCode, env.ErrorCode)
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Class:      class,
		Code:       env.ErrorCode,
		Message:    errorMessage(env, body),
		Details:    env.Details,
		Envelope:   env,
	}
	if class == ErrorClassStaleBundle {
		apiErr.Err = ErrStaleBundle
	}

	errorsTotal.WithLabelValues(string(class)).Inc()
	logger.Warn().
		Int("status_code", resp.StatusCode).
		Str("error_class", string(class)).
		Str("error_code", env.ErrorCode).
		Msg("API request error")

	return env, sent, apiErr
}

func (c *Client) newRequest(ctx context.Context, method string, req Request) (*http.Request, error) {
	target := c.baseURL + "/" + strings.TrimPrefix(req.Path, "/")
	if len(req.Query) > 0 {
		query := url.Values{}
		for k, vs := range req.Query {
			query[strcase.ToSnake(k)] = vs
		}
		target += "?" + query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		payload, err := encodeBody(req.Body)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	if httpReq.Header.Get(HeaderRequestID) == "" {
		httpReq.Header.Set(HeaderRequestID, uuid.NewString())
	}

	if !req.SkipAuth && c.creds != nil {
		cred, err := c.creds.ValidCredential(ctx)
		switch {
		case errors.Is(err, auth.ErrNoCredential):
		case err != nil:
			return nil, &APIError{Class: ErrorClassAuth, Message: "no valid credential", Err: err}
		default:
			httpReq.Header.Set("Authorization", "Bearer "+cred.Token)
		}
	}

	return httpReq, nil
}

// encodeBody serializes body with wire-convention keys.
func encodeBody(body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}

	var tree any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}

	out, err := json.Marshal(ToWire(tree))
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	return out, nil
}

type credentialResponse struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresIn    int64     `json:"expiresIn"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// CredentialFromEnvelope extracts a credential from a login or refresh
// response ({access_token, refresh_token?, expires_in? | expires_at?}).
func CredentialFromEnvelope(env *Envelope) (*auth.Credential, error) {
	var out credentialResponse
	if err := env.Decode(&out); err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("response has no access token")
	}

	cred := &auth.Credential{
		Token:        out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresAt:    out.ExpiresAt,
	}
	if cred.ExpiresAt.IsZero() && out.ExpiresIn > 0 {
		cred.ExpiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	return cred, nil
}

// RefreshCredential exchanges the refresh token for a new credential. It
// never carries a credential itself, so it cannot recurse into renewal.
// Its signature matches auth.Renewer.
func (c *Client) RefreshCredential(ctx context.Context, current *auth.Credential) (*auth.Credential, error) {
	body := map[string]any{}
	if current != nil && current.RefreshToken != "" {
		body["refreshToken"] = current.RefreshToken
	}

	env, _, err := c.exchange(ctx, Request{
		Method:   http.MethodPost,
		Path:     c.refreshPath,
		Body:     body,
		SkipAuth: true,
	})
	if err != nil {
		return nil, fmt.Errorf("refresh credential: %w", err)
	}

	cred, err := CredentialFromEnvelope(env)
	if err != nil {
		return nil, fmt.Errorf("refresh credential: %w", err)
	}
	return cred, nil
}
