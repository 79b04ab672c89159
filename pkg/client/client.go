// Package client is the entry point of the library: one Client owns the
// credential coordinator, transport, response cache, batch scheduler and
// performance monitor, and builds realtime channels that share its
// credentials.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/venue-sync-client/pkg/auth"
	"github.com/Sternrassler/venue-sync-client/pkg/batch"
	"github.com/Sternrassler/venue-sync-client/pkg/cache"
	"github.com/Sternrassler/venue-sync-client/pkg/clock"
	"github.com/Sternrassler/venue-sync-client/pkg/logging"
	"github.com/Sternrassler/venue-sync-client/pkg/perf"
	"github.com/Sternrassler/venue-sync-client/pkg/ratelimit"
	"github.com/Sternrassler/venue-sync-client/pkg/realtime"
	"github.com/Sternrassler/venue-sync-client/pkg/retry"
	"github.com/Sternrassler/venue-sync-client/pkg/transport"
	"github.com/rs/zerolog"
)

// Client is the venue API client.
type Client struct {
	config    Config
	transport *transport.Client
	creds     *auth.Coordinator
	throttle  *ratelimit.Tracker
	cache     *cache.Registry
	batcher   *batch.Scheduler
	monitor   *perf.Monitor
	clock     clock.Clock
	logger    zerolog.Logger
	parent    zerolog.Logger

	mu       sync.Mutex
	channels map[string]*realtime.Manager
	closed   bool
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the REST API root, e.g. "https://api.example.com/api/v1".
	BaseURL string

	// RealtimeURL is the push channel endpoint. Derived from BaseURL when
	// empty ("https://host/api/v1" becomes "wss://host/ws").
	RealtimeURL string

	UserAgent  string
	Timeout    time.Duration
	HTTPClient *http.Client

	// Credentials
	CredentialStore  auth.Store
	SafetyMargin     time.Duration
	LoginPath        string
	RefreshPath      string
	OnSessionExpired func(err error)

	// Identity partitions cache keys per session. Empty for single-session use.
	Identity string

	// Throttling. Zero RequestsPerSecond disables local pacing; server
	// rate limit headers are honored regardless.
	RequestsPerSecond float64
	Burst             int

	Retry retry.Policy

	// Caching
	CacheTTL time.Duration

	// Batching
	BatchWindow         time.Duration
	BatchMaxConcurrency int

	// Realtime reconnect schedule
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	// ExportPerfMetrics mirrors the performance monitor into Prometheus.
	ExportPerfMetrics bool

	Clock  clock.Clock
	Logger *zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:              baseURL,
		UserAgent:            "venue-sync-client/1.0",
		Timeout:              30 * time.Second,
		SafetyMargin:         60 * time.Second,
		LoginPath:            "/auth/login",
		RefreshPath:          "/auth/refresh",
		Retry:                retry.DefaultPolicy(),
		CacheTTL:             cache.DefaultTTL,
		BatchWindow:          batch.DefaultWindow,
		BatchMaxConcurrency:  5,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 5,
		ExportPerfMetrics:    true,
	}
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.Retry.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0")
	}
	if cfg.RealtimeURL == "" {
		derived, err := realtimeURL(cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		cfg.RealtimeURL = derived
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/auth/login"
	}
	if cfg.BatchMaxConcurrency <= 0 {
		cfg.BatchMaxConcurrency = 5
	}

	clk := clock.OrReal(cfg.Clock)
	logger := logging.OrDefault(cfg.Logger, "client")
	parent := logger
	if cfg.Logger != nil {
		parent = *cfg.Logger
	}

	throttle := ratelimit.NewTracker(ratelimit.Config{
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		Clock:             clk,
		Logger:            &parent,
	})

	creds := auth.NewCoordinator(auth.Config{
		Store:            cfg.CredentialStore,
		SafetyMargin:     cfg.SafetyMargin,
		OnSessionExpired: cfg.OnSessionExpired,
		Clock:            clk,
		Logger:           &parent,
	})

	tr, err := transport.New(transport.Config{
		BaseURL:     cfg.BaseURL,
		HTTPClient:  cfg.HTTPClient,
		Timeout:     cfg.Timeout,
		UserAgent:   cfg.UserAgent,
		RefreshPath: cfg.RefreshPath,
		Credentials: creds,
		Throttle:    throttle,
		Logger:      &parent,
	})
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	creds.SetRenewer(tr.RefreshCredential)

	monitor := perf.NewMonitor(cfg.ExportPerfMetrics)

	registry := cache.NewRegistry(cache.Config{
		DefaultTTL: cfg.CacheTTL,
		OnHit:      monitor.RecordCacheHit,
		Clock:      clk,
		Logger:     &parent,
	})

	batcher := batch.NewScheduler(batch.Config{
		Window: cfg.BatchWindow,
		Clock:  clk,
		Logger: &parent,
	})

	logger.Info().
		Str("base_url", cfg.BaseURL).
		Str("realtime_url", cfg.RealtimeURL).
		Int("max_retries", cfg.Retry.MaxRetries).
		Dur("cache_ttl", cfg.CacheTTL).
		Msg("Venue client initialized")

	return &Client{
		config:    cfg,
		transport: tr,
		creds:     creds,
		throttle:  throttle,
		cache:     registry,
		batcher:   batcher,
		monitor:   monitor,
		clock:     clk,
		logger:    logger,
		parent:    parent,
		channels:  make(map[string]*realtime.Manager),
	}, nil
}

// Get reads path through the cache, the in-flight registry and the retry
// policy. The returned envelope may be shared with concurrent callers and
// must be treated as read-only.
func (c *Client) Get(ctx context.Context, path string, query url.Values, opts ...Option) (*transport.Envelope, error) {
	o := c.options(opts)

	key := cache.Key{
		Endpoint:    strings.TrimPrefix(path, "/"),
		QueryParams: query,
		Identity:    o.identity,
	}.String()

	req := transport.Request{Method: http.MethodGet, Path: path, Query: query}
	value, err := c.cache.GetOrFetch(ctx, key, func(ctx context.Context) (any, error) {
		return c.execute(ctx, key, req, o)
	}, cache.Options{TTL: o.ttl, UseCache: o.useCache, Dedupe: o.dedupe})
	if err != nil {
		return nil, err
	}
	return value.(*transport.Envelope), nil
}

// GetInto is Get followed by decoding the response data into out.
func (c *Client) GetInto(ctx context.Context, path string, query url.Values, out any, opts ...Option) error {
	env, err := c.Get(ctx, path, query, opts...)
	if err != nil {
		return err
	}
	return env.Decode(out)
}

// Post creates a resource and invalidates cached reads of it.
func (c *Client) Post(ctx context.Context, path string, body any, opts ...Option) (*transport.Envelope, error) {
	return c.mutate(ctx, http.MethodPost, path, body, opts)
}

// Put replaces a resource and invalidates cached reads of it.
func (c *Client) Put(ctx context.Context, path string, body any, opts ...Option) (*transport.Envelope, error) {
	return c.mutate(ctx, http.MethodPut, path, body, opts)
}

// Patch updates a resource and invalidates cached reads of it.
func (c *Client) Patch(ctx context.Context, path string, body any, opts ...Option) (*transport.Envelope, error) {
	return c.mutate(ctx, http.MethodPatch, path, body, opts)
}

// Delete removes a resource and invalidates cached reads of it.
func (c *Client) Delete(ctx context.Context, path string, opts ...Option) (*transport.Envelope, error) {
	return c.mutate(ctx, http.MethodDelete, path, nil, opts)
}

func (c *Client) mutate(ctx context.Context, method, path string, body any, opts []Option) (*transport.Envelope, error) {
	o := c.options(opts)
	req := transport.Request{Method: method, Path: path, Body: body}

	env, err := c.execute(ctx, method+" "+path, req, o)
	if err != nil {
		return nil, err
	}

	if resource := ResourceSegment(path); resource != "" {
		n := c.cache.InvalidateByPattern(resource)
		c.logger.Debug().
			Str("method", method).
			Str("resource", resource).
			Int("invalidated", n).
			Msg("Mutation invalidated cached reads")
	}
	return env, nil
}

// execute runs one logical request: retries per policy and records every
// network attempt under perfKey.
func (c *Client) execute(ctx context.Context, perfKey string, req transport.Request, o requestOptions) (*transport.Envelope, error) {
	attempt := func(ctx context.Context) (*transport.Envelope, error) {
		start := time.Now()
		env, err := c.transport.Do(ctx, req)
		c.monitor.RecordRequest(perfKey, time.Since(start))
		if err != nil {
			c.monitor.RecordError(perfKey)
		}
		return env, err
	}

	if !o.retry {
		return attempt(ctx)
	}
	return retry.Execute(ctx, c.clock, c.config.Retry, attempt)
}

// GetBatched reads collection/id, grouping ids requested within one batch
// window into a bounded fan-out of Get calls.
func (c *Client) GetBatched(ctx context.Context, collection, id string, opts ...Option) (*transport.Envelope, error) {
	collection = strings.TrimSuffix(collection, "/")
	fetch := func(ctx context.Context, itemKey string) (any, error) {
		return c.Get(ctx, collection+"/"+itemKey, nil, opts...)
	}

	v, err := c.Batch(ctx, "GET "+collection, id, batch.FanOut(fetch, c.config.BatchMaxConcurrency))
	if err != nil {
		return nil, err
	}
	return v.(*transport.Envelope), nil
}

// Batch enqueues itemKey into the window for batchKey and waits for its
// result.
func (c *Client) Batch(ctx context.Context, batchKey, itemKey string, executor batch.Executor) (any, error) {
	return c.batcher.Enqueue(batchKey, itemKey, executor).Wait(ctx)
}

// Login authenticates with the given payload and installs the returned
// credential.
func (c *Client) Login(ctx context.Context, payload any) error {
	env, err := c.transport.Do(ctx, transport.Request{
		Method:   http.MethodPost,
		Path:     c.config.LoginPath,
		Body:     payload,
		SkipAuth: true,
	})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	cred, err := transport.CredentialFromEnvelope(env)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return c.creds.Set(ctx, *cred)
}

// SetCredential installs a credential obtained elsewhere.
func (c *Client) SetCredential(ctx context.Context, cred auth.Credential) error {
	return c.creds.Set(ctx, cred)
}

// Logout drops the credential and every cached read.
func (c *Client) Logout(ctx context.Context) error {
	c.cache.Clear()
	return c.creds.Clear(ctx)
}

// Realtime returns the push channel for scope, creating it on first use.
// The channel is not connected; call Connect on the returned manager.
func (c *Client) Realtime(scope string) (*realtime.Manager, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("client is closed")
	}
	if m, ok := c.channels[scope]; ok {
		return m, nil
	}

	cfg := realtime.DefaultConfig(c.config.RealtimeURL, scope)
	cfg.Credentials = c.creds
	cfg.BaseDelay = c.config.ReconnectBaseDelay
	cfg.MaxDelay = c.config.ReconnectMaxDelay
	cfg.MaxAttempts = c.config.MaxReconnectAttempts
	cfg.Clock = c.clock
	cfg.Logger = &c.parent

	m, err := realtime.NewManager(cfg)
	if err != nil {
		return nil, fmt.Errorf("create realtime channel: %w", err)
	}
	c.channels[scope] = m
	return m, nil
}

// Metrics returns the performance monitor snapshot keyed by request.
func (c *Client) Metrics() map[string]perf.KeyMetrics {
	return c.monitor.Metrics()
}

// Monitor exposes the performance monitor.
func (c *Client) Monitor() *perf.Monitor {
	return c.monitor
}

// Credentials exposes the credential coordinator.
func (c *Client) Credentials() *auth.Coordinator {
	return c.creds
}

// Cache exposes the response cache for manual invalidation.
func (c *Client) Cache() *cache.Registry {
	return c.cache
}

// RateLimit returns the last server-reported rate limit state.
func (c *Client) RateLimit() ratelimit.State {
	return c.throttle.State()
}

// Close disconnects every realtime channel, rejects open batch windows and
// drops the cache. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := c.channels
	c.channels = nil
	c.mu.Unlock()

	for _, m := range channels {
		m.Disconnect()
	}
	c.batcher.Close()
	c.cache.Clear()

	c.logger.Info().Msg("Venue client closed")
	return nil
}

var versionSegment = regexp.MustCompile(`^v[0-9]+$`)

// ResourceSegment returns the first path segment that is neither "api" nor
// a version such as "v1". "/api/v1/venues/123" yields "venues".
func ResourceSegment(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || seg == "api" || versionSegment.MatchString(seg) {
			continue
		}
		return seg
	}
	return ""
}

// realtimeURL maps the API base onto the push channel endpoint.
func realtimeURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

// pushInvalidations maps push message types to the resource they change.
var pushInvalidations = map[realtime.MessageType]string{
	realtime.TypeOrderCreated:       "orders",
	realtime.TypeOrderStatusUpdated: "orders",
	realtime.TypeTableStatusUpdated: "tables",
	realtime.TypeMenuItemUpdated:    "menu",
}

// InvalidateOnPush drops cached reads whenever m delivers a change for their
// resource. The returned func removes the subscriptions.
func (c *Client) InvalidateOnPush(m *realtime.Manager) (unsubscribe func()) {
	unsubs := make([]func(), 0, len(pushInvalidations))
	for msgType, resource := range pushInvalidations {
		unsubs = append(unsubs, m.Subscribe(msgType, func(realtime.Message) {
			c.cache.InvalidateByPattern(resource)
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
