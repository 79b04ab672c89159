package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/venue-sync-client/pkg/clock"
	"github.com/Sternrassler/venue-sync-client/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var renewalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "venue_auth_renewals_total",
	Help: "Credential renewal executions by result",
}, []string{"result"})

// Renewer obtains a fresh credential. current may be nil.
type Renewer func(ctx context.Context, current *Credential) (*Credential, error)

// Config configures a Coordinator.
type Config struct {
	// Store persists the credential between processes. Defaults to a MemoryStore.
	Store Store

	// Renewer performs the underlying renewal call.
	Renewer Renewer

	// SafetyMargin is the minimum remaining validity for a credential to be
	// handed out without renewal.
	SafetyMargin time.Duration

	// RenewTimeout bounds one renewal execution shared by all waiters.
	RenewTimeout time.Duration

	// OnSessionExpired is called once for every failed renewal.
	OnSessionExpired func(err error)

	Clock  clock.Clock
	Logger *zerolog.Logger
}

// DefaultConfig returns a Config with a memory store and a 60s safety margin.
func DefaultConfig(renewer Renewer) Config {
	return Config{
		Store:        NewMemoryStore(),
		Renewer:      renewer,
		SafetyMargin: 60 * time.Second,
		RenewTimeout: 30 * time.Second,
	}
}

// Coordinator hands out valid credentials and renews them single-flight.
type Coordinator struct {
	store     Store
	renewer   Renewer
	margin    time.Duration
	timeout   time.Duration
	onExpired func(err error)
	clock     clock.Clock
	logger    zerolog.Logger

	mu      sync.RWMutex
	current *Credential
	loaded  bool

	flight singleflight.Group
}

// NewCoordinator creates a coordinator from cfg.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.RenewTimeout <= 0 {
		cfg.RenewTimeout = 30 * time.Second
	}

	return &Coordinator{
		store:     cfg.Store,
		renewer:   cfg.Renewer,
		margin:    cfg.SafetyMargin,
		timeout:   cfg.RenewTimeout,
		onExpired: cfg.OnSessionExpired,
		clock:     clock.OrReal(cfg.Clock),
		logger:    logging.OrDefault(cfg.Logger, "auth"),
	}
}

// SetRenewer replaces the renewal function. It exists for wiring a
// transport that itself depends on the coordinator.
func (c *Coordinator) SetRenewer(r Renewer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renewer = r
}

// Current returns the working credential without checking its validity.
// The store is consulted only until a credential has been loaded once.
func (c *Coordinator) Current(ctx context.Context) (*Credential, error) {
	c.mu.RLock()
	if c.loaded {
		cur := c.current
		c.mu.RUnlock()
		return copyCredential(cur), nil
	}
	c.mu.RUnlock()

	stored, err := c.store.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		c.current = stored
		c.loaded = true
	}
	return copyCredential(c.current), nil
}

// ValidCredential returns the working credential if it outlives the safety
// margin, and renews it otherwise.
func (c *Coordinator) ValidCredential(ctx context.Context) (*Credential, error) {
	cur, err := c.Current(ctx)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, ErrNoCredential
	}

	if cur.Remaining(c.clock.Now()) > c.margin {
		return cur, nil
	}

	c.logger.Debug().
		Time("expires_at", cur.ExpiresAt).
		Msg("Credential inside safety margin, renewing")
	return c.Renew(ctx)
}

// Renew obtains a new credential. Concurrent callers share one underlying
// renewal; a caller whose ctx ends stops waiting without affecting the others.
// A failed renewal returns an error wrapping ErrSessionExpired.
func (c *Coordinator) Renew(ctx context.Context) (*Credential, error) {
	ch := c.flight.DoChan("renew", func() (any, error) {
		renewCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.renew(renewCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return copyCredential(res.Val.(*Credential)), nil
	}
}

func (c *Coordinator) renew(ctx context.Context) (*Credential, error) {
	cur, err := c.Current(ctx)
	if err != nil {
		return nil, c.fail(err)
	}

	c.mu.RLock()
	renewer := c.renewer
	c.mu.RUnlock()
	if renewer == nil {
		return nil, c.fail(fmt.Errorf("no renewer configured"))
	}

	next, err := renewer(ctx, cur)
	if err != nil {
		return nil, c.fail(err)
	}
	if next == nil || next.Token == "" {
		return nil, c.fail(fmt.Errorf("renewal returned an empty credential"))
	}

	if next.ExpiresAt.IsZero() {
		if exp, err := ExpiryFromToken(next.Token); err == nil {
			next.ExpiresAt = exp
		}
	}
	if next.RefreshToken == "" && cur != nil {
		next.RefreshToken = cur.RefreshToken
	}

	c.mu.Lock()
	c.current = copyCredential(next)
	c.loaded = true
	c.mu.Unlock()

	if err := c.store.Set(ctx, *next); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to persist renewed credential")
	}

	renewalsTotal.WithLabelValues("success").Inc()
	c.logger.Info().
		Time("expires_at", next.ExpiresAt).
		Msg("Credential renewed")
	return next, nil
}

func (c *Coordinator) fail(cause error) error {
	err := fmt.Errorf("%w: renewal failed: %w", ErrSessionExpired, cause)

	renewalsTotal.WithLabelValues("failure").Inc()
	c.logger.Error().Err(cause).Msg("Credential renewal failed, session expired")

	if c.onExpired != nil {
		c.onExpired(err)
	}
	return err
}

// Set installs a credential obtained from a login.
func (c *Coordinator) Set(ctx context.Context, cred Credential) error {
	if cred.ExpiresAt.IsZero() {
		if exp, err := ExpiryFromToken(cred.Token); err == nil {
			cred.ExpiresAt = exp
		}
	}

	c.mu.Lock()
	c.current = copyCredential(&cred)
	c.loaded = true
	c.mu.Unlock()

	if err := c.store.Set(ctx, cred); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

// Clear drops the working credential and clears the store.
func (c *Coordinator) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.current = nil
	c.loaded = true
	c.mu.Unlock()

	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

func copyCredential(c *Credential) *Credential {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
