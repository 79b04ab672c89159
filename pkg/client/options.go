package client

import "time"

// Option adjusts a single request.
type Option func(*requestOptions)

type requestOptions struct {
	ttl      time.Duration
	useCache bool
	dedupe   bool
	retry    bool
	identity string
}

func (c *Client) options(opts []Option) requestOptions {
	o := requestOptions{
		ttl:      c.config.CacheTTL,
		useCache: true,
		dedupe:   true,
		retry:    true,
		identity: c.config.Identity,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithTTL overrides the cache lifetime of the response.
func WithTTL(ttl time.Duration) Option {
	return func(o *requestOptions) { o.ttl = ttl }
}

// WithoutCache bypasses the response cache for reading and storing.
func WithoutCache() Option {
	return func(o *requestOptions) { o.useCache = false }
}

// WithoutDedupe executes even if an identical request is in flight.
func WithoutDedupe() Option {
	return func(o *requestOptions) { o.dedupe = false }
}

// WithoutRetry makes a single attempt.
func WithoutRetry() Option {
	return func(o *requestOptions) { o.retry = false }
}

// WithIdentity scopes the cache entry to identity.
func WithIdentity(identity string) Option {
	return func(o *requestOptions) { o.identity = identity }
}
