package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Key identifies a cached read.
type Key struct {
	// Endpoint is the request path (e.g., "/api/v1/venues/123")
	Endpoint string

	// QueryParams are the query parameters (e.g., {"page": "2"})
	QueryParams url.Values

	// Identity scopes the entry to one credential holder. Empty for a
	// single-session process.
	Identity string
}

// String generates a deterministic cache key string.
// Format: api:endpoint:query1=val1:query2=val2:@identity
//
// Query names, values and the identity are query-escaped, so ':' ',' '='
// '/' and '@' only ever appear as separators after the endpoint.
//
// Example:
//
//	api:v1/venues/123:include=tables
func (k Key) String() string {
	parts := []string{"api"}

	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	// Query params sorted for determinism; repeated values kept in order.
	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			values := make([]string, len(k.QueryParams[key]))
			for i, v := range k.QueryParams[key] {
				values[i] = url.QueryEscape(v)
			}
			parts = append(parts, fmt.Sprintf("%s=%s", url.QueryEscape(key), strings.Join(values, ",")))
		}
	}

	if k.Identity != "" {
		parts = append(parts, "@"+url.QueryEscape(k.Identity))
	}

	return strings.Join(parts, ":")
}
