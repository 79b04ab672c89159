package cache

import (
	"net/url"
	"testing"
)

func TestKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want string
	}{
		{
			name: "simple endpoint no params",
			key:  Key{Endpoint: "/api/v1/venues/"},
			want: "api:api/v1/venues",
		},
		{
			name: "endpoint with query params",
			key: Key{
				Endpoint:    "/venues/123/tables",
				QueryParams: url.Values{"status": []string{"free"}},
			},
			want: "api:venues/123/tables:status=free",
		},
		{
			name: "multiple query params (sorted)",
			key: Key{
				Endpoint: "/orders",
				QueryParams: url.Values{
					"status": []string{"open"},
					"page":   []string{"1"},
				},
			},
			want: "api:orders:page=1:status=open",
		},
		{
			name: "repeated query values keep their order",
			key: Key{
				Endpoint:    "/menu",
				QueryParams: url.Values{"tag": []string{"vegan", "spicy"}},
			},
			want: "api:menu:tag=vegan,spicy",
		},
		{
			name: "identity scoped",
			key: Key{
				Endpoint: "/staff/me",
				Identity: "user-42",
			},
			want: "api:staff/me:@user-42",
		},
		{
			name: "separators in values are escaped",
			key: Key{
				Endpoint:    "/orders",
				QueryParams: url.Values{"status": []string{"open:table=5"}},
			},
			want: "api:orders:status=open%3Atable%3D5",
		},
		{
			name: "slashes and commas in values are escaped",
			key: Key{
				Endpoint:    "/orders",
				QueryParams: url.Values{"path": []string{"/venues/1", "a,b"}},
			},
			want: "api:orders:path=%2Fvenues%2F1,a%2Cb",
		},
		{
			name: "identity is escaped",
			key: Key{
				Endpoint: "/orders",
				Identity: "user:1",
			},
			want: "api:orders:@user%3A1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("Key.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestKey_Determinism ensures same input always produces same key
func TestKey_Determinism(t *testing.T) {
	key := Key{
		Endpoint: "/orders",
		QueryParams: url.Values{
			"venue_id": []string{"v1"},
			"status":   []string{"open"},
			"page":     []string{"1"},
		},
		Identity: "user-1",
	}

	first := key.String()
	for i := 0; i < 10; i++ {
		if got := key.String(); got != first {
			t.Errorf("iteration %d = %v, want %v (not deterministic)", i, got, first)
		}
	}
}

func TestKey_IdentitiesDoNotCollide(t *testing.T) {
	a := Key{Endpoint: "/orders", Identity: "a"}
	b := Key{Endpoint: "/orders", Identity: "b"}
	if a.String() == b.String() {
		t.Error("keys for different identities must differ")
	}
}

func TestKey_DistinctRequestsDoNotCollide(t *testing.T) {
	tests := []struct {
		name string
		a, b Key
	}{
		{
			name: "value containing separators vs two params",
			a:    Key{Endpoint: "/orders", QueryParams: url.Values{"status": {"open:table=5"}}},
			b:    Key{Endpoint: "/orders", QueryParams: url.Values{"status": {"open"}, "table": {"5"}}},
		},
		{
			name: "value containing comma vs repeated values",
			a:    Key{Endpoint: "/menu", QueryParams: url.Values{"tag": {"vegan,spicy"}}},
			b:    Key{Endpoint: "/menu", QueryParams: url.Values{"tag": {"vegan", "spicy"}}},
		},
		{
			name: "id query param vs identity",
			a:    Key{Endpoint: "/orders", QueryParams: url.Values{"id": {"u1"}}},
			b:    Key{Endpoint: "/orders", Identity: "u1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.a.String() == tt.b.String() {
				t.Errorf("both keys = %q, want distinct", tt.a.String())
			}
		})
	}
}

func TestSegmentPattern_IgnoresEscapedQueryValues(t *testing.T) {
	key := Key{Endpoint: "/orders", QueryParams: url.Values{"from": {"/venues/1"}}}.String()
	if SegmentPattern("venues").MatchString(key) {
		t.Errorf("SegmentPattern(venues) matched %q", key)
	}
	if !SegmentPattern("orders").MatchString(key) {
		t.Errorf("SegmentPattern(orders) did not match %q", key)
	}
}
