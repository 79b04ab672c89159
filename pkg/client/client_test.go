package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/venue-sync-client/internal/testutil"
	"github.com/Sternrassler/venue-sync-client/pkg/auth"
	"github.com/Sternrassler/venue-sync-client/pkg/realtime"
	"github.com/Sternrassler/venue-sync-client/pkg/transport"
	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, api *testutil.MockAPI) *Client {
	t.Helper()

	logger := zerolog.Nop()
	cfg := DefaultConfig(api.URL())
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	cfg.BatchWindow = 10 * time.Millisecond
	cfg.ExportPerfMetrics = false
	cfg.Logger = &logger

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid config",
			config: DefaultConfig("https://api.example.com/api/v1"),
		},
		{
			name:        "missing base url",
			config:      DefaultConfig(""),
			expectError: true,
			errorMsg:    "base url is required",
		},
		{
			name: "negative retries",
			config: func() Config {
				cfg := DefaultConfig("https://api.example.com")
				cfg.Retry.MaxRetries = -1
				return cfg
			}(),
			expectError: true,
			errorMsg:    "max retries must be >= 0",
		},
		{
			name:        "unsupported scheme without realtime url",
			config:      DefaultConfig("ftp://api.example.com"),
			expectError: true,
			errorMsg:    "unsupported base url scheme",
		},
		{
			name: "explicit realtime url",
			config: func() Config {
				cfg := DefaultConfig("ftp://api.example.com")
				cfg.RealtimeURL = "wss://push.example.com/ws"
				return cfg
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.config.ExportPerfMetrics = false
			client, err := New(tt.config)

			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("error = %q, want it to contain %q", err.Error(), tt.errorMsg)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			client.Close()
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("https://api.example.com")

	if cfg.Retry.MaxRetries != 3 {
		t.Errorf("Retry.MaxRetries = %d, want 3", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.BaseDelay != 500*time.Millisecond {
		t.Errorf("Retry.BaseDelay = %v, want 500ms", cfg.Retry.BaseDelay)
	}
	if cfg.CacheTTL != 5*time.Minute {
		t.Errorf("CacheTTL = %v, want 5m", cfg.CacheTTL)
	}
	if cfg.BatchWindow != 50*time.Millisecond {
		t.Errorf("BatchWindow = %v, want 50ms", cfg.BatchWindow)
	}
	if cfg.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts = %d, want 5", cfg.MaxReconnectAttempts)
	}
}

func TestGet_CachedReadMakesOneNetworkCall(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()
	api.SetResponse(http.MethodGet, "/venues/{id}", testutil.NewEnvelopeResponse(map[string]any{
		"venue_id": "123",
		"name":     "Harbor Grill",
	}))

	client := newTestClient(t, api)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		var venue struct {
			VenueID string `json:"venueId"`
			Name    string `json:"name"`
		}
		if err := client.GetInto(ctx, "/venues/123", nil, &venue); err != nil {
			t.Fatalf("GetInto() #%d error = %v", i+1, err)
		}
		if venue.VenueID != "123" || venue.Name != "Harbor Grill" {
			t.Errorf("venue = %+v", venue)
		}
	}

	if got := api.CountFor(http.MethodGet, "/venues/123"); got != 1 {
		t.Errorf("network calls = %d, want 1", got)
	}

	m := client.Monitor().Get("api:venues/123")
	if m.Calls != 1 {
		t.Errorf("monitor calls = %d, want 1", m.Calls)
	}
	if m.CacheHits != 1 {
		t.Errorf("monitor cache hits = %d, want 1", m.CacheHits)
	}
}

func TestGet_ConcurrentCallersShareOneExchange(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()
	resp := testutil.NewEnvelopeResponse([]string{"a"})
	resp.Delay = 50 * time.Millisecond
	api.SetResponse(http.MethodGet, "/orders", resp)

	client := newTestClient(t, api)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Get(context.Background(), "/orders", url.Values{"status": {"open"}})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Get() error = %v", err)
		}
	}
	if got := api.CountFor(http.MethodGet, "/orders"); got != 1 {
		t.Errorf("network calls = %d, want 1", got)
	}
}

func TestGet_WithoutCache(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()
	api.SetResponse(http.MethodGet, "/menus", testutil.NewEnvelopeResponse([]string{}))

	client := newTestClient(t, api)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := client.Get(ctx, "/menus", nil, WithoutCache()); err != nil {
			t.Fatalf("Get() error = %v", err)
		}
	}
	if got := api.CountFor(http.MethodGet, "/menus"); got != 3 {
		t.Errorf("network calls = %d, want 3", got)
	}
}

func TestGet_IdentityPartitionsCache(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()
	api.SetResponse(http.MethodGet, "/tables", testutil.NewEnvelopeResponse([]string{}))

	client := newTestClient(t, api)
	ctx := context.Background()

	for _, id := range []string{"staff-1", "staff-2", "staff-1"} {
		if _, err := client.Get(ctx, "/tables", nil, WithIdentity(id)); err != nil {
			t.Fatalf("Get() error = %v", err)
		}
	}
	if got := api.CountFor(http.MethodGet, "/tables"); got != 2 {
		t.Errorf("network calls = %d, want 2", got)
	}
}

func TestPost_InvalidatesResource(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()
	api.SetResponse(http.MethodGet, "/venues", testutil.NewEnvelopeResponse([]string{"v1"}))
	api.SetResponse(http.MethodGet, "/venues-archive", testutil.NewEnvelopeResponse([]string{}))
	api.SetResponse(http.MethodPost, "/venues", testutil.NewEnvelopeResponse(map[string]any{"id": "v2"}))

	client := newTestClient(t, api)
	ctx := context.Background()

	if _, err := client.Get(ctx, "/venues", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if _, err := client.Get(ctx, "/venues-archive", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if _, err := client.Post(ctx, "/venues", map[string]any{"name": "New"}); err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if _, err := client.Get(ctx, "/venues", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if _, err := client.Get(ctx, "/venues-archive", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if got := api.CountFor(http.MethodGet, "/venues"); got != 2 {
		t.Errorf("GET /venues calls = %d, want 2", got)
	}
	if got := api.CountFor(http.MethodGet, "/venues-archive"); got != 1 {
		t.Errorf("GET /venues-archive calls = %d, want 1", got)
	}
}

func TestPost_FailureKeepsCache(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()
	api.SetResponse(http.MethodGet, "/orders", testutil.NewEnvelopeResponse([]string{}))
	api.SetResponse(http.MethodPost, "/orders", testutil.NewErrorResponse(http.StatusBadRequest, "bad", "invalid"))

	client := newTestClient(t, api)
	ctx := context.Background()

	if _, err := client.Get(ctx, "/orders", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if _, err := client.Post(ctx, "/orders", map[string]any{}); err == nil {
		t.Fatal("Post() expected error")
	}
	if client.Cache().Len() != 1 {
		t.Errorf("cache entries = %d, want 1", client.Cache().Len())
	}
}

func TestGet_RetryOnServerError(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()
	api.SetSequence(http.MethodGet, "/orders",
		testutil.NewServerErrorResponse(),
		testutil.NewServerErrorResponse(),
		testutil.NewEnvelopeResponse([]string{"o1"}),
	)

	client := newTestClient(t, api)

	if _, err := client.Get(context.Background(), "/orders", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := api.CountFor(http.MethodGet, "/orders"); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}

	m := client.Metrics()["api:orders"]
	if m.Calls != 3 || m.Errors != 2 {
		t.Errorf("monitor = %+v, want 3 calls and 2 errors", m)
	}
}

func TestGet_RetryAfterTimeout(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()

	var mu sync.Mutex
	calls := 0
	api.SetHandler(http.MethodGet, "/orders", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		slow := calls == 1
		mu.Unlock()

		if slow {
			select {
			case <-r.Context().Done():
			case <-time.After(300 * time.Millisecond):
			}
		}
		testutil.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "data": []string{"o1"}})
	})

	logger := zerolog.Nop()
	cfg := DefaultConfig(api.URL())
	cfg.Timeout = 50 * time.Millisecond
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	cfg.ExportPerfMetrics = false
	cfg.Logger = &logger
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	if _, err := client.Get(context.Background(), "/orders", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := api.CountFor(http.MethodGet, "/orders"); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}

	m := client.Metrics()["api:orders"]
	if m.Calls != 2 || m.Errors != 1 {
		t.Errorf("monitor = %+v, want 2 calls and 1 error", m)
	}
}

func TestGet_TimeoutExhaustsRetries(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()
	api.SetHandler(http.MethodGet, "/orders", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(300 * time.Millisecond):
		}
	})

	logger := zerolog.Nop()
	cfg := DefaultConfig(api.URL())
	cfg.Timeout = 20 * time.Millisecond
	cfg.Retry.MaxRetries = 1
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	cfg.ExportPerfMetrics = false
	cfg.Logger = &logger
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	_, err = client.Get(context.Background(), "/orders", nil)
	if transport.ClassOf(err) != transport.ErrorClassNetwork {
		t.Fatalf("class = %q, want network (err = %v)", transport.ClassOf(err), err)
	}
	if got := api.CountFor(http.MethodGet, "/orders"); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNew_SubComponentsTagLogsOnce(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()
	api.SetResponse(http.MethodGet, "/orders", testutil.NewServerErrorResponse())

	out := &lockedBuffer{}
	logger := zerolog.New(out).With().Str("component", "venue-monitor").Logger()
	cfg := DefaultConfig(api.URL())
	cfg.Retry.MaxRetries = 0
	cfg.ExportPerfMetrics = false
	cfg.Logger = &logger
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	_, _ = client.Get(context.Background(), "/orders", nil)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected client and transport log lines, got %q", out.String())
	}
	for _, line := range lines {
		if n := strings.Count(line, `"component":`); n != 1 {
			t.Errorf("component keys = %d, want 1 in %s", n, line)
		}
		if n := strings.Count(line, `"subcomponent":`); n > 1 {
			t.Errorf("subcomponent keys = %d, want at most 1 in %s", n, line)
		}
	}
	if !strings.Contains(out.String(), `"subcomponent":"transport"`) {
		t.Errorf("expected a transport log line, got %q", out.String())
	}
}

func TestGet_NoRetryOnClientError(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()
	api.SetResponse(http.MethodGet, "/venues/{id}", testutil.NewErrorResponse(http.StatusNotFound, "Venue not found", "not_found"))

	client := newTestClient(t, api)

	_, err := client.Get(context.Background(), "/venues/999", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if transport.StatusOf(err) != http.StatusNotFound {
		t.Errorf("status = %d, want 404", transport.StatusOf(err))
	}
	if got := api.CountFor(http.MethodGet, "/venues/999"); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if client.Cache().Len() != 0 {
		t.Error("failed read must not be cached")
	}
}

func TestGet_WithoutRetry(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()
	api.SetResponse(http.MethodGet, "/orders", testutil.NewServerErrorResponse())

	client := newTestClient(t, api)

	_, err := client.Get(context.Background(), "/orders", nil, WithoutRetry())
	if transport.ClassOf(err) != transport.ErrorClassServer {
		t.Errorf("class = %q, want server", transport.ClassOf(err))
	}
	if got := api.CountFor(http.MethodGet, "/orders"); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestGet_RetryExhausted(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()
	api.SetResponse(http.MethodGet, "/orders", testutil.NewServerErrorResponse())

	client := newTestClient(t, api)

	_, err := client.Get(context.Background(), "/orders", nil)
	var apiErr *transport.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *transport.APIError", err)
	}
	if apiErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", apiErr.StatusCode)
	}
	if got := api.CountFor(http.MethodGet, "/orders"); got != 4 {
		t.Errorf("attempts = %d, want 4", got)
	}
}

func TestLogin_InstallsCredential(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()
	api.SetResponse(http.MethodPost, "/auth/login", testutil.NewEnvelopeResponse(map[string]any{
		"access_token":  "access-1",
		"refresh_token": "refresh-1",
		"expires_in":    3600,
	}))
	api.SetResponse(http.MethodGet, "/venues", testutil.NewEnvelopeResponse([]string{}))

	client := newTestClient(t, api)
	ctx := context.Background()

	if err := client.Login(ctx, map[string]any{"email": "a@b.c", "password": "pw"}); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if _, err := client.Get(ctx, "/venues", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	var login, read *testutil.RecordedRequest
	for _, r := range api.Requests() {
		switch r.Path {
		case "/auth/login":
			login = &r
		case "/venues":
			read = &r
		}
	}
	if login == nil || read == nil {
		t.Fatal("expected login and read requests")
	}
	if got := login.Header.Get("Authorization"); got != "" {
		t.Errorf("login Authorization = %q, want empty", got)
	}
	if got := read.Header.Get("Authorization"); got != "Bearer access-1" {
		t.Errorf("read Authorization = %q, want Bearer access-1", got)
	}

	cred, err := client.Credentials().Current(ctx)
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if cred.RefreshToken != "refresh-1" {
		t.Errorf("RefreshToken = %q, want refresh-1", cred.RefreshToken)
	}
}

func TestLogout_ClearsCacheAndCredential(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()
	api.SetResponse(http.MethodGet, "/venues", testutil.NewEnvelopeResponse([]string{}))

	client := newTestClient(t, api)
	ctx := context.Background()

	if err := client.SetCredential(ctx, auth.Credential{Token: "t", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("SetCredential() error = %v", err)
	}
	if _, err := client.Get(ctx, "/venues", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if err := client.Logout(ctx); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	if client.Cache().Len() != 0 {
		t.Error("cache not cleared")
	}
	if _, err := client.Credentials().ValidCredential(ctx); !errors.Is(err, auth.ErrNoCredential) {
		t.Errorf("ValidCredential() error = %v, want ErrNoCredential", err)
	}
}

func TestGetBatched_FetchesEachItemOnce(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()
	api.SetHandler(http.MethodGet, "/tables/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/tables/")
		testutil.WriteJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"data":    map[string]any{"table_id": id},
		})
	})

	client := newTestClient(t, api)

	ids := []string{"t1", "t2", "t1", "t3"}
	results := make([]*transport.Envelope, len(ids))
	errs := make([]error, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = client.GetBatched(context.Background(), "/tables", id)
		}()
	}
	wg.Wait()

	for i, id := range ids {
		if errs[i] != nil {
			t.Fatalf("GetBatched(%s) error = %v", id, errs[i])
		}
		var table struct {
			TableID string `json:"tableId"`
		}
		if err := results[i].Decode(&table); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if table.TableID != id {
			t.Errorf("result %d = %q, want %q", i, table.TableID, id)
		}
	}

	for _, id := range []string{"t1", "t2", "t3"} {
		if got := api.CountFor(http.MethodGet, "/tables/"+id); got != 1 {
			t.Errorf("GET /tables/%s calls = %d, want 1", id, got)
		}
	}
}

func TestRealtime_SharedPerScope(t *testing.T) {
	cfg := DefaultConfig("https://api.example.com/api/v1")
	cfg.ExportPerfMetrics = false
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	a, err := client.Realtime("venue-1")
	if err != nil {
		t.Fatalf("Realtime() error = %v", err)
	}
	b, _ := client.Realtime("venue-1")
	c, _ := client.Realtime("venue-2")

	if a != b {
		t.Error("same scope must return the same channel")
	}
	if a == c {
		t.Error("different scopes must return different channels")
	}
	if a.State() != realtime.Disconnected {
		t.Errorf("State() = %v, want disconnected", a.State())
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, err := client.Realtime("venue-1"); err == nil {
		t.Error("Realtime() after Close() expected error")
	}
}

func TestResourceSegment(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/venues", "venues"},
		{"/venues/123", "venues"},
		{"/api/v1/venues/123", "venues"},
		{"api/v2/orders?status=open", "orders"},
		{"/v1/tables/", "tables"},
		{"/api", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := ResourceSegment(tt.path); got != tt.want {
				t.Errorf("ResourceSegment(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestRealtimeURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"https://api.example.com/api/v1", "wss://api.example.com/ws"},
		{"http://localhost:8080", "ws://localhost:8080/ws"},
	}

	for _, tt := range tests {
		got, err := realtimeURL(tt.base)
		if err != nil {
			t.Fatalf("realtimeURL(%q) error = %v", tt.base, err)
		}
		if got != tt.want {
			t.Errorf("realtimeURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestInvalidateOnPush(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()
	api.SetResponse(http.MethodGet, "/orders", testutil.NewEnvelopeResponse([]string{}))
	api.SetResponse(http.MethodGet, "/tables", testutil.NewEnvelopeResponse([]string{}))

	push := testutil.NewMockRealtime()
	defer push.Close()

	logger := zerolog.Nop()
	cfg := DefaultConfig(api.URL())
	cfg.RealtimeURL = push.URL()
	cfg.ExportPerfMetrics = false
	cfg.Logger = &logger
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	for _, path := range []string{"/orders", "/tables"} {
		if _, err := client.Get(ctx, path, nil); err != nil {
			t.Fatalf("Get(%s) error = %v", path, err)
		}
	}

	m, err := client.Realtime("venue-1")
	if err != nil {
		t.Fatalf("Realtime() error = %v", err)
	}
	client.InvalidateOnPush(m)

	seen := make(chan struct{}, 1)
	m.Subscribe(realtime.TypeOrderCreated, func(realtime.Message) { seen <- struct{}{} })

	m.Connect()
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := m.AwaitState(waitCtx, realtime.Connected); err != nil {
		t.Fatalf("AwaitState() error = %v", err)
	}

	if !push.WaitForConnections(1, 5*time.Second) {
		t.Fatal("push server saw no connection")
	}
	if err := push.Broadcast(`{"type":"order_created","payload":{"order_id":"o-9","table_id":"t1"}}`); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}

	select {
	case <-seen:
	case <-waitCtx.Done():
		t.Fatal("order_created was not delivered")
	}

	keys := client.Cache().Keys()
	if len(keys) != 1 || keys[0] != "api:tables" {
		t.Errorf("cache keys = %v, want [api:tables]", keys)
	}
}
