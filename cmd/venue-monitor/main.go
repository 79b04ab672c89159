// Command venue-monitor keeps a live view of one venue: it holds the push
// channel open, polls venue status on a schedule and exposes health and
// Prometheus metrics over HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/venue-sync-client/internal/config"
	"github.com/Sternrassler/venue-sync-client/pkg/auth"
	"github.com/Sternrassler/venue-sync-client/pkg/client"
	"github.com/Sternrassler/venue-sync-client/pkg/logging"
	"github.com/Sternrassler/venue-sync-client/pkg/metrics"
	"github.com/Sternrassler/venue-sync-client/pkg/realtime"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	envPath := flag.String("env", ".env", "path to .env file")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Config{
		Level:   logging.LogLevel(cfg.Log.Level),
		Pretty:  cfg.Log.Pretty,
		Service: "venue-monitor",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		log.Fatal().Err(err).Msg("venue-monitor failed")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	var store auth.Store
	if cfg.Auth.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Auth.RedisAddr})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		store = auth.NewRedisStore(redisClient, cfg.Auth.RedisKey)
		logger.Info().Str("addr", cfg.Auth.RedisAddr).Msg("Using Redis credential store")
	}

	mon, err := newMonitor(ctx, cfg, store, logger)
	if err != nil {
		return err
	}
	defer mon.close()

	sched, err := mon.schedule(cfg.Schedule)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	if mon.channel != nil {
		mon.channel.Connect()
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mon.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("Starting venue-monitor")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// monitor ties the client to one venue.
type monitor struct {
	client  *client.Client
	channel *realtime.Manager
	venueID string
	logger  zerolog.Logger
}

func newMonitor(ctx context.Context, cfg *config.Config, store auth.Store, logger zerolog.Logger) (*monitor, error) {
	ccfg := client.DefaultConfig(cfg.API.BaseURL)
	ccfg.RealtimeURL = cfg.Realtime.URL
	ccfg.UserAgent = cfg.API.UserAgent
	ccfg.Timeout = cfg.API.Timeout
	ccfg.RequestsPerSecond = cfg.API.RequestsPerSecond
	ccfg.Retry.MaxRetries = cfg.API.MaxRetries
	ccfg.CacheTTL = cfg.API.CacheTTL
	ccfg.MaxReconnectAttempts = cfg.Realtime.MaxAttempts
	ccfg.CredentialStore = store
	ccfg.Logger = &logger
	ccfg.OnSessionExpired = func(err error) {
		logger.Error().Err(err).Msg("Session expired, a new login is required")
	}

	c, err := client.New(ccfg)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	if cfg.Auth.Token != "" {
		if err := c.SetCredential(ctx, auth.Credential{
			Token:        cfg.Auth.Token,
			RefreshToken: cfg.Auth.RefreshToken,
		}); err != nil {
			c.Close()
			return nil, fmt.Errorf("seed credential: %w", err)
		}
	}

	m := &monitor{client: c, venueID: cfg.Realtime.VenueID, logger: logger}
	if m.venueID == "" {
		return m, nil
	}

	ch, err := c.Realtime(m.venueID)
	if err != nil {
		c.Close()
		return nil, err
	}
	m.channel = ch
	c.InvalidateOnPush(ch)
	m.subscribe()
	return m, nil
}

func (m *monitor) subscribe() {
	m.channel.OnStateChange(func(from, to realtime.State) {
		m.logger.Info().
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Realtime state changed")
	})

	realtime.On(m.channel, func(msg realtime.OrderCreated) {
		m.logger.Info().
			Str("order_id", msg.OrderID).
			Str("table_id", msg.TableID).
			Int("items", len(msg.Items)).
			Msg("Order created")
	})
	realtime.On(m.channel, func(msg realtime.OrderStatusUpdated) {
		m.logger.Info().
			Str("order_id", msg.OrderID).
			Str("status", msg.Status).
			Msg("Order status updated")
	})
	realtime.On(m.channel, func(msg realtime.VenueStatusSnapshot) {
		m.logger.Info().
			Str("venue_id", msg.VenueID).
			Bool("open", msg.Open).
			Int("active_orders", msg.ActiveOrders).
			Msg("Venue status")
	})
	realtime.On(m.channel, func(msg realtime.SystemNotification) {
		m.logger.Warn().
			Str("level", msg.Level).
			Str("title", msg.Title).
			Msg(msg.Message)
	})
}

// schedule registers the periodic jobs. The returned cron is not started.
func (m *monitor) schedule(cfg config.ScheduleConfig) (*cron.Cron, error) {
	c := cron.New()

	if cfg.VenueStatus != "" && m.venueID != "" {
		if _, err := c.AddFunc(cfg.VenueStatus, m.refreshVenueStatus); err != nil {
			return nil, fmt.Errorf("schedule venue status %q: %w", cfg.VenueStatus, err)
		}
	}
	if cfg.PerfReport != "" {
		if _, err := c.AddFunc(cfg.PerfReport, m.reportPerf); err != nil {
			return nil, fmt.Errorf("schedule perf report %q: %w", cfg.PerfReport, err)
		}
	}
	return c, nil
}

// refreshVenueStatus asks the push channel for a snapshot and falls back to
// the REST endpoint while the channel is down.
func (m *monitor) refreshVenueStatus() {
	if m.channel != nil && m.channel.State() == realtime.Connected {
		if err := m.channel.RequestVenueStatus(m.venueID); err == nil {
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var status realtime.VenueStatusSnapshot
	path := "/venues/" + m.venueID + "/status"
	if err := m.client.GetInto(ctx, path, nil, &status, client.WithoutCache()); err != nil {
		m.logger.Warn().Err(err).Str("venue_id", m.venueID).Msg("Venue status poll failed")
		return
	}
	m.logger.Info().
		Str("venue_id", m.venueID).
		Bool("open", status.Open).
		Int("active_orders", status.ActiveOrders).
		Msg("Venue status (polled)")
}

func (m *monitor) reportPerf() {
	for key, km := range m.client.Metrics() {
		m.logger.Info().
			Str("key", key).
			Int64("calls", km.Calls).
			Int64("cache_hits", km.CacheHits).
			Int64("errors", km.Errors).
			Dur("avg_latency", km.AvgLatency).
			Float64("error_rate", km.ErrorRate).
			Msg("Request performance")
	}
}

func (m *monitor) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/ready", m.readyHandler).Methods(http.MethodGet)
	r.HandleFunc("/debug/perf", m.perfHandler).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// readyHandler reports ready once the push channel is connected, or always
// when no venue is configured.
func (m *monitor) readyHandler(w http.ResponseWriter, r *http.Request) {
	if m.channel == nil {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "READY")
		return
	}

	state := m.channel.State()
	if state != realtime.Connected {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "NOT READY: realtime %s", state)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "READY")
}

func (m *monitor) perfHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.client.Metrics()); err != nil {
		m.logger.Error().Err(err).Msg("Failed to write perf response")
	}
}

func (m *monitor) close() {
	m.client.Close()
}
