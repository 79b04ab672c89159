// Package batch coalesces independent item requests into one executor call
// per time window.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/venue-sync-client/pkg/clock"
	"github.com/Sternrassler/venue-sync-client/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	windowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venue_batch_windows_total",
		Help: "Total batch windows executed by result",
	}, []string{"result"})

	windowSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "venue_batch_window_items",
		Help:    "Distinct items per executed batch window",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
	})
)

var (
	// ErrItemMissing rejects a member whose key is absent from the executor result.
	ErrItemMissing = errors.New("item missing from batch result")

	// ErrClosed rejects members of windows that never ran.
	ErrClosed = errors.New("batch scheduler closed")
)

// DefaultWindow is the delay between the first enqueue and execution.
const DefaultWindow = 50 * time.Millisecond

// Executor resolves a window's item keys in one call.
type Executor func(ctx context.Context, itemKeys []string) (map[string]any, error)

// Config configures a Scheduler.
type Config struct {
	// Window is how long a batch stays open after its first enqueue.
	Window time.Duration

	// ExecTimeout bounds one executor call. Zero means no bound.
	ExecTimeout time.Duration

	Clock  clock.Clock
	Logger *zerolog.Logger
}

// DefaultConfig returns a Config with a 50ms window.
func DefaultConfig() Config {
	return Config{Window: DefaultWindow}
}

// Scheduler groups enqueues by batch key.
type Scheduler struct {
	window      time.Duration
	execTimeout time.Duration
	clock       clock.Clock
	logger      zerolog.Logger

	mu      sync.Mutex
	active  map[string]*batchWindow
	closed  bool
	running sync.WaitGroup
}

type batchWindow struct {
	key      string
	executor Executor
	items    []string
	waiters  map[string][]*Pending
	openedAt time.Time
	task     clock.Task
}

// Pending is the eventual result of one enqueued item.
type Pending struct {
	ItemKey string

	done  chan struct{}
	value any
	err   error
}

func newPending(itemKey string) *Pending {
	return &Pending{ItemKey: itemKey, done: make(chan struct{})}
}

func (p *Pending) settle(v any, err error) {
	p.value, p.err = v, err
	close(p.done)
}

// Done is closed once the result is available.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the result is available or ctx is done.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return p.value, p.err
	}
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg Config) *Scheduler {
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	return &Scheduler{
		window:      window,
		execTimeout: cfg.ExecTimeout,
		clock:       clock.OrReal(cfg.Clock),
		logger:      logging.OrDefault(cfg.Logger, "batch"),
		active:      make(map[string]*batchWindow),
	}
}

// Enqueue adds itemKey to the open window for batchKey, opening one if
// needed. The executor of the enqueue that opened the window is the one that
// runs. Duplicate item keys are passed to the executor once.
func (s *Scheduler) Enqueue(batchKey, itemKey string, executor Executor) *Pending {
	p := newPending(itemKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		p.settle(nil, ErrClosed)
		return p
	}

	w, ok := s.active[batchKey]
	if !ok {
		w = &batchWindow{
			key:      batchKey,
			executor: executor,
			waiters:  make(map[string][]*Pending),
			openedAt: s.clock.Now(),
		}
		s.active[batchKey] = w
		s.running.Add(1)
		w.task = s.clock.AfterFunc(s.window, func() { s.flush(w) })
	}

	if _, seen := w.waiters[itemKey]; !seen {
		w.items = append(w.items, itemKey)
	}
	w.waiters[itemKey] = append(w.waiters[itemKey], p)
	return p
}

// flush closes w and settles its members with the executor outcome.
func (s *Scheduler) flush(w *batchWindow) {
	defer s.running.Done()

	s.mu.Lock()
	if s.active[w.key] == w {
		delete(s.active, w.key)
	}
	s.mu.Unlock()

	ctx := context.Background()
	if s.execTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.execTimeout)
		defer cancel()
	}

	windowSize.Observe(float64(len(w.items)))
	results, err := s.execute(ctx, w)
	if err != nil {
		windowsTotal.WithLabelValues("error").Inc()
		s.logger.Warn().
			Err(err).
			Str("batch_key", w.key).
			Int("items", len(w.items)).
			Msg("Batch executor failed")
		for _, waiters := range w.waiters {
			for _, p := range waiters {
				p.settle(nil, err)
			}
		}
		return
	}

	windowsTotal.WithLabelValues("success").Inc()
	s.logger.Debug().
		Str("batch_key", w.key).
		Int("items", len(w.items)).
		Dur("window", s.clock.Now().Sub(w.openedAt)).
		Msg("Batch executed")

	for itemKey, waiters := range w.waiters {
		v, ok := results[itemKey]
		for _, p := range waiters {
			if ok {
				p.settle(v, nil)
			} else {
				p.settle(nil, fmt.Errorf("%w: %s", ErrItemMissing, itemKey))
			}
		}
	}
}

// execute runs the executor, converting a panic into an error so that no
// member is left unsettled.
func (s *Scheduler) execute(ctx context.Context, w *batchWindow) (results map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch executor panic: %v", r)
		}
	}()
	items := make([]string, len(w.items))
	copy(items, w.items)
	return w.executor(ctx, items)
}

// Open returns the number of windows waiting to execute.
func (s *Scheduler) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Close cancels every open window, rejecting its members with ErrClosed,
// and waits for windows already executing. Later enqueues are rejected.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true

	var cancelled []*batchWindow
	for key, w := range s.active {
		if w.task.Stop() {
			cancelled = append(cancelled, w)
			delete(s.active, key)
		}
	}
	s.mu.Unlock()

	for _, w := range cancelled {
		for _, waiters := range w.waiters {
			for _, p := range waiters {
				p.settle(nil, ErrClosed)
			}
		}
		s.running.Done()
	}

	s.running.Wait()
}
