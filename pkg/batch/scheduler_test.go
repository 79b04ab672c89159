package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/venue-sync-client/pkg/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) (*Scheduler, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	logger := zerolog.Nop()
	s := NewScheduler(Config{Clock: clk, Logger: &logger})
	t.Cleanup(s.Close)
	return s, clk
}

// recordingExecutor resolves every key to "item-<key>" and records calls.
type recordingExecutor struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recordingExecutor) run(_ context.Context, keys []string) (map[string]any, error) {
	r.mu.Lock()
	r.calls = append(r.calls, keys)
	r.mu.Unlock()

	out := make(map[string]any, len(keys))
	for _, k := range keys {
		out[k] = "item-" + k
	}
	return out, nil
}

func (r *recordingExecutor) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.calls...)
}

func TestEnqueue_SameWindowSingleExecution(t *testing.T) {
	s, clk := newTestScheduler(t)
	exec := &recordingExecutor{}

	a := s.Enqueue("tables", "t1", exec.run)
	b := s.Enqueue("tables", "t2", exec.run)

	assert.Equal(t, []time.Duration{DefaultWindow}, clk.Pending())
	assert.Empty(t, exec.Calls(), "executor must wait for the window to close")

	clk.Advance(DefaultWindow)

	require.Len(t, exec.Calls(), 1)
	assert.Equal(t, []string{"t1", "t2"}, exec.Calls()[0])

	va, err := a.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "item-t1", va)

	vb, err := b.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "item-t2", vb)
}

func TestEnqueue_DistinctBatchKeysSeparateWindows(t *testing.T) {
	s, clk := newTestScheduler(t)
	exec := &recordingExecutor{}

	s.Enqueue("tables", "t1", exec.run)
	s.Enqueue("orders", "o1", exec.run)
	assert.Equal(t, 2, s.Open())

	clk.Advance(DefaultWindow)
	assert.Len(t, exec.Calls(), 2)
	assert.Equal(t, 0, s.Open())
}

func TestEnqueue_DuplicateItemKeysPassedOnce(t *testing.T) {
	s, clk := newTestScheduler(t)
	exec := &recordingExecutor{}

	first := s.Enqueue("menu", "m1", exec.run)
	second := s.Enqueue("menu", "m1", exec.run)
	clk.Advance(DefaultWindow)

	require.Len(t, exec.Calls(), 1)
	assert.Equal(t, []string{"m1"}, exec.Calls()[0])

	v1, err1 := first.Wait(context.Background())
	v2, err2 := second.Wait(context.Background())
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, v1, v2)
}

func TestFlush_WindowRemovedBeforeExecutorRuns(t *testing.T) {
	s, clk := newTestScheduler(t)

	var openDuringExec int
	var late *Pending
	exec := func(_ context.Context, keys []string) (map[string]any, error) {
		openDuringExec = s.Open()
		late = s.Enqueue("tables", "t9", (&recordingExecutor{}).run)
		return map[string]any{"t1": 1}, nil
	}

	s.Enqueue("tables", "t1", exec)
	clk.Advance(DefaultWindow)

	assert.Equal(t, 0, openDuringExec, "window must be gone when the executor starts")
	require.NotNil(t, late)
	assert.Equal(t, 1, s.Open(), "an enqueue during execution opens a new window")

	select {
	case <-late.Done():
		t.Fatal("late member must belong to the new window")
	default:
	}

	clk.Advance(DefaultWindow)
	v, err := late.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "item-t9", v)
}

func TestFlush_MissingItemRejects(t *testing.T) {
	s, clk := newTestScheduler(t)
	exec := func(context.Context, []string) (map[string]any, error) {
		return map[string]any{"t1": "ok"}, nil
	}

	ok := s.Enqueue("tables", "t1", exec)
	missing := s.Enqueue("tables", "t2", exec)
	clk.Advance(DefaultWindow)

	v, err := ok.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	_, err = missing.Wait(context.Background())
	assert.ErrorIs(t, err, ErrItemMissing)
	assert.Contains(t, err.Error(), "t2")
}

func TestFlush_ExecutorErrorRejectsEveryMember(t *testing.T) {
	s, clk := newTestScheduler(t)
	boom := errors.New("boom")
	exec := func(context.Context, []string) (map[string]any, error) {
		return map[string]any{"t1": "partial"}, boom
	}

	members := []*Pending{
		s.Enqueue("tables", "t1", exec),
		s.Enqueue("tables", "t2", exec),
		s.Enqueue("tables", "t1", exec),
	}
	other := s.Enqueue("orders", "o1", (&recordingExecutor{}).run)
	clk.Advance(DefaultWindow)

	for _, p := range members {
		_, err := p.Wait(context.Background())
		assert.ErrorIs(t, err, boom)
	}

	_, err := other.Wait(context.Background())
	assert.NoError(t, err, "a failed window must not affect another window")
}

func TestFlush_ExecutorPanicRejects(t *testing.T) {
	s, clk := newTestScheduler(t)
	p := s.Enqueue("tables", "t1", func(context.Context, []string) (map[string]any, error) {
		panic("bad executor")
	})
	clk.Advance(DefaultWindow)

	_, err := p.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
}

func TestPending_WaitRespectsContext(t *testing.T) {
	s, _ := newTestScheduler(t)
	p := s.Enqueue("tables", "t1", (&recordingExecutor{}).run)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClose_RejectsOpenWindows(t *testing.T) {
	clk := clock.NewManual(time.Now())
	logger := zerolog.Nop()
	s := NewScheduler(Config{Clock: clk, Logger: &logger})

	var calls atomic.Int32
	exec := func(context.Context, []string) (map[string]any, error) {
		calls.Add(1)
		return nil, nil
	}

	p := s.Enqueue("tables", "t1", exec)
	s.Close()

	_, err := p.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, clk.Pending(), "window timer must be cancelled")

	after := s.Enqueue("tables", "t2", exec)
	_, err = after.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	clk.Advance(time.Second)
	assert.Zero(t, calls.Load())
}

func TestScheduler_RealClock(t *testing.T) {
	logger := zerolog.Nop()
	s := NewScheduler(Config{Window: 10 * time.Millisecond, Logger: &logger})
	defer s.Close()

	exec := &recordingExecutor{}
	var wg sync.WaitGroup
	for _, key := range []string{"a", "b", "c"} {
		p := s.Enqueue("venues", key, exec.run)
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_, err := p.Wait(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, exec.Calls(), 1)
}
