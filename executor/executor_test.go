package executor

import (
	"context"
	"runtime/pprof"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startExecutor(t *testing.T, cfg Config) *Executor {
	t.Helper()
	e := New(cfg)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(time.Second) })
	return e
}

func TestExecutor_NotStarted(t *testing.T) {
	e := New(Config{})

	assert.ErrorIs(t, e.RunShort(func(context.Context) {}), ErrNotStarted)
	_, err := e.RunLongLived(func(context.Context) {})
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.NoError(t, e.Stop(time.Second))
}

func TestExecutor_StartTwice(t *testing.T) {
	e := startExecutor(t, Config{Workers: 1})
	assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyStarted)
}

func TestExecutor_RunShort(t *testing.T) {
	e := startExecutor(t, Config{Workers: 2, QueueSize: 8})

	var wg sync.WaitGroup
	var mu sync.Mutex
	ran := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		require.NoError(t, e.RunShort(func(context.Context) {
			defer wg.Done()
			mu.Lock()
			ran++
			mu.Unlock()
		}))
	}
	wg.Wait()
	assert.Equal(t, 5, ran)

	require.Eventually(t, func() bool { return e.Stats().Completed == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(5), e.Stats().Submitted)
}

func TestExecutor_RunShortQueueFull(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := startExecutor(t, Config{Workers: 1, QueueSize: 1, Registerer: reg})

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, e.RunShort(func(context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, e.RunShort(func(context.Context) {}))

	assert.ErrorIs(t, e.RunShort(func(context.Context) {}), ErrQueueFull)
	assert.Equal(t, int64(1), e.Stats().Dropped)
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.dropped))
	close(release)
}

func TestExecutor_LongLivedDoesNotUsePool(t *testing.T) {
	e := startExecutor(t, Config{Workers: 1, QueueSize: 1})

	release := make(chan struct{})
	names := make(chan string, 3)
	for i := 0; i < 3; i++ {
		_, err := e.RunLongLived(func(ctx context.Context) {
			name, _ := pprof.Label(ctx, "worker")
			names <- name
			<-release
		})
		require.NoError(t, err)
	}

	// The pool stays available while every long-lived worker blocks.
	done := make(chan struct{})
	require.NoError(t, e.RunShort(func(context.Context) { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("short task starved by long-lived workers")
	}

	got := map[string]bool{}
	for i := 0; i < 3; i++ {
		got[<-names] = true
	}
	assert.Equal(t, map[string]bool{
		"dicom-association-1": true,
		"dicom-association-2": true,
		"dicom-association-3": true,
	}, got)
	assert.Equal(t, int64(3), e.Stats().LongLivedActive)
	close(release)
}

func TestExecutor_RecoversPanics(t *testing.T) {
	e := startExecutor(t, Config{Workers: 1})

	require.NoError(t, e.RunShort(func(context.Context) { panic("short") }))
	_, err := e.RunLongLived(func(context.Context) { panic("long") })
	require.NoError(t, err)

	require.Eventually(t, func() bool { return e.Stats().Panics == 2 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	require.NoError(t, e.RunShort(func(context.Context) { close(done) }))
	<-done
}

func TestExecutor_StopWaitsForLongLived(t *testing.T) {
	e := New(Config{Workers: 1, NamePrefix: "assoc"})
	require.NoError(t, e.Start(context.Background()))

	finished := make(chan struct{})
	name, err := e.RunLongLived(func(context.Context) {
		time.Sleep(50 * time.Millisecond)
		close(finished)
	})
	require.NoError(t, err)
	assert.Equal(t, "assoc-1", name)

	require.NoError(t, e.Stop(time.Second))
	select {
	case <-finished:
	default:
		t.Fatal("Stop returned before the long-lived worker finished")
	}

	assert.ErrorIs(t, e.RunShort(func(context.Context) {}), ErrStopped)
	_, err = e.RunLongLived(func(context.Context) {})
	assert.ErrorIs(t, err, ErrStopped)
	assert.NoError(t, e.Stop(time.Second), "second Stop")
}

func TestExecutor_StopTimeoutCancelsContext(t *testing.T) {
	e := New(Config{Workers: 1})
	require.NoError(t, e.Start(context.Background()))

	cancelled := make(chan struct{})
	_, err := e.RunLongLived(func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	})
	require.NoError(t, err)

	assert.ErrorIs(t, e.Stop(20*time.Millisecond), ErrStopTimeout)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task context not cancelled after stop timeout")
	}
}

func TestExecutor_MetricsRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(Config{Registerer: reg})
	b := New(Config{Registerer: reg})
	assert.Same(t, a.metrics.submitted, b.metrics.submitted)
}
