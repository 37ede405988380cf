package readahead

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/readahead/internal/testutil"
)

const testTimeout = 5 * time.Second

// startEngine creates and starts an engine, closing it when the test ends.
func startEngine(t *testing.T, o *testutil.MockOrigin, opts ...Option) *Engine {
	t.Helper()
	e, err := New(o, opts...)
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// waitCompleted blocks until the worker has published at least n blocks.
func waitCompleted(t *testing.T, e *Engine, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.Stats().Completed >= n
	}, testTimeout, time.Millisecond, "worker did not publish %d blocks", n)
}

// waitReads blocks until the origin has been asked for at least n reads.
func waitReads(t *testing.T, o *testutil.MockOrigin, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(o.Offsets()) >= n
	}, testTimeout, time.Millisecond)
}

func readBuffer(t *testing.T, e *Engine, off int64, n int) []byte {
	t.Helper()
	p := make([]byte, n)
	require.NoError(t, e.ReadBuffer(context.Background(), p, off))
	return p
}

func TestEngineReadAfterFetch(t *testing.T) {
	t.Parallel()

	data := testutil.Pattern(1000)
	o := testutil.NewMockOrigin(data, "file-a")
	e := startEngine(t, o)

	require.NoError(t, e.Submit([]Range{{Offset: 0, Length: 100}}))
	waitCompleted(t, e, 1)

	got := readBuffer(t, e, 0, 50)
	assert.Equal(t, data[:50], got)
	assert.Equal(t, int64(1), o.Reads(), "read should be served from the fetched block")
	assert.Zero(t, e.Stats().FallbackReads)
}

func TestEngineReadWaitsForWorker(t *testing.T) {
	t.Parallel()

	data := testutil.Pattern(1000)
	o := testutil.NewMockOrigin(data, "file-a")
	release := o.Hold()
	defer release()
	e := startEngine(t, o)

	require.NoError(t, e.Submit([]Range{{Offset: 0, Length: 100}}))
	waitReads(t, o, 1)

	result := make(chan error, 1)
	p := make([]byte, 50)
	go func() {
		result <- e.ReadBuffer(context.Background(), p, 0)
	}()

	time.Sleep(20 * time.Millisecond)
	release()

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("ReadBuffer did not return")
	}
	assert.Equal(t, data[:50], p)
	assert.Positive(t, e.WaitTime())
	assert.Equal(t, int64(1), o.Reads())
}

func TestEngineCacheSurvivesRestart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	data := testutil.Pattern(1000)
	o := testutil.NewMockOrigin(data, "file-b")
	rng := []Range{{Offset: 200, Length: 100}}

	first, err := New(o, WithCacheDir(dir))
	require.NoError(t, err)
	require.NoError(t, first.Start())
	require.NoError(t, first.Submit(rng))
	waitCompleted(t, first, 1)
	require.NoError(t, first.Close())

	reads := o.Reads()
	require.Equal(t, int64(1), reads)

	second := startEngine(t, o, WithCacheDir(dir))
	require.NoError(t, second.Submit(rng))
	waitCompleted(t, second, 1)

	assert.Equal(t, data[200:300], readBuffer(t, second, 200, 100))
	assert.Equal(t, reads, o.Reads(), "refetch should not touch the origin")
	assert.Equal(t, int64(1), second.Stats().CacheHits)
}

func TestEngineCorruptCacheEntryRefetches(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	data := testutil.Pattern(512)
	o := testutil.NewMockOrigin(data, "file-c")
	rng := []Range{{Offset: 0, Length: 256}}

	first, err := New(o, WithCacheDir(dir))
	require.NoError(t, err)
	require.NoError(t, first.Start())
	require.NoError(t, first.Submit(rng))
	waitCompleted(t, first, 1)
	require.NoError(t, first.Close())

	var corrupted int
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		corrupted++
		return os.WriteFile(path, []byte("garbage"), 0o600)
	})
	require.NoError(t, err)
	require.Equal(t, 1, corrupted)

	second := startEngine(t, o, WithCacheDir(dir))
	require.NoError(t, second.Submit(rng))
	waitCompleted(t, second, 1)

	assert.Equal(t, data[:256], readBuffer(t, second, 0, 256))
	assert.Equal(t, int64(2), o.Reads())
	assert.Equal(t, int64(1), second.Stats().CacheMisses)

	// The refetch rewrote the entry.
	require.NoError(t, second.Submit(rng))
	waitCompleted(t, second, 2)
	assert.Equal(t, int64(2), o.Reads())
	assert.Equal(t, int64(1), second.Stats().CacheHits)
}

func TestEngineOriginFailure(t *testing.T) {
	t.Parallel()

	o := testutil.NewMockOrigin(testutil.Pattern(1000), "file-d")
	o.FailRange(0, 10)
	e := startEngine(t, o)

	require.NoError(t, e.Submit([]Range{{Offset: 0, Length: 10}}))

	p := make([]byte, 10)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	err := e.ReadBuffer(ctx, p, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOriginRead)
	assert.ErrorIs(t, err, testutil.ErrInjected)

	// The failure is remembered, not retried.
	err = e.ReadBuffer(ctx, p, 0)
	assert.ErrorIs(t, err, ErrOriginRead)
	assert.Equal(t, int64(1), o.Reads())
	assert.Equal(t, int64(1), e.Stats().Failed)
}

func TestEngineOriginFailureIsLocalToBlock(t *testing.T) {
	t.Parallel()

	data := testutil.Pattern(1000)
	o := testutil.NewMockOrigin(data, "file-e")
	o.FailRange(0, 10)
	e := startEngine(t, o)

	require.NoError(t, e.Submit([]Range{{Offset: 0, Length: 10}, {Offset: 500, Length: 100}}))
	waitCompleted(t, e, 2)

	p := make([]byte, 10)
	require.ErrorIs(t, e.ReadBuffer(context.Background(), p, 0), ErrOriginRead)
	assert.Equal(t, data[500:600], readBuffer(t, e, 500, 100))
	assert.Equal(t, int64(1), e.Stats().Failed)
}

func TestEngineStopBeforeDrain(t *testing.T) {
	t.Parallel()

	o := testutil.NewMockOrigin(testutil.Pattern(1000), "file-f")
	e := startEngine(t, o)

	require.NoError(t, e.Submit([]Range{
		{Offset: 0, Length: 100},
		{Offset: 100, Length: 100},
		{Offset: 200, Length: 100},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, e.Stop(ctx))

	assert.False(t, e.Running())
	assert.Zero(t, e.Stats().Pending)
	assert.ErrorIs(t, e.Submit([]Range{{Offset: 0, Length: 1}}), ErrNotRunning)

	// Nothing is fetched after Stop returns.
	completed := e.Stats().Completed
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, completed, e.Stats().Completed)
}

func TestEngineStopTwice(t *testing.T) {
	t.Parallel()

	e := startEngine(t, testutil.NewMockOrigin(testutil.Pattern(10), "file-g"))

	require.NoError(t, e.Stop(context.Background()))
	require.NoError(t, e.Stop(context.Background()))
	assert.False(t, e.Running())
}

func TestEngineStopTimeout(t *testing.T) {
	t.Parallel()

	o := testutil.NewMockOrigin(testutil.Pattern(1000), "file-h")
	release := o.Hold()
	defer release()
	e := startEngine(t, o)

	require.NoError(t, e.Submit([]Range{{Offset: 0, Length: 100}}))
	waitReads(t, o, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.Stop(ctx)
	require.ErrorIs(t, err, ErrShutdownTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, e.Start(), ErrAlreadyRunning)

	release()
	require.NoError(t, e.Stop(context.Background()))
	assert.False(t, e.Running())
}

func TestEngineStopWakesWaitingReaders(t *testing.T) {
	t.Parallel()

	data := testutil.Pattern(1000)
	o := testutil.NewMockOrigin(data, "file-i")
	release := o.Hold()
	defer release()
	e := startEngine(t, o)

	require.NoError(t, e.Submit([]Range{{Offset: 0, Length: 100}, {Offset: 100, Length: 100}}))
	waitReads(t, o, 1)

	p := make([]byte, 100)
	result := make(chan error, 1)
	go func() {
		result <- e.ReadBuffer(context.Background(), p, 100)
	}()

	stopped := make(chan error, 1)
	go func() {
		stopped <- e.Stop(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	release()

	require.NoError(t, <-stopped)
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("reader was not released by Stop")
	}
	assert.Equal(t, data[100:200], p)
}

func TestEngineRestart(t *testing.T) {
	t.Parallel()

	data := testutil.Pattern(1000)
	o := testutil.NewMockOrigin(data, "file-j")
	e := startEngine(t, o)

	require.NoError(t, e.Submit([]Range{{Offset: 0, Length: 100}}))
	waitCompleted(t, e, 1)
	require.NoError(t, e.Stop(context.Background()))
	require.NoError(t, e.Start())

	// Blocks fetched before the stop stay readable.
	assert.Equal(t, data[10:20], readBuffer(t, e, 10, 10))
	assert.Equal(t, int64(1), o.Reads())

	require.NoError(t, e.Submit([]Range{{Offset: 500, Length: 100}}))
	waitCompleted(t, e, 2)
	assert.Equal(t, data[500:600], readBuffer(t, e, 500, 100))
}

func TestEngineLifecycleErrors(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)

	o := testutil.NewMockOrigin(testutil.Pattern(10), "file-k")
	e, err := New(o)
	require.NoError(t, err)

	assert.ErrorIs(t, e.Submit([]Range{{Offset: 0, Length: 1}}), ErrNotRunning)
	require.NoError(t, e.Start())
	assert.ErrorIs(t, e.Start(), ErrAlreadyRunning)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Start(), ErrClosed)
	assert.ErrorIs(t, e.Submit([]Range{{Offset: 0, Length: 1}}), ErrClosed)
	assert.ErrorIs(t, e.SetOrigin(context.Background(), o), ErrClosed)
	assert.ErrorIs(t, e.SetCache(t.TempDir()), ErrClosed)
	assert.Len(t, e.closers, 0, "no cache is opened after Close")
}

func TestEngineRejectsOverflowingRange(t *testing.T) {
	t.Parallel()

	o := testutil.NewMockOrigin(testutil.Pattern(1000), "file-x")
	e := startEngine(t, o)

	require.NoError(t, e.Submit([]Range{{Offset: 0, Length: 100}}))
	waitCompleted(t, e, 1)

	err := e.ReadBuffer(context.Background(), make([]byte, 10), math.MaxInt64-5)
	require.ErrorIs(t, err, ErrInvalidRange)
	require.ErrorIs(t, e.Submit([]Range{{Offset: math.MaxInt64 - 5, Length: 10}}), ErrInvalidRange)
	assert.Equal(t, int64(1), o.Reads())
}

func TestEngineSubmitValidates(t *testing.T) {
	t.Parallel()

	e := startEngine(t, testutil.NewMockOrigin(testutil.Pattern(10), "file-l"))

	tests := []struct {
		name   string
		ranges []Range
	}{
		{name: "negative offset", ranges: []Range{{Offset: -1, Length: 1}}},
		{name: "zero length", ranges: []Range{{Offset: 0, Length: 0}}},
		{name: "bad range after good", ranges: []Range{{Offset: 0, Length: 5}, {Offset: 1, Length: -3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, e.Submit(tt.ranges), ErrInvalidRange)
		})
	}
	assert.Zero(t, e.Stats().Submitted, "invalid batches are rejected whole")

	err := e.ReadBuffer(context.Background(), make([]byte, 4), -2)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestEngineReadsSplitRanges(t *testing.T) {
	t.Parallel()

	data := testutil.Pattern(1000)
	o := testutil.NewMockOrigin(data, "file-m")
	e := startEngine(t, o)

	ranges := Split(0, int64(len(data)), 64)
	require.NoError(t, e.Submit(ranges))

	g, ctx := errgroup.WithContext(context.Background())
	for _, r := range ranges {
		g.Go(func() error {
			p := make([]byte, r.Length)
			if err := e.ReadBuffer(ctx, p, r.Offset); err != nil {
				return err
			}
			if !bytes.Equal(p, data[r.Offset:r.End()]) {
				return errors.New("mismatch at " + r.String())
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(len(ranges)), o.Reads())
	assert.Equal(t, []int64{0, 64, 128, 192}, o.Offsets()[:4], "blocks are fetched in submission order")
}

func TestEngineSubRangeOfFetchedBlock(t *testing.T) {
	t.Parallel()

	data := testutil.Pattern(1000)
	o := testutil.NewMockOrigin(data, "file-n")
	e := startEngine(t, o)

	require.NoError(t, e.Submit([]Range{{Offset: 100, Length: 200}}))
	waitCompleted(t, e, 1)

	assert.Equal(t, data[150:170], readBuffer(t, e, 150, 20))
	assert.Equal(t, data[280:300], readBuffer(t, e, 280, 20))
	assert.Equal(t, int64(1), o.Reads())
}

func TestEngineDuplicateRangesFetchedIndependently(t *testing.T) {
	t.Parallel()

	data := testutil.Pattern(1000)
	o := testutil.NewMockOrigin(data, "file-o")
	e := startEngine(t, o)

	rng := Range{Offset: 300, Length: 50}
	require.NoError(t, e.Submit([]Range{rng, rng}))
	waitCompleted(t, e, 2)

	assert.Equal(t, int64(2), o.Reads())
	assert.Equal(t, data[300:350], readBuffer(t, e, 300, 50))
}

func TestEngineFallbackForUnrequestedRange(t *testing.T) {
	t.Parallel()

	data := testutil.Pattern(1000)
	o := testutil.NewMockOrigin(data, "file-p")
	c := testutil.NewMockCache()
	e := startEngine(t, o, WithCache(c))

	assert.Equal(t, data[10:30], readBuffer(t, e, 10, 20))
	assert.Equal(t, int64(1), e.Stats().FallbackReads)
	assert.Zero(t, c.Len(), "direct reads bypass the cache")

	_, err := e.ReadAt(make([]byte, 20), 990)
	assert.ErrorIs(t, err, io.EOF)

	p := make([]byte, 20)
	err = e.ReadBuffer(context.Background(), p, 990)
	assert.ErrorIs(t, err, ErrOriginRead)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestEngineReadBufferWithoutWorker(t *testing.T) {
	t.Parallel()

	data := testutil.Pattern(100)
	e, err := New(testutil.NewMockOrigin(data, "file-q"))
	require.NoError(t, err)

	assert.Equal(t, data[5:15], readBuffer(t, e, 5, 10))
	require.NoError(t, e.ReadBuffer(context.Background(), nil, 0))
}

func TestEngineWaitBudget(t *testing.T) {
	t.Parallel()

	data := testutil.Pattern(1000)
	o := testutil.NewMockOrigin(data, "file-r")
	release := o.Hold()
	defer release()
	e := startEngine(t, o, WithWaitBudget(20*time.Millisecond))

	require.NoError(t, e.Submit([]Range{{Offset: 0, Length: 100}, {Offset: 100, Length: 100}}))
	waitReads(t, o, 1)

	p := make([]byte, 100)
	result := make(chan error, 1)
	go func() {
		result <- e.ReadBuffer(context.Background(), p, 100)
	}()

	// The direct read queues behind the worker's origin read.
	time.Sleep(50 * time.Millisecond)
	release()

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("ReadBuffer did not return")
	}
	assert.Equal(t, data[100:200], p)
	assert.Equal(t, int64(1), e.Stats().FallbackReads)
	assert.GreaterOrEqual(t, e.WaitTime(), 10*time.Millisecond)
}

func TestEngineReadBufferCanceled(t *testing.T) {
	t.Parallel()

	o := testutil.NewMockOrigin(testutil.Pattern(1000), "file-s")
	release := o.Hold()
	defer release()
	e := startEngine(t, o)

	require.NoError(t, e.Submit([]Range{{Offset: 0, Length: 100}}))
	waitReads(t, o, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.ReadBuffer(ctx, make([]byte, 10), 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	release()
}

func TestEngineSetOrigin(t *testing.T) {
	t.Parallel()

	oldData := testutil.Pattern(1000)
	newData := bytes.Repeat([]byte{0xAB}, 1000)
	oldOrigin := testutil.NewMockOrigin(oldData, "file-t-v1")
	newOrigin := testutil.NewMockOrigin(newData, "file-t-v2")
	c := testutil.NewMockCache()

	release := oldOrigin.Hold()
	defer release()
	e := startEngine(t, oldOrigin, WithCache(c))

	require.NoError(t, e.Submit([]Range{{Offset: 0, Length: 100}, {Offset: 100, Length: 100}}))
	waitReads(t, oldOrigin, 1)

	result := make(chan error, 1)
	go func() {
		result <- e.ReadBuffer(context.Background(), make([]byte, 100), 100)
	}()
	time.Sleep(20 * time.Millisecond)

	rebound := make(chan error, 1)
	go func() {
		rebound <- e.SetOrigin(context.Background(), newOrigin)
	}()

	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrOriginChanged)
	case <-time.After(testTimeout):
		t.Fatal("waiting reader was not released by SetOrigin")
	}

	release()
	require.NoError(t, <-rebound)
	assert.True(t, e.Running(), "worker restarts after rebinding")

	st := e.Stats()
	assert.Zero(t, st.Pending)
	assert.Zero(t, st.Resident)

	require.NoError(t, e.Submit([]Range{{Offset: 0, Length: 100}}))
	assert.Equal(t, newData[:100], readBuffer(t, e, 0, 100))
	assert.Equal(t, int64(1), newOrigin.Reads(), "old origin's cache entries must not be reused")
	assert.Equal(t, 2, c.Len())
}

func TestEngineSetCacheUnavailable(t *testing.T) {
	t.Parallel()

	notDir := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(notDir, []byte("x"), 0o600))

	data := testutil.Pattern(1000)
	o := testutil.NewMockOrigin(data, "file-u")
	e := startEngine(t, o)

	err := e.SetCache(filepath.Join(notDir, "cache"))
	require.ErrorIs(t, err, ErrCacheUnavailable)

	require.NoError(t, e.Submit([]Range{{Offset: 0, Length: 100}}))
	assert.Equal(t, data[:100], readBuffer(t, e, 0, 100))
	assert.Zero(t, e.Stats().CacheMisses, "caching is disabled")
}

func TestEngineSetCacheSwitches(t *testing.T) {
	t.Parallel()

	data := testutil.Pattern(1000)
	o := testutil.NewMockOrigin(data, "file-v")
	e := startEngine(t, o)

	dir := t.TempDir()
	require.NoError(t, e.SetCache(dir))
	require.NoError(t, e.Submit([]Range{{Offset: 0, Length: 100}}))
	waitCompleted(t, e, 1)

	require.NoError(t, e.SetCache(""))
	require.NoError(t, e.Submit([]Range{{Offset: 0, Length: 100}}))
	waitCompleted(t, e, 2)
	assert.Equal(t, int64(2), o.Reads(), "disabled cache is not consulted")

	require.NoError(t, e.SetCache(dir))
	require.NoError(t, e.Submit([]Range{{Offset: 0, Length: 100}}))
	waitCompleted(t, e, 3)
	assert.Equal(t, int64(2), o.Reads())
	assert.Equal(t, int64(1), e.Stats().CacheHits)
}

func TestEngineReadAt(t *testing.T) {
	t.Parallel()

	data := testutil.Pattern(1000)
	e := startEngine(t, testutil.NewMockOrigin(data, "file-w"))
	require.NoError(t, e.Submit(Split(900, 100, 50)))

	p := make([]byte, 200)
	n, err := e.ReadAt(p, 900)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 100, n)
	assert.Equal(t, data[900:], p[:n])

	n, err = e.ReadAt(p, 1000)
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, n)

	got, err := io.ReadAll(io.NewSectionReader(e, 0, int64(len(data))))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
