package workbook_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/daftari/core/workbook"
	testutil "github.com/trezcool/daftari/tests"
)

const debounce = 20 * time.Millisecond

// flushRecorder collects the values flushed per key.
type flushRecorder struct {
	mu     sync.Mutex
	values map[string][]int
	done   chan struct{}
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{values: make(map[string][]int), done: make(chan struct{}, 16)}
}

func (r *flushRecorder) flushFunc(key string, value int) workbook.FlushFunc {
	return func(ctx context.Context) error {
		r.mu.Lock()
		r.values[key] = append(r.values[key], value)
		r.mu.Unlock()
		r.done <- struct{}{}
		return nil
	}
}

func (r *flushRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a flush")
	}
}

func (r *flushRecorder) get(key string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.values[key]...)
}

func TestAutoSaver_coalesces(t *testing.T) {
	saver := workbook.NewAutoSaver(debounce, testutil.NopLogger{}, nil)
	defer saver.Close()
	rec := newFlushRecorder()

	// rapid edits within the window; only the last one may persist
	for i := 1; i <= 5; i++ {
		saver.Schedule("sheet:a", rec.flushFunc("sheet:a", i))
	}
	rec.wait(t)

	if got := rec.get("sheet:a"); len(got) != 1 || got[0] != 5 {
		t.Errorf("flushed values = %v, want [5]", got)
	}
	if n := saver.PendingCount(); n != 0 {
		t.Errorf("PendingCount() = %d, want 0", n)
	}
}

func TestAutoSaver_independentKeys(t *testing.T) {
	saver := workbook.NewAutoSaver(debounce, testutil.NopLogger{}, nil)
	defer saver.Close()
	rec := newFlushRecorder()

	saver.Schedule("sheet:a", rec.flushFunc("sheet:a", 1))
	saver.Schedule("chapter:b", rec.flushFunc("chapter:b", 2))
	if n := saver.PendingCount(); n != 2 {
		t.Errorf("PendingCount() = %d, want 2", n)
	}
	rec.wait(t)
	rec.wait(t)

	if got := rec.get("sheet:a"); len(got) != 1 || got[0] != 1 {
		t.Errorf("sheet:a flushes = %v, want [1]", got)
	}
	if got := rec.get("chapter:b"); len(got) != 1 || got[0] != 2 {
		t.Errorf("chapter:b flushes = %v, want [2]", got)
	}
}

func TestAutoSaver_Flush(t *testing.T) {
	// a long window that would never elapse on its own in this test
	saver := workbook.NewAutoSaver(time.Hour, testutil.NopLogger{}, nil)
	defer saver.Close()
	rec := newFlushRecorder()

	saver.Schedule("sheet:a", rec.flushFunc("sheet:a", 1))
	saver.Flush("sheet:a")

	// synchronous: the write has happened by the time Flush returns
	if got := rec.get("sheet:a"); len(got) != 1 || got[0] != 1 {
		t.Errorf("flushed values = %v, want [1]", got)
	}
	if n := saver.PendingCount(); n != 0 {
		t.Errorf("PendingCount() = %d, want 0", n)
	}

	// flushing again is a no-op
	saver.Flush("sheet:a")
	if got := rec.get("sheet:a"); len(got) != 1 {
		t.Errorf("flushed values after second Flush = %v, want [1]", got)
	}
}

func TestAutoSaver_Cancel(t *testing.T) {
	saver := workbook.NewAutoSaver(debounce, testutil.NopLogger{}, nil)
	defer saver.Close()
	rec := newFlushRecorder()

	saver.Schedule("sheet:a", rec.flushFunc("sheet:a", 1))
	saver.Cancel("sheet:a")

	time.Sleep(4 * debounce)
	if got := rec.get("sheet:a"); len(got) != 0 {
		t.Errorf("flushed values = %v, want none", got)
	}
	if n := saver.PendingCount(); n != 0 {
		t.Errorf("PendingCount() = %d, want 0", n)
	}
}

func TestAutoSaver_Close(t *testing.T) {
	saver := workbook.NewAutoSaver(debounce, testutil.NopLogger{}, nil)
	rec := newFlushRecorder()

	saver.Schedule("sheet:a", rec.flushFunc("sheet:a", 1))
	saver.Close()

	// pending timers are dropped and new schedules are rejected
	saver.Schedule("sheet:b", rec.flushFunc("sheet:b", 2))
	time.Sleep(4 * debounce)

	if got := rec.get("sheet:a"); len(got) != 0 {
		t.Errorf("sheet:a flushes after Close = %v, want none", got)
	}
	if got := rec.get("sheet:b"); len(got) != 0 {
		t.Errorf("sheet:b flushes after Close = %v, want none", got)
	}
	if n := saver.PendingCount(); n != 0 {
		t.Errorf("PendingCount() = %d, want 0", n)
	}
}

func TestAutoSaver_onError(t *testing.T) {
	var (
		mu        sync.Mutex
		failedKey string
		failedErr error
	)
	done := make(chan struct{})
	saver := workbook.NewAutoSaver(debounce, testutil.NopLogger{}, func(key string, err error) {
		mu.Lock()
		failedKey, failedErr = key, err
		mu.Unlock()
		close(done)
	})
	defer saver.Close()

	wantErr := errors.New("boom")
	saver.Schedule("sheet:a", func(ctx context.Context) error { return wantErr })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for onError")
	}

	mu.Lock()
	defer mu.Unlock()
	if failedKey != "sheet:a" {
		t.Errorf("onError key = %s, want sheet:a", failedKey)
	}
	if failedErr != wantErr {
		t.Errorf("onError err = %v, want %v", failedErr, wantErr)
	}
}

func TestAutoSaver_rescheduleAfterFlight(t *testing.T) {
	saver := workbook.NewAutoSaver(debounce, testutil.NopLogger{}, nil)
	defer saver.Close()
	rec := newFlushRecorder()

	// first round trips normally; the key is then free for a new schedule
	saver.Schedule("sheet:a", rec.flushFunc("sheet:a", 1))
	rec.wait(t)
	saver.Schedule("sheet:a", rec.flushFunc("sheet:a", 2))
	rec.wait(t)

	if got := rec.get("sheet:a"); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("flushed values = %v, want [1 2]", got)
	}
}
