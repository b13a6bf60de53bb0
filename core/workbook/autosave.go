package workbook

import (
	"context"
	"sync"
	"time"

	"github.com/trezcool/daftari/core"
)

// flushTimeout bounds a single debounced write.
const flushTimeout = 10 * time.Second

type (
	// FlushFunc persists the latest full state of one entity.
	FlushFunc func(ctx context.Context) error

	// AutoSaver coalesces rapid edits to the same logical entity (a sheet's
	// marks array, one chapter's text fields) into a single write per
	// debounce window. Each entity key holds at most one armed timer;
	// re-scheduling replaces the pending flush with one targeting the latest
	// state, so no write ever persists a stale intermediate value. Timers for
	// different keys are fully independent.
	AutoSaver struct {
		debounce time.Duration
		logger   core.Logger
		onError  func(key string, err error) // optional; called after a failed flush

		mu      sync.Mutex
		pending map[string]*pendingFlush
		gen     uint64
		closed  bool
	}

	pendingFlush struct {
		timer *time.Timer
		flush FlushFunc
		gen   uint64
	}
)

func NewAutoSaver(debounce time.Duration, logger core.Logger, onError func(key string, err error)) *AutoSaver {
	return &AutoSaver{
		debounce: debounce,
		logger:   logger,
		onError:  onError,
		pending:  make(map[string]*pendingFlush),
	}
}

// Schedule arms (or re-arms) key's debounce timer with flush. A later
// Schedule for the same key cancels the earlier one: only the latest flush
// fires once the window elapses.
func (s *AutoSaver) Schedule(key string, flush FlushFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if p, ok := s.pending[key]; ok {
		p.timer.Stop()
	}
	s.gen++
	p := &pendingFlush{flush: flush, gen: s.gen}
	p.timer = time.AfterFunc(s.debounce, func() { s.fire(key, p.gen) })
	s.pending[key] = p
}

// fire runs when key's timer elapses; a stale generation means the entry was
// re-scheduled or cancelled after this timer was already committed to run.
func (s *AutoSaver) fire(key string, gen uint64) {
	s.mu.Lock()
	p, ok := s.pending[key]
	if !ok || p.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	s.mu.Unlock()

	s.run(key, p.flush)
}

// Flush forces key's pending write to run now, synchronously. A no-op when
// nothing is pending.
func (s *AutoSaver) Flush(key string) {
	if p := s.pop(key); p != nil {
		s.run(key, p.flush)
	}
}

// Cancel drops key's pending write, if any.
func (s *AutoSaver) Cancel(key string) {
	s.pop(key)
}

// Close cancels every outstanding timer and rejects further schedules. Call
// on session/view teardown so no write fires against an entity the user has
// already navigated away from.
func (s *AutoSaver) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for key, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, key)
	}
}

// PendingCount reports the number of armed timers.
func (s *AutoSaver) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *AutoSaver) pop(key string) *pendingFlush {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[key]
	if !ok {
		return nil
	}
	p.timer.Stop()
	delete(s.pending, key)
	return p
}

func (s *AutoSaver) run(key string, flush FlushFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := flush(ctx); err != nil {
		s.logger.Error("autosave: flushing "+key, err)
		if s.onError != nil {
			s.onError(key, err)
		}
	}
}
