package guardrails

import (
	"sync"
	"time"
)

// SlidingWindow is a sliding-window rate limiter: an event is admitted only
// when fewer than limit events were admitted in the trailing window. Unlike a
// token bucket it never lets a burst borrow against future capacity.
type SlidingWindow struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	events []time.Time

	now func() time.Time
}

// NewSlidingWindow creates a limiter admitting limit events per window.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		window: window,
		limit:  limit,
		now:    time.Now,
	}
}

// Allow admits one event if capacity remains in the trailing window.
func (s *SlidingWindow) Allow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.prune(now)

	if len(s.events) >= s.limit {
		return false
	}
	s.events = append(s.events, now)
	return true
}

// RetryAfter returns how long until the next event would be admitted. Zero
// when there is capacity now.
func (s *SlidingWindow) RetryAfter() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.prune(now)

	if len(s.events) < s.limit {
		return 0
	}
	return s.events[0].Add(s.window).Sub(now)
}

// idleFactor scales the window into the idle lifetime of a caller entry.
const idleFactor = 10

// LimiterPool hands out one sliding-window limiter per remote caller. Entries
// idle for idleFactor windows are evicted, so the pool tracks active callers
// rather than every address ever seen.
type LimiterPool struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	byCaller  map[string]*poolEntry
	lastPrune time.Time

	now func() time.Time
}

type poolEntry struct {
	limiter  *SlidingWindow
	lastSeen time.Time
}

// NewLimiterPool creates a pool of per-caller limiters.
func NewLimiterPool(limit int, window time.Duration) *LimiterPool {
	return &LimiterPool{
		limit:    limit,
		window:   window,
		byCaller: make(map[string]*poolEntry),
		now:      time.Now,
	}
}

// For returns the limiter for a caller, creating it on first use.
func (p *LimiterPool) For(caller string) *SlidingWindow {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.pruneLocked(now)

	entry, ok := p.byCaller[caller]
	if !ok {
		entry = &poolEntry{limiter: NewSlidingWindow(p.limit, p.window)}
		p.byCaller[caller] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// Size reports how many callers currently hold a limiter.
func (p *LimiterPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byCaller)
}

// pruneLocked drops idle entries. An entry past its window holds no admitted
// events, so dropping it cannot reopen capacity early. Runs at most once per
// window.
func (p *LimiterPool) pruneLocked(now time.Time) {
	if now.Sub(p.lastPrune) < p.window {
		return
	}
	p.lastPrune = now
	cutoff := now.Add(-time.Duration(idleFactor) * p.window)
	for caller, entry := range p.byCaller {
		if entry.lastSeen.Before(cutoff) {
			delete(p.byCaller, caller)
		}
	}
}

func (s *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.events) && !s.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.events = append(s.events[:0], s.events[i:]...)
	}
}
