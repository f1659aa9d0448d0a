package graph

import "sync"

// Guard bounds how many times a run may enter guarded nodes. A Guard belongs
// to exactly one run invocation; the engine seeds it from the checkpoint's
// iteration count when a run is resumed, so the bound holds across restarts.
type Guard struct {
	mu    sync.Mutex
	max   int
	count int
}

// NewGuard returns a guard allowing max passes. max <= 0 disables the limit.
func NewGuard(max int) *Guard {
	return &Guard{max: max}
}

// newGuardAt returns a guard that has already consumed count passes.
func newGuardAt(max, count int) *Guard {
	if count < 0 {
		count = 0
	}
	return &Guard{max: max, count: count}
}

// TryAdvance consumes one pass. It returns false, without consuming, once
// the limit has been reached.
func (g *Guard) TryAdvance() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.max > 0 && g.count >= g.max {
		return false
	}
	g.count++
	return true
}

// Count returns the passes consumed so far.
func (g *Guard) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// Max returns the configured limit.
func (g *Guard) Max() int {
	return g.max
}
