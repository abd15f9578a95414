package syncer

import (
	"sync"

	"github.com/campusmobile/forumqueue/internal/forum"
)

// Guard coordinates logical exclusivity around sync tokens.
//
// It combines two mechanisms that are deliberately separate:
//
//   - an advisory block counter: editors call Block before letting the user
//     mutate a record whose sync may be in flight, and Unblock afterwards.
//     It is a cooperative gate consulted by well-behaved callers, not a
//     mutex - it never stops the engine from finishing a sync it started.
//   - an in-flight registry: at most one sync runs per token; a second
//     trigger for the same token joins the running one and receives the
//     same aggregated result.
type Guard struct {
	mu       sync.Mutex
	blocked  map[string]int
	inflight map[string]*flight
}

type flight struct {
	done   chan struct{}
	result forum.SyncResult
	err    error
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{
		blocked:  make(map[string]int),
		inflight: make(map[string]*flight),
	}
}

// Block marks a sync token as blocked. Calls nest: every Block needs a
// matching Unblock.
func (g *Guard) Block(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocked[key]++
}

// Unblock releases one Block. Unblocking an unblocked token is a no-op.
func (g *Guard) Unblock(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.blocked[key] <= 1 {
		delete(g.blocked, key)
		return
	}
	g.blocked[key]--
}

// IsBlocked reports whether a sync token is advisorily blocked.
func (g *Guard) IsBlocked(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked[key] > 0
}

// IsSyncing reports whether a sync for the token is currently running.
func (g *Guard) IsSyncing(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inflight[key]
	return ok
}

// run executes fn under the in-flight registry. If a task for the same key
// is already running, run waits for it and returns its result instead of
// starting a duplicate. The registry entry is removed when the task
// completes, success or failure.
func (g *Guard) run(key string, fn func() (forum.SyncResult, error)) (forum.SyncResult, error) {
	g.mu.Lock()
	if f, ok := g.inflight[key]; ok {
		g.mu.Unlock()
		<-f.done
		return f.result, f.err
	}

	f := &flight{done: make(chan struct{})}
	g.inflight[key] = f
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.inflight, key)
		g.mu.Unlock()
		close(f.done)
	}()

	f.result, f.err = fn()
	return f.result, f.err
}
