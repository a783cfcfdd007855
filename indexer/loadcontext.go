package indexer

import "sync"

// LoadContextState is the suspend/resume rendezvous state machine spec.md
// §5/§9 describes: "a mutex-guarded state machine ({OPENING, READY,
// SUSPENDING, SUSPENDED, FREEING, ...}) over a condition variable".
type LoadContextState int

const (
	StateOpening LoadContextState = iota
	StateReady
	StateFailed
	StateSuspending
	StateSuspended
	StateFreeing
)

func (s LoadContextState) String() string {
	switch s {
	case StateOpening:
		return "OPENING"
	case StateReady:
		return "READY"
	case StateFailed:
		return "FAILED"
	case StateSuspending:
		return "SUSPENDING"
	case StateSuspended:
		return "SUSPENDED"
	case StateFreeing:
		return "FREEING"
	}
	return "UNKNOWN"
}

// LoadContext is the scoped rendezvous object between the control thread
// and the replay goroutine (spec.md §3 LoadContext, §5). Its mutex and
// condition variable must outlive every replay iteration (spec.md §5
// "Resource discipline").
type LoadContext struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state LoadContextState
}

func NewLoadContext() *LoadContext {
	lc := &LoadContext{state: StateOpening}
	lc.cond = sync.NewCond(&lc.mu)
	return lc
}

// PublishReady implements spec.md §4.1 step 6: "Publish READY to
// load_context (mutex + condition broadcast), even on failure paths
// where a suspender may be waiting." Pass success=false to publish
// StateFailed instead.
func (lc *LoadContext) PublishReady(success bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if success {
		lc.state = StateReady
	} else {
		lc.state = StateFailed
	}
	lc.cond.Broadcast()
}

// CheckForSuspend is the cooperative yield point replay calls once per
// chapter (spec.md §4.2 "Cooperative suspension point", §5). If another
// goroutine has requested suspension, it parks here until resumed or
// freed. Returns true if the caller must abort with SHUTTING_DOWN.
func (lc *LoadContext) CheckForSuspend() (shuttingDown bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if lc.state != StateSuspending {
		return false
	}
	lc.state = StateSuspended
	lc.cond.Broadcast()
	for lc.state == StateSuspended {
		lc.cond.Wait()
	}
	return lc.state == StateFreeing
}

// Suspend requests that an in-flight replay pause, and blocks until it
// has actually parked (spec.md §8 invariant 10: "a thread signaling
// SUSPENDING is woken within one chapter of replay").
func (lc *LoadContext) Suspend() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.state != StateReady && lc.state != StateOpening {
		// Nothing running to suspend, or already suspended/freeing.
		return
	}
	lc.state = StateSuspending
	lc.cond.Broadcast()
	for lc.state == StateSuspending {
		lc.cond.Wait()
	}
}

// Resume transitions a suspended replay back to OPENING so it continues
// from the same virtual chapter it was at (spec.md §8 invariant 10).
func (lc *LoadContext) Resume() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.state != StateSuspended {
		return
	}
	lc.state = StateOpening
	lc.cond.Broadcast()
}

// Free transitions to FREEING, causing any suspended or subsequently
// suspending replay to terminate with SHUTTING_DOWN (spec.md §5
// "Cancellation").
func (lc *LoadContext) Free() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.state = StateFreeing
	lc.cond.Broadcast()
}

func (lc *LoadContext) State() LoadContextState {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.state
}
