package crawler

import "sync"

// Queue is the crawl frontier: a thread-safe FIFO of locators that admits
// each locator at most once per run and knows when the crawl has drained.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []string
	seen    map[string]bool
	active  int // locators popped but not yet marked Done
	stopped bool
}

// NewQueue creates a new frontier
func NewQueue() *Queue {
	q := &Queue{
		items: make([]string, 0),
		seen:  make(map[string]bool),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push adds a locator unless it was already admitted during this run
// Returns true if added, false if duplicate or stopped
func (q *Queue) Push(locator string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || q.seen[locator] {
		return false
	}

	q.seen[locator] = true
	q.items = append(q.items, locator)
	q.cond.Signal()
	return true
}

// Pop removes and returns the next locator. It blocks while the frontier is
// empty but some popped locator is still being processed, since that work
// may push more. Returns false once stopped, or once empty with nothing active.
// Every successful Pop must be paired with Done.
func (q *Queue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.stopped {
			return "", false
		}

		if len(q.items) > 0 {
			loc := q.items[0]
			q.items = q.items[1:]
			q.active++
			return loc, true
		}

		if q.active == 0 {
			// Drained: wake every other waiter so they observe it too
			q.cond.Broadcast()
			return "", false
		}

		q.cond.Wait()
	}
}

// Done marks a popped locator as fully processed
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.active--
	if q.active == 0 && len(q.items) == 0 {
		q.cond.Broadcast()
	}
}

// IsEmpty returns true if the frontier has no pending locators
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// Size returns the current number of pending locators
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stop makes every current and future Pop return false; pending locators are abandoned
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stopped = true
	q.cond.Broadcast()
}

// Pending returns a snapshot of the locators still waiting in the frontier
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]string, len(q.items))
	copy(entries, q.items)
	return entries
}
