package usermgmt

import "sync"

// SessionCounter tracks the number of open tunnel sessions per username.
// All reads and writes go through a single mutex. Entries are created on first use
// and are never removed; a zero count is left in place.
type SessionCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewSessionCounter returns an empty counter.
func NewSessionCounter() *SessionCounter {
	return &SessionCounter{counts: make(map[string]int)}
}

// Count returns the current number of open sessions for username.
func (c *SessionCounter) Count(username string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[username]
}

// Reserve calls admit with the user's current count while holding the lock and
// increments the count only when admit returns true. The check and the increment
// form one critical section, so concurrent callers can never both pass a limit
// check against the same stale count.
func (c *SessionCounter) Reserve(username string, admit func(current int) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !admit(c.counts[username]) {
		return false
	}
	c.counts[username]++
	return true
}

// increment adds one open session for username and returns the new count.
func (c *SessionCounter) increment(username string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[username]++
	return c.counts[username]
}

// Decrement removes one open session for username and returns the new count.
// The count never drops below zero.
func (c *SessionCounter) Decrement(username string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[username] > 0 {
		c.counts[username]--
	}
	return c.counts[username]
}

// snapshot returns a copy of all counts.
func (c *SessionCounter) snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}
