package agent

import (
	"context"
	"sync"
)

// canceller tracks in-flight runs by session id so /stop can abort a
// session's run and every subagent descended from it.
type canceller struct {
	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	children map[string][]string // parent session -> child sessions
	parents  map[string]string   // child session -> parent session
}

func newCanceller() *canceller {
	return &canceller{
		cancels:  make(map[string]context.CancelFunc),
		children: make(map[string][]string),
		parents:  make(map[string]string),
	}
}

// register records a run's cancel func for its session.
func (c *canceller) register(sessionID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels[sessionID] = cancel
}

// unregister drops a finished run.
func (c *canceller) unregister(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancels, sessionID)
}

// link records a parent-child relation at spawn time. Links outlive the
// child's run: the depth limit and /stop propagation stay correct for a
// session's whole lifetime.
func (c *canceller) link(parentID, childID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.children[parentID] = append(c.children[parentID], childID)
	c.parents[childID] = parentID
}

// depth returns how many spawn levels sit above a session. A root
// session has depth 0.
func (c *canceller) depth(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := 0
	for {
		parent, ok := c.parents[sessionID]
		if !ok {
			return d
		}
		d++
		sessionID = parent
	}
}

// cancel aborts the session's run and all descendants. Returns whether
// anything was actually running.
func (c *canceller) cancel(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelLocked(sessionID)
}

func (c *canceller) cancelLocked(sessionID string) bool {
	hit := false
	if cancel, ok := c.cancels[sessionID]; ok {
		cancel()
		delete(c.cancels, sessionID)
		hit = true
	}
	for _, child := range c.children[sessionID] {
		if c.cancelLocked(child) {
			hit = true
		}
	}
	return hit
}

// active returns session ids with a run in flight.
func (c *canceller) active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.cancels))
	for id := range c.cancels {
		ids = append(ids, id)
	}
	return ids
}
