package toolexec

import (
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// elicitationOutcome is what a blocked elicitation handler eventually
// receives: either the human's answer or the reason there will never be one.
type elicitationOutcome struct {
	result *mcp.ElicitResult
	err    error
}

type pendingElicitation struct {
	serverID string
	ch       chan elicitationOutcome
	timer    *time.Timer
}

// coordinator correlates in-flight elicitation request ids with the handler
// goroutines blocked waiting for an answer. Entries are consumed exactly
// once: by Resolve, Reject, the TTL timer, or a server-wide sweep when the
// owning execution tears down.
type coordinator struct {
	mu      sync.Mutex
	ttl     time.Duration
	pending map[string]*pendingElicitation
}

func newCoordinator(ttl time.Duration) *coordinator {
	return &coordinator{ttl: ttl, pending: make(map[string]*pendingElicitation)}
}

// register creates an entry and arms its eviction timer. The timer is armed
// inside the same critical section that publishes the entry, so every reader
// sees a fully built entry and the timer callback always finds it.
func (c *coordinator) register(requestID, serverID string) <-chan elicitationOutcome {
	p := &pendingElicitation{serverID: serverID, ch: make(chan elicitationOutcome, 1)}
	c.mu.Lock()
	p.timer = time.AfterFunc(c.ttl, func() {
		c.reject(requestID, ErrElicitationTimeout)
	})
	c.pending[requestID] = p
	c.mu.Unlock()
	return p.ch
}

// resolve delivers an answer. Returns false when the id is unknown, already
// answered, or expired.
func (c *coordinator) resolve(requestID string, res *mcp.ElicitResult) bool {
	p := c.take(requestID)
	if p == nil {
		return false
	}
	p.ch <- elicitationOutcome{result: res}
	return true
}

// reject fails the entry.
func (c *coordinator) reject(requestID string, err error) bool {
	p := c.take(requestID)
	if p == nil {
		return false
	}
	p.ch <- elicitationOutcome{err: err}
	return true
}

// rejectServer fails every entry belonging to the server. Used on execution
// teardown so no handler waits on a dead execution.
func (c *coordinator) rejectServer(serverID string, err error) {
	c.mu.Lock()
	var evicted []*pendingElicitation
	for id, p := range c.pending {
		if p.serverID == serverID {
			delete(c.pending, id)
			evicted = append(evicted, p)
		}
	}
	c.mu.Unlock()
	for _, p := range evicted {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- elicitationOutcome{err: err}
	}
}

// has reports whether the request id is still outstanding.
func (c *coordinator) has(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[requestID]
	return ok
}

func (c *coordinator) take(requestID string) *pendingElicitation {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[requestID]
	if !ok {
		return nil
	}
	delete(c.pending, requestID)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}
