package gateway

import (
	"sort"
	"sync"

	"github.com/peterje/shepherd/internal/distributor"
)

// PushFunc is called once per new attachment on a push transport. The
// transport is expected to forward the subscription until it closes,
// typically with Gateway.Forward.
type PushFunc func(sessionID string, sub *distributor.Subscription)

// Client is one transport connection. Its ID is the client id handed to
// the registry, and it remembers which subscriptions it holds so they can
// be polled or released.
type Client struct {
	ID   string
	push PushFunc

	mu   sync.Mutex
	subs map[string]*distributor.Subscription
}

// NewClient returns a client. A nil push makes it a polling client that
// reads output through receive_output.
func NewClient(id string, push PushFunc) *Client {
	return &Client{ID: id, push: push, subs: make(map[string]*distributor.Subscription)}
}

func (c *Client) streamMode() string {
	if c.push != nil {
		return "push"
	}
	return "poll"
}

// remember records sub and reports whether it is new to this client.
func (c *Client) remember(sessionID string, sub *distributor.Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[sessionID] == sub {
		return false
	}
	c.subs[sessionID] = sub
	return true
}

func (c *Client) subscription(sessionID string) (*distributor.Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[sessionID]
	return sub, ok
}

// forget drops the record for sessionID. When sub is non-nil the record is
// dropped only if it still refers to sub. It reports whether anything was
// removed.
func (c *Client) forget(sessionID string, sub *distributor.Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.subs[sessionID]
	if !ok || (sub != nil && cur != sub) {
		return false
	}
	delete(c.subs, sessionID)
	return true
}

// Sessions lists the sessions this client is attached to.
func (c *Client) Sessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
