package diag

import "sync"

// Collector is a sink that retains every message it receives. It exists for
// tests that need to assert on diagnostics delivered during a native call.
type Collector struct {
	mu       sync.Mutex
	messages []Message
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Receive appends the message.
func (c *Collector) Receive(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

// Messages returns a copy of everything received so far.
func (c *Collector) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// ByLevel returns the received messages with the given level.
func (c *Collector) ByLevel(level Level) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Message
	for _, m := range c.messages {
		if m.Level == level {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of messages received.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}
