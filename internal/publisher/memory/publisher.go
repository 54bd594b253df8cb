// Package memory keeps the most recent published events in process, for tests
// and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"
)

const defaultLimit = 1000

// Publisher retains up to limit payloads, dropping the oldest first.
type Publisher struct {
	mu       sync.RWMutex
	limit    int
	seq      int
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Kind    string
	Payload any
}

// New returns a Publisher; limit <= 0 selects the default.
func New(limit ...int) *Publisher {
	n := defaultLimit
	if len(limit) > 0 && limit[0] > 0 {
		n = limit[0]
	}
	return &Publisher{limit: n}
}

// Publish records the message and returns a sequential ID.
func (p *Publisher) Publish(_ context.Context, kind string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	if len(p.messages) == p.limit {
		copy(p.messages, p.messages[1:])
		p.messages = p.messages[:len(p.messages)-1]
	}
	p.messages = append(p.messages, PublishedMessage{ID: id, Kind: kind, Payload: payload})
	return id, nil
}

// Messages returns the retained publishes, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
