// Package registrytest provides an in-memory Outbox for tests.
package registrytest

import (
	"errors"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrClosed = errors.New("outbox closed")

// Outbox records every envelope it is asked to send.
type Outbox struct {
	mu     sync.Mutex
	sent   []models.Envelope
	closed bool
}

func NewOutbox() *Outbox { return &Outbox{} }

func (o *Outbox) Send(env models.Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	o.sent = append(o.sent, env)
	return nil
}

// Close makes further sends fail, like a dead socket.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}

func (o *Outbox) Sent() []models.Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.Envelope, len(o.sent))
	copy(out, o.sent)
	return out
}

func (o *Outbox) Count(eventType string) int {
	n := 0
	for _, e := range o.Sent() {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// Last returns the most recent envelope of the given type.
func (o *Outbox) Last(eventType string) (models.Envelope, bool) {
	sent := o.Sent()
	for i := len(sent) - 1; i >= 0; i-- {
		if sent[i].Type == eventType {
			return sent[i], true
		}
	}
	return models.Envelope{}, false
}

func (o *Outbox) Reset() {
	o.mu.Lock()
	o.sent = nil
	o.mu.Unlock()
}
