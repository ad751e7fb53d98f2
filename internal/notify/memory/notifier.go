// Package memory contains an in-memory notifier for tests and dry runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/fineweb-news/internal/extract"
)

// Notifier stores events for inspection.
type Notifier struct {
	mu     sync.RWMutex
	events []extract.PublishEvent
	err    error
}

// New returns a memory Notifier.
func New() *Notifier {
	return &Notifier{}
}

// FailWith makes subsequent Notify calls return err.
func (n *Notifier) FailWith(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

// Notify records the event.
func (n *Notifier) Notify(_ context.Context, event extract.PublishEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, event)
	return nil
}

// Events returns the recorded events.
func (n *Notifier) Events() []extract.PublishEvent {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]extract.PublishEvent, len(n.events))
	copy(out, n.events)
	return out
}
