// Package publisher emits changed-notice events for downstream consumers.
// Providers implement pipeline.Publisher; the topic is bound at construction.
package publisher

import "context"

// Noop drops events. Used when publishing is disabled.
type Noop struct{}

// NewNoop creates a discarding publisher.
func NewNoop() *Noop { return &Noop{} }

// Publish does nothing and returns an empty message id.
func (n *Noop) Publish(_ context.Context, _ any) (string, error) {
	return "", nil
}
