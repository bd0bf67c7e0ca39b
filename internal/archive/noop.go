// Package archive stores raw page snapshots so a crawl's input can be
// replayed later. Providers implement pipeline.BlobStore.
package archive

import "context"

// Noop discards snapshots. Used when archiving is disabled.
type Noop struct{}

// NewNoop creates a discarding blob store.
func NewNoop() *Noop { return &Noop{} }

// Put does nothing and returns an empty URI.
func (n *Noop) Put(_ context.Context, _ string, _ string, _ []byte) (string, error) {
	return "", nil
}
