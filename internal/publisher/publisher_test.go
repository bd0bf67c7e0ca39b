package publisher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryRecordsPayloads(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	id, err := m.Publish(context.Background(), map[string]string{"source_code": "cs"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)

	id, err = m.Publish(context.Background(), map[string]string{"source_code": "me"})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id)

	payloads := m.Payloads()
	require.Len(t, payloads, 2)
	require.Equal(t, map[string]string{"source_code": "cs"}, payloads[0])
}

func TestNoopPublishesNothing(t *testing.T) {
	t.Parallel()

	id, err := NewNoop().Publish(context.Background(), "anything")
	require.NoError(t, err)
	require.Empty(t, id)
}
