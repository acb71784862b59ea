package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntakeQueue_FIFO(t *testing.T) {
	q := newIntakeQueue()
	for _, id := range []string{"A", "B", "C"} {
		require.True(t, q.Enqueue(&pipeline{req: Request{ID: id}}))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"A", "B", "C"} {
		p, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, p.req.ID)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestIntakeQueue_SignalsOnEnqueue(t *testing.T) {
	q := newIntakeQueue()
	q.Enqueue(&pipeline{})

	select {
	case <-q.Wait():
	case <-time.After(time.Second):
		t.Fatal("expected signal after enqueue")
	}
}

func TestIntakeQueue_Close(t *testing.T) {
	q := newIntakeQueue()
	q.Enqueue(&pipeline{req: Request{ID: "A"}})
	q.Close()
	q.Close()

	assert.False(t, q.Enqueue(&pipeline{}), "enqueue after close must fail")
	assert.False(t, q.Drained(), "queued items survive close")

	_, ok := q.TryDequeue()
	require.True(t, ok)
	assert.True(t, q.Drained())

	select {
	case <-q.Wait():
	default:
		t.Fatal("wait channel must be closed")
	}
}
