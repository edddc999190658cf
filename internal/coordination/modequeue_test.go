package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeQueueBatchesConsecutiveModes(t *testing.T) {
	q := NewModeQueue()
	q.Push("local", "a")
	q.Push("local", "b")
	q.Push("remote", "c")
	q.Push("remote", "d")
	q.Push("local", "e")

	batches := q.DrainBatches()
	assert.Equal(t, []Batch{
		{Mode: "local", Items: []any{"a", "b"}},
		{Mode: "remote", Items: []any{"c", "d"}},
		{Mode: "local", Items: []any{"e"}},
	}, batches)
	assert.Equal(t, 0, q.Len())
}

func TestModeQueueDrainEmpty(t *testing.T) {
	q := NewModeQueue()
	assert.Empty(t, q.DrainBatches())
}

func TestWaitForBatchPartitionsOnModeChange(t *testing.T) {
	q := NewModeQueue()
	q.Push("A", "1")
	q.Push("A", "2")
	q.Push("B", "3")
	q.Push("A", "4")

	ctx := context.Background()

	b1, err := q.WaitForBatch(ctx, "\n")
	require.NoError(t, err)
	assert.Equal(t, "1\n2", b1.Text)
	assert.Equal(t, "A", b1.Mode)

	b2, err := q.WaitForBatch(ctx, "\n")
	require.NoError(t, err)
	assert.Equal(t, "3", b2.Text)
	assert.Equal(t, "B", b2.Mode)

	b3, err := q.WaitForBatch(ctx, "\n")
	require.NoError(t, err)
	assert.Equal(t, "4", b3.Text)
	assert.Equal(t, "A", b3.Mode)
	assert.Equal(t, b1.Hash, b3.Hash, "same mode must hash identically across batches")
}

func TestWaitForBatchBlocksUntilPush(t *testing.T) {
	q := NewModeQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resultCh := make(chan *TextBatch, 1)
	go func() {
		b, _ := q.WaitForBatch(ctx, " ")
		resultCh <- b
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-resultCh:
		t.Fatal("WaitForBatch returned before any push")
	default:
	}

	q.Push("local", "hi")
	select {
	case b := <-resultCh:
		assert.Equal(t, "hi", b.Text)
	case <-time.After(time.Second):
		t.Fatal("WaitForBatch never woke up after push")
	}
}

func TestWaitForBatchReturnsNilOnCancelWhenEmpty(t *testing.T) {
	q := NewModeQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	b, err := q.WaitForBatch(ctx, " ")
	require.NoError(t, err)
	assert.Nil(t, b)
}
