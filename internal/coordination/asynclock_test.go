package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncLockTryLock(t *testing.T) {
	l := NewAsyncLock()
	assert.True(t, l.TryLock())
	assert.False(t, l.TryLock())
	l.Unlock()
	assert.True(t, l.TryLock())
}

func TestAsyncLockCancelledContext(t *testing.T) {
	l := NewAsyncLock()
	require.True(t, l.TryLock()) // hold the only slot

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Lock(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAsyncLockUnlockPanicsWhenFree(t *testing.T) {
	l := NewAsyncLock()
	assert.Panics(t, func() { l.Unlock() }) // never locked: over-release
}
