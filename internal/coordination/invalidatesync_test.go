package coordination

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInvalidateSyncCoalescesBurst(t *testing.T) {
	var calls atomic.Int32
	s := NewInvalidateSync(10*time.Millisecond, func() { calls.Add(1) })

	for i := 0; i < 20; i++ {
		s.Trigger()
	}

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestInvalidateSyncRerunsIfTriggeredWhileRunning(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{}, 2)
	s := NewInvalidateSync(5*time.Millisecond, func() {
		calls.Add(1)
		started <- struct{}{}
		time.Sleep(20 * time.Millisecond)
	})

	s.Trigger()
	<-started
	s.Trigger() // arrives mid-run, must cause a second run

	<-started
	assert.Equal(t, int32(2), calls.Load())
}
