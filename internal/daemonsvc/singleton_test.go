package daemonsvc

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateControlTokenIsUniqueAndNonEmpty(t *testing.T) {
	a, err := generateControlToken()
	require.NoError(t, err)
	b, err := generateControlToken()
	require.NoError(t, err)

	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 48) // 24 bytes hex-encoded
}

func TestProcessAliveForSelf(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
}

func TestProcessAliveFalseForReapedPID(t *testing.T) {
	assert.False(t, processAlive(999999))
}

func TestAwaitDeathReturnsNilOnceProcessExits(t *testing.T) {
	cmd := exec.Command("sleep", "0.05")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()

	err := awaitDeath(pid, time.Second)
	assert.NoError(t, err)
}
