package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveMachineIDGeneratesOnce(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, store.EnsureLayout())

	id, err := store.ResolveMachineID("host-a")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	f, err := store.ReadSettings()
	require.NoError(t, err)
	assert.Equal(t, id, f.MachineID)
	assert.Equal(t, "host-a", f.MachineHost)
}

func TestResolveMachineIDIsStableAcrossHostnameChanges(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, store.EnsureLayout())

	first, err := store.ResolveMachineID("laptop")
	require.NoError(t, err)

	second, err := store.ResolveMachineID("laptop-renamed")
	require.NoError(t, err)

	assert.Equal(t, first, second, "a machine is never renamed or reassigned once its id is persisted")
}
