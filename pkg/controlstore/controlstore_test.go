package controlstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	inst := &Instance{
		Name:       "beamline-a",
		PID:        4242,
		ConfigPath: "/etc/hidra/beamline-a.yaml",
		StartedAt:  time.Unix(1700000000, 0).UTC(),
		State:      StateRunning,
	}
	require.NoError(t, store.Put(inst))

	got, err := store.Get("beamline-a")
	require.NoError(t, err)
	require.Equal(t, inst.PID, got.PID)
	require.Equal(t, inst.State, got.State)
}

func TestGetMissingReturnsError(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Get("nope")
	require.Error(t, err)
}

func TestListReturnsAllInstances(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(&Instance{Name: "a", State: StateRunning}))
	require.NoError(t, store.Put(&Instance{Name: "b", State: StateStopped}))

	all, err := store.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestDeleteRemovesInstance(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(&Instance{Name: "a", State: StateRunning}))
	require.NoError(t, store.Delete("a"))

	_, err = store.Get("a")
	require.Error(t, err)
}

func TestReopenPersistsAcrossClose(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(&Instance{Name: "a", State: StateRunning}))
	require.NoError(t, store.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get("a")
	require.NoError(t, err)
	require.Equal(t, StateRunning, got.State)
}
