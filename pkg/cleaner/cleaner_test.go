package cleaner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hidra-project/hidra/pkg/fetcher"
	"github.com/hidra-project/hidra/pkg/model"
	"github.com/stretchr/testify/require"
)

// fakeFinalizer records calls instead of touching the filesystem, for
// tests that only care about completion timing.
type fakeFinalizer struct {
	calls []model.EventRecord
	store []bool
}

func (f *fakeFinalizer) FinalizeConfirmed(event model.EventRecord, store bool) error {
	f.calls = append(f.calls, event)
	f.store = append(f.store, store)
	return nil
}

func TestCleanerDeletesOnceAllChunksConfirmed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.cbf")
	require.NoError(t, os.WriteFile(path, []byte("0123456789012345678901234"), 0o644))

	f := fetcher.New("", nil)
	c := New(Config{StoreData: false}, f)

	c.Track("scan.cbf", 3, path)
	c.HandleConfirmation([][]byte{[]byte("topic"), []byte("scan.cbf")})
	c.HandleConfirmation([][]byte{[]byte("topic"), []byte("scan.cbf")})

	_, err := os.Stat(path)
	require.NoError(t, err, "file must remain until the third confirmation arrives")

	c.HandleConfirmation([][]byte{[]byte("topic"), []byte("scan.cbf")})

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "file must be deleted once all chunks are confirmed")
}

func TestCleanerRetainsFileWhenConfirmationWithheld(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.cbf")
	require.NoError(t, os.WriteFile(path, []byte("0123456789012345678901234"), 0o644))

	f := fetcher.New("", nil)
	c := New(Config{StoreData: false}, f)

	c.Track("scan.cbf", 3, path)
	c.HandleConfirmation([][]byte{[]byte("topic"), []byte("scan.cbf")})
	c.HandleConfirmation([][]byte{[]byte("topic"), []byte("scan.cbf")})

	_, err := os.Stat(path)
	require.NoError(t, err, "withholding the third confirmation must retain the file")
}

func TestCleanerMovesToLocalTargetWhenStoreDataEnabled(t *testing.T) {
	srcDir := t.TempDir()
	targetDir := t.TempDir()
	path := filepath.Join(srcDir, "scan.cbf")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	f := fetcher.New(targetDir, nil)
	c := New(Config{StoreData: true}, f)

	c.Track("scan.cbf", 1, path)
	c.HandleConfirmation([][]byte{[]byte("topic"), []byte("scan.cbf")})

	_, err := os.Stat(filepath.Join(targetDir, "scan.cbf"))
	require.NoError(t, err, "confirmed file must be moved under local-target")
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestCleanerResetStatus(t *testing.T) {
	f := &fakeFinalizer{}
	c := New(Config{}, f)

	c.setStatus(model.ErrorStatus("CleanerFinalizeError", "boom"))
	require.False(t, c.Status().OK)

	got := c.ResetStatus()
	require.True(t, got.OK)
	require.True(t, c.Status().OK)
}

func TestCleanerGracePeriodSweepMarksRetained(t *testing.T) {
	f := &fakeFinalizer{}
	c := New(Config{GracePeriod: 10 * time.Millisecond, SweepInterval: 5 * time.Millisecond}, f)

	c.Track("late.cbf", 2, "/tmp/late.cbf")
	c.HandleConfirmation([][]byte{[]byte("topic"), []byte("late.cbf")}) // 1 of 2; never completes

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	require.False(t, c.Status().OK)
	require.Equal(t, "confirmation_timeout", c.Status().Kind)
}

func TestHandleConfirmationIgnoresMalformedFrame(t *testing.T) {
	f := &fakeFinalizer{}
	c := New(Config{}, f)
	c.HandleConfirmation([][]byte{[]byte("only-one-frame")})
	require.Empty(t, f.calls)
}
