package dispatcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hidra-project/hidra/pkg/controlbus"
	"github.com/hidra-project/hidra/pkg/fetcher"
	"github.com/hidra-project/hidra/pkg/model"
	"github.com/hidra-project/hidra/pkg/transport"
	"github.com/stretchr/testify/require"
)

type fakeTracker struct {
	fileID      string
	totalChunks int
	sourcePath  string
}

func (f *fakeTracker) Track(fileID string, totalChunks int, sourcePath string) {
	f.fileID, f.totalChunks, f.sourcePath = fileID, totalChunks, sourcePath
}

func TestDispatchItemStreamsChunksToPullServer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.cbf")
	payload := make([]byte, 25)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	received := make(chan [][]byte, 10)
	srv, err := transport.ListenPull("127.0.0.1:0", func(frames [][]byte) { received <- frames })
	require.NoError(t, err)
	defer srv.Close()

	f := fetcher.New("", nil)
	d := New(Config{WorkerID: "0/1", Chunksize: 10, RemoveData: model.RemoveNever}, f, nil)

	item := model.WorkItem{
		Event:   model.EventRecord{SourcePath: path, Filename: "scan.cbf"},
		Targets: []model.Target{{Endpoint: srv.Addr(), Priority: 1, Mode: model.ModeData}},
	}
	d.dispatchItem(context.Background(), item)

	var gotChunks [][]byte
	for i := 0; i < 3; i++ {
		select {
		case frames := <-received:
			gotChunks = append(gotChunks, frames[1])
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for chunk %d", i)
		}
	}
	require.Len(t, gotChunks[0], 10)
	require.Len(t, gotChunks[1], 10)
	require.Len(t, gotChunks[2], 5)
	require.Equal(t, model.OKStatus, d.Status())
}

func TestDispatchItemSendsCloseFileAfterLastChunk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.cbf")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	received := make(chan [][]byte, 10)
	srv, err := transport.ListenPull("127.0.0.1:0", func(frames [][]byte) { received <- frames })
	require.NoError(t, err)
	defer srv.Close()

	f := fetcher.New("", nil)
	d := New(Config{WorkerID: "1/2", Chunksize: 4, RemoveData: model.RemoveNever}, f, nil)

	item := model.WorkItem{
		Event:   model.EventRecord{SourcePath: path, Filename: "scan.cbf"},
		Targets: []model.Target{{Endpoint: srv.Addr(), Priority: 1, Mode: model.ModeData}},
	}
	d.dispatchItem(context.Background(), item)

	var last [][]byte
	for i := 0; i < 4; i++ {
		select {
		case frames := <-received:
			last = frames
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
	require.Equal(t, [][]byte{[]byte("CLOSE_FILE"), []byte("scan.cbf"), []byte("1/2")}, last)
}

func TestDispatchItemMetadataOnlySendsSingleMessage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.cbf")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	received := make(chan [][]byte, 10)
	srv, err := transport.ListenPull("127.0.0.1:0", func(frames [][]byte) { received <- frames })
	require.NoError(t, err)
	defer srv.Close()

	f := fetcher.New("", nil)
	d := New(Config{WorkerID: "0/1", Chunksize: 4, RemoveData: model.RemoveNever}, f, nil)

	item := model.WorkItem{
		Event:   model.EventRecord{SourcePath: path, Filename: "scan.cbf"},
		Targets: []model.Target{{Endpoint: srv.Addr(), Priority: 1, Mode: model.ModeMetadata}},
	}
	d.dispatchItem(context.Background(), item)

	select {
	case frames := <-received:
		require.Nil(t, frames[1])
		var header model.ChunkHeader
		require.NoError(t, json.Unmarshal(frames[0], &header))
		require.Equal(t, int64(10), header.Filesize)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for metadata message")
	}

	select {
	case <-received:
		t.Fatal("unexpected second message for metadata-only target")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatchItemWithConfirmationHandsOffToTracker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.cbf")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	srv, err := transport.ListenPull("127.0.0.1:0", func(frames [][]byte) {})
	require.NoError(t, err)
	defer srv.Close()

	f := fetcher.New("", nil)
	tracker := &fakeTracker{}
	d := New(Config{WorkerID: "0/1", Chunksize: 4, RemoveData: model.RemoveWithConfirm}, f, tracker)

	item := model.WorkItem{
		Event:   model.EventRecord{SourcePath: path, Filename: "scan.cbf"},
		Targets: []model.Target{{Endpoint: srv.Addr(), Priority: 1, Mode: model.ModeData}},
	}
	d.dispatchItem(context.Background(), item)

	require.Eventually(t, func() bool { return tracker.fileID != "" }, time.Second, 10*time.Millisecond)
	require.Equal(t, "scan.cbf", tracker.fileID)
	require.Equal(t, 3, tracker.totalChunks)

	_, statErr := os.Stat(path)
	require.NoError(t, statErr, "source must not be deleted until Cleaner confirms")
}

func TestCloseSocketsClosesCachedConnection(t *testing.T) {
	srv, err := transport.ListenPull("127.0.0.1:0", func(frames [][]byte) {})
	require.NoError(t, err)
	defer srv.Close()

	f := fetcher.New("", nil)
	d := New(Config{WorkerID: "0/1", Chunksize: 4}, f, nil)

	_, err = d.connFor(srv.Addr())
	require.NoError(t, err)
	require.Len(t, d.conns, 1)

	d.closeSockets([]string{srv.Addr()})
	require.Len(t, d.conns, 0)
}

func TestRunStopsOnExit(t *testing.T) {
	f := fetcher.New("", nil)
	d := New(Config{WorkerID: "0/1", Chunksize: 4}, f, nil)

	bus := controlbus.NewBus()
	bus.Start()
	defer bus.Stop()
	sub := bus.Subscribe()
	router := make(chan model.WorkItem)

	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), router, sub)
		close(done)
	}()

	bus.Publish(controlbus.Signal{Type: controlbus.Exit})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop on EXIT")
	}
}
