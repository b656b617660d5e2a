// Package fetcher implements the DataFetcher role of spec.md §4.4/§5: it
// reads a source file's metadata and contents on behalf of a
// DataDispatcher, and applies the configured store/remove policy once a
// file has been fully handled.
package fetcher

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hidra-project/hidra/pkg/model"
)

// Fetcher produces header metadata, chunked reads and final disposition
// for one source file.
type Fetcher interface {
	Header(event model.EventRecord, chunksize int) (model.ChunkHeader, error)
	Open(event model.EventRecord) (io.ReadCloser, error)
	// Finalize applies the store/remove policy once the dispatcher has
	// finished with the file. Under RemoveWithConfirm LocalFileFetcher's
	// Finalize does nothing; the Cleaner moves or deletes the file through
	// FinalizeConfirmed once every chunk is confirmed.
	Finalize(event model.EventRecord, store bool, remove model.RemovePolicy) error
}

// LocalFileFetcher reads files directly from the local filesystem and
// moves/copies/deletes them under localTarget according to policy.
// denylist names subdirectories of localTarget that Finalize must never
// create (spec.md §5 "respecting a configured immutable-directory deny
// list").
type LocalFileFetcher struct {
	localTarget string
	denylist    map[string]bool
}

// New builds a LocalFileFetcher. localTarget may be empty when
// store_data is never enabled.
func New(localTarget string, denylist []string) *LocalFileFetcher {
	deny := make(map[string]bool, len(denylist))
	for _, d := range denylist {
		deny[d] = true
	}
	return &LocalFileFetcher{localTarget: localTarget, denylist: deny}
}

// Header stats event's source file and builds its chunk header.
func (f *LocalFileFetcher) Header(event model.EventRecord, chunksize int) (model.ChunkHeader, error) {
	info, err := os.Stat(event.SourcePath)
	if err != nil {
		return model.ChunkHeader{}, fmt.Errorf("statting %s: %w", event.SourcePath, err)
	}
	return model.ChunkHeader{
		Filename:       event.Filename,
		SourcePath:     event.SourcePath,
		RelativePath:   event.RelativePath,
		Filesize:       info.Size(),
		FileModTime:    info.ModTime(),
		FileCreateTime: createTime(info),
		Chunksize:      chunksize,
	}, nil
}

// Open opens the source file read-only. The caller is responsible for
// closing it in every exit path, including SourceReadError aborts
// (spec.md §4.4 error taxonomy).
func (f *LocalFileFetcher) Open(event model.EventRecord) (io.ReadCloser, error) {
	file, err := os.Open(event.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", event.SourcePath, err)
	}
	return file, nil
}

// Finalize applies the local store/remove policy: delete the source when
// remove is set and store is false, move it under localTarget when both
// are set, or leave it untouched otherwise. RemoveWithConfirm is the
// Cleaner's responsibility, not the dispatcher's, so Finalize treats it
// as "do nothing" here — the dispatcher must not delete when
// confirmation is pending (spec.md §4.4 step 7).
func (f *LocalFileFetcher) Finalize(event model.EventRecord, store bool, remove model.RemovePolicy) error {
	switch remove {
	case model.RemoveImmediate:
		if store {
			return f.moveToLocalTarget(event)
		}
		return os.Remove(event.SourcePath)
	case model.RemoveWithConfirm:
		if store {
			return nil // moved by the Cleaner once confirmation completes
		}
		return nil // deleted by the Cleaner once confirmation completes
	case model.RemoveNever:
		if store {
			return f.copyToLocalTarget(event)
		}
		return nil
	default:
		return fmt.Errorf("unknown remove policy %q", remove)
	}
}

// FinalizeConfirmed performs the Cleaner's delete-or-move action for a
// file whose confirmations are complete (remove_data=with_confirmation,
// spec.md §4.5). Unlike Finalize, which treats RemoveWithConfirm as a
// no-op so the dispatcher never deletes a file pending confirmation,
// this is only ever called by the Cleaner once I5 is satisfied.
func (f *LocalFileFetcher) FinalizeConfirmed(event model.EventRecord, store bool) error {
	if store {
		return f.moveToLocalTarget(event)
	}
	return os.Remove(event.SourcePath)
}

func (f *LocalFileFetcher) moveToLocalTarget(event model.EventRecord) error {
	dest, err := f.destPath(event)
	if err != nil {
		return err
	}
	if err := os.Rename(event.SourcePath, dest); err != nil {
		return fmt.Errorf("moving %s to %s: %w", event.SourcePath, dest, err)
	}
	return nil
}

func (f *LocalFileFetcher) copyToLocalTarget(event model.EventRecord) error {
	dest, err := f.destPath(event)
	if err != nil {
		return err
	}
	src, err := os.Open(event.SourcePath)
	if err != nil {
		return fmt.Errorf("opening %s for copy: %w", event.SourcePath, err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("copying %s to %s: %w", event.SourcePath, dest, err)
	}
	return nil
}

func (f *LocalFileFetcher) destPath(event model.EventRecord) (string, error) {
	if f.localTarget == "" {
		return "", fmt.Errorf("store_data enabled but no local-target configured")
	}
	for _, part := range splitPath(event.RelativePath) {
		if f.denylist[part] {
			return "", fmt.Errorf("refusing to create denylisted directory %q under local-target", part)
		}
	}
	dir := filepath.Join(f.localTarget, event.RelativePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	return filepath.Join(dir, event.Filename), nil
}

func splitPath(p string) []string {
	if p == "" {
		return nil
	}
	return strings.Split(filepath.ToSlash(filepath.Clean(p)), "/")
}

func createTime(info os.FileInfo) time.Time {
	// os.FileInfo carries no portable creation time; mtime is the closest
	// cross-platform approximation and matches what the original
	// implementation reports when ctime is unavailable.
	return info.ModTime()
}
