package dispatcher

import (
	"context"
	"io"
	"time"

	"github.com/hidra-project/hidra/pkg/log"
	"github.com/hidra-project/hidra/pkg/metrics"
	"github.com/hidra-project/hidra/pkg/model"
	"github.com/rs/zerolog"
)

// dispatchItem implements spec.md §4.4 steps 1-7 for one work item.
func (d *Dispatcher) dispatchItem(ctx context.Context, item model.WorkItem) {
	event := item.Event
	fileID := event.FileID()
	logger := log.WithFileID(fileID)

	header, err := d.fetcher.Header(event, d.cfg.Chunksize)
	if err != nil {
		logger.Error().Err(err).Msg("source read error building header")
		d.setStatus(model.ErrorStatus("SourceReadError", err.Error()))
		metrics.FilesDispatchedTotal.WithLabelValues(d.cfg.WorkerID, "source_read_error").Inc()
		return
	}

	confirmationRequired := d.cfg.RemoveData == model.RemoveWithConfirm
	if confirmationRequired {
		header.ConfirmationRequired = fileID
	}

	var dataTargets, metadataTargets []model.Target
	for _, target := range item.Targets {
		if target.Mode == model.ModeMetadata {
			metadataTargets = append(metadataTargets, target)
		} else {
			dataTargets = append(dataTargets, target)
		}
	}

	for _, target := range metadataTargets {
		headerBody, _ := marshalHeader(header)
		d.send(target, [][]byte{headerBody, nil}, logger)
		metrics.ChunksSentTotal.WithLabelValues(d.cfg.WorkerID, "metadata").Inc()
	}

	if len(dataTargets) == 0 {
		d.finalize(event)
		return
	}

	file, err := d.fetcher.Open(event)
	if err != nil {
		logger.Error().Err(err).Msg("source read error opening file")
		d.setStatus(model.ErrorStatus("SourceReadError", err.Error()))
		metrics.FilesDispatchedTotal.WithLabelValues(d.cfg.WorkerID, "source_read_error").Inc()
		return
	}
	defer file.Close()

	expectedChunks := model.ExpectedChunkCount(header.Filesize, d.cfg.Chunksize)
	buf := make([]byte, max(header.Chunksize, 1))
	chunkNumber := 0
	failedPriorityZero := false

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, readErr := io.ReadFull(file, buf)
		if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
			logger.Error().Err(readErr).Msg("source read error mid-stream")
			d.setStatus(model.ErrorStatus("SourceReadError", readErr.Error()))
			metrics.FilesDispatchedTotal.WithLabelValues(d.cfg.WorkerID, "source_read_error").Inc()
			return
		}
		if n == 0 {
			break
		}

		chunkHeader := header
		chunkHeader.ChunkNumber = chunkNumber
		chunk := model.Chunk{Header: chunkHeader, Payload: append([]byte(nil), buf[:n]...)}

		headerBody, _ := marshalHeader(chunk.Header)
		for _, target := range dataTargets {
			ok := true
			if target.Priority == model.FixedStreamPriority {
				ok = d.sendTracked(target, [][]byte{headerBody, chunk.Payload})
				if !ok {
					failedPriorityZero = true
				}
			} else {
				ok = d.send(target, [][]byte{headerBody, chunk.Payload}, logger)
			}
			if ok {
				metrics.ChunksSentTotal.WithLabelValues(d.cfg.WorkerID, "data").Inc()
			} else {
				metrics.ChunkSendErrorsTotal.WithLabelValues(d.cfg.WorkerID, priorityClass(target.Priority)).Inc()
			}
		}

		chunkNumber++
		if chunk.IsFinal() || n < len(buf) {
			break
		}
	}

	if failedPriorityZero {
		d.setStatus(model.ErrorStatus("TargetSendError", "priority-0 tracked send failed or timed out"))
		metrics.FilesDispatchedTotal.WithLabelValues(d.cfg.WorkerID, "target_send_error").Inc()
		return
	}

	closeFile := [][]byte{[]byte("CLOSE_FILE"), []byte(event.Filename), []byte(d.cfg.WorkerID)}
	for _, target := range dataTargets {
		d.send(target, closeFile, logger)
	}

	if confirmationRequired && d.tracker != nil {
		d.tracker.Track(fileID, expectedChunks, event.SourcePath)
	}

	d.setStatus(model.OKStatus)
	metrics.FilesDispatchedTotal.WithLabelValues(d.cfg.WorkerID, "ok").Inc()
	d.finalize(event)
}

// finalize applies the local store/remove policy, except when removal is
// gated on confirmation — the Cleaner owns that handoff once every chunk
// has been acknowledged (spec.md §4.4 step 7).
func (d *Dispatcher) finalize(event model.EventRecord) {
	if d.cfg.RemoveData == model.RemoveWithConfirm {
		return
	}
	if err := d.fetcher.Finalize(event, d.cfg.StoreData, d.cfg.RemoveData); err != nil {
		log.WithFileID(event.FileID()).Error().Err(err).Msg("finalize failed")
	}
}

func priorityClass(priority int) string {
	if priority == model.FixedStreamPriority {
		return "fixed"
	}
	return "best_effort"
}

// sendTracked performs a priority-0 send with a bounded wait, reporting
// failure on either a connection error or exceeding
// cfg.TrackedSendTimeout (spec.md §4.4 step 5, §5 "priority-0 tracked
// sends use a bounded wait").
func (d *Dispatcher) sendTracked(target model.Target, frames [][]byte) bool {
	done := make(chan error, 1)
	go func() {
		done <- d.sendErr(target, frames)
	}()
	select {
	case err := <-done:
		return err == nil
	case <-time.After(d.cfg.TrackedSendTimeout):
		return false
	}
}
