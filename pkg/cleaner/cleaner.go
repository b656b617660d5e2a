// Package cleaner implements the Cleaner component of spec.md §4.5: it
// receives confirmations through HandleConfirmation (the Supervisor dials
// the external confirmation publisher as a SUB client), tallies per-file chunk
// confirmations, and is the only component that performs destructive
// file operations when remove_data == with_confirmation. The dispatcher
// hands off tracking once the last chunk of such a file has been sent
// and moves on without blocking (spec.md §9 "Cleaner vs Dispatcher
// split").
package cleaner

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/hidra-project/hidra/pkg/log"
	"github.com/hidra-project/hidra/pkg/metrics"
	"github.com/hidra-project/hidra/pkg/model"
)

// Finalizer performs the destructive operation once a file's
// confirmations are complete: delete the source, or move it under the
// local target. Implemented by fetcher.LocalFileFetcher.FinalizeConfirmed
// (not its general Finalize, which treats with_confirmation as a no-op
// so the dispatcher never races the Cleaner).
type Finalizer interface {
	FinalizeConfirmed(event model.EventRecord, store bool) error
}

// Config controls Cleaner behavior.
type Config struct {
	StoreData bool
	// GracePeriod bounds how long an incomplete confirmation record is
	// retained before it is reported as a warning on the status channel
	// (spec.md §4.5 "configurable grace period"). Zero disables the
	// check.
	GracePeriod time.Duration
	// SweepInterval controls how often the grace-period sweep runs.
	SweepInterval time.Duration
}

// Cleaner tracks confirmations per file identifier and deletes or moves
// the source file once every expected chunk has been confirmed.
type Cleaner struct {
	cfg Config

	finalizer Finalizer

	mu      sync.Mutex
	records map[string]*model.ConfirmationRecord

	statusMu sync.RWMutex
	status   model.Status
}

// New builds a Cleaner. finalizer performs the actual delete/move once a
// file is fully confirmed.
func New(cfg Config, finalizer Finalizer) *Cleaner {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &Cleaner{
		cfg:       cfg,
		finalizer: finalizer,
		records:   make(map[string]*model.ConfirmationRecord),
		status:    model.OKStatus,
	}
}

// Status reports the Cleaner's current health, served on the
// status-check REQ/REP endpoint of spec.md §6.
func (c *Cleaner) Status() model.Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// ResetStatus implements the RESET_STATUS command (spec.md §6, SPEC_FULL
// §[FULL] SUPPLEMENTED FEATURES): resets status to OK and returns it.
func (c *Cleaner) ResetStatus() model.Status {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.status = model.OKStatus
	metrics.UpdateComponent("cleaner", true, "")
	return c.status
}

func (c *Cleaner) setStatus(s model.Status) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.status = s
	metrics.UpdateComponent("cleaner", s.OK, s.Detail)
}

// Track is the dispatcher's handoff (ConfirmationTracker interface in
// pkg/dispatcher): register that fileID expects totalChunks
// confirmations before sourcePath may be deleted or moved.
func (c *Cleaner) Track(fileID string, totalChunks int, sourcePath string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[fileID]
	if !ok {
		rec = &model.ConfirmationRecord{
			FileID:         fileID,
			ChunksSeen:     make(map[int]bool),
			TotalChunks:    -1,
			SourceFilePath: sourcePath,
		}
		c.records[fileID] = rec
	}
	rec.TotalChunks = totalChunks
	rec.SourceFilePath = sourcePath
	rec.LastSeen = time.Now()
	metrics.PendingConfirmations.Set(float64(len(c.records)))

	if rec.Complete() {
		c.finalizeLocked(fileID, rec)
	}
}

// HandleConfirmation processes one confirmation frame received on the
// external confirm SUB socket: [topic, fileID-payload]. The topic is the
// per-file confirmation tag embedded in the chunk header; the payload is
// the UTF-8 file identifier (spec.md §6 "Confirmation").
func (c *Cleaner) HandleConfirmation(frames [][]byte) {
	if len(frames) < 2 {
		log.Warn("cleaner: malformed confirmation frame ignored")
		return
	}
	fileID := string(frames[1])
	c.observeChunk(fileID)
}

// observeChunk records one confirmed chunk for fileID. Chunk numbering
// is not carried on the confirmation payload itself in the wire form
// described by spec.md §6 (topic + file identifier only), so each
// confirmation increments the seen-count by one rather than recording a
// specific chunk_number; TotalChunks set by Track is still the
// completion gate (I5).
func (c *Cleaner) observeChunk(fileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[fileID]
	if !ok {
		rec = &model.ConfirmationRecord{
			FileID:      fileID,
			ChunksSeen:  make(map[int]bool),
			TotalChunks: -1,
		}
		c.records[fileID] = rec
	}
	rec.ChunksSeen[len(rec.ChunksSeen)] = true
	rec.LastSeen = time.Now()
	metrics.ConfirmationsReceivedTotal.Inc()
	metrics.PendingConfirmations.Set(float64(len(c.records)))

	if rec.Complete() {
		c.finalizeLocked(fileID, rec)
	}
}

// finalizeLocked performs the destructive operation for a fully
// confirmed file and drops its record. Caller must hold c.mu. fileID is
// join(relative_path, filename) (spec.md §3); it is split back apart
// here since that is all the Cleaner's table keys on (I5 only requires
// the file identifier and source path, not the full event record).
func (c *Cleaner) finalizeLocked(fileID string, rec *model.ConfirmationRecord) {
	event := model.EventRecord{
		SourcePath:   rec.SourceFilePath,
		RelativePath: relDirOf(fileID),
		Filename:     filepath.Base(fileID),
	}
	delete(c.records, fileID)
	metrics.PendingConfirmations.Set(float64(len(c.records)))

	action := "deleted"
	if c.cfg.StoreData {
		action = "moved"
	}
	if err := c.finalizer.FinalizeConfirmed(event, c.cfg.StoreData); err != nil {
		log.WithFileID(fileID).Error().Err(err).Msg("cleaner finalize failed")
		c.setStatus(model.ErrorStatus("CleanerFinalizeError", err.Error()))
		return
	}
	log.WithFileID(fileID).Info().Str("action", action).Msg("source file finalized after full confirmation")
	metrics.FilesRemovedTotal.WithLabelValues(action).Inc()
}

// relDirOf returns the directory portion of a file identifier, or "" for
// a bare filename with no relative path component.
func relDirOf(fileID string) string {
	dir := filepath.Dir(fileID)
	if dir == "." {
		return ""
	}
	return dir
}

// Run drives the grace-period sweep until ctx is canceled. Files whose
// confirmations remain incomplete past cfg.GracePeriod are retained and
// surfaced on the status channel, matching spec.md §4.5 "If a
// configurable grace period elapses without full confirmation, the file
// is retained and a warning is surfaced".
func (c *Cleaner) Run(ctx context.Context) {
	st := c.Status()
	metrics.RegisterComponent("cleaner", st.OK, st.Detail)

	if c.cfg.GracePeriod <= 0 {
		<-ctx.Done()
		return
	}

	logger := log.WithComponent("cleaner")
	logger.Info().Dur("grace_period", c.cfg.GracePeriod).Msg("starting grace-period sweep")

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

// sweepExpired reports (but does not delete) every tracked file whose
// last confirmation arrived more than cfg.GracePeriod ago.
func (c *Cleaner) sweepExpired() {
	c.mu.Lock()
	var expired []string
	now := time.Now()
	for fileID, rec := range c.records {
		if now.Sub(rec.LastSeen) > c.cfg.GracePeriod {
			expired = append(expired, fileID)
		}
	}
	c.mu.Unlock()

	for _, fileID := range expired {
		log.WithFileID(fileID).Warn().Msg("confirmation grace period elapsed; file retained")
		c.setStatus(model.ErrorStatus("confirmation_timeout", fileID))
		metrics.FilesRetainedTotal.Inc()
	}
}
