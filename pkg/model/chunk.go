package model

import "time"

// ChunkHeader is the first frame of a two-frame chunk message (spec.md
// §3, §6). ConfirmationRequired is only set when the Cleaner needs to
// track this file (remove_data == with_confirmation).
type ChunkHeader struct {
	Filename             string    `json:"filename"`
	SourcePath           string    `json:"source_path"`
	RelativePath         string    `json:"relative_path"`
	Filesize             int64     `json:"filesize"`
	FileModTime          time.Time `json:"file_mod_time"`
	FileCreateTime       time.Time `json:"file_create_time"`
	Chunksize            int       `json:"chunksize"`
	ChunkNumber          int       `json:"chunk_number"`
	ConfirmationRequired string    `json:"confirmation_required,omitempty"`
}

// Chunk is one on-wire [header, payload] message.
type Chunk struct {
	Header  ChunkHeader
	Payload []byte
}

// IsFinal reports whether this chunk is the last one for its file: either
// its payload is short, or it is the exact last chunk of a file whose
// size divides evenly by chunksize (I4 numbering starts at 0).
func (c Chunk) IsFinal() bool {
	if len(c.Payload) < c.Header.Chunksize {
		return true
	}
	if c.Header.Chunksize <= 0 {
		return true
	}
	totalChunks := c.Header.Filesize / int64(c.Header.Chunksize)
	if c.Header.Filesize%int64(c.Header.Chunksize) == 0 {
		return int64(c.Header.ChunkNumber) == totalChunks-1
	}
	return int64(c.Header.ChunkNumber) == totalChunks
}

// ExpectedChunkCount returns the total number of chunks a file of the
// given size will be split into at the given chunksize.
func ExpectedChunkCount(filesize int64, chunksize int) int {
	if chunksize <= 0 {
		return 1
	}
	n := filesize / int64(chunksize)
	if filesize%int64(chunksize) != 0 || filesize == 0 {
		n++
	}
	return int(n)
}

// ConfirmationRecord tracks the chunks seen for one file identifier in
// the Cleaner (spec.md §3). TotalChunks is -1 until the final chunk has
// been observed by the dispatcher side, at which point the dispatcher
// hands it to the Cleaner explicitly (remove-with-confirmation handoff).
type ConfirmationRecord struct {
	FileID         string
	ChunksSeen     map[int]bool
	TotalChunks    int
	SourceFilePath string
	LastSeen       time.Time
}

// Complete reports whether every expected chunk has been confirmed.
func (r *ConfirmationRecord) Complete() bool {
	if r.TotalChunks < 0 {
		return false
	}
	return len(r.ChunksSeen) >= r.TotalChunks
}
