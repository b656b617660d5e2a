// Package model holds the shared data types and sentinel errors of the
// HiDRA sender pipeline: event records, subscriptions, nodesets, work
// items, chunk framing and confirmation bookkeeping. Nothing in this
// package blocks on I/O; it is imported by every other sender package.
package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Mode selects whether a subscription receives full data or header-only
// metadata for each matching file.
type Mode string

const (
	ModeData     Mode = "data"
	ModeMetadata Mode = "metadata"
)

// RegistryKind distinguishes the two parallel subscription registries.
type RegistryKind string

const (
	RegistryStream RegistryKind = "stream"
	RegistryQuery  RegistryKind = "query"
)

// FixedStreamPriority is the reserved priority denoting the fixed storage
// stream: guaranteed delivery with synchronous tracking (I6).
const FixedStreamPriority = 0

// EventRecord is produced by an EventDetector and consumed by the
// TaskProvider. It carries no payload.
type EventRecord struct {
	SourcePath   string
	RelativePath string
	Filename     string
}

// FileID returns the deterministic file identifier: join(relative_path,
// filename) with any leading separator trimmed. It is used as the
// confirmation topic and as the Cleaner's primary key.
func (e EventRecord) FileID() string {
	joined := strings.TrimRight(e.RelativePath, "/")
	if joined == "" {
		return strings.TrimLeft(e.Filename, "/")
	}
	return strings.TrimLeft(joined+"/"+e.Filename, "/")
}

// Target is a resolved consumer for one file: an endpoint, its priority
// class, and the mode it should receive the file in.
type Target struct {
	Endpoint string `json:"endpoint"`
	Priority int    `json:"priority"`
	Mode     Mode   `json:"mode"`
}

// WorkItem is handed from the TaskProvider to the router: the event plus
// its resolved consumer list. It is still emitted with an empty Targets
// list when nothing matched, so the dispatcher can apply local storage
// and removal policy.
type WorkItem struct {
	Event   EventRecord
	Targets []Target
}

// Subscription is the four-tuple (endpoint, priority, pattern, mode) of
// spec.md §3. Pattern is kept alongside its compiled form so a NodeSet can
// be deep-copied across admission overwrites (spec.md §9).
type Subscription struct {
	Endpoint      string
	Priority      int
	PatternSource string
	Pattern       *regexp.Regexp
	Mode          Mode
	Registry      RegistryKind
}

// Matches reports whether the file identifier matches this subscription's
// pattern.
func (s *Subscription) Matches(fileID string) bool {
	return s.Pattern != nil && s.Pattern.MatchString(fileID)
}

// Clone returns a deep copy of s, safe to mutate independently.
func (s *Subscription) Clone() *Subscription {
	clone := *s
	return &clone
}

// CompilePattern builds a Subscription's compiled pattern either from a
// literal suffix list (anchored as ".*(s1|s2|...)$") or, when suffixes is
// empty and raw is non-empty, from a raw regular expression (spec.md §6).
func CompilePattern(raw string, suffixes []string) (source string, compiled *regexp.Regexp, err error) {
	if len(suffixes) > 0 {
		escaped := make([]string, len(suffixes))
		for i, s := range suffixes {
			escaped[i] = regexp.QuoteMeta(s)
		}
		source = ".*(" + strings.Join(escaped, "|") + ")$"
	} else {
		source = raw
	}
	compiled, err = regexp.Compile(source)
	if err != nil {
		return "", nil, fmt.Errorf("compiling pattern %q: %w", source, err)
	}
	return source, compiled, nil
}

// Status is the externally-visible health of a dispatcher or the Cleaner,
// reported on the status socket (§6) and mirrored to metrics.
type Status struct {
	OK     bool
	Kind   string
	Detail string
}

// OKStatus is the healthy baseline status.
var OKStatus = Status{OK: true}

// ErrorStatus builds a Status reporting an error kind and detail string.
func ErrorStatus(kind, detail string) Status {
	return Status{OK: false, Kind: kind, Detail: detail}
}

// Sentinel protocol errors. signalhandler returns ErrNoValidHost and
// ErrOverlappingNodeset internally and maps them to wire replies; no
// package compares them with errors.Is.
var (
	ErrNoValidHost        = errors.New("NO_VALID_HOST")
	ErrVersionConflict    = errors.New("VERSION_CONFLICT")
	ErrStoringDisabled    = errors.New("STORING_DISABLED")
	ErrNoValidSignal      = errors.New("NO_VALID_SIGNAL")
	ErrNoOpenConnection   = errors.New("NO_OPEN_CONNECTION_FOUND")
	ErrOverlappingNodeset = errors.New("overlapping but not nested nodeset endpoint sets")
)

// RemovePolicy selects what the dispatcher/Cleaner do with a source file
// once it has been fully handled.
type RemovePolicy string

const (
	RemoveNever          RemovePolicy = "false"
	RemoveWithConfirm    RemovePolicy = "with_confirmation"
	RemoveImmediate      RemovePolicy = "true"
)
