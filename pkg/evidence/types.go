// Package evidence implements the write-once, content-hashed audit trail of
// every atomic operation a task performs. Each session accumulates Evidence
// records on disk under the configured state directory; finalizeSession
// seals them into a hash-anchored index whose own bytes are hashed again, so
// any post-finalization tamper is detectable.
package evidence

import (
	"errors"
	"time"
)

// Artifact is one piece of recorded content within an Evidence record.
type Artifact struct {
	Content string `json:"content"`
	Label   string `json:"label,omitempty"`
}

// Evidence is the write-once record of a single atomic operation.
type Evidence struct {
	EvidenceID      string     `json:"evidence_id"`
	SessionID       string     `json:"session_id"`
	OperationID     string     `json:"operation_id,omitempty"`
	OperationType   string     `json:"operation_type"`
	Timestamp       time.Time  `json:"timestamp"`
	AtomicOperation bool       `json:"atomic_operation"`
	Aggregated      bool       `json:"aggregated"`
	Artifacts       []Artifact `json:"artifacts"`
	Hash            string     `json:"hash"`
	RawLogs         []string   `json:"raw_logs,omitempty"`
	RawEvidenceRefs []string   `json:"raw_evidence_refs,omitempty"`
}

// IndexEntry is one line item in a session's evidence_index.json.
type IndexEntry struct {
	EvidenceID    string    `json:"evidence_id"`
	OperationType string    `json:"operation_type"`
	Timestamp     time.Time `json:"timestamp"`
	Hash          string    `json:"hash"`
}

// Index is the per-session manifest sealed at finalizeSession.
type Index struct {
	SessionID     string       `json:"session_id"`
	CreatedAt     time.Time    `json:"created_at"`
	FinalizedAt   time.Time    `json:"finalized_at"`
	EvidenceItems []IndexEntry `json:"evidence_items"`
	TotalItems    int          `json:"total_items"`
}

// Report is the human-facing summary written alongside the index at
// finalization: the report.json written next to the sealed index.
type Report struct {
	SessionID         string    `json:"session_id"`
	FinalizedAt       time.Time `json:"finalized_at"`
	TotalEvidence     int       `json:"total_evidence"`
	MissingOperations []string  `json:"missing_operations,omitempty"`
	Verdict           string    `json:"verdict"`
}

// Inventory is the result of getEvidenceInventory: registered operations
// cross-referenced against recorded evidence.
type Inventory struct {
	Registered []string `json:"registered_operations"`
	Recorded   []string `json:"recorded_operations"`
	Missing    []string `json:"missing_operations"`
}

// Sentinel errors.
var (
	ErrNotInitialized  = errors.New("evidence: session not initialized")
	ErrNotAtomic       = errors.New("evidence: recordEvidence requires atomic_operation=true")
	ErrAggregated      = errors.New("evidence: recordEvidence rejects aggregated=true")
	ErrNotFound        = errors.New("evidence: evidence record not found")
	ErrHashMismatch    = errors.New("evidence: HASH_MISMATCH on verify")
	ErrRawLogMissing   = errors.New("evidence: referenced raw log path does not exist")
	ErrIndexCorruption = errors.New("evidence: evidence_index.sha256 does not match index bytes")
	ErrAlreadyFinal    = errors.New("evidence: session already finalized")
	ErrSessionMismatch = errors.New("evidence: record session_id does not match the session being written")
)
