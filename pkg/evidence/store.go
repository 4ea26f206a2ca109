package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the filesystem-backed EvidenceStore. Every session gets its own
// directory under baseDir; records are write-once JSON files, and
// finalizeSession seals the session with a hashed index plus a report.
type Store struct {
	baseDir string

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// sessionState tracks one session's bookkeeping: insertion order (the
// finalized index must reflect it) and registered operation
// ids, persisted alongside the evidence files so a crash mid-session can be
// resumed by re-Initializing against the same directory.
type sessionState struct {
	mu            sync.Mutex
	sessionID     string
	dir           string
	createdAt     time.Time
	finalized     bool
	finalizedAt   time.Time
	order         []string
	registeredOps []string
}

type sessionMeta struct {
	SessionID     string    `json:"session_id"`
	CreatedAt     time.Time `json:"created_at"`
	Finalized     bool      `json:"finalized"`
	FinalizedAt   time.Time `json:"finalized_at,omitempty"`
	Order         []string  `json:"order"`
	RegisteredOps []string  `json:"registered_operations"`
}

// New returns a Store rooted at baseDir (typically <state_dir>/evidence).
func New(baseDir string) *Store {
	return &Store{baseDir: baseDir, sessions: make(map[string]*sessionState)}
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID)
}

// SessionDir returns the on-disk directory for a session, mainly useful to
// callers (and tests) that need to locate evidence_index.json/report.json
// directly.
func (s *Store) SessionDir(sessionID string) string {
	return s.sessionDir(sessionID)
}

// Initialize creates (or reopens, for crash recovery) a session directory.
func (s *Store) Initialize(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating evidence session dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "raw_logs"), 0o755); err != nil {
		return fmt.Errorf("creating raw log dir: %w", err)
	}

	metaPath := filepath.Join(dir, "session_meta.json")
	if data, err := os.ReadFile(metaPath); err == nil {
		var meta sessionMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			return fmt.Errorf("reading existing session meta: %w", err)
		}
		s.sessions[sessionID] = &sessionState{
			sessionID:     sessionID,
			dir:           dir,
			createdAt:     meta.CreatedAt,
			finalized:     meta.Finalized,
			finalizedAt:   meta.FinalizedAt,
			order:         meta.Order,
			registeredOps: meta.RegisteredOps,
		}
		return nil
	}

	st := &sessionState{sessionID: sessionID, dir: dir, createdAt: time.Now().UTC()}
	s.sessions[sessionID] = st
	return s.persistMeta(st)
}

func (s *Store) persistMeta(st *sessionState) error {
	meta := sessionMeta{
		SessionID:     st.sessionID,
		CreatedAt:     st.createdAt,
		Finalized:     st.finalized,
		FinalizedAt:   st.finalizedAt,
		Order:         st.order,
		RegisteredOps: st.registeredOps,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling session meta: %w", err)
	}
	return os.WriteFile(filepath.Join(st.dir, "session_meta.json"), data, 0o644)
}

func (s *Store) session(sessionID string) (*sessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotInitialized
	}
	return st, nil
}

// RegisterOperation records an operation id the pipeline expects evidence
// for. Used by getEvidenceInventory to detect gaps before a COMPLETE verdict.
func (s *Store) RegisterOperation(sessionID, operationID string) error {
	st, err := s.session(sessionID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.registeredOps = append(st.registeredOps, operationID)
	return s.persistMeta(st)
}

// RecordEvidence writes a write-once evidence record. Fails closed on
// atomic_operation=false or aggregated=true.
func (s *Store) RecordEvidence(sessionID string, ev Evidence) (*Evidence, error) {
	if !ev.AtomicOperation {
		return nil, ErrNotAtomic
	}
	if ev.Aggregated {
		return nil, ErrAggregated
	}
	if ev.SessionID != "" && ev.SessionID != sessionID {
		return nil, fmt.Errorf("%w: record says %s, store says %s", ErrSessionMismatch, ev.SessionID, sessionID)
	}

	st, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.finalized {
		return nil, ErrAlreadyFinal
	}

	if ev.EvidenceID == "" {
		ev.EvidenceID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.SessionID = sessionID
	ev.Hash = hashArtifacts(ev.Artifacts)

	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshalling evidence record: %w", err)
	}
	path := s.recordPath(st.dir, ev.EvidenceID)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("evidence %s already recorded: write-once violation", ev.EvidenceID)
	}
	if err := os.WriteFile(path, data, 0o444); err != nil {
		return nil, fmt.Errorf("writing evidence record: %w", err)
	}

	st.order = append(st.order, ev.EvidenceID)
	if err := s.persistMeta(st); err != nil {
		return nil, err
	}

	out := ev
	return &out, nil
}

func (s *Store) recordPath(sessionDir, evidenceID string) string {
	return filepath.Join(sessionDir, evidenceID+".json")
}

// GetEvidence returns a single recorded evidence item.
func (s *Store) GetEvidence(sessionID, evidenceID string) (*Evidence, error) {
	st, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	return s.readRecord(st.dir, evidenceID)
}

func (s *Store) readRecord(sessionDir, evidenceID string) (*Evidence, error) {
	data, err := os.ReadFile(s.recordPath(sessionDir, evidenceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading evidence record: %w", err)
	}
	var ev Evidence
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("unmarshalling evidence record: %w", err)
	}
	return &ev, nil
}

// ListEvidence returns every recorded evidence item for the session, in
// insertion order.
func (s *Store) ListEvidence(sessionID string) ([]*Evidence, error) {
	st, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	order := append([]string(nil), st.order...)
	dir := st.dir
	st.mu.Unlock()

	out := make([]*Evidence, 0, len(order))
	for _, id := range order {
		ev, err := s.readRecord(dir, id)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// VerifyEvidence recomputes the artifact hash and compares it to the stored
// hash, raising ErrHashMismatch on divergence.
func (s *Store) VerifyEvidence(sessionID, evidenceID string) error {
	ev, err := s.GetEvidence(sessionID, evidenceID)
	if err != nil {
		return err
	}
	if hashArtifacts(ev.Artifacts) != ev.Hash {
		return ErrHashMismatch
	}
	return nil
}

// StoreRawLog persists raw executor output and returns its path for later
// reference from an Evidence record's raw_evidence_refs.
func (s *Store) StoreRawLog(sessionID, executorID, content string) (string, error) {
	st, err := s.session(sessionID)
	if err != nil {
		return "", err
	}
	fileName := fmt.Sprintf("%s-%d.log", executorID, time.Now().UTC().UnixNano())
	path := filepath.Join(st.dir, "raw_logs", fileName)
	if err := os.WriteFile(path, []byte(content), 0o444); err != nil {
		return "", fmt.Errorf("writing raw log: %w", err)
	}
	return path, nil
}

// VerifyRawLogs confirms every path in an evidence record's raw_evidence_refs
// still exists on disk, raising ErrRawLogMissing otherwise.
func (s *Store) VerifyRawLogs(sessionID, evidenceID string) error {
	ev, err := s.GetEvidence(sessionID, evidenceID)
	if err != nil {
		return err
	}
	for _, ref := range ev.RawEvidenceRefs {
		if _, err := os.Stat(ref); err != nil {
			return fmt.Errorf("%w: %s", ErrRawLogMissing, ref)
		}
	}
	return nil
}

// GetEvidenceInventory cross-references registered operations against
// recorded evidence, listing any registered operation lacking a matching
// evidence record.
func (s *Store) GetEvidenceInventory(sessionID string) (*Inventory, error) {
	st, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return s.getEvidenceInventoryLocked(st)
}

// FinalizeSession seals the session: writes evidence_index.json,
// evidence_index.sha256 (hashing only the index bytes), and report.json.
// Finalizing an already-sealed session is idempotent and returns the
// existing index unchanged.
func (s *Store) FinalizeSession(sessionID string) (*Index, error) {
	st, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.finalized {
		return s.readIndex(st.dir)
	}

	items := make([]IndexEntry, 0, len(st.order))
	for _, id := range st.order {
		ev, err := s.readRecord(st.dir, id)
		if err != nil {
			return nil, err
		}
		items = append(items, IndexEntry{
			EvidenceID:    ev.EvidenceID,
			OperationType: ev.OperationType,
			Timestamp:     ev.Timestamp,
			Hash:          ev.Hash,
		})
	}

	now := time.Now().UTC()
	idx := Index{
		SessionID:     sessionID,
		CreatedAt:     st.createdAt,
		FinalizedAt:   now,
		EvidenceItems: items,
		TotalItems:    len(items),
	}

	indexData, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshalling evidence index: %w", err)
	}
	indexPath := filepath.Join(st.dir, "evidence_index.json")
	if err := os.WriteFile(indexPath, indexData, 0o644); err != nil {
		return nil, fmt.Errorf("writing evidence index: %w", err)
	}

	sum := hashBytes(indexData)
	if err := os.WriteFile(filepath.Join(st.dir, "evidence_index.sha256"), []byte(sum), 0o444); err != nil {
		return nil, fmt.Errorf("writing evidence index sha256: %w", err)
	}

	inv, err := s.getEvidenceInventoryLocked(st)
	if err != nil {
		return nil, err
	}
	missing := inv.Missing

	verdict := "COMPLETE"
	if len(missing) > 0 {
		verdict = "INCOMPLETE"
	}
	report := Report{
		SessionID:         sessionID,
		FinalizedAt:       now,
		TotalEvidence:     len(items),
		MissingOperations: missing,
		Verdict:           verdict,
	}
	reportData, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshalling report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(st.dir, "report.json"), reportData, 0o644); err != nil {
		return nil, fmt.Errorf("writing report: %w", err)
	}

	st.finalized = true
	st.finalizedAt = now
	if err := s.persistMeta(st); err != nil {
		return nil, err
	}

	return &idx, nil
}

// readIndex loads a previously sealed evidence_index.json.
func (s *Store) readIndex(sessionDir string) (*Index, error) {
	data, err := os.ReadFile(filepath.Join(sessionDir, "evidence_index.json"))
	if err != nil {
		return nil, fmt.Errorf("reading evidence index: %w", err)
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("unmarshalling evidence index: %w", err)
	}
	return &idx, nil
}

// getEvidenceInventoryLocked is GetEvidenceInventory's body, callable while
// st.mu is already held (finalizeSession needs it without re-locking).
func (s *Store) getEvidenceInventoryLocked(st *sessionState) (*Inventory, error) {
	recordedOps := make(map[string]bool, len(st.order))
	recordedList := make([]string, 0, len(st.order))
	for _, id := range st.order {
		ev, err := s.readRecord(st.dir, id)
		if err != nil {
			return nil, err
		}
		if ev.OperationID != "" {
			recordedOps[ev.OperationID] = true
			recordedList = append(recordedList, ev.OperationID)
		}
	}
	var missing []string
	for _, op := range st.registeredOps {
		if !recordedOps[op] {
			missing = append(missing, op)
		}
	}
	return &Inventory{Registered: append([]string(nil), st.registeredOps...), Recorded: recordedList, Missing: missing}, nil
}

// VerifySessionIntegrity re-reads evidence_index.json, recomputes the
// sha256 of its bytes, and compares against evidence_index.sha256. Any
// post-finalization byte difference is tamper.
func (s *Store) VerifySessionIntegrity(sessionID string) error {
	st, err := s.session(sessionID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	dir := st.dir
	st.mu.Unlock()

	indexData, err := os.ReadFile(filepath.Join(dir, "evidence_index.json"))
	if err != nil {
		return fmt.Errorf("reading evidence index: %w", err)
	}
	wantSum, err := os.ReadFile(filepath.Join(dir, "evidence_index.sha256"))
	if err != nil {
		return fmt.Errorf("reading evidence index sha256: %w", err)
	}
	if hashBytes(indexData) != string(wantSum) {
		return ErrIndexCorruption
	}
	return nil
}

// FinalizeOpenSessions seals every initialized session that has not been
// finalized yet. Called at teardown so an interrupted run still leaves a
// verifiable index behind. Returns how many sessions were finalized; the
// first error aborts the sweep.
func (s *Store) FinalizeOpenSessions() (int, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id, st := range s.sessions {
		if !st.finalized {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	finalized := 0
	for _, id := range ids {
		if _, err := s.FinalizeSession(id); err != nil {
			return finalized, err
		}
		finalized++
	}
	return finalized, nil
}

// PruneSessionsBefore removes the on-disk directory (records, raw logs,
// index, report) for every finalized session whose finalizedAt is older
// than cutoff. Sessions that were never finalized are left untouched, since
// a still-open session can't yet be judged safe to discard. Returns the
// number of sessions removed.
func (s *Store) PruneSessionsBefore(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading evidence base dir: %w", err)
	}

	pruned := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sessionID := entry.Name()
		dir := filepath.Join(s.baseDir, sessionID)

		data, err := os.ReadFile(filepath.Join(dir, "session_meta.json"))
		if err != nil {
			continue
		}
		var meta sessionMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		if !meta.Finalized || !meta.FinalizedAt.Before(cutoff) {
			continue
		}

		if err := os.RemoveAll(dir); err != nil {
			return pruned, fmt.Errorf("removing evidence dir for session %s: %w", sessionID, err)
		}

		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
		pruned++
	}
	return pruned, nil
}
