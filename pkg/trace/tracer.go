package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Tracer opens and writes one JSONL file per task under <state>/traces.
type Tracer struct {
	baseDir string

	mu    sync.Mutex
	files map[string]*taskFile
}

type taskFile struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	sessionID string
	taskID    string
}

// New returns a Tracer rooted at baseDir (typically <state_dir>/traces).
func New(baseDir string) *Tracer {
	return &Tracer{baseDir: baseDir, files: make(map[string]*taskFile)}
}

// Open creates the JSONL file for a task: conversation-<task_id>-<ts>.jsonl.
// Calling Open again for a task already open returns the existing handle.
func (t *Tracer) Open(sessionID, taskID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tf, ok := t.files[taskID]; ok {
		return tf.path, nil
	}

	if err := os.MkdirAll(t.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("creating trace dir: %w", err)
	}

	ts := time.Now().UTC().Format("20060102T150405.000000000")
	fileName := fmt.Sprintf("conversation-%s-%s.jsonl", taskID, ts)
	path := filepath.Join(t.baseDir, fileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("opening trace file: %w", err)
	}

	t.files[taskID] = &taskFile{path: path, file: f, sessionID: sessionID, taskID: taskID}
	return path, nil
}

// Log appends one trace entry as a single JSON line.
func (t *Tracer) Log(taskID string, event EventKind, data map[string]any, opts Options) error {
	t.mu.Lock()
	tf, ok := t.files[taskID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("trace: task %s has no open trace file; call Open first", taskID)
	}

	entry := Entry{
		Timestamp:      time.Now().UTC(),
		Event:          event,
		SessionID:      tf.sessionID,
		TaskID:         taskID,
		IterationIndex: opts.IterationIndex,
		SubtaskID:      opts.SubtaskID,
		Data:           data,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshalling trace entry: %w", err)
	}
	line = append(line, '\n')

	tf.mu.Lock()
	defer tf.mu.Unlock()
	if _, err := tf.file.Write(line); err != nil {
		return fmt.Errorf("appending trace entry: %w", err)
	}
	return nil
}

// Close closes a task's trace file. Safe to call on a task with no open file.
func (t *Tracer) Close(taskID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tf, ok := t.files[taskID]
	if !ok {
		return nil
	}
	delete(t.files, taskID)
	return tf.file.Close()
}

// PathFor returns the currently open trace file path for a task, if any.
func (t *Tracer) PathFor(taskID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tf, ok := t.files[taskID]
	if !ok {
		return "", false
	}
	return tf.path, true
}

// VerifyConversationTrace streams path line by line, reporting per-line
// JSON validity, event kind counts, and a derived total iteration count of
// max(iteration_index)+1.
func VerifyConversationTrace(path string) (*VerifyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening trace file for verify: %w", err)
	}
	defer f.Close()

	result := &VerifyResult{Path: path, EventCounts: make(map[string]int)}
	maxIteration := -1

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		result.TotalLines++
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			result.InvalidLines = append(result.InvalidLines, lineNo)
			continue
		}
		result.ValidLines++
		result.EventCounts[string(entry.Event)]++
		if entry.IterationIndex != nil && *entry.IterationIndex > maxIteration {
			maxIteration = *entry.IterationIndex
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading trace file: %w", err)
	}

	if maxIteration >= 0 {
		result.TotalIterations = maxIteration + 1
	}
	return result, nil
}
