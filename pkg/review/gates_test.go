package review_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pm-runner/pmrunner/pkg/executor"
	"github.com/pm-runner/pmrunner/pkg/review"
)

func TestEvaluate_AllGatesPass(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("package main\n\nfunc main() {}\n"), 0o644))

	result := &executor.Result{
		Output:        "changes applied",
		FilesModified: []string{"main.go"},
		VerifiedFiles: []executor.VerifiedFile{{Path: "main.go", Exists: true}},
		Status:        executor.StatusComplete,
	}
	judgment := review.Evaluate(result, dir)
	assert.Equal(t, review.VerdictPass, judgment.Verdict)
	assert.Empty(t, judgment.FailedGates)
}

func TestEvaluate_Q1FailsWhenVerifiedFileMissing(t *testing.T) {
	result := &executor.Result{
		Output:        "done",
		FilesModified: []string{"missing.go"},
		VerifiedFiles: []executor.VerifiedFile{{Path: "missing.go", Exists: false}},
		Status:        executor.StatusComplete,
	}
	judgment := review.Evaluate(result, t.TempDir())
	assert.Equal(t, review.VerdictReject, judgment.Verdict)
	assert.Contains(t, judgment.FailedGates, review.GateFilesVerified)
}

func TestEvaluate_Q2FailsOnTodoMarker(t *testing.T) {
	result := &executor.Result{
		Output:        "// TODO: finish this later",
		Status:        executor.StatusComplete,
		VerifiedFiles: []executor.VerifiedFile{{Path: "ok.go", Exists: true}},
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ok.go"), []byte("package main\n"), 0o644))
	judgment := review.Evaluate(result, dir)
	assert.Contains(t, judgment.FailedGates, review.GateNoTodo)
}

func TestEvaluate_Q3FailsOnOmissionMarker(t *testing.T) {
	result := &executor.Result{
		Output: "func main() {\n  // 残り省略\n}",
		Status: executor.StatusComplete,
	}
	judgment := review.Evaluate(result, t.TempDir())
	assert.Contains(t, judgment.FailedGates, review.GateNoOmission)
}

func TestEvaluate_Q4FailsOnUnbalancedBraces(t *testing.T) {
	result := &executor.Result{
		Output: "func main() {\n  fmt.Println(\"hi\")\n",
		Status: executor.StatusComplete,
	}
	judgment := review.Evaluate(result, t.TempDir())
	assert.Contains(t, judgment.FailedGates, review.GateSyntaxComplete)
}

func TestEvaluate_Q5FailsWithNoEvidence(t *testing.T) {
	result := &executor.Result{
		Output: "nothing changed",
		Status: executor.StatusIncomplete,
	}
	judgment := review.Evaluate(result, t.TempDir())
	assert.Contains(t, judgment.FailedGates, review.GateEvidencePresence)
}

func TestEvaluate_Q5FailsOnExplicitNoEvidenceStatus(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n"), 0o644))
	result := &executor.Result{
		Output:        "everything went fine",
		Status:        executor.StatusNoEvidence,
		VerifiedFiles: []executor.VerifiedFile{{Path: "a.go", Exists: true}},
	}
	judgment := review.Evaluate(result, dir)
	assert.Contains(t, judgment.FailedGates, review.GateEvidencePresence)
}

func TestEvaluate_Q6FailsOnEarlyTerminationWithoutEvidence(t *testing.T) {
	result := &executor.Result{
		Output: "完了しました",
		Status: executor.StatusIncomplete,
	}
	judgment := review.Evaluate(result, t.TempDir())
	assert.Contains(t, judgment.FailedGates, review.GateEvidencePresence)
	assert.Contains(t, judgment.FailedGates, review.GateNoEarlyTerm)
}

func TestEvaluate_Q6PassesWhenEarlyTerminationHasEvidence(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n"), 0o644))
	result := &executor.Result{
		Output:        "以上です",
		Status:        executor.StatusComplete,
		FilesModified: []string{"a.go"},
		VerifiedFiles: []executor.VerifiedFile{{Path: "a.go", Exists: true}},
	}
	judgment := review.Evaluate(result, dir)
	assert.NotContains(t, judgment.FailedGates, review.GateNoEarlyTerm)
}
