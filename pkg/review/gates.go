// Package review implements the ReviewLoop quality gates: six fixed Q1-Q6
// gates evaluated against one Executor invocation, plus the bounded
// iteration loop that pairs a gate verdict with a modification prompt on
// REJECT. The gate functions are pure and deterministic — a pass/fail per
// named gate, never a numeric judgment.
package review

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pm-runner/pmrunner/pkg/executor"
)

// Verdict is the ReviewLoop's per-iteration or final outcome.
type Verdict string

// Verdicts.
const (
	VerdictPass     Verdict = "PASS"
	VerdictReject   Verdict = "REJECT"
	VerdictRetry    Verdict = "RETRY"
	VerdictEscalate Verdict = "ESCALATE"
)

// GateName identifies one of the six fixed quality gates.
type GateName string

// Gate names.
const (
	GateFilesVerified    GateName = "Q1_FILES_VERIFIED"
	GateNoTodo           GateName = "Q2_NO_TODO"
	GateNoOmission       GateName = "Q3_NO_OMISSION"
	GateSyntaxComplete   GateName = "Q4_SYNTAX_COMPLETE"
	GateEvidencePresence GateName = "Q5_EVIDENCE_PRESENCE"
	GateNoEarlyTerm      GateName = "Q6_NO_EARLY_TERMINATION"
)

// GateResult is the outcome of one gate check.
type GateResult struct {
	Gate   GateName `json:"gate"`
	Passed bool     `json:"passed"`
	Detail string   `json:"detail"`
}

// Judgment is the aggregate outcome of all six gates for one iteration.
type Judgment struct {
	Verdict     Verdict      `json:"verdict"`
	Gates       []GateResult `json:"gates"`
	FailedGates []GateName   `json:"failed_gates,omitempty"`
}

// omissionMarkers are the literal strings Q3 must find absent.
var omissionMarkers = []string{"…", "// 残り省略", "// etc.", "// 以下同様"}

// todoMarkers are the literal strings Q2 must find absent.
var todoMarkers = []string{"TODO", "FIXME", "TBD"}

// earlyTerminationPhrases trigger the Q6 cross-check with Q5.
var earlyTerminationPhrases = []string{"完了しました", "これで完了です", "以上です", "Done."}

// Evaluate runs all six gates against one Executor result.
// workingDir is used to read back the content of verified files for the
// textual gates (Q2/Q3/Q4), since the Executor result itself carries only
// paths and existence flags.
func Evaluate(result *executor.Result, workingDir string) Judgment {
	content := readVerifiedContent(result, workingDir)
	combined := result.Output + "\n" + content

	gates := []GateResult{
		checkFilesVerified(result),
		checkNoTodo(combined),
		checkNoOmission(combined),
		checkSyntaxComplete(combined),
		checkEvidencePresence(result),
		{}, // placeholder, filled below (Q6 depends on Q5's result)
	}
	q5 := gates[4]
	gates[5] = checkNoEarlyTermination(result.Output, q5)

	var failed []GateName
	allPass := true
	for _, g := range gates {
		if !g.Passed {
			allPass = false
			failed = append(failed, g.Gate)
		}
	}

	verdict := VerdictReject
	if allPass {
		verdict = VerdictPass
	}
	return Judgment{Verdict: verdict, Gates: gates, FailedGates: failed}
}

func readVerifiedContent(result *executor.Result, workingDir string) string {
	var b strings.Builder
	for _, vf := range result.VerifiedFiles {
		if !vf.Exists {
			continue
		}
		path := vf.Path
		if !filepath.IsAbs(path) && workingDir != "" {
			path = filepath.Join(workingDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		b.Write(data)
		b.WriteByte('\n')
	}
	return b.String()
}

// checkFilesVerified is Q1: every verified_file must exist, and if files
// were claimed modified, at least one must have been actually verified.
func checkFilesVerified(result *executor.Result) GateResult {
	for _, vf := range result.VerifiedFiles {
		if !vf.Exists {
			return GateResult{Gate: GateFilesVerified, Passed: false, Detail: "verified file missing on disk: " + vf.Path}
		}
	}
	if len(result.FilesModified) > 0 && len(result.VerifiedFiles) == 0 {
		return GateResult{Gate: GateFilesVerified, Passed: false, Detail: "files_modified claimed but none verified"}
	}
	return GateResult{Gate: GateFilesVerified, Passed: true}
}

// checkNoTodo is Q2.
func checkNoTodo(text string) GateResult {
	for _, marker := range todoMarkers {
		if strings.Contains(text, marker) {
			return GateResult{Gate: GateNoTodo, Passed: false, Detail: "found marker: " + marker}
		}
	}
	return GateResult{Gate: GateNoTodo, Passed: true}
}

// checkNoOmission is Q3.
func checkNoOmission(text string) GateResult {
	for _, marker := range omissionMarkers {
		if strings.Contains(text, marker) {
			return GateResult{Gate: GateNoOmission, Passed: false, Detail: "found omission marker: " + marker}
		}
	}
	return GateResult{Gate: GateNoOmission, Passed: true}
}

// checkSyntaxComplete is Q4: brace/bracket/paren counts must balance.
func checkSyntaxComplete(text string) GateResult {
	pairs := map[rune]rune{'}': '{', ')': '(', ']': '['}
	var stack []rune
	for _, r := range text {
		switch r {
		case '{', '(', '[':
			stack = append(stack, r)
		case '}', ')', ']':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[r] {
				return GateResult{Gate: GateSyntaxComplete, Passed: false, Detail: "unbalanced delimiter near " + string(r)}
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) != 0 {
		return GateResult{Gate: GateSyntaxComplete, Passed: false, Detail: "unclosed delimiter, output appears truncated"}
	}
	return GateResult{Gate: GateSyntaxComplete, Passed: true}
}

// checkEvidencePresence is Q5.
func checkEvidencePresence(result *executor.Result) GateResult {
	if result.Status == executor.StatusNoEvidence {
		return GateResult{Gate: GateEvidencePresence, Passed: false, Detail: "executor reported NO_EVIDENCE"}
	}
	hasVerified := false
	for _, vf := range result.VerifiedFiles {
		if vf.Exists {
			hasVerified = true
			break
		}
	}
	ok := hasVerified || (result.Status == executor.StatusComplete && len(result.FilesModified) > 0)
	detail := ""
	if !ok {
		detail = "no verified file and no (COMPLETE + files_modified)"
	}
	return GateResult{Gate: GateEvidencePresence, Passed: ok, Detail: detail}
}

// checkNoEarlyTermination is Q6: if the output claims completion, Q5 must
// also have passed.
func checkNoEarlyTermination(output string, q5 GateResult) GateResult {
	claimsDone := false
	for _, phrase := range earlyTerminationPhrases {
		if strings.Contains(output, phrase) {
			claimsDone = true
			break
		}
	}
	if !claimsDone {
		return GateResult{Gate: GateNoEarlyTerm, Passed: true}
	}
	if !q5.Passed {
		return GateResult{Gate: GateNoEarlyTerm, Passed: false, Detail: "claims completion without evidence"}
	}
	return GateResult{Gate: GateNoEarlyTerm, Passed: true}
}
