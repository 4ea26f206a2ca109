package retry

import (
	"errors"
	"regexp"
	"strings"

	"github.com/pm-runner/pmrunner/pkg/apierrors"
	"github.com/pm-runner/pmrunner/pkg/executor"
	"github.com/pm-runner/pmrunner/pkg/review"
)

var (
	rateLimitRe = regexp.MustCompile(`\b429\b|rate.?limit`)
	fatalAuthRe = regexp.MustCompile(`\b401\b|\b403\b|unauthorized|forbidden|authentication failed`)
	transientRe = regexp.MustCompile(`\b5\d{2}\b|connection reset|timeout dialing|network`)
)

// Classify determines the FailureType of one failed attempt.
// judgment may be nil when the call errored before a gate evaluation ran
// (e.g. the executor itself failed); err carries that underlying error.
func Classify(result *executor.Result, judgment *review.Judgment, err error) FailureType {
	if err != nil {
		// A Fatal CodedError (E2xx lifecycle violations like review-loop
		// exhaustion, E301 evidence-collection failures, ...) ends the session without
		// recovery; re-running the whole loop would just repeat it.
		var coded *apierrors.CodedError
		if errors.As(err, &coded) && coded.Fatal() {
			return FailureFatal
		}

		msg := strings.ToLower(err.Error())
		switch {
		case rateLimitRe.MatchString(msg):
			return FailureRateLimit
		case fatalAuthRe.MatchString(msg):
			return FailureFatal
		case transientRe.MatchString(msg):
			return FailureTransient
		}
	}

	if result != nil && result.Status == executor.StatusTimeout {
		return FailureTimeout
	}

	if judgment != nil && judgment.Verdict != review.VerdictPass {
		return FailureQuality
	}

	if result != nil && hasOmissionMarker(result.Output) {
		return FailureIncomplete
	}

	if err != nil {
		return FailureUnknown
	}
	return FailureUnknown
}

func hasOmissionMarker(output string) bool {
	for _, marker := range []string{"…", "// 残り省略", "// etc.", "// 以下同様"} {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}

// nonRetryable reports whether a FailureType should never be retried
// regardless of remaining attempts.
func nonRetryable(ft FailureType) bool {
	return ft == FailureFatal
}
