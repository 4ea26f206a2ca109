package retry_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pm-runner/pmrunner/pkg/apierrors"
	"github.com/pm-runner/pmrunner/pkg/executor"
	"github.com/pm-runner/pmrunner/pkg/retry"
	"github.com/pm-runner/pmrunner/pkg/review"
)

func TestClassify_RateLimitFromErrorMessage(t *testing.T) {
	ft := retry.Classify(nil, nil, errors.New("request failed: 429 rate limit exceeded"))
	assert.Equal(t, retry.FailureRateLimit, ft)
}

func TestClassify_FatalFromAuthError(t *testing.T) {
	ft := retry.Classify(nil, nil, errors.New("401 unauthorized"))
	assert.Equal(t, retry.FailureFatal, ft)
}

func TestClassify_TransientFromServerError(t *testing.T) {
	ft := retry.Classify(nil, nil, errors.New("upstream returned 503"))
	assert.Equal(t, retry.FailureTransient, ft)
}

func TestClassify_TimeoutFromResultStatus(t *testing.T) {
	ft := retry.Classify(&executor.Result{Status: executor.StatusTimeout}, nil, nil)
	assert.Equal(t, retry.FailureTimeout, ft)
}

func TestClassify_QualityFromJudgment(t *testing.T) {
	judgment := &review.Judgment{Verdict: review.VerdictReject}
	ft := retry.Classify(&executor.Result{Status: executor.StatusComplete}, judgment, nil)
	assert.Equal(t, retry.FailureQuality, ft)
}

func TestClassify_IncompleteFromOmissionMarker(t *testing.T) {
	ft := retry.Classify(&executor.Result{Output: "// etc.", Status: executor.StatusComplete}, nil, nil)
	assert.Equal(t, retry.FailureIncomplete, ft)
}

func TestClassify_FatalFromCodedLifecycleError(t *testing.T) {
	// A review loop that exhausts max_iterations surfaces an E205 lifecycle
	// error; re-running the whole loop is never the right recovery.
	err := apierrors.Newf(apierrors.ELifecycleDecomposition, nil, "max_iterations reached")
	ft := retry.Classify(&executor.Result{Status: executor.StatusIncomplete}, nil, err)
	assert.Equal(t, retry.FailureFatal, ft)
}

func TestClassify_NonFatalCodedErrorFallsThrough(t *testing.T) {
	err := apierrors.Newf(apierrors.ECfgSchema, nil, "bad schema")
	ft := retry.Classify(nil, nil, err)
	assert.Equal(t, retry.FailureUnknown, ft)
}

func TestClassify_UnknownFallback(t *testing.T) {
	ft := retry.Classify(&executor.Result{Output: "ok", Status: executor.StatusComplete}, nil, nil)
	assert.Equal(t, retry.FailureUnknown, ft)
}
