package license

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"licensectl/internal/provisioning"
)

// Verdict is the answer of a response classifier for a failed remote call.
type Verdict int

const (
	// VerdictContinue stops retrying and falls through to the generic error
	// mapping.
	VerdictContinue Verdict = iota

	// VerdictRetry loops again immediately, consuming one retry credit.
	VerdictRetry

	// VerdictAbort stops immediately with neither result nor error message;
	// the classifier has already handled the response.
	VerdictAbort
)

const (
	maxRetryCount = 1
)

// retryWaitTime is the fixed backoff between transient-failure attempts.
// Variable so tests do not have to sleep for real.
var retryWaitTime = 10 * time.Second

// resilientCall invokes a remote operation with bounded retry. The input is
// produced per attempt so a retry can supply fresh data. A 200 response
// returns the result; 503/504 wait out the backoff and consume a retry
// credit; every other failure is offered to the classifier. When retries are
// exhausted the response is mapped to an error message: 409 carries the
// remote error id, everything else the raw status. Transport errors are
// caught and tagged with the calling operation.
//
// Exactly one of (result, message) is non-zero, except after VerdictAbort
// where both are zero.
func resilientCall[In any, Out any](
	ctx context.Context,
	caller string,
	fn func(context.Context, *In) (*provisioning.Response[Out], error),
	input func() *In,
	classify func(*provisioning.Response[Out]) Verdict,
) (*Out, string) {
	if classify == nil {
		classify = func(*provisioning.Response[Out]) Verdict { return VerdictContinue }
	}

	var resp *provisioning.Response[Out]

	retryCountdown := maxRetryCount
	for retryCountdown >= 0 {
		var err error
		resp, err = fn(ctx, input())
		if err != nil {
			return nil, fmt.Sprintf("%s failed: %v", caller, err)
		}

		if resp.StatusCode == http.StatusOK {
			return resp.Result, ""
		}

		if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusGatewayTimeout {
			retryCountdown--
			if retryCountdown >= 0 {
				select {
				case <-time.After(retryWaitTime):
				case <-ctx.Done():
					return nil, fmt.Sprintf("%s failed: %v", caller, ctx.Err())
				}
				continue
			}
		}

		switch classify(resp) {
		case VerdictContinue:
			retryCountdown = -1
		case VerdictRetry:
			// Bounded, unlike a plain loop: a classifier that always asks
			// for a retry cannot spin forever.
			retryCountdown--
		case VerdictAbort:
			return nil, ""
		}
	}

	if resp.StatusCode == http.StatusConflict && resp.Error != nil {
		return nil, fmt.Sprintf("licensing error %d: %s", resp.Error.ID, resp.Error.Message)
	}
	return nil, fmt.Sprintf("licensing error %d: %s", resp.StatusCode, resp.Message)
}
