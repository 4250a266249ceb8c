package license

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensectl/internal/provisioning"
)

type fakeIn struct{ Attempt int }

func withFastRetry(t *testing.T) {
	t.Helper()
	old := retryWaitTime
	retryWaitTime = time.Millisecond
	t.Cleanup(func() { retryWaitTime = old })
}

func TestResilientCallReturnsResultOn200(t *testing.T) {
	result := "ok"
	calls := 0

	got, errMsg := resilientCall(context.Background(), "Test",
		func(ctx context.Context, in *fakeIn) (*provisioning.Response[string], error) {
			calls++
			return &provisioning.Response[string]{StatusCode: 200, Result: &result}, nil
		},
		func() *fakeIn { return &fakeIn{} },
		nil,
	)

	require.NotNil(t, got)
	assert.Equal(t, "ok", *got)
	assert.Empty(t, errMsg)
	assert.Equal(t, 1, calls)
}

func TestResilientCallRetriesTransientFailureOnce(t *testing.T) {
	withFastRetry(t)

	result := "ok"
	calls := 0

	got, errMsg := resilientCall(context.Background(), "Test",
		func(ctx context.Context, in *fakeIn) (*provisioning.Response[string], error) {
			calls++
			if calls == 1 {
				return &provisioning.Response[string]{StatusCode: 503, Message: "unavailable"}, nil
			}
			return &provisioning.Response[string]{StatusCode: 200, Result: &result}, nil
		},
		func() *fakeIn { return &fakeIn{} },
		nil,
	)

	require.NotNil(t, got)
	assert.Empty(t, errMsg)
	assert.Equal(t, 2, calls)
}

func TestResilientCallExhaustsRetriesAndClassifies(t *testing.T) {
	withFastRetry(t)

	calls := 0
	classified := 0

	got, errMsg := resilientCall(context.Background(), "Test",
		func(ctx context.Context, in *fakeIn) (*provisioning.Response[string], error) {
			calls++
			return &provisioning.Response[string]{StatusCode: 503, Message: "unavailable"}, nil
		},
		func() *fakeIn { return &fakeIn{} },
		func(resp *provisioning.Response[string]) Verdict {
			classified++
			// The classifier only sees the transient status once retries ran out.
			assert.Equal(t, 503, resp.StatusCode)
			return VerdictContinue
		},
	)

	assert.Nil(t, got)
	assert.Equal(t, "licensing error 503: unavailable", errMsg)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, classified)
}

func TestResilientCallMapsConflictErrorID(t *testing.T) {
	got, errMsg := resilientCall(context.Background(), "Test",
		func(ctx context.Context, in *fakeIn) (*provisioning.Response[string], error) {
			return &provisioning.Response[string]{
				StatusCode: 409,
				Error:      &provisioning.ErrorInfo{ID: 2006, Message: "Unknown client"},
			}, nil
		},
		func() *fakeIn { return &fakeIn{} },
		nil,
	)

	assert.Nil(t, got)
	assert.Equal(t, "licensing error 2006: Unknown client", errMsg)
}

func TestResilientCallAbortReturnsNothing(t *testing.T) {
	got, errMsg := resilientCall(context.Background(), "Test",
		func(ctx context.Context, in *fakeIn) (*provisioning.Response[string], error) {
			return &provisioning.Response[string]{StatusCode: 409, Error: &provisioning.ErrorInfo{ID: 1}}, nil
		},
		func() *fakeIn { return &fakeIn{} },
		func(*provisioning.Response[string]) Verdict { return VerdictAbort },
	)

	assert.Nil(t, got)
	assert.Empty(t, errMsg)
}

func TestResilientCallRetryVerdictIsBounded(t *testing.T) {
	calls := 0

	got, errMsg := resilientCall(context.Background(), "Test",
		func(ctx context.Context, in *fakeIn) (*provisioning.Response[string], error) {
			calls++
			return &provisioning.Response[string]{StatusCode: 409, Error: &provisioning.ErrorInfo{ID: 2002, Message: "unassigned"}}, nil
		},
		func() *fakeIn { return &fakeIn{} },
		func(*provisioning.Response[string]) Verdict { return VerdictRetry },
	)

	assert.Nil(t, got)
	assert.Equal(t, "licensing error 2002: unassigned", errMsg)
	// One initial attempt plus one classifier-requested retry.
	assert.Equal(t, 2, calls)
}

func TestResilientCallRetrySuppliesFreshInput(t *testing.T) {
	attempt := 0
	result := "ok"

	got, _ := resilientCall(context.Background(), "Test",
		func(ctx context.Context, in *fakeIn) (*provisioning.Response[string], error) {
			if in.Attempt < 2 {
				return &provisioning.Response[string]{StatusCode: 409}, nil
			}
			return &provisioning.Response[string]{StatusCode: 200, Result: &result}, nil
		},
		func() *fakeIn {
			attempt++
			return &fakeIn{Attempt: attempt}
		},
		func(*provisioning.Response[string]) Verdict { return VerdictRetry },
	)

	require.NotNil(t, got)
	assert.Equal(t, 2, attempt)
}

func TestResilientCallTagsTransportError(t *testing.T) {
	got, errMsg := resilientCall(context.Background(), "AddHeartbeat",
		func(ctx context.Context, in *fakeIn) (*provisioning.Response[string], error) {
			return nil, fmt.Errorf("connection refused")
		},
		func() *fakeIn { return &fakeIn{} },
		nil,
	)

	assert.Nil(t, got)
	assert.Equal(t, "AddHeartbeat failed: connection refused", errMsg)
}

func TestResilientCallHonorsContextDuringBackoff(t *testing.T) {
	old := retryWaitTime
	retryWaitTime = time.Minute
	t.Cleanup(func() { retryWaitTime = old })

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		got, errMsg := resilientCall(ctx, "Test",
			func(ctx context.Context, in *fakeIn) (*provisioning.Response[string], error) {
				return &provisioning.Response[string]{StatusCode: 503}, nil
			},
			func() *fakeIn { return &fakeIn{} },
			nil,
		)
		assert.Nil(t, got)
		assert.Contains(t, errMsg, "context canceled")
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("resilient call did not observe cancellation")
	}
}
