package llm_test

import (
	"context"
	"testing"
	"time"

	"github.com/ChrisSc/prompt-chaining-sub000/llm"
	"github.com/ChrisSc/prompt-chaining-sub000/llm/circuitbreaker"
	"github.com/ChrisSc/prompt-chaining-sub000/llm/retry"
	"github.com/ChrisSc/prompt-chaining-sub000/testutil/mocks"
	"github.com/ChrisSc/prompt-chaining-sub000/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastRetryer(maxAttempts int) retry.Retryer {
	return retry.NewBackoffRetryer(&retry.Policy{
		MaxAttempts: maxAttempts,
		Multiplier:  0.001,
		MaxDelay:    5 * time.Millisecond,
	}, zap.NewNop())
}

func testBreaker(threshold int) circuitbreaker.CircuitBreaker {
	return circuitbreaker.New(&circuitbreaker.Config{
		FailureThreshold: threshold,
		OpenTimeout:      time.Hour,
		HalfOpenMaxCalls: 1,
	}, zap.NewNop())
}

func chatReq() *llm.ChatRequest {
	return &llm.ChatRequest{
		TraceID:  "trace-1",
		Model:    "mock-model",
		Messages: []types.Message{types.NewUserMessage("hi")},
	}
}

// ---------------------------------------------------------------------------
// Completion: retry then success
// ---------------------------------------------------------------------------

func TestResilientProvider_CompletionRetriesTransient(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithResponse("recovered").
		WithFailFirst(2, types.NewError(types.ErrUpstreamError, "500").WithRetryable(true))

	rp := llm.NewResilientProvider(provider, fastRetryer(3), testBreaker(5), zap.NewNop())

	resp, err := rp.Completion(context.Background(), chatReq())
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text())
	assert.Equal(t, 3, provider.CallCount())
}

// ---------------------------------------------------------------------------
// Completion: retry exhausted counts once toward the breaker
// ---------------------------------------------------------------------------

func TestResilientProvider_RetryExhaustedTripsBreakerOnce(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithError(types.NewError(types.ErrUpstreamError, "500").WithRetryable(true))

	breaker := testBreaker(2)
	rp := llm.NewResilientProvider(provider, fastRetryer(3), breaker, zap.NewNop())

	// First exhausted sequence: 3 provider attempts, 1 breaker failure
	_, err := rp.Completion(context.Background(), chatReq())
	require.Equal(t, types.ErrRetryExhausted, types.GetErrorCode(err))
	assert.Equal(t, 3, provider.CallCount())
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())

	// Second exhausted sequence trips the threshold-2 breaker
	_, err = rp.Completion(context.Background(), chatReq())
	require.Error(t, err)
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())

	// Third call fails fast, provider untouched
	before := provider.CallCount()
	_, err = rp.Completion(context.Background(), chatReq())
	assert.Equal(t, types.ErrCircuitOpen, types.GetErrorCode(err))
	assert.Equal(t, before, provider.CallCount())
}

// ---------------------------------------------------------------------------
// Completion: non-retryable errors bypass retry and breaker accounting
// ---------------------------------------------------------------------------

func TestResilientProvider_NonRetryablePropagates(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithError(types.NewError(types.ErrUnauthorized, "bad key"))

	breaker := testBreaker(1)
	rp := llm.NewResilientProvider(provider, fastRetryer(3), breaker, zap.NewNop())

	_, err := rp.Completion(context.Background(), chatReq())
	assert.Equal(t, types.ErrUnauthorized, types.GetErrorCode(err))
	assert.Equal(t, 1, provider.CallCount())
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())
}

// ---------------------------------------------------------------------------
// Stream: breaker admission
// ---------------------------------------------------------------------------

func TestResilientProvider_StreamRejectedWhenOpen(t *testing.T) {
	provider := mocks.NewMockProvider().WithStreamChunks("a", "b")
	breaker := testBreaker(1)
	breaker.RecordFailure(types.NewError(types.ErrUpstreamError, "500").WithRetryable(true))
	require.Equal(t, circuitbreaker.StateOpen, breaker.State())

	rp := llm.NewResilientProvider(provider, nil, breaker, zap.NewNop())
	_, err := rp.Stream(context.Background(), chatReq())
	assert.Equal(t, types.ErrCircuitOpen, types.GetErrorCode(err))
	assert.Equal(t, 0, provider.CallCount())
}

func TestResilientProvider_StreamSuccessRecordsSuccess(t *testing.T) {
	provider := mocks.NewMockProvider().WithStreamChunks("Hello", " there")
	breaker := testBreaker(3)
	breaker.RecordFailure(types.NewError(types.ErrUpstreamError, "500").WithRetryable(true))
	require.Equal(t, 1, breaker.Failures())

	rp := llm.NewResilientProvider(provider, nil, breaker, zap.NewNop())
	stream, err := rp.Stream(context.Background(), chatReq())
	require.NoError(t, err)

	var text string
	for chunk := range stream {
		text += chunk.Delta.Content
	}
	assert.Equal(t, "Hello there", text)

	// Clean completion resets the consecutive-failure count
	assert.Eventually(t, func() bool {
		return breaker.Failures() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestResilientProvider_StreamErrorRecordsFailure(t *testing.T) {
	errChunk := types.NewError(types.ErrUpstreamError, "mid-stream failure").WithRetryable(true)
	provider := mocks.NewMockProvider().WithStreamFunc(
		func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
			out := make(chan llm.StreamChunk, 2)
			out <- llm.StreamChunk{Delta: types.Message{Role: types.RoleAssistant, Content: "partial"}}
			out <- llm.StreamChunk{Err: errChunk}
			close(out)
			return out, nil
		})

	breaker := testBreaker(5)
	rp := llm.NewResilientProvider(provider, nil, breaker, zap.NewNop())

	stream, err := rp.Stream(context.Background(), chatReq())
	require.NoError(t, err)

	var sawErr bool
	for chunk := range stream {
		if chunk.Err != nil {
			sawErr = true
		}
	}
	assert.True(t, sawErr)
	assert.Equal(t, 1, breaker.Failures())
}

// ---------------------------------------------------------------------------
// Name delegation
// ---------------------------------------------------------------------------

func TestResilientProvider_Name(t *testing.T) {
	rp := llm.NewResilientProvider(mocks.NewMockProvider(), nil, nil, zap.NewNop())
	assert.Equal(t, "mock", rp.Name())
}
