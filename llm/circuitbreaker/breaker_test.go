package circuitbreaker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChrisSc/prompt-chaining-sub000/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func transientErr() error {
	return types.NewError(types.ErrUpstreamError, "upstream 500").WithRetryable(true)
}

// ---------------------------------------------------------------------------
// DefaultConfig
// ---------------------------------------------------------------------------

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.OpenTimeout)
	assert.Equal(t, 1, cfg.HalfOpenMaxCalls)
	assert.Nil(t, cfg.OnStateChange)
}

// ---------------------------------------------------------------------------
// New
// ---------------------------------------------------------------------------

func TestNew(t *testing.T) {
	tests := []struct {
		name              string
		cfg               *Config
		wantThreshold     int
		wantOpenTimeout   time.Duration
		wantHalfOpenCalls int
	}{
		{
			name:              "nil config uses defaults",
			cfg:               nil,
			wantThreshold:     3,
			wantOpenTimeout:   30 * time.Second,
			wantHalfOpenCalls: 1,
		},
		{
			name: "zero values corrected to defaults",
			cfg: &Config{
				FailureThreshold: 0,
				OpenTimeout:      0,
				HalfOpenMaxCalls: -1,
			},
			wantThreshold:     3,
			wantOpenTimeout:   30 * time.Second,
			wantHalfOpenCalls: 1,
		},
		{
			name: "custom values preserved",
			cfg: &Config{
				FailureThreshold: 5,
				OpenTimeout:      10 * time.Second,
				HalfOpenMaxCalls: 2,
			},
			wantThreshold:     5,
			wantOpenTimeout:   10 * time.Second,
			wantHalfOpenCalls: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := New(tt.cfg, zap.NewNop())
			require.NotNil(t, cb)
			assert.Equal(t, StateClosed, cb.State())

			b := cb.(*breaker)
			assert.Equal(t, tt.wantThreshold, b.config.FailureThreshold)
			assert.Equal(t, tt.wantOpenTimeout, b.config.OpenTimeout)
			assert.Equal(t, tt.wantHalfOpenCalls, b.config.HalfOpenMaxCalls)
		})
	}
}

// ---------------------------------------------------------------------------
// State.String()
// ---------------------------------------------------------------------------

func TestState_String(t *testing.T) {
	assert.Equal(t, "Closed", StateClosed.String())
	assert.Equal(t, "Open", StateOpen.String())
	assert.Equal(t, "HalfOpen", StateHalfOpen.String())
	assert.Equal(t, "Unknown", State(99).String())
}

// ---------------------------------------------------------------------------
// Closed -> Open after exactly threshold consecutive failures
// ---------------------------------------------------------------------------

func TestBreaker_ClosedToOpen(t *testing.T) {
	threshold := 3
	cb := New(&Config{
		FailureThreshold: threshold,
		OpenTimeout:      1 * time.Hour,
	}, zap.NewNop())

	// Fail threshold-1 times: still closed
	for i := 0; i < threshold-1; i++ {
		err := cb.Call(context.Background(), func() error { return transientErr() })
		assert.Error(t, err)
		assert.Equal(t, StateClosed, cb.State())
	}

	// One more failure trips the breaker
	err := cb.Call(context.Background(), func() error { return transientErr() })
	assert.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())

	// The very next call is rejected without invoking fn
	invoked := false
	err = cb.Call(context.Background(), func() error { invoked = true; return nil })
	assert.Equal(t, types.ErrCircuitOpen, types.GetErrorCode(err))
	assert.False(t, invoked)
}

// ---------------------------------------------------------------------------
// Non-transient failures do not count toward the breaker
// ---------------------------------------------------------------------------

func TestBreaker_NonTransientDoesNotTrip(t *testing.T) {
	cb := New(&Config{
		FailureThreshold: 2,
		OpenTimeout:      1 * time.Hour,
	}, zap.NewNop())

	authErr := types.NewError(types.ErrUnauthorized, "bad key")
	for i := 0; i < 10; i++ {
		err := cb.Call(context.Background(), func() error { return authErr })
		assert.Error(t, err)
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
}

// ---------------------------------------------------------------------------
// Open -> HalfOpen -> Closed (recovery)
// ---------------------------------------------------------------------------

func TestBreaker_OpenToHalfOpenToClosed(t *testing.T) {
	cb := New(&Config{
		FailureThreshold: 1,
		OpenTimeout:      50 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	}, zap.NewNop())

	_ = cb.Call(context.Background(), func() error { return transientErr() })
	require.Equal(t, StateOpen, cb.State())

	// Before the open timeout elapses: still rejected
	err := cb.Call(context.Background(), func() error { return nil })
	assert.Equal(t, types.ErrCircuitOpen, types.GetErrorCode(err))

	time.Sleep(80 * time.Millisecond)

	// Next call is attempted (half-open probe) and succeeds
	err = cb.Call(context.Background(), func() error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

// ---------------------------------------------------------------------------
// HalfOpen -> Open on failed probe
// ---------------------------------------------------------------------------

func TestBreaker_HalfOpenToOpen(t *testing.T) {
	cb := New(&Config{
		FailureThreshold: 1,
		OpenTimeout:      50 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	}, zap.NewNop())

	_ = cb.Call(context.Background(), func() error { return transientErr() })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(80 * time.Millisecond)

	err := cb.Call(context.Background(), func() error { return transientErr() })
	assert.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
}

// ---------------------------------------------------------------------------
// HalfOpen probe limit
// ---------------------------------------------------------------------------

func TestBreaker_HalfOpenMaxCalls(t *testing.T) {
	cb := New(&Config{
		FailureThreshold: 1,
		OpenTimeout:      50 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	}, zap.NewNop())

	_ = cb.Call(context.Background(), func() error { return transientErr() })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(80 * time.Millisecond)

	// First probe admitted; simulate it still being in flight.
	require.NoError(t, cb.Allow())

	// Second concurrent probe is rejected
	err := cb.Allow()
	assert.Equal(t, types.ErrCircuitOpen, types.GetErrorCode(err))
}

// ---------------------------------------------------------------------------
// Allow/RecordSuccess/RecordFailure (streaming admission path)
// ---------------------------------------------------------------------------

func TestBreaker_StreamingAdmission(t *testing.T) {
	cb := New(&Config{
		FailureThreshold: 2,
		OpenTimeout:      1 * time.Hour,
	}, zap.NewNop())

	require.NoError(t, cb.Allow())
	cb.RecordFailure(transientErr())
	require.NoError(t, cb.Allow())
	cb.RecordFailure(transientErr())

	assert.Equal(t, StateOpen, cb.State())
	assert.Error(t, cb.Allow())
}

// ---------------------------------------------------------------------------
// Reset
// ---------------------------------------------------------------------------

func TestBreaker_Reset(t *testing.T) {
	cb := New(&Config{
		FailureThreshold: 1,
		OpenTimeout:      1 * time.Hour,
	}, zap.NewNop())

	_ = cb.Call(context.Background(), func() error { return transientErr() })
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())

	err := cb.Call(context.Background(), func() error { return nil })
	assert.NoError(t, err)
}

// ---------------------------------------------------------------------------
// OnStateChange callback
// ---------------------------------------------------------------------------

func TestBreaker_OnStateChange(t *testing.T) {
	var mu sync.Mutex
	var transitions []struct{ from, to State }

	cb := New(&Config{
		FailureThreshold: 2,
		OpenTimeout:      50 * time.Millisecond,
	}, zap.NewNop())

	b := cb.(*breaker)
	b.config.OnStateChange = func(from, to State) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
	}

	// Trip: Closed -> Open
	_ = cb.Call(context.Background(), func() error { return transientErr() })
	_ = cb.Call(context.Background(), func() error { return transientErr() })

	// Wait for open timeout, then recover: Open -> HalfOpen -> Closed
	time.Sleep(80 * time.Millisecond)
	_ = cb.Call(context.Background(), func() error { return nil })

	// Give async callbacks time to execute
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(transitions), 2)
	assert.Equal(t, StateClosed, transitions[0].from)
	assert.Equal(t, StateOpen, transitions[0].to)
}

// ---------------------------------------------------------------------------
// Success resets failure count in Closed state
// ---------------------------------------------------------------------------

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(&Config{
		FailureThreshold: 3,
		OpenTimeout:      1 * time.Hour,
	}, zap.NewNop())

	_ = cb.Call(context.Background(), func() error { return transientErr() })
	_ = cb.Call(context.Background(), func() error { return transientErr() })

	// Success resets the consecutive-failure count
	_ = cb.Call(context.Background(), func() error { return nil })

	_ = cb.Call(context.Background(), func() error { return transientErr() })
	_ = cb.Call(context.Background(), func() error { return transientErr() })
	assert.Equal(t, StateClosed, cb.State())
}

// ---------------------------------------------------------------------------
// Concurrent safety
// ---------------------------------------------------------------------------

func TestBreaker_ConcurrentSafety(t *testing.T) {
	cb := New(&Config{
		FailureThreshold: 100,
		OpenTimeout:      50 * time.Millisecond,
	}, zap.NewNop())

	var wg sync.WaitGroup
	var successCount atomic.Int64

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := cb.Call(context.Background(), func() error { return nil })
			if err == nil {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int64(50), successCount.Load())
	assert.Equal(t, StateClosed, cb.State())
}
