package utils

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(settings BreakerSettings) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("test", settings)
	cb.now = clock.Now
	cb.toNewGeneration(clock.Now())
	return cb, clock
}

var errBoom = errors.New("boom")

func succeed(context.Context) error { return nil }
func fail(context.Context) error    { return errBoom }

// Circuit Breaker Tests

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker("mint", BreakerSettings{})

	assert.Equal(t, "mint", cb.Name())
	assert.Equal(t, uint32(10), cb.settings.MinRequests)
	assert.Equal(t, 0.6, cb.settings.FailureRatio)
	assert.Equal(t, 30*time.Second, cb.settings.Timeout)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_ExecuteSuccessAndFailure(t *testing.T) {
	cb, _ := newTestBreaker(BreakerSettings{MinRequests: 5})
	ctx := context.Background()

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)

	counts := cb.Counts()
	assert.Equal(t, uint32(2), counts.Requests)
	assert.Equal(t, uint32(1), counts.TotalSuccesses)
	assert.Equal(t, uint32(1), counts.TotalFailures)
	assert.Equal(t, uint32(1), counts.ConsecutiveFailures)
}

func TestCircuitBreaker_CancelledContextSkipsCall(t *testing.T) {
	cb, _ := newTestBreaker(BreakerSettings{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(context.Context) error {
		t.Fatal("request must not run with a cancelled context")
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint32(0), cb.Counts().Requests)
}

func TestCircuitBreaker_ClosedToOpenToHalfOpenToClosed(t *testing.T) {
	var transitions []string
	cb, clock := newTestBreaker(BreakerSettings{
		MinRequests:  4,
		FailureRatio: 0.5,
		Timeout:      time.Minute,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	require.NoError(t, cb.Execute(ctx, succeed))
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateClosed, cb.State())
	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(ctx, func(context.Context) error {
		t.Fatal("request must not run while open")
		return nil
	})
	assert.ErrorIs(t, err, ErrOpenState)

	clock.Advance(time.Minute + time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(BreakerSettings{MinRequests: 1, FailureRatio: 0.5, Timeout: time.Second})
	ctx := context.Background()

	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())

	clock.Advance(2 * time.Second)
	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_IntervalResetsCounts(t *testing.T) {
	cb, clock := newTestBreaker(BreakerSettings{MinRequests: 3, Interval: time.Minute})
	ctx := context.Background()

	assert.Error(t, cb.Execute(ctx, fail))
	assert.Error(t, cb.Execute(ctx, fail))
	clock.Advance(2 * time.Minute)

	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.Counts().Requests)
}

func TestCircuitBreaker_PanicRecovery(t *testing.T) {
	cb, _ := newTestBreaker(BreakerSettings{MinRequests: 100})
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = cb.Execute(ctx, func(context.Context) error {
			panic("test panic")
		})
	})

	assert.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, uint32(1), cb.Counts().TotalFailures)
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb, _ := newTestBreaker(BreakerSettings{MinRequests: 1000})
	ctx := context.Background()

	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			err := cb.Execute(ctx, func(context.Context) error {
				if id%10 == 0 {
					return errBoom
				}
				return nil
			})
			if err == nil {
				successes.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(90), successes.Load())
	assert.Equal(t, uint32(100), cb.Counts().Requests)
}

func TestCircuitBreaker_ReadyToTrip(t *testing.T) {
	cb, _ := newTestBreaker(BreakerSettings{})

	tests := []struct {
		name         string
		requests     uint32
		failures     uint32
		minRequests  uint32
		failureRatio float64
		expected     bool
	}{
		{"Not enough requests", 5, 5, 10, 0.5, false},
		{"High failure ratio", 10, 8, 10, 0.6, true},
		{"Low failure ratio", 10, 3, 10, 0.6, false},
		{"Exact failure ratio threshold", 10, 6, 10, 0.6, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb.settings.MinRequests = tt.minRequests
			cb.settings.FailureRatio = tt.failureRatio
			cb.counts.Requests = tt.requests
			cb.counts.TotalFailures = tt.failures

			assert.Equal(t, tt.expected, cb.readyToTrip())
		})
	}
}

// Retry Tests

func TestStrategy_Do(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Strategy{Attempts: 3, Delay: time.Millisecond, Backoff: 2}.Do(context.Background(), func(context.Context) error {
			calls++
			if calls < 3 {
				return errBoom
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns last error when attempts run out", func(t *testing.T) {
		calls := 0
		err := Strategy{Attempts: 2, Delay: time.Millisecond}.Do(context.Background(), func(context.Context) error {
			calls++
			return errBoom
		})

		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, 2, calls)
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Strategy{Attempts: 5, Delay: time.Hour}.Do(ctx, func(context.Context) error {
			calls++
			cancel()
			return errBoom
		})

		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, 1, calls)
	})
}

// Redis Client Tests

func TestRedisHealthCheck_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()

	mock.ExpectPing().SetVal("PONG")

	err := RedisHealthCheck(context.Background(), db)

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisHealthCheck_Failure(t *testing.T) {
	db, mock := redismock.NewClientMock()

	mock.ExpectPing().SetErr(errors.New("connection failed"))

	err := RedisHealthCheck(context.Background(), db)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis health check failed")
	assert.Contains(t, err.Error(), "connection failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGenerateKey(t *testing.T) {
	a, err := GenerateKey(32)
	require.NoError(t, err)
	b, err := GenerateKey(32)
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

// Benchmark Tests

func BenchmarkCircuitBreaker_Execute_Success(b *testing.B) {
	cb := NewCircuitBreaker("benchmark", BreakerSettings{})
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cb.Execute(ctx, succeed)
	}
}

func BenchmarkCircuitBreaker_Execute_Concurrent(b *testing.B) {
	cb := NewCircuitBreaker("benchmark-concurrent", BreakerSettings{})
	ctx := context.Background()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = cb.Execute(ctx, succeed)
		}
	})
}
