package utils

import (
	"context"
	"time"
)

// Strategy describes a bounded retry with exponential backoff.
type Strategy struct {
	Attempts int
	Delay    time.Duration
	Backoff  float64
}

func DefaultStrategy() Strategy {
	return Strategy{Attempts: 3, Delay: 100 * time.Millisecond, Backoff: 2}
}

// Do calls fn until it succeeds or the attempts run out, stopping early
// when ctx is done. The last error from fn is returned.
func (s Strategy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := max(s.Attempts, 1)
	delay := s.Delay

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}

		if s.Backoff > 1 {
			delay = time.Duration(float64(delay) * s.Backoff)
		}
	}
	return err
}
