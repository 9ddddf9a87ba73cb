package storage

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc/backoff"
)

// Retry repeats an attempt for as long as it fails with ErrCasFailed.
// A zero BaseDelay retries immediately.
type Retry struct {
	Backoff    backoff.Config
	OnConflict func()
}

func (r Retry) Do(ctx context.Context, attempt func(ctx context.Context) error) error {
	for retries := 0; ; retries++ {
		err := attempt(ctx)
		if err == nil || !errors.Is(err, ErrCasFailed) {
			return err
		}
		if r.OnConflict != nil {
			r.OnConflict()
		}

		if err := r.wait(ctx, retries); err != nil {
			return errors.Wrap(err, "cas retry interrupted")
		}
	}
}

func (r Retry) wait(ctx context.Context, retries int) error {
	d := r.delay(retries)
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// delay follows the grpc exponential backoff with jitter. An unset MaxDelay
// falls back to the grpc default cap.
func (r Retry) delay(retries int) time.Duration {
	cfg := r.Backoff
	if cfg.BaseDelay <= 0 {
		return 0
	}
	mult := cfg.Multiplier
	if mult < 1 {
		mult = backoff.DefaultConfig.Multiplier
	}
	limit := float64(cfg.MaxDelay)
	if limit <= 0 {
		limit = float64(backoff.DefaultConfig.MaxDelay)
	}

	d := float64(cfg.BaseDelay)
	for ; retries > 0 && d < limit; retries-- {
		d *= mult
	}
	if d > limit {
		d = limit
	}
	d *= 1 + cfg.Jitter*(rand.Float64()*2-1)
	if d < 0 {
		return 0
	}

	return time.Duration(d)
}
