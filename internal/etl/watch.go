package etl

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// PassFunc runs one full pass. Its error is logged and does not stop Watch.
type PassFunc func(ctx context.Context) error

// Watch runs pass repeatedly until ctx is cancelled. Each pass gets a context
// that ignores cancellation so an in-flight pass finishes and checkpoints
// before Watch returns. Between passes it sleeps interval minus the pass
// duration, but never less than minDelay.
func Watch(ctx context.Context, interval, minDelay time.Duration, log *zap.SugaredLogger, pass PassFunc) error {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	for n := 1; ; n++ {
		start := time.Now()
		if err := pass(context.WithoutCancel(ctx)); err != nil {
			log.Errorw("pass failed", "pass", n, "error", err)
		}
		elapsed := time.Since(start)

		wait := NextDelay(interval, minDelay, elapsed)
		log.Infow("waiting for next pass", "pass", n, "elapsed", elapsed, "wait", wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			log.Infow("watch stopped", "passes", n)
			return nil
		case <-t.C:
		}
	}
}

func NextDelay(interval, minDelay, elapsed time.Duration) time.Duration {
	wait := interval - elapsed
	if wait < minDelay {
		wait = minDelay
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}
