package store

import (
	"context"
	"strings"
	"time"
)

func lockKey(threadID, namespace string) string {
	return strings.Join([]string{"lock", threadID, namespace}, keySep)
}

// keepAlive calls renew every third of ttl until the returned stop func is
// called or renew reports the lease is no longer held. stop waits for the
// renewer to exit, so a release that follows it cannot race a renewal.
func keepAlive(ttl time.Duration, renew func(context.Context) (bool, error)) (stop func()) {
	interval := ttl / 3
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rctx, rcancel := context.WithTimeout(ctx, interval)
				held, err := renew(rctx)
				rcancel()
				if err == nil && !held {
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
