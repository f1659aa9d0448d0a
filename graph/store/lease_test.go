package store

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeepAlive(t *testing.T) {
	t.Run("renews until stopped", func(t *testing.T) {
		var renewals atomic.Int32
		stop := keepAlive(30*time.Millisecond, func(context.Context) (bool, error) {
			renewals.Add(1)
			return true, nil
		})
		time.Sleep(100 * time.Millisecond)
		stop()

		n := renewals.Load()
		if n < 2 {
			t.Fatalf("renewed %d times in 100ms, want at least 2", n)
		}
		time.Sleep(40 * time.Millisecond)
		if got := renewals.Load(); got != n {
			t.Errorf("renewed %d more times after stop", got-n)
		}
	})

	t.Run("gives up when the lease is lost", func(t *testing.T) {
		var renewals atomic.Int32
		stop := keepAlive(15*time.Millisecond, func(context.Context) (bool, error) {
			renewals.Add(1)
			return false, nil
		})
		time.Sleep(60 * time.Millisecond)
		stop()
		if got := renewals.Load(); got != 1 {
			t.Errorf("renewed %d times, want 1", got)
		}
	})
}
