package graph

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"
)

// TestExponentialBackoff verifies the delay doubles per attempt, is capped by
// maxDelay and carries at most base of jitter.
func TestExponentialBackoff(t *testing.T) {
	rng := rand.New(rand.NewSource(42)) // #nosec G404 -- deterministic test jitter
	base := 100 * time.Millisecond
	maxDelay := time.Second

	tests := []struct {
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{0, 100 * time.Millisecond, 200 * time.Millisecond},
		{1, 200 * time.Millisecond, 300 * time.Millisecond},
		{2, 400 * time.Millisecond, 500 * time.Millisecond},
		{3, 800 * time.Millisecond, 900 * time.Millisecond},
		{4, time.Second, 1100 * time.Millisecond},
		{40, time.Second, 1100 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
			got := computeBackoff(tt.attempt, base, maxDelay, rng)
			if got < tt.min || got >= tt.max {
				t.Errorf("computeBackoff(%d) = %v, want [%v, %v)", tt.attempt, got, tt.min, tt.max)
			}
		})
	}

	t.Run("zero base means no delay", func(t *testing.T) {
		if got := computeBackoff(3, 0, time.Second, rng); got != 0 {
			t.Errorf("computeBackoff with zero base = %v, want 0", got)
		}
	})

	t.Run("zero max delay means uncapped", func(t *testing.T) {
		got := computeBackoff(5, 10*time.Millisecond, 0, rng)
		if got < 320*time.Millisecond {
			t.Errorf("computeBackoff uncapped = %v, want >= 320ms", got)
		}
	})
}

func TestRetryPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{"default", DefaultRetryPolicy(), false},
		{"single attempt", RetryPolicy{MaxAttempts: 1}, false},
		{"no attempts", RetryPolicy{MaxAttempts: 0}, true},
		{"negative delay", RetryPolicy{MaxAttempts: 2, BaseDelay: -time.Second}, true},
		{"max below base", RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: time.Millisecond}, true},
		{"uncapped", RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRetryPolicy) {
				t.Errorf("Validate() = %v, want ErrInvalidRetryPolicy", err)
			}
		})
	}
}

func TestNodeTimeoutPrecedence(t *testing.T) {
	tests := []struct {
		name   string
		policy *NodePolicy
		def    time.Duration
		want   time.Duration
	}{
		{"policy wins", &NodePolicy{Timeout: time.Second}, 5 * time.Second, time.Second},
		{"default when policy zero", &NodePolicy{}, 5 * time.Second, 5 * time.Second},
		{"default when no policy", nil, 2 * time.Second, 2 * time.Second},
		{"unlimited", nil, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getNodeTimeout(tt.policy, tt.def); got != tt.want {
				t.Errorf("getNodeTimeout() = %v, want %v", got, tt.want)
			}
		})
	}
}
