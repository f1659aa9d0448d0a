package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	keySep      = "$"
	clockDigits = 16
)

var (
	clockMu   sync.Mutex
	lastClock int64
)

// ErrInvalidID is returned by Put for a pinned checkpoint ID that does not
// start with a clock. Such an ID would not sort against generated ones, and
// latest lookups would stop finding the newest checkpoint.
var ErrInvalidID = errors.New("checkpoint ID must start with a 16 hex digit clock")

// NewID returns a checkpoint ID that sorts lexicographically after parentID
// and after every ID previously generated by this process.
//
// The ID is a hybrid logical clock: 16 hex digits of
// max(now in microseconds, parent clock + 1, last clock + 1) followed by a
// random suffix. Wall-clock skew between hosts therefore never produces a
// child that sorts before its parent.
func NewID(parentID string) string {
	clock := time.Now().UnixMicro()

	if p, ok := clockOf(parentID); ok && p >= clock {
		clock = p + 1
	}

	clockMu.Lock()
	if clock <= lastClock {
		clock = lastClock + 1
	}
	lastClock = clock
	clockMu.Unlock()

	return formatID(clock, uuid.NewString()[:8])
}

// IDAt builds a checkpoint ID with the clock set to t, for callers that pin
// IDs (replays, fixtures). The suffix keeps IDs at the same instant apart.
func IDAt(t time.Time, suffix string) string {
	return formatID(t.UnixMicro(), suffix)
}

func formatID(clock int64, suffix string) string {
	return fmt.Sprintf("%0*x-%s", clockDigits, clock, suffix)
}

// checkPinnedID validates a caller-chosen ID and moves the process clock
// past it, so IDs generated afterwards still sort after it.
func checkPinnedID(id string) error {
	c, ok := clockOf(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	clockMu.Lock()
	if c > lastClock {
		lastClock = c
	}
	clockMu.Unlock()
	return nil
}

// TimeOf extracts the wall time encoded in an ID produced by NewID. Pinned
// IDs that do not carry a clock return the zero time.
func TimeOf(id string) time.Time {
	c, ok := clockOf(id)
	if !ok {
		return time.Time{}
	}
	return time.UnixMicro(c).UTC()
}

func clockOf(id string) (int64, bool) {
	if len(id) < clockDigits {
		return 0, false
	}
	head, _, _ := strings.Cut(id, "-")
	if len(head) != clockDigits {
		return 0, false
	}
	c, err := strconv.ParseInt(head, 16, 64)
	if err != nil {
		return 0, false
	}
	return c, true
}
