package directory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/util"
)

// ErrUnavailable is returned while the lookup breaker is open and cache
// traffic is being rejected without a round trip.
var ErrUnavailable = errors.New("user directory unavailable")

const (
	breakerMaxFailures = 5
	breakerResetAfter  = 30 * time.Second
	breakerProbeQuota  = 3
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// lookupBreaker guards the directory's cache round trips. Consecutive
// transport failures open it; after the reset window a few probe requests are
// let through and must all succeed before normal traffic resumes. A directory
// miss is an answer, not a failure, and never trips the breaker.
type lookupBreaker struct {
	mu       sync.Mutex
	state    breakerState
	failures int
	probes   int
	openedAt time.Time
}

func (b *lookupBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerOpen && time.Since(b.openedAt) >= breakerResetAfter {
		b.state = breakerHalfOpen
		b.probes = 0
	}

	switch b.state {
	case breakerOpen:
		return false
	case breakerHalfOpen:
		return b.probes < breakerProbeQuota
	default:
		return true
	}
}

func (b *lookupBreaker) recordSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		b.failures = 0
	case breakerHalfOpen:
		b.probes++
		if b.probes >= breakerProbeQuota {
			b.state = breakerClosed
			b.failures = 0
			util.Log(ctx).Info("user directory recovered, resuming lookups")
		}
	}
}

func (b *lookupBreaker) recordFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		b.failures++
		if b.failures >= breakerMaxFailures {
			b.trip(ctx)
		}
	case breakerHalfOpen:
		b.trip(ctx)
	}
}

func (b *lookupBreaker) trip(ctx context.Context) {
	b.state = breakerOpen
	b.openedAt = time.Now()
	util.Log(ctx).WithField("reset_after", breakerResetAfter.String()).
		Warn("user directory failing, rejecting lookups")
}
