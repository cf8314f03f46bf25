package spinmap

import (
	"runtime"
	"time"
	_ "unsafe" // for go:linkname
)

// SpinPolicy describes what a contending locker does after each failed
// acquisition attempt. Stages escalate strictly by attempt index:
//
//   - attempts [0, PauseSpins): a CPU pause burst. On architectures with an
//     SMT-friendly pause instruction the burst reduces power draw and
//     cross-hyperthread interference; elsewhere it degrades to a short
//     busy loop.
//   - attempts [PauseSpins, PauseSpins+YieldSpins): yield the timeslice to
//     the scheduler.
//   - all further attempts: sleep for one millisecond. A sleeping contender
//     costs nearly nothing while the holder is itself descheduled.
//
// There is no adaptive measurement; the escalation is purely positional.
// A nil *SpinPolicy means DefaultPolicy.
type SpinPolicy struct {
	// PauseSpins is the number of attempts spent in the pause stage.
	PauseSpins uint32
	// YieldSpins is the number of attempts spent in the yield stage.
	YieldSpins uint32
	// Disable turns the policy into a pure hot spin: no pause, no yield,
	// no sleep.
	Disable bool
}

// DefaultPolicy is the stage sizing used when no policy is supplied.
var DefaultPolicy = SpinPolicy{PauseSpins: 125, YieldSpins: 250}

// NullPolicy performs no back-off at all.
var NullPolicy = SpinPolicy{Disable: true}

// Backoff performs the escalation step for the given failed attempt index
// and reports whether further spinning is worthwhile. It never gives up:
// the sleep stage is unbounded.
func (p *SpinPolicy) Backoff(attempt uint32) bool {
	if p == nil {
		p = &DefaultPolicy
	}
	if p.Disable {
		return true
	}
	switch {
	case attempt < p.PauseSpins:
		procPause()
	case attempt-p.PauseSpins < p.YieldSpins:
		runtime.Gosched()
	default:
		time.Sleep(time.Millisecond)
	}
	return true
}

// procPause emits a short burst of CPU pause hints.
//
//go:nosplit
func procPause() {
	runtime_doSpin()
}

// nolint:all
//
//go:linkname runtime_doSpin sync.runtime_doSpin
//goland:noinspection ALL
func runtime_doSpin()
