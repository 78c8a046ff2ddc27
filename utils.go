package walproposer

import (
	"math/rand"
	"time"

	"github.com/go-kit/kit/log"
)

// CheckWarn logs e as a warning and reports whether there was one,
// matching the teacher's CheckWarn (utils.go) used throughout the
// "transient peer I/O" row of the error taxonomy (§7).
func CheckWarn(e error, logger log.Logger) bool {
	if e != nil {
		logger.Log("msg", "warning", "error", e)
		return true
	}
	return false
}

// DebugLogFunc matches the teacher's no-op-by-default tracing knob
// (server.DebugLog in utils.go), swappable in tests for verbose traces.
type DebugLogFunc func(log.Logger, ...interface{})

var DebugLog = DebugLogFunc(func(log.Logger, ...interface{}) {})

// BinaryBackoffEngine is the teacher's exponential backoff helper
// (utils.go), reused here to jitter the safekeeper reconnect timer
// instead of client connection restarts.
type BinaryBackoffEngine struct {
	rng    *rand.Rand
	min    time.Duration
	max    time.Duration
	period time.Duration
	Cur    time.Duration
}

func NewBinaryBackoffEngine(rng *rand.Rand, min, max time.Duration) *BinaryBackoffEngine {
	if min <= 0 {
		return nil
	}
	return &BinaryBackoffEngine{
		rng:    rng,
		min:    min,
		max:    max,
		period: min,
		Cur:    0,
	}
}

func (bbe *BinaryBackoffEngine) Advance() time.Duration {
	oldCur := bbe.Cur
	bbe.period *= 2
	if bbe.period > bbe.max {
		bbe.period = bbe.max
	}
	bbe.Cur = time.Duration(bbe.rng.Intn(int(bbe.period)))
	return oldCur
}

func (bbe *BinaryBackoffEngine) Shrink(roundToZero time.Duration) {
	bbe.period /= 2
	if bbe.period < bbe.min {
		bbe.period = bbe.min
	}
	bbe.Cur = time.Duration(bbe.rng.Intn(int(bbe.period)))
	if bbe.Cur <= roundToZero {
		bbe.Cur = 0
	}
}
