package paxos

import "fmt"

// FatalError is the proposer-wide error taxonomy row (§7): another
// proposer exists, a consensus invariant was violated, or an internal
// assertion failed. The scheduler (sched package) returns it from
// Start/Poll and cmd/walproposer logs it and exits with status 1; the
// core itself never calls os.Exit.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("walproposer: fatal: %s", e.Reason)
}

func fatalf(format string, args ...interface{}) *FatalError {
	return &FatalError{Reason: fmt.Sprintf(format, args...)}
}

// AssertionError is the "internal assertion" row of §7 — e.g. the
// delivered readiness set was not a subset of a state's desired events.
type AssertionError struct {
	Reason string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("walproposer: assertion failed: %s", e.Reason)
}
