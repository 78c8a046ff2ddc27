// Package walproposer is the root package: process-wide constants and
// small utilities shared by wire, paxos, sched and config, the way the
// teacher's root "server" package (consts.go, utils.go) underlies
// goshawkdb.io/server's subpackages.
package walproposer

import (
	"time"
)

const (
	Version = "dev"

	// MaxSendSize bounds a single AppendRequest's WAL payload (§4.5).
	MaxSendSize = 16 * 8192 // 16 * XLOG_BLCKSZ

	// ConnectionRestartDelayMin mirrors the teacher's constant of the same
	// name (consts.go). Nothing in this module reads it; sched's reconnect
	// backoff starts at 10ms.
	ConnectionRestartDelayMin = 3 * time.Second

	HttpProfilePort = 6060
)
