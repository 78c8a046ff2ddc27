// Package sched is the scheduler loop (C6, §4.6): one thread of
// control that gathers readiness events from the multiplexer and
// hands each to the matching peer FSM (paxos.ProposerState), drives
// per-peer reconnect scheduling and inactivity timeouts, and
// broadcasts heartbeats when the loop would otherwise sit idle. It
// plays the role the teacher's ConnectionManager.actorLoop plays for
// connections: one goroutine, one cooperative dispatch loop, no lock
// held across a suspension point.
package sched

import (
	"math/rand"
	"strconv"
	"time"

	"github.com/go-kit/kit/log"
	cc "github.com/msackman/chancell"
	tw "github.com/msackman/gotimerwheel"

	neon "github.com/shanyp/neon"
	"github.com/shanyp/neon/capability"
	"github.com/shanyp/neon/config"
	"github.com/shanyp/neon/paxos"
	"github.com/shanyp/neon/stats"
)

// wheelGranularity is the tw.TimerWheel tick size; reconnect/backoff
// delays are never shorter than this.
const wheelGranularity = 10 * time.Millisecond

// broadcastMsg is the mailbox payload for one Broadcast call. Broadcast
// runs on the producer's goroutine; the scheduler goroutine is the only
// one that ever touches ProposerState, so the new WAL range crosses
// over the mailbox instead of being applied directly — the same
// separation goshawkdb's ConnectionManager keeps between callers of
// enqueueQuery and its own actorLoop goroutine.
type broadcastMsg struct {
	startpos, endpos uint64
}

// Scheduler is the C6 loop. It owns no protocol state of its own —
// that all lives in the embedded ProposerState — only the reconnect
// timer wheel and the per-peer connect-failure dampers.
type Scheduler struct {
	State  *paxos.ProposerState
	Facade capability.Facade
	logger log.Logger

	reconnectTimeout  time.Duration
	connectionTimeout time.Duration

	// wheel holds every pending reconnect, both the flat retry for a
	// peer that has never reached ACTIVE and the backoff-damped retry
	// for one that has dropped after reaching ACTIVE. The teacher
	// drives the equivalent TimerWheel (txnengine/varmanager.go) from a
	// dedicated beater goroutine that re-enters the executor on every
	// tick; that would reintroduce a second thread touching
	// ProposerState, so here the wheel is advanced synchronously from
	// inside Poll instead — still the teacher's wheel, without its beater.
	wheel           *tw.TimerWheel
	connectFailures []int
	backoff         []*neon.BinaryBackoffEngine

	// stopped is set by Free; Poll and Start observe it and return.
	stopped bool

	cellTail          *cc.ChanCellTail
	mailboxHead       *cc.ChanCellHead
	mailboxCell       *cc.ChanCell
	mailboxChanFun    func(*cc.ChanCell)
	enqueueQueryInner func(broadcastMsg, *cc.ChanCell, cc.CurCellConsumer) (bool, cc.CurCellConsumer)
	mailbox           chan broadcastMsg
}

// Create builds a Scheduler and its ProposerState (§6.4 Create).
func Create(cfg *config.Config, facade capability.Facade, logger log.Logger, reg *stats.Registry, rng *rand.Rand) (*Scheduler, error) {
	if err := facade.Multiplexer.InitSet(); err != nil {
		return nil, err
	}
	ps := paxos.New(cfg, facade, logger, reg)

	n := len(ps.Peers)
	sch := &Scheduler{
		State:             ps,
		Facade:            facade,
		logger:            logger,
		reconnectTimeout:  time.Duration(cfg.ReconnectTimeoutMs) * time.Millisecond,
		connectionTimeout: time.Duration(cfg.ConnectionTimeoutMs) * time.Millisecond,
		wheel:             tw.NewTimerWheel(facade.Clock.Now(), wheelGranularity),
		connectFailures:   make([]int, n),
		backoff:           make([]*neon.BinaryBackoffEngine, n),
	}
	for i := range sch.backoff {
		sch.backoff[i] = neon.NewBinaryBackoffEngine(rng, 10*time.Millisecond, sch.reconnectTimeout)
	}

	var head *cc.ChanCellHead
	head, sch.cellTail = cc.NewChanCellTail(
		func(n int, cell *cc.ChanCell) {
			mailbox := make(chan broadcastMsg, n)
			cell.Open = func() { sch.mailbox = mailbox }
			cell.Close = func() { close(mailbox) }
			sch.enqueueQueryInner = func(msg broadcastMsg, curCell *cc.ChanCell, cont cc.CurCellConsumer) (bool, cc.CurCellConsumer) {
				if curCell == cell {
					select {
					case mailbox <- msg:
						return true, nil
					default:
						return false, nil
					}
				}
				return false, cont
			}
		})
	sch.mailboxHead = head
	sch.mailboxChanFun = func(cell *cc.ChanCell) { sch.mailboxCell = cell }
	head.WithCell(sch.mailboxChanFun)

	return sch, nil
}

// Start resets every peer to CONNECTING_WRITE and runs Poll forever
// (§6.4 Start) until a fatal error, or a Hooks callback decides to stop
// driving (StartStreaming/FinishSyncSafekeepers returning is the Go
// stand-in for "never returns"; callers that want Start itself to
// return after election or sync completion should call Poll directly
// instead, see Free).
func (s *Scheduler) Start() error {
	for _, p := range s.State.Peers {
		s.State.ResetConnection(p)
	}
	for !s.stopped {
		done, err := s.Poll()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return nil
}

// Poll advances events until the multiplexer signals new WAL (EventLatch)
// or sync-mode has finished, per §4.6's pseudocode. It returns
// (true, nil) when the caller should stop driving (sync-mode done), and
// (false, nil) on a plain latch wakeup so the producer can call
// Broadcast and re-enter Poll.
func (s *Scheduler) Poll() (bool, error) {
	for {
		timeout := s.reconnectTimeout
		if timeout <= 0 {
			timeout = -1
		}

		result, err := s.Facade.Multiplexer.Wait(timeout)
		if err != nil {
			return false, err
		}

		switch result.Kind {
		case capability.EventLatch:
			if err := s.drainMailbox(); err != nil {
				return false, err
			}
			return s.State.SyncDone(), nil
		case capability.EventSocket:
			if err := s.advance(result.Peer, result.Events); err != nil {
				return false, err
			}
		case capability.EventTimeout:
			now := s.Facade.Clock.Now()
			if s.State.AvailableLsn != 0 {
				if err := s.State.BroadcastHeartbeat(); err != nil {
					return false, err
				}
			}
			s.shutdownInactivePeers(now)
		}

		s.wheel.AdvanceTo(s.Facade.Clock.Now(), 64)

		if s.State.SyncDone() {
			return true, nil
		}
	}
}

// broadcastQueryCapture re-presents enqueueQuery across a cell
// rotation, mirroring goshawkdb's connectionManagerQueryCapture.
type broadcastQueryCapture struct {
	s   *Scheduler
	msg broadcastMsg
}

func (bqc *broadcastQueryCapture) ccc(cell *cc.ChanCell) (bool, cc.CurCellConsumer) {
	return bqc.s.enqueueQueryInner(bqc.msg, cell, bqc.ccc)
}

// Broadcast is the producer's entry point for new WAL (§6.4 Broadcast):
// preconditions startpos==availableLsn, endpos>=availableLsn. It never
// touches ProposerState itself — it hands the range to the scheduler
// goroutine over the mailbox and wakes a concurrent Poll/Wait via
// SignalLatch; Poll applies it once EventLatch fires.
func (s *Scheduler) Broadcast(startpos, endpos uint64) error {
	bqc := &broadcastQueryCapture{s: s, msg: broadcastMsg{startpos: startpos, endpos: endpos}}
	if !s.cellTail.WithCell(bqc.ccc) {
		return &paxos.AssertionError{Reason: "Broadcast called after Free"}
	}
	return s.Facade.Multiplexer.SignalLatch()
}

// drainMailbox applies every queued Broadcast range in order, on the
// scheduler's own goroutine, right after Wait reports EventLatch. A
// closed mailbox means chancell rotated to a new cell (Open already
// refreshed s.mailbox); head.Next advances past it, mirroring the
// teacher's actorLoop handling of a closed queryChan.
//
// Applying a range only moves availableLsn; it does not itself push
// anything to a peer. WalProposerBroadcast sets availableLsn and then
// immediately calls BroadcastAppendRequest in the same breath, so once
// the mailbox is empty this sends the newly available WAL out to every
// ACTIVE peer rather than waiting for the next heartbeat timeout or
// commit-advance (which, with reconnect_timeout_ms == 0, may never come).
func (s *Scheduler) drainMailbox() error {
	applied := false
	for {
		select {
		case msg, ok := <-s.mailbox:
			if !ok {
				s.mailboxHead.Next(s.mailboxCell, s.mailboxChanFun)
				continue
			}
			if err := s.State.AdvanceAvailableLsnFromProducer(msg.startpos, msg.endpos); err != nil {
				return err
			}
			applied = true
		default:
			if applied {
				return s.State.BroadcastHeartbeat()
			}
			return nil
		}
	}
}

// Free releases the multiplexer's resources (§6.4 Free) and stops Start.
func (s *Scheduler) Free() {
	s.stopped = true
	s.cellTail.Terminate()
	s.Facade.Multiplexer.FreeSet()
}

func (s *Scheduler) advance(peerHandle capability.PeerHandle, events capability.EventMask) error {
	idx := s.State.PeerIndexByHandle(peerHandle)
	if idx < 0 {
		// A stale readiness event for an already-shutdown (OFFLINE) peer,
		// or a handle no peer owns; ignored.
		return nil
	}
	p := s.State.Peers[idx]
	wasActive := p.State == paxos.Active

	if err := s.State.AdvanceEvent(idx, events); err != nil {
		return err
	}

	switch {
	case p.State == paxos.Active:
		s.connectFailures[idx] = 0
		s.backoff[idx].Shrink(0)
	case wasActive && p.State == paxos.Offline:
		// Failed after reaching ACTIVE at least once: damp retries with
		// the exponential backoff on top of the flat reconnect timer.
		s.connectFailures[idx]++
		s.scheduleReconnect(p, s.backoff[idx].Advance())
	case p.State == paxos.Offline:
		// Never reached ACTIVE this attempt (connect/handshake/vote
		// failure): retry on the flat reconnect timer, same as a fresh peer.
		s.scheduleReconnect(p, s.reconnectTimeout)
	}
	return nil
}

// scheduleReconnect queues p's next ResetConnection on the wheel. It
// runs on the scheduler's own goroutine when the wheel fires (driven
// from inside Poll), so it touches ProposerState exactly like every
// other FSM transition.
func (s *Scheduler) scheduleReconnect(p *paxos.Peer, interval time.Duration) {
	if interval < 0 {
		interval = 0
	}
	if err := s.wheel.ScheduleEventIn(interval, func() {
		s.State.ResetConnection(p)
	}); err != nil {
		s.logger.Log("msg", "failed to schedule reconnect", "peer", p.Index, "host", p.Host, "error", err)
	}
}

func (s *Scheduler) shutdownInactivePeers(now time.Time) {
	for _, p := range s.State.Peers {
		if p.State == paxos.Offline {
			continue
		}
		age := now.Sub(p.LatestMsgReceivedAt)
		if s.State.Stats != nil {
			s.State.Stats.PeerLastMsgAgeSeconds.WithLabelValues(strconv.Itoa(p.Index)).Set(age.Seconds())
		}
		if age > s.connectionTimeout {
			s.logger.Log("msg", "peer inactivity timeout", "peer", p.Index, "host", p.Host)
			s.State.ShutdownConnection(p)
			s.scheduleReconnect(p, s.reconnectTimeout)
		}
	}
}
