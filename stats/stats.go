// Package stats exposes the proposer's introspection surface: gauges
// for the monotonic LSN/term counters and per-peer last-message age,
// mirroring the teacher's ProposerMetrics (paxos/proposermanager.go)
// but scoped to the one proposer-wide state this module tracks instead
// of per-transaction proposer instances.
package stats

import "github.com/prometheus/client_golang/prometheus"

// Registry holds the Prometheus collectors the scheduler and streaming
// engine update as they run.
type Registry struct {
	PropTerm      prometheus.Gauge
	AvailableLsn  prometheus.Gauge
	CommitLsn     prometheus.Gauge
	TruncateLsn   prometheus.Gauge
	ConnectedPeer prometheus.Gauge
	VotesGauge    prometheus.Gauge
	Elections     prometheus.Counter
	Heartbeats    prometheus.Counter

	// PeerLastMsgAgeSeconds mirrors walproposer_shmem.c's per-safekeeper
	// latestMsgReceivedAt introspection: seconds since the last message
	// from each peer, labeled by peer index, sampled by the scheduler's
	// inactivity check.
	PeerLastMsgAgeSeconds *prometheus.GaugeVec
}

// NewRegistry builds and registers a fresh Registry. Pass nil to use the
// default global registerer, as the teacher's NewProposerManager does
// implicitly via prometheus.MustRegister in its caller.
func NewRegistry(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Registry{
		PropTerm: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "walproposer_term",
			Help: "Current proposer term.",
		}),
		AvailableLsn: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "walproposer_available_lsn",
			Help: "Highest LSN produced locally by the compute.",
		}),
		CommitLsn: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "walproposer_commit_lsn",
			Help: "Quorum commit LSN last reported to the compute.",
		}),
		TruncateLsn: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "walproposer_truncate_lsn",
			Help: "LSN below which WAL may be reclaimed on every peer.",
		}),
		ConnectedPeer: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "walproposer_connected_peers",
			Help: "Number of safekeeper greetings processed; not reduced when a peer disconnects.",
		}),
		VotesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "walproposer_votes",
			Help: "Votes granted for the current election.",
		}),
		Elections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walproposer_elections_total",
			Help: "Number of elections started by this proposer instance.",
		}),
		Heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walproposer_heartbeats_total",
			Help: "Number of AppendRequest broadcasts to active peers (heartbeats, new WAL, commit advances).",
		}),
		PeerLastMsgAgeSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "walproposer_peer_last_msg_age_seconds",
			Help: "Seconds since the last message received from this peer.",
		}, []string{"peer"}),
	}
	reg.MustRegister(r.PropTerm, r.AvailableLsn, r.CommitLsn, r.TruncateLsn,
		r.ConnectedPeer, r.VotesGauge, r.Elections, r.Heartbeats, r.PeerLastMsgAgeSeconds)
	return r
}
