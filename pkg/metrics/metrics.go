package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "metastate"

// Hydra holds the collectors of the replicated automaton and its driver.
// Instances built with a nil registerer are usable but never exported.
type Hydra struct {
	MutationsLogged    *prometheus.CounterVec
	MutationsApplied   *prometheus.CounterVec
	ApplyLatency       prometheus.Histogram
	PendingMutations   prometheus.Gauge
	UserLockRejections prometheus.Counter
	SystemLockWait     prometheus.Histogram
	SnapshotBuilds     *prometheus.CounterVec
	SnapshotDuration   prometheus.Histogram
	ChangelogRotations *prometheus.CounterVec
	PeerState          prometheus.Gauge
	LeadershipChanges  prometheus.Counter
	Proposals          *prometheus.CounterVec
}

func NewHydra(reg prometheus.Registerer) (*Hydra, error) {
	m := &Hydra{
		MutationsLogged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_logged_total",
			Help:      "Mutations appended to the changelog, by role.",
		}, []string{"role"}),
		MutationsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_applied_total",
			Help:      "Mutations applied to the automaton, by path.",
		}, []string{"path"}),
		ApplyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mutation_apply_seconds",
			Help:      "Time spent inside a single automaton apply.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		PendingMutations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_mutations",
			Help:      "Logged mutations waiting to be applied.",
		}),
		UserLockRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "user_lock_rejections_total",
			Help:      "User callbacks rejected because the system lock was held.",
		}),
		SystemLockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "system_lock_wait_seconds",
			Help:      "Time spent draining user locks before a system operation.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		SnapshotBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_builds_total",
			Help:      "Snapshot builds by result.",
		}, []string{"result"}),
		SnapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_build_seconds",
			Help:      "Duration of snapshot builds from start to confirmation.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		ChangelogRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changelog_rotations_total",
			Help:      "Changelog rotations by result.",
		}, []string{"result"}),
		PeerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_state",
			Help:      "Current peer state (0 stopped, 1 leader recovery, 2 leading, 3 follower recovery, 4 following).",
		}),
		LeadershipChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raft_leadership_changes_total",
			Help:      "Transitions of this peer to raft leader.",
		}),
		Proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raft_proposals_total",
			Help:      "Mutation proposals by result.",
		}, []string{"result"}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.MutationsLogged, m.MutationsApplied, m.ApplyLatency, m.PendingMutations,
		m.UserLockRejections, m.SystemLockWait, m.SnapshotBuilds, m.SnapshotDuration,
		m.ChangelogRotations, m.PeerState, m.LeadershipChanges, m.Proposals,
	} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return nil, err
			}
		}
	}
	return m, nil
}

// Discard returns collectors that are not registered anywhere.
func Discard() *Hydra {
	m, _ := NewHydra(nil)
	return m
}
