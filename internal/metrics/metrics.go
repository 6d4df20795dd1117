// Package metrics exposes prometheus counters for the synchronization
// core. All methods are nil-safe so components can run unmetered.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector aggregates the health signals of the sync core.
type Collector struct {
	eventsApplied        *prometheus.CounterVec
	eventsDropped        prometheus.Counter
	duplicatesSuppressed prometheus.Counter
	snapshotFetches      prometheus.Counter
	snapshotFailures     prometheus.Counter
	streamReconnects     prometheus.Counter
	provisionConflicts   prometheus.Counter
}

// NewCollector registers the full counter set on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_feed_events_applied_total",
			Help: "Change feed events applied to a local feed, by kind.",
		}, []string{"kind"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_stream_events_dropped_total",
			Help: "Malformed push frames discarded before delivery.",
		}),
		duplicatesSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_feed_duplicates_suppressed_total",
			Help: "Insert events ignored because the message id was already present.",
		}),
		snapshotFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_feed_snapshot_fetches_total",
			Help: "Full channel snapshot fetches issued.",
		}),
		snapshotFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_feed_snapshot_failures_total",
			Help: "Channel snapshot fetches that failed and fell back to last known good.",
		}),
		streamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_stream_reconnects_total",
			Help: "Successful change stream reconnects after a transport drop.",
		}),
		provisionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_profile_provision_conflicts_total",
			Help: "Profile provisioning attempts resolved as reads because the record already existed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			c.eventsApplied,
			c.eventsDropped,
			c.duplicatesSuppressed,
			c.snapshotFetches,
			c.snapshotFailures,
			c.streamReconnects,
			c.provisionConflicts,
		)
	}
	return c
}

func (c *Collector) EventApplied(kind string) {
	if c == nil {
		return
	}
	c.eventsApplied.WithLabelValues(kind).Inc()
}

func (c *Collector) DuplicateSuppressed() {
	if c == nil {
		return
	}
	c.duplicatesSuppressed.Inc()
}

func (c *Collector) SnapshotFetched() {
	if c == nil {
		return
	}
	c.snapshotFetches.Inc()
}

func (c *Collector) SnapshotFailed() {
	if c == nil {
		return
	}
	c.snapshotFailures.Inc()
}

func (c *Collector) ProvisionConflict() {
	if c == nil {
		return
	}
	c.provisionConflicts.Inc()
}

// StreamReconnected implements remotestore.StreamObserver.
func (c *Collector) StreamReconnected(string) {
	if c == nil {
		return
	}
	c.streamReconnects.Inc()
}

// EventDropped implements remotestore.StreamObserver.
func (c *Collector) EventDropped(string) {
	if c == nil {
		return
	}
	c.eventsDropped.Inc()
}
