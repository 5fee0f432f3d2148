package social

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks reconciliation activity. All methods are nil-safe so the
// core can run without a registry wired in.
type Metrics struct {
	knownUsers      prometheus.Gauge
	presenceEvents  prometheus.Counter
	handshakesSent  prometheus.Counter
	instanceSyncs   prometheus.Counter
	staleClients    prometheus.Counter
	droppedSignals  prometheus.Counter
	droppedUnknown  prometheus.Counter
	consentModified prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		knownUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lattice_social_known_users",
			Help: "Peer identities currently tracked (loaded or observed).",
		}),
		presenceEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lattice_social_presence_events_total",
			Help: "Client presence events processed.",
		}),
		handshakesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lattice_social_handshakes_sent_total",
			Help: "Instance handshakes sent to remote clients.",
		}),
		instanceSyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lattice_social_instance_syncs_total",
			Help: "Instance handshakes reconciled (including duplicates).",
		}),
		staleClients: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lattice_social_stale_clients_evicted_total",
			Help: "Client mappings evicted after an instance moved to a new client.",
		}),
		droppedSignals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lattice_social_dropped_signals_total",
			Help: "Signalling messages dropped for lack of a handshaken instance.",
		}),
		droppedUnknown: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lattice_social_dropped_unknown_total",
			Help: "Envelopes dropped due to an unrecognized message type.",
		}),
		consentModified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lattice_social_consent_modified_total",
			Help: "Operator consent actions that changed persisted state.",
		}),
	}

	reg.MustRegister(
		m.knownUsers,
		m.presenceEvents,
		m.handshakesSent,
		m.instanceSyncs,
		m.staleClients,
		m.droppedSignals,
		m.droppedUnknown,
		m.consentModified,
	)
	return m
}

func (m *Metrics) SetKnownUsers(n int) {
	if m == nil {
		return
	}
	m.knownUsers.Set(float64(n))
}

func (m *Metrics) RecordPresenceEvent() {
	if m == nil {
		return
	}
	m.presenceEvents.Inc()
}

func (m *Metrics) RecordHandshakeSent() {
	if m == nil {
		return
	}
	m.handshakesSent.Inc()
}

func (m *Metrics) RecordInstanceSync() {
	if m == nil {
		return
	}
	m.instanceSyncs.Inc()
}

func (m *Metrics) RecordStaleClientEvicted() {
	if m == nil {
		return
	}
	m.staleClients.Inc()
}

func (m *Metrics) RecordDroppedSignal() {
	if m == nil {
		return
	}
	m.droppedSignals.Inc()
}

func (m *Metrics) RecordDroppedUnknown() {
	if m == nil {
		return
	}
	m.droppedUnknown.Inc()
}

func (m *Metrics) RecordConsentModified() {
	if m == nil {
		return
	}
	m.consentModified.Inc()
}
