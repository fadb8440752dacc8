package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values for auth metrics.
const (
	RoleClient = "client"
	RoleServer = "server"

	OutcomeVerified = "verified"
	OutcomeFailed   = "failed"
	OutcomeTimeout  = "timeout"

	LookupHit      = "cache_hit"
	LookupResolved = "resolved"
	LookupFailed   = "failed"
)

// Metrics holds every instrument the gateway exports. Handshake internals
// never appear in labels; users and databases do, secrets do not.
type Metrics struct {
	AuthAttempts       *prometheus.CounterVec
	HandshakeDuration  *prometheus.HistogramVec
	BackendConnections *prometheus.GaugeVec
	ClientSessions     prometheus.Gauge
	PassthroughLookups *prometheus.CounterVec
	CredentialReloads  prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		AuthAttempts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pggate_auth_attempts_total",
			Help: "Authentication handshakes by role and outcome.",
		}, []string{"role", "outcome"}),
		HandshakeDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pggate_handshake_duration_seconds",
			Help:    "Duration of SCRAM handshakes by role.",
			Buckets: prometheus.DefBuckets,
		}, []string{"role"}),
		BackendConnections: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "pggate_backend_connections",
			Help: "Backend connections per pool partition and state.",
		}, []string{"database", "user", "state"}),
		ClientSessions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pggate_client_sessions",
			Help: "Currently established client sessions.",
		}),
		PassthroughLookups: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pggate_passthrough_lookups_total",
			Help: "Passthrough verifier lookups by outcome.",
		}, []string{"outcome"}),
		CredentialReloads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pggate_credential_reloads_total",
			Help: "Credential snapshot reloads that succeeded.",
		}),
	}
}
