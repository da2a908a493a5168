package metrics
import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)
var (
	AccountsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "legalvault_accounts_created_total",
		Help: "no. of accounts created",
	})
	Logins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legalvault_logins_total",
			Help: "no. of login attempts by outcome",
		},
		[]string{"outcome"},
	)
	Recoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legalvault_recoveries_total",
			Help: "no. of recovery attempts by outcome",
		},
		[]string{"outcome"},
	)
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "legalvault_sessions_active",
		Help: "no. of unlocked vault sessions held in memory",
	})
	VaultOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legalvault_vault_operations_total",
			Help: "no. of vault encrypt/decrypt operations",
		},
		[]string{"operation"},
	)
	DecryptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "legalvault_decrypt_failures_total",
		Help: "no. of vault reads that failed authentication",
	})
	DocumentsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "legalvault_documents_rejected_total",
		Help: "no. of documents the analyzer refused",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "legalvault_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "legalvault_recent_error_rate_percent",
		Help: "5min rolling avg server error rate percentage",
	})
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legalvault_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
)
