package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Calls            *prometheus.CounterVec
	StreamErrors     prometheus.Counter
	PromptTokens     prometheus.Counter
	CompletionTokens prometheus.Counter
	CallDuration     prometheus.Histogram

	EnqueuedJobs  prometheus.Counter
	ProcessedJobs prometheus.Counter
	FailedJobs    prometheus.Counter
	UpdatesTotal  prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = New()
		prometheus.MustRegister(
			global.Calls,
			global.StreamErrors,
			global.PromptTokens,
			global.CompletionTokens,
			global.CallDuration,
			global.EnqueuedJobs,
			global.ProcessedJobs,
			global.FailedJobs,
			global.UpdatesTotal,
		)
	})
	return global
}

// New returns unregistered collectors.
func New() *Metrics {
	return &Metrics{
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promptcaller",
			Name:      "calls_total",
			Help:      "Total completion calls by backend and outcome",
		}, []string{"backend", "status"}),
		StreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "promptcaller",
			Name:      "stream_errors_total",
			Help:      "Total streams that ended early on an error",
		}),
		PromptTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "promptcaller",
			Name:      "prompt_tokens_total",
			Help:      "Total prompt tokens consumed",
		}),
		CompletionTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "promptcaller",
			Name:      "completion_tokens_total",
			Help:      "Total completion tokens generated",
		}),
		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "promptcaller",
			Name:      "call_duration_seconds",
			Help:      "Wall time of completion calls including streaming",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "promptcaller",
			Name:      "queue_enqueued_total",
			Help:      "Total jobs enqueued to redis stream",
		}),
		ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "promptcaller",
			Name:      "queue_processed_total",
			Help:      "Total jobs successfully processed",
		}),
		FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "promptcaller",
			Name:      "queue_failed_total",
			Help:      "Total jobs failed during processing",
		}),
		UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "promptcaller",
			Name:      "telegram_updates_total",
			Help:      "Total telegram updates received",
		}),
	}
}
