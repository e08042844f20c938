package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	EnqueuedJobs   prometheus.Counter
	ProcessedJobs  prometheus.Counter
	FailedJobs     prometheus.Counter
	TextRequests   prometheus.Counter
	ImageRequests  prometheus.Counter
	CreditsDebited prometheus.Counter
	CreditsRefunds prometheus.Counter
	PollTimeouts   prometheus.Counter
	FactsInserted  prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "emberchat",
				Name:      "queue_enqueued_total",
				Help:      "Total jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "emberchat",
				Name:      "queue_processed_total",
				Help:      "Total jobs successfully processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "emberchat",
				Name:      "queue_failed_total",
				Help:      "Total jobs failed during processing",
			}),
			TextRequests: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "emberchat",
				Name:      "generation_text_total",
				Help:      "Total text generation requests accepted",
			}),
			ImageRequests: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "emberchat",
				Name:      "generation_image_total",
				Help:      "Total image generation requests accepted",
			}),
			CreditsDebited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "emberchat",
				Name:      "credits_debited_total",
				Help:      "Total credits debited for generation operations",
			}),
			CreditsRefunds: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "emberchat",
				Name:      "credits_refunded_total",
				Help:      "Total credits refunded after failed generations",
			}),
			PollTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "emberchat",
				Name:      "image_poll_timeouts_total",
				Help:      "Total image jobs that exceeded the polling budget",
			}),
			FactsInserted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "emberchat",
				Name:      "memory_facts_total",
				Help:      "Total durable facts inserted by the memory extractor",
			}),
		}
		prometheus.MustRegister(
			global.EnqueuedJobs,
			global.ProcessedJobs,
			global.FailedJobs,
			global.TextRequests,
			global.ImageRequests,
			global.CreditsDebited,
			global.CreditsRefunds,
			global.PollTimeouts,
			global.FactsInserted,
		)
	})
	return global
}
