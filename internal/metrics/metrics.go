package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"maillog/internal/logger"
)

var (
	// LinesConsumed counts raw lines read from the input feed.
	LinesConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maillog_lines_consumed_total",
		Help: "Raw syslog lines read from the input feed",
	})

	// LinesFiltered counts lines dropped by the tokenizer filters.
	LinesFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maillog_lines_filtered_total",
		Help: "Lines dropped by process/key filters or malformed timestamps",
	})

	// RecordsStaged counts staging-store writes.
	RecordsStaged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maillog_records_staged_total",
		Help: "Record writes to the staging store",
	})

	// RecordsFinalized counts records handed to the persistence engine.
	RecordsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maillog_records_finalized_total",
		Help: "Records persisted to the relational store, by stage",
	}, []string{"stage"})

	// StagingFaults counts staging-store failures.
	StagingFaults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maillog_staging_faults_total",
		Help: "Failed staging-store operations",
	})
)

// Serve exposes /metrics on addr in the background.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Errorf("Metrics listener stopped: %v", err)
		}
	}()
}
