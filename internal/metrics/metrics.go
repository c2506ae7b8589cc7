package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ChecksTotal counts watcher runs by outcome (success, failure, skipped).
	ChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagewatch_checks_total",
			Help: "Total number of task checks by outcome",
		},
		[]string{"outcome"},
	)

	// NotificationsTotal counts dispatch attempts by channel and outcome (sent, error, fallback).
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagewatch_notifications_total",
			Help: "Total number of notifications by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	// JobsDropped counts triggers dropped because the same key was already active.
	JobsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pagewatch_jobs_dropped_total",
			Help: "Total number of job triggers dropped as duplicates",
		},
	)

	// JobsTotal counts finished queue jobs by type and status (succeeded, retried, failed).
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagewatch_jobs_total",
			Help: "Total number of queue jobs finished by type and status",
		},
		[]string{"type", "status"},
	)

	// HTTPRequestsTotal counts ops API requests.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagewatch_http_requests_total",
			Help: "Total number of ops API requests",
		},
		[]string{"method", "route", "status"},
	)
)

var initOnce sync.Once

func init() {
	initOnce.Do(func() {
		prometheus.MustRegister(ChecksTotal, NotificationsTotal, JobsDropped, JobsTotal, HTTPRequestsTotal)
	})
}

func IncCheck(outcome string) {
	ChecksTotal.WithLabelValues(outcome).Inc()
}

func IncNotification(channel, outcome string) {
	NotificationsTotal.WithLabelValues(channel, outcome).Inc()
}

func IncJobsDropped() {
	JobsDropped.Inc()
}

func IncJob(jobType, status string) {
	JobsTotal.WithLabelValues(jobType, status).Inc()
}

// RecordRequest is called by the API middleware with the matched route pattern
// so that ids do not blow up label cardinality.
func RecordRequest(method, route string, statusCode int) {
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
}
