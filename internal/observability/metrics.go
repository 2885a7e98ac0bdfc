package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ericfisherdev/policygate/internal/application"
	"github.com/ericfisherdev/policygate/internal/domain/model"
)

var _ application.Observer = (*Metrics)(nil)

// Metrics holds the Prometheus collectors of the evaluation pipeline.
type Metrics struct {
	Evaluations        *prometheus.CounterVec
	EvaluationDuration *prometheus.HistogramVec
	ViolationsUpserted *prometheus.CounterVec
	ViolationsCleared  *prometheus.CounterVec
	RuleTransitions    *prometheus.CounterVec
	Notes              *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. Pass prometheus.NewRegistry()
// in tests to avoid clashing with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Evaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policygate_evaluations_total",
				Help: "Evaluation passes by report type and outcome",
			},
			[]string{"report_type", "outcome"},
		),
		EvaluationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "policygate_evaluation_duration_seconds",
				Help:    "Duration of one evaluation pass for a merge request",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"report_type"},
		),
		ViolationsUpserted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policygate_violations_upserted_total",
				Help: "Violation rows written",
			},
			[]string{"report_type"},
		),
		ViolationsCleared: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policygate_violations_cleared_total",
				Help: "Violation rows removed because the policy is no longer violated",
			},
			[]string{"report_type"},
		),
		RuleTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policygate_rule_transitions_total",
				Help: "Approval rule approvals_required changes",
			},
			[]string{"report_type", "violated"},
		),
		Notes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policygate_bot_notes_total",
				Help: "Bot note upserts by result",
			},
			[]string{"result"},
		),
	}
}

// EvaluationCompleted implements application.Observer.
func (m *Metrics) EvaluationCompleted(reportType model.ReportType, outcome string, elapsed time.Duration) {
	m.Evaluations.WithLabelValues(string(reportType), outcome).Inc()
	m.EvaluationDuration.WithLabelValues(string(reportType)).Observe(elapsed.Seconds())
}

// ViolationsCommitted implements application.Observer.
func (m *Metrics) ViolationsCommitted(reportType model.ReportType, upserted, cleared int) {
	m.ViolationsUpserted.WithLabelValues(string(reportType)).Add(float64(upserted))
	m.ViolationsCleared.WithLabelValues(string(reportType)).Add(float64(cleared))
}

// RuleTransitioned implements application.Observer.
func (m *Metrics) RuleTransitioned(reportType model.ReportType, violated bool) {
	m.RuleTransitions.WithLabelValues(string(reportType), strconv.FormatBool(violated)).Inc()
}

// NoteUpserted implements application.Observer.
func (m *Metrics) NoteUpserted(result string) {
	m.Notes.WithLabelValues(result).Inc()
}
