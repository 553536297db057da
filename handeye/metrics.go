package handeye

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Capture outcomes recorded in handeye_captures_total.
const (
	OutcomeAccepted      = "accepted"
	OutcomeNoMarker      = "no_marker"
	OutcomeSkew          = "excessive_skew"
	OutcomeMoving        = "robot_moving"
	OutcomePoseError     = "pose_error"
	OutcomeDetectorError = "detector_error"
	OutcomeStoreError    = "store_error"
	OutcomeCancelled     = "cancelled"
)

// Metrics provides observability for capture, solve and verification. A nil *Metrics records nothing.
type Metrics struct {
	Captures            *prometheus.CounterVec
	Solves              *prometheus.CounterVec
	RotationResidual    prometheus.Gauge
	TranslationResidual prometheus.Gauge
	PositionDeviation   prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Captures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "handeye_captures_total",
			Help: "Capture attempts by outcome",
		}, []string{"outcome"}),
		Solves: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "handeye_solves_total",
			Help: "Hand-eye solves by result quality",
		}, []string{"quality"}),
		RotationResidual: factory.NewGauge(prometheus.GaugeOpts{
			Name: "handeye_solve_rotation_residual_radians",
			Help: "Mean pair rotation residual of the last solve",
		}),
		TranslationResidual: factory.NewGauge(prometheus.GaugeOpts{
			Name: "handeye_solve_translation_residual_mm",
			Help: "Mean pair translation residual of the last solve",
		}),
		PositionDeviation: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "handeye_verification_position_deviation_mm",
			Help:    "Position deviation of held-out samples from the calibration's prediction",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}),
	}
}

// IncrementCapture records a capture outcome.
func (m *Metrics) IncrementCapture(outcome string) {
	if m != nil {
		m.Captures.WithLabelValues(outcome).Inc()
	}
}

// ObserveSolve records a solve result.
func (m *Metrics) ObserveSolve(res *CalibrationResult) {
	if m == nil || res == nil {
		return
	}
	m.Solves.WithLabelValues(string(res.Quality)).Inc()
	if res.Failure == nil || res.PairCount > 0 {
		m.RotationResidual.Set(res.Residuals.RotationMeanRad)
		m.TranslationResidual.Set(res.Residuals.TranslationMeanMM)
	}
}

// ObserveVerification records every sample's position deviation.
func (m *Metrics) ObserveVerification(report *VerificationReport) {
	if m == nil || report == nil {
		return
	}
	for _, s := range report.Samples {
		m.PositionDeviation.Observe(s.PositionDeviationMM)
	}
}
