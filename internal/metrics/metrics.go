// Package metrics registers the Prometheus counters exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QualityRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presensi",
		Name:      "quality_rejects_total",
		Help:      "Detections rejected by the quality gate, by reason.",
	}, []string{"reason"})

	Recognitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presensi",
		Name:      "recognitions_total",
		Help:      "Recognition attempts by outcome.",
	}, []string{"outcome"})

	CheckIns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presensi",
		Name:      "checkins_total",
		Help:      "Check-ins by result (created, already_recorded, error).",
	}, []string{"result"})

	Enrollments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presensi",
		Name:      "enrollments_total",
		Help:      "Descriptor enrollments by result.",
	}, []string{"result"})

	MatchDistance = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "presensi",
		Name:      "match_distance",
		Help:      "Distance to the nearest enrolled descriptor.",
		Buckets:   []float64{0.2, 0.3, 0.4, 0.5, 0.55, 0.6, 0.65, 0.7, 0.8, 1.0},
	})

	GallerySize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "presensi",
		Name:      "gallery_descriptors",
		Help:      "Descriptors in the in-memory matching gallery.",
	})
)
