package chat

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type sessionMetrics struct {
	framesReceived *prometheus.CounterVec
	decodeErrors   prometheus.Counter
	reconnects     prometheus.Counter
	connected      prometheus.Gauge
}

// sessions in one process share collectors when they share a registerer
func newSessionMetrics(registerer prometheus.Registerer) *sessionMetrics {
	metrics := &sessionMetrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "session",
			Name:      "frames_received_total",
			Help:      "Push frames received, by frame type.",
		}, []string{"type"}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "session",
			Name:      "frame_decode_errors_total",
			Help:      "Push frames dropped because they could not be decoded.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Push connections opened after the first one.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Subsystem: "session",
			Name:      "connected",
			Help:      "Push connections currently subscribed.",
		}),
	}
	if registerer == nil {
		return metrics
	}
	metrics.framesReceived = register(registerer, metrics.framesReceived)
	metrics.decodeErrors = register(registerer, metrics.decodeErrors)
	metrics.reconnects = register(registerer, metrics.reconnects)
	metrics.connected = register(registerer, metrics.connected)
	return metrics
}

func register[C prometheus.Collector](registerer prometheus.Registerer, collector C) C {
	if err := registerer.Register(collector); err != nil {
		var alreadyRegisteredErr prometheus.AlreadyRegisteredError
		if errors.As(err, &alreadyRegisteredErr) {
			if existing, ok := alreadyRegisteredErr.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return collector
}
