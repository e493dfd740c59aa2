// SPDX-License-Identifier: MIT

// Package metrics declares the Prometheus collectors shared across the
// gateway, panel and kiosk processes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LockerTransitions counts committed locker state transitions by event type.
	LockerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eform_locker_transitions_total",
		Help: "Committed locker state transitions by event type.",
	}, []string{"type"})

	// CommandsEnqueued counts queued kiosk commands by type.
	CommandsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eform_commands_enqueued_total",
		Help: "Commands enqueued for kiosks by command type.",
	}, []string{"type"})

	// CommandsCompleted counts delivered commands by outcome.
	CommandsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eform_commands_completed_total",
		Help: "Command deliveries by terminal outcome.",
	}, []string{"outcome"})

	// RateLimited counts rate-limiter denials by key class.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eform_rate_limited_total",
		Help: "Requests denied by the sliding-window rate limiter.",
	}, []string{"class"})

	// ModbusCommands counts serial bus writes by result.
	ModbusCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eform_modbus_commands_total",
		Help: "Modbus coil writes by result.",
	}, []string{"result"})

	// ModbusPulseDuration observes full pulse round trips.
	ModbusPulseDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "eform_modbus_pulse_seconds",
		Help:    "Duration of complete open pulses including the OFF write.",
		Buckets: prometheus.DefBuckets,
	})

	// KiosksOnline tracks the number of kiosks currently online.
	KiosksOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eform_kiosks_online",
		Help: "Kiosks currently reporting heartbeats.",
	})

	// QRRequests counts QR access attempts by status code.
	QRRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eform_qr_requests_total",
		Help: "QR access attempts by HTTP status.",
	}, []string{"status"})
)
