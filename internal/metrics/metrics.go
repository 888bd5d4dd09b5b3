// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the core's Prometheus instrumentation, served on
// the ops API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the core's instruments behind one Prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	VitalsIngested  prometheus.Counter
	WaveformSamples prometheus.Counter
	SlotCRCFailures prometheus.Counter
	SensorStalls    prometheus.Counter

	AlarmsOpened     *prometheus.CounterVec
	AlarmTransitions *prometheus.CounterVec
	ActiveAlarms     *prometheus.GaugeVec

	BatchesSealed  prometheus.Counter
	BatchesAcked   prometheus.Counter
	BatchesFailed  prometheus.Counter
	BatchesDropped prometheus.Counter

	DrainDuration  prometheus.Histogram
	DrainedRecords prometheus.Counter
	RetentionRows  *prometheus.CounterVec

	HeartbeatAge *prometheus.GaugeVec
}

// New builds the registry with every instrument registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Registry{
		reg: reg,
		VitalsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zmonitor_vitals_ingested_total",
			Help: "Vital records decoded from the sensor ring.",
		}),
		WaveformSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zmonitor_waveform_samples_total",
			Help: "Waveform samples decoded from the sensor ring.",
		}),
		SlotCRCFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zmonitor_sensor_crc_failures_total",
			Help: "Ring slots rejected on CRC mismatch.",
		}),
		SensorStalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zmonitor_sensor_stalls_total",
			Help: "Sensor heartbeat stalls past the 250ms threshold.",
		}),
		AlarmsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zmonitor_alarms_opened_total",
			Help: "Alarms opened, by priority.",
		}, []string{"priority"}),
		AlarmTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zmonitor_alarm_transitions_total",
			Help: "Alarm state transitions, by transition.",
		}, []string{"transition"}),
		ActiveAlarms: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zmonitor_active_alarms",
			Help: "Currently non-terminal alarms, by priority.",
		}, []string{"priority"}),
		BatchesSealed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zmonitor_telemetry_batches_sealed_total",
			Help: "Telemetry batches sealed and signed.",
		}),
		BatchesAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zmonitor_telemetry_batches_acknowledged_total",
			Help: "Telemetry batches acknowledged by the server.",
		}),
		BatchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zmonitor_telemetry_batches_failed_total",
			Help: "Telemetry batches dead-lettered after the retry budget.",
		}),
		BatchesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zmonitor_telemetry_batches_dropped_total",
			Help: "Telemetry batches shed by queue overflow.",
		}),
		DrainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zmonitor_persist_drain_seconds",
			Help:    "Duration of persistence drains.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		DrainedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zmonitor_persist_records_total",
			Help: "Vital records written to the store.",
		}),
		RetentionRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zmonitor_retention_rows_purged_total",
			Help: "Rows purged by the retention manager, by table.",
		}, []string{"table"}),
		HeartbeatAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zmonitor_context_heartbeat_age_ms",
			Help: "Milliseconds since each context's last heartbeat.",
		}, []string{"context"}),
	}

	reg.MustRegister(
		m.VitalsIngested, m.WaveformSamples, m.SlotCRCFailures, m.SensorStalls,
		m.AlarmsOpened, m.AlarmTransitions, m.ActiveAlarms,
		m.BatchesSealed, m.BatchesAcked, m.BatchesFailed, m.BatchesDropped,
		m.DrainDuration, m.DrainedRecords, m.RetentionRows,
		m.HeartbeatAge,
	)
	return m
}

// RegisterGaugeFunc adds a callback-backed gauge (queue depth, cache fill).
func (m *Registry) RegisterGaugeFunc(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	}, fn))
}

// Handler serves the registry over HTTP.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
