// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package telemetry

import (
	"sync"
	"time"

	"zmed.io/zmonitor/internal/alarm"
	"zmed.io/zmonitor/internal/bus"
	"zmed.io/zmonitor/internal/clock"
	"zmed.io/zmonitor/internal/keystore"
	"zmed.io/zmonitor/internal/logging"
	"zmed.io/zmonitor/internal/vitals"
)

// Seal triggers.
const (
	SealRecordLimit = 100
	SealMaxAge      = 10 * time.Second
)

// MetaSink receives batch lifecycle notifications for durable bookkeeping.
// Implementations must not block the caller: the batcher seals on the
// real-time context.
type MetaSink interface {
	BatchSealed(Batch)
	BatchDropped(batchID string)
}

// Batcher groups records into small signed batches so in-flight loss stays
// bounded. All methods are called from the real-time context except
// SetPatient, which arrives from the admission handler; the internal mutex
// sections are short.
type Batcher struct {
	mu sync.Mutex

	deviceID    string
	deviceLabel string
	handle      *keystore.Handle
	queue       *Queue
	signals     *bus.Bus
	logger      *logging.Logger
	meta        MetaSink

	patientMRN string
	current    *Batch
}

// NewBatcher creates the batcher.
func NewBatcher(deviceID, deviceLabel string, handle *keystore.Handle, queue *Queue, signals *bus.Bus, logger *logging.Logger) *Batcher {
	if logger == nil {
		logger = logging.WithComponent("telemetry")
	}
	return &Batcher{
		deviceID:    deviceID,
		deviceLabel: deviceLabel,
		handle:      handle,
		queue:       queue,
		signals:     signals,
		logger:      logger,
	}
}

// SetMetaSink wires durable batch bookkeeping. Not safe after start.
func (b *Batcher) SetMetaSink(m MetaSink) { b.meta = m }

// SetPatient records an admission or discharge. A patient change seals the
// open batch so no batch ever spans two associations.
func (b *Batcher) SetPatient(mrn string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.patientMRN == mrn {
		return
	}
	b.sealLocked("patient change")
	b.patientMRN = mrn
}

// Patient returns the current association.
func (b *Batcher) Patient() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.patientMRN
}

// Add appends a vital record. Records accumulated while no patient is
// admitted are never transmitted: they stay in the cache but out of the
// batch.
func (b *Batcher) Add(r vitals.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.patientMRN == "" {
		return
	}
	b.openLocked()
	b.current.appendRecord(r)

	if len(b.current.Records) >= SealRecordLimit {
		b.sealLocked("record limit")
	}
}

// OnAlarmEvent implements alarm.Sink: any alarm event seals the batch
// immediately so alarms reach the server with minimum latency.
func (b *Batcher) OnAlarmEvent(ev alarm.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.openLocked()
	b.current.appendAlarm(ev)
	b.sealLocked("alarm event")
}

// Tick enforces the age trigger; the real-time loop calls it periodically.
func (b *Batcher) Tick() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == nil {
		return
	}
	age := clock.NowMillis() - b.current.CreatedMs
	if age >= SealMaxAge.Milliseconds() {
		b.sealLocked("age")
	}
}

// SealHeartbeat emits an empty device-status batch so the server sees the
// monitor during standby. Skipped while a data batch is open: the data
// stream itself is the liveness signal then.
func (b *Batcher) SealHeartbeat() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current != nil {
		return
	}
	b.current = newBatch(b.deviceID, b.deviceLabel, "", clock.NowMillis())
	b.sealLocked("heartbeat")
}

// Flush seals whatever is open; called at shutdown.
func (b *Batcher) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealLocked("shutdown")
}

func (b *Batcher) openLocked() {
	if b.current == nil {
		b.current = newBatch(b.deviceID, b.deviceLabel, b.patientMRN, clock.NowMillis())
	}
}

// sealLocked signs and enqueues the open batch. Caller holds the mutex.
func (b *Batcher) sealLocked(reason string) {
	if b.current == nil {
		return
	}
	batch := b.current
	b.current = nil

	if err := batch.Seal(b.handle, clock.NowMillis()); err != nil {
		b.logger.Error("batch seal failed", "batch_id", batch.ID, "error", err)
		return
	}

	b.logger.Debug("batch sealed",
		"batch_id", batch.ID,
		"reason", reason,
		"records", len(batch.Records),
		"alarms", len(batch.Alarms))

	if b.meta != nil {
		b.meta.BatchSealed(*batch)
	}

	if dropped := b.queue.Enqueue(batch); dropped != nil {
		b.logger.Warn("telemetry queue full, dropped oldest batch", "batch_id", dropped.ID)
		if b.signals != nil {
			b.signals.Publish(bus.TelemetryOverflowDropped{BatchID: dropped.ID})
		}
		if b.meta != nil {
			b.meta.BatchDropped(dropped.ID)
		}
	}
}
