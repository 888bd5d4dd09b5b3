// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ingress

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"zmed.io/zmonitor/internal/bus"
	"zmed.io/zmonitor/internal/clock"
	"zmed.io/zmonitor/internal/logging"
	"zmed.io/zmonitor/internal/vitals"
)

// Poll and watchdog cadences.
const (
	PollInterval     = 50 * time.Microsecond
	spinIterations   = 64
	HeartbeatCheck   = 100 * time.Millisecond
	StallThreshold   = 250 * time.Millisecond
	handshakeTimeout = 5 * time.Second
)

// Config for the reader.
type Config struct {
	SocketPath string
	DeviceID   string
}

// Reader drives the sensor ring on the real-time context.
type Reader struct {
	cfg     Config
	logger  *logging.Logger
	signals *bus.Bus

	// Dispatch callbacks, invoked on the poll goroutine.
	onVital    func(vitals.Record)
	onWaveform func([]vitals.Sample)

	mem  []byte
	fd   int
	ring *ring

	readIdx uint64
	scratch [SlotSize]byte

	// threadHeartbeat is bumped every loop iteration for the watchdog.
	threadHeartbeat *atomic.Int64

	degraded atomic.Bool

	stopCh  chan struct{}
	loopWG  sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewReader creates a reader. Callbacks run on the poll goroutine and must
// stay within the real-time budget.
func NewReader(cfg Config, signals *bus.Bus, logger *logging.Logger) *Reader {
	if logger == nil {
		logger = logging.WithComponent("ingress")
	}
	return &Reader{
		cfg:     cfg,
		logger:  logger,
		signals: signals,
		fd:      -1,
	}
}

// OnVital registers the per-record callback. Not safe after Start.
func (r *Reader) OnVital(fn func(vitals.Record)) { r.onVital = fn }

// OnWaveform registers the waveform-batch callback. Not safe after Start.
func (r *Reader) OnWaveform(fn func([]vitals.Sample)) { r.onWaveform = fn }

// SetThreadHeartbeat wires the watchdog counter the poll loop bumps.
func (r *Reader) SetThreadHeartbeat(hb *atomic.Int64) { r.threadHeartbeat = hb }

// Degraded reports whether the sensor connection is currently stalled.
func (r *Reader) Degraded() bool { return r.degraded.Load() }

// Start performs the attach handshake, maps the ring, validates the header,
// and launches the poll loop. A failed handshake or invalid header fails
// Start; nothing is left mapped.
func (r *Reader) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	hs, err := handshake(r.cfg.SocketPath, handshakeTimeout)
	if err != nil {
		return err
	}

	mem, err := mapRing(hs.fd, hs.ringSize)
	if err != nil {
		unix.Close(hs.fd)
		return err
	}

	ring, err := newRing(mem)
	if err != nil {
		unmapRing(mem)
		unix.Close(hs.fd)
		return err
	}

	r.fd = hs.fd
	r.mem = mem
	r.ring = ring
	// Start from the writer's current position: history before attach is
	// not replayed.
	r.readIdx = ring.writeIndex()

	r.logger.Info("attached to sensor ring",
		"socket", r.cfg.SocketPath,
		"ring_bytes", hs.ringSize,
		"diag", hs.diagPath)

	r.stopCh = make(chan struct{})
	r.started = true

	r.loopWG.Add(2)
	go r.pollLoop()
	go r.heartbeatLoop()
	return nil
}

// StartWithBuffer attaches directly to a caller-provided memory region.
// Used by tests and the replay harness; the production path is Start.
func (r *Reader) StartWithBuffer(mem []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}
	ring, err := newRing(mem)
	if err != nil {
		return err
	}
	r.mem = nil // not ours to unmap
	r.ring = ring
	r.readIdx = ring.writeIndex()
	r.stopCh = make(chan struct{})
	r.started = true

	r.loopWG.Add(2)
	go r.pollLoop()
	go r.heartbeatLoop()
	return nil
}

// Stop terminates the loops, unmaps the ring, and releases the descriptor.
func (r *Reader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return
	}
	close(r.stopCh)
	r.loopWG.Wait()
	r.started = false

	if r.mem != nil {
		if err := unmapRing(r.mem); err != nil {
			r.logger.Warn("unmapping sensor ring", "error", err)
		}
		r.mem = nil
	}
	if r.fd >= 0 {
		unix.Close(r.fd)
		r.fd = -1
	}
	r.ring = nil
}

// pollLoop is the real-time consumer: spin briefly, yield, then sleep the
// poll interval when idle. Never writes to shared memory.
func (r *Reader) pollLoop() {
	defer r.loopWG.Done()

	idleSpins := 0
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		if r.threadHeartbeat != nil {
			r.threadHeartbeat.Store(clock.NowMillis())
		}

		if n := r.drainOnce(); n > 0 {
			idleSpins = 0
			continue
		}

		idleSpins++
		if idleSpins < spinIterations {
			runtime.Gosched()
			continue
		}
		idleSpins = 0
		time.Sleep(PollInterval)
	}
}

// drainOnce consumes every slot published since the last call. Returns the
// number of slots processed.
func (r *Reader) drainOnce() int {
	writer := r.ring.writeIndex()
	if writer == r.readIdx {
		return 0
	}

	// A reader that fell more than a full ring behind must skip forward;
	// the overwritten slots are unrecoverable.
	if writer-r.readIdx > SlotCount {
		skipped := writer - SlotCount + 1 - r.readIdx
		r.readIdx = writer - SlotCount + 1
		r.logger.Warn("reader lagged, skipping forward", "skipped", skipped)
		r.publishFault(bus.SensorFault{Kind: bus.SensorFaultSkipped, Count: skipped})
	}

	n := 0
	for ; r.readIdx < writer; r.readIdx++ {
		copy(r.scratch[:], r.ring.slot(r.readIdx))

		slot, err := decodeSlot(r.scratch[:])
		if err != nil {
			r.publishFault(bus.SensorFault{Kind: bus.SensorFaultCRC, Detail: err.Error()})
			n++
			continue
		}
		r.dispatch(slot)
		n++
	}
	return n
}

func (r *Reader) dispatch(slot Slot) {
	switch slot.Type {
	case SlotVitals:
		rec, err := parseVitalPayload(slot, r.cfg.DeviceID)
		if err != nil {
			r.publishFault(bus.SensorFault{Kind: bus.SensorFaultCRC, Detail: err.Error()})
			return
		}
		if r.onVital != nil {
			r.onVital(rec)
		}
	case SlotWaveformBatch:
		samples, err := parseWaveformPayload(slot)
		if err != nil {
			r.publishFault(bus.SensorFault{Kind: bus.SensorFaultCRC, Detail: err.Error()})
			return
		}
		if r.onWaveform != nil {
			r.onWaveform(samples)
		}
	case SlotHeartbeat:
		// Liveness is tracked through the header heartbeat; slot-level
		// heartbeats only confirm the writer's publish path.
	default:
		r.publishFault(bus.SensorFault{
			Kind:   bus.SensorFaultCRC,
			Detail: "unknown slot type",
		})
	}
}

// heartbeatLoop watches the writer's wall-clock heartbeat. A stall degrades
// the connection but never stops the reader: alarms on cached data must
// continue.
func (r *Reader) heartbeatLoop() {
	defer r.loopWG.Done()

	ticker := time.NewTicker(HeartbeatCheck)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			hb := int64(r.ring.heartbeatMillis())
			age := clock.NowMillis() - hb

			if age > StallThreshold.Milliseconds() {
				// Emit the stall exactly once per outage.
				if r.degraded.CompareAndSwap(false, true) {
					r.logger.Error("sensor heartbeat stalled", "age_ms", age)
					r.publishFault(bus.SensorFault{Kind: bus.SensorFaultStall, AgeMs: age})
				}
			} else if r.degraded.CompareAndSwap(true, false) {
				r.logger.Info("sensor heartbeat recovered")
				r.publishFault(bus.SensorFault{Kind: bus.SensorFaultRecovered})
			}
		}
	}
}

func (r *Reader) publishFault(f bus.SensorFault) {
	if r.signals != nil {
		r.signals.Publish(f)
	}
}
