// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ingress attaches to the sensor process's shared-memory ring and
// turns published slots into typed in-process events. The mapping is
// read-only; the reader never writes to shared memory.
package ingress

import (
	"encoding/binary"
	"hash/crc32"
	"math"
	"sync/atomic"
	"unsafe"

	"zmed.io/zmonitor/internal/errors"
	"zmed.io/zmonitor/internal/vitals"
)

// Ring geometry. External contract, bit-exact.
const (
	RingMagic    = 0x534D5242 // "SMRB"
	RingVersion  = 1
	SlotSize     = 4096
	SlotCount    = 2048
	HeaderSize   = 64
	MaxPayload   = 4064
	RingByteSize = HeaderSize + SlotSize*SlotCount
)

// Header field offsets.
const (
	offMagic     = 0  // u32
	offVersion   = 4  // u16
	offSlotSize  = 8  // u32
	offSlotCount = 12 // u32
	offWriteIdx  = 16 // u64, atomic, release-published by the writer
	offHeartbeat = 24 // u64, atomic, wall-clock ms
	offHeaderCRC = 32 // u32 over bytes [0, 32), write index and heartbeat taken as zero
)

// Slot field offsets.
const (
	slotOffType    = 0  // u8, pad[3]
	slotOffTime    = 4  // u64 timestamp-ns
	slotOffSeq     = 12 // u32 sequence
	slotOffPaySize = 16 // u32 payload-size
	slotOffPayload = 20
	slotOffCRC     = slotOffPayload + MaxPayload // u32
)

// Slot types.
const (
	SlotVitals        = 0x01
	SlotWaveformBatch = 0x02
	SlotHeartbeat     = 0x03
)

// ring wraps the mapped (or test-provided) memory region.
type ring struct {
	mem []byte
}

func newRing(mem []byte) (*ring, error) {
	if len(mem) < RingByteSize {
		return nil, errors.Errorf(errors.KindValidation,
			"ring region too small: %d bytes, need %d", len(mem), RingByteSize)
	}
	r := &ring{mem: mem}
	if err := r.validateHeader(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *ring) validateHeader() error {
	if got := binary.LittleEndian.Uint32(r.mem[offMagic:]); got != RingMagic {
		return errors.Errorf(errors.KindValidation, "bad ring magic 0x%08x", got)
	}
	if got := binary.LittleEndian.Uint16(r.mem[offVersion:]); got != RingVersion {
		return errors.Errorf(errors.KindValidation, "unsupported ring version %d", got)
	}
	if got := binary.LittleEndian.Uint32(r.mem[offSlotSize:]); got != SlotSize {
		return errors.Errorf(errors.KindValidation, "unexpected slot size %d", got)
	}
	if got := binary.LittleEndian.Uint32(r.mem[offSlotCount:]); got != SlotCount {
		return errors.Errorf(errors.KindValidation, "unexpected slot count %d", got)
	}
	want := binary.LittleEndian.Uint32(r.mem[offHeaderCRC:])
	// The write index and heartbeat change while the writer runs, so they
	// enter the checksum as zero.
	var img [offHeaderCRC]byte
	copy(img[:offWriteIdx], r.mem[:offWriteIdx])
	if got := crc32.ChecksumIEEE(img[:]); got != want {
		return errors.Errorf(errors.KindIntegrity, "header crc mismatch: 0x%08x != 0x%08x", got, want)
	}
	return nil
}

// writeIndex loads the writer's publication index with acquire semantics.
// Go's atomic loads order at least as strongly as acquire.
func (r *ring) writeIndex() uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&r.mem[offWriteIdx])))
}

// heartbeatMillis loads the writer's wall-clock heartbeat.
func (r *ring) heartbeatMillis() uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&r.mem[offHeartbeat])))
}

// slot returns the raw bytes of slot index i (mod SlotCount).
func (r *ring) slot(i uint64) []byte {
	off := HeaderSize + int(i%SlotCount)*SlotSize
	return r.mem[off : off+SlotSize]
}

// Slot is a validated, copied-out ring slot.
type Slot struct {
	Type        byte
	TimestampNs int64
	Sequence    uint32
	Payload     []byte // view into the caller's scratch buffer
}

// decodeSlot validates the CRC and extracts the slot fields from scratch,
// a private copy of the slot bytes. The CRC covers type, timestamp,
// sequence, payload-size and the payload itself.
func decodeSlot(scratch []byte) (Slot, error) {
	paySize := binary.LittleEndian.Uint32(scratch[slotOffPaySize:])
	if paySize > MaxPayload {
		return Slot{}, errors.Errorf(errors.KindIntegrity, "payload size %d exceeds slot capacity", paySize)
	}

	want := binary.LittleEndian.Uint32(scratch[slotOffCRC:])
	crc := crc32.NewIEEE()
	crc.Write(scratch[slotOffType : slotOffType+1])
	crc.Write(scratch[slotOffTime : slotOffTime+8])
	crc.Write(scratch[slotOffSeq : slotOffSeq+4])
	crc.Write(scratch[slotOffPaySize : slotOffPaySize+4])
	crc.Write(scratch[slotOffPayload : slotOffPayload+int(paySize)])
	if got := crc.Sum32(); got != want {
		return Slot{}, errors.Errorf(errors.KindIntegrity, "slot crc mismatch: 0x%08x != 0x%08x", got, want)
	}

	return Slot{
		Type:        scratch[slotOffType],
		TimestampNs: int64(binary.LittleEndian.Uint64(scratch[slotOffTime:])),
		Sequence:    binary.LittleEndian.Uint32(scratch[slotOffSeq:]),
		Payload:     scratch[slotOffPayload : slotOffPayload+int(paySize)],
	}, nil
}

// Vitals payload layout (little-endian):
//
//	metric-code u16 | quality-code u8 | reserved u8 | value f64 |
//	wall-ms i64 | mrn (u8 len + bytes) | unit (u8 len + bytes) |
//	origin (u8 len + bytes)
var metricCodes = map[uint16]vitals.MetricKind{
	1: vitals.MetricHeartRate,
	2: vitals.MetricSpO2,
	3: vitals.MetricRespirationRate,
	4: vitals.MetricPerfusionIndex,
	5: vitals.MetricTemperature,
}

var qualityCodes = map[byte]vitals.Quality{
	0: vitals.QualityGood,
	1: vitals.QualityFair,
	2: vitals.QualityPoor,
	3: vitals.QualityInvalid,
}

func readLString(p []byte, off int) (string, int, error) {
	if off >= len(p) {
		return "", 0, errors.New(errors.KindIntegrity, "truncated vitals payload")
	}
	n := int(p[off])
	off++
	if off+n > len(p) {
		return "", 0, errors.New(errors.KindIntegrity, "truncated vitals payload string")
	}
	return string(p[off : off+n]), off + n, nil
}

// parseVitalPayload decodes one vitals slot into a Record.
func parseVitalPayload(s Slot, deviceID string) (vitals.Record, error) {
	p := s.Payload
	if len(p) < 20 {
		return vitals.Record{}, errors.New(errors.KindIntegrity, "vitals payload too short")
	}

	metric, ok := metricCodes[binary.LittleEndian.Uint16(p[0:])]
	if !ok {
		return vitals.Record{}, errors.Errorf(errors.KindIntegrity, "unknown metric code %d", binary.LittleEndian.Uint16(p[0:]))
	}
	quality, ok := qualityCodes[p[2]]
	if !ok {
		quality = vitals.QualityInvalid
	}

	value := math.Float64frombits(binary.LittleEndian.Uint64(p[4:]))
	wallMs := int64(binary.LittleEndian.Uint64(p[12:]))

	mrn, off, err := readLString(p, 20)
	if err != nil {
		return vitals.Record{}, err
	}
	unit, off, err := readLString(p, off)
	if err != nil {
		return vitals.Record{}, err
	}
	origin, _, err := readLString(p, off)
	if err != nil {
		return vitals.Record{}, err
	}

	return vitals.Record{
		WallMillis:  wallMs,
		MonotonicNs: s.TimestampNs,
		PatientMRN:  mrn,
		Metric:      metric,
		Value:       value,
		Unit:        unit,
		Quality:     quality,
		Origin:      origin,
		DeviceID:    deviceID,
	}, nil
}

// Waveform payload layout (little-endian):
//
//	channel (u8 len + bytes) | rate-hz u32 | count u16 | values f32[count]
func parseWaveformPayload(s Slot) ([]vitals.Sample, error) {
	p := s.Payload
	ch, off, err := readLString(p, 0)
	if err != nil {
		return nil, err
	}
	if off+6 > len(p) {
		return nil, errors.New(errors.KindIntegrity, "waveform payload too short")
	}
	rate := binary.LittleEndian.Uint32(p[off:])
	count := int(binary.LittleEndian.Uint16(p[off+4:]))
	off += 6
	if off+count*4 > len(p) {
		return nil, errors.New(errors.KindIntegrity, "waveform payload truncated")
	}

	var periodNs int64
	if rate > 0 {
		periodNs = int64(1e9) / int64(rate)
	}
	out := make([]vitals.Sample, 0, count)
	for i := 0; i < count; i++ {
		bits := binary.LittleEndian.Uint32(p[off+i*4:])
		out = append(out, vitals.Sample{
			TimestampNs: s.TimestampNs + int64(i)*periodNs,
			Channel:     ch,
			Value:       float64(math.Float32frombits(bits)),
			RateHz:      int(rate),
		})
	}
	return out, nil
}

