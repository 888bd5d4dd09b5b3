// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vitals

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"
)

// DefaultWaveformCapacity covers roughly 30 seconds at 250 Hz.
const DefaultWaveformCapacity = 7_500

// WaveformRing is a fixed-capacity circular buffer of waveform samples.
// Display only: the ring is never drained to the store. On alarm the engine
// may snapshot the current contents for attachment to the alarm row.
type WaveformRing struct {
	mu    sync.RWMutex
	buf   []Sample
	head  int
	count int
}

// NewWaveformRing creates a ring; zero or negative capacity selects the
// default.
func NewWaveformRing(capacity int) *WaveformRing {
	if capacity <= 0 {
		capacity = DefaultWaveformCapacity
	}
	return &WaveformRing{buf: make([]Sample, capacity)}
}

// Append inserts a sample, overwriting the oldest when full. O(1).
func (w *WaveformRing) Append(s Sample) {
	w.mu.Lock()
	if w.count == len(w.buf) {
		w.buf[w.head] = s
		w.head = (w.head + 1) % len(w.buf)
	} else {
		w.buf[(w.head+w.count)%len(w.buf)] = s
		w.count++
	}
	w.mu.Unlock()
}

// Len returns the number of buffered samples.
func (w *WaveformRing) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.count
}

// Last returns a copy of the newest n samples, oldest first.
func (w *WaveformRing) Last(n int) []Sample {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if n > w.count {
		n = w.count
	}
	out := make([]Sample, 0, n)
	for i := w.count - n; i < w.count; i++ {
		out = append(out, w.buf[(w.head+i)%len(w.buf)])
	}
	return out
}

// Snapshot returns the full current contents, oldest first.
func (w *WaveformRing) Snapshot() []Sample {
	return w.Last(w.Len())
}

const snapshotScale = 1000 // three decimal places survive the round trip

// EncodeSnapshot delta-compresses a sample run into an opaque blob suitable
// for attachment to an alarm row. Values are scaled to integers and encoded
// as a first absolute value followed by zigzag varint deltas; timestamps are
// reconstructed from the first timestamp and the sample rate.
func EncodeSnapshot(samples []Sample) []byte {
	if len(samples) == 0 {
		return nil
	}

	var buf bytes.Buffer
	first := samples[0]

	var hdr [binary.MaxVarintLen64]byte
	put := func(v int64) {
		n := binary.PutVarint(hdr[:], v)
		buf.Write(hdr[:n])
	}
	putU := func(v uint64) {
		n := binary.PutUvarint(hdr[:], v)
		buf.Write(hdr[:n])
	}

	putU(uint64(len(samples)))
	put(first.TimestampNs)
	putU(uint64(first.RateHz))
	putU(uint64(len(first.Channel)))
	buf.WriteString(first.Channel)

	prev := int64(math.Round(first.Value * snapshotScale))
	put(prev)
	for _, s := range samples[1:] {
		v := int64(math.Round(s.Value * snapshotScale))
		put(v - prev)
		prev = v
	}
	return buf.Bytes()
}

// DecodeSnapshot reverses EncodeSnapshot.
func DecodeSnapshot(blob []byte) ([]Sample, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	r := bytes.NewReader(blob)

	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	firstTs, err := binary.ReadVarint(r)
	if err != nil {
		return nil, err
	}
	rate, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	chLen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	ch := make([]byte, chLen)
	if _, err := r.Read(ch); err != nil {
		return nil, err
	}

	var periodNs int64
	if rate > 0 {
		periodNs = int64(1e9) / int64(rate)
	}

	out := make([]Sample, 0, n)
	var acc int64
	for i := uint64(0); i < n; i++ {
		d, err := binary.ReadVarint(r)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			acc = d
		} else {
			acc += d
		}
		out = append(out, Sample{
			TimestampNs: firstTs + int64(i)*periodNs,
			Channel:     string(ch),
			Value:       float64(acc) / snapshotScale,
			RateHz:      int(rate),
		})
	}
	return out, nil
}
