// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package telemetry forms, signs, and queues outbound batches. Sealing runs
// on the real-time context; sealed batches are transferred, never shared,
// to the transport context through the bounded queue.
package telemetry

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/google/uuid"

	"zmed.io/zmonitor/internal/alarm"
	"zmed.io/zmonitor/internal/errors"
	"zmed.io/zmonitor/internal/keystore"
	"zmed.io/zmonitor/internal/vitals"
)

// Status tracks a batch through delivery.
type Status string

const (
	StatusPending         Status = "pending"
	StatusInFlight        Status = "in_flight"
	StatusAcknowledged    Status = "acknowledged"
	StatusFailed          Status = "failed"
	StatusOverflowDropped Status = "overflow_dropped"
)

// NonceSize is 128 bits; server-side deduplication relies on it.
const NonceSize = 16

// Batch is append-only while open, immutable once sealed.
type Batch struct {
	ID          string          `json:"batch_id"`
	DeviceID    string          `json:"device_id"`
	DeviceLabel string          `json:"device_label,omitempty"`
	PatientMRN  string          `json:"patient_mrn,omitempty"`
	OldestMs    int64           `json:"oldest_ms,omitempty"`
	NewestMs    int64           `json:"newest_ms,omitempty"`
	Records     []vitals.Record `json:"records,omitempty"`
	Alarms      []alarm.Event   `json:"alarms,omitempty"`
	CreatedMs   int64           `json:"created_ms"`
	SealedMs    int64           `json:"sealed_ms,omitempty"`
	Nonce       []byte          `json:"nonce,omitempty"`
	Signature   []byte          `json:"signature,omitempty"`
	PayloadHash []byte          `json:"payload_hash,omitempty"`

	RetryCount int    `json:"retry_count"`
	Status     Status `json:"status"`

	sealed bool
}

// payload is the signed portion of a batch.
type payload struct {
	PatientMRN string          `json:"patient_mrn,omitempty"`
	OldestMs   int64           `json:"oldest_ms,omitempty"`
	NewestMs   int64           `json:"newest_ms,omitempty"`
	Records    []vitals.Record `json:"records,omitempty"`
	Alarms     []alarm.Event   `json:"alarms,omitempty"`
}

// PayloadBytes returns the canonical serialization of the batch payload.
// Field order is fixed by the struct; the same bytes are produced before
// sealing and after a wire round trip.
func (b *Batch) PayloadBytes() ([]byte, error) {
	return json.Marshal(payload{
		PatientMRN: b.PatientMRN,
		OldestMs:   b.OldestMs,
		NewestMs:   b.NewestMs,
		Records:    b.Records,
		Alarms:     b.Alarms,
	})
}

// signingInput assembles device_id || sealed-timestamp || nonce || payload-hash.
func signingInput(deviceID string, sealedMs int64, nonce, payloadHash []byte) []byte {
	buf := make([]byte, 0, len(deviceID)+8+len(nonce)+len(payloadHash))
	buf = append(buf, deviceID...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(sealedMs))
	buf = append(buf, ts[:]...)
	buf = append(buf, nonce...)
	buf = append(buf, payloadHash...)
	return buf
}

// Seal hashes, stamps, and signs the batch. Once sealed the batch is
// immutable; a second Seal is an error.
func (b *Batch) Seal(handle *keystore.Handle, sealedMs int64) error {
	if b.sealed {
		return errors.New(errors.KindInternal, "batch already sealed")
	}

	data, err := b.PayloadBytes()
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "serializing batch payload")
	}
	sum := sha256.Sum256(data)
	b.PayloadHash = sum[:]

	b.Nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, b.Nonce); err != nil {
		return errors.Wrap(err, errors.KindInfrastructure, "generating batch nonce")
	}
	b.SealedMs = sealedMs

	sig, err := handle.Sign(signingInput(b.DeviceID, b.SealedMs, b.Nonce, b.PayloadHash))
	if err != nil {
		return err
	}
	b.Signature = sig
	b.Status = StatusPending
	b.sealed = true
	return nil
}

// Sealed reports whether Seal has run.
func (b *Batch) Sealed() bool { return b.sealed }

// VerifySignature checks the seal under the given public key. Used by tests
// and diagnostics; the server performs the authoritative check.
func (b *Batch) VerifySignature(pub any) (bool, error) {
	data, err := b.PayloadBytes()
	if err != nil {
		return false, err
	}
	sum := sha256.Sum256(data)
	digest := sha256.Sum256(signingInput(b.DeviceID, b.SealedMs, b.Nonce, sum[:]))

	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		return ecdsa.VerifyASN1(k, digest[:], b.Signature), nil
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(k, crypto.SHA256, digest[:], b.Signature) == nil, nil
	default:
		return false, errors.Errorf(errors.KindValidation, "unsupported public key %T", pub)
	}
}

// newBatch opens an empty batch.
func newBatch(deviceID, deviceLabel, patientMRN string, createdMs int64) *Batch {
	return &Batch{
		ID:          uuid.NewString(),
		DeviceID:    deviceID,
		DeviceLabel: deviceLabel,
		PatientMRN:  patientMRN,
		CreatedMs:   createdMs,
		Status:      StatusPending,
	}
}

// appendRecord adds a vital record to an open batch.
func (b *Batch) appendRecord(r vitals.Record) {
	b.Records = append(b.Records, r)
	if b.OldestMs == 0 || r.WallMillis < b.OldestMs {
		b.OldestMs = r.WallMillis
	}
	if r.WallMillis > b.NewestMs {
		b.NewestMs = r.WallMillis
	}
}

// appendAlarm adds an alarm event to an open batch.
func (b *Batch) appendAlarm(ev alarm.Event) {
	b.Alarms = append(b.Alarms, ev)
	if b.OldestMs == 0 || ev.TimestampMs < b.OldestMs {
		b.OldestMs = ev.TimestampMs
	}
	if ev.TimestampMs > b.NewestMs {
		b.NewestMs = ev.TimestampMs
	}
}
