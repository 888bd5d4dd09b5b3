// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package telemetry

import (
	"encoding/base64"
	"encoding/json"

	"zmed.io/zmonitor/internal/errors"
)

// SchemaVersion of the wire container.
const SchemaVersion = 1

// MessageType of a container.
type MessageType string

const (
	MessageBatch        MessageType = "batch"
	MessageAlarm        MessageType = "alarm"
	MessageDeviceStatus MessageType = "device-status"
	MessageHeartbeat    MessageType = "heartbeat"
	MessageRegistration MessageType = "registration"
)

// Container is the outbound wire envelope. Nonce and signature travel
// base64-encoded.
type Container struct {
	SchemaVersion uint32      `json:"schema_version"`
	MessageType   MessageType `json:"message_type"`
	DeviceID      string      `json:"device_id"`
	WallTimeMs    int64       `json:"wall_time_ms"`
	Nonce         string      `json:"nonce"`
	Signature     string      `json:"signature"`
	Batch         *Batch      `json:"batch,omitempty"`
}

// Ack is the server acknowledgement body.
type Ack struct {
	Status          string   `json:"status"`
	AcknowledgedIDs []string `json:"acknowledged_ids"`
}

// Codec encodes containers and decodes acknowledgements. JSON carries the
// development content type; the binary production codec plugs in behind the
// same interface.
type Codec interface {
	ContentType() string
	Encode(*Container) ([]byte, error)
	DecodeAck([]byte) (*Ack, error)
}

// JSONCodec is the development wire format (application/json).
type JSONCodec struct{}

func (JSONCodec) ContentType() string { return "application/json" }

func (JSONCodec) Encode(c *Container) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "encoding container")
	}
	return data, nil
}

func (JSONCodec) DecodeAck(data []byte) (*Ack, error) {
	var ack Ack
	if err := json.Unmarshal(data, &ack); err != nil {
		return nil, errors.Wrap(err, errors.KindExternal, "decoding server acknowledgement")
	}
	return &ack, nil
}

// ContainerFor wraps a sealed batch in its wire envelope.
func ContainerFor(b *Batch) (*Container, error) {
	if !b.Sealed() {
		return nil, errors.New(errors.KindInternal, "container requires a sealed batch")
	}
	mt := MessageBatch
	if len(b.Alarms) > 0 && len(b.Records) == 0 {
		mt = MessageAlarm
	}
	if len(b.Alarms) == 0 && len(b.Records) == 0 {
		mt = MessageHeartbeat
	}
	return &Container{
		SchemaVersion: SchemaVersion,
		MessageType:   mt,
		DeviceID:      b.DeviceID,
		WallTimeMs:    b.SealedMs,
		Nonce:         base64.StdEncoding.EncodeToString(b.Nonce),
		Signature:     base64.StdEncoding.EncodeToString(b.Signature),
		Batch:         b,
	}, nil
}
