// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package transport delivers sealed telemetry batches at-least-once to the
// central server over mutual TLS. It owns the network context: one delivery
// loop, one persistent connection, reconciliation against server
// acknowledgement lists.
package transport

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"zmed.io/zmonitor/internal/bus"
	"zmed.io/zmonitor/internal/clock"
	"zmed.io/zmonitor/internal/errors"
	"zmed.io/zmonitor/internal/keystore"
	"zmed.io/zmonitor/internal/logging"
	"zmed.io/zmonitor/internal/telemetry"
)

// Delivery policy.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 10
	DefaultBaseBackoff = 1 * time.Second
	DefaultMaxBackoff  = 60 * time.Second
	backoffJitter      = 0.2
	dequeueSlice       = 500 * time.Millisecond
	expiredCertPause   = time.Minute
)

// Config for the transport.
type Config struct {
	// URL is the telemetry ingestion endpoint.
	URL string
	// ProbeHost is pinged while offline and the result logged; empty
	// disables probing.
	ProbeHost string

	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	return c
}

// AckSink receives durable delivery outcomes (store bookkeeping, dead-letter
// journal entries). Implementations run on the network context.
type AckSink interface {
	BatchAcknowledged(batchID string)
	BatchFailed(batchID string, retries int)
}

// Transport runs the delivery loop.
type Transport struct {
	cfg     Config
	queue   *telemetry.Queue
	codec   telemetry.Codec
	ks      *keystore.Keystore
	signals *bus.Bus
	logger  *logging.Logger
	sink    AckSink

	client *http.Client

	online          atomic.Bool
	onStateChange   func(online bool)
	threadHeartbeat *atomic.Int64
}

// New builds the transport. The HTTP client carries the keystore's mutual
// TLS configuration; there is no plaintext fallback.
func New(cfg Config, queue *telemetry.Queue, codec telemetry.Codec, ks *keystore.Keystore, signals *bus.Bus, logger *logging.Logger) *Transport {
	if logger == nil {
		logger = logging.WithComponent("transport")
	}
	cfg = cfg.withDefaults()

	t := &Transport{
		cfg:     cfg,
		queue:   queue,
		codec:   codec,
		ks:      ks,
		signals: signals,
		logger:  logger,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: ks.ClientTLSConfig(),
				// One persistent connection to the ingestion endpoint.
				MaxIdleConns:        1,
				MaxIdleConnsPerHost: 1,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	t.online.Store(true)
	return t
}

// SetAckSink wires durable delivery bookkeeping. Not safe after Run.
func (t *Transport) SetAckSink(s AckSink) { t.sink = s }

// OnStateChange registers the connectivity observer. Not safe after Run.
func (t *Transport) OnStateChange(fn func(online bool)) { t.onStateChange = fn }

// SetThreadHeartbeat wires the watchdog counter.
func (t *Transport) SetThreadHeartbeat(hb *atomic.Int64) { t.threadHeartbeat = hb }

// Online reports the last observed connectivity state.
func (t *Transport) Online() bool { return t.online.Load() }

// Run drives the delivery loop until ctx ends. Batches left in the queue at
// shutdown are not drained; in-memory-only batches are lost by design.
func (t *Transport) Run(ctx context.Context) {
	for {
		if t.threadHeartbeat != nil {
			t.threadHeartbeat.Store(clock.NowMillis())
		}

		// Short dequeue slices keep the heartbeat fresh while idle.
		sliceCtx, cancel := context.WithTimeout(ctx, dequeueSlice)
		batch, err := t.queue.Dequeue(sliceCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		t.deliver(ctx, batch)
	}
}

// deliver sends one batch and reconciles the acknowledgement.
func (t *Transport) deliver(ctx context.Context, b *telemetry.Batch) {
	if t.ks.Expired() {
		// An expired certificate refuses all outbound traffic. Hold the
		// batch and re-check later; delivery policy, not a retry.
		t.logger.Error("device certificate expired, refusing outbound connection")
		if t.signals != nil {
			t.signals.Publish(bus.CertificateExpiryWarning{
				Days:     t.ks.DaysUntilExpiry(),
				Serial:   t.ks.Certificate().SerialNumber.String(),
				Critical: true,
			})
		}
		t.requeueAfter(b, expiredCertPause)
		return
	}

	b.Status = telemetry.StatusInFlight

	ack, err := t.send(ctx, b)
	if err != nil {
		t.setOnline(false)
		t.logger.Warn("batch delivery failed",
			"batch_id", b.ID, "retry", b.RetryCount, "error", err)
		t.retry(b)
		return
	}
	t.setOnline(true)

	acked := false
	for _, id := range ack.AcknowledgedIDs {
		if id == b.ID {
			acked = true
		}
		if t.signals != nil {
			t.signals.Publish(bus.TelemetryAcknowledged{BatchID: id})
		}
		if t.sink != nil {
			t.sink.BatchAcknowledged(id)
		}
	}

	if acked {
		b.Status = telemetry.StatusAcknowledged
		t.logger.Debug("batch acknowledged", "batch_id", b.ID)
		return
	}

	// The server answered but did not acknowledge this batch.
	t.logger.Warn("batch not acknowledged by server", "batch_id", b.ID, "status", ack.Status)
	t.retry(b)
}

// send posts the container and parses the acknowledgement.
func (t *Transport) send(ctx context.Context, b *telemetry.Batch) (*telemetry.Ack, error) {
	container, err := telemetry.ContainerFor(b)
	if err != nil {
		return nil, err
	}
	body, err := t.codec.Encode(container)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "building telemetry request")
	}
	req.Header.Set("Content-Type", t.codec.ContentType())

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransient, "telemetry request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransient, "reading server response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf(errors.KindExternal, "server returned %d", resp.StatusCode)
	}
	return t.codec.DecodeAck(respBody)
}

// retry increments the retry budget and either requeues with backoff or
// dead-letters the batch.
func (t *Transport) retry(b *telemetry.Batch) {
	b.RetryCount++
	if b.RetryCount >= t.cfg.MaxRetries {
		b.Status = telemetry.StatusFailed
		t.logger.Error("batch exhausted retry budget", "batch_id", b.ID, "retries", b.RetryCount)
		if t.sink != nil {
			t.sink.BatchFailed(b.ID, b.RetryCount)
		}
		return
	}
	b.Status = telemetry.StatusPending
	t.requeueAfter(b, t.backoff(b.RetryCount))
}

// backoff computes base * 2^(n-1), capped, jittered +/-20%.
func (t *Transport) backoff(retry int) time.Duration {
	d := t.cfg.BaseBackoff << (retry - 1)
	if d > t.cfg.MaxBackoff || d <= 0 {
		d = t.cfg.MaxBackoff
	}
	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}

func (t *Transport) requeueAfter(b *telemetry.Batch, d time.Duration) {
	time.AfterFunc(d, func() {
		if dropped := t.queue.Enqueue(b); dropped != nil && t.signals != nil {
			t.signals.Publish(bus.TelemetryOverflowDropped{BatchID: dropped.ID})
		}
	})
}

func (t *Transport) setOnline(online bool) {
	if t.online.Swap(online) != online {
		if online {
			t.logger.Info("telemetry connectivity restored")
		} else {
			t.logger.Warn("telemetry connectivity lost, entering offline mode")
		}
		if t.onStateChange != nil {
			t.onStateChange(online)
		}
	}
}
