// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zmed.io/zmonitor/internal/bus"
	"zmed.io/zmonitor/internal/keystore"
	"zmed.io/zmonitor/internal/logging"
	"zmed.io/zmonitor/internal/telemetry"
	"zmed.io/zmonitor/internal/vitals"
)

// testEnv wires a full mutual-TLS loop: CA, device credential on disk, a
// TLS test server requiring client certificates, and a keystore.
type testEnv struct {
	srv   *httptest.Server
	ks    *keystore.Keystore
	queue *telemetry.Queue
	sig   *bus.Bus
}

func mkCert(t *testing.T, tmpl, parent *x509.Certificate, pub *ecdsa.PublicKey, signer *ecdsa.PrivateKey) (*x509.Certificate, []byte) {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, der
}

func newTestEnv(t *testing.T, handler http.Handler) *testEnv {
	t.Helper()
	dir := t.TempDir()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Z Monitor Test Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	caCert, caDER := mkCert(t, caTmpl, caTmpl, &caKey.PublicKey, caKey)

	devKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	devTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "ZM-01"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	_, devDER := mkCert(t, devTmpl, caCert, &devKey.PublicKey, caKey)

	srvKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	srvTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "telemetry.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	_, srvDER := mkCert(t, srvTmpl, caCert, &srvKey.PublicKey, caKey)

	write := func(name, typ string, der []byte) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), 0o600))
		return path
	}
	devKeyDER, err := x509.MarshalECPrivateKey(devKey)
	require.NoError(t, err)

	ks, err := keystore.Open(keystore.Config{
		CertPath:   write("dev.crt", "CERTIFICATE", devDER),
		KeyPath:    write("dev.key", "EC PRIVATE KEY", devKeyDER),
		AnchorPath: write("ca.crt", "CERTIFICATE", caDER),
		DeviceID:   "ZM-01",
	}, logging.NewNop())
	require.NoError(t, err)

	srvKeyDER, err := x509.MarshalECPrivateKey(srvKey)
	require.NoError(t, err)
	srvTLSCert, err := tls.X509KeyPair(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srvDER}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: srvKeyDER}))
	require.NoError(t, err)

	clientCAs := x509.NewCertPool()
	clientCAs.AddCert(caCert)

	srv := httptest.NewUnstartedServer(handler)
	srv.TLS = &tls.Config{
		Certificates: []tls.Certificate{srvTLSCert},
		ClientCAs:    clientCAs,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}
	srv.StartTLS()
	t.Cleanup(srv.Close)

	return &testEnv{
		srv:   srv,
		ks:    ks,
		queue: telemetry.NewQueue(16),
		sig:   bus.New(logging.NewNop()),
	}
}

func sealedBatch(t *testing.T, ks *keystore.Keystore) *telemetry.Batch {
	t.Helper()
	q := telemetry.NewQueue(4)
	b := telemetry.NewBatcher("ZM-01", "", ks.Handle(), q, nil, logging.NewNop())
	b.SetPatient("M1")
	b.Add(vitals.Record{WallMillis: 1, PatientMRN: "M1", Metric: vitals.MetricHeartRate, Value: 80, Quality: vitals.QualityGood})
	b.Flush()
	batch, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	return batch
}

type ackRecorder struct {
	mu     sync.Mutex
	acked  []string
	failed []string
}

func (a *ackRecorder) BatchAcknowledged(id string) {
	a.mu.Lock()
	a.acked = append(a.acked, id)
	a.mu.Unlock()
}

func (a *ackRecorder) BatchFailed(id string, retries int) {
	a.mu.Lock()
	a.failed = append(a.failed, id)
	a.mu.Unlock()
}

func (a *ackRecorder) ackedIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.acked...)
}

func (a *ackRecorder) failedIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.failed...)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDeliveryAndAck(t *testing.T) {
	var gotContentType string
	var container telemetry.Container

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&container))
		json.NewEncoder(w).Encode(telemetry.Ack{
			Status:          "success",
			AcknowledgedIDs: []string{container.Batch.ID},
		})
	})

	env := newTestEnv(t, handler)
	rec := &ackRecorder{}

	tr := New(Config{URL: env.srv.URL}, env.queue, telemetry.JSONCodec{}, env.ks, env.sig, logging.NewNop())
	tr.SetAckSink(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	batch := sealedBatch(t, env.ks)
	env.queue.Enqueue(batch)

	waitFor(t, func() bool { return len(rec.ackedIDs()) == 1 }, "acknowledgement")
	require.Equal(t, batch.ID, rec.ackedIDs()[0])
	require.Equal(t, "application/json", gotContentType)
	require.EqualValues(t, telemetry.SchemaVersion, container.SchemaVersion)
	require.NotEmpty(t, container.Nonce)
	require.NotEmpty(t, container.Signature)
	require.True(t, tr.Online())
}

func TestRetryThenSuccess(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()

		var c telemetry.Container
		json.NewDecoder(r.Body).Decode(&c)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(telemetry.Ack{Status: "success", AcknowledgedIDs: []string{c.Batch.ID}})
	})

	env := newTestEnv(t, handler)
	rec := &ackRecorder{}

	tr := New(Config{
		URL:         env.srv.URL,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  50 * time.Millisecond,
	}, env.queue, telemetry.JSONCodec{}, env.ks, env.sig, logging.NewNop())
	tr.SetAckSink(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	env.queue.Enqueue(sealedBatch(t, env.ks))

	waitFor(t, func() bool { return len(rec.ackedIDs()) == 1 }, "eventual acknowledgement")
	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, attempts, 3)
}

func TestDeadLetterAfterRetryBudget(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	env := newTestEnv(t, handler)
	rec := &ackRecorder{}

	tr := New(Config{
		URL:         env.srv.URL,
		MaxRetries:  3,
		BaseBackoff: 5 * time.Millisecond,
		MaxBackoff:  10 * time.Millisecond,
	}, env.queue, telemetry.JSONCodec{}, env.ks, env.sig, logging.NewNop())
	tr.SetAckSink(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	batch := sealedBatch(t, env.ks)
	env.queue.Enqueue(batch)

	waitFor(t, func() bool { return len(rec.failedIDs()) == 1 }, "dead letter")
	require.Equal(t, batch.ID, rec.failedIDs()[0])
	require.Empty(t, rec.ackedIDs())
}

func TestOfflineDetection(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	env := newTestEnv(t, handler)
	env.srv.Close() // server gone: connection refused

	var mu sync.Mutex
	var states []bool

	tr := New(Config{
		URL:         env.srv.URL,
		MaxRetries:  2,
		BaseBackoff: 5 * time.Millisecond,
	}, env.queue, telemetry.JSONCodec{}, env.ks, env.sig, logging.NewNop())
	tr.OnStateChange(func(online bool) {
		mu.Lock()
		states = append(states, online)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	env.queue.Enqueue(sealedBatch(t, env.ks))

	waitFor(t, func() bool { return !tr.Online() }, "offline state")
	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, states, false)
}

func TestBackoffBounds(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	tr := New(Config{URL: env.srv.URL}, env.queue, telemetry.JSONCodec{}, env.ks, env.sig, logging.NewNop())

	for retry := 1; retry <= 20; retry++ {
		d := tr.backoff(retry)
		require.Greater(t, d, time.Duration(0))
		// Cap 60s plus 20% jitter headroom.
		require.LessOrEqual(t, d, time.Duration(float64(DefaultMaxBackoff)*1.2)+time.Millisecond)
	}

	// Retry 1 centers on the base backoff.
	d := tr.backoff(1)
	require.GreaterOrEqual(t, d, time.Duration(float64(DefaultBaseBackoff)*0.79))
	require.LessOrEqual(t, d, time.Duration(float64(DefaultBaseBackoff)*1.21))
}
