// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package keystore holds the installed device credential triple: the device
// certificate, the private key behind an opaque signing handle, and the
// trust anchor used to authenticate the telemetry server. Provisioning is
// external; this package only consumes installed material.
package keystore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"os"
	"sync"
	"time"

	"zmed.io/zmonitor/internal/clock"
	"zmed.io/zmonitor/internal/errors"
	"zmed.io/zmonitor/internal/logging"
)

// Expiry thresholds.
const (
	WarnExpiryDays  = 30
	ErrorExpiryDays = 7
	// CRLRefreshInterval is how often the cached revocation list is re-read.
	CRLRefreshInterval = 24 * time.Hour
)

// CertStatus mirrors the certificates table status column.
type CertStatus string

const (
	CertActive   CertStatus = "active"
	CertExpiring CertStatus = "expiring"
	CertExpired  CertStatus = "expired"
	CertRevoked  CertStatus = "revoked"
)

// CertRecord is the durable description of an installed certificate.
type CertRecord struct {
	Serial      string
	Subject     string
	Issuer      string
	NotBefore   time.Time
	NotAfter    time.Time
	Status      CertStatus
	Fingerprint string // SHA-256, hex
}

// Config points at the installed material.
type Config struct {
	CertPath   string
	KeyPath    string
	AnchorPath string
	// CRLPath is the locally cached revocation list; empty disables the
	// revocation check.
	CRLPath string
	// DeviceID must match the certificate subject common name.
	DeviceID string
}

// Handle is the opaque signing handle. The private key never leaves the
// struct; only the signing operation is exposed.
type Handle struct {
	signer crypto.Signer
}

// NewHandle wraps an existing signer. The production path obtains handles
// through Open; this constructor serves tests and offline tooling.
func NewHandle(signer crypto.Signer) *Handle {
	return &Handle{signer: signer}
}

// Sign signs SHA-256(data) with the device key. ECDSA-P256 produces an
// ASN.1 signature; RSA-2048 uses PKCS#1 v1.5. Runs on the caller's
// goroutine: the telemetry batcher invokes it on the real-time context to
// keep seal latency off other schedulers.
func (h *Handle) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := h.signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInfrastructure, "signing failed")
	}
	return sig, nil
}

// Public returns the public half for verification.
func (h *Handle) Public() crypto.PublicKey {
	return h.signer.Public()
}

// Keystore owns the installed credential triple.
type Keystore struct {
	cfg    Config
	logger *logging.Logger

	cert    *x509.Certificate
	tlsCert tls.Certificate
	anchor  *x509.CertPool
	handle  *Handle

	mu      sync.RWMutex
	revoked map[string]struct{} // serial (decimal string) -> revoked
	crlRead time.Time
}

// Open loads and validates the installed material. An invalid chain, an
// expired certificate, or a subject mismatch fails Open.
func Open(cfg Config, logger *logging.Logger) (*Keystore, error) {
	if logger == nil {
		logger = logging.WithComponent("keystore")
	}

	tlsCert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInfrastructure, "loading device certificate")
	}
	leaf, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInfrastructure, "parsing device certificate")
	}
	tlsCert.Leaf = leaf

	signer, err := signerFrom(tlsCert.PrivateKey)
	if err != nil {
		return nil, err
	}

	anchorPEM, err := os.ReadFile(cfg.AnchorPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInfrastructure, "reading trust anchor")
	}
	anchor := x509.NewCertPool()
	if !anchor.AppendCertsFromPEM(anchorPEM) {
		return nil, errors.New(errors.KindInfrastructure, "trust anchor contains no certificates")
	}

	ks := &Keystore{
		cfg:     cfg,
		logger:  logger,
		cert:    leaf,
		tlsCert: tlsCert,
		anchor:  anchor,
		handle:  &Handle{signer: signer},
		revoked: make(map[string]struct{}),
	}

	if cfg.CRLPath != "" {
		if err := ks.refreshCRL(); err != nil {
			// A missing or stale CRL degrades to warn: the device must keep
			// alarming even when the revocation mirror is unreachable.
			logger.Warn("revocation list unavailable", "error", err)
		}
	}

	if err := ks.Validate(); err != nil {
		return nil, err
	}
	return ks, nil
}

func signerFrom(key any) (crypto.Signer, error) {
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		return k, nil
	case *rsa.PrivateKey:
		if k.N.BitLen() < 2048 {
			return nil, errors.Errorf(errors.KindValidation, "RSA key too small: %d bits", k.N.BitLen())
		}
		return k, nil
	default:
		return nil, errors.Errorf(errors.KindValidation, "unsupported key type %T", key)
	}
}

// Handle returns the opaque signing handle.
func (k *Keystore) Handle() *Handle { return k.handle }

// Certificate returns the parsed leaf certificate.
func (k *Keystore) Certificate() *x509.Certificate { return k.cert }

// Validate checks the full certificate policy: chain to the trust anchor,
// validity window, revocation, and subject-vs-device-id.
func (k *Keystore) Validate() error {
	now := clock.Now()

	if now.Before(k.cert.NotBefore) {
		return errors.Errorf(errors.KindValidation, "certificate not valid before %s", k.cert.NotBefore)
	}
	if now.After(k.cert.NotAfter) {
		return errors.Errorf(errors.KindValidation, "certificate expired %s", k.cert.NotAfter)
	}

	if _, err := k.cert.Verify(x509.VerifyOptions{
		Roots:       k.anchor,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageAny},
	}); err != nil {
		return errors.Wrap(err, errors.KindValidation, "certificate does not chain to the trust anchor")
	}

	if k.IsRevoked() {
		return errors.Errorf(errors.KindValidation, "certificate serial %s is revoked", k.cert.SerialNumber)
	}

	if k.cfg.DeviceID != "" && k.cert.Subject.CommonName != k.cfg.DeviceID {
		return errors.Errorf(errors.KindValidation,
			"certificate subject %q does not match device id %q",
			k.cert.Subject.CommonName, k.cfg.DeviceID)
	}
	return nil
}

// IsRevoked checks the leaf serial against the cached revocation list,
// refreshing the cache when it is older than the refresh interval.
func (k *Keystore) IsRevoked() bool {
	k.mu.RLock()
	stale := k.cfg.CRLPath != "" && clock.Since(k.crlRead) > CRLRefreshInterval
	k.mu.RUnlock()

	if stale {
		if err := k.refreshCRL(); err != nil {
			k.logger.Warn("revocation list refresh failed", "error", err)
		}
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	_, revoked := k.revoked[k.cert.SerialNumber.String()]
	return revoked
}

func (k *Keystore) refreshCRL() error {
	data, err := os.ReadFile(k.cfg.CRLPath)
	if err != nil {
		return errors.Wrap(err, errors.KindTransient, "reading revocation list")
	}
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	crl, err := x509.ParseRevocationList(data)
	if err != nil {
		return errors.Wrap(err, errors.KindValidation, "parsing revocation list")
	}

	revoked := make(map[string]struct{}, len(crl.RevokedCertificateEntries))
	for _, entry := range crl.RevokedCertificateEntries {
		revoked[entry.SerialNumber.String()] = struct{}{}
	}

	k.mu.Lock()
	k.revoked = revoked
	k.crlRead = clock.Now()
	k.mu.Unlock()
	return nil
}

// DaysUntilExpiry returns whole days until NotAfter; negative once expired.
func (k *Keystore) DaysUntilExpiry() int {
	return int(k.cert.NotAfter.Sub(clock.Now()).Hours() / 24)
}

// Expired reports whether the certificate is past NotAfter. Outbound
// connections must refuse to proceed once true.
func (k *Keystore) Expired() bool {
	return clock.Now().After(k.cert.NotAfter)
}

// Record describes the installed certificate for the certificates table.
func (k *Keystore) Record() CertRecord {
	sum := sha256.Sum256(k.cert.Raw)

	status := CertActive
	switch {
	case k.IsRevoked():
		status = CertRevoked
	case k.Expired():
		status = CertExpired
	case k.DaysUntilExpiry() <= WarnExpiryDays:
		status = CertExpiring
	}

	return CertRecord{
		Serial:      k.cert.SerialNumber.String(),
		Subject:     k.cert.Subject.String(),
		Issuer:      k.cert.Issuer.String(),
		NotBefore:   k.cert.NotBefore,
		NotAfter:    k.cert.NotAfter,
		Status:      status,
		Fingerprint: hex.EncodeToString(sum[:]),
	}
}

// ecdheOnlyCipherSuites restricts TLS 1.2 to forward-secret key agreement.
// TLS 1.3 suites are forward-secret by construction and not listed here.
var ecdheOnlyCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
}

// ClientTLSConfig builds the mutual-TLS client configuration: TLS >= 1.2,
// ECDHE-only suites, server verified against the installed trust anchor,
// hostname verification on. There is no plaintext fallback.
func (k *Keystore) ClientTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: ecdheOnlyCipherSuites,
		Certificates: []tls.Certificate{k.tlsCert},
		RootCAs:      k.anchor,
	}
}
