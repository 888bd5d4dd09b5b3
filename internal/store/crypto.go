// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"io"

	"golang.org/x/crypto/hkdf"

	"zmed.io/zmonitor/internal/errors"
)

// Sealer encrypts sensitive column payloads with AES-256-GCM. The key is
// derived from the file-sealed master secret and a per-database salt via
// HKDF-SHA256 and is never logged or persisted.
type Sealer struct {
	aead cipher.AEAD
}

const sealerInfo = "zmonitor-store-columns-v1"

// NewSealer derives the column key and builds the AEAD.
func NewSealer(masterSecret, salt []byte) (*Sealer, error) {
	if len(masterSecret) == 0 {
		return nil, errors.New(errors.KindInfrastructure, "empty master secret")
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, masterSecret, salt, []byte(sealerInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, errors.Wrap(err, errors.KindInfrastructure, "deriving column key")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInfrastructure, "building cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInfrastructure, "building AEAD")
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext; output is nonce || ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	if plaintext == nil {
		return nil, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, errors.KindInfrastructure, "generating nonce")
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Unseal decrypts a Seal output. Authentication failure is an integrity
// violation, never silently ignored.
func (s *Sealer) Unseal(blob []byte) ([]byte, error) {
	if blob == nil {
		return nil, nil
	}
	if len(blob) < s.aead.NonceSize() {
		return nil, errors.New(errors.KindIntegrity, "sealed blob too short")
	}
	nonce, ct := blob[:s.aead.NonceSize()], blob[s.aead.NonceSize():]
	pt, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindIntegrity, "sealed blob failed authentication")
	}
	return pt, nil
}

// loadOrCreateSalt reads the per-database KDF salt, generating it on first
// run. Runs before the store goroutine starts.
func loadOrCreateSalt(db *sql.DB) ([]byte, error) {
	var salt []byte
	err := db.QueryRow(registry[StmtSelectSalt].sql).Scan(&salt)
	switch {
	case err == sql.ErrNoRows:
		salt = make([]byte, 16)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, errors.Wrap(err, errors.KindInfrastructure, "generating KDF salt")
		}
		if _, err := db.Exec(registry[StmtInsertSalt].sql, salt); err != nil {
			return nil, errors.Wrap(err, errors.KindInfrastructure, "storing KDF salt")
		}
		return salt, nil
	case err != nil:
		return nil, errors.Wrap(err, errors.KindInfrastructure, "reading KDF salt")
	default:
		return salt, nil
	}
}
