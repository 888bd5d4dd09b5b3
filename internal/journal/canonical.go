// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// GenesisHash seeds the chain: entry 0's previous_hash is this fixed value.
const GenesisHash = "c2e7d1a0000000000000000000000000000000000000000000000000756e7365"

// canonicalEntry produces the canonical serialization of an entry: JSON with
// the struct's fixed field order and sorted map keys (encoding/json sorts
// map keys), so the byte stream is stable across write and read-back.
func canonicalEntry(e Entry) []byte {
	data, err := json.Marshal(e)
	if err != nil {
		// Entries are built from plain values; marshalling cannot fail in
		// practice. An empty canonical form would silently corrupt the
		// chain, so surface loudly instead.
		panic("journal: canonical serialization failed: " + err.Error())
	}
	return data
}

// chainHash maps the previous entry's canonical bytes to the next entry's
// previous_hash. nil (no previous entry) yields the genesis hash.
func chainHash(prevCanonical []byte) string {
	if prevCanonical == nil {
		return GenesisHash
	}
	sum := sha256.Sum256(prevCanonical)
	return hex.EncodeToString(sum[:])
}
