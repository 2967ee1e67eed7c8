// Package hasher turns raw room and user identifiers into the opaque
// digests that are exchanged with the lookup service.
package hasher

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Algorithm names the digest every gate and dataset producer must agree on.
const Algorithm = "blake2b-256"

// Size is the length of a hex encoded digest.
const Size = blake2b.Size256 * 2

// Hash returns the lowercase hex BLAKE2b-256 digest of id.
func Hash(id string) string {
	sum := blake2b.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}
