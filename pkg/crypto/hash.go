// Package crypto provides cryptographic primitives for sedly.
package crypto

import (
	"crypto/sha256"

	"github.com/sedly-project/sedly/pkg/types"
)

// Hash computes a single SHA-256 digest of the input data. Used for the
// merkle tree, where the original protocol hashes each level once rather
// than twice.
func Hash(data []byte) types.Hash {
	return sha256.Sum256(data)
}

// DoubleHash computes SHA-256(SHA-256(data)), the identity hash for
// transactions and block headers.
func DoubleHash(data []byte) types.Hash {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// AddressFromPubKey derives an address from a compressed public key.
// Address = SHA-256(compressed_pubkey)[:20].
func AddressFromPubKey(pubKey []byte) types.Address {
	h := Hash(pubKey)
	var addr types.Address
	copy(addr[:], h[:types.AddressSize])
	return addr
}

// HashConcat hashes the concatenation of two hashes with a single SHA-256
// pass. Used for building the merkle tree (§4.2): this differs from
// Bitcoin's double-hash-of-pairs and must stay single-pass.
func HashConcat(a, b types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return Hash(buf[:])
}
