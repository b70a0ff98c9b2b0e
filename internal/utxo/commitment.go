package utxo

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/sedly-project/sedly/pkg/types"
	"github.com/zeebo/blake3"
)

// Commitment computes a BLAKE3-based merkle root over all UTXOs in a
// store. It is a supplemental, operator-facing binding over the UTXO set
// (state export verification, light-client audits) and is never consulted
// during block validation or consensus: header.merkle_root only ever
// commits to a block's own transactions, hashed with the double-SHA-256
// identity hash. Returns a zero hash for an empty set.
func Commitment(store *Store) (types.Hash, error) {
	var hashes []types.Hash

	err := store.ForEach(func(u *UTXO) error {
		hashes = append(hashes, hashUTXO(u))
		return nil
	})
	if err != nil {
		return types.Hash{}, fmt.Errorf("utxo commitment: %w", err)
	}

	if len(hashes) == 0 {
		return types.Hash{}, nil
	}

	// Sort for deterministic ordering (map/iteration order varies).
	sort.Slice(hashes, func(i, j int) bool {
		return bytes.Compare(hashes[i][:], hashes[j][:]) < 0
	})

	return foldUTXOHashes(hashes), nil
}

// hashUTXO produces a deterministic BLAKE3 hash of a UTXO's identity and
// value. Format: txid(32) | index(4) | value(8) | script_type(1) | script_data
func hashUTXO(u *UTXO) types.Hash {
	var buf []byte
	buf = append(buf, u.Outpoint.TxID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, u.Outpoint.Index)
	buf = binary.LittleEndian.AppendUint64(buf, u.Value)
	buf = append(buf, byte(u.Script.Type))
	buf = append(buf, u.Script.Data...)

	sum := blake3.Sum256(buf)
	var h types.Hash
	copy(h[:], sum[:])
	return h
}

// blake3Concat hashes two digests together with BLAKE3. Kept separate
// from pkg/block's SHA-256 merkle so the UTXO commitment never shares a
// hash function with consensus-critical identity hashing.
func blake3Concat(a, b types.Hash) types.Hash {
	var buf [2 * types.HashSize]byte
	copy(buf[:types.HashSize], a[:])
	copy(buf[types.HashSize:], b[:])
	sum := blake3.Sum256(buf[:])
	var h types.Hash
	copy(h[:], sum[:])
	return h
}

// foldUTXOHashes reduces a sorted slice of leaf digests to a single root,
// duplicating the last element at each level when the count is odd —
// the same shape as the block merkle tree, applied to a different leaf set.
func foldUTXOHashes(leaves []types.Hash) types.Hash {
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]types.Hash, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]types.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = blake3Concat(level[i], level[i+1])
		}
		level = next
	}
	return level[0]
}
