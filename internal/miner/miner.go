// Package miner builds coinbase transactions for block production. Block
// assembly itself lives in the ABCI state machine (internal/abci), which
// drives BeginBlock/DeliverTx/EndBlock/Commit directly against the PoW
// engine and UTXO set; this package only supplies the primitive the state
// machine can't derive on its own — a coinbase tx with a unique hash per
// height.
package miner

import (
	"encoding/binary"

	"github.com/sedly-project/sedly/pkg/tx"
	"github.com/sedly-project/sedly/pkg/types"
)

// BuildCoinbase creates a coinbase transaction with the given reward.
// The block height is encoded in the coinbase input's signature field
// to ensure each coinbase tx has a unique hash (similar to Bitcoin's BIP34).
func BuildCoinbase(addr types.Address, reward, height uint64) *tx.Transaction {
	// Encode height as little-endian uint64 in the coinbase "signature".
	heightBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(heightBytes, height)

	return &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut:   types.NewNullOutpoint(),
			Signature: heightBytes,
		}},
		Outputs: []tx.Output{{
			Value: reward,
			Script: types.Script{
				Type: types.ScriptTypeP2PKH,
				Data: addr[:],
			},
		}},
	}
}
