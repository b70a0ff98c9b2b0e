package chain

import (
	"fmt"

	"github.com/sedly-project/sedly/config"
	"github.com/sedly-project/sedly/pkg/block"
	"github.com/sedly-project/sedly/pkg/tx"
	"github.com/sedly-project/sedly/pkg/types"
)

// genesisBanner is the fixed script_sig carried by the genesis coinbase's
// sole input. It has no spending function — it only identifies the chain.
const genesisBanner = "Sedly - Fair Launch Blockchain"

// CreateGenesisBlock builds the genesis block from the genesis configuration.
// The genesis block has height 0, a zero PrevHash, and a single coinbase
// transaction with a fixed banner script and zero outputs.
func CreateGenesisBlock(gen *config.Genesis) (*block.Block, error) {
	if gen == nil {
		return nil, fmt.Errorf("genesis config is nil")
	}

	coinbase := buildGenesisCoinbase()

	txs := []*tx.Transaction{coinbase}
	txHashes := []types.Hash{coinbase.Hash()}
	merkle := block.ComputeMerkleRoot(txHashes)

	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   types.Hash{}, // Zero for genesis.
		MerkleRoot: merkle,
		Timestamp:  gen.Timestamp,
		Bits:       uint32(gen.Protocol.Consensus.InitialDifficulty),
		Height:     0,
	}

	return block.NewBlock(header, txs), nil
}

// buildGenesisCoinbase builds the fixed genesis coinbase: a null-outpoint
// input carrying a banner script_sig and no outputs at all.
func buildGenesisCoinbase() *tx.Transaction {
	return &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut:   types.NewNullOutpoint(),
			Signature: []byte(genesisBanner),
		}},
		Outputs: nil,
	}
}
