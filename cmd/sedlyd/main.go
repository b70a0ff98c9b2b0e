// Sedly node daemon: a single-node proof-of-work UTXO chain.
//
// Usage:
//
//	sedlyd [--mine --coinbase=<address>] Run node
//	sedlyd --help                        Show help
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sedly-project/sedly/config"
	"github.com/sedly-project/sedly/internal/abci"
	"github.com/sedly-project/sedly/internal/chain"
	"github.com/sedly-project/sedly/internal/consensus"
	klog "github.com/sedly-project/sedly/internal/log"
	"github.com/sedly-project/sedly/internal/mempool"
	"github.com/sedly-project/sedly/internal/storage"
	"github.com/sedly-project/sedly/pkg/tx"
	"github.com/sedly-project/sedly/pkg/types"
	"github.com/rs/zerolog"
)

func main() {
	// ── 1. Load config (defaults → file → flags) ────────────────────────
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing log: %v\n", err)
		os.Exit(1)
	}
	logger := klog.WithComponent("main")
	logger.Info().Str("network", string(cfg.Network)).Str("datadir", cfg.DataDir).Msg("starting sedlyd")

	// ── 2. Open storage ──────────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.UTXODir())
	if err != nil {
		logger.Fatal().Err(err).Msg("opening database")
	}
	defer db.Close()

	// ── 3. Determine coinbase address ───────────────────────────────────
	var coinbaseAddr types.Address
	if cfg.Mining.Coinbase != "" {
		addr, err := types.ParseAddress(cfg.Mining.Coinbase)
		if err != nil {
			logger.Fatal().Err(err).Str("coinbase", cfg.Mining.Coinbase).Msg("invalid coinbase address")
		}
		coinbaseAddr = addr
	}

	// ── 4. Build or load the application ────────────────────────────────
	genesisCfg := config.GenesisFor(cfg.Network)
	rules := genesisCfg.Protocol.Consensus

	pw, err := consensus.NewPoW(uint32(rules.InitialDifficulty))
	if err != nil {
		logger.Fatal().Err(err).Msg("constructing proof-of-work engine")
	}
	pw.Threads = cfg.Mining.Threads

	pool := mempool.New(nil, 5000)
	pool.SetMinFeeRate(rules.MinFeeRate)

	app, err := abci.New(db, pw, pool, coinbaseAddr, rules.BlockReward, rules.MaxSupply)
	if err != nil {
		logger.Info().Msg("no existing chain found, initializing genesis")
		genesisBlock, err := chain.CreateGenesisBlock(genesisCfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("building genesis block")
		}
		app, err = abci.InitChain(db, pw, pool, coinbaseAddr, rules.BlockReward, rules.MaxSupply, genesisBlock)
		if err != nil {
			logger.Fatal().Err(err).Msg("initializing chain")
		}
	}

	info := app.Info()
	logger.Info().Uint64("height", info.Height).Str("best_block", info.BestBlockHash.String()).Msg("chain loaded")

	// ── 5. Run the block-production loop, or idle ───────────────────────
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Mining.Enabled {
		if coinbaseAddr.IsZero() {
			logger.Fatal().Msg("mining enabled but no --coinbase address configured")
		}
		runMiningLoop(ctx, app, pool, klog.WithComponent("miner"), time.Duration(rules.BlockTime)*time.Second)
	} else {
		logger.Info().Msg("mining disabled, node is idle (no block production)")
		<-ctx.Done()
	}

	logger.Info().Msg("shutting down")
}

// runMiningLoop drives BeginBlock -> DeliverTx* -> EndBlock -> Commit on a
// ticker, draining the mempool into each block it assembles. It stops
// cleanly when ctx is cancelled, letting an in-progress PoW seal abort via
// Commit's context-aware sealing rather than leaving a half-built block
// behind.
func runMiningLoop(ctx context.Context, app *abci.App, pool *mempool.Pool, logger zerolog.Logger, blockTime time.Duration) {
	ticker := time.NewTicker(blockTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := app.BeginBlock(uint64(time.Now().Unix())); err != nil {
				logger.Warn().Err(err).Msg("begin block")
				continue
			}

			for _, t := range pool.SelectForBlock(config.MaxBlockTxs - 1) {
				raw, err := tx.Encode(t)
				if err != nil {
					logger.Warn().Err(err).Str("tx", t.Hash().String()).Msg("encode mempool transaction")
					continue
				}
				if resp := app.DeliverTx(raw); resp.Code != abci.CodeOK {
					logger.Warn().Uint32("code", resp.Code).Str("log", resp.Log).Str("tx", t.Hash().String()).Msg("rejected mempool transaction")
					pool.Remove(t.Hash())
				}
			}

			if _, err := app.EndBlock(); err != nil {
				logger.Warn().Err(err).Msg("end block")
				continue
			}
			commitResp, err := app.Commit(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("commit block")
				continue
			}
			blk := commitResp.Block
			logger.Info().Uint64("height", blk.Header.Height).Int("txs", len(blk.Transactions)).Msg("mined block")
		}
	}
}
