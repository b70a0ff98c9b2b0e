package consensus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sedly-project/sedly/pkg/block"
	"github.com/sedly-project/sedly/pkg/crypto"
	"github.com/sedly-project/sedly/pkg/pow"
)

// PoW errors.
var (
	ErrInsufficientWork = errors.New("hash does not meet difficulty target")
	ErrZeroBits         = errors.New("bits must be nonzero")
	ErrBadBits          = errors.New("block bits does not match expected")
	// ErrMiningTimeout is returned when sealing a block exceeds MinerTimeout
	// without finding a valid nonce. Distinct from context.Canceled so
	// callers can tell an externally cancelled seal apart from a stalled one.
	ErrMiningTimeout = errors.New("mining timed out")
)

// MinerTimeout bounds how long SealWithCancel will search for a valid
// nonce before giving up with ErrMiningTimeout, regardless of the caller's
// own context.
const MinerTimeout = 300 * time.Second

// nonceBatchSize is the number of nonces each goroutine claims from the
// shared counter per round in sealParallel.
const nonceBatchSize = 100_000

// Stats reports the work done by a successful (or timed-out) Seal/SealWithCancel call.
type Stats struct {
	TotalHashes uint64
	Elapsed     time.Duration
	HashRate    float64 // hashes per second
}

// FormatHashRate renders a hash rate using the same H/s-KH/s-MH/s-GH/s
// suffixes miners conventionally report.
func FormatHashRate(hashesPerSec float64) string {
	switch {
	case hashesPerSec >= 1e9:
		return fmt.Sprintf("%.2f GH/s", hashesPerSec/1e9)
	case hashesPerSec >= 1e6:
		return fmt.Sprintf("%.2f MH/s", hashesPerSec/1e6)
	case hashesPerSec >= 1e3:
		return fmt.Sprintf("%.2f KH/s", hashesPerSec/1e3)
	default:
		return fmt.Sprintf("%.2f H/s", hashesPerSec)
	}
}

// PoW implements proof-of-work consensus. Difficulty is carried as a
// compact "bits" encoding in the block header (consensus-enforced); the
// engine itself holds no mutable difficulty state.
type PoW struct {
	InitialBits uint32 // Starting compact target (from genesis)

	// BitsFn is called by Prepare to compute the expected bits for a new
	// block. Set by the node operator. If nil, Prepare uses InitialBits.
	BitsFn func(height uint64) uint32

	// Threads controls the number of parallel mining goroutines.
	// 0 or 1 = single-threaded (default). Goroutines draw nonce batches
	// from a shared counter rather than a fixed partition.
	Threads int
}

// NewPoW creates a new PoW engine.
func NewPoW(initialBits uint32) (*PoW, error) {
	if initialBits == 0 {
		return nil, ErrZeroBits
	}
	return &PoW{InitialBits: initialBits}, nil
}

// VerifyHeader checks that the block header hash meets the stated target.
// The bits value comes from the header itself (consensus-enforced).
func (p *PoW) VerifyHeader(header *block.Header) error {
	if header.Bits == 0 {
		return ErrZeroBits
	}
	target := pow.BitsToTarget(header.Bits)
	hash := header.Hash()
	if !pow.CompareHashToTarget([32]byte(hash), target) {
		return ErrInsufficientWork
	}
	return nil
}

// Prepare sets the block header's bits for mining.
// If BitsFn is set, it computes the expected bits from chain state.
// Otherwise, uses InitialBits.
func (p *PoW) Prepare(header *block.Header) error {
	if p.BitsFn != nil {
		header.Bits = p.BitsFn(header.Height)
	} else {
		header.Bits = p.InitialBits
	}
	return nil
}

// Seal mines the block by iterating the nonce until the header hash meets
// the target encoded in header.Bits. If Threads > 1, mining runs in
// parallel goroutines. It satisfies the Engine interface; callers that
// want hash-rate stats or a custom deadline should use SealWithCancel
// directly.
func (p *PoW) Seal(blk *block.Block) error {
	_, err := p.SealWithCancel(context.Background(), blk)
	return err
}

// SealWithCancel mines the block with cancellation support. Mining is
// bounded by MinerTimeout even if ctx has no deadline of its own; a stall
// past that point yields ErrMiningTimeout rather than running forever.
// When the caller's ctx is cancelled first, ctx.Err() is returned instead.
func (p *PoW) SealWithCancel(ctx context.Context, blk *block.Block) (Stats, error) {
	if blk == nil || blk.Header == nil {
		return Stats{}, fmt.Errorf("nil block or header")
	}
	if blk.Header.Bits == 0 {
		return Stats{}, ErrZeroBits
	}

	ctx, cancel := context.WithTimeout(ctx, MinerTimeout)
	defer cancel()

	start := time.Now()
	threads := p.Threads
	var hashes uint64
	var err error
	if threads <= 1 {
		hashes, err = p.sealSingle(ctx, blk)
	} else {
		hashes, err = p.sealParallel(ctx, blk, threads)
	}
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrMiningTimeout
		}
		return Stats{TotalHashes: hashes, Elapsed: elapsed}, err
	}

	rate := float64(0)
	if elapsed > 0 {
		rate = float64(hashes) / elapsed.Seconds()
	}
	return Stats{TotalHashes: hashes, Elapsed: elapsed, HashRate: rate}, nil
}

// signingPrefix returns the header's signing bytes WITHOUT the trailing
// nonce and height, so each mining goroutine pre-computes the prefix once
// and per iteration only rewrites the 8-byte nonce in front of the fixed
// 8-byte height before hashing.
func signingPrefix(h *block.Header) []byte {
	buf := make([]byte, 0, 96)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint32(buf, h.Bits)
	return buf
}

// sealSingle mines with a single goroutine. It returns the number of
// hashes computed before finding a nonce or giving up.
func (p *PoW) sealSingle(ctx context.Context, blk *block.Block) (uint64, error) {
	target := pow.BitsToTarget(blk.Header.Bits)
	prefix := signingPrefix(blk.Header)
	tail := make([]byte, 8+8) // nonce(8) + height(8), matching Header.SigningBytes layout
	binary.LittleEndian.PutUint64(tail[8:], blk.Header.Height)
	buf := make([]byte, len(prefix)+len(tail))
	copy(buf, prefix)

	var hashes uint64
	for nonce := uint64(0); ; nonce++ {
		if nonce&0xFFFF == 0 {
			select {
			case <-ctx.Done():
				return hashes, ctx.Err()
			default:
			}
		}

		binary.LittleEndian.PutUint64(tail[:8], nonce)
		copy(buf[len(prefix):], tail)
		hash := crypto.DoubleHash(buf)
		hashes++
		if pow.CompareHashToTarget([32]byte(hash), target) {
			blk.Header.Nonce = nonce
			return hashes, nil
		}
		if nonce == ^uint64(0) {
			return hashes, fmt.Errorf("nonce space exhausted")
		}
	}
}

// sealParallel mines with multiple goroutines drawing nonce batches from a
// shared atomic counter, so work is divided on demand rather than by a
// fixed per-goroutine stride — a slow goroutine doesn't sit on reserved
// nonces the others could have searched instead.
func (p *PoW) sealParallel(ctx context.Context, blk *block.Block, threads int) (uint64, error) {
	target := pow.BitsToTarget(blk.Header.Bits)
	prefix := signingPrefix(blk.Header)
	height := blk.Header.Height

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var nonceCounter atomic.Uint64
	var totalHashes atomic.Uint64

	type result struct {
		nonce uint64
		err   error
	}
	found := make(chan result, 1)

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tail := make([]byte, 16)
			binary.LittleEndian.PutUint64(tail[8:], height)
			buf := make([]byte, len(prefix)+len(tail))
			copy(buf, prefix)

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				batchStart := nonceCounter.Add(nonceBatchSize) - nonceBatchSize
				if batchStart > ^uint64(0)-nonceBatchSize {
					select {
					case found <- result{err: fmt.Errorf("nonce space exhausted")}:
					default:
					}
					return
				}

				for n := uint64(0); n < nonceBatchSize; n++ {
					select {
					case <-ctx.Done():
						return
					default:
					}

					nonce := batchStart + n
					binary.LittleEndian.PutUint64(tail[:8], nonce)
					copy(buf[len(prefix):], tail)
					hash := crypto.DoubleHash(buf)
					totalHashes.Add(1)
					if pow.CompareHashToTarget([32]byte(hash), target) {
						select {
						case found <- result{nonce: nonce}:
						default:
						}
						cancel()
						return
					}
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(found)
	}()

	select {
	case r, ok := <-found:
		if !ok {
			return totalHashes.Load(), fmt.Errorf("nonce space exhausted")
		}
		if r.err != nil {
			return totalHashes.Load(), r.err
		}
		blk.Header.Nonce = r.nonce
		return totalHashes.Load(), nil
	case <-ctx.Done():
		return totalHashes.Load(), ctx.Err()
	}
}

// ExpectedBits computes the correct compact target for a block at the
// given height using the last AdjustmentInterval blocks' info. Bits are
// recomputed only at positive multiples of AdjustmentInterval; at every
// other height currentBits is carried over.
func (p *PoW) ExpectedBits(height uint64, currentBits uint32, recentBlocks []pow.BlockInfo) uint32 {
	if height == 0 || height%pow.AdjustmentInterval != 0 || len(recentBlocks) < pow.AdjustmentInterval {
		return currentBits
	}
	newBits, needsAdjustment, err := pow.CalculateNextDifficulty(recentBlocks, currentBits)
	if err != nil || !needsAdjustment {
		return currentBits
	}
	return newBits
}

// VerifyBits checks that a block header's stated bits matches the
// expected bits computed from chain history.
func (p *PoW) VerifyBits(header *block.Header, currentBits uint32, recentBlocks []pow.BlockInfo) error {
	expected := p.ExpectedBits(header.Height, currentBits, recentBlocks)
	if header.Bits != expected {
		return fmt.Errorf("%w: height %d has bits %#x, want %#x",
			ErrBadBits, header.Height, header.Bits, expected)
	}
	return nil
}
