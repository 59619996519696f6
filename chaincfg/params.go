// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2015-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaincfg

import (
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Checkpoint identifies a known good point in the block chain.  Using
// checkpoints allows a few optimizations for old blocks during initial
// download and also prevents forks from old blocks.
type Checkpoint struct {
	Height int32
	Hash   *chainhash.Hash
}

// Params defines an ember network by its parameters.  These parameters may be
// used by applications to differentiate networks as well as addresses and keys
// for one network from those intended for use on another network.
type Params struct {
	// Name defines a human-readable identifier for the network.
	Name string

	// Net defines the magic bytes used to identify the network.
	Net wire.BitcoinNet

	// GenesisBlock defines the first block of the chain.
	GenesisBlock *wire.MsgBlock

	// GenesisHash is the starting block hash.
	GenesisHash chainhash.Hash

	// PowLimit defines the highest allowed proof of work value for a block
	// as a uint256.
	PowLimit *big.Int

	// PowLimitBits defines the highest allowed proof of work value for a
	// block in compact form.
	PowLimitBits uint32

	// TargetTimePerBlock is the desired amount of time to generate each
	// block.
	TargetTimePerBlock time.Duration

	// CoinbaseMaturity is the number of blocks required before newly mined
	// coins can be spent.
	CoinbaseMaturity uint16

	// CoinstakeMaturity is the number of blocks a kernel input must have
	// been confirmed for before it is eligible to stake.
	CoinstakeMaturity uint16

	// PremineValue is the amount, in atoms, paid by the coinbase of the
	// block at height one.  It is the only block with a variable subsidy.
	PremineValue int64

	// BlockSubsidy is the fixed amount, in atoms, paid by the coinbase of
	// every block after height one, exclusive of fees.
	BlockSubsidy int64

	// MaxReorgDepth is the maximum number of blocks that may be
	// disconnected during a single reorganization.  Branches that would
	// require a deeper reorganization are rejected at header acceptance.
	MaxReorgDepth int32

	// MinBlocksToKeep is the minimum number of most recent blocks whose
	// block and undo data must be retained when pruning is enabled.
	MinBlocksToKeep int32

	// StakeSplitNumerator and StakeSplitDenominator define the minimum
	// portion of a coinstake reward that must return to the staking script
	// when the coinstake pays a separate operator output.  The remainder
	// is the maximum operator share.
	StakeSplitNumerator   int64
	StakeSplitDenominator int64

	// Checkpoints ordered from oldest to newest.
	Checkpoints []Checkpoint

	// RelayNonStdTxs defines whether the network should relay transactions
	// that are non-standard according to the default policy.
	RelayNonStdTxs bool
}

const (
	// AtomsPerCoin is the number of atoms in one ember.
	AtomsPerCoin int64 = 1e8
)

// mainPowLimit is the highest proof of work value an ember block can have for
// the main network.  It is the value 2^236 - 1.
var mainPowLimit = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 236), bigOne)

var bigOne = big.NewInt(1)

// MainNetParams defines the network parameters for the main ember network.
var MainNetParams = Params{
	Name:                  "mainnet",
	Net:                   0x45eb4cd9,
	GenesisBlock:          &genesisBlock,
	GenesisHash:           genesisBlock.BlockHash(),
	PowLimit:              mainPowLimit,
	PowLimitBits:          0x1e0fffff,
	TargetTimePerBlock:    time.Minute,
	CoinbaseMaturity:      100,
	CoinstakeMaturity:     480,
	PremineValue:          1_000_000_000 * AtomsPerCoin,
	BlockSubsidy:          10 * AtomsPerCoin,
	MaxReorgDepth:         60,
	MinBlocksToKeep:       288,
	StakeSplitNumerator:   9,
	StakeSplitDenominator: 10,
	Checkpoints:           nil,
	RelayNonStdTxs:        false,
}

// RegNetParams defines the network parameters for the regression test
// network.  It has trivial proof of work so blocks can be generated on demand
// in tests, no checkpoints, and a short maturity.
var RegNetParams = Params{
	Name:                  "regnet",
	Net:                   0xdab5bffa,
	GenesisBlock:          &regNetGenesisBlock,
	GenesisHash:           regNetGenesisBlock.BlockHash(),
	PowLimit:              regNetPowLimit,
	PowLimitBits:          0x207fffff,
	TargetTimePerBlock:    time.Second,
	CoinbaseMaturity:      16,
	CoinstakeMaturity:     32,
	PremineValue:          1_000_000_000 * AtomsPerCoin,
	BlockSubsidy:          10 * AtomsPerCoin,
	MaxReorgDepth:         60,
	MinBlocksToKeep:       288,
	StakeSplitNumerator:   9,
	StakeSplitDenominator: 10,
	Checkpoints:           nil,
	RelayNonStdTxs:        true,
}

// regNetPowLimit is the highest proof of work value an ember block can have
// for the regression test network.  It is the value 2^255 - 1.
var regNetPowLimit = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 255), bigOne)

// LatestCheckpoint returns the most recent checkpoint for the network, or nil
// when the network has none.
func (p *Params) LatestCheckpoint() *Checkpoint {
	if len(p.Checkpoints) == 0 {
		return nil
	}
	return &p.Checkpoints[len(p.Checkpoints)-1]
}
