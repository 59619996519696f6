// Copyright (c) 2022 The Ember developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/emberproject/emberd/internal/tokens"
)

// Proof-of-stake blocks are valid at every height alongside proof-of-work
// blocks.  A block is proof of stake when its second transaction is a
// coinstake: a transaction with a non-null first input (the kernel), an
// empty first output, and at least one additional output.  The coinbase of a
// proof-of-stake block must be empty of value; the reward is paid by the
// coinstake.

// IsCoinBase determines whether or not a transaction is a coinbase, which is
// a special transaction created by miners that has no inputs.  This is
// represented in the block chain by a transaction with a single input that
// has a previous output transaction index set to the maximum value along
// with a zero hash.
func IsCoinBase(tx *btcutil.Tx) bool {
	msgTx := tx.MsgTx()
	if len(msgTx.TxIn) != 1 {
		return false
	}
	prevOut := &msgTx.TxIn[0].PreviousOutPoint
	return prevOut.Index == wire.MaxPrevOutIndex && prevOut.Hash == zeroHash
}

// zeroHash is the zero value hash (all zeros).
var zeroHash chainhash.Hash

// IsCoinStakeTx determines whether or not a transaction has the coinstake
// shape: at least one real input, an empty first output, and at least two
// outputs total.
func IsCoinStakeTx(tx *wire.MsgTx) bool {
	if len(tx.TxIn) == 0 || len(tx.TxOut) < 2 {
		return false
	}
	prevOut := &tx.TxIn[0].PreviousOutPoint
	if prevOut.Index == wire.MaxPrevOutIndex && prevOut.Hash == zeroHash {
		return false
	}
	firstOut := tx.TxOut[0]
	return firstOut.Value == 0 && len(firstOut.PkScript) == 0
}

// IsProofOfStakeBlock determines whether the provided block is staked, which
// is the case exactly when its second transaction is a coinstake.
func IsProofOfStakeBlock(block *wire.MsgBlock) bool {
	return len(block.Transactions) > 1 && IsCoinStakeTx(block.Transactions[1])
}

// calcStakeModifier computes the stake modifier for a block from the kernel
// hash of the block and the previous block's modifier, forming a hash chain
// that accumulates entropy from every staked block.  Proof-of-work blocks
// carry their parent's modifier forward unchanged.
func calcStakeModifier(prevModifier *chainhash.Hash, kernelHash *chainhash.Hash) chainhash.Hash {
	data := make([]byte, 0, 2*chainhash.HashSize)
	data = append(data, kernelHash[:]...)
	data = append(data, prevModifier[:]...)
	return chainhash.DoubleHashH(data)
}

// calcKernelHash computes the proof-of-stake kernel hash, which commits to
// the chain's accumulated stake modifier, the output being staked along with
// the time of the block that created it, and the timestamp of the new block.
func calcKernelHash(stakeModifier *chainhash.Hash, stakedOutpoint *wire.OutPoint,
	stakedBlockTime int64, blockTime int64) chainhash.Hash {

	var buf bytes.Buffer
	buf.Write(stakeModifier[:])
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(stakedBlockTime))
	buf.Write(ts[:])
	buf.Write(stakedOutpoint.Hash[:])
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], stakedOutpoint.Index)
	buf.Write(idx[:])
	binary.LittleEndian.PutUint64(ts[:], uint64(blockTime))
	buf.Write(ts[:])
	return chainhash.DoubleHashH(buf.Bytes())
}

// checkStakeKernel validates the proof-of-stake kernel of the provided block
// against the utxo view: the kernel input must exist, satisfy the coinstake
// maturity, and its kernel hash must meet the stake target, which is the
// block's compact target weighted by the staked amount.
//
// The utxo view must contain the kernel input.  On success the computed
// stake modifier for the block is returned.
func (b *BlockChain) checkStakeKernel(block *btcutil.Block, prevNode *blockNode,
	view *UtxoViewpoint) (chainhash.Hash, error) {

	var zeroModifier chainhash.Hash
	coinstake := block.Transactions()[1]
	kernelIn := coinstake.MsgTx().TxIn[0]

	entry, err := view.FetchEntry(kernelIn.PreviousOutPoint)
	if err != nil {
		return zeroModifier, err
	}
	if entry == nil || entry.IsSpent() {
		str := fmt.Sprintf("coinstake kernel input %v is not available",
			kernelIn.PreviousOutPoint)
		return zeroModifier, ruleError(ErrMissingTxOut, str)
	}

	blockHeight := prevNode.height + 1
	if blockHeight-entry.BlockHeight() < int32(b.chainParams.CoinstakeMaturity) {
		str := fmt.Sprintf("coinstake kernel input %v has %d confirmations "+
			"but requires %d", kernelIn.PreviousOutPoint,
			blockHeight-entry.BlockHeight(), b.chainParams.CoinstakeMaturity)
		return zeroModifier, ruleError(ErrImmatureStake, str)
	}

	// Recompute the kernel hash and verify it meets the stake target.  The
	// target scales linearly with the staked amount, so larger stakes find
	// valid kernels proportionally more often.
	prevModifier := prevNode.stakeModifier
	blockTime := block.MsgBlock().Header.Timestamp.Unix()
	kernelHash := calcKernelHash(&prevModifier, &kernelIn.PreviousOutPoint,
		entry.BlockTime(), blockTime)

	target, err := b.checkProofOfWorkRange(block.MsgBlock().Header.Bits)
	if err != nil {
		return zeroModifier, err
	}
	weighted := target.Mul(target, bigIntFromAmount(entry.Amount()))
	if hashToBig(&kernelHash).Cmp(weighted) > 0 {
		str := fmt.Sprintf("coinstake kernel hash %064x exceeds weighted "+
			"stake target", hashToBig(&kernelHash))
		return zeroModifier, ruleError(ErrBadStakeKernel, str)
	}

	return calcStakeModifier(&prevModifier, &kernelHash), nil
}

// bigIntFromAmount converts an atom amount to a big integer for target
// weighting, clamping non-positive amounts to one.
func bigIntFromAmount(amount int64) *big.Int {
	if amount <= 0 {
		amount = 1
	}
	return big.NewInt(amount)
}

// checkCoinstakeSplit enforces the offline staking split: when a coinstake
// pays any script other than the one the kernel input was locked to, at
// least StakeSplitNumerator/StakeSplitDenominator of the total coinstake
// output value must return to the kernel's script, capping the operator's
// share at the remainder.
func (b *BlockChain) checkCoinstakeSplit(coinstake *btcutil.Tx, kernelEntry *UtxoEntry) error {
	kernelBase, _ := tokens.SplitScript(kernelEntry.PkScript())

	var total, toStaker int64
	hasForeign := false
	for _, txOut := range coinstake.MsgTx().TxOut[1:] {
		total += txOut.Value
		outBase, _ := tokens.SplitScript(txOut.PkScript)
		if bytes.Equal(outBase, kernelBase) {
			toStaker += txOut.Value
		} else {
			hasForeign = true
		}
	}
	if !hasForeign {
		return nil
	}

	num := b.chainParams.StakeSplitNumerator
	den := b.chainParams.StakeSplitDenominator
	if toStaker*den < total*num {
		str := fmt.Sprintf("coinstake returns %d of %d to the staking "+
			"script which is below the required %d/%d split", toStaker,
			total, num, den)
		return ruleError(ErrBadStakeSplit, str)
	}
	return nil
}
