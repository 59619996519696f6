// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// oneLsh256 is 1 shifted left 256 bits.
	oneLsh256 = new(big.Int).Lsh(big.NewInt(1), 256)

	// bigZero is the big integer zero.
	bigZero = big.NewInt(0)
)

// compactToBig converts a compact representation of a whole number N to an
// unsigned 256-bit number.  The representation is similar to IEEE754 floating
// point numbers: the most significant byte is the base-256 exponent and the
// remaining 23 bits are the mantissa, with the sign carried in bit 23.
func compactToBig(compact uint32) *big.Int {
	mantissa := compact & 0x007fffff
	isNegative := compact&0x00800000 != 0
	exponent := uint(compact >> 24)

	var bn *big.Int
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		bn = big.NewInt(int64(mantissa))
	} else {
		bn = big.NewInt(int64(mantissa))
		bn.Lsh(bn, 8*(exponent-3))
	}
	if isNegative {
		bn = bn.Neg(bn)
	}
	return bn
}

// calcWork calculates a work value from difficulty bits.  Ember increases
// the difficulty for generating a block by decreasing the value which the
// generated hash must be less than, so the amount of work is the expected
// number of hash attempts: (2^256) / (target+1).
func calcWork(bits uint32) *big.Int {
	// Return a work value of zero if the passed difficulty bits represent a
	// negative number, which should never really happen since it means the
	// block is invalid, but an error can't be returned here.
	difficultyNum := compactToBig(bits)
	if difficultyNum.Sign() <= 0 {
		return big.NewInt(0)
	}

	denominator := new(big.Int).Add(difficultyNum, big.NewInt(1))
	return new(big.Int).Div(oneLsh256, denominator)
}

// hashToBig converts a chainhash.Hash into a big.Int that can be used to
// perform math comparisons.
func hashToBig(hash *chainhash.Hash) *big.Int {
	// A Hash is in little-endian, but the big package wants the bytes in
	// big-endian, so reverse them.
	buf := *hash
	blen := len(buf)
	for i := 0; i < blen/2; i++ {
		buf[i], buf[blen-1-i] = buf[blen-1-i], buf[i]
	}
	return new(big.Int).SetBytes(buf[:])
}

// checkProofOfWorkRange ensures the provided target difficulty is in the
// valid range for the chain parameters.
func (b *BlockChain) checkProofOfWorkRange(bits uint32) (*big.Int, error) {
	target := compactToBig(bits)
	if target.Sign() <= 0 {
		str := fmt.Sprintf("block target difficulty of %064x is too low",
			target)
		return nil, ruleError(ErrUnexpectedDifficulty, str)
	}
	if target.Cmp(b.chainParams.PowLimit) > 0 {
		str := fmt.Sprintf("block target difficulty of %064x is higher "+
			"than max of %064x", target, b.chainParams.PowLimit)
		return nil, ruleError(ErrUnexpectedDifficulty, str)
	}
	return target, nil
}

// checkProofOfWorkHash ensures the provided block hash is less than the
// target difficulty represented by the provided compact bits.
func (b *BlockChain) checkProofOfWorkHash(blockHash *chainhash.Hash, bits uint32) error {
	target, err := b.checkProofOfWorkRange(bits)
	if err != nil {
		return err
	}
	if hashToBig(blockHash).Cmp(target) > 0 {
		str := fmt.Sprintf("block hash of %064x is higher than expected "+
			"max of %064x", hashToBig(blockHash), target)
		return ruleError(ErrHighHash, str)
	}
	return nil
}

// calcNextRequiredDifficulty returns the required target difficulty, in
// compact form, for the block after the provided node.
//
// The retargeting algorithm itself lives outside this subsystem; the chain
// state machine only enforces that the target a header commits to matches
// the required one.  The networks this node ships with use a fixed target,
// so the requirement is simply carried forward from the predecessor.
func (b *BlockChain) calcNextRequiredDifficulty(prevNode *blockNode) uint32 {
	if prevNode == nil {
		return b.chainParams.PowLimitBits
	}
	return prevNode.bits
}
