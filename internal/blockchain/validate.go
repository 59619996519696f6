// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/emberproject/emberd/chaincfg"
	"github.com/emberproject/emberd/internal/tokens"
)

const (
	// MaxBlockWeight defines the maximum block weight, where "weight" is
	// the sum of the serialized size of the block without witness data
	// multiplied by three plus the serialized size with witness data.
	MaxBlockWeight = 4000000

	// maxBlockBaseSize is the maximum number of bytes the serialized block
	// may consume without witness data.
	maxBlockBaseSize = 1000000

	// witnessScaleFactor determines the level of discount witness data
	// receives against its base-size counterpart.
	witnessScaleFactor = 4

	// MaxBlockSigOpsCost is the maximum number of signature operations
	// allowed for a block, counted in weighted cost units.
	MaxBlockSigOpsCost = 80000

	// MinCoinbaseScriptLen and MaxCoinbaseScriptLen bound the length of the
	// signature script of a coinbase transaction.
	MinCoinbaseScriptLen = 2
	MaxCoinbaseScriptLen = 100

	// maxTimeOffsetSeconds is the maximum number of seconds a block time is
	// allowed to be ahead of the current time.
	maxTimeOffsetSeconds = 2 * 60 * 60

	// minBlockVersion is the lowest header version accepted.
	minBlockVersion = 1

	// maxAtoms is the highest amount, in atoms, a single output or summed
	// transaction value may carry.  It comfortably covers the premine and
	// the fixed tail subsidy.
	maxAtoms = 1_200_000_000 * chaincfg.AtomsPerCoin
)

// BaseScriptFlags are the script verification flags every consensus path
// enforces.  The mempool layers its standardness flags on top of these.
const BaseScriptFlags = txscript.ScriptBip16 |
	txscript.ScriptVerifyDERSignatures |
	txscript.ScriptStrictMultiSig |
	txscript.ScriptVerifyCheckLockTimeVerify |
	txscript.ScriptVerifyCheckSequenceVerify |
	txscript.ScriptVerifyWitness |
	txscript.ScriptVerifyLowS

// isNullOutpoint determines whether or not a previous transaction outpoint
// is set.
func isNullOutpoint(outpoint *wire.OutPoint) bool {
	return outpoint.Index == wire.MaxPrevOutIndex && outpoint.Hash == zeroHash
}

// IsFinalizedTransaction determines whether or not a transaction is
// finalized.
func IsFinalizedTransaction(tx *btcutil.Tx, blockHeight int32, blockTime time.Time) bool {
	msgTx := tx.MsgTx()
	lockTime := msgTx.LockTime
	if lockTime == 0 {
		return true
	}

	// The lock time field of a transaction is either a block height at which
	// the transaction is finalized or a timestamp depending on if the value
	// is before the lock time threshold.
	var blockTimeOrHeight int64
	if lockTime < txscript.LockTimeThreshold {
		blockTimeOrHeight = int64(blockHeight)
	} else {
		blockTimeOrHeight = blockTime.Unix()
	}
	if int64(lockTime) < blockTimeOrHeight {
		return true
	}

	// At this point, the transaction's lock time hasn't occurred yet, but
	// the transaction might still be finalized if the sequence number for
	// all transaction inputs is maxed out.
	for _, txIn := range msgTx.TxIn {
		if txIn.Sequence != math.MaxUint32 {
			return false
		}
	}
	return true
}

// calcMerkleRoot computes the merkle root of the provided transactions using
// either the regular transaction hashes or the witness hashes.
func calcMerkleRoot(transactions []*btcutil.Tx, witness bool) chainhash.Hash {
	hashes := make([]chainhash.Hash, 0, len(transactions))
	for i, tx := range transactions {
		if witness {
			if i == 0 {
				// The coinbase is committed to as a zero hash in the
				// witness merkle tree.
				hashes = append(hashes, chainhash.Hash{})
				continue
			}
			hashes = append(hashes, *tx.WitnessHash())
			continue
		}
		hashes = append(hashes, *tx.Hash())
	}

	for len(hashes) > 1 {
		if len(hashes)%2 != 0 {
			hashes = append(hashes, hashes[len(hashes)-1])
		}
		next := make([]chainhash.Hash, 0, len(hashes)/2)
		for i := 0; i < len(hashes); i += 2 {
			data := make([]byte, 0, 2*chainhash.HashSize)
			data = append(data, hashes[i][:]...)
			data = append(data, hashes[i+1][:]...)
			next = append(next, chainhash.DoubleHashH(data))
		}
		hashes = next
	}
	if len(hashes) == 0 {
		return chainhash.Hash{}
	}
	return hashes[0]
}

// witnessCommitmentPrefix is the script prefix of the coinbase output that
// commits to the witness merkle root.
var witnessCommitmentPrefix = []byte{
	txscript.OP_RETURN, txscript.OP_DATA_36, 0xaa, 0x21, 0xa9, 0xed,
}

// extractWitnessCommitment locates the witness commitment in the coinbase
// outputs.  Per the deployment rules the commitment in the last matching
// output wins.
func extractWitnessCommitment(coinbase *btcutil.Tx) ([]byte, bool) {
	var commitment []byte
	for _, txOut := range coinbase.MsgTx().TxOut {
		script := txOut.PkScript
		if len(script) >= 38 && bytes.Equal(script[:6], witnessCommitmentPrefix) {
			commitment = script[6:38]
		}
	}
	return commitment, commitment != nil
}

// validateWitnessCommitment validates the witness commitment of the block
// when any transaction carries witness data.
func validateWitnessCommitment(block *btcutil.Block) error {
	msgBlock := block.MsgBlock()
	coinbase := block.Transactions()[0]
	commitment, hasCommitment := extractWitnessCommitment(coinbase)
	if !hasCommitment {
		for _, tx := range msgBlock.Transactions {
			if tx.HasWitness() {
				str := fmt.Sprintf("block %v includes witness data but "+
					"the coinbase carries no witness commitment",
					block.Hash())
				return ruleError(ErrUnexpectedWitness, str)
			}
		}
		return nil
	}

	// The witness of the coinbase input must be a single 32-byte nonce.
	coinbaseWitness := coinbase.MsgTx().TxIn[0].Witness
	if len(coinbaseWitness) != 1 || len(coinbaseWitness[0]) != 32 {
		str := fmt.Sprintf("block %v coinbase has a malformed witness "+
			"nonce", block.Hash())
		return ruleError(ErrBadWitnessCommitment, str)
	}

	witnessMerkleRoot := calcMerkleRoot(block.Transactions(), true)
	data := make([]byte, 0, 2*chainhash.HashSize)
	data = append(data, witnessMerkleRoot[:]...)
	data = append(data, coinbaseWitness[0]...)
	computed := chainhash.DoubleHashH(data)
	if !bytes.Equal(computed[:], commitment) {
		str := fmt.Sprintf("block %v witness commitment mismatch: computed "+
			"%x, coinbase commits to %x", block.Hash(), computed[:],
			commitment)
		return ruleError(ErrBadWitnessCommitment, str)
	}
	return nil
}

// CheckTransactionSanity performs context free checks on a transaction.
func CheckTransactionSanity(tx *btcutil.Tx) error {
	msgTx := tx.MsgTx()
	if len(msgTx.TxIn) == 0 {
		return ruleError(ErrNoTxInputs, "transaction has no inputs")
	}
	if len(msgTx.TxOut) == 0 {
		return ruleError(ErrNoTxOutputs, "transaction has no outputs")
	}

	var totalAtoms int64
	for _, txOut := range msgTx.TxOut {
		atoms := txOut.Value
		if atoms < 0 {
			str := fmt.Sprintf("transaction output has negative value of %v",
				atoms)
			return ruleError(ErrBadTxOutValue, str)
		}
		if atoms > maxAtoms {
			str := fmt.Sprintf("transaction output value of %v is higher "+
				"than max allowed value of %v", atoms, int64(maxAtoms))
			return ruleError(ErrBadTxOutValue, str)
		}
		totalAtoms += atoms
		if totalAtoms < 0 || totalAtoms > maxAtoms {
			str := fmt.Sprintf("total value of all transaction outputs is "+
				"%v which is out of range", totalAtoms)
			return ruleError(ErrBadTxOutValue, str)
		}

		// Outputs that carry a token payload must decode cleanly.
		if _, err := tokens.ExtractPayload(txOut.PkScript); err != nil {
			str := fmt.Sprintf("transaction output carries a malformed "+
				"token payload: %v", err)
			return ruleError(ErrBadTxOutValue, str)
		}
	}

	// Check for duplicate transaction inputs.
	existingTxOut := make(map[wire.OutPoint]struct{}, len(msgTx.TxIn))
	for _, txIn := range msgTx.TxIn {
		if _, exists := existingTxOut[txIn.PreviousOutPoint]; exists {
			return ruleError(ErrBadTxInput, "transaction contains duplicate "+
				"inputs")
		}
		existingTxOut[txIn.PreviousOutPoint] = struct{}{}
	}

	if IsCoinBase(tx) {
		slen := len(msgTx.TxIn[0].SignatureScript)
		if slen < MinCoinbaseScriptLen || slen > MaxCoinbaseScriptLen {
			str := fmt.Sprintf("coinbase transaction script length of %d "+
				"is out of range (min: %d, max: %d)", slen,
				MinCoinbaseScriptLen, MaxCoinbaseScriptLen)
			return ruleError(ErrBadCoinbaseScriptLen, str)
		}
	} else {
		for _, txIn := range msgTx.TxIn {
			if isNullOutpoint(&txIn.PreviousOutPoint) {
				return ruleError(ErrBadTxInput, "transaction input refers "+
					"to previous output that is null")
			}
		}
	}
	return nil
}

// checkBlockHeaderSanity performs context free checks on a block header.
// Proof-of-work blocks must hash below their committed target; the kernel of
// a proof-of-stake block is checked later, with utxo context.
func (b *BlockChain) checkBlockHeaderSanity(header *wire.BlockHeader, isProofOfStake bool) error {
	if !isProofOfStake {
		blockHash := header.BlockHash()
		if err := b.checkProofOfWorkHash(&blockHash, header.Bits); err != nil {
			return err
		}
	} else {
		if _, err := b.checkProofOfWorkRange(header.Bits); err != nil {
			return err
		}
	}

	maxTimestamp := b.timeSource().Add(time.Second * maxTimeOffsetSeconds)
	if header.Timestamp.After(maxTimestamp) {
		str := fmt.Sprintf("block timestamp of %v is too far in the future",
			header.Timestamp)
		return ruleError(ErrTimeTooNew, str)
	}
	return nil
}

// checkBlockSanity performs context free checks on a block and all of its
// transactions: structural shape, size and weight limits, merkle roots, the
// witness commitment, and per transaction structural checks.
func (b *BlockChain) checkBlockSanity(block *btcutil.Block) error {
	msgBlock := block.MsgBlock()
	isProofOfStake := IsProofOfStakeBlock(msgBlock)
	header := &msgBlock.Header
	if err := b.checkBlockHeaderSanity(header, isProofOfStake); err != nil {
		return err
	}

	transactions := block.Transactions()
	if len(transactions) == 0 {
		return ruleError(ErrNoTransactions, "block does not contain any "+
			"transactions")
	}

	// The serialized size without witness data is bounded separately from
	// the overall weight.
	baseSize := msgBlock.SerializeSizeStripped()
	if baseSize > maxBlockBaseSize {
		str := fmt.Sprintf("serialized block without witness data is %d "+
			"bytes which exceeds the maximum of %d", baseSize,
			maxBlockBaseSize)
		return ruleError(ErrBlockTooBig, str)
	}
	weight := int64(baseSize*(witnessScaleFactor-1)) +
		int64(msgBlock.SerializeSize())
	if weight > MaxBlockWeight {
		str := fmt.Sprintf("block weight of %d exceeds the maximum of %d",
			weight, MaxBlockWeight)
		return ruleError(ErrBlockTooBig, str)
	}

	if !IsCoinBase(transactions[0]) {
		return ruleError(ErrFirstTxNotCoinbase, "first transaction in "+
			"block is not the coinbase")
	}
	for i, tx := range transactions[1:] {
		if IsCoinBase(tx) {
			str := fmt.Sprintf("block contains second coinbase at index %d",
				i+1)
			return ruleError(ErrMultipleCoinbases, str)
		}
	}

	// A coinstake may only appear as the second transaction of a
	// proof-of-stake block.
	for i, tx := range transactions {
		if IsCoinStakeTx(tx.MsgTx()) && i != 1 {
			str := fmt.Sprintf("block contains coinstake at invalid index %d",
				i)
			return ruleError(ErrBadCoinstake, str)
		}
	}
	if isProofOfStake {
		// The reward of a staked block is paid by the coinstake, so its
		// coinbase must carry no value.
		for _, txOut := range transactions[0].MsgTx().TxOut {
			if txOut.Value != 0 {
				return ruleError(ErrBadCoinstake, "coinbase of a proof-of-"+
					"stake block pays a nonzero amount")
			}
		}
	}

	for _, tx := range transactions {
		if err := CheckTransactionSanity(tx); err != nil {
			return err
		}
	}

	// Build the merkle tree and ensure the calculated merkle root matches
	// the header commitment.
	calculatedMerkleRoot := calcMerkleRoot(transactions, false)
	if header.MerkleRoot != calculatedMerkleRoot {
		str := fmt.Sprintf("block merkle root is invalid - block header "+
			"indicates %v, but calculated value is %v", header.MerkleRoot,
			calculatedMerkleRoot)
		return ruleError(ErrBadMerkleRoot, str)
	}

	if err := validateWitnessCommitment(block); err != nil {
		return err
	}

	// Check for duplicate transactions.
	existingTxHashes := make(map[chainhash.Hash]struct{}, len(transactions))
	for _, tx := range transactions {
		hash := tx.Hash()
		if _, exists := existingTxHashes[*hash]; exists {
			str := fmt.Sprintf("block contains duplicate transaction %v",
				hash)
			return ruleError(ErrDuplicateTx, str)
		}
		existingTxHashes[*hash] = struct{}{}
	}

	// The number of signature operations must be less than the maximum
	// allowed per block counting only the legacy portion, which catches
	// pathological blocks before any utxo context is available.
	totalSigOps := 0
	for _, tx := range transactions {
		lastSigOps := totalSigOps
		for _, txIn := range tx.MsgTx().TxIn {
			totalSigOps += txscript.GetSigOpCount(txIn.SignatureScript)
		}
		for _, txOut := range tx.MsgTx().TxOut {
			base, _ := tokens.SplitScript(txOut.PkScript)
			totalSigOps += txscript.GetSigOpCount(base)
		}
		if totalSigOps < lastSigOps ||
			totalSigOps*witnessScaleFactor > MaxBlockSigOpsCost {
			str := fmt.Sprintf("block contains too many signature "+
				"operations - got %v, max %v",
				totalSigOps*witnessScaleFactor, MaxBlockSigOpsCost)
			return ruleError(ErrTooManySigOps, str)
		}
	}
	return nil
}

// checkBlockHeaderContext performs contextual checks on a block header
// against its predecessor node: required difficulty, median time floor,
// version floor, checkpoint compliance, and the maximum reorganization
// depth.
func (b *BlockChain) checkBlockHeaderContext(header *wire.BlockHeader, prevNode *blockNode) error {
	expectedDifficulty := b.calcNextRequiredDifficulty(prevNode)
	if header.Bits != expectedDifficulty {
		str := fmt.Sprintf("block difficulty of %08x is not the expected "+
			"value of %08x", header.Bits, expectedDifficulty)
		return ruleError(ErrUnexpectedDifficulty, str)
	}

	medianTime := prevNode.CalcPastMedianTime()
	if !header.Timestamp.After(medianTime) {
		str := fmt.Sprintf("block timestamp of %v is not after expected %v",
			header.Timestamp, medianTime)
		return ruleError(ErrTimeTooOld, str)
	}

	if header.Version < minBlockVersion {
		str := fmt.Sprintf("block version %d is no longer accepted",
			header.Version)
		return ruleError(ErrBlockVersionTooOld, str)
	}

	blockHeight := prevNode.height + 1

	// Reject forks deeper than the maximum reorganization depth, and ensure
	// the header matches any checkpoint at its height.
	tip := b.bestChain.Tip()
	if tip != nil {
		fork := b.bestChain.FindFork(prevNode)
		if fork != nil && tip.height-fork.height >= b.chainParams.MaxReorgDepth {
			str := fmt.Sprintf("block at height %d forks the chain %d "+
				"blocks behind the current tip which exceeds the maximum "+
				"reorganization depth of %d", blockHeight,
				tip.height-fork.height, b.chainParams.MaxReorgDepth)
			return ruleError(ErrForkTooOld, str)
		}
	}
	for i := range b.chainParams.Checkpoints {
		checkpoint := &b.chainParams.Checkpoints[i]
		if checkpoint.Height != blockHeight {
			continue
		}
		blockHash := header.BlockHash()
		if blockHash != *checkpoint.Hash {
			str := fmt.Sprintf("block at height %d has hash %v which does "+
				"not match checkpoint hash %v", blockHeight, blockHash,
				checkpoint.Hash)
			return ruleError(ErrCheckpointMismatch, str)
		}
	}
	return nil
}

// extractCoinbaseHeight attempts to extract the height of the block from the
// coinbase signature script, which is required to start with the serialized
// height.
func extractCoinbaseHeight(coinbase *btcutil.Tx) (int32, error) {
	sigScript := coinbase.MsgTx().TxIn[0].SignatureScript
	if len(sigScript) < 1 {
		return 0, ruleError(ErrBadCoinbaseHeight, "coinbase signature "+
			"script is empty")
	}

	// Small heights are encoded as single small integer opcodes.
	opcode := int(sigScript[0])
	if opcode == txscript.OP_0 {
		return 0, nil
	}
	if opcode >= txscript.OP_1 && opcode <= txscript.OP_16 {
		return int32(opcode - (txscript.OP_1 - 1)), nil
	}

	serializedLen := opcode
	if serializedLen > 8 || len(sigScript[1:]) < serializedLen {
		return 0, ruleError(ErrBadCoinbaseHeight, "coinbase signature "+
			"script does not start with a serialized height")
	}
	var height int64
	for i := serializedLen - 1; i >= 0; i-- {
		height = (height << 8) | int64(sigScript[1+i])
	}
	return int32(height), nil
}

// checkBlockContext performs contextual checks on a block against its
// predecessor node, beyond the header checks: transaction finality and the
// serialized coinbase height.
func (b *BlockChain) checkBlockContext(block *btcutil.Block, prevNode *blockNode) error {
	if err := b.checkBlockHeaderContext(&block.MsgBlock().Header, prevNode); err != nil {
		return err
	}

	blockHeight := prevNode.height + 1
	blockTime := prevNode.CalcPastMedianTime()
	for _, tx := range block.Transactions() {
		if !IsFinalizedTransaction(tx, blockHeight, blockTime) {
			str := fmt.Sprintf("block contains unfinalized transaction %v",
				tx.Hash())
			return ruleError(ErrUnfinalizedTx, str)
		}
	}

	coinbaseHeight, err := extractCoinbaseHeight(block.Transactions()[0])
	if err != nil {
		return err
	}
	if coinbaseHeight != blockHeight {
		str := fmt.Sprintf("coinbase serialized height %d does not match "+
			"block height %d", coinbaseHeight, blockHeight)
		return ruleError(ErrBadCoinbaseHeight, str)
	}
	return nil
}

// SequenceLock represents the converted relative lock-time in seconds and
// absolute block height for a transaction input's relative locks.  The
// transaction is only valid in a block whose height and median time are past
// both values.
type SequenceLock struct {
	Seconds     int64
	BlockHeight int32
}

// calcSequenceLock computes the relative lock-times for the passed
// transaction under BIP 68 semantics using the provided view for the input
// heights.
func (b *BlockChain) calcSequenceLock(node *blockNode, tx *btcutil.Tx, view *UtxoViewpoint) (*SequenceLock, error) {
	sequenceLock := &SequenceLock{Seconds: -1, BlockHeight: -1}

	// Sequence locks don't apply to coinbase transactions or to version 1
	// transactions.
	msgTx := tx.MsgTx()
	if IsCoinBase(tx) || msgTx.Version < 2 {
		return sequenceLock, nil
	}

	for txInIndex, txIn := range msgTx.TxIn {
		sequenceNum := txIn.Sequence
		if sequenceNum&sequenceLockTimeDisabled != 0 {
			continue
		}

		entry, err := view.FetchEntry(txIn.PreviousOutPoint)
		if err != nil {
			return nil, err
		}
		if entry == nil || entry.IsSpent() {
			str := fmt.Sprintf("output %v referenced from transaction "+
				"%s:%d either does not exist or has already been spent",
				txIn.PreviousOutPoint, tx.Hash(), txInIndex)
			return nil, ruleError(ErrMissingTxOut, str)
		}

		inputHeight := entry.BlockHeight()
		if inputHeight == MempoolHeight {
			// The input is from the mempool, so it is treated as though it
			// were included in the next block.
			inputHeight = node.height + 1
		}

		relativeLock := int64(sequenceNum & sequenceLockTimeMask)
		if sequenceNum&sequenceLockTimeIsSeconds != 0 {
			prevInputNode := node.Ancestor(inputHeight - 1)
			medianTime := node.timestamp
			if prevInputNode != nil {
				medianTime = prevInputNode.CalcPastMedianTime().Unix()
			}
			timeLock := medianTime +
				(relativeLock << sequenceLockTimeGranularity) - 1
			if timeLock > sequenceLock.Seconds {
				sequenceLock.Seconds = timeLock
			}
		} else {
			blockHeight := inputHeight + int32(relativeLock) - 1
			if blockHeight > sequenceLock.BlockHeight {
				sequenceLock.BlockHeight = blockHeight
			}
		}
	}
	return sequenceLock, nil
}

// MempoolHeight is the block height entries sourced from the mempool carry
// in a pool-augmented view.
const MempoolHeight = math.MaxInt32

// Relative lock-time constants from BIP 68.  The disable flag turns the
// sequence field back into a plain number, the type flag selects 512-second
// granularity instead of blocks, and the mask extracts the lock value.
const (
	sequenceLockTimeDisabled    = 1 << 31
	sequenceLockTimeIsSeconds   = 1 << 22
	sequenceLockTimeMask        = 0x0000ffff
	sequenceLockTimeGranularity = 9
)

// SequenceLockActive determines if a transaction's sequence locks have been
// met, meaning that all the inputs of a given transaction have reached a
// height or time sufficient for their relative lock-time maturity.
func SequenceLockActive(sequenceLock *SequenceLock, blockHeight int32, medianTimePast time.Time) bool {
	return sequenceLock.Seconds < medianTimePast.Unix() &&
		sequenceLock.BlockHeight < blockHeight
}

// CountSigOpCost returns the weighted signature operation cost of the
// transaction: legacy operations scaled by the witness scale factor, the
// precise pay-to-script-hash count for inputs spending P2SH outputs, and the
// witness operations at full precision.
func CountSigOpCost(tx *btcutil.Tx, view *UtxoViewpoint) (int, error) {
	msgTx := tx.MsgTx()
	isCoinBase := IsCoinBase(tx)

	cost := 0
	for _, txOut := range msgTx.TxOut {
		base, _ := tokens.SplitScript(txOut.PkScript)
		cost += txscript.GetSigOpCount(base) * witnessScaleFactor
	}
	if isCoinBase {
		cost += txscript.GetSigOpCount(msgTx.TxIn[0].SignatureScript) *
			witnessScaleFactor
		return cost, nil
	}

	for txInIdx, txIn := range msgTx.TxIn {
		entry := view.LookupEntry(txIn.PreviousOutPoint)
		if entry == nil {
			str := fmt.Sprintf("output %v referenced from transaction "+
				"%s:%d does not exist", txIn.PreviousOutPoint, tx.Hash(),
				txInIdx)
			return 0, ruleError(ErrMissingTxOut, str)
		}
		prevScript, _ := tokens.SplitScript(entry.PkScript())

		sigScript := txIn.SignatureScript
		cost += txscript.GetSigOpCount(sigScript) * witnessScaleFactor
		if txscript.IsPayToScriptHash(prevScript) {
			cost += txscript.GetPreciseSigOpCount(sigScript, prevScript,
				true) * witnessScaleFactor
		}
		cost += txscript.GetWitnessSigOpCount(sigScript, prevScript,
			txIn.Witness)
	}
	return cost, nil
}

// CheckTransactionInputs performs a series of checks on the inputs to a
// transaction to ensure they are valid: existence, coinbase and coinstake
// maturity, amount ranges, and no in-over-out.  It returns the transaction
// fee.
func (b *BlockChain) CheckTransactionInputs(tx *btcutil.Tx, txHeight int32, view *UtxoViewpoint) (int64, error) {
	// Coinbase transactions have no inputs.
	if IsCoinBase(tx) {
		return 0, nil
	}

	var totalAtomsIn int64
	for txInIndex, txIn := range tx.MsgTx().TxIn {
		entry, err := view.FetchEntry(txIn.PreviousOutPoint)
		if err != nil {
			return 0, err
		}
		if entry == nil || entry.IsSpent() {
			str := fmt.Sprintf("output %v referenced from transaction "+
				"%s:%d either does not exist or has already been spent",
				txIn.PreviousOutPoint, tx.Hash(), txInIndex)
			return 0, ruleError(ErrMissingTxOut, str)
		}

		if entry.IsCoinBase() || entry.IsCoinStake() {
			originHeight := entry.BlockHeight()
			blocksSincePrev := txHeight - originHeight
			maturity := int32(b.chainParams.CoinbaseMaturity)
			if blocksSincePrev < maturity {
				str := fmt.Sprintf("tried to spend %s output %v from "+
					"height %v at height %v before required maturity of "+
					"%v blocks", generationName(entry),
					txIn.PreviousOutPoint, originHeight, txHeight, maturity)
				return 0, ruleError(ErrImmatureSpend, str)
			}
		}

		originTxAtoms := entry.Amount()
		if originTxAtoms < 0 || originTxAtoms > maxAtoms {
			str := fmt.Sprintf("transaction output value of %v is out of "+
				"range", originTxAtoms)
			return 0, ruleError(ErrBadTxOutValue, str)
		}
		lastAtomsIn := totalAtomsIn
		totalAtomsIn += originTxAtoms
		if totalAtomsIn < lastAtomsIn || totalAtomsIn > maxAtoms {
			str := fmt.Sprintf("total value of all transaction inputs is "+
				"%v which is out of range", totalAtomsIn)
			return 0, ruleError(ErrBadTxOutValue, str)
		}
	}

	var totalAtomsOut int64
	for _, txOut := range tx.MsgTx().TxOut {
		totalAtomsOut += txOut.Value
	}

	// Coinstakes pay the stake reward, so their outputs legitimately exceed
	// their inputs; the surplus is checked against the subsidy at the block
	// level instead.
	if IsCoinStakeTx(tx.MsgTx()) {
		return totalAtomsIn - totalAtomsOut, nil
	}

	if totalAtomsIn < totalAtomsOut {
		str := fmt.Sprintf("total value of all transaction inputs for "+
			"transaction %v is %v which is less than the amount spent of "+
			"%v", tx.Hash(), totalAtomsIn, totalAtomsOut)
		return 0, ruleError(ErrSpendTooHigh, str)
	}
	return totalAtomsIn - totalAtomsOut, nil
}

// generationName returns a human-readable name for the generation class of
// the provided entry.
func generationName(entry *UtxoEntry) string {
	if entry.IsCoinStake() {
		return "coinstake"
	}
	return "coinbase"
}

// calcBlockSubsidy returns the subsidy for a block at the provided height:
// the premine at height one and the fixed subsidy everywhere else.
func (b *BlockChain) calcBlockSubsidy(height int32) int64 {
	if height == 0 {
		return 0
	}
	if height == 1 {
		return b.chainParams.PremineValue
	}
	return b.chainParams.BlockSubsidy
}

// connectTokenTransactions applies the token effects of every transaction in
// the block to the token view, producing undo entries.  Privileged token
// operations are authorized by spending the relevant ownership token within
// the same transaction.
func (b *BlockChain) connectTokenTransactions(block *btcutil.Block,
	view *UtxoViewpoint, tokenView *tokens.View, undo *tokens.UndoRecord) error {

	blockHeight := block.Height()
	for txIdx, tx := range block.Transactions() {
		msgTx := tx.MsgTx()

		// Collect the ownership names this transaction spends; spending the
		// ownership token authorizes privileged operations on the name.
		var ownedNames map[string]struct{}
		if txIdx != 0 {
			for _, txIn := range msgTx.TxIn {
				entry := view.LookupEntry(txIn.PreviousOutPoint)
				if entry == nil {
					continue
				}
				payload := entry.TokenPayload()
				if payload == nil {
					continue
				}
				if payload.Type == tokens.TypeOwnership {
					if ownedNames == nil {
						ownedNames = make(map[string]struct{})
					}
					ownedNames[payload.Name] = struct{}{}
				}

				// Debit the spent holder.
				base, _ := tokens.SplitScript(entry.PkScript())
				err := tokenView.SpendOutput(payload,
					tokens.MakeScriptKey(base), undo)
				if err != nil {
					return err
				}
			}
		}

		for _, txOut := range msgTx.TxOut {
			payload, err := tokens.ExtractPayload(txOut.PkScript)
			if err != nil {
				return err
			}
			if payload == nil {
				continue
			}

			authorized := false
			if authName := authorizingName(payload); authName == "" {
				authorized = true
			} else if ownedNames != nil {
				_, authorized = ownedNames[authName]
			}

			base, _ := tokens.SplitScript(txOut.PkScript)
			err = tokenView.ConnectOutput(payload,
				tokens.MakeScriptKey(base), blockHeight, authorized, undo)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// authorizingName returns the ownership token name that must be spent to
// authorize the provided payload, or an empty string when no authorization
// is required.
func authorizingName(p *tokens.Payload) string {
	switch p.Type {
	case tokens.TypeReissue, tokens.TypeQualifier, tokens.TypeFreeze,
		tokens.TypeGlobalFreeze, tokens.TypeVerifier:
		return tokens.OwnershipName(p.Name)

	case tokens.TypeIssue:
		// Issuing a derived name (sub-token, restricted token) requires the
		// root name's ownership token; issuing a fresh root name does not.
		if root := tokens.RootName(p.Name); root != p.Name {
			return tokens.OwnershipName(root)
		}
	}
	return ""
}

// checkConnectBlock performs several checks to confirm connecting the passed
// block to the chain represented by the passed view does not violate any
// rules.  It builds the utxo spend journal and token undo record as it goes.
//
// The view MUST have its best hash set to the block's predecessor and the
// token view must mirror the same state.  The returned undo data is complete
// only when the error is nil.
func (b *BlockChain) checkConnectBlock(node *blockNode, block *btcutil.Block,
	view *UtxoViewpoint, tokenView *tokens.View) (*blockUndoData, error) {

	// The coin view must be for the predecessor of the block being
	// connected.
	if *view.BestHash() != node.parent.hash {
		return nil, AssertError(fmt.Sprintf("checkConnectBlock called with "+
			"view for %v instead of predecessor %v", view.BestHash(),
			node.parent.hash))
	}

	// Re-run the context free checks in case the block was stored before a
	// rule change, or the disk write corrupted it.  A failure here is
	// flagged as possible corruption since the block passed these checks
	// before it was stored.
	if err := b.checkBlockSanity(block); err != nil {
		var ruleErr RuleError
		if errors.As(err, &ruleErr) {
			ruleErr.CorruptionPossible = true
			return nil, ruleErr
		}
		return nil, err
	}

	// The target difficulty the header committed to must match the
	// recomputed requirement.
	expectedDifficulty := b.calcNextRequiredDifficulty(node.parent)
	if block.MsgBlock().Header.Bits != expectedDifficulty {
		str := fmt.Sprintf("block difficulty of %08x is not the expected "+
			"value of %08x", block.MsgBlock().Header.Bits,
			expectedDifficulty)
		return nil, ruleError(ErrUnexpectedDifficulty, str)
	}

	if err := view.fetchInputUtxos(block); err != nil {
		return nil, err
	}

	// Proof-of-stake blocks must demonstrate a valid kernel and respect the
	// offline staking split before anything is mutated.
	isProofOfStake := IsProofOfStakeBlock(block.MsgBlock())
	var stakeModifier chainhash.Hash
	if isProofOfStake {
		var err error
		stakeModifier, err = b.checkStakeKernel(block, node.parent, view)
		if err != nil {
			return nil, err
		}
		coinstake := block.Transactions()[1]
		kernelEntry := view.LookupEntry(
			coinstake.MsgTx().TxIn[0].PreviousOutPoint)
		if err := b.checkCoinstakeSplit(coinstake, kernelEntry); err != nil {
			return nil, err
		}
	} else if node.parent != nil {
		stakeModifier = node.parent.stakeModifier
	}

	undo := &blockUndoData{
		stxos:     make([]spentTxOut, 0, countSpentOutputs(block)),
		tokenUndo: &tokens.UndoRecord{},
	}

	blockTime := block.MsgBlock().Header.Timestamp.Unix()
	medianTime := node.parent.CalcPastMedianTime()
	var totalFees, totalSigOpCost int64
	var coinstakeReward int64
	for txIdx, tx := range block.Transactions() {
		// Sigop cost needs the referenced outputs resolved, and the
		// resolution doubles as the input existence check.
		sigOpCost, err := CountSigOpCost(tx, view)
		if err != nil {
			return nil, err
		}
		totalSigOpCost += int64(sigOpCost)
		if totalSigOpCost > MaxBlockSigOpsCost {
			str := fmt.Sprintf("block contains too many signature "+
				"operations - got %v, max %v", totalSigOpCost,
				MaxBlockSigOpsCost)
			return nil, ruleError(ErrTooManySigOps, str)
		}

		fee, err := b.CheckTransactionInputs(tx, node.height, view)
		if err != nil {
			return nil, err
		}
		if IsCoinStakeTx(tx.MsgTx()) {
			// CheckTransactionInputs returns in minus out, which is
			// negative for a coinstake by the amount of the claimed
			// reward.
			coinstakeReward = -fee
		} else {
			lastTotalFees := totalFees
			totalFees += fee
			if totalFees < lastTotalFees {
				return nil, ruleError(ErrBadTxOutValue, "total fees for "+
					"block overflows accumulator")
			}
		}

		// Relative lock times must be active as of the containing block.
		if txIdx != 0 {
			sequenceLock, err := b.calcSequenceLock(node, tx, view)
			if err != nil {
				return nil, err
			}
			if !SequenceLockActive(sequenceLock, node.height, medianTime) {
				str := fmt.Sprintf("block contains transaction %v whose "+
					"input sequence locks are not met", tx.Hash())
				return nil, ruleError(ErrSequenceLockUnmet, str)
			}
		}

		err = view.connectTransaction(tx, node.height, blockTime,
			isProofOfStake && txIdx == 1, &undo.stxos)
		if err != nil {
			return nil, err
		}
	}

	// Apply the token rules after the coin spends so the spent entries are
	// all resolved in the view.
	err := b.connectTokenTransactions(block, view, tokenView, undo.tokenUndo)
	if err != nil {
		return nil, err
	}

	// The reward claimed by the block must not exceed the subsidy plus the
	// collected fees.  At height one the subsidy is the premine.
	subsidy := b.calcBlockSubsidy(node.height)
	var claimed int64
	if isProofOfStake {
		claimed = coinstakeReward
	} else {
		for _, txOut := range block.Transactions()[0].MsgTx().TxOut {
			claimed += txOut.Value
		}
	}
	if claimed > subsidy+totalFees {
		str := fmt.Sprintf("block claims a reward of %v which exceeds the "+
			"expected value of %v (subsidy %v + fees %v)", claimed,
			subsidy+totalFees, subsidy, totalFees)
		return nil, ruleError(ErrBadCoinbaseValue, str)
	}

	// Verify every input script, fanned out on the script check engine.
	scriptFlags := BaseScriptFlags
	if err := b.checkBlockScripts(block, view, scriptFlags); err != nil {
		return nil, err
	}

	// All checks passed: record the stake lineage and move the view
	// forward.  Governance side effects are applied by the caller so this
	// function stays usable for simulation.
	b.index.Lock()
	node.isProofOfStake = isProofOfStake
	node.stakeModifier = stakeModifier
	b.index.modified[node] = struct{}{}
	b.index.Unlock()

	view.SetBestHash(&node.hash)
	return undo, nil
}

// countSpentOutputs returns the number of utxos the passed block spends.
func countSpentOutputs(block *btcutil.Block) int {
	var numSpent int
	for _, tx := range block.Transactions()[1:] {
		numSpent += len(tx.MsgTx().TxIn)
	}
	return numSpent
}
