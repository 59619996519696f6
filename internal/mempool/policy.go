// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2016-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/emberproject/emberd/internal/blockchain"
	"github.com/emberproject/emberd/internal/tokens"
)

const (
	// MaxStandardTxWeight is the maximum weight allowed for transactions
	// that are considered standard and will therefore be relayed and
	// considered for mining.
	MaxStandardTxWeight = 400000

	// maxStandardTxVersion is the highest transaction version considered
	// standard.
	maxStandardTxVersion = 2

	// maxStandardSigScriptSize is the maximum size allowed for a
	// transaction input signature script to be considered standard.  The
	// value allows for a 15-of-15 CHECKMULTISIG pay-to-script-hash with
	// compressed keys.
	maxStandardSigScriptSize = 1650

	// maxStandardMultiSigKeys is the maximum number of public keys allowed
	// in a multi-signature output script for it to be considered standard.
	maxStandardMultiSigKeys = 3

	// maxStandardSigOpsCost is the maximum signature operation cost allowed
	// for a standard transaction, in weighted cost units.
	maxStandardSigOpsCost = 16000

	// DefaultMinRelayTxFee is the minimum fee in atoms that is required for
	// a transaction to be treated as free for relay and mining purposes.
	// The value is in atoms per 1000 bytes of virtual size.
	DefaultMinRelayTxFee = btcutil.Amount(1000)

	// witnessScaleFactor mirrors the consensus weight scaling.
	witnessScaleFactor = 4
)

// standardScriptFlags are the additional script verification flags applied
// to transactions entering the pool on top of the consensus set.
const standardScriptFlags = txscript.ScriptVerifyCleanStack |
	txscript.ScriptVerifyStrictEncoding |
	txscript.ScriptVerifyMinimalData |
	txscript.ScriptDiscourageUpgradableNops |
	txscript.ScriptVerifyNullFail |
	txscript.ScriptVerifyMinimalIf |
	txscript.ScriptVerifySigPushOnly

// GetTxVirtualSize computes the virtual size of the transaction: its weight
// divided by the witness scale factor, rounded up.
func GetTxVirtualSize(tx *btcutil.Tx) int64 {
	msgTx := tx.MsgTx()
	baseSize := int64(msgTx.SerializeSizeStripped())
	totalSize := int64(msgTx.SerializeSize())
	weight := baseSize*(witnessScaleFactor-1) + totalSize
	return (weight + witnessScaleFactor - 1) / witnessScaleFactor
}

// calcMinRequiredTxRelayFee returns the minimum transaction fee required for
// a transaction with the passed virtual size to be accepted into the pool.
func calcMinRequiredTxRelayFee(vsize int64, minRelayTxFee btcutil.Amount) int64 {
	// minRelayTxFee is in atoms per kilo-vbyte, so multiply by the size and
	// divide by 1000 without risking overflow for sane sizes.
	minFee := (vsize * int64(minRelayTxFee)) / 1000
	if minFee == 0 && minRelayTxFee > 0 {
		minFee = int64(minRelayTxFee)
	}
	if minFee < 0 {
		minFee = 0
	}
	return minFee
}

// isDust returns whether the passed output amount is considered dust: an
// output is dust when the cost to the network to spend it exceeds a third of
// its value at the minimum relay fee.
func isDust(txOut *wire.TxOut, minRelayTxFee btcutil.Amount) bool {
	if txscript.IsUnspendable(txOut.PkScript) {
		return false
	}

	// Outputs whose only purpose is carrying a token payload legitimately
	// pay a nominal coin amount.
	if payload, err := tokens.ExtractPayload(txOut.PkScript); err == nil &&
		payload != nil {
		return false
	}

	// The total serialized cost to create and later spend a typical output
	// is roughly 148 + 34 bytes.
	totalCost := int64(len(txOut.PkScript)) + 148 + 9
	return txOut.Value*1000/(3*totalCost) < int64(minRelayTxFee)
}

// checkInputsStandard performs a series of checks on a transaction's inputs
// to ensure they are "standard".  A standard transaction input spends a
// recognized script form and its signature script contains only pushed data.
func checkInputsStandard(tx *btcutil.Tx, view *blockchain.UtxoViewpoint) error {
	for i, txIn := range tx.MsgTx().TxIn {
		entry := view.LookupEntry(txIn.PreviousOutPoint)
		if entry == nil || entry.IsSpent() {
			// Availability was checked earlier; this is belt and braces.
			str := fmt.Sprintf("transaction input #%d references missing "+
				"output %v", i, txIn.PreviousOutPoint)
			return ruleError(ErrMissingInputs, str)
		}

		base, _ := tokens.SplitScript(entry.PkScript())
		switch txscript.GetScriptClass(base) {
		case txscript.ScriptHashTy:
			numSigOps := txscript.GetPreciseSigOpCount(
				txIn.SignatureScript, base, true)
			if numSigOps > maxStandardMultiSigKeys*5 {
				str := fmt.Sprintf("transaction input #%d has %d "+
					"signature operations which is more than the "+
					"standard limit", i, numSigOps)
				return ruleError(ErrNonStandard, str)
			}

		case txscript.NonStandardTy:
			str := fmt.Sprintf("transaction input #%d spends a "+
				"non-standard script form", i)
			return ruleError(ErrNonStandard, str)
		}

		if len(txIn.SignatureScript) > maxStandardSigScriptSize {
			str := fmt.Sprintf("transaction input #%d has a %d byte "+
				"signature script which is larger than the standard size "+
				"of %d", i, len(txIn.SignatureScript),
				maxStandardSigScriptSize)
			return ruleError(ErrNonStandard, str)
		}
		if !txscript.IsPushOnlyScript(txIn.SignatureScript) {
			str := fmt.Sprintf("transaction input #%d signature script is "+
				"not push only", i)
			return ruleError(ErrNonStandard, str)
		}
	}
	return nil
}

// checkTransactionStandard performs a series of checks on a transaction to
// ensure it is "standard".  A standard transaction is one that conforms to
// several additional limiting cases over what is considered valid by
// consensus.
func checkTransactionStandard(tx *btcutil.Tx, minRelayTxFee btcutil.Amount) error {
	msgTx := tx.MsgTx()
	if msgTx.Version > maxStandardTxVersion || msgTx.Version < 1 {
		str := fmt.Sprintf("transaction version %d is not in the valid "+
			"range of %d-%d", msgTx.Version, 1, maxStandardTxVersion)
		return ruleError(ErrNonStandard, str)
	}

	baseSize := int64(msgTx.SerializeSizeStripped())
	weight := baseSize*(witnessScaleFactor-1) + int64(msgTx.SerializeSize())
	if weight > MaxStandardTxWeight {
		str := fmt.Sprintf("transaction weight of %d is larger than the "+
			"maximum standard weight of %d", weight, MaxStandardTxWeight)
		return ruleError(ErrNonStandard, str)
	}

	numNullDataOutputs := 0
	for i, txOut := range msgTx.TxOut {
		base, _ := tokens.SplitScript(txOut.PkScript)
		scriptClass := txscript.GetScriptClass(base)
		switch scriptClass {
		case txscript.NonStandardTy:
			str := fmt.Sprintf("transaction output %d has a non-standard "+
				"script form", i)
			return ruleError(ErrNonStandard, str)

		case txscript.MultiSigTy:
			numPubKeys, numSigs, err := txscript.CalcMultiSigStats(base)
			if err != nil || numPubKeys > maxStandardMultiSigKeys ||
				numSigs < 1 || numSigs > numPubKeys {
				str := fmt.Sprintf("transaction output %d has a "+
					"non-standard multi-signature script", i)
				return ruleError(ErrNonStandard, str)
			}

		case txscript.NullDataTy:
			numNullDataOutputs++
		}

		if isDust(txOut, minRelayTxFee) {
			str := fmt.Sprintf("transaction output %d payment of %d is "+
				"dust", i, txOut.Value)
			return ruleError(ErrDustOutput, str)
		}
	}

	// A standard transaction carries at most one null data output.
	if numNullDataOutputs > 1 {
		return ruleError(ErrNonStandard, "more than one transaction output "+
			"is null data")
	}
	return nil
}
