// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2015-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

// AssertError identifies an error that indicates an internal code consistency
// issue and should be treated as a critical and unrecoverable error.
type AssertError string

// Error returns the assertion error as a human-readable string and satisfies
// the error interface.
func (e AssertError) Error() string {
	return "assertion failed: " + string(e)
}

// ErrorKind identifies a kind of error.  It has full support for errors.Is
// and errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific RuleError.
const (
	// ErrDuplicateBlock indicates a block with the same hash already exists.
	ErrDuplicateBlock = ErrorKind("ErrDuplicateBlock")

	// ErrMissingParent indicates a block header references a predecessor that
	// is not known.  The caller should request the missing header rather than
	// treat this as an invalidity.
	ErrMissingParent = ErrorKind("ErrMissingParent")

	// ErrInvalidAncestorBlock indicates a block builds on an ancestor that is
	// known to be invalid.
	ErrInvalidAncestorBlock = ErrorKind("ErrInvalidAncestorBlock")

	// ErrNoBlockData indicates an attempt to perform an operation on a block
	// that requires all data to be available does not have the data.
	ErrNoBlockData = ErrorKind("ErrNoBlockData")

	// ErrBlockTooBig indicates the serialized block size exceeds the maximum
	// allowed size.
	ErrBlockTooBig = ErrorKind("ErrBlockTooBig")

	// ErrTimeTooOld indicates the time is not after the median time of the
	// last several blocks per the chain consensus rules.
	ErrTimeTooOld = ErrorKind("ErrTimeTooOld")

	// ErrTimeTooNew indicates the time is too far in the future as compared
	// the current time.
	ErrTimeTooNew = ErrorKind("ErrTimeTooNew")

	// ErrBlockVersionTooOld indicates the block version is too old and is no
	// longer accepted since the majority of the network has upgraded to a
	// newer version.
	ErrBlockVersionTooOld = ErrorKind("ErrBlockVersionTooOld")

	// ErrUnexpectedDifficulty indicates specified bits do not align with the
	// expected value either because it doesn't match the calculated value
	// based on difficulty regarding the rules or it is out of the valid
	// range.
	ErrUnexpectedDifficulty = ErrorKind("ErrUnexpectedDifficulty")

	// ErrHighHash indicates the block does not hash to a value which is
	// lower than the required target difficultly.
	ErrHighHash = ErrorKind("ErrHighHash")

	// ErrBadMerkleRoot indicates the calculated merkle root does not match
	// the expected value.
	ErrBadMerkleRoot = ErrorKind("ErrBadMerkleRoot")

	// ErrBadWitnessCommitment indicates the calculated witness commitment
	// does not match the value committed to by the coinbase.
	ErrBadWitnessCommitment = ErrorKind("ErrBadWitnessCommitment")

	// ErrUnexpectedWitness indicates a block contains witness data when no
	// witness commitment is present.
	ErrUnexpectedWitness = ErrorKind("ErrUnexpectedWitness")

	// ErrCheckpointMismatch indicates a block header hash does not match the
	// hash of the checkpoint at the same height.
	ErrCheckpointMismatch = ErrorKind("ErrCheckpointMismatch")

	// ErrForkTooOld indicates a block is attempting to fork the block chain
	// before the maximum allowed reorganization depth.
	ErrForkTooOld = ErrorKind("ErrForkTooOld")

	// ErrNoTransactions indicates the block does not have at least one
	// transaction.  A valid block must have at least the coinbase
	// transaction.
	ErrNoTransactions = ErrorKind("ErrNoTransactions")

	// ErrDuplicateTx indicates a block contains an identical transaction
	// more than once.
	ErrDuplicateTx = ErrorKind("ErrDuplicateTx")

	// ErrNoTxInputs indicates a transaction does not have any inputs.
	ErrNoTxInputs = ErrorKind("ErrNoTxInputs")

	// ErrNoTxOutputs indicates a transaction does not have any outputs.
	ErrNoTxOutputs = ErrorKind("ErrNoTxOutputs")

	// ErrBadTxOutValue indicates an output value for a transaction is
	// invalid in some way such as being out of range.
	ErrBadTxOutValue = ErrorKind("ErrBadTxOutValue")

	// ErrBadTxInput indicates a transaction input is invalid in some way
	// such as referencing a previous transaction outpoint which is out of
	// range or not referencing one at all.
	ErrBadTxInput = ErrorKind("ErrBadTxInput")

	// ErrMissingTxOut indicates a transaction output referenced by an input
	// either does not exist or has already been spent.
	ErrMissingTxOut = ErrorKind("ErrMissingTxOut")

	// ErrFirstTxNotCoinbase indicates the first transaction in a block is
	// not a coinbase transaction.
	ErrFirstTxNotCoinbase = ErrorKind("ErrFirstTxNotCoinbase")

	// ErrMultipleCoinbases indicates a block contains more than one coinbase
	// transaction.
	ErrMultipleCoinbases = ErrorKind("ErrMultipleCoinbases")

	// ErrBadCoinbaseScriptLen indicates the length of the signature script
	// for a coinbase transaction is not within the valid range.
	ErrBadCoinbaseScriptLen = ErrorKind("ErrBadCoinbaseScriptLen")

	// ErrBadCoinbaseHeight indicates the height serialized in the coinbase
	// signature script does not match the expected block height.
	ErrBadCoinbaseHeight = ErrorKind("ErrBadCoinbaseHeight")

	// ErrBadCoinbaseValue indicates the amount of a coinbase value does not
	// match the expected value of the subsidy plus the sum of all fees.
	ErrBadCoinbaseValue = ErrorKind("ErrBadCoinbaseValue")

	// ErrBadCoinstake indicates a proof-of-stake block has a malformed
	// coinstake transaction or a coinstake transaction in a disallowed
	// position.
	ErrBadCoinstake = ErrorKind("ErrBadCoinstake")

	// ErrImmatureStake indicates the kernel input of a coinstake does not
	// meet the coinstake maturity requirement.
	ErrImmatureStake = ErrorKind("ErrImmatureStake")

	// ErrBadStakeKernel indicates the kernel hash of a proof-of-stake block
	// does not meet the required target.
	ErrBadStakeKernel = ErrorKind("ErrBadStakeKernel")

	// ErrBadStakeSplit indicates the coinstake of a proof-of-stake block
	// does not respect the required split between the staking script and the
	// operator.
	ErrBadStakeSplit = ErrorKind("ErrBadStakeSplit")

	// ErrImmatureSpend indicates a transaction is attempting to spend a
	// coinbase or coinstake that has not yet reached the required maturity.
	ErrImmatureSpend = ErrorKind("ErrImmatureSpend")

	// ErrSpendTooHigh indicates a transaction is attempting to spend more
	// value than the sum of all of its inputs.
	ErrSpendTooHigh = ErrorKind("ErrSpendTooHigh")

	// ErrTooManySigOps indicates the total number of signature operations
	// for a transaction or block exceed the maximum allowed limits.
	ErrTooManySigOps = ErrorKind("ErrTooManySigOps")

	// ErrUnfinalizedTx indicates a transaction has not been finalized.
	ErrUnfinalizedTx = ErrorKind("ErrUnfinalizedTx")

	// ErrSequenceLockUnmet indicates a transaction's sequence locks are not
	// active at the point of evaluation.
	ErrSequenceLockUnmet = ErrorKind("ErrSequenceLockUnmet")

	// ErrScriptMalformed indicates a transaction script is malformed in some
	// way.  For example, it might be longer than the maximum allowed length
	// or fail to parse.
	ErrScriptMalformed = ErrorKind("ErrScriptMalformed")

	// ErrScriptValidation indicates the result of executing a transaction
	// script failed.  The error covers any failure when executing scripts
	// such as signature verification failures and execution past the end of
	// the stack.
	ErrScriptValidation = ErrorKind("ErrScriptValidation")

	// ErrKnownInvalidBlock indicates an operation on a block that is already
	// known to be invalid.
	ErrKnownInvalidBlock = ErrorKind("ErrKnownInvalidBlock")

	// ErrPrunedBlock indicates an attempt to read a block whose data has
	// been removed by pruning.
	ErrPrunedBlock = ErrorKind("ErrPrunedBlock")

	// ErrUndoDataCorrupt indicates undo data read from disk failed its
	// integrity checksum.
	ErrUndoDataCorrupt = ErrorKind("ErrUndoDataCorrupt")

	// ErrUtxoBackendCorruption indicates an inconsistency in the utxo or
	// token state that can only be explained by local data corruption.
	ErrUtxoBackendCorruption = ErrorKind("ErrUtxoBackendCorruption")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// RuleError identifies a rule violation.  It is used to indicate that
// processing of a block or transaction failed due to one of the many
// validation rules.  It has full support for errors.Is and errors.As, so the
// caller can ascertain the specific reason for the error by checking the
// underlying error.
type RuleError struct {
	Err         error
	Description string

	// CorruptionPossible distinguishes failures that may be caused by local
	// disk or memory errors from peer malice.  Callers must not punish the
	// block source nor mark the block permanently failed when it is set.
	CorruptionPossible bool
}

// Error satisfies the error interface and prints human-readable errors.
func (e RuleError) Error() string {
	return e.Description
}

// Unwrap returns the underlying wrapped error.
func (e RuleError) Unwrap() error {
	return e.Err
}

// ruleError creates a RuleError given a set of arguments.
func ruleError(kind ErrorKind, desc string) RuleError {
	return RuleError{Err: kind, Description: desc}
}

// corruptionError creates a RuleError with the CorruptionPossible flag set.
func corruptionError(kind ErrorKind, desc string) RuleError {
	return RuleError{Err: kind, Description: desc, CorruptionPossible: true}
}
