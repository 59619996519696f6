// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2015-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

// ErrorKind identifies a kind of error.  It has full support for errors.Is
// and errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific RuleError.
const (
	// ErrInvalid indicates the transaction is invalid per consensus.
	ErrInvalid = ErrorKind("ErrInvalid")

	// ErrCorruptionPossible indicates the transaction failed a check in a
	// way that might be explained by local disk or memory corruption rather
	// than an invalid transaction.
	ErrCorruptionPossible = ErrorKind("ErrCorruptionPossible")

	// ErrMissingInputs indicates the transaction references outputs that
	// are unknown to both the chain and the pool.  It is not an
	// invalidity; the transaction may become acceptable later.
	ErrMissingInputs = ErrorKind("ErrMissingInputs")

	// ErrDuplicate indicates the transaction already exists in the pool.
	ErrDuplicate = ErrorKind("ErrDuplicate")

	// ErrAlreadyExists indicates the transaction already exists on the main
	// chain.
	ErrAlreadyExists = ErrorKind("ErrAlreadyExists")

	// ErrCoinbase indicates the transaction is a standalone coinbase
	// transaction.
	ErrCoinbase = ErrorKind("ErrCoinbase")

	// ErrCoinstake indicates the transaction has the coinstake shape, which
	// is only valid inside a proof-of-stake block.
	ErrCoinstake = ErrorKind("ErrCoinstake")

	// ErrNonStandard indicates a non-standard transaction.
	ErrNonStandard = ErrorKind("ErrNonStandard")

	// ErrDustOutput indicates the transaction has an output that does not
	// pay enough to be relayable.
	ErrDustOutput = ErrorKind("ErrDustOutput")

	// ErrInsufficientFee indicates the transaction does not pay the minimum
	// required relay fee.
	ErrInsufficientFee = ErrorKind("ErrInsufficientFee")

	// ErrMempoolConflict indicates the transaction spends an outpoint that
	// an in-pool transaction already spends.
	ErrMempoolConflict = ErrorKind("ErrMempoolConflict")

	// ErrReplacementPolicy indicates a replacement transaction does not
	// satisfy the replacement policy requirements.
	ErrReplacementPolicy = ErrorKind("ErrReplacementPolicy")

	// ErrTooLongMempoolChain indicates the transaction would exceed the
	// configured limits on unconfirmed ancestor or descendant chains.
	ErrTooLongMempoolChain = ErrorKind("ErrTooLongMempoolChain")

	// ErrSeqLockUnmet indicates the transaction sequence locks are not
	// active as of the next block.
	ErrSeqLockUnmet = ErrorKind("ErrSeqLockUnmet")

	// ErrUnfinalized indicates the transaction is not finalized as of the
	// next block.
	ErrUnfinalized = ErrorKind("ErrUnfinalized")

	// ErrTooManySigOps indicates the transaction exceeds the standard
	// signature operation cost cap.
	ErrTooManySigOps = ErrorKind("ErrTooManySigOps")

	// ErrMempoolFull indicates the transaction was evicted, or rejected
	// outright, because the pool byte budget is exhausted by better paying
	// transactions.
	ErrMempoolFull = ErrorKind("ErrMempoolFull")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// RuleError identifies a rule violation related to mempool acceptance.  The
// description doubles as the reject reason string reported to peers, such as
// "txn-mempool-conflict" or "too-long-mempool-chain".
type RuleError struct {
	Err         error
	Description string
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
