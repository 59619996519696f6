// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/emberproject/emberd/chaincfg"
)

// newTestChain returns a chain instance backed by a temporary directory
// using the regression test network parameters, whose trivial difficulty
// allows blocks to be mined inline in tests.
func newTestChain(t *testing.T) *BlockChain {
	t.Helper()

	chain, err := New(&Config{
		DataDir:             t.TempDir(),
		ChainParams:         &chaincfg.RegNetParams,
		UtxoCacheSize:       1 << 20,
		ScriptWorkers:       0,
		SigCacheSize:        1000,
		ValidationCacheSize: 1000,
	})
	if err != nil {
		t.Fatalf("unable to create test chain: %v", err)
	}
	t.Cleanup(func() {
		if err := chain.Close(); err != nil {
			t.Errorf("error closing test chain: %v", err)
		}
	})
	return chain
}

// solveHeader increments the nonce of the provided header until its hash
// meets the committed target.  The regression network target admits roughly
// half of all hashes, so this loops only a handful of times.
func solveHeader(t *testing.T, header *wire.BlockHeader) {
	t.Helper()

	target := compactToBig(header.Bits)
	for i := 0; i < 1_000_000; i++ {
		hash := header.BlockHash()
		if hashToBig(&hash).Cmp(target) <= 0 {
			return
		}
		header.Nonce++
	}
	t.Fatal("unable to solve block header")
}

// mineBlock builds, solves, and returns a block extending the provided
// parent.  The coinbase claims the full allowed reward and pays to a
// trivially spendable script; extraTxns are included after the coinbase.
func (b *BlockChain) mineBlock(t *testing.T, parentHeader *wire.BlockHeader, parentHeight int32, extraTxns []*wire.MsgTx) *btcutil.Block {
	t.Helper()

	height := parentHeight + 1
	subsidy := b.calcBlockSubsidy(height)
	coinbase := &wire.MsgTx{
		Version: 1,
		TxIn: []*wire.TxIn{{
			PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
			SignatureScript:  []byte{0x01, byte(height)},
			Sequence:         wire.MaxTxInSequenceNum,
		}},
		TxOut: []*wire.TxOut{{
			Value:    subsidy,
			PkScript: []byte{txscript.OP_TRUE},
		}},
	}
	txns := append([]*wire.MsgTx{coinbase}, extraTxns...)

	utilTxns := make([]*btcutil.Tx, 0, len(txns))
	for _, tx := range txns {
		utilTxns = append(utilTxns, btcutil.NewTx(tx))
	}
	header := wire.BlockHeader{
		Version:    1,
		PrevBlock:  parentHeader.BlockHash(),
		MerkleRoot: calcMerkleRoot(utilTxns, false),
		Timestamp:  parentHeader.Timestamp.Add(time.Minute),
		Bits:       parentHeader.Bits,
	}
	solveHeader(t, &header)

	block := btcutil.NewBlock(&wire.MsgBlock{
		Header:       header,
		Transactions: txns,
	})
	block.SetHeight(height)
	return block
}

// TestPremineAndSubsidy mines the first two blocks and ensures the premine
// is paid exactly once, the fixed subsidy applies afterwards, and an
// attempt to overclaim is rejected and marked invalid.
func TestPremineAndSubsidy(t *testing.T) {
	chain := newTestChain(t)
	params := chain.chainParams
	genesisHeader := params.GenesisBlock.Header

	block1 := chain.mineBlock(t, &genesisHeader, 0, nil)
	onMain, err := chain.ProcessBlock(block1, BlockRequested)
	if err != nil {
		t.Fatalf("ProcessBlock(1): %v", err)
	}
	if !onMain {
		t.Fatal("premine block did not land on the main chain")
	}

	best := chain.BestSnapshot()
	if best.Height != 1 || best.Hash != *block1.Hash() {
		t.Fatalf("unexpected best state: height %d hash %v", best.Height,
			best.Hash)
	}

	// The premine coinbase output must exist with the full premine value.
	premineOut := wire.OutPoint{Hash: *block1.Transactions()[0].Hash()}
	entry, err := chain.FetchUtxoEntry(premineOut)
	if err != nil {
		t.Fatalf("FetchUtxoEntry: %v", err)
	}
	if entry == nil || entry.Amount() != params.PremineValue {
		t.Fatalf("premine output missing or wrong amount: %v", entry)
	}
	if !entry.IsCoinBase() {
		t.Fatal("premine output is not flagged as a coinbase")
	}

	// Block two pays the fixed subsidy.
	block2 := chain.mineBlock(t, &block1.MsgBlock().Header, 1, nil)
	if _, err := chain.ProcessBlock(block2, BlockRequested); err != nil {
		t.Fatalf("ProcessBlock(2): %v", err)
	}

	// A block that claims the premine again must be rejected with a bad
	// coinbase value and marked failed.
	greedy := chain.mineBlock(t, &block2.MsgBlock().Header, 2, nil)
	greedy.MsgBlock().Transactions[0].TxOut[0].Value = params.PremineValue
	greedy.MsgBlock().Header.MerkleRoot = calcMerkleRoot(
		greedy.Transactions(), false)
	solveHeader(t, &greedy.MsgBlock().Header)
	greedy = btcutil.NewBlock(greedy.MsgBlock())
	greedy.SetHeight(3)

	_, err = chain.ProcessBlock(greedy, BlockRequested)
	if !isRuleErrorKind(err, ErrBadCoinbaseValue) {
		t.Fatalf("unexpected error for overclaiming block: %v", err)
	}
	node := chain.index.LookupNode(greedy.Hash())
	if node == nil || !chain.index.NodeStatus(node).KnownValidateFailed() {
		t.Fatal("overclaiming block was not marked validate failed")
	}
	if chain.BestSnapshot().Height != 2 {
		t.Fatalf("tip moved after invalid block: height %d",
			chain.BestSnapshot().Height)
	}
}

// TestSimpleReorg feeds a heavier side branch and ensures the chain
// reorganizes onto it, leaving the orphaned blocks in the index but out of
// the candidate set.
func TestSimpleReorg(t *testing.T) {
	chain := newTestChain(t)
	genesisHeader := chain.chainParams.GenesisBlock.Header

	// Branch A: five blocks on top of genesis.
	branchA := make([]*btcutil.Block, 0, 5)
	parent := &genesisHeader
	parentHeight := int32(0)
	for i := 0; i < 5; i++ {
		block := chain.mineBlock(t, parent, parentHeight, nil)
		if _, err := chain.ProcessBlock(block, BlockRequested); err != nil {
			t.Fatalf("ProcessBlock(A%d): %v", i+1, err)
		}
		branchA = append(branchA, block)
		parent = &block.MsgBlock().Header
		parentHeight++
	}
	tipA := chain.BestSnapshot()
	if tipA.Height != 5 {
		t.Fatalf("branch A tip height: %d", tipA.Height)
	}

	// Branch B: fork three blocks back and build four blocks, ending one
	// block past the current tip height.
	forkBlock := branchA[1] // height 2
	parent = &forkBlock.MsgBlock().Header
	parentHeight = 2
	var branchB []*btcutil.Block
	for i := 0; i < 4; i++ {
		block := chain.mineBlock(t, parent, parentHeight, nil)
		// Vary the coinbase script so branch B hashes differ from branch
		// A's at the same heights.
		block.MsgBlock().Transactions[0].TxIn[0].SignatureScript = []byte{
			0x01, byte(parentHeight + 1), 0x62,
		}
		block.MsgBlock().Header.MerkleRoot = calcMerkleRoot(
			block.Transactions(), false)
		solveHeader(t, &block.MsgBlock().Header)
		block = btcutil.NewBlock(block.MsgBlock())
		block.SetHeight(parentHeight + 1)

		if _, err := chain.ProcessBlock(block, BlockRequested); err != nil {
			t.Fatalf("ProcessBlock(B%d): %v", i+1, err)
		}
		branchB = append(branchB, block)
		parent = &block.MsgBlock().Header
		parentHeight++
	}

	// The chain must now follow branch B.
	best := chain.BestSnapshot()
	tipB := branchB[len(branchB)-1]
	if best.Height != 6 || best.Hash != *tipB.Hash() {
		t.Fatalf("chain did not reorganize: height %d hash %v", best.Height,
			best.Hash)
	}

	// Branch A blocks above the fork remain known, with data, but are no
	// longer part of the main chain or the candidate set.
	for _, block := range branchA[2:] {
		if !chain.HaveBlock(block.Hash()) {
			t.Fatalf("orphaned block %v was dropped from the index",
				block.Hash())
		}
		if chain.MainChainHasBlock(block.Hash()) {
			t.Fatalf("orphaned block %v is still on the main chain",
				block.Hash())
		}
		node := chain.index.LookupNode(block.Hash())
		if node.status.KnownInvalid() {
			t.Fatalf("orphaned block %v was marked invalid", block.Hash())
		}
		if _, ok := chain.index.bestChainCandidates[node]; ok {
			t.Fatalf("orphaned block %v remains a candidate", block.Hash())
		}
	}
}

// TestInvalidateReconsider exercises the operator invalidate and reconsider
// commands.
func TestInvalidateReconsider(t *testing.T) {
	chain := newTestChain(t)
	genesisHeader := chain.chainParams.GenesisBlock.Header

	var blocks []*btcutil.Block
	parent := &genesisHeader
	parentHeight := int32(0)
	for i := 0; i < 3; i++ {
		block := chain.mineBlock(t, parent, parentHeight, nil)
		if _, err := chain.ProcessBlock(block, BlockRequested); err != nil {
			t.Fatalf("ProcessBlock(%d): %v", i+1, err)
		}
		blocks = append(blocks, block)
		parent = &block.MsgBlock().Header
		parentHeight++
	}

	// Invalidating the block at height 2 rewinds the tip to height 1 and
	// marks the block and its descendant failed.
	if err := chain.InvalidateBlock(blocks[1].Hash()); err != nil {
		t.Fatalf("InvalidateBlock: %v", err)
	}
	if best := chain.BestSnapshot(); best.Height != 1 {
		t.Fatalf("tip after invalidate: height %d", best.Height)
	}
	node2 := chain.index.LookupNode(blocks[1].Hash())
	node3 := chain.index.LookupNode(blocks[2].Hash())
	if !node2.status.KnownValidateFailed() {
		t.Fatal("invalidated block is not marked failed")
	}
	if !node3.status.KnownInvalidAncestor() {
		t.Fatal("descendant of invalidated block is not marked failed")
	}

	// Reconsidering restores the original tip.
	if err := chain.ReconsiderBlock(blocks[1].Hash()); err != nil {
		t.Fatalf("ReconsiderBlock: %v", err)
	}
	if best := chain.BestSnapshot(); best.Height != 3 ||
		best.Hash != *blocks[2].Hash() {
		t.Fatalf("tip after reconsider: height %d hash %v", best.Height,
			best.Hash)
	}
}
