// Copyright (c) 2015-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// fakeHeader returns a block header that deterministically differs per call
// based on the provided nonce so each resulting node has a unique hash.
func fakeHeader(parent *blockNode, nonce uint32) *wire.BlockHeader {
	var prevHash chainhash.Hash
	timestamp := int64(1546473600)
	if parent != nil {
		prevHash = parent.hash
		timestamp = parent.timestamp + 60
	}
	var merkle chainhash.Hash
	binary.LittleEndian.PutUint32(merkle[:4], nonce)
	return &wire.BlockHeader{
		Version:    1,
		PrevBlock:  prevHash,
		MerkleRoot: merkle,
		Timestamp:  time.Unix(timestamp, 0),
		Bits:       0x207fffff,
		Nonce:      nonce,
	}
}

// chainedFakeNodes returns the specified number of nodes constructed such
// that each subsequent node points to the previous one to create a chain.
// The first node will point to the passed parent which can be nil.
func chainedFakeNodes(parent *blockNode, numNodes int) []*blockNode {
	nodes := make([]*blockNode, numNodes)
	tip := parent
	for i := 0; i < numNodes; i++ {
		node := newBlockNode(fakeHeader(tip, uint32(i)), tip)
		nodes[i] = node
		tip = node
	}
	return nodes
}

// branchTip is a convenience function to grab the tip of a chain of block
// nodes created via chainedFakeNodes.
func branchTip(nodes []*blockNode) *blockNode {
	return nodes[len(nodes)-1]
}

// TestAncestorSkipList ensures the skip list functionality and ancestor
// traversal that makes use of it works as expected.
func TestAncestorSkipList(t *testing.T) {
	// Create a fairly long chain and traverse to random ancestors from
	// every node to ensure the skip pointers never land on the wrong
	// height.
	nodes := chainedFakeNodes(nil, 500)
	for _, node := range nodes {
		for h := int32(0); h <= node.height; h += 7 {
			want := nodes[h]
			if got := node.Ancestor(h); got != want {
				t.Fatalf("node at height %d: unexpected ancestor at "+
					"height %d: got %v, want %v", node.height, h, got,
					want)
			}
		}
	}

	// Heights outside the valid range must return nil.
	tip := branchTip(nodes)
	if got := tip.Ancestor(-1); got != nil {
		t.Fatalf("expected nil ancestor for negative height, got %v", got)
	}
	if got := tip.Ancestor(tip.height + 1); got != nil {
		t.Fatalf("expected nil ancestor above own height, got %v", got)
	}
}

// TestFindFork ensures finding the common ancestor of two branches works.
func TestFindFork(t *testing.T) {
	trunk := chainedFakeNodes(nil, 20)
	forkPoint := trunk[9]
	branch := chainedFakeNodes(forkPoint, 15)

	if got := findFork(branchTip(trunk), branchTip(branch)); got != forkPoint {
		t.Fatalf("unexpected fork point: got %v, want %v", got, forkPoint)
	}
	if got := findFork(branchTip(branch), branchTip(trunk)); got != forkPoint {
		t.Fatalf("unexpected fork point (reversed): got %v, want %v", got,
			forkPoint)
	}
	if got := findFork(branchTip(trunk), branchTip(trunk)); got != branchTip(trunk) {
		t.Fatalf("fork of a node with itself must be the node, got %v", got)
	}
	if got := findFork(nil, branchTip(trunk)); got != nil {
		t.Fatalf("fork with nil must be nil, got %v", got)
	}
}

// TestWorkSorterLess ensures the best chain candidate ordering prefers more
// work, then earlier data arrival, then the smaller hash.
func TestWorkSorterLess(t *testing.T) {
	nodes := chainedFakeNodes(nil, 3)
	lowWork, highWork := nodes[1], nodes[2]
	if !workSorterLess(lowWork, highWork) {
		t.Fatal("node with less cumulative work must sort as worse")
	}

	// Equal work: the node whose data arrived later (higher sequence id)
	// is the worse candidate.
	a := newBlockNode(fakeHeader(nodes[0], 100), nodes[0])
	b := newBlockNode(fakeHeader(nodes[0], 101), nodes[0])
	a.sequenceID, b.sequenceID = 2, 1
	if !workSorterLess(a, b) {
		t.Fatal("node with a later sequence id must sort as worse")
	}
	a.sequenceID, b.sequenceID = 1, 2
	if workSorterLess(a, b) {
		t.Fatal("node with an earlier sequence id must sort as better")
	}

	// Equal work and sequence: fall back to the hash as a little-endian
	// value, larger being worse.
	a.sequenceID, b.sequenceID = 0, 0
	wantLess := compareHashesAsUint256LE(&a.hash, &b.hash) > 0
	if workSorterLess(a, b) != wantLess {
		t.Fatal("hash tie break does not match expected ordering")
	}
}

// TestMarkBlockFailedValidation ensures that marking a block as failed also
// marks all of its descendants as having a failed ancestor and removes them
// from the best chain candidates, without touching other branches.
func TestMarkBlockFailedValidation(t *testing.T) {
	index := newBlockIndex()

	trunk := chainedFakeNodes(nil, 10)
	for _, node := range trunk {
		node.status |= statusValidTransactions | statusDataStored
		node.isFullyLinked = true
		index.index[node.hash] = node
		index.addChainTip(node)
	}
	branch := chainedFakeNodes(trunk[4], 6)
	for _, node := range branch {
		node.status |= statusValidTransactions | statusDataStored
		node.isFullyLinked = true
		index.index[node.hash] = node
		index.addChainTip(node)
	}
	index.bestHeader = branchTip(branch)
	index.addBestChainCandidate(branchTip(trunk))
	index.addBestChainCandidate(branchTip(branch))

	failed := branch[1]
	index.MarkBlockFailedValidation(failed)

	if !failed.status.KnownValidateFailed() {
		t.Fatal("failed block is not marked validate failed")
	}
	for _, node := range branch[2:] {
		if !node.status.KnownInvalidAncestor() {
			t.Fatalf("descendant %v at height %d is not marked with a "+
				"failed ancestor", node.hash, node.height)
		}
		if _, ok := index.bestChainCandidates[node]; ok {
			t.Fatalf("descendant %v remains a best chain candidate",
				node.hash)
		}
	}
	for _, node := range trunk {
		if node.status.KnownInvalid() {
			t.Fatalf("unrelated trunk node %v was marked invalid", node.hash)
		}
	}
	if _, ok := index.bestChainCandidates[branchTip(trunk)]; !ok {
		t.Fatal("trunk tip must remain a best chain candidate")
	}

	// The best header must have moved off the failed branch.
	if index.bestHeader.status.KnownInvalid() {
		t.Fatalf("best header %v is invalid", index.bestHeader.hash)
	}
}

// TestRaiseValidity ensures validity levels only ever increase through the
// RaiseValidity path.
func TestRaiseValidity(t *testing.T) {
	index := newBlockIndex()
	node := chainedFakeNodes(nil, 1)[0]
	index.index[node.hash] = node

	index.RaiseValidity(node, statusValidTransactions)
	if node.status&validityMask != statusValidTransactions {
		t.Fatalf("unexpected validity after raise: %x", node.status)
	}
	index.RaiseValidity(node, statusValidScripts)
	if node.status&statusValidScripts == 0 {
		t.Fatalf("validity was not raised to scripts: %x", node.status)
	}

	// Attempting to lower the level must be a no-op.
	index.RaiseValidity(node, statusValidTree)
	if node.status&statusValidScripts == 0 {
		t.Fatalf("validity decreased: %x", node.status)
	}
}
