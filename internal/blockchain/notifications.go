// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// NotificationType represents the type of a notification message.
type NotificationType int

// NotificationCallback is used for a caller to provide a callback for
// notifications about various chain events.
type NotificationCallback func(*Notification)

// Constants for the type of a notification message.
const (
	// NTBlockConnected indicates the associated block was connected to the
	// main chain.
	NTBlockConnected NotificationType = iota

	// NTBlockDisconnected indicates the associated block was disconnected
	// from the main chain.
	NTBlockDisconnected

	// NTChainReorgStarted indicates that a chain reorganization has commenced.
	NTChainReorgStarted

	// NTChainReorgDone indicates that a chain reorganization has concluded.
	NTChainReorgDone

	// NTGovernanceOp indicates a governance operation was processed while
	// connecting a block.
	NTGovernanceOp
)

// notificationTypeStrings is a map of notification types back to their
// constant names for pretty printing.
var notificationTypeStrings = map[NotificationType]string{
	NTBlockConnected:    "NTBlockConnected",
	NTBlockDisconnected: "NTBlockDisconnected",
	NTChainReorgStarted: "NTChainReorgStarted",
	NTChainReorgDone:    "NTChainReorgDone",
	NTGovernanceOp:      "NTGovernanceOp",
}

// String returns the NotificationType in human-readable form.
func (n NotificationType) String() string {
	if s, ok := notificationTypeStrings[n]; ok {
		return s
	}
	return "Unknown Notification Type"
}

// Notification defines notification that is sent to the callback functions
// registered through Subscribe and consists of a
// notification type as well as associated data that depends on the type:
//
//   - NTBlockConnected:    *btcutil.Block
//   - NTBlockDisconnected: *btcutil.Block
//   - NTChainReorgStarted: nil
//   - NTChainReorgDone:    nil
//   - NTGovernanceOp:      GovernanceOp
type Notification struct {
	Type NotificationType
	Data interface{}
}

// Subscribe to block chain notifications.  Registers a callback to be
// executed when various events take place.
func (b *BlockChain) Subscribe(callback NotificationCallback) {
	b.notificationsLock.Lock()
	b.notifications = append(b.notifications, callback)
	b.notificationsLock.Unlock()
}

// sendNotification sends a notification with the passed type and data to
// every callback registered through Subscribe.
func (b *BlockChain) sendNotification(typ NotificationType, data interface{}) {
	// Generate and send the notification.
	n := Notification{Type: typ, Data: data}
	b.notificationsLock.RLock()
	for _, callback := range b.notifications {
		callback(&n)
	}
	b.notificationsLock.RUnlock()
}

// MempoolReconciler is the narrow surface the chain controller uses to keep
// the mempool consistent with the active chain across connects, disconnects,
// and reorganizations.  The mempool package provides the production
// implementation; tests may substitute their own.
type MempoolReconciler interface {
	// HandleConnectedBlock removes the provided now-confirmed transactions,
	// and anything that conflicts with them, from the pool.
	HandleConnectedBlock(txns []*btcutil.Tx)

	// HandleDisconnectedBlock adds the provided transactions, which were
	// evicted from a disconnected block, to the disconnect pool in reverse
	// block order.
	HandleDisconnectedBlock(txns []*btcutil.Tx)

	// ReplayDisconnectPool re-admits the disconnect pool contents to the
	// mempool after the chain has settled on a new tip.
	ReplayDisconnectPool()
}

// noopReconciler is used when no mempool is wired up.
type noopReconciler struct{}

func (noopReconciler) HandleConnectedBlock([]*btcutil.Tx)    {}
func (noopReconciler) HandleDisconnectedBlock([]*btcutil.Tx) {}
func (noopReconciler) ReplayDisconnectPool()                 {}

// BestState houses information about the current best block and other info
// related to the state of the main chain as it exists from the point of view
// of the current best block.  The BestSnapshot method can be used to obtain
// access to this information in a concurrent safe manner.
type BestState struct {
	Hash       chainhash.Hash // The hash of the block.
	PrevHash   chainhash.Hash // The previous block hash.
	Height     int32          // The height of the block.
	Bits       uint32         // The difficulty bits of the block.
	NumTxns    uint64         // The number of txns in the block.
	TotalTxns  uint64         // The total number of txns in the chain.
	MedianTime int64          // Median time as per CalcPastMedianTime.
}

// newBestState returns a new best stats instance for the given parameters.
func newBestState(node *blockNode) *BestState {
	var prevHash chainhash.Hash
	if node.parent != nil {
		prevHash = node.parent.hash
	}
	return &BestState{
		Hash:       node.hash,
		PrevHash:   prevHash,
		Height:     node.height,
		Bits:       node.bits,
		NumTxns:    uint64(node.numTx),
		TotalTxns:  node.chainTxCount,
		MedianTime: node.CalcPastMedianTime().Unix(),
	}
}
