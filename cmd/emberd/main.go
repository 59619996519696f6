// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/emberproject/emberd/internal/blockchain"
	"github.com/emberproject/emberd/internal/mempool"
)

// version is the semantic version of the node.
const version = "0.1.0"

// emberdMain is the real main function for emberd.  It is necessary to work
// around the fact that deferred functions do not run when os.Exit is called.
func emberdMain() error {
	cfg, params, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.ShowVersion {
		fmt.Printf("emberd version %s (Go %s)\n", version, runtime.Version())
		return nil
	}

	if err := initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename)); err != nil {
		return err
	}
	defer logRotator.Close()
	if err := setLogLevels(cfg.DebugLevel); err != nil {
		return err
	}

	ctx, shutdown := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer shutdown()

	embrLog.Infof("Version %s (Go version %s %s/%s)", version,
		runtime.Version(), runtime.GOOS, runtime.GOARCH)
	embrLog.Infof("Loading block chain from %q", cfg.DataDir)

	scriptWorkers := cfg.ScriptWorkers
	if scriptWorkers == 0 {
		scriptWorkers = runtime.NumCPU()
	}

	// The mempool is wired into the chain through the reconciler interface,
	// which requires the pool to exist before the chain, while the pool's
	// own callbacks need the chain.  Assemble via a late-bound shim.
	var txPool *mempool.TxPool
	reconciler := &lateBoundReconciler{}

	chain, err := blockchain.New(&blockchain.Config{
		DataDir:             cfg.DataDir,
		ChainParams:         params,
		UtxoCacheSize:       cfg.UtxoCacheMiB * 1024 * 1024,
		ScriptWorkers:       scriptWorkers,
		SigCacheSize:        defaultSigCacheSize,
		ValidationCacheSize: defaultValCacheSize,
		PruneTarget:         cfg.Prune * 1024 * 1024,
		IndexTx:             cfg.TxIndex,
		IndexAddress:        cfg.AddrIndex,
		IndexSpent:          cfg.SpentIndex,
		IndexTimestamp:      cfg.TimestampIndex,
		Reconciler:          reconciler,
		Context:             ctx,
	})
	if err != nil {
		embrLog.Errorf("Unable to initialize the block chain: %v", err)
		return err
	}
	defer func() {
		embrLog.Info("Gracefully shutting down the block chain...")
		if err := chain.Close(); err != nil {
			embrLog.Errorf("Error while closing the block chain: %v", err)
		}
	}()

	minRelayFee, err := btcutil.NewAmount(cfg.MinRelayTxFee)
	if err != nil {
		return err
	}
	txPool = mempool.New(&mempool.Config{
		ChainParams:             params,
		ChainLock:               chain.ChainLock(),
		BestSnapshot:            chain.BestSnapshot,
		FetchUtxoView:           chain.FetchUtxoView,
		CalcSequenceLock:        chain.CalcSequenceLock,
		CheckTransactionInputs:  chain.CheckTransactionInputs,
		CheckTransactionScripts: chain.CheckTransactionScripts,
		SigOpCost:               blockchain.CountSigOpCost,
		MinRelayTxFee:           minRelayFee,
		IncrementalRelayFee:     minRelayFee,
		AcceptReplacement:       cfg.AcceptRBF,
		MaxPoolBytes:            cfg.MempoolMiB * 1024 * 1024,
	})
	reconciler.pool = txPool

	mempoolPath := filepath.Join(cfg.DataDir, "mempool.dat")
	if err := txPool.LoadMempool(mempoolPath); err != nil &&
		!os.IsNotExist(err) {
		embrLog.Warnf("Unable to load the saved mempool: %v", err)
	}
	defer func() {
		if err := txPool.DumpMempool(mempoolPath); err != nil {
			embrLog.Warnf("Unable to save the mempool: %v", err)
		}
	}()

	embrLog.Infof("Node is up; awaiting shutdown signal")
	<-ctx.Done()
	embrLog.Info("Shutdown requested")
	return nil
}

// lateBoundReconciler forwards reconciler calls to the mempool once it has
// been constructed.  Calls before the pool exists are dropped, which can
// only happen for blocks connected during chain initialization when there
// is nothing in the pool anyway.
type lateBoundReconciler struct {
	pool *mempool.TxPool
}

func (r *lateBoundReconciler) HandleConnectedBlock(txns []*btcutil.Tx) {
	if r.pool != nil {
		r.pool.HandleConnectedBlock(txns)
	}
}

func (r *lateBoundReconciler) HandleDisconnectedBlock(txns []*btcutil.Tx) {
	if r.pool != nil {
		r.pool.HandleDisconnectedBlock(txns)
	}
}

func (r *lateBoundReconciler) ReplayDisconnectPool() {
	if r.pool != nil {
		r.pool.ReplayDisconnectPool()
	}
}

func main() {
	if err := emberdMain(); err != nil {
		os.Exit(1)
	}
}
