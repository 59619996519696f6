// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2015-2022 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/emberproject/emberd/chaincfg"
	"github.com/emberproject/emberd/internal/mempool"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultLogFilename   = "emberd.log"
	defaultLogLevel      = "info"
	defaultUtxoCacheMiB  = 150
	defaultScriptWorkers = 0 // 0 selects runtime.NumCPU
	defaultSigCacheSize  = 100000
	defaultValCacheSize  = 50000
)

// config defines the configuration options for emberd.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion    bool    `short:"V" long:"version" description:"Display version information and exit"`
	DataDir        string  `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir         string  `long:"logdir" description:"Directory to log output"`
	DebugLevel     string  `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	RegNet         bool    `long:"regnet" description:"Use the regression test network"`
	UtxoCacheMiB   uint64  `long:"utxocachemib" description:"Soft byte budget of the utxo cache in MiB"`
	ScriptWorkers  int     `long:"scriptworkers" description:"Number of script verification workers (0 = number of CPUs)"`
	Prune          uint64  `long:"prune" description:"Delete old block files to stay under the given target in MiB (0 = disabled)"`
	TxIndex        bool    `long:"txindex" description:"Maintain a full transaction index"`
	AddrIndex      bool    `long:"addrindex" description:"Maintain address and unspent indexes"`
	SpentIndex     bool    `long:"spentindex" description:"Maintain a spent outpoint index"`
	TimestampIndex bool    `long:"timestampindex" description:"Maintain a block timestamp index"`
	MinRelayTxFee  float64 `long:"minrelaytxfee" description:"The minimum transaction fee in ember/kvB to relay"`
	MempoolMiB     uint64  `long:"mempoolmib" description:"Byte budget of the mempool in MiB"`
	AcceptRBF      bool    `long:"acceptreplacement" description:"Accept replacement of in-pool transactions by higher paying conflicts"`
}

// defaultDataDir returns the default data directory for the provided network.
func defaultDataDir(params *chaincfg.Params) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".emberd", "data", params.Name)
}

// loadConfig initializes and parses the config using command line options.
func loadConfig() (*config, *chaincfg.Params, error) {
	cfg := config{
		DebugLevel:    defaultLogLevel,
		UtxoCacheMiB:  defaultUtxoCacheMiB,
		ScriptWorkers: defaultScriptWorkers,
		MinRelayTxFee: mempool.DefaultMinRelayTxFee.ToBTC(),
	}
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, nil, err
	}

	params := &chaincfg.MainNetParams
	if cfg.RegNet {
		params = &chaincfg.RegNetParams
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir(params)
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.DataDir, "logs")
	}
	if cfg.MinRelayTxFee < 0 {
		return nil, nil, fmt.Errorf("minrelaytxfee must not be negative")
	}
	if _, err := btcutil.NewAmount(cfg.MinRelayTxFee); err != nil {
		return nil, nil, fmt.Errorf("invalid minrelaytxfee: %w", err)
	}
	return &cfg, params, nil
}
