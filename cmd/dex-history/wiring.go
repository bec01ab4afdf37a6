package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/devblac/dex-history/internal/config"
	"github.com/devblac/dex-history/internal/engine"
	"github.com/devblac/dex-history/internal/logging"
	"github.com/devblac/dex-history/internal/source/evm"
	"github.com/ethereum/go-ethereum/common"
)

// newLogger writes to stderr so command output on stdout stays clean.
func newLogger() *slog.Logger {
	return logging.NewTo(os.Stderr, logLevel, logFormat)
}

// openLedger dials the RPC endpoint and builds the DEX ledger client.
// The returned func closes the RPC connection.
func openLedger(cfg *config.Config, log *slog.Logger) (*evm.Client, func(), error) {
	rpc, err := evm.NewRPCClient(cfg.Ledger.RPCURL)
	if err != nil {
		return nil, nil, err
	}
	abis, err := evm.LoadABIs(cfg.Ledger.ABIDirs)
	if err != nil {
		rpc.Close()
		return nil, nil, fmt.Errorf("load abis: %w", err)
	}
	events, err := evm.ResolveEvents(abis)
	if err != nil {
		rpc.Close()
		return nil, nil, err
	}
	client, err := evm.NewClient(rpc, evm.Options{
		DEX:           common.HexToAddress(cfg.Ledger.DEXAddress),
		Events:        events,
		Confirmations: cfg.Global.Confirmations,
		CacheSize:     cfg.Ledger.TimestampCacheSize,
		Logger:        log,
	})
	if err != nil {
		rpc.Close()
		return nil, nil, err
	}
	return client, rpc.Close, nil
}

func engineConfig(cfg *config.Config) engine.Config {
	s := cfg.Sync
	return engine.Config{
		Lookback:       s.LookbackBlocks,
		RetentionLimit: s.RetentionLimit,
		MinResultCount: s.MinResultCount,
		Debounce:       time.Duration(s.Debounce),
		PollInterval:   time.Duration(s.PollInterval),
		RerunDelay:     time.Duration(s.RerunDelay),
	}
}
