package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
)

var initForce bool

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}

const sampleConfig = `version: 1

global:
  # SQLite archive of merged events, read by "export". Empty disables it.
  archive_path: dex-history.db
  confirmations: 0

ledger:
  # ws:// endpoints enable push notifications; http:// falls back to polling.
  rpc_url: ${DEX_RPC_URL}
  dex_address: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  abi_dirs: []
  account: ""
  token_decimals: 18

sync:
  lookback_blocks: 1000
  retention_limit: 100
  min_result_count: 10
  debounce: 2s
  poll_interval: 60s
  rerun_delay: 1s

alerts:
  - id: large_swaps
    kind: Swap
    where:
      - "amountIn >= ether(10)"
    sinks: [ops_webhook]
    rate_limit:
      burst: 5
      per_minute: 10

sinks:
  - id: ops_webhook
    type: webhook
    url: ${DEX_ALERT_WEBHOOK}
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfgPath); err == nil && !initForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
		} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", cfgPath, err)
		}
		if err := os.WriteFile(cfgPath, []byte(sampleConfig), 0o644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "wrote %s\n", cfgPath)
		fmt.Fprintln(out, "set DEX_RPC_URL and DEX_ALERT_WEBHOOK (or a sibling .env), then run: dex-history validate")
		return nil
	},
}
