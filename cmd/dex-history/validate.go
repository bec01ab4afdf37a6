package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/devblac/dex-history/internal/config"
	"github.com/devblac/dex-history/internal/ledger"
	"github.com/devblac/dex-history/internal/source/evm"
	"github.com/spf13/cobra"
)

const defaultHTTPTimeout = 8 * time.Second

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config, ABIs, and the RPC endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d, %d alert(s), %d sink(s))\n", cfg.Version, len(cfg.Alerts), len(cfg.Sinks))

		abis, err := evm.LoadABIs(cfg.Ledger.ABIDirs)
		if err != nil {
			return fmt.Errorf("abi: %w", err)
		}
		events, err := evm.ResolveEvents(abis)
		if err != nil {
			return fmt.Errorf("abi: %w", err)
		}
		for _, k := range ledger.Kinds {
			fmt.Fprintf(out, "- event %s: %s\n", k, events[k].Sig)
		}

		var chainID string
		url := cfg.Ledger.RPCURL
		if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
			chainID, err = pingEVM(cmd.Context(), &http.Client{Timeout: defaultHTTPTimeout}, url)
		} else {
			chainID, err = pingDial(cmd.Context(), url)
		}
		if err != nil {
			return fmt.Errorf("validate: rpc failed connectivity: %w", err)
		}
		fmt.Fprintf(out, "- rpc: chainId %s OK\n", chainID)

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}

// pingDial covers ws:// and ipc endpoints, which plain HTTP cannot reach.
func pingDial(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultHTTPTimeout)
	defer cancel()

	rpc, err := evm.NewRPCClient(url)
	if err != nil {
		return "", err
	}
	defer rpc.Close()

	id, err := rpc.ChainID(ctx)
	if err != nil {
		return "", fmt.Errorf("chain id: %w", err)
	}
	return "0x" + id.Text(16), nil
}

func pingEVM(ctx context.Context, client *http.Client, url string) (string, error) {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_chainId",
		"params":  []any{},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call eth_chainId: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("rpc status %d", resp.StatusCode)
	}

	var rpcResp struct {
		Result string `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return "", fmt.Errorf("decode rpc response: %w", err)
	}

	if rpcResp.Error != nil {
		return "", fmt.Errorf("rpc error: %s", rpcResp.Error.Message)
	}
	if rpcResp.Result == "" {
		return "", fmt.Errorf("empty chainId result")
	}

	return rpcResp.Result, nil
}
