package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/devblac/dex-history/internal/api"
	"github.com/devblac/dex-history/internal/config"
	"github.com/devblac/dex-history/internal/ledger"
	"github.com/devblac/dex-history/internal/storage"
	"github.com/spf13/cobra"
)

var (
	exportFormat string
	exportKind   string
	exportActor  string
	exportLimit  int
	exportOut    string
)

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "Output format: json or csv")
	exportCmd.Flags().StringVar(&exportKind, "kind", "All", "Event kind filter")
	exportCmd.Flags().StringVar(&exportActor, "actor", "", "Actor address filter")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 0, "Maximum rows (0 for all)")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Write to file instead of stdout")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export archived events as json or csv",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.Global.ArchivePath == "" {
			return fmt.Errorf("global.archive_path is not set; nothing to export")
		}
		kind, err := ledger.ParseKind(exportKind)
		if err != nil {
			return err
		}

		store, err := storage.Open(cfg.Global.ArchivePath)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer store.Close()

		events, err := store.ListEvents(cmd.Context(), storage.ListOptions{
			Kind:  kind,
			Actor: exportActor,
			Limit: exportLimit,
		})
		if err != nil {
			return err
		}

		var out io.Writer = cmd.OutOrStdout()
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return fmt.Errorf("create %s: %w", exportOut, err)
			}
			defer f.Close()
			out = f
		}

		encoded := api.EncodeEvents(events, cfg.Ledger.TokenDecimals)
		switch strings.ToLower(exportFormat) {
		case "json":
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(encoded)
		case "csv":
			return writeCSV(out, encoded)
		default:
			return fmt.Errorf("unsupported format: %s", exportFormat)
		}
	},
}

var csvHeader = []string{
	"id", "kind", "actor", "tx_hash", "log_index", "block_number", "timestamp",
	"amount_in", "amount_out", "is_a_to_b", "amount_a", "amount_b", "liquidity",
}

func writeCSV(out io.Writer, events []api.EventJSON) error {
	w := csv.NewWriter(out)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, ev := range events {
		forward := ""
		if ev.IsAtoB != nil {
			forward = strconv.FormatBool(*ev.IsAtoB)
		}
		rec := []string{
			ev.ID, ev.Kind, ev.Actor, ev.TxHash,
			strconv.FormatUint(uint64(ev.LogIndex), 10),
			strconv.FormatUint(ev.BlockNumber, 10),
			strconv.FormatUint(ev.Timestamp, 10),
			ev.AmountIn, ev.AmountOut, forward,
			ev.AmountA, ev.AmountB, ev.Liquidity,
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
