package main

import (
	"fmt"
	"time"

	"github.com/devblac/dex-history/internal/config"
	"github.com/devblac/dex-history/internal/engine"
	"github.com/devblac/dex-history/internal/ledger"
	"github.com/kataras/tablewriter"
	"github.com/lensesio/tableprinter"
	"github.com/spf13/cobra"
)

var (
	stateKind  string
	stateActor string
	stateMine  bool
	stateLimit int
)

func init() {
	stateCmd.Flags().StringVar(&stateKind, "kind", "All", "Event kind: All, Swap, AddLiquidity, RemoveLiquidity")
	stateCmd.Flags().StringVar(&stateActor, "actor", "", "Only events by this address")
	stateCmd.Flags().BoolVar(&stateMine, "mine", false, "Only events by ledger.account")
	stateCmd.Flags().IntVar(&stateLimit, "limit", 20, "Rows to show (0 for all cached)")
}

type eventRow struct {
	Time    string `header:"time"`
	Kind    string `header:"kind"`
	Actor   string `header:"actor"`
	Amounts string `header:"amounts"`
	Block   string `header:"block"`
	Tx      string `header:"tx"`
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Synchronize once and print the recent events",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		kind, err := ledger.ParseKind(stateKind)
		if err != nil {
			return err
		}
		actor := stateActor
		if stateMine {
			if cfg.Ledger.Account == "" {
				return fmt.Errorf("--mine needs ledger.account in the config")
			}
			actor = cfg.Ledger.Account
		}

		log := newLogger()
		client, closeLedger, err := openLedger(cfg, log)
		if err != nil {
			return err
		}
		defer closeLedger()

		eng := engine.New(client, engineConfig(cfg), log, nil)
		minCount := cfg.Sync.MinResultCount
		if stateLimit > minCount {
			minCount = stateLimit
		}
		eng.Synchronize(cmd.Context(), minCount, true)

		events := eng.GetView(ledger.Filter{Kind: kind, Actor: actor})
		if stateLimit > 0 && len(events) > stateLimit {
			events = events[:stateLimit]
		}

		rows := make([]eventRow, 0, len(events))
		for _, ev := range events {
			rows = append(rows, toRow(ev, cfg.Ledger.TokenDecimals))
		}

		out := cmd.OutOrStdout()
		printer := tableprinter.New(out)
		printer.BorderTop, printer.BorderBottom, printer.BorderLeft, printer.BorderRight = true, true, true, true
		printer.CenterSeparator = "│"
		printer.ColumnSeparator = "│"
		printer.RowSeparator = "─"
		printer.HeaderBgColor = tablewriter.BgBlackColor
		printer.HeaderFgColor = tablewriter.FgGreenColor
		if len(rows) > 0 {
			printer.Print(rows)
		} else {
			fmt.Fprintln(out, "no events in the lookback window")
		}

		return reportStatus(cmd, eng.Status())
	},
}

func toRow(ev ledger.Event, decimals int32) eventRow {
	var amounts string
	if ev.Kind == ledger.KindSwap {
		dir := "B→A"
		if ev.Forward {
			dir = "A→B"
		}
		amounts = fmt.Sprintf("%s in / %s out (%s)",
			ledger.FormatAmount(ev.AmountIn, decimals), ledger.FormatAmount(ev.AmountOut, decimals), dir)
	} else {
		amounts = fmt.Sprintf("%s A / %s B / %s LP",
			ledger.FormatAmount(ev.AmountA, decimals), ledger.FormatAmount(ev.AmountB, decimals), ledger.FormatAmount(ev.Liquidity, decimals))
	}
	return eventRow{
		Time:    time.Unix(int64(ev.Timestamp), 0).UTC().Format("2006-01-02 15:04:05"),
		Kind:    string(ev.Kind),
		Actor:   shortHex(ev.Actor),
		Amounts: amounts,
		Block:   fmt.Sprintf("%d", ev.BlockNumber),
		Tx:      shortHex(ev.TxHash),
	}
}

func shortHex(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:6] + "…" + s[len(s)-4:]
}
