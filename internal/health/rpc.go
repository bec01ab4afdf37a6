package health

import (
	"context"
	"fmt"
)

// HeadSource is anything that can report the ledger head.
type HeadSource interface {
	HeadBlock(ctx context.Context) (uint64, error)
}

// LedgerPing probes the ledger by fetching its head block.
func LedgerPing(src HeadSource) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if _, err := src.HeadBlock(ctx); err != nil {
			return fmt.Errorf("ledger head: %w", err)
		}
		return nil
	}
}
