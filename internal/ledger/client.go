package ledger

import (
	"context"

	ethereum "github.com/ethereum/go-ethereum"
)

// Client is the subset of ledger access the sync engine needs.
type Client interface {
	// HeadBlock returns the newest block considered final.
	HeadBlock(ctx context.Context) (uint64, error)
	// BlockTimestamp returns the unix timestamp of a block.
	BlockTimestamp(ctx context.Context, block uint64) (uint64, error)
	// QueryEvents returns the events of one kind in [from, to].
	QueryEvents(ctx context.Context, kind Kind, from, to uint64) ([]RawEvent, error)
	// Subscribe invokes fn on each pushed event of the given kind until the
	// returned subscription is unsubscribed.
	Subscribe(ctx context.Context, kind Kind, fn func()) (ethereum.Subscription, error)
}
