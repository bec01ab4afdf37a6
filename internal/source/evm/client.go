package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/devblac/dex-history/internal/ledger"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	lru "github.com/hashicorp/golang-lru/v2"
)

// BlockClient captures the subset of ethclient used by the ledger client.
type BlockClient interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// RPCClient is a thin wrapper over ethclient.Client that satisfies BlockClient.
type RPCClient struct {
	*ethclient.Client
}

// NewRPCClient builds an RPC client to an EVM node. Push notifications need
// a ws:// or ipc endpoint; over http the notifier falls back to polling.
func NewRPCClient(rpcURL string) (*RPCClient, error) {
	c, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	return &RPCClient{Client: c}, nil
}

// Options configures a Client.
type Options struct {
	DEX           common.Address
	Events        map[ledger.Kind]*abi.Event
	Confirmations uint64
	CacheSize     int
	Logger        *slog.Logger
}

// Client implements ledger.Client over an EVM node.
type Client struct {
	client        BlockClient
	decoder       *Decoder
	confirmations uint64
	timestamps    *lru.Cache[uint64, uint64]
	log           *slog.Logger
}

var _ ledger.Client = (*Client)(nil)

// NewClient builds a ledger client for the DEX contract.
func NewClient(bc BlockClient, opts Options) (*Client, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[uint64, uint64](size)
	if err != nil {
		return nil, fmt.Errorf("timestamp cache: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		client:        bc,
		decoder:       NewDecoder(opts.DEX, opts.Events),
		confirmations: opts.Confirmations,
		timestamps:    cache,
		log:           logger,
	}, nil
}

// HeadBlock returns the latest block minus the confirmation depth.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	latest, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("latest header: %w", err)
	}
	head := latest.Number.Uint64()
	if c.confirmations > head {
		return 0, nil
	}
	return head - c.confirmations, nil
}

// BlockTimestamp returns the header time of block, served from an LRU once seen.
func (c *Client) BlockTimestamp(ctx context.Context, block uint64) (uint64, error) {
	if ts, ok := c.timestamps.Get(block); ok {
		return ts, nil
	}
	header, err := c.client.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return 0, fmt.Errorf("header %d: %w", block, err)
	}
	c.timestamps.Add(block, header.Time)
	return header.Time, nil
}

// QueryEvents filters DEX logs of one kind in [from, to].
func (c *Client) QueryEvents(ctx context.Context, kind ledger.Kind, from, to uint64) ([]ledger.RawEvent, error) {
	if from > to {
		return nil, nil
	}
	q, err := c.filter(kind)
	if err != nil {
		return nil, err
	}
	q.FromBlock = new(big.Int).SetUint64(from)
	q.ToBlock = new(big.Int).SetUint64(to)

	logs, err := c.client.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("filter %s logs: %w", kind, err)
	}

	out := make([]ledger.RawEvent, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		raw, ok, err := c.decoder.Decode(lg)
		if !ok {
			continue
		}
		if err != nil {
			c.log.Debug("undecodable log", "kind", kind, "tx", lg.TxHash.Hex(), "index", lg.Index, "err", err)
		}
		out = append(out, raw)
	}
	return out, nil
}

// Subscribe calls fn for every new log of kind until unsubscribed.
func (c *Client) Subscribe(ctx context.Context, kind ledger.Kind, fn func()) (ethereum.Subscription, error) {
	q, err := c.filter(kind)
	if err != nil {
		return nil, err
	}
	ch := make(chan types.Log, 16)
	sub, err := c.client.SubscribeFilterLogs(ctx, q, ch)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", kind, err)
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case lg := <-ch:
				if !lg.Removed {
					fn()
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

func (c *Client) filter(kind ledger.Kind) (ethereum.FilterQuery, error) {
	topic, ok := c.decoder.Topic(kind)
	if !ok {
		return ethereum.FilterQuery{}, fmt.Errorf("no event registered for kind %s", kind)
	}
	return ethereum.FilterQuery{
		Addresses: []common.Address{c.decoder.address},
		Topics:    [][]common.Hash{{topic}},
	}, nil
}
