package evm

import "github.com/devblac/dex-history/internal/ledger"

// DefaultDEXABI covers the three pool events. Custom ABIs found in
// ledger.abi_dirs take precedence when they declare the same event names.
const DefaultDEXABI = `[
  {"type":"event","name":"Swap","inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"amountIn","type":"uint256","indexed":false},
    {"name":"amountOut","type":"uint256","indexed":false},
    {"name":"isAtoB","type":"bool","indexed":false}
  ]},
  {"type":"event","name":"AddLiquidity","inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"amountA","type":"uint256","indexed":false},
    {"name":"amountB","type":"uint256","indexed":false},
    {"name":"liquidity","type":"uint256","indexed":false}
  ]},
  {"type":"event","name":"RemoveLiquidity","inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"amountA","type":"uint256","indexed":false},
    {"name":"amountB","type":"uint256","indexed":false},
    {"name":"liquidity","type":"uint256","indexed":false}
  ]}
]`

// eventName maps a kind to its ABI event name.
func eventName(k ledger.Kind) string {
	return string(k)
}
