// Package web3 houses blockchain connectivity utilities, including RPC
// clients, multi-chain configuration helpers, and the adapters that expose
// chain queries as planner capabilities. It enables the orchestration layer
// to perform standardized interactions with supported networks such as
// Ethereum, BSC, and Polygon, including batched raw-transaction broadcast.
package web3
