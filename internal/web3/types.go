package web3

import "context"

// ChainSnapshot represents summarized network metadata for planning/reporting.
type ChainSnapshot struct {
	ChainID     string
	BlockNumber string
	GasPrice    string
	Notes       string
}

// Client defines the common interface that any chain implementation must
// provide so the capability layer can interact with different networks
// uniformly. All numeric results are hex-encoded quantities.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	BalanceOf(ctx context.Context, address string) (string, error)
	NonceOf(ctx context.Context, address string) (string, error)
	GasPrice(ctx context.Context) (string, error)
	Call(ctx context.Context, action string, params map[string]any) (string, error)
	SendRawTransactions(ctx context.Context, rawTxs []string) ([]string, error)
	Close()
}

// Resolver selects a chain client by name, falling back to the configured
// default chain when the name is empty.
type Resolver interface {
	DefaultClient() (Client, error)
	Client(name string) (Client, bool)
}
