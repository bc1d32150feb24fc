package web3_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"OpenPlan-Chain/internal/capability"
	"OpenPlan-Chain/internal/web3"
	"OpenPlan-Chain/internal/web3/provider"
)

type fakeChainClient struct {
	snapshot  web3.ChainSnapshot
	balance   string
	nonce     string
	gasPrice  string
	broadcast []string
}

func (f *fakeChainClient) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	return f.snapshot, nil
}

func (f *fakeChainClient) BalanceOf(ctx context.Context, address string) (string, error) {
	if address == "" {
		return "", errors.New("地址不能为空")
	}
	return f.balance, nil
}

func (f *fakeChainClient) NonceOf(ctx context.Context, address string) (string, error) {
	return f.nonce, nil
}

func (f *fakeChainClient) GasPrice(ctx context.Context) (string, error) {
	return f.gasPrice, nil
}

func (f *fakeChainClient) Call(ctx context.Context, action string, params map[string]any) (string, error) {
	return "", errors.New("未实现")
}

func (f *fakeChainClient) SendRawTransactions(ctx context.Context, rawTxs []string) ([]string, error) {
	f.broadcast = append(f.broadcast, rawTxs...)
	hashes := make([]string, len(rawTxs))
	for i := range rawTxs {
		hashes[i] = fmt.Sprintf("0xhash%d", i)
	}
	return hashes, nil
}

func (f *fakeChainClient) Close() {}

func newChainRegistry(t *testing.T) *capability.Registry {
	t.Helper()

	client := &fakeChainClient{
		snapshot: web3.ChainSnapshot{ChainID: "0x38", BlockNumber: "0x64", GasPrice: "0x3b9aca00", Notes: "test chain"},
		balance:  "0xde0b6b3a7640000",
		nonce:    "0x2",
		gasPrice: "0x3b9aca00",
	}
	resolver, err := provider.NewStaticRegistry("bsc", map[string]web3.Client{"bsc": client})
	if err != nil {
		t.Fatalf("new static registry: %v", err)
	}

	registry := capability.NewRegistry()
	if err := web3.RegisterCapabilities(registry, resolver); err != nil {
		t.Fatalf("register capabilities: %v", err)
	}
	return registry
}

func TestChainCapabilitiesExecute(t *testing.T) {
	t.Parallel()

	registry := newChainRegistry(t)
	ctx := context.Background()

	result, err := registry.Execute(ctx, "chain_snapshot", nil)
	if err != nil {
		t.Fatalf("chain_snapshot: %v", err)
	}
	snapshot, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected snapshot payload %T", result)
	}
	if snapshot["chain_id"] != "0x38" || snapshot["block_number"] != "0x64" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	balance, err := registry.Execute(ctx, "balance_of", map[string]any{"address": "0xabc"})
	if err != nil {
		t.Fatalf("balance_of: %v", err)
	}
	if balance != "0xde0b6b3a7640000" {
		t.Fatalf("unexpected balance %v", balance)
	}

	if _, err := registry.Execute(ctx, "balance_of", map[string]any{}); err == nil {
		t.Fatal("expected error for missing address")
	}

	if _, err := registry.Execute(ctx, "gas_price", map[string]any{"chain": "unknown"}); err == nil {
		t.Fatal("expected error for unknown chain")
	}
}

func TestBroadcastTransactionsCapability(t *testing.T) {
	t.Parallel()

	client := &fakeChainClient{}
	resolver, err := provider.NewStaticRegistry("bsc", map[string]web3.Client{"bsc": client})
	if err != nil {
		t.Fatalf("new static registry: %v", err)
	}
	registry := capability.NewRegistry()
	if err := web3.RegisterCapabilities(registry, resolver); err != nil {
		t.Fatalf("register capabilities: %v", err)
	}
	ctx := context.Background()

	result, err := registry.Execute(ctx, "broadcast_transactions", map[string]any{
		"raw_txs": []any{"0xf86b01", "0xf86b02"},
	})
	if err != nil {
		t.Fatalf("broadcast_transactions: %v", err)
	}
	payload, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected payload %T", result)
	}
	hashes, ok := payload["tx_hashes"].([]string)
	if !ok || len(hashes) != 2 || hashes[0] != "0xhash0" {
		t.Fatalf("unexpected hashes %+v", payload["tx_hashes"])
	}
	if payload["count"] != 2 {
		t.Fatalf("unexpected count %v", payload["count"])
	}
	if len(client.broadcast) != 2 || client.broadcast[1] != "0xf86b02" {
		t.Fatalf("raw txs not forwarded: %+v", client.broadcast)
	}

	cases := []map[string]any{
		{},
		{"raw_txs": []any{}},
		{"raw_txs": []any{"0xf86b01", 7}},
		{"raw_txs": "0xf86b01"},
	}
	for _, args := range cases {
		if _, err := registry.Execute(ctx, "broadcast_transactions", args); err == nil {
			t.Fatalf("expected validation error for args %+v", args)
		}
	}
}

func TestSwapCapabilitiesUseChainState(t *testing.T) {
	t.Parallel()

	registry := newChainRegistry(t)
	ctx := context.Background()

	quoteResult, err := registry.Execute(ctx, "swap_quote", map[string]any{
		"from_token": "BNB",
		"to_token":   "USDT",
		"amount":     "1000000000000000000",
	})
	if err != nil {
		t.Fatalf("swap_quote: %v", err)
	}
	quote, ok := quoteResult.(map[string]any)
	if !ok {
		t.Fatalf("unexpected quote payload %T", quoteResult)
	}
	if quote["gas_price"] != "0x3b9aca00" {
		t.Fatalf("unexpected quote gas price %v", quote["gas_price"])
	}
	// 1 gwei * 180000 gas
	if quote["estimated_fee"] != "0xa3b5840f4000" {
		t.Fatalf("unexpected estimated fee %v", quote["estimated_fee"])
	}

	buildResult, err := registry.Execute(ctx, "build_swap", map[string]any{
		"from_address": "0xabc",
		"router":       "0xrouter",
		"from_token":   "BNB",
		"to_token":     "USDT",
		"amount":       "1000000000000000000",
	})
	if err != nil {
		t.Fatalf("build_swap: %v", err)
	}
	tx, ok := buildResult.(map[string]any)
	if !ok {
		t.Fatalf("unexpected tx payload %T", buildResult)
	}
	if tx["nonce"] != "0x2" || tx["to"] != "0xrouter" {
		t.Fatalf("unexpected tx skeleton %+v", tx)
	}
	if tx["signed"] != false {
		t.Fatal("expected unsigned skeleton")
	}
}
