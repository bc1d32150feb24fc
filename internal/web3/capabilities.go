package web3

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"OpenPlan-Chain/internal/capability"
	xerrors "OpenPlan-Chain/internal/errors"
)

// swapGasLimit 是内置兑换报价时采用的固定燃气上限估算。
const swapGasLimit = 180_000

// Capabilities 将链客户端包装为计划器可以选用的能力定义。
func Capabilities(resolver Resolver) []capability.Definition {
	return []capability.Definition{
		{
			Name:        "chain_snapshot",
			Description: "读取链 ID、最新区块高度与建议燃气价格的快照。",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"chain":{"type":"string","description":"链名称，留空使用默认链"}}}`),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				client, err := resolveClient(resolver, args)
				if err != nil {
					return nil, err
				}
				snapshot, err := client.FetchChainSnapshot(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"chain_id":     snapshot.ChainID,
					"block_number": snapshot.BlockNumber,
					"gas_price":    snapshot.GasPrice,
					"notes":        snapshot.Notes,
				}, nil
			},
		},
		{
			Name:        "balance_of",
			Description: "查询指定地址的原生代币余额（wei，十六进制）。",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"address":{"type":"string"},"chain":{"type":"string"}},"required":["address"]}`),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				client, err := resolveClient(resolver, args)
				if err != nil {
					return nil, err
				}
				address, err := requiredString(args, "address")
				if err != nil {
					return nil, err
				}
				return client.BalanceOf(ctx, address)
			},
		},
		{
			Name:        "nonce_of",
			Description: "查询指定地址的待处理交易计数。",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"address":{"type":"string"},"chain":{"type":"string"}},"required":["address"]}`),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				client, err := resolveClient(resolver, args)
				if err != nil {
					return nil, err
				}
				address, err := requiredString(args, "address")
				if err != nil {
					return nil, err
				}
				return client.NonceOf(ctx, address)
			},
		},
		{
			Name:        "gas_price",
			Description: "查询当前链的建议燃气价格（wei，十六进制）。",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"chain":{"type":"string"}}}`),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				client, err := resolveClient(resolver, args)
				if err != nil {
					return nil, err
				}
				return client.GasPrice(ctx)
			},
		},
		{
			Name:        "swap_quote",
			Description: "基于链上燃气价格估算一笔兑换的成本报价。",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"from_token":{"type":"string"},"to_token":{"type":"string"},"amount":{"type":"string"},"chain":{"type":"string"}},"required":["from_token","to_token","amount"]}`),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				client, err := resolveClient(resolver, args)
				if err != nil {
					return nil, err
				}
				fromToken, err := requiredString(args, "from_token")
				if err != nil {
					return nil, err
				}
				toToken, err := requiredString(args, "to_token")
				if err != nil {
					return nil, err
				}
				amount, err := requiredString(args, "amount")
				if err != nil {
					return nil, err
				}
				snapshot, err := client.FetchChainSnapshot(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"from_token":    fromToken,
					"to_token":      toToken,
					"amount_in":     amount,
					"amount_out":    amount,
					"gas_limit":     fmt.Sprintf("0x%x", swapGasLimit),
					"gas_price":     snapshot.GasPrice,
					"estimated_fee": estimateFee(snapshot.GasPrice, swapGasLimit),
					"block_number":  snapshot.BlockNumber,
				}, nil
			},
		},
		{
			Name:        "build_swap",
			Description: "根据报价构造一笔未签名的兑换交易骨架。",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"from_address":{"type":"string"},"router":{"type":"string"},"from_token":{"type":"string"},"to_token":{"type":"string"},"amount":{"type":"string"},"chain":{"type":"string"}},"required":["from_address","router","from_token","to_token","amount"]}`),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				client, err := resolveClient(resolver, args)
				if err != nil {
					return nil, err
				}
				fromAddress, err := requiredString(args, "from_address")
				if err != nil {
					return nil, err
				}
				router, err := requiredString(args, "router")
				if err != nil {
					return nil, err
				}
				fromToken, err := requiredString(args, "from_token")
				if err != nil {
					return nil, err
				}
				toToken, err := requiredString(args, "to_token")
				if err != nil {
					return nil, err
				}
				amount, err := requiredString(args, "amount")
				if err != nil {
					return nil, err
				}
				nonce, err := client.NonceOf(ctx, fromAddress)
				if err != nil {
					return nil, err
				}
				gasPrice, err := client.GasPrice(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"from":       fromAddress,
					"to":         router,
					"nonce":      nonce,
					"gas_limit":  fmt.Sprintf("0x%x", swapGasLimit),
					"gas_price":  gasPrice,
					"from_token": fromToken,
					"to_token":   toToken,
					"amount":     amount,
					"signed":     false,
				}, nil
			},
		},
		{
			Name:        "broadcast_transactions",
			Description: "批量广播已签名的原始交易，返回交易哈希列表。",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"raw_txs":{"type":"array","items":{"type":"string"}},"chain":{"type":"string"}},"required":["raw_txs"]}`),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				client, err := resolveClient(resolver, args)
				if err != nil {
					return nil, err
				}
				rawTxs, err := requiredStringSlice(args, "raw_txs")
				if err != nil {
					return nil, err
				}
				hashes, err := client.SendRawTransactions(ctx, rawTxs)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"tx_hashes": hashes,
					"count":     len(hashes),
				}, nil
			},
		},
	}
}

// RegisterCapabilities 将所有链能力注册到给定的能力注册表。
func RegisterCapabilities(registry *capability.Registry, resolver Resolver) error {
	for _, def := range Capabilities(resolver) {
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func resolveClient(resolver Resolver, args map[string]any) (Client, error) {
	if resolver == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "链客户端注册表未初始化")
	}
	name, _ := args["chain"].(string)
	name = strings.TrimSpace(name)
	if name == "" {
		return resolver.DefaultClient()
	}
	client, ok := resolver.Client(name)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("链 %s 未在配置中找到", name))
	}
	return client, nil
}

func requiredString(args map[string]any, key string) (string, error) {
	value, _ := args[key].(string)
	value = strings.TrimSpace(value)
	if value == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("参数 %s 不能为空", key))
	}
	return value, nil
}

func requiredStringSlice(args map[string]any, key string) ([]string, error) {
	raw, ok := args[key].([]any)
	if !ok || len(raw) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("参数 %s 必须是非空字符串数组", key))
	}
	values := make([]string, 0, len(raw))
	for _, item := range raw {
		value, ok := item.(string)
		if !ok || strings.TrimSpace(value) == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("参数 %s 含有非法元素", key))
		}
		values = append(values, value)
	}
	return values, nil
}

func estimateFee(gasPriceHex string, gasLimit int64) string {
	price, ok := new(big.Int).SetString(strings.TrimPrefix(gasPriceHex, "0x"), 16)
	if !ok {
		return "0x0"
	}
	fee := new(big.Int).Mul(price, big.NewInt(gasLimit))
	return "0x" + fee.Text(16)
}
