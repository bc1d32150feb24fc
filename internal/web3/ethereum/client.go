package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"OpenPlan-Chain/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name        string
	RPCURL      string
	BatchRPCURL string
	Notes       string
}

// chainReader mirrors the subset of ethclient methods the capability layer
// depends on, so tests can substitute a fake backend.
type chainReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name        string
	notes       string
	rpcClient   *gethrpc.Client
	batchClient *gethrpc.Client
	reader      chainReader
	mu          sync.Mutex
}

var _ web3.Client = (*Client)(nil)

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	batchClient := rpcClient
	if batchURL := strings.TrimSpace(cfg.BatchRPCURL); batchURL != "" && batchURL != rpcURL {
		batchClient, err = gethrpc.DialContext(ctx, batchURL)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("连接批量交易节点失败: %w", err)
		}
	}

	return &Client{
		name:        cfg.Name,
		notes:       cfg.Notes,
		rpcClient:   rpcClient,
		batchClient: batchClient,
		reader:      ethclient.NewClient(rpcClient),
	}, nil
}

// NewBackedClient wraps a pre-built backend for testing purposes.
func NewBackedClient(name string, reader chainReader) *Client {
	return &Client{name: name, reader: reader, notes: "backed client"}
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.batchClient != nil && c.batchClient != c.rpcClient {
		c.batchClient.Close()
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	c.rpcClient = nil
	c.batchClient = nil
	c.reader = nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	reader, err := c.chainBackend()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}

	chainID, err := reader.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := reader.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	gasPrice, err := reader.SuggestGasPrice(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取建议燃气价格失败: %w", err)
	}

	return web3.ChainSnapshot{
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		GasPrice:    toHexBig(gasPrice),
		Notes:       c.notes,
	}, nil
}

// BalanceOf returns the latest balance of the given address in wei.
func (c *Client) BalanceOf(ctx context.Context, address string) (string, error) {
	reader, err := c.chainBackend()
	if err != nil {
		return "", err
	}
	addr := strings.TrimSpace(address)
	if addr == "" {
		return "", errors.New("余额查询需要提供地址")
	}
	balance, err := reader.BalanceAt(ctx, common.HexToAddress(addr), nil)
	if err != nil {
		return "", fmt.Errorf("查询余额失败: %w", err)
	}
	return toHexBig(balance), nil
}

// NonceOf returns the pending transaction count of the given address.
func (c *Client) NonceOf(ctx context.Context, address string) (string, error) {
	reader, err := c.chainBackend()
	if err != nil {
		return "", err
	}
	addr := strings.TrimSpace(address)
	if addr == "" {
		return "", errors.New("交易计数查询需要提供地址")
	}
	nonce, err := reader.PendingNonceAt(ctx, common.HexToAddress(addr))
	if err != nil {
		return "", fmt.Errorf("查询交易计数失败: %w", err)
	}
	return fmt.Sprintf("0x%x", nonce), nil
}

// GasPrice returns the currently suggested gas price.
func (c *Client) GasPrice(ctx context.Context) (string, error) {
	reader, err := c.chainBackend()
	if err != nil {
		return "", err
	}
	price, err := reader.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("获取建议燃气价格失败: %w", err)
	}
	return toHexBig(price), nil
}

// Call runs small helper RPC operations identified by name.
func (c *Client) Call(ctx context.Context, action string, params map[string]any) (string, error) {
	switch strings.TrimSpace(action) {
	case "":
		return "", errors.New("链上操作不能为空")
	case "eth_getBalance":
		return c.BalanceOf(ctx, stringParam(params, "address"))
	case "eth_getTransactionCount":
		return c.NonceOf(ctx, stringParam(params, "address"))
	case "eth_gasPrice":
		return c.GasPrice(ctx)
	case "eth_blockNumber":
		snapshot, err := c.FetchChainSnapshot(ctx)
		if err != nil {
			return "", err
		}
		return snapshot.BlockNumber, nil
	default:
		return "", fmt.Errorf("暂不支持的链上操作: %s", action)
	}
}

// SendRawTransactions broadcasts multiple signed transactions in a single
// RPC batch call.
func (c *Client) SendRawTransactions(ctx context.Context, rawTxs []string) ([]string, error) {
	if len(rawTxs) == 0 {
		return nil, errors.New("没有可发送的交易")
	}

	c.mu.Lock()
	batchClient := c.batchClient
	c.mu.Unlock()
	if batchClient == nil {
		return nil, errors.New("当前客户端未配置批量 RPC")
	}

	hashes := make([]common.Hash, len(rawTxs))
	elems := make([]gethrpc.BatchElem, len(rawTxs))
	for i, raw := range rawTxs {
		payload := strings.TrimSpace(raw)
		if payload == "" {
			return nil, fmt.Errorf("交易 %d 的原始数据为空", i)
		}
		if !strings.HasPrefix(payload, "0x") {
			payload = "0x" + payload
		}
		elems[i] = gethrpc.BatchElem{
			Method: "eth_sendRawTransaction",
			Args:   []any{payload},
			Result: &hashes[i],
		}
	}

	if err := batchClient.BatchCallContext(ctx, elems); err != nil {
		return nil, fmt.Errorf("批量发送交易失败: %w", err)
	}
	for i := range elems {
		if elems[i].Error != nil {
			return nil, fmt.Errorf("交易 %d 发送失败: %w", i, elems[i].Error)
		}
	}

	results := make([]string, len(hashes))
	for i, hash := range hashes {
		results[i] = hash.Hex()
	}
	return results, nil
}

func (c *Client) chainBackend() (chainReader, error) {
	if c == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader == nil {
		return nil, errors.New("客户端缺少链访问后端")
	}
	return c.reader, nil
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	value, _ := params[key].(string)
	return value
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
