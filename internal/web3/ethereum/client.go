package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
	"github.com/Xeros-AGiXT/Xeros/internal/web3"
)

// Config 描述如何构建一个 EVM 兼容客户端。
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// chainReader 是 ethclient.Client 中被使用到的方法子集。
type chainReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Client 基于 go-ethereum 实现 web3.Client。
type Client struct {
	name  string
	notes string
	mu    sync.Mutex
	eth   chainReader
}

// NewClient 连接配置的 RPC 端点。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接以太坊节点失败")
	}
	return newClient(cfg, ethclient.NewClient(rpcClient)), nil
}

func newClient(cfg Config, eth chainReader) *Client {
	return &Client{name: cfg.Name, notes: cfg.Notes, eth: eth}
}

// Close 释放网络连接。
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
}

func (c *Client) reader() (chainReader, error) {
	if c == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的以太坊客户端")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "以太坊客户端已关闭")
	}
	return c.eth, nil
}

// FetchChainSnapshot 获取链 ID 与最新区块高度。
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	eth, err := c.reader()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "获取链 ID 失败")
	}
	blockNumber, err := eth.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "获取最新区块高度失败")
	}
	return web3.ChainSnapshot{
		Network:     c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// CodeAt 查询最新区块上地址的合约代码。地址格式错误属于确定性拒绝。
func (c *Client) CodeAt(ctx context.Context, address string) ([]byte, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return nil, xerrors.Reject(fmt.Sprintf("非法的合约地址: %q", address))
	}
	eth, err := c.reader()
	if err != nil {
		return nil, err
	}
	code, err := eth.CodeAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "查询合约代码失败")
	}
	return code, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)
