package web3

import "context"

// ChainSnapshot 汇总节点的链 ID 与最新区块高度。
type ChainSnapshot struct {
	Network     string `json:"network,omitempty"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Client 定义了步骤处理器所需的最小链上读取能力。
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	// CodeAt 返回地址上部署的合约字节码，未部署时返回空切片。
	CodeAt(ctx context.Context, address string) ([]byte, error)
	Close()
}
