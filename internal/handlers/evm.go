package handlers

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
	"github.com/Xeros-AGiXT/Xeros/internal/web3"
	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
)

// NetworkResolver 根据网络名称返回链客户端，provider.Registry 实现了该接口。
type NetworkResolver interface {
	Client(name string) (web3.Client, error)
}

// CodeAtOutput 是 code_at 操作的输出。
type CodeAtOutput struct {
	Network    string `json:"network,omitempty"`
	Address    string `json:"address"`
	CodeSize   int    `json:"code_size"`
	CodePrefix string `json:"code_prefix"`
}

// EVM 执行只读链上检查。with.op 取 snapshot 或 code_at，with.network 选择网络。
type EVM struct {
	networks NetworkResolver
}

// NewEVM 创建 evm 处理器。
func NewEVM(networks NetworkResolver) *EVM {
	return &EVM{networks: networks}
}

// Invoke 实现 workflow.Handler。
func (e *EVM) Invoke(ctx context.Context, req workflow.StepRequest) (any, error) {
	network := req.With("network")
	client, err := e.networks.Client(network)
	if err != nil {
		return nil, err
	}

	op := strings.ToLower(strings.TrimSpace(req.With("op")))
	switch op {
	case "", "snapshot":
		return client.FetchChainSnapshot(ctx)
	case "code_at":
		address := req.With("address")
		if address == "" {
			if v, ok := req.Param("address"); ok {
				address = fmt.Sprint(v)
			}
		}
		if strings.TrimSpace(address) == "" {
			return nil, xerrors.Reject(fmt.Sprintf("步骤 %q 未提供合约地址", req.Step.Name))
		}
		code, err := client.CodeAt(ctx, address)
		if err != nil {
			return nil, err
		}
		if len(code) == 0 {
			return nil, xerrors.Reject(fmt.Sprintf("地址 %s 上没有部署合约", address))
		}
		prefix := code
		if len(prefix) > 8 {
			prefix = prefix[:8]
		}
		return CodeAtOutput{
			Network:    network,
			Address:    address,
			CodeSize:   len(code),
			CodePrefix: "0x" + hex.EncodeToString(prefix),
		}, nil
	default:
		return nil, xerrors.Reject(fmt.Sprintf("不支持的 evm 操作 %q", op))
	}
}
