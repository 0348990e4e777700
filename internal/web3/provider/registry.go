// Package provider 按网络名称管理多个链客户端。
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
	"github.com/Xeros-AGiXT/Xeros/internal/web3"
	"github.com/Xeros-AGiXT/Xeros/internal/web3/ethereum"
)

// Config 描述注册表的来源：网络配置文件，或单个 RPC 地址。
type Config struct {
	NetworksFile   string
	RPCURL         string
	DefaultNetwork string
}

// Registry 以名称管理链客户端。
type Registry struct {
	defaultNetwork string
	clients        map[string]web3.Client
}

// NewRegistry 加载网络定义并创建具体客户端。
func NewRegistry(ctx context.Context, cfg Config) (*Registry, error) {
	defs, err := web3.LoadNetworkDefinitions(cfg.NetworksFile)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]web3.Client)
	closeAll := func() {
		for _, client := range clients {
			client.Close()
		}
	}
	for name, network := range defs.Networks {
		kind := strings.ToLower(strings.TrimSpace(network.Type))
		if kind != "" && kind != "evm" {
			closeAll()
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("网络 %s 使用了不支持的类型 %s", name, network.Type))
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:   name,
			RPCURL: network.RPCURL,
			Notes:  network.Description,
		})
		if err != nil {
			closeAll()
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("初始化网络 %s 失败", name))
		}
		clients[name] = client
	}

	defaultNetwork := cfg.DefaultNetwork
	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: "default", RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		if defaultNetwork == "" {
			defaultNetwork = "default"
		}
	}

	registry, err := NewStaticRegistry(defaultNetwork, clients)
	if err != nil {
		closeAll()
		return nil, err
	}
	return registry, nil
}

// NewStaticRegistry 使用现成的客户端构建注册表。默认网络为空时取名称排序后的第一个。
func NewStaticRegistry(defaultNetwork string, clients map[string]web3.Client) (*Registry, error) {
	if len(clients) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任何网络的 RPC 端点")
	}
	r := &Registry{clients: clients}
	if defaultNetwork == "" {
		defaultNetwork = r.Networks()[0]
	}
	if _, ok := clients[defaultNetwork]; !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("默认网络 %s 未在配置中找到", defaultNetwork))
	}
	r.defaultNetwork = defaultNetwork
	return r, nil
}

// Client 返回指定网络的客户端，名称为空时返回默认网络。未知网络属于确定性拒绝。
func (r *Registry) Client(name string) (web3.Client, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的链客户端注册表")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = r.defaultNetwork
	}
	client, ok := r.clients[name]
	if !ok {
		return nil, xerrors.Reject(fmt.Sprintf("未知的网络 %q", name))
	}
	return client, nil
}

// Default 返回默认网络名称。
func (r *Registry) Default() string {
	if r == nil {
		return ""
	}
	return r.defaultNetwork
}

// Networks 返回已注册的网络名称。
func (r *Registry) Networks() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close 释放所有客户端。
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}
