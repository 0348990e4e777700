// Package web3 封装 evm 步骤处理器访问区块链节点所需的类型与多网络配置。
// 具体的 EVM 客户端位于 ethereum 子包，按名称管理多个网络的注册表位于 provider 子包。
package web3
