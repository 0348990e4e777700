package web3

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
)

// NetworkDefinitions 对应 networks.yaml 的结构。
type NetworkDefinitions struct {
	Networks map[string]NetworkDefinition `yaml:"networks"`
}

// NetworkDefinition 描述一个网络的 RPC 端点。
type NetworkDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	Description string `yaml:"description"`
}

// LoadNetworkDefinitions 解析网络配置文件，路径为空时返回空集合。
func LoadNetworkDefinitions(path string) (NetworkDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return NetworkDefinitions{Networks: map[string]NetworkDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return NetworkDefinitions{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取网络配置失败")
	}

	var defs NetworkDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return NetworkDefinitions{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析网络配置失败")
	}
	if defs.Networks == nil {
		defs.Networks = map[string]NetworkDefinition{}
	}
	return defs, nil
}
