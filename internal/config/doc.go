// Package config 负责加载 xerosd 的 JSON 配置文件，填充默认值并校验枚举字段。
// 配置文件路径优先取 XEROS_CONFIG 环境变量，其次为 configs/xeros.json。
package config
