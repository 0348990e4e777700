// Package llm 定义调用大模型的统一接口，供 llm 步骤处理器使用。
// 具体供应商的实现位于子包中。
package llm
