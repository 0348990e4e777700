package llm

import "context"

// Request 描述一次补全请求。
type Request struct {
	// System 覆盖默认的系统提示词，为空时使用实现自带的提示词。
	System string
	Prompt string
	// Knowledge 是附加在提示词之后的参考资料。
	Knowledge []KnowledgeCard
	// Temperature 为 nil 时使用实现的默认值。
	Temperature *float64
}

// Response 是大模型推理得到的结构化输出。
type Response struct {
	Thought string `json:"thought,omitempty"`
	Reply   string `json:"reply"`
	Model   string `json:"model,omitempty"`
}

// KnowledgeCard 表示提供给大模型的知识切片，帮助生成更加准确的回复。
type KnowledgeCard struct {
	Title   string
	Content string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
