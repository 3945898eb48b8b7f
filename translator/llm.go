// Package translator rewrites a captured article into Simplified Chinese and
// generates a headline, via an OpenAI-compatible chat-completions endpoint.
package translator

import "context"

// Message is one turn of a model conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completion is a raw model response.
type Completion struct {
	Text         string
	FinishReason string
}

// LLMClient 抽象大模型客户端，便于替换/Mock。
type LLMClient interface {
	Complete(ctx context.Context, system string, msgs []Message) (Completion, error)
}

// LLMSettings 提供给具体实现的基础配置。
type LLMSettings struct {
	Model   string
	APIKey  string
	BaseURL string
}
