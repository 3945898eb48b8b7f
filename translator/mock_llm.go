package translator

import (
	"context"
	"strings"
)

// MockLLM 一个简单的占位实现，便于本地调试，不调用外部模型。
type MockLLM struct{}

func (m MockLLM) Complete(_ context.Context, _ string, msgs []Message) (Completion, error) {
	var sb strings.Builder
	sb.WriteString("（模拟输出）\n\n")
	if len(msgs) > 0 {
		sb.WriteString(msgs[len(msgs)-1].Content)
	}
	return Completion{Text: sb.String(), FinishReason: "stop"}, nil
}
