package translator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"wash_articles/store"
)

const defaultModel = "gpt-4o-mini"

// ConfigError reports missing translator configuration. No model call is
// made.
type ConfigError struct {
	Missing string
}

func (e *ConfigError) Error() string {
	return "translator: missing setting: " + e.Missing
}

// ProviderError is an upstream rejection from the model endpoint.
type ProviderError struct {
	Message      string
	FinishReason string
}

func (e *ProviderError) Error() string {
	if e.FinishReason != "" {
		return fmt.Sprintf("translator: %s (finishReason=%s)", e.Message, e.FinishReason)
	}
	return "translator: " + e.Message
}

// Result is the outcome of a translate or title call. Conversation carries
// the full exchange so the title call can reuse the translation context.
type Result struct {
	Text         string
	FinishReason string
	Conversation []Message
}

// Service drives translation and title generation. The underlying LLM client
// is rebuilt synchronously whenever settings change, so no stage can observe
// fresh settings alongside a client pointed at the old key.
type Service struct {
	mu     sync.Mutex
	llm    LLMClient
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Service {
	return &Service{logger: logger}
}

// UpdateSettings re-points the client at the configured key/model. An empty
// key clears the client; calls then fail until a key arrives.
func (s *Service) UpdateSettings(st store.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.LLMAPIKey == "" {
		s.llm = nil
		return
	}
	model := st.LLMModel
	if model == "" {
		model = defaultModel
	}
	llm, err := NewOpenAILLMFromConfig(&LLMSettings{Model: model, APIKey: st.LLMAPIKey, BaseURL: st.LLMBaseURL})
	if err != nil {
		s.logger.Warn().Err(err).Msg("llm config rejected")
		s.llm = nil
		return
	}
	s.llm = llm
}

// SetLLM injects a client directly; used for wiring mocks.
func (s *Service) SetLLM(llm LLMClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.llm = llm
}

// HasCredentials reports whether a model client is configured.
func (s *Service) HasCredentials() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.llm != nil
}

func (s *Service) currentLLM() (LLMClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.llm == nil {
		return nil, &ConfigError{Missing: "llm_api_key"}
	}
	return s.llm, nil
}

// TranslateArticle translates the markdown body and returns the text plus
// the conversation for follow-up title generation.
func (s *Service) TranslateArticle(ctx context.Context, markdown string, opts Options) (Result, error) {
	llm, err := s.currentLLM()
	if err != nil {
		return Result{}, err
	}
	input := strings.TrimSpace(markdown)
	if input == "" {
		return Result{FinishReason: "empty-input"}, nil
	}

	user := Message{Role: "user", Content: BuildTranslationPrompt(input, opts)}
	s.logger.Debug().Int("chars", len(input)).Msg("requesting translation")

	completion, err := llm.Complete(ctx, systemInstruction, []Message{user})
	if err != nil {
		return Result{}, &ProviderError{Message: err.Error()}
	}
	text := strings.TrimSpace(completion.Text)
	if text == "" {
		return Result{}, &ProviderError{Message: "模型未返回翻译结果", FinishReason: completion.FinishReason}
	}

	return Result{
		Text:         text,
		FinishReason: completion.FinishReason,
		Conversation: []Message{user, {Role: "assistant", Content: text}},
	}, nil
}

// GenerateTitle continues the translation conversation with the title
// prompt and returns the headline text.
func (s *Service) GenerateTitle(ctx context.Context, conversation []Message, opts Options) (Result, error) {
	llm, err := s.currentLLM()
	if err != nil {
		return Result{}, err
	}
	if len(conversation) == 0 {
		return Result{}, &ProviderError{Message: "缺少可用于生成标题的对话上下文"}
	}

	msgs := append(append([]Message(nil), conversation...), Message{Role: "user", Content: BuildTitlePrompt(opts)})
	s.logger.Debug().Int("turns", len(msgs)).Msg("requesting title")

	completion, err := llm.Complete(ctx, systemInstruction, msgs)
	if err != nil {
		return Result{}, &ProviderError{Message: err.Error()}
	}
	text := strings.TrimSpace(completion.Text)
	if text == "" {
		return Result{}, &ProviderError{Message: "模型未返回标题", FinishReason: completion.FinishReason}
	}

	return Result{
		Text:         text,
		FinishReason: completion.FinishReason,
		Conversation: append(msgs, Message{Role: "assistant", Content: text}),
	}, nil
}
