package service

import (
	"context"
	"fmt"
	"journey_backend/internal/config"
	"journey_backend/internal/model"
	"journey_backend/internal/repository"
	"journey_backend/internal/util"
	"journey_backend/pkg/logger"
	"journey_backend/pkg/monitoring"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type AIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionOptions struct {
	// Purpose labels metrics and prompt logs (rate, chat, report, certificate).
	Purpose     string
	Temperature *float32
	MaxTokens   int
	JSON        bool
}

type Completion struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Duration         time.Duration
}

// AIClient 单次补全，不做重试；重试策略由调用方决定
type AIClient interface {
	Complete(ctx context.Context, messages []AIChatMessage, opts CompletionOptions) (*Completion, error)
}

type AIService struct {
	mu     sync.RWMutex
	config config.AIConfig
	client *openai.Client
}

func NewAIService(cfg config.AIConfig) *AIService {
	s := &AIService{}
	s.UpdateConfig(cfg)
	return s
}

// UpdateConfig swaps model, credentials and defaults; used by config hot reload.
func (s *AIService) UpdateConfig(cfg config.AIConfig) {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout()}

	s.mu.Lock()
	s.config = cfg
	s.client = openai.NewClientWithConfig(clientCfg)
	s.mu.Unlock()
}

func (s *AIService) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.Model
}

func (s *AIService) Complete(ctx context.Context, messages []AIChatMessage, opts CompletionOptions) (*Completion, error) {
	s.mu.RLock()
	cfg := s.config
	client := s.client
	s.mu.RUnlock()

	req := openai.ChatCompletionRequest{
		Model:       cfg.Model,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.JSON {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	start := time.Now()
	resp, err := client.CreateChatCompletion(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		monitoring.AIRequestDuration.WithLabelValues(opts.Purpose, "error").Observe(elapsed.Seconds())
		return nil, fmt.Errorf("%w: %v", util.ErrAIUnavailable, err)
	}
	monitoring.AIRequestDuration.WithLabelValues(opts.Purpose, "ok").Observe(elapsed.Seconds())

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", util.ErrAIUnavailable)
	}

	return &Completion{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		Duration:         elapsed,
	}, nil
}

// PromptLogger 记录每一次 AI 调用
type PromptLogger struct {
	Repo  *repository.PromptLogRepository
	Model func() string
}

type promptLogRef struct {
	AttemptID  uint
	ResponseID *uint
}

// completeAndLog runs one completion and records it. Logging failures are swallowed.
func completeAndLog(ctx context.Context, ai AIClient, pl *PromptLogger, ref promptLogRef, messages []AIChatMessage, opts CompletionOptions) (*Completion, error) {
	start := time.Now()
	comp, err := ai.Complete(ctx, messages, opts)
	if pl == nil || pl.Repo == nil {
		return comp, err
	}

	entry := &model.JourneyPromptLog{
		AttemptID:        ref.AttemptID,
		ResponseID:       ref.ResponseID,
		ActionType:       opts.Purpose,
		Prompt:           renderMessagesForLog(messages),
		ProcessingTimeMs: float64(time.Since(start).Microseconds()) / 1000,
		Status:           "success",
	}
	if pl.Model != nil {
		entry.AIModel = pl.Model()
	}
	if err != nil {
		entry.Status = "error"
		entry.ErrorMessage = err.Error()
	} else {
		entry.Response = comp.Content
		entry.RequestTokens = comp.PromptTokens
		entry.ResponseTokens = comp.CompletionTokens
		entry.TokensUsed = comp.TotalTokens
		if comp.Model != "" {
			entry.AIModel = comp.Model
		}
	}
	if logErr := pl.Repo.Create(entry); logErr != nil {
		logger.Log.Warn("Failed to write prompt log", zap.Error(logErr), zap.Uint("attemptId", ref.AttemptID))
	}
	return comp, err
}

func (pl *PromptLogger) withTx(repo *repository.PromptLogRepository) *PromptLogger {
	if pl == nil {
		return nil
	}
	return &PromptLogger{Repo: repo, Model: pl.Model}
}

func renderMessagesForLog(messages []AIChatMessage) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strings.ToUpper(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
