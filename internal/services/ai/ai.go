package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/tg-relay-bot/internal/config"
	"github.com/tg-relay-bot/internal/models"
)

// ErrLLMCallFailed wraps every network, API, quota or empty-response failure
var ErrLLMCallFailed = errors.New("llm call failed")

// Service represents the AI service interface
type Service interface {
	// Generate returns the model's reply to message given the system prompt
	// and prior turns. It makes exactly one attempt.
	Generate(ctx context.Context, systemPrompt string, history []models.Turn, message string) (string, error)
	// Name identifies the backend in logs and metrics.
	Name() string
}

// NewService creates the AI backend selected by cfg.Provider
func NewService(ctx context.Context, cfg *config.LLMConfig, logger *logrus.Logger) (Service, error) {
	switch cfg.Provider {
	case "gemini":
		return NewGeminiAI(ctx, &cfg.Gemini, logger)
	case "openai":
		return NewOpenAICompatible(&cfg.OpenAI, cfg.Timeout, logger), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}

func callFailed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrLLMCallFailed, fmt.Sprintf(format, args...))
}
