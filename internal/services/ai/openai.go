package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tg-relay-bot/internal/config"
	"github.com/tg-relay-bot/internal/models"
)

// OpenAICompatible implements Service against an OpenAI-compatible
// /chat/completions endpoint
type OpenAICompatible struct {
	config     *config.OpenAIConfig
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewOpenAICompatible creates a client for one endpoint and model
func NewOpenAICompatible(cfg *config.OpenAIConfig, timeout time.Duration, logger *logrus.Logger) *OpenAICompatible {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	logger.WithFields(logrus.Fields{
		"baseURL": cfg.BaseURL,
		"model":   cfg.Model,
	}).Info("OpenAI-compatible endpoint configured")

	return &OpenAICompatible{
		config: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

func (s *OpenAICompatible) Name() string {
	return "openai:" + s.config.Model
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate performs a single request; failures are not retried
func (s *OpenAICompatible) Generate(ctx context.Context, systemPrompt string, history []models.Turn, message string) (string, error) {
	reqBody := chatRequest{
		Model:       s.config.Model,
		Messages:    openAIMessages(systemPrompt, history, message),
		MaxTokens:   s.config.MaxTokens,
		Temperature: s.config.Temperature,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/chat/completions", strings.TrimSuffix(s.config.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.config.APIKey))

	s.logger.WithFields(logrus.Fields{
		"model":   s.config.Model,
		"url":     url,
		"history": len(history),
	}).Debug("Sending AI request")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", callFailed("send request: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", callFailed("read response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		s.logger.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"body":   string(body),
		}).Error("AI request failed")
		return "", callFailed("status %d: %s", resp.StatusCode, string(body))
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", callFailed("parse response: %v", err)
	}

	if result.Error.Message != "" {
		return "", callFailed("AI error: %s", result.Error.Message)
	}

	if len(result.Choices) == 0 || strings.TrimSpace(result.Choices[0].Message.Content) == "" {
		return "", callFailed("no response from AI")
	}

	return result.Choices[0].Message.Content, nil
}

// openAIMessages maps stored turns to chat-completion roles; "model"
// becomes "assistant".
func openAIMessages(systemPrompt string, history []models.Turn, message string) []chatMessage {
	messages := make([]chatMessage, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	for _, turn := range history {
		role := "user"
		if turn.Role == models.RoleModel {
			role = "assistant"
		}
		messages = append(messages, chatMessage{Role: role, Content: turn.Text})
	}
	return append(messages, chatMessage{Role: "user", Content: message})
}
