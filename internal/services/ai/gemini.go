package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tg-relay-bot/internal/config"
	"github.com/tg-relay-bot/internal/models"
	"google.golang.org/genai"
)

// GeminiAI implements Service on the Gemini API
type GeminiAI struct {
	client *genai.Client
	model  string
	logger *logrus.Logger
}

// NewGeminiAI creates a Gemini client for the configured model
func NewGeminiAI(ctx context.Context, cfg *config.GeminiConfig, logger *logrus.Logger) (*GeminiAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	logger.WithField("model", cfg.Model).Info("Gemini API configured")

	return &GeminiAI{
		client: client,
		model:  cfg.Model,
		logger: logger,
	}, nil
}

func (g *GeminiAI) Name() string {
	return "gemini:" + g.model
}

func (g *GeminiAI) Generate(ctx context.Context, systemPrompt string, history []models.Turn, message string) (string, error) {
	contents := geminiContents(history, message)

	var genCfg *genai.GenerateContentConfig
	if systemPrompt != "" {
		genCfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		}
	}

	g.logger.WithFields(logrus.Fields{
		"model":   g.model,
		"history": len(history),
	}).Debug("Sending request to Gemini")

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, genCfg)
	if err != nil {
		return "", callFailed("gemini request: %v", err)
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		reason := resp.PromptFeedback.BlockReasonMessage
		if reason == "" {
			reason = string(resp.PromptFeedback.BlockReason)
		}
		return "", callFailed("prompt blocked by safety filters: %s", reason)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", callFailed("gemini returned an empty response")
	}
	return text, nil
}

// geminiContents converts stored turns plus the new message into the
// request contents. Stored roles already use Gemini's user/model names.
func geminiContents(history []models.Turn, message string) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, turn := range history {
		var role genai.Role = genai.RoleUser
		if turn.Role == models.RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Text, role))
	}
	return append(contents, genai.NewContentFromText(message, genai.RoleUser))
}
