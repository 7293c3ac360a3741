// Package gemini implements the fallback responder backed by Google's Gemini API.
// It answers inbound messages that no auto-reply rule matched.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/edgard/replybot/internal/config"
	"github.com/edgard/replybot/internal/logger"
	"github.com/edgard/replybot/internal/rules"
)

// Client generates a free-form reply for a message.
type Client interface {
	GenerateReply(ctx context.Context, msg rules.InboundMessage) (string, error)
}

// contentGenerator is the slice of the genai SDK the client calls.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type sdkClient struct {
	models           contentGenerator
	log              *slog.Logger
	contentConfig    *genai.GenerateContentConfig
	defaultModelName string
	maxRetries       int
	retryDelay       time.Duration
	timeout          time.Duration
}

// NewClient creates a Gemini client from cfg.
func NewClient(ctx context.Context, cfg config.GeminiConfig, log *slog.Logger) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	gi, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return newClient(gi.Models, cfg, log), nil
}

func newClient(models contentGenerator, cfg config.GeminiConfig, log *slog.Logger) *sdkClient {
	if log == nil {
		log = logger.Discard()
	}

	temperature := cfg.Temperature
	baseCfg := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: maxReplyTokens,
		SafetySettings: []*genai.SafetySetting{
			{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
			{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
			{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
			{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
		},
	}
	if cfg.SystemInstruction != "" {
		baseCfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.SystemInstruction + "\n\n" + ReplyGuidelines}}}
	} else {
		baseCfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: ReplyGuidelines}}}
	}

	l := log.With("component", "gemini_client")
	l.Info("Gemini client initialized", "model", cfg.ModelName)
	return &sdkClient{
		models:           models,
		log:              l,
		contentConfig:    baseCfg,
		defaultModelName: cfg.ModelName,
		maxRetries:       cfg.MaxRetries,
		retryDelay:       cfg.RetryDelay,
		timeout:          cfg.Timeout,
	}
}

func (c *sdkClient) GenerateReply(ctx context.Context, msg rules.InboundMessage) (string, error) {
	if strings.TrimSpace(msg.Body) == "" {
		return "", fmt.Errorf("message has no text to answer")
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	c.log.DebugContext(ctx, "Generating fallback reply", "instance_id", msg.InstanceID, "message_id", msg.MessageID)

	contents := []*genai.Content{genai.NewContentFromText(FormatCustomerMessage(msg), genai.RoleUser)}
	resp, err := c.generateContentWithRetries(ctx, c.defaultModelName, contents, c.contentConfig)
	if err != nil {
		return "", err
	}
	return c.extractTextFromResponse(ctx, resp)
}

func (c *sdkClient) generateContentWithRetries(ctx context.Context, modelName string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	var err error
	for i := 0; i <= c.maxRetries; i++ {
		var resp *genai.GenerateContentResponse
		resp, err = c.models.GenerateContent(ctx, modelName, contents, cfg)
		if err == nil {
			return resp, nil
		}

		code, ok := apiErrorCode(err)
		if !ok || (code != 429 && code != 500 && code != 503) {
			c.log.ErrorContext(ctx, "Gemini API call failed with non-retriable error", "error", err)
			return nil, fmt.Errorf("gemini API call failed: %w", err)
		}
		if i == c.maxRetries {
			break
		}

		c.log.WarnContext(ctx, "Retrying Gemini API call", "attempt", i+1, "max_retries", c.maxRetries, "delay", c.retryDelay, "code", code)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gemini API call cancelled: %w", ctx.Err())
		case <-time.After(c.retryDelay):
		}
	}
	return nil, fmt.Errorf("gemini API call failed after %d retries: %w", c.maxRetries, err)
}

func apiErrorCode(err error) (int, bool) {
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) && apiErr != nil {
		return apiErr.Code, true
	}
	return 0, false
}

func (c *sdkClient) extractTextFromResponse(ctx context.Context, resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("gemini returned no response")
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		reason := fmt.Sprintf("%v", resp.PromptFeedback.BlockReason)
		if resp.PromptFeedback.BlockReasonMessage != "" {
			reason = resp.PromptFeedback.BlockReasonMessage
		}
		c.log.WarnContext(ctx, "Gemini request blocked", "reason", reason)
		return "", fmt.Errorf("fallback reply blocked by safety filter: %s", reason)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		finishReason := "unknown"
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != genai.FinishReasonUnspecified {
			finishReason = fmt.Sprintf("%v", resp.Candidates[0].FinishReason)
		}
		return "", fmt.Errorf("fallback reply empty, finish reason: %s", finishReason)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("fallback reply empty")
	}
	return text, nil
}
