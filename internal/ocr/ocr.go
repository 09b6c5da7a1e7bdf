// Package ocr holds the vision backends used to read text out of scanned
// receipts and photographed payment slips.
package ocr

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const prompt = "Extract all text from this image exactly as it appears, preserving line breaks. " +
	"Return only the extracted text. If there is no text, return nothing."

// OpenAIVision recognizes text with an OpenAI vision-capable chat model.
type OpenAIVision struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

func NewOpenAIVision(apiKey, baseURL, model string, logger *zap.Logger) *OpenAIVision {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIVision{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: logger,
	}
}

func (v *OpenAIVision) Recognize(ctx context.Context, image []byte, mimeType string) (string, error) {
	resp, err := v.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       v.model,
		Temperature: 0,
		MaxTokens:   2048,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: prompt},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURI(image, mimeType),
							Detail: openai.ImageURLDetailHigh,
						},
					},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("vision request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	v.logger.Debug("openai vision recognized text", zap.Int("chars", len(text)))
	return text, nil
}

// GeminiVision recognizes text with a Gemini multimodal model.
type GeminiVision struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

func NewGeminiVision(ctx context.Context, apiKey, model string, logger *zap.Logger) (*GeminiVision, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GeminiVision{client: client, model: model, logger: logger}, nil
}

func (v *GeminiVision) Recognize(ctx context.Context, image []byte, mimeType string) (string, error) {
	model := v.client.GenerativeModel(v.model)
	model.SetTemperature(0)

	resp, err := model.GenerateContent(ctx,
		genai.Text(prompt),
		genai.Blob{
			MIMEType: mimeType,
			Data:     image,
		},
	)
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	text := strings.TrimSpace(b.String())
	v.logger.Debug("gemini vision recognized text", zap.Int("chars", len(text)))
	return text, nil
}

func (v *GeminiVision) Close() error {
	return v.client.Close()
}

func dataURI(image []byte, mimeType string) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)
}
