package planner

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// =============================================================================
// GOOGLE GENAI TEXT MODEL
// =============================================================================

// TextModel produces a text completion for a prompt.
type TextModel interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// GeminiModel generates JSON text with Google's Gemini API.
type GeminiModel struct {
	client      *genai.Client
	model       string
	temperature float32
}

// NewGeminiModel creates a Gemini-backed TextModel.
func NewGeminiModel(ctx context.Context, apiKey, model string, temperature float32) (*GeminiModel, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiModel{client: client, model: model, temperature: temperature}, nil
}

// GenerateText asks for a JSON response and returns its text.
func (m *GeminiModel) GenerateText(ctx context.Context, prompt string) (string, error) {
	resp, err := m.client.Models.GenerateContent(ctx,
		m.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
			Temperature:      genai.Ptr(m.temperature),
		},
	)
	if err != nil {
		return "", fmt.Errorf("GenAI generate failed: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("GenAI returned no text")
	}
	return text, nil
}

// Name returns the model name.
func (m *GeminiModel) Name() string {
	return fmt.Sprintf("genai:%s", m.model)
}
