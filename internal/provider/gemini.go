package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/mercatorhq/mercator/config"
)

// Gemini generates content through the Google generative AI SDK. Responses
// are requested as JSON since every stage prompt expects structured output.
type Gemini struct {
	cfg    config.GeminiConfig
	client *genai.Client
}

func NewGemini(ctx context.Context, cfg config.GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{cfg: cfg, client: client}, nil
}

func (p *Gemini) Name() string { return "gemini" }

func (p *Gemini) Generate(ctx context.Context, prompt string) (Result, error) {
	model := p.client.GenerativeModel(p.cfg.Model)
	temperature := float32(p.cfg.Temperature)
	if temperature <= 0 {
		temperature = 0.1
	}
	model.SetTemperature(temperature)
	model.ResponseMIMEType = "application/json"

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return Result{}, fmt.Errorf("generate content: %w", err)
	}
	text, err := extractText(resp)
	if err != nil {
		return Result{}, err
	}

	var inTok, outTok int64
	if resp.UsageMetadata != nil {
		inTok = int64(resp.UsageMetadata.PromptTokenCount)
		outTok = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	return Result{
		Text:         cleanJSONBlock(text),
		Provider:     p.Name(),
		InputTokens:  inTok,
		OutputTokens: outTok,
		CostUSD:      tokenCost(inTok, outTok, p.cfg.CostPer1KInput, p.cfg.CostPer1KOutput),
	}, nil
}

func (p *Gemini) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("no content in response")
	}
	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no text parts in response")
	}
	return strings.Join(parts, ""), nil
}

// cleanJSONBlock removes markdown code block wrappers from JSON output.
func cleanJSONBlock(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
