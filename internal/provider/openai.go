package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/mercatorhq/mercator/config"
)

// OpenAI generates content through the chat completions API.
type OpenAI struct {
	cfg    config.OpenAIConfig
	client *http.Client
}

func NewOpenAI(cfg config.OpenAIConfig) *OpenAI {
	return &OpenAI{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) Generate(ctx context.Context, prompt string) (Result, error) {
	apiKey := p.cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return Result{}, fmt.Errorf("OpenAI API key not configured")
	}

	type chatMsg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type chatReq struct {
		Model       string    `json:"model"`
		Messages    []chatMsg `json:"messages"`
		Temperature float64   `json:"temperature,omitempty"`
	}

	body, err := json.Marshal(chatReq{
		Model:       p.cfg.Model,
		Messages:    []chatMsg{{Role: "user", Content: prompt}},
		Temperature: p.cfg.Temperature,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal: %w", err)
	}

	baseURL := p.cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return Result{}, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("OpenAI status %d", resp.StatusCode)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return Result{}, fmt.Errorf("no choices")
	}

	inTok := int64(out.Usage.PromptTokens)
	outTok := int64(out.Usage.CompletionTokens)
	return Result{
		Text:         out.Choices[0].Message.Content,
		Provider:     p.Name(),
		InputTokens:  inTok,
		OutputTokens: outTok,
		CostUSD:      tokenCost(inTok, outTok, p.cfg.CostPer1KInput, p.cfg.CostPer1KOutput),
	}, nil
}

// tokenCost converts token usage to USD given per-1K rates.
func tokenCost(inputTokens, outputTokens int64, inRate, outRate float64) float64 {
	return float64(inputTokens)/1000.0*inRate + float64(outputTokens)/1000.0*outRate
}
