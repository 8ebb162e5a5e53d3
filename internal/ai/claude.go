package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"forgeline/internal/pricing"
)

const claudeDefaultModel = "claude-sonnet-4-20250514"

// ClaudeClient implements the Anthropic messages API.
type ClaudeClient struct {
	baseURL    string
	httpClient *http.Client
	prices     *pricing.Table
}

type claudeContentBlock struct {
	Type   string             `json:"type"`
	Text   string             `json:"text,omitempty"`
	Source *claudeImageSource `json:"source,omitempty"`
}

type claudeImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type claudeMessage struct {
	Role    string               `json:"role"`
	Content []claudeContentBlock `json:"content"`
}

type claudeRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system,omitempty"`
	Messages  []claudeMessage `json:"messages"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewClaudeClient creates an Anthropic API client.
func NewClaudeClient(prices *pricing.Table) *ClaudeClient {
	return &ClaudeClient{
		baseURL: "https://api.anthropic.com/v1/messages",
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		prices: prices,
	}
}

func (c *ClaudeClient) invoke(ctx context.Context, cfg Config, prompt, system string, images []Image) (*Completion, error) {
	model := cfg.Model
	if model == "" {
		model = claudeDefaultModel
	}

	content := make([]claudeContentBlock, 0, len(images)+1)
	for _, img := range images {
		content = append(content, claudeContentBlock{
			Type: "image",
			Source: &claudeImageSource{
				Type:      "base64",
				MediaType: img.MediaType,
				Data:      base64.StdEncoding.EncodeToString(img.Data),
			},
		})
	}
	content = append(content, claudeContentBlock{Type: "text", Text: prompt})

	reqBody := &claudeRequest{
		Model:     model,
		MaxTokens: 8192,
		System:    system,
		Messages:  []claudeMessage{{Role: "user", Content: content}},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &ProviderError{Kind: KindClaude, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := c.baseURL
	if cfg.BaseURL != "" {
		url = cfg.BaseURL
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Kind: KindClaude, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", cfg.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Kind: KindClaude, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Kind: KindClaude, Message: err.Error()}
	}

	var parsed claudeResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &ProviderError{Kind: KindClaude, Status: resp.StatusCode, Message: "unparseable response body"}
	}
	if resp.StatusCode != http.StatusOK {
		msg := string(respBody)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, &ProviderError{Kind: KindClaude, Status: resp.StatusCode, Message: msg}
	}

	text := ""
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &Completion{
		Text: text,
		Usage: Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
			CostUSD:      c.prices.Cost(model, parsed.Usage.InputTokens, parsed.Usage.OutputTokens),
			Provider:     KindClaude,
			Model:        model,
		},
	}, nil
}
