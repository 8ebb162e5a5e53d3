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

const openAIDefaultModel = "gpt-4o"

// OpenAIClient implements the OpenAI chat completions API.
type OpenAIClient struct {
	baseURL    string
	httpClient *http.Client
	prices     *pricing.Table
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openAIRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// NewOpenAIClient creates an OpenAI API client.
func NewOpenAIClient(prices *pricing.Table) *OpenAIClient {
	return &OpenAIClient{
		baseURL: "https://api.openai.com/v1/chat/completions",
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		prices: prices,
	}
}

func (c *OpenAIClient) invoke(ctx context.Context, cfg Config, prompt, system string, images []Image) (*Completion, error) {
	model := cfg.Model
	if model == "" {
		model = openAIDefaultModel
	}

	messages := make([]openAIMessage, 0, 2)
	if system != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: system})
	}

	if len(images) > 0 {
		parts := make([]openAIContentPart, 0, len(images)+1)
		for _, img := range images {
			parts = append(parts, openAIContentPart{
				Type: "image_url",
				ImageURL: &openAIImageURL{
					URL: fmt.Sprintf("data:%s;base64,%s", img.MediaType, base64.StdEncoding.EncodeToString(img.Data)),
				},
			})
		}
		parts = append(parts, openAIContentPart{Type: "text", Text: prompt})
		messages = append(messages, openAIMessage{Role: "user", Content: parts})
	} else {
		messages = append(messages, openAIMessage{Role: "user", Content: prompt})
	}

	body, err := json.Marshal(&openAIRequest{Model: model, Messages: messages, MaxTokens: 8192})
	if err != nil {
		return nil, &ProviderError{Kind: KindGPT4, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := c.baseURL
	if cfg.BaseURL != "" {
		url = cfg.BaseURL
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Kind: KindGPT4, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Kind: KindGPT4, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Kind: KindGPT4, Message: err.Error()}
	}

	var parsed openAIResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &ProviderError{Kind: KindGPT4, Status: resp.StatusCode, Message: "unparseable response body"}
	}
	if resp.StatusCode != http.StatusOK {
		msg := string(respBody)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, &ProviderError{Kind: KindGPT4, Status: resp.StatusCode, Message: msg}
	}
	if len(parsed.Choices) == 0 {
		return nil, &ProviderError{Kind: KindGPT4, Message: "no choices in response"}
	}

	return &Completion{
		Text: parsed.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
			CostUSD:      c.prices.Cost(model, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens),
			Provider:     KindGPT4,
			Model:        model,
		},
	}, nil
}
