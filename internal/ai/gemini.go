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

const geminiDefaultModel = "gemini-2.5-flash"

// GeminiClient implements the Google generative language API.
type GeminiClient struct {
	baseURL    string
	httpClient *http.Client
	prices     *pricing.Table
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewGeminiClient creates a Gemini API client.
func NewGeminiClient(prices *pricing.Table) *GeminiClient {
	return &GeminiClient{
		baseURL: "https://generativelanguage.googleapis.com/v1beta/models",
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		prices: prices,
	}
}

func (c *GeminiClient) invoke(ctx context.Context, cfg Config, prompt, system string, images []Image) (*Completion, error) {
	model := cfg.Model
	if model == "" {
		model = geminiDefaultModel
	}

	parts := make([]geminiPart, 0, len(images)+1)
	for _, img := range images {
		parts = append(parts, geminiPart{
			InlineData: &geminiInlineData{
				MimeType: img.MediaType,
				Data:     base64.StdEncoding.EncodeToString(img.Data),
			},
		})
	}
	parts = append(parts, geminiPart{Text: prompt})

	reqBody := &geminiRequest{Contents: []geminiContent{{Parts: parts}}}
	if system != "" {
		reqBody.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &ProviderError{Kind: KindGemini, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := fmt.Sprintf("%s/%s:generateContent?key=%s", c.baseURL, model, cfg.APIKey)
	if cfg.BaseURL != "" {
		url = cfg.BaseURL
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Kind: KindGemini, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Kind: KindGemini, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Kind: KindGemini, Message: err.Error()}
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &ProviderError{Kind: KindGemini, Status: resp.StatusCode, Message: "unparseable response body"}
	}
	if resp.StatusCode != http.StatusOK {
		msg := string(respBody)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, &ProviderError{Kind: KindGemini, Status: resp.StatusCode, Message: msg}
	}
	if len(parsed.Candidates) == 0 {
		return nil, &ProviderError{Kind: KindGemini, Message: "no candidates in response"}
	}

	text := ""
	for _, part := range parsed.Candidates[0].Content.Parts {
		text += part.Text
	}

	in := parsed.UsageMetadata.PromptTokenCount
	out := parsed.UsageMetadata.CandidatesTokenCount
	return &Completion{
		Text: text,
		Usage: Usage{
			InputTokens:  in,
			OutputTokens: out,
			CostUSD:      c.prices.Cost(model, in, out),
			Provider:     KindGemini,
			Model:        model,
		},
	}, nil
}
