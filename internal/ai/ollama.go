package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const ollamaDefaultModel = "llama3.2"

// OllamaClient implements the local Ollama generate API. Local models are
// free; usage is reported with zero cost.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
}

type ollamaRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	System string   `json:"system,omitempty"`
	Images []string `json:"images,omitempty"`
	Stream bool     `json:"stream"`
}

type ollamaResponse struct {
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error,omitempty"`
}

// NewOllamaClient creates a client for a local Ollama instance. The host
// defaults to localhost and can be overridden with OLLAMA_HOST.
func NewOllamaClient() *OllamaClient {
	host := os.Getenv("OLLAMA_HOST")
	if host == "" {
		host = "http://localhost:11434"
	}
	return &OllamaClient{
		baseURL: host + "/api/generate",
		httpClient: &http.Client{
			Timeout: 300 * time.Second, // local models are slow
		},
	}
}

func (c *OllamaClient) invoke(ctx context.Context, cfg Config, prompt, system string, images []Image) (*Completion, error) {
	model := cfg.Model
	if model == "" {
		model = ollamaDefaultModel
	}

	var encoded []string
	for _, img := range images {
		encoded = append(encoded, base64.StdEncoding.EncodeToString(img.Data))
	}

	body, err := json.Marshal(&ollamaRequest{
		Model:  model,
		Prompt: prompt,
		System: system,
		Images: encoded,
		Stream: false,
	})
	if err != nil {
		return nil, &ProviderError{Kind: KindOllama, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := c.baseURL
	if cfg.BaseURL != "" {
		url = cfg.BaseURL
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Kind: KindOllama, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Kind: KindOllama, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Kind: KindOllama, Message: err.Error()}
	}

	var parsed ollamaResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &ProviderError{Kind: KindOllama, Status: resp.StatusCode, Message: "unparseable response body"}
	}
	if resp.StatusCode != http.StatusOK || parsed.Error != "" {
		msg := parsed.Error
		if msg == "" {
			msg = string(respBody)
		}
		return nil, &ProviderError{Kind: KindOllama, Status: resp.StatusCode, Message: msg}
	}

	return &Completion{
		Text: parsed.Response,
		Usage: Usage{
			InputTokens:  parsed.PromptEvalCount,
			OutputTokens: parsed.EvalCount,
			CostUSD:      0,
			Provider:     KindOllama,
			Model:        model,
		},
	}, nil
}
