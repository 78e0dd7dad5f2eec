// Package embedding provides a client for interacting with embedding models.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"chatbot-rag/internal/config"
	"chatbot-rag/pkg/log"
)

// Client 是向量模型厂商接口。返回的向量顺序与 texts 一致，tokens 为本次请求的计费用量。
type Client interface {
	CreateEmbeddings(ctx context.Context, model string, texts []string) (vectors [][]float32, tokens int, err error)
}

type openAICompatibleClient struct {
	baseURL    string
	apiKey     string
	dimensions int
	client     *http.Client
}

// NewClient creates a new OpenAI-compatible embedding client.
func NewClient(cfg config.EmbeddingConfig) Client {
	return &openAICompatibleClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		dimensions: cfg.Dimensions,
		client:     &http.Client{},
	}
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// CreateEmbeddings calls the /embeddings endpoint with a batch of inputs.
func (c *openAICompatibleClient) CreateEmbeddings(ctx context.Context, model string, texts []string) ([][]float32, int, error) {
	log.Debugf("[EmbeddingClient] 开始调用 Embedding API, model: %s, inputs: %d", model, len(texts))
	reqBody := embeddingRequest{
		Model:      model,
		Input:      texts,
		Dimensions: c.dimensions,
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		log.Errorf("[EmbeddingClient] 调用 Embedding API 失败, error: %v", err)
		return nil, 0, fmt.Errorf("failed to call embedding api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Errorf("[EmbeddingClient] Embedding API 返回非 200 状态码: %s, body: %s", resp.Status, string(body))
		return nil, 0, fmt.Errorf("embedding api returned non-200 status: %s", resp.Status)
	}

	var embeddingResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embeddingResp); err != nil {
		log.Errorf("[EmbeddingClient] 解析 Embedding API 响应失败, error: %v", err)
		return nil, 0, fmt.Errorf("failed to decode embedding response: %w", err)
	}

	if len(embeddingResp.Data) != len(texts) {
		return nil, 0, fmt.Errorf("embedding api returned %d vectors for %d inputs", len(embeddingResp.Data), len(texts))
	}

	// 厂商不保证 data 的顺序，按 index 放回原位
	vectors := make([][]float32, len(texts))
	for _, d := range embeddingResp.Data {
		if d.Index < 0 || d.Index >= len(texts) || vectors[d.Index] != nil {
			return nil, 0, fmt.Errorf("embedding api returned invalid index %d", d.Index)
		}
		if len(d.Embedding) == 0 {
			return nil, 0, fmt.Errorf("received empty embedding for input %d", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}

	tokens := embeddingResp.Usage.TotalTokens
	if tokens == 0 {
		tokens = embeddingResp.Usage.PromptTokens
	}
	log.Debugf("[EmbeddingClient] 成功获取向量, 数量: %d, tokens: %d", len(vectors), tokens)
	return vectors, tokens, nil
}
