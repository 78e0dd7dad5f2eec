package embedding

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"chatbot-rag/internal/config"
	"chatbot-rag/internal/model"
	"chatbot-rag/pkg/apperr"
	"chatbot-rag/pkg/log"
)

const (
	// MaxBatchSize 是厂商单次请求允许的最大输入条数。
	MaxBatchSize = 100
	// DefaultMaxInputTokens 是单条输入的 token 上限。
	DefaultMaxInputTokens = 8000
	// charsPerToken 用于粗略估算 token 数。
	charsPerToken = 4

	serviceName = "embedding"
)

// BatchResult 汇总一次批量向量化的结果，Vectors 与输入一一对应。
type BatchResult struct {
	Vectors     [][]float32
	TotalTokens int
	Cost        float64
}

// Generator 在厂商 Client 之上实现分批、限速、截断与费用统计。
type Generator struct {
	client         Client
	model          string
	dimensions     int
	batchSize      int
	maxInputTokens int
	pricePer1K     float64
	timeout        time.Duration
	limiter        *rate.Limiter
}

// NewGenerator 根据配置创建 Generator。批之间的间隔由 rate.Limiter 保证。
func NewGenerator(client Client, cfg config.EmbeddingConfig) *Generator {
	batchSize := cfg.BatchSize
	if batchSize <= 0 || batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}
	maxTokens := cfg.MaxInputTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxInputTokens
	}
	limit := rate.Inf
	if cfg.BatchDelay > 0 {
		limit = rate.Every(cfg.BatchDelay)
	}
	return &Generator{
		client:         client,
		model:          cfg.Model,
		dimensions:     cfg.Dimensions,
		batchSize:      batchSize,
		maxInputTokens: maxTokens,
		pricePer1K:     cfg.PricePer1K,
		timeout:        cfg.Timeout,
		limiter:        rate.NewLimiter(limit, 1),
	}
}

// Model 返回当前使用的模型名，写入 document_chunks.model_version。
func (g *Generator) Model() string {
	return g.model
}

// EstimateTokens 按 4 个字符一个 token 估算。
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text) / charsPerToken
}

// EmbedBatch 按顺序分批调用厂商接口，任何一批失败都会中止并返回 ExternalServiceError。
func (g *Generator) EmbedBatch(ctx context.Context, texts []string) (*BatchResult, error) {
	result := &BatchResult{Vectors: make([][]float32, 0, len(texts))}
	if len(texts) == 0 {
		return result, nil
	}

	inputs := make([]string, len(texts))
	for i, t := range texts {
		inputs[i] = g.truncate(t)
	}

	total := (len(inputs) + g.batchSize - 1) / g.batchSize
	for b := 0; b < total; b++ {
		start := b * g.batchSize
		end := start + g.batchSize
		if end > len(inputs) {
			end = len(inputs)
		}

		if err := g.limiter.Wait(ctx); err != nil {
			return nil, apperr.External(serviceName, "wait", err)
		}

		vectors, tokens, err := g.call(ctx, inputs[start:end])
		if err != nil {
			log.Errorf("[EmbeddingGenerator] 第 %d/%d 批向量化失败, error: %v", b+1, total, err)
			return nil, err
		}
		result.Vectors = append(result.Vectors, vectors...)
		result.TotalTokens += tokens
		log.Debugf("[EmbeddingGenerator] 第 %d/%d 批完成, size: %d, tokens: %d", b+1, total, end-start, tokens)
	}

	result.Cost = float64(result.TotalTokens) / 1000 * g.pricePer1K
	log.Infof("[EmbeddingGenerator] 批量向量化完成, inputs: %d, batches: %d, tokens: %d, cost: %.6f",
		len(texts), total, result.TotalTokens, result.Cost)
	return result, nil
}

// EmbedChunks 为分块生成向量，并按顺序与分块 ID 对应。
// 每个分块的 TokensUsed 是厂商上报总量按估算 token 数分摊的结果，合计等于 BatchResult.TotalTokens。
func (g *Generator) EmbedChunks(ctx context.Context, chunks []model.Chunk) ([]model.EmbeddingVector, *BatchResult, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	res, err := g.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, nil, err
	}

	weights := make([]int, len(chunks))
	for i, c := range chunks {
		weights[i] = EstimateTokens(c.Content)
	}
	shares := apportion(res.TotalTokens, weights)

	out := make([]model.EmbeddingVector, len(chunks))
	for i, c := range chunks {
		out[i] = model.EmbeddingVector{
			ChunkID:    c.ID,
			Values:     res.Vectors[i],
			TokensUsed: shares[i],
		}
	}
	return out, res, nil
}

// apportion 按权重分配 total，余数逐个补给权重非零的项。权重全为 0 时平均分配。
func apportion(total int, weights []int) []int {
	out := make([]int, len(weights))
	if len(weights) == 0 || total <= 0 {
		return out
	}
	sum := 0
	for _, w := range weights {
		sum += w
	}
	if sum == 0 {
		weights = make([]int, len(out))
		for i := range weights {
			weights[i] = 1
		}
		sum = len(weights)
	}

	assigned := 0
	for i, w := range weights {
		out[i] = total * w / sum
		assigned += out[i]
	}
	for i := 0; assigned < total; i = (i + 1) % len(weights) {
		if weights[i] > 0 {
			out[i]++
			assigned++
		}
	}
	return out
}

// EmbedSingle 为查询语句生成向量，不分批也不限速。
func (g *Generator) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vectors, _, err := g.call(ctx, []string{g.truncate(text)})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (g *Generator) call(ctx context.Context, inputs []string) ([][]float32, int, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	vectors, tokens, err := g.client.CreateEmbeddings(ctx, g.model, inputs)
	if err != nil {
		return nil, 0, apperr.External(serviceName, "create_embeddings", err)
	}
	if len(vectors) != len(inputs) {
		return nil, 0, apperr.External(serviceName, "create_embeddings",
			fmt.Errorf("got %d vectors for %d inputs", len(vectors), len(inputs)))
	}
	if g.dimensions > 0 {
		for i, v := range vectors {
			if len(v) != g.dimensions {
				return nil, 0, apperr.External(serviceName, "create_embeddings",
					fmt.Errorf("vector %d has %d dimensions, want %d", i, len(v), g.dimensions))
			}
		}
	}
	return vectors, tokens, nil
}

// truncate 对超出 token 上限的输入按 rune 边界截断，只记录告警。
func (g *Generator) truncate(text string) string {
	estimate := EstimateTokens(text)
	if estimate <= g.maxInputTokens {
		return text
	}
	limit := g.maxInputTokens * charsPerToken
	runes := []rune(text)
	log.Warnf("[EmbeddingGenerator] 输入超出 token 上限, 已截断, estimated: %d, max: %d", estimate, g.maxInputTokens)
	return string(runes[:limit])
}
