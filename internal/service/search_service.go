package service

import (
	"context"
	"strings"

	"chatbot-rag/internal/config"
	"chatbot-rag/internal/model"
	"chatbot-rag/pkg/apperr"
	"chatbot-rag/pkg/log"
)

// maxSearchTopK 限制单次检索返回的结果数。
const maxSearchTopK = 50

// QueryEmbedder 为查询语句生成向量，*embedding.Generator 满足该接口。
type QueryEmbedder interface {
	EmbedSingle(ctx context.Context, text string) ([]float32, error)
}

// SearchService 接口定义了知识库检索操作。
type SearchService interface {
	Search(ctx context.Context, tenantID, knowledgeBaseID, query string, topK int) ([]model.SearchResult, error)
}

type searchService struct {
	embedder QueryEmbedder
	index    SimilarityIndex
	cfg      config.RetrievalConfig
}

// NewSearchService 创建一个新的 SearchService 实例。
func NewSearchService(embedder QueryEmbedder, index SimilarityIndex, cfg config.RetrievalConfig) SearchService {
	return &searchService{embedder: embedder, index: index, cfg: cfg}
}

// Search 将查询向量化后在租户的知识库内做相似度检索。
func (s *searchService) Search(ctx context.Context, tenantID, knowledgeBaseID, query string, topK int) ([]model.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.Required("query")
	}
	if tenantID == "" {
		return nil, apperr.Required("tenantId")
	}
	if knowledgeBaseID == "" {
		return nil, apperr.Required("knowledgeBaseId")
	}
	if topK <= 0 {
		topK = s.cfg.TopK
	}
	if topK > maxSearchTopK {
		topK = maxSearchTopK
	}
	log.Infof("[SearchService] 开始检索, tenant: %s, kb: %s, topK: %d, query: '%s'", tenantID, knowledgeBaseID, topK, query)

	vector, err := s.embedder.EmbedSingle(ctx, query)
	if err != nil {
		log.Errorf("[SearchService] 向量化查询失败: %v", err)
		return nil, err
	}

	results, err := s.index.SearchSimilarChunks(ctx, vector, knowledgeBaseID, tenantID, topK, nil)
	if err != nil {
		log.Errorf("[SearchService] 相似度检索失败: %v", err)
		return nil, err
	}
	log.Infof("[SearchService] 检索完成, 返回 %d 条结果", len(results))
	return results, nil
}
