package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chatbot-rag/internal/config"
	"chatbot-rag/internal/model"
	"chatbot-rag/pkg/apperr"
	"chatbot-rag/pkg/log"
	"chatbot-rag/pkg/vectorindex"
)

const (
	// DefaultTopK 是未指定 topK 时返回的结果数。
	DefaultTopK = 5
	// upsertBatchSize 和 deleteBatchSize 是单次写入/删除索引的最大条数。
	upsertBatchSize = 100
	deleteBatchSize = 100
	// listLimit 是“按条件列出 ID”时使用的 topK。
	listLimit = 10000

	indexServiceName = "vector_index"
)

// SimilarityIndex 定义了分块向量的写入、检索与删除操作。所有读写都按租户和知识库隔离。
type SimilarityIndex interface {
	StoreDocumentChunks(ctx context.Context, chunks []model.Chunk, vectors []model.EmbeddingVector) error
	SearchSimilarChunks(ctx context.Context, vector []float32, knowledgeBaseID, tenantID string, topK int, extra vectorindex.Filter) ([]model.SearchResult, error)
	DeleteDocumentChunks(ctx context.Context, tenantID, documentID string) (int, error)
	DeleteKnowledgeBaseChunks(ctx context.Context, tenantID, knowledgeBaseID string) (int, error)
}

type similarityIndex struct {
	client            vectorindex.Client
	spec              vectorindex.IndexSpec
	maxReadyAttempts  int
	readyPollInterval time.Duration
	timeout           time.Duration

	mu    sync.Mutex
	ready bool
}

// NewSimilarityIndex 创建一个新的 SimilarityIndex 实例。索引在第一次使用时才初始化。
func NewSimilarityIndex(client vectorindex.Client, cfg config.VectorStoreConfig) SimilarityIndex {
	attempts := cfg.MaxReadyAttempts
	if attempts <= 0 {
		attempts = 30
	}
	poll := cfg.ReadyPollInterval
	if poll <= 0 {
		poll = time.Second
	}
	metric := cfg.Metric
	if metric == "" {
		metric = "cosine"
	}
	return &similarityIndex{
		client: client,
		spec: vectorindex.IndexSpec{
			Name:       cfg.IndexName,
			Dimensions: cfg.Dimensions,
			Metric:     metric,
		},
		maxReadyAttempts:  attempts,
		readyPollInterval: poll,
		timeout:           cfg.Timeout,
	}
}

// ensureReady 创建索引并轮询直到可用。失败不会被缓存，下一次调用会重新尝试。
func (s *similarityIndex) ensureReady(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}

	if err := s.withTimeout(ctx, func(ctx context.Context) error {
		return s.client.EnsureIndex(ctx, s.spec)
	}); err != nil {
		log.Errorf("[SimilarityIndex] 创建索引失败, index: %s, error: %v", s.spec.Name, err)
		return apperr.External(indexServiceName, "ensure_index", err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxReadyAttempts; attempt++ {
		var ok bool
		lastErr = s.withTimeout(ctx, func(ctx context.Context) error {
			var err error
			ok, err = s.client.Ready(ctx)
			return err
		})
		if lastErr == nil && ok {
			s.ready = true
			log.Infof("[SimilarityIndex] 索引已就绪, index: %s, attempts: %d", s.spec.Name, attempt)
			return nil
		}
		if attempt == s.maxReadyAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return apperr.External(indexServiceName, "ready", ctx.Err())
		case <-time.After(s.readyPollInterval):
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("index %q not ready after %d attempts", s.spec.Name, s.maxReadyAttempts)
	}
	log.Errorf("[SimilarityIndex] 等待索引就绪失败, index: %s, error: %v", s.spec.Name, lastErr)
	return apperr.External(indexServiceName, "ready", lastErr)
}

func (s *similarityIndex) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return fn(ctx)
}

// StoreDocumentChunks 将分块与向量按相同顺序写入索引，每批最多 100 条。
func (s *similarityIndex) StoreDocumentChunks(ctx context.Context, chunks []model.Chunk, vectors []model.EmbeddingVector) error {
	if len(chunks) != len(vectors) {
		return &apperr.ValidationError{
			Field:   "vectors",
			Message: fmt.Sprintf("got %d vectors for %d chunks", len(vectors), len(chunks)),
		}
	}
	if len(chunks) == 0 {
		return nil
	}

	records := make([]vectorindex.Record, len(chunks))
	for i, c := range chunks {
		if vectors[i].ChunkID != "" && vectors[i].ChunkID != c.ID {
			return &apperr.ValidationError{
				Field:   "vectors",
				Message: fmt.Sprintf("vector %d belongs to %s, not %s", i, vectors[i].ChunkID, c.ID),
			}
		}
		if c.Metadata.TenantID == "" || c.Metadata.KnowledgeBaseID == "" {
			return &apperr.ValidationError{Field: "chunks", Message: fmt.Sprintf("chunk %s is not tagged", c.ID)}
		}
		fields := c.Metadata.ToFields()
		fields[model.FieldContent] = c.Content
		records[i] = vectorindex.Record{ID: c.ID, Vector: vectors[i].Values, Fields: fields}
	}

	if err := s.ensureReady(ctx); err != nil {
		return err
	}

	for start := 0; start < len(records); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(records) {
			end = len(records)
		}
		if err := s.withTimeout(ctx, func(ctx context.Context) error {
			return s.client.Upsert(ctx, records[start:end])
		}); err != nil {
			log.Errorf("[SimilarityIndex] 写入向量失败, batch: [%d, %d), error: %v", start, end, err)
			return apperr.External(indexServiceName, "upsert", err)
		}
	}
	log.Infof("[SimilarityIndex] 写入向量完成, count: %d, documentId: %s", len(records), chunks[0].Metadata.DocumentID)
	return nil
}

// tenancyFilter 是每次查询都必须带上的隔离条件。
func tenancyFilter(tenantID, knowledgeBaseID string) vectorindex.Filter {
	return vectorindex.Filter{
		model.FieldTenantID:        tenantID,
		model.FieldKnowledgeBaseID: knowledgeBaseID,
	}
}

// SearchSimilarChunks 在指定租户和知识库内检索最相似的分块。
// 调用方的 extra 条件以 AND 方式合并，但不能覆盖租户和知识库条件。
func (s *similarityIndex) SearchSimilarChunks(ctx context.Context, vector []float32, knowledgeBaseID, tenantID string, topK int, extra vectorindex.Filter) ([]model.SearchResult, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, apperr.Required("tenantId")
	}
	if strings.TrimSpace(knowledgeBaseID) == "" {
		return nil, apperr.Required("knowledgeBaseId")
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}

	filter := vectorindex.Merge(extra, tenancyFilter(tenantID, knowledgeBaseID))
	var matches []vectorindex.Match
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		matches, err = s.client.Query(ctx, vectorindex.Query{Vector: vector, TopK: topK, Filter: filter})
		return err
	})
	if err != nil {
		log.Errorf("[SimilarityIndex] 相似度检索失败, kb: %s, error: %v", knowledgeBaseID, err)
		return nil, apperr.External(indexServiceName, "query", err)
	}

	results := make([]model.SearchResult, 0, len(matches))
	for _, m := range matches {
		meta := model.ChunkMetadataFromFields(m.Fields)
		// 后端过滤失效时也不能把其他租户的数据返回出去
		if meta.TenantID != tenantID || meta.KnowledgeBaseID != knowledgeBaseID {
			log.Warnf("[SimilarityIndex] 丢弃不属于当前租户的检索结果, id: %s", m.ID)
			continue
		}
		content, _ := m.Fields[model.FieldContent].(string)
		results = append(results, model.SearchResult{ID: m.ID, Score: m.Score, Content: content, Metadata: meta})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	log.Debugf("[SimilarityIndex] 检索完成, kb: %s, topK: %d, hits: %d", knowledgeBaseID, topK, len(results))
	return results, nil
}

// DeleteDocumentChunks 删除一个文档的全部分块向量。
func (s *similarityIndex) DeleteDocumentChunks(ctx context.Context, tenantID, documentID string) (int, error) {
	if strings.TrimSpace(tenantID) == "" {
		return 0, apperr.Required("tenantId")
	}
	if strings.TrimSpace(documentID) == "" {
		return 0, apperr.Required("documentId")
	}
	return s.deleteWhere(ctx, vectorindex.Filter{
		model.FieldTenantID:   tenantID,
		model.FieldDocumentID: documentID,
	})
}

// DeleteKnowledgeBaseChunks 删除一个知识库下全部文档的分块向量。
func (s *similarityIndex) DeleteKnowledgeBaseChunks(ctx context.Context, tenantID, knowledgeBaseID string) (int, error) {
	if strings.TrimSpace(tenantID) == "" {
		return 0, apperr.Required("tenantId")
	}
	if strings.TrimSpace(knowledgeBaseID) == "" {
		return 0, apperr.Required("knowledgeBaseId")
	}
	return s.deleteWhere(ctx, tenancyFilter(tenantID, knowledgeBaseID))
}

// deleteWhere 优先使用后端原生的按条件删除；不支持时先用占位向量列出匹配的 ID，再按 ID 分批删除。
// 列出与删除之间并发写入的记录可能漏删。
func (s *similarityIndex) deleteWhere(ctx context.Context, filter vectorindex.Filter) (int, error) {
	if err := s.ensureReady(ctx); err != nil {
		return 0, err
	}

	if fd, ok := s.client.(vectorindex.FilterDeleter); ok {
		var n int
		err := s.withTimeout(ctx, func(ctx context.Context) error {
			var err error
			n, err = fd.DeleteByFilter(ctx, filter)
			return err
		})
		if err != nil {
			return 0, apperr.External(indexServiceName, "delete_by_filter", err)
		}
		log.Infof("[SimilarityIndex] 按条件删除向量完成, filter: %v, deleted: %d", filter, n)
		return n, nil
	}

	total := 0
	for {
		var matches []vectorindex.Match
		err := s.withTimeout(ctx, func(ctx context.Context) error {
			var err error
			matches, err = s.client.Query(ctx, vectorindex.Query{Vector: s.placeholderVector(), TopK: listLimit, Filter: filter})
			return err
		})
		if err != nil {
			return total, apperr.External(indexServiceName, "list", err)
		}
		if len(matches) == 0 {
			break
		}

		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		for start := 0; start < len(ids); start += deleteBatchSize {
			end := start + deleteBatchSize
			if end > len(ids) {
				end = len(ids)
			}
			if err := s.withTimeout(ctx, func(ctx context.Context) error {
				return s.client.DeleteMany(ctx, ids[start:end])
			}); err != nil {
				return total, apperr.External(indexServiceName, "delete", err)
			}
			total += end - start
		}
		if len(matches) < listLimit {
			break
		}
	}
	log.Infof("[SimilarityIndex] 列出并删除向量完成, filter: %v, deleted: %d", filter, total)
	return total, nil
}

// placeholderVector 返回一个单位向量。余弦度量不接受零向量，所以不能用全零。
func (s *similarityIndex) placeholderVector() []float32 {
	dims := s.spec.Dimensions
	if dims <= 0 {
		dims = 1
	}
	v := make([]float32, dims)
	v[0] = 1
	return v
}

// BuildContext 把检索结果拼成提示词上下文，每条以来源文档标题开头。
// 追加下一条会超过 maxContextLength 个字符时停止，排名靠后的分块整体丢弃，不会被截断。
func BuildContext(results []model.SearchResult, maxContextLength int) string {
	var sb strings.Builder
	for _, r := range fitContext(results, maxContextLength) {
		sb.WriteString(contextEntry(r))
	}
	return sb.String()
}

// UsedSources 返回 BuildContext 实际采用的结果对应的来源列表。
func UsedSources(results []model.SearchResult, maxContextLength int) []model.Source {
	used := fitContext(results, maxContextLength)
	sources := make([]model.Source, 0, len(used))
	for _, r := range used {
		sources = append(sources, model.Source{
			DocumentID:    r.Metadata.DocumentID,
			DocumentTitle: sourceTitle(r.Metadata),
			ChunkIndex:    r.Metadata.ChunkIndex,
			Score:         r.Score,
		})
	}
	return sources
}

// fitContext 返回字符预算内能完整放下的前缀。maxContextLength <= 0 表示不限制。
func fitContext(results []model.SearchResult, maxContextLength int) []model.SearchResult {
	length := 0
	for i, r := range results {
		n := utf8.RuneCountInString(contextEntry(r))
		if maxContextLength > 0 && length+n > maxContextLength {
			return results[:i]
		}
		length += n
	}
	return results
}

func contextEntry(r model.SearchResult) string {
	return fmt.Sprintf("[Source: %s]\n%s\n\n", sourceTitle(r.Metadata), r.Content)
}

func sourceTitle(meta model.ChunkMetadata) string {
	switch {
	case meta.DocumentTitle != "":
		return meta.DocumentTitle
	case meta.DocumentID != "":
		return meta.DocumentID
	default:
		return "Unknown"
	}
}
