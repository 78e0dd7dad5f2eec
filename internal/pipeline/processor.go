// Package pipeline 定义了文档摄取的核心流程。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatbot-rag/internal/config"
	"chatbot-rag/internal/model"
	"chatbot-rag/internal/repository"
	"chatbot-rag/pkg/apperr"
	"chatbot-rag/pkg/chunker"
	"chatbot-rag/pkg/embedding"
	"chatbot-rag/pkg/log"
	"chatbot-rag/pkg/normalizer"
	"chatbot-rag/pkg/tasks"
)

// ObjectReader 读取原始文件内容，*storage.Store 满足该接口。
type ObjectReader interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
}

// ChunkEmbedder 为分块生成向量，*embedding.Generator 满足该接口。
type ChunkEmbedder interface {
	Model() string
	EmbedChunks(ctx context.Context, chunks []model.Chunk) ([]model.EmbeddingVector, *embedding.BatchResult, error)
}

// ChunkIndex 是 Processor 对相似度索引的写入视图。
type ChunkIndex interface {
	StoreDocumentChunks(ctx context.Context, chunks []model.Chunk, vectors []model.EmbeddingVector) error
	DeleteDocumentChunks(ctx context.Context, tenantID, documentID string) (int, error)
}

// Processor 封装了文档处理的所有依赖和逻辑。
type Processor struct {
	normalizer *normalizer.Normalizer
	embedder   ChunkEmbedder
	index      ChunkIndex
	objects    ObjectReader
	docRepo    repository.DocumentRepository
	chunkRepo  repository.DocumentChunkRepository
	chunkCfg   config.ChunkingConfig
	now        func() time.Time
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(
	norm *normalizer.Normalizer,
	embedder ChunkEmbedder,
	index ChunkIndex,
	objects ObjectReader,
	docRepo repository.DocumentRepository,
	chunkRepo repository.DocumentChunkRepository,
	chunkCfg config.ChunkingConfig,
) *Processor {
	return &Processor{
		normalizer: norm,
		embedder:   embedder,
		index:      index,
		objects:    objects,
		docRepo:    docRepo,
		chunkRepo:  chunkRepo,
		chunkCfg:   chunkCfg,
		now:        time.Now,
	}
}

// Process 是文档处理的主函数。失败时文档被标记为 FAILED 并返回原始错误。
func (p *Processor) Process(ctx context.Context, task tasks.DocumentTask) error {
	log.Infof("[Processor] 开始处理文档, DocumentID: %s, FileName: %s, TenantID: %s, KB: %s",
		task.DocumentID, task.FileName, task.TenantID, task.KnowledgeBaseID)

	if err := p.docRepo.UpdateStatus(task.DocumentID, model.DocumentStatusProcessing, ""); err != nil {
		log.Warnf("[Processor] 更新文档状态失败, DocumentID: %s, Error: %v", task.DocumentID, err)
	}

	result, err := p.run(ctx, task)
	if err != nil {
		log.Errorf("[Processor] 文档处理失败, DocumentID: %s, Error: %v", task.DocumentID, err)
		if uErr := p.docRepo.UpdateStatus(task.DocumentID, model.DocumentStatusFailed, err.Error()); uErr != nil {
			log.Errorf("[Processor] 标记文档失败状态出错, DocumentID: %s, Error: %v", task.DocumentID, uErr)
		}
		return err
	}

	if err := p.docRepo.SaveResult(result); err != nil {
		log.Errorf("[Processor] 保存处理结果失败, DocumentID: %s, Error: %v", task.DocumentID, err)
		return fmt.Errorf("保存处理结果失败: %w", err)
	}
	log.Infof("[Processor] 文档处理成功完成, DocumentID: %s, Chunks: %d, Tokens: %d, Cost: %.6f",
		task.DocumentID, result.ChunkCount, result.TokensUsed, result.EmbeddingCost)
	return nil
}

func (p *Processor) run(ctx context.Context, task tasks.DocumentTask) (*model.Document, error) {
	// 1. 从对象存储读取原始文件
	buf, err := p.objects.GetObject(ctx, task.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("读取原始文件失败: %w", err)
	}
	log.Infof("[Processor] 步骤1: 文件读取成功, 大小: %d字节", len(buf))

	// 2. 归一化
	doc, err := p.normalizer.Process(ctx, buf, task.FileName, task.ContentType)
	if err != nil {
		return nil, err
	}
	if doc.Content == "" {
		return nil, &apperr.DocumentProcessingError{
			FileName: task.FileName,
			Stage:    "normalize",
			Cause:    errors.New("document contains no extractable text"),
		}
	}
	log.Infof("[Processor] 步骤2: 文本提取成功, 类型: %s, 字符数: %d", doc.Type, doc.Metadata.CharCount)

	// 3. 切块并打上租户元数据
	chunks := chunker.Chunk(doc.Content, p.chunkCfg.ChunkSize, p.chunkCfg.Overlap)
	tagged, err := chunker.TagForIndex(chunks, chunker.TagInfo{
		DocumentID:      task.DocumentID,
		KnowledgeBaseID: task.KnowledgeBaseID,
		TenantID:        task.TenantID,
		DocumentType:    doc.Type,
		DocumentTitle:   doc.Metadata.Title,
		CreatedAt:       p.now(),
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[Processor] 步骤3: 文本分块完成, 共生成 %d 个分块", len(tagged))

	// 4. 向量化
	vectors, usage, err := p.embedder.EmbedChunks(ctx, tagged)
	if err != nil {
		return nil, err
	}
	log.Infof("[Processor] 步骤4: 向量化完成, Tokens: %d", usage.TotalTokens)

	// 5. 先删后写，清理该文档既有的索引条目与分块记录
	deleted, err := p.index.DeleteDocumentChunks(ctx, task.TenantID, task.DocumentID)
	if err != nil {
		return nil, err
	}
	if err := p.chunkRepo.DeleteByDocumentID(task.TenantID, task.DocumentID); err != nil {
		return nil, fmt.Errorf("清理旧分块记录失败: %w", err)
	}
	if deleted > 0 {
		log.Infof("[Processor] 步骤5: 已清理旧索引条目 %d 条", deleted)
	}

	if err := p.index.StoreDocumentChunks(ctx, tagged, vectors); err != nil {
		return nil, err
	}

	rows := make([]*model.DocumentChunk, 0, len(tagged))
	for i, c := range tagged {
		rows = append(rows, &model.DocumentChunk{
			ChunkID:         c.ID,
			DocumentID:      task.DocumentID,
			KnowledgeBaseID: task.KnowledgeBaseID,
			TenantID:        task.TenantID,
			ChunkIndex:      c.Metadata.ChunkIndex,
			TextContent:     c.Content,
			StartIndex:      c.StartIndex,
			EndIndex:        c.EndIndex,
			TokensUsed:      vectors[i].TokensUsed,
			ModelVersion:    p.embedder.Model(),
		})
	}
	if err := p.chunkRepo.BatchCreate(rows); err != nil {
		return nil, fmt.Errorf("批量保存文本分块失败: %w", err)
	}
	log.Infof("[Processor] 步骤5: 成功写入 %d 个分块", len(rows))

	return &model.Document{
		ID:            task.DocumentID,
		Status:        model.DocumentStatusIndexed,
		Title:         doc.Metadata.Title,
		DocumentType:  doc.Type,
		WordCount:     doc.Metadata.WordCount,
		CharCount:     doc.Metadata.CharCount,
		ChunkCount:    len(tagged),
		TokensUsed:    usage.TotalTokens,
		EmbeddingCost: usage.Cost,
	}, nil
}
