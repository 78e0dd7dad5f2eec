package repository

import (
	"gorm.io/gorm"

	"chatbot-rag/internal/model"
)

// DocumentChunkRepository 定义了对 document_chunks 表的数据操作接口。
type DocumentChunkRepository interface {
	BatchCreate(chunks []*model.DocumentChunk) error
	FindByDocumentID(tenantID, documentID string) ([]model.DocumentChunk, error)
	DeleteByDocumentID(tenantID, documentID string) error
	DeleteByKnowledgeBase(tenantID, knowledgeBaseID string) error
}

type documentChunkRepository struct {
	db *gorm.DB
}

// NewDocumentChunkRepository 创建一个新的 DocumentChunkRepository 实例。
func NewDocumentChunkRepository(db *gorm.DB) DocumentChunkRepository {
	return &documentChunkRepository{db: db}
}

// BatchCreate 批量创建分块记录。
func (r *documentChunkRepository) BatchCreate(chunks []*model.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return r.db.CreateInBatches(chunks, 100).Error // 每100条记录一批
}

// FindByDocumentID 按分块序号返回文档的全部分块。
func (r *documentChunkRepository) FindByDocumentID(tenantID, documentID string) ([]model.DocumentChunk, error) {
	var chunks []model.DocumentChunk
	err := r.db.Where("tenant_id = ? AND document_id = ?", tenantID, documentID).
		Order("chunk_index ASC").
		Find(&chunks).Error
	return chunks, err
}

// DeleteByDocumentID 删除文档的全部分块记录。
func (r *documentChunkRepository) DeleteByDocumentID(tenantID, documentID string) error {
	return r.db.Where("tenant_id = ? AND document_id = ?", tenantID, documentID).Delete(&model.DocumentChunk{}).Error
}

// DeleteByKnowledgeBase 删除知识库下的全部分块记录。
func (r *documentChunkRepository) DeleteByKnowledgeBase(tenantID, knowledgeBaseID string) error {
	return r.db.Where("tenant_id = ? AND knowledge_base_id = ?", tenantID, knowledgeBaseID).Delete(&model.DocumentChunk{}).Error
}
