// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"errors"

	"gorm.io/gorm"

	"chatbot-rag/internal/model"
)

// ErrDocumentNotFound 表示在当前租户和知识库下找不到该文档。
var ErrDocumentNotFound = errors.New("document not found")

// DocumentRepository 定义了对 documents 表的数据操作接口。所有查询都带租户条件。
type DocumentRepository interface {
	Create(doc *model.Document) error
	FindByID(tenantID, knowledgeBaseID, id string) (*model.Document, error)
	FindByKnowledgeBase(tenantID, knowledgeBaseID string) ([]model.Document, error)
	UpdateStatus(id string, status model.DocumentStatus, errMsg string) error
	SaveResult(doc *model.Document) error
	Delete(tenantID, id string) error
	DeleteByKnowledgeBase(tenantID, knowledgeBaseID string) (int64, error)
}

type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

// Create 在数据库中创建一条新的文档记录。
func (r *documentRepository) Create(doc *model.Document) error {
	return r.db.Create(doc).Error
}

// FindByID 根据租户、知识库和文档 ID 查找文档。
func (r *documentRepository) FindByID(tenantID, knowledgeBaseID, id string) (*model.Document, error) {
	var doc model.Document
	err := r.db.Where("id = ? AND tenant_id = ? AND knowledge_base_id = ?", id, tenantID, knowledgeBaseID).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// FindByKnowledgeBase 返回知识库下的全部文档，按创建时间倒序。
func (r *documentRepository) FindByKnowledgeBase(tenantID, knowledgeBaseID string) ([]model.Document, error) {
	var docs []model.Document
	err := r.db.Where("tenant_id = ? AND knowledge_base_id = ?", tenantID, knowledgeBaseID).
		Order("created_at DESC").
		Find(&docs).Error
	return docs, err
}

// UpdateStatus 更新文档的处理状态和错误信息。
func (r *documentRepository) UpdateStatus(id string, status model.DocumentStatus, errMsg string) error {
	return r.db.Model(&model.Document{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":        status,
		"error_message": errMsg,
	}).Error
}

// SaveResult 写回一次处理的统计结果。
func (r *documentRepository) SaveResult(doc *model.Document) error {
	return r.db.Model(&model.Document{}).Where("id = ?", doc.ID).Updates(map[string]interface{}{
		"status":         doc.Status,
		"title":          doc.Title,
		"document_type":  doc.DocumentType,
		"word_count":     doc.WordCount,
		"char_count":     doc.CharCount,
		"chunk_count":    doc.ChunkCount,
		"tokens_used":    doc.TokensUsed,
		"embedding_cost": doc.EmbeddingCost,
		"error_message":  doc.ErrorMessage,
	}).Error
}

// Delete 删除一条文档记录。
func (r *documentRepository) Delete(tenantID, id string) error {
	return r.db.Where("id = ? AND tenant_id = ?", id, tenantID).Delete(&model.Document{}).Error
}

// DeleteByKnowledgeBase 删除知识库下的所有文档记录，返回删除的行数。
func (r *documentRepository) DeleteByKnowledgeBase(tenantID, knowledgeBaseID string) (int64, error) {
	res := r.db.Where("tenant_id = ? AND knowledge_base_id = ?", tenantID, knowledgeBaseID).Delete(&model.Document{})
	return res.RowsAffected, res.Error
}
