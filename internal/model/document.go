// Package model 包含了应用的数据模型定义。
package model

import (
	"path/filepath"
	"strings"
	"time"
)

// DocumentType 是归一化后的文档格式枚举。
type DocumentType string

const (
	DocumentTypeText     DocumentType = "TEXT"
	DocumentTypeHTML     DocumentType = "HTML"
	DocumentTypeMarkdown DocumentType = "MARKDOWN"
	DocumentTypeJSON     DocumentType = "JSON"
	DocumentTypeWordDoc  DocumentType = "WORD_DOC"
	DocumentTypePDF      DocumentType = "PDF"
)

// NormalizedDocument 是上传文件经过解析后的纯文本表示，创建后不再修改。
type NormalizedDocument struct {
	Content  string           `json:"content"`
	Type     DocumentType     `json:"type"`
	Metadata DocumentMetadata `json:"metadata"`
}

// DocumentMetadata 记录归一化文档的基础统计信息。
type DocumentMetadata struct {
	Pages       *int      `json:"pages,omitempty"`
	WordCount   int       `json:"wordCount"`
	CharCount   int       `json:"charCount"`
	ExtractedAt time.Time `json:"extractedAt"`
	Title       string    `json:"title"`
}

// DocumentStatus 描述文档在摄取流程中的状态。
type DocumentStatus string

const (
	DocumentStatusPending    DocumentStatus = "PENDING"
	DocumentStatusProcessing DocumentStatus = "PROCESSING"
	DocumentStatusIndexed    DocumentStatus = "INDEXED"
	DocumentStatusFailed     DocumentStatus = "FAILED"
)

// Document 对应于数据库中的 documents 表，记录知识库中每个上传文件的元数据和处理结果。
type Document struct {
	ID              string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	TenantID        string         `gorm:"type:varchar(64);not null;index:idx_documents_tenant_kb" json:"tenantId"`
	KnowledgeBaseID string         `gorm:"type:varchar(64);not null;index:idx_documents_tenant_kb" json:"knowledgeBaseId"`
	Title           string         `gorm:"type:varchar(255)" json:"title"`
	FileName        string         `gorm:"type:varchar(255);not null" json:"fileName"`
	ContentType     string         `gorm:"type:varchar(128)" json:"contentType"`
	DocumentType    DocumentType   `gorm:"type:varchar(16)" json:"documentType"`
	Size            int64          `gorm:"not null" json:"size"`
	ObjectKey       string         `gorm:"type:varchar(512);not null" json:"-"`
	Status          DocumentStatus `gorm:"type:varchar(16);not null;default:PENDING" json:"status"`
	WordCount       int            `json:"wordCount"`
	CharCount       int            `json:"charCount"`
	ChunkCount      int            `json:"chunkCount"`
	TokensUsed      int            `json:"tokensUsed"`
	EmbeddingCost   float64        `json:"embeddingCost"`
	ErrorMessage    string         `gorm:"type:text" json:"errorMessage,omitempty"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Document) TableName() string {
	return "documents"
}

// TitleFromFileName 去掉扩展名并把分隔符替换为空格，作为缺省标题。
func TitleFromFileName(fileName string) string {
	base := filepath.Base(fileName)
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.NewReplacer("_", " ", "-", " ").Replace(base)
	return strings.TrimSpace(base)
}
