package model

import (
	"fmt"
	"strconv"
	"time"
)

// Chunk 是文档文本的一个有界窗口，是向量化和检索的基本单元。
type Chunk struct {
	ID         string        `json:"id"`
	Content    string        `json:"content"`
	StartIndex int           `json:"startIndex"`
	EndIndex   int           `json:"endIndex"`
	Metadata   ChunkMetadata `json:"metadata"`
}

// ChunkMetadata 是写入向量索引的元数据结构，字段名在读写两端必须保持稳定。
type ChunkMetadata struct {
	ChunkIndex      int       `json:"chunkIndex"`
	TotalChunks     int       `json:"totalChunks"`
	DocumentID      string    `json:"documentId"`
	KnowledgeBaseID string    `json:"knowledgeBaseId"`
	TenantID        string    `json:"tenantId"`
	DocumentType    string    `json:"documentType"`
	DocumentTitle   string    `json:"documentTitle"`
	CreatedAt       time.Time `json:"createdAt"`
}

// 向量索引中的元数据键。
const (
	FieldChunkIndex      = "chunkIndex"
	FieldTotalChunks     = "totalChunks"
	FieldDocumentID      = "documentId"
	FieldKnowledgeBaseID = "knowledgeBaseId"
	FieldTenantID        = "tenantId"
	FieldDocumentType    = "documentType"
	FieldDocumentTitle   = "documentTitle"
	FieldCreatedAt       = "createdAt"
	FieldContent         = "content"
)

// ToFields 将元数据展开为向量索引可过滤的扁平字段。
func (m ChunkMetadata) ToFields() map[string]interface{} {
	return map[string]interface{}{
		FieldChunkIndex:      m.ChunkIndex,
		FieldTotalChunks:     m.TotalChunks,
		FieldDocumentID:      m.DocumentID,
		FieldKnowledgeBaseID: m.KnowledgeBaseID,
		FieldTenantID:        m.TenantID,
		FieldDocumentType:    m.DocumentType,
		FieldDocumentTitle:   m.DocumentTitle,
		FieldCreatedAt:       m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// ChunkMetadataFromFields 从索引返回的扁平字段还原元数据。
// 数值可能以 int、float64 或字符串形式出现（取决于后端的 JSON 解码方式）。
func ChunkMetadataFromFields(fields map[string]interface{}) ChunkMetadata {
	m := ChunkMetadata{
		ChunkIndex:      toInt(fields[FieldChunkIndex]),
		TotalChunks:     toInt(fields[FieldTotalChunks]),
		DocumentID:      toString(fields[FieldDocumentID]),
		KnowledgeBaseID: toString(fields[FieldKnowledgeBaseID]),
		TenantID:        toString(fields[FieldTenantID]),
		DocumentType:    toString(fields[FieldDocumentType]),
		DocumentTitle:   toString(fields[FieldDocumentTitle]),
	}
	switch v := fields[FieldCreatedAt].(type) {
	case time.Time:
		m.CreatedAt = v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			m.CreatedAt = t
		}
	}
	return m
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	case float32:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

// EmbeddingVector 与 Chunk 一一对应，随 Chunk 一起删除。
type EmbeddingVector struct {
	ChunkID    string    `json:"chunkId"`
	Values     []float32 `json:"values"`
	TokensUsed int       `json:"tokensUsed"`
}

// SearchResult 是一次相似度查询的单条结果，不做持久化。
type SearchResult struct {
	ID       string        `json:"id"`
	Score    float64       `json:"score"`
	Content  string        `json:"content"`
	Metadata ChunkMetadata `json:"metadata"`
}

// DocumentChunk 对应于数据库中的 document_chunks 表，保存已入索引分块的文本副本。
type DocumentChunk struct {
	ID              uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	ChunkID         string    `gorm:"type:varchar(128);not null;uniqueIndex" json:"chunkId"`
	DocumentID      string    `gorm:"type:varchar(36);not null;index" json:"documentId"`
	KnowledgeBaseID string    `gorm:"type:varchar(64);not null;index" json:"knowledgeBaseId"`
	TenantID        string    `gorm:"type:varchar(64);not null;index" json:"tenantId"`
	ChunkIndex      int       `gorm:"not null" json:"chunkIndex"`
	TextContent     string    `gorm:"type:text" json:"textContent"`
	StartIndex      int       `json:"startIndex"`
	EndIndex        int       `json:"endIndex"`
	TokensUsed      int       `json:"tokensUsed"`
	ModelVersion    string    `gorm:"type:varchar(64)" json:"modelVersion"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (DocumentChunk) TableName() string {
	return "document_chunks"
}
