package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkMetadata_FieldsSurviveJSONDecoding(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	meta := ChunkMetadata{
		ChunkIndex:      3,
		TotalChunks:     7,
		DocumentID:      "doc-1",
		KnowledgeBaseID: "kb-1",
		TenantID:        "tenant-a",
		DocumentType:    string(DocumentTypeMarkdown),
		DocumentTitle:   "Refund policy",
		CreatedAt:       created,
	}

	raw, err := json.Marshal(meta.ToFields())
	require.NoError(t, err)

	// 后端返回的 JSON 数值会被解码为 float64
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))

	got := ChunkMetadataFromFields(decoded)
	assert.Equal(t, meta.ChunkIndex, got.ChunkIndex)
	assert.Equal(t, meta.TotalChunks, got.TotalChunks)
	assert.Equal(t, meta.TenantID, got.TenantID)
	assert.Equal(t, meta.KnowledgeBaseID, got.KnowledgeBaseID)
	assert.True(t, created.Equal(got.CreatedAt))
}

func TestChunkMetadataFromFields_MissingKeys(t *testing.T) {
	got := ChunkMetadataFromFields(map[string]interface{}{FieldTenantID: "t"})
	assert.Equal(t, "t", got.TenantID)
	assert.Zero(t, got.ChunkIndex)
	assert.True(t, got.CreatedAt.IsZero())
}

func TestTitleFromFileName(t *testing.T) {
	assert.Equal(t, "refund policy v2", TitleFromFileName("uploads/refund_policy-v2.md"))
	assert.Equal(t, "notes", TitleFromFileName("notes"))
	assert.Equal(t, "", TitleFromFileName(""))
}
