package chunker

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbot-rag/internal/model"
	"chatbot-rag/pkg/apperr"
)

// numberedWords 生成 n 个互不相同、长度均为 5 的词。
func numberedWords(n int) []string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("w%04d", i)
	}
	return words
}

func TestChunk_ShortDocumentSingleChunk(t *testing.T) {
	words := numberedWords(50)
	content := strings.Join(words, " ")

	chunks := Chunk(content, 1000, 200)
	require.Len(t, chunks, 1)
	assert.Equal(t, content, chunks[0].Content)
	assert.Equal(t, "chunk_0", chunks[0].ID)
	assert.Equal(t, 0, chunks[0].Metadata.ChunkIndex)
	assert.Equal(t, 1, chunks[0].Metadata.TotalChunks)
	assert.Len(t, strings.Fields(chunks[0].Content), 50)
}

func TestChunk_EmptyContent(t *testing.T) {
	assert.Empty(t, Chunk("", 1000, 200))
	assert.Empty(t, Chunk(" \n\t ", 1000, 200))
}

func TestChunk_FiveThousandCharacters(t *testing.T) {
	words := numberedWords(834)
	content := strings.Join(words, " ")
	require.InDelta(t, 5000, len(content), 10)

	chunks := Chunk(content, 1000, 200)
	assert.GreaterOrEqual(t, len(chunks), 5)
	assert.LessOrEqual(t, len(chunks), 6)

	for i, c := range chunks {
		assert.LessOrEqual(t, len(c.Content), 1000, "chunk %d", i)
		assert.Equal(t, i, c.Metadata.ChunkIndex)
		assert.Equal(t, len(chunks), c.Metadata.TotalChunks)
		assert.Equal(t, fmt.Sprintf("chunk_%d", i), c.ID)
	}
}

func TestChunk_OverlapIsTailOfPreviousChunk(t *testing.T) {
	content := strings.Join(numberedWords(834), " ")
	chunks := Chunk(content, 1000, 200)
	require.Greater(t, len(chunks), 1)

	for i := 0; i+1 < len(chunks); i++ {
		prev := strings.Fields(chunks[i].Content)
		next := strings.Fields(chunks[i+1].Content)
		assert.Equal(t, prev[len(prev)-20:], next[:20], "boundary %d", i)
		assert.NotContains(t, prev, next[20], "boundary %d repeats more than 20 words", i)
	}
}

func TestChunk_CoversEveryWordInOrder(t *testing.T) {
	words := numberedWords(1200)
	chunks := Chunk(strings.Join(words, " "), 300, 50)

	var rebuilt []string
	seen := map[string]bool{}
	for _, c := range chunks {
		for _, w := range strings.Fields(c.Content) {
			if !seen[w] {
				seen[w] = true
				rebuilt = append(rebuilt, w)
			}
		}
	}
	assert.Equal(t, words, rebuilt)
}

func TestChunk_Deterministic(t *testing.T) {
	content := "The quick brown fox jumps over the lazy dog.\n\n" + strings.Repeat("Lorem ipsum dolor sit amet. ", 200)
	first := Chunk(content, 250, 60)
	second := Chunk(content, 250, 60)
	assert.Equal(t, first, second)
}

func TestChunk_LongWordIsNeverSplit(t *testing.T) {
	long := strings.Repeat("x", 40)
	chunks := Chunk("a "+long+" b", 10, 200)

	require.Len(t, chunks, 3)
	assert.Equal(t, "a", chunks[0].Content)
	assert.Equal(t, long, chunks[1].Content)
	assert.Equal(t, "b", chunks[2].Content)
}

func TestChunk_LargeOverlapStillProgresses(t *testing.T) {
	words := numberedWords(30)
	// 重叠词数 100 远大于每块能容纳的词数
	chunks := Chunk(strings.Join(words, " "), 20, 1000)

	require.NotEmpty(t, chunks)
	assert.Less(t, len(chunks), len(words)*2)
	last := strings.Fields(chunks[len(chunks)-1].Content)
	assert.Equal(t, "w0029", last[len(last)-1])
	for i, c := range chunks {
		assert.LessOrEqual(t, len(c.Content), 20, "chunk %d", i)
	}
}

func TestChunk_Defaults(t *testing.T) {
	content := strings.Join(numberedWords(834), " ")
	assert.Equal(t, Chunk(content, DefaultChunkSize, DefaultOverlap), Chunk(content, 0, -1))
}

func TestChunk_RuneOffsets(t *testing.T) {
	content := "  héllo wörld\n\nnext línea "
	chunks := Chunk(content, 13, 0)
	runes := []rune(content)

	require.Len(t, chunks, 2)
	for _, c := range chunks {
		span := string(runes[c.StartIndex:c.EndIndex])
		assert.Equal(t, strings.Fields(c.Content), strings.Fields(span))
	}
	assert.Equal(t, 2, chunks[0].StartIndex)
}

func TestTagForIndex(t *testing.T) {
	chunks := Chunk(strings.Join(numberedWords(400), " "), 500, 100)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tagged, err := TagForIndex(chunks, TagInfo{
		DocumentID:      "doc-1",
		KnowledgeBaseID: "kb-1",
		TenantID:        "tenant-a",
		DocumentType:    model.DocumentTypeMarkdown,
		DocumentTitle:   "Handbook",
		CreatedAt:       created,
	})
	require.NoError(t, err)
	require.Len(t, tagged, len(chunks))

	for i, c := range tagged {
		assert.Equal(t, fmt.Sprintf("doc-1_chunk_%d", i), c.ID)
		assert.Equal(t, "doc-1", c.Metadata.DocumentID)
		assert.Equal(t, "kb-1", c.Metadata.KnowledgeBaseID)
		assert.Equal(t, "tenant-a", c.Metadata.TenantID)
		assert.Equal(t, "MARKDOWN", c.Metadata.DocumentType)
		assert.Equal(t, "Handbook", c.Metadata.DocumentTitle)
		assert.Equal(t, created, c.Metadata.CreatedAt)
		assert.Equal(t, chunks[i].Content, c.Content)
		assert.Equal(t, len(chunks), c.Metadata.TotalChunks)
	}

	// 原切片保持不变
	assert.Equal(t, "chunk_0", chunks[0].ID)
	assert.Empty(t, chunks[0].Metadata.TenantID)
}

func TestTagForIndex_RequiresIdentifiers(t *testing.T) {
	chunks := Chunk("some words here", 100, 0)

	cases := map[string]TagInfo{
		"documentId":      {KnowledgeBaseID: "kb", TenantID: "t"},
		"knowledgeBaseId": {DocumentID: "d", TenantID: "t"},
		"tenantId":        {DocumentID: "d", KnowledgeBaseID: "kb"},
	}
	for field, info := range cases {
		_, err := TagForIndex(chunks, info)
		var vErr *apperr.ValidationError
		require.True(t, errors.As(err, &vErr), field)
		assert.Equal(t, field, vErr.Field)
	}
}

func TestChunk_SeedTrimmedToFitNextWord(t *testing.T) {
	long := strings.Repeat("x", 40)
	content := strings.Repeat("abcd ", 10) + long + " tail"

	// overlap 50 → 5 个种子词；但 5 个种子词加上 40 字符的长词会超过 60，于是从头部丢弃一个
	chunks := Chunk(content, 60, 50)
	require.Len(t, chunks, 3)
	assert.Equal(t, strings.TrimSpace(strings.Repeat("abcd ", 10)), chunks[0].Content)
	assert.Equal(t, "abcd abcd abcd abcd "+long, chunks[1].Content)
	assert.Equal(t, "abcd abcd abcd "+long+" tail", chunks[2].Content)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Content), 60)
	}
}
