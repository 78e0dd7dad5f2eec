// Package chunker 将归一化文本切分为带重叠的定长窗口。
package chunker

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"chatbot-rag/internal/model"
	"chatbot-rag/pkg/apperr"
)

const (
	// DefaultChunkSize 是每个分块的默认字符预算。
	DefaultChunkSize = 1000
	// DefaultOverlap 是相邻分块之间的默认重叠字符预算。
	DefaultOverlap = 200
	// charsPerOverlapWord 把字符重叠预算换算成词数：重叠词数 = overlap / 10。
	charsPerOverlapWord = 10
)

// word 记录一个词及其在原文中的 rune 偏移，End 为开区间。
type word struct {
	text  string
	start int
	end   int
	size  int
}

// Chunk 按空白切词后贪心累积，缓冲区再加一个词会超过 chunkSize 时关闭当前分块，
// 并用刚关闭分块的末尾 overlap/10 个词作为下一个分块的开头。
// 结果只依赖输入参数，相同输入总是得到相同的分块。
func Chunk(content string, chunkSize, overlap int) []model.Chunk {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = DefaultOverlap
	}
	overlapWords := overlap / charsPerOverlapWord

	words := splitWords(content)
	if len(words) == 0 {
		return nil
	}

	var chunks []model.Chunk
	var buf []word
	bufLen := 0

	for _, w := range words {
		if len(buf) > 0 && bufLen+1+w.size > chunkSize {
			chunks = append(chunks, buildChunk(buf, len(chunks)))
			buf = seed(buf, overlapWords, w.size, chunkSize)
			bufLen = joinedLen(buf)
		}
		if len(buf) > 0 {
			bufLen++
		}
		buf = append(buf, w)
		bufLen += w.size
	}
	if len(buf) > 0 {
		chunks = append(chunks, buildChunk(buf, len(chunks)))
	}

	for i := range chunks {
		chunks[i].Metadata.TotalChunks = len(chunks)
	}
	return chunks
}

// seed 取刚关闭分块的末尾 n 个词。种子永远不会是整个分块，
// 且当种子加上下一个词就会超出预算时，从头部丢弃种子词，保证每个分块都有新内容。
func seed(closed []word, n, nextSize, chunkSize int) []word {
	if n >= len(closed) {
		n = len(closed) - 1
	}
	if n <= 0 {
		return nil
	}
	out := make([]word, n)
	copy(out, closed[len(closed)-n:])
	for len(out) > 0 && joinedLen(out)+1+nextSize > chunkSize {
		out = out[1:]
	}
	return out
}

func buildChunk(buf []word, index int) model.Chunk {
	texts := make([]string, len(buf))
	for i, w := range buf {
		texts[i] = w.text
	}
	return model.Chunk{
		ID:         fmt.Sprintf("chunk_%d", index),
		Content:    strings.Join(texts, " "),
		StartIndex: buf[0].start,
		EndIndex:   buf[len(buf)-1].end,
		Metadata: model.ChunkMetadata{
			ChunkIndex: index,
		},
	}
}

// splitWords 按 unicode 空白切词，同时记录 rune 偏移。
func splitWords(content string) []word {
	var words []word
	start := -1
	pos := 0
	for i, r := range content {
		if unicode.IsSpace(r) {
			if start >= 0 {
				words = append(words, newWord(content, start, i, pos))
				start = -1
			}
		} else if start < 0 {
			start = i
		}
		pos++
	}
	if start >= 0 {
		words = append(words, newWord(content, start, len(content), pos))
	}
	return words
}

// newWord 由字节区间 [from, to) 构造词；endRune 是 to 对应的 rune 偏移。
func newWord(content string, from, to, endRune int) word {
	text := content[from:to]
	size := utf8.RuneCountInString(text)
	return word{text: text, start: endRune - size, end: endRune, size: size}
}

func joinedLen(ws []word) int {
	if len(ws) == 0 {
		return 0
	}
	n := len(ws) - 1
	for _, w := range ws {
		n += w.size
	}
	return n
}

// TagInfo 是写入索引前盖到每个分块上的来源信息。
type TagInfo struct {
	DocumentID      string
	KnowledgeBaseID string
	TenantID        string
	DocumentType    model.DocumentType
	DocumentTitle   string
	CreatedAt       time.Time
}

// TagForIndex 返回打好租户与文档标记的新分块，输入切片不会被修改。
// 分块 ID 改写为 <documentId>_chunk_<index>，保证在整个索引内唯一。
func TagForIndex(chunks []model.Chunk, info TagInfo) ([]model.Chunk, error) {
	switch {
	case strings.TrimSpace(info.DocumentID) == "":
		return nil, apperr.Required("documentId")
	case strings.TrimSpace(info.KnowledgeBaseID) == "":
		return nil, apperr.Required("knowledgeBaseId")
	case strings.TrimSpace(info.TenantID) == "":
		return nil, apperr.Required("tenantId")
	}

	createdAt := info.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	tagged := make([]model.Chunk, len(chunks))
	for i, c := range chunks {
		c.ID = fmt.Sprintf("%s_chunk_%d", info.DocumentID, c.Metadata.ChunkIndex)
		c.Metadata.DocumentID = info.DocumentID
		c.Metadata.KnowledgeBaseID = info.KnowledgeBaseID
		c.Metadata.TenantID = info.TenantID
		c.Metadata.DocumentType = string(info.DocumentType)
		c.Metadata.DocumentTitle = info.DocumentTitle
		c.Metadata.CreatedAt = createdAt
		tagged[i] = c
	}
	return tagged, nil
}
