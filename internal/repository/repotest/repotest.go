// Package repotest 提供仓储接口的内存实现，供服务层与流水线测试使用。
package repotest

import (
	"sort"
	"sync"

	"chatbot-rag/internal/model"
	"chatbot-rag/internal/repository"
)

// Documents 是 repository.DocumentRepository 的内存实现。
type Documents struct {
	mu        sync.Mutex
	docs      map[string]model.Document
	Statuses  []model.DocumentStatus // UpdateStatus 与 SaveResult 写入的状态序列
	CreateErr error
}

var _ repository.DocumentRepository = (*Documents)(nil)

func NewDocuments() *Documents {
	return &Documents{docs: map[string]model.Document{}}
}

func (r *Documents) Create(doc *model.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.CreateErr != nil {
		return r.CreateErr
	}
	r.docs[doc.ID] = *doc
	return nil
}

func (r *Documents) FindByID(tenantID, knowledgeBaseID, id string) (*model.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	if !ok || d.TenantID != tenantID || d.KnowledgeBaseID != knowledgeBaseID {
		return nil, repository.ErrDocumentNotFound
	}
	return &d, nil
}

func (r *Documents) FindByKnowledgeBase(tenantID, knowledgeBaseID string) ([]model.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Document
	for _, d := range r.docs {
		if d.TenantID == tenantID && d.KnowledgeBaseID == knowledgeBaseID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Documents) UpdateStatus(id string, status model.DocumentStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Statuses = append(r.Statuses, status)
	d, ok := r.docs[id]
	if !ok {
		return nil
	}
	d.Status = status
	d.ErrorMessage = errMsg
	r.docs[id] = d
	return nil
}

func (r *Documents) SaveResult(doc *model.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Statuses = append(r.Statuses, doc.Status)
	d := r.docs[doc.ID]
	d.ID = doc.ID
	d.Status = doc.Status
	d.Title = doc.Title
	d.DocumentType = doc.DocumentType
	d.WordCount = doc.WordCount
	d.CharCount = doc.CharCount
	d.ChunkCount = doc.ChunkCount
	d.TokensUsed = doc.TokensUsed
	d.EmbeddingCost = doc.EmbeddingCost
	d.ErrorMessage = doc.ErrorMessage
	r.docs[doc.ID] = d
	return nil
}

func (r *Documents) Delete(tenantID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.docs[id]; ok && d.TenantID == tenantID {
		delete(r.docs, id)
	}
	return nil
}

func (r *Documents) DeleteByKnowledgeBase(tenantID, knowledgeBaseID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, d := range r.docs {
		if d.TenantID == tenantID && d.KnowledgeBaseID == knowledgeBaseID {
			delete(r.docs, id)
			n++
		}
	}
	return n, nil
}

// Get 直接按 ID 读取，不做租户校验。
func (r *Documents) Get(id string) (model.Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	return d, ok
}

// Chunks 是 repository.DocumentChunkRepository 的内存实现。
type Chunks struct {
	mu   sync.Mutex
	rows []model.DocumentChunk
}

var _ repository.DocumentChunkRepository = (*Chunks)(nil)

func NewChunks() *Chunks {
	return &Chunks{}
}

func (r *Chunks) BatchCreate(chunks []*model.DocumentChunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range chunks {
		r.rows = append(r.rows, *c)
	}
	return nil
}

func (r *Chunks) FindByDocumentID(tenantID, documentID string) ([]model.DocumentChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.DocumentChunk
	for _, c := range r.rows {
		if c.TenantID == tenantID && c.DocumentID == documentID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (r *Chunks) DeleteByDocumentID(tenantID, documentID string) error {
	return r.deleteWhere(func(c model.DocumentChunk) bool {
		return c.TenantID == tenantID && c.DocumentID == documentID
	})
}

func (r *Chunks) DeleteByKnowledgeBase(tenantID, knowledgeBaseID string) error {
	return r.deleteWhere(func(c model.DocumentChunk) bool {
		return c.TenantID == tenantID && c.KnowledgeBaseID == knowledgeBaseID
	})
}

func (r *Chunks) deleteWhere(match func(model.DocumentChunk) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.rows[:0]
	for _, c := range r.rows {
		if !match(c) {
			kept = append(kept, c)
		}
	}
	r.rows = kept
	return nil
}

// Len 返回当前保存的分块行数。
func (r *Chunks) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}
