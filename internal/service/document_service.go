package service

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"chatbot-rag/internal/config"
	"chatbot-rag/internal/model"
	"chatbot-rag/internal/repository"
	"chatbot-rag/pkg/apperr"
	"chatbot-rag/pkg/log"
	"chatbot-rag/pkg/normalizer"
	"chatbot-rag/pkg/storage"
	"chatbot-rag/pkg/tasks"
)

// ObjectStore 保存原始上传文件，*storage.Store 满足该接口。
type ObjectStore interface {
	PutObject(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	RemoveObject(ctx context.Context, key string) error
	RemovePrefix(ctx context.Context, prefix string) error
}

// DocumentProcessor 同步处理一个文档，*pipeline.Processor 满足该接口。
type DocumentProcessor interface {
	Process(ctx context.Context, task tasks.DocumentTask) error
}

// TaskPublisher 投递异步处理任务，*kafka.Producer 满足该接口。
type TaskPublisher interface {
	PublishDocumentTask(ctx context.Context, task tasks.DocumentTask) error
}

// UploadFile 是一个待上传的文件。
type UploadFile struct {
	FileName    string
	ContentType string
	Size        int64
	Content     io.Reader
}

// UploadResult 是单个文件上传成功后的结果。
type UploadResult struct {
	FileName   string               `json:"fileName"`
	DocumentID string               `json:"documentId"`
	Status     model.DocumentStatus `json:"status"`
	ChunkCount int                  `json:"chunkCount"`
}

// UploadError 是单个文件的失败原因。
type UploadError struct {
	FileName   string `json:"fileName"`
	DocumentID string `json:"documentId,omitempty"`
	Code       int    `json:"code"`
	Error      string `json:"error"`
}

// UploadReport 汇总一次批量上传中每个文件的结果。
type UploadReport struct {
	Results []UploadResult `json:"results"`
	Errors  []UploadError  `json:"errors"`
}

// KnowledgeBaseDeletion 描述一次知识库级联删除的结果。
type KnowledgeBaseDeletion struct {
	Documents    int64 `json:"documents"`
	IndexEntries int   `json:"indexEntries"`
}

// SupportedTypesInfo 描述上传接口接受的文件类型。
type SupportedTypesInfo struct {
	Types              map[string]model.DocumentType `json:"types"`
	PDFEnabled         bool                          `json:"pdfEnabled"`
	MaxFileSize        int64                         `json:"maxFileSize"`
	MaxFilesPerRequest int                           `json:"maxFilesPerRequest"`
}

// DocumentService 接口定义了知识库文档管理相关的业务操作。
type DocumentService interface {
	Upload(ctx context.Context, tenantID, knowledgeBaseID string, files []UploadFile) (*UploadReport, error)
	List(ctx context.Context, tenantID, knowledgeBaseID string) ([]model.Document, error)
	Get(ctx context.Context, tenantID, knowledgeBaseID, documentID string) (*model.Document, error)
	Delete(ctx context.Context, tenantID, knowledgeBaseID, documentID string) error
	DeleteKnowledgeBase(ctx context.Context, tenantID, knowledgeBaseID string) (*KnowledgeBaseDeletion, error)
	Reindex(ctx context.Context, tenantID, knowledgeBaseID, documentID string) (*model.Document, error)
	SupportedTypes() SupportedTypesInfo
}

type documentService struct {
	docRepo    repository.DocumentRepository
	chunkRepo  repository.DocumentChunkRepository
	index      SimilarityIndex
	objects    ObjectStore
	processor  DocumentProcessor
	publisher  TaskPublisher
	normalizer *normalizer.Normalizer
	cfg        config.IngestConfig
	newID      func() string
}

// NewDocumentService 创建一个新的 DocumentService 实例。publisher 为 nil 时总是同步处理。
func NewDocumentService(
	docRepo repository.DocumentRepository,
	chunkRepo repository.DocumentChunkRepository,
	index SimilarityIndex,
	objects ObjectStore,
	processor DocumentProcessor,
	publisher TaskPublisher,
	norm *normalizer.Normalizer,
	cfg config.IngestConfig,
) DocumentService {
	return &documentService{
		docRepo:    docRepo,
		chunkRepo:  chunkRepo,
		index:      index,
		objects:    objects,
		processor:  processor,
		publisher:  publisher,
		normalizer: norm,
		cfg:        cfg,
		newID:      uuid.NewString,
	}
}

func (s *documentService) async() bool {
	return s.cfg.Async && s.publisher != nil
}

func scope(tenantID, knowledgeBaseID string) error {
	if tenantID == "" {
		return apperr.Required("tenantId")
	}
	if knowledgeBaseID == "" {
		return apperr.Required("knowledgeBaseId")
	}
	return nil
}

// Upload 按顺序处理每个文件，单个文件失败不影响其他文件。只有请求本身不合法时才返回 error。
func (s *documentService) Upload(ctx context.Context, tenantID, knowledgeBaseID string, files []UploadFile) (*UploadReport, error) {
	if err := scope(tenantID, knowledgeBaseID); err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, apperr.Required("files")
	}
	if s.cfg.MaxFilesPerRequest > 0 && len(files) > s.cfg.MaxFilesPerRequest {
		return nil, &apperr.ValidationError{
			Field:   "files",
			Message: fmt.Sprintf("at most %d files per request, got %d", s.cfg.MaxFilesPerRequest, len(files)),
		}
	}

	log.Infof("[DocumentService] 开始上传, tenant: %s, kb: %s, files: %d, async: %t", tenantID, knowledgeBaseID, len(files), s.async())
	report := &UploadReport{Results: []UploadResult{}, Errors: []UploadError{}}
	for _, f := range files {
		res, docID, err := s.uploadOne(ctx, tenantID, knowledgeBaseID, f)
		if err != nil {
			log.Warnf("[DocumentService] 文件上传失败, FileName: %s, Error: %v", f.FileName, err)
			report.Errors = append(report.Errors, UploadError{
				FileName:   f.FileName,
				DocumentID: docID,
				Code:       apperr.HTTPStatus(err),
				Error:      err.Error(),
			})
			continue
		}
		report.Results = append(report.Results, *res)
	}
	log.Infof("[DocumentService] 上传完成, 成功: %d, 失败: %d", len(report.Results), len(report.Errors))
	return report, nil
}

func (s *documentService) uploadOne(ctx context.Context, tenantID, knowledgeBaseID string, f UploadFile) (*UploadResult, string, error) {
	if f.FileName == "" {
		return nil, "", apperr.Required("fileName")
	}
	if s.cfg.MaxFileSize > 0 && f.Size > s.cfg.MaxFileSize {
		return nil, "", &apperr.ValidationError{
			Field:   "file",
			Message: fmt.Sprintf("%s exceeds the %d byte limit", f.FileName, s.cfg.MaxFileSize),
		}
	}
	docType := normalizer.ResolveForFile(f.FileName, f.ContentType)
	if !s.normalizer.Supports(docType) {
		return nil, "", &apperr.UnsupportedFormatError{FileName: f.FileName, Type: string(docType)}
	}

	docID := s.newID()
	key := storage.DocumentKey(tenantID, knowledgeBaseID, docID, f.FileName)
	if err := s.objects.PutObject(ctx, key, f.Content, f.Size, f.ContentType); err != nil {
		return nil, "", apperr.External("object_storage", "put_object", err)
	}

	doc := &model.Document{
		ID:              docID,
		TenantID:        tenantID,
		KnowledgeBaseID: knowledgeBaseID,
		Title:           model.TitleFromFileName(f.FileName),
		FileName:        f.FileName,
		ContentType:     f.ContentType,
		DocumentType:    docType,
		Size:            f.Size,
		ObjectKey:       key,
		Status:          model.DocumentStatusPending,
	}
	if err := s.docRepo.Create(doc); err != nil {
		_ = s.objects.RemoveObject(ctx, key)
		return nil, "", fmt.Errorf("保存文档记录失败: %w", err)
	}

	task := taskFor(doc)
	if s.async() {
		if err := s.publisher.PublishDocumentTask(ctx, task); err != nil {
			_ = s.docRepo.UpdateStatus(docID, model.DocumentStatusFailed, err.Error())
			return nil, docID, apperr.External("kafka", "publish", err)
		}
		return &UploadResult{FileName: f.FileName, DocumentID: docID, Status: model.DocumentStatusPending}, docID, nil
	}

	if err := s.processor.Process(ctx, task); err != nil {
		return nil, docID, err
	}
	saved, err := s.docRepo.FindByID(tenantID, knowledgeBaseID, docID)
	if err != nil {
		return nil, docID, err
	}
	return &UploadResult{FileName: f.FileName, DocumentID: docID, Status: saved.Status, ChunkCount: saved.ChunkCount}, docID, nil
}

func taskFor(doc *model.Document) tasks.DocumentTask {
	return tasks.DocumentTask{
		DocumentID:      doc.ID,
		TenantID:        doc.TenantID,
		KnowledgeBaseID: doc.KnowledgeBaseID,
		FileName:        doc.FileName,
		ContentType:     doc.ContentType,
		ObjectKey:       doc.ObjectKey,
	}
}

// List 返回知识库下的全部文档。
func (s *documentService) List(ctx context.Context, tenantID, knowledgeBaseID string) ([]model.Document, error) {
	if err := scope(tenantID, knowledgeBaseID); err != nil {
		return nil, err
	}
	docs, err := s.docRepo.FindByKnowledgeBase(tenantID, knowledgeBaseID)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []model.Document{}
	}
	return docs, nil
}

// Get 返回单个文档，不属于该租户或知识库时返回 ErrDocumentNotFound。
func (s *documentService) Get(ctx context.Context, tenantID, knowledgeBaseID, documentID string) (*model.Document, error) {
	if err := scope(tenantID, knowledgeBaseID); err != nil {
		return nil, err
	}
	return s.docRepo.FindByID(tenantID, knowledgeBaseID, documentID)
}

// Delete 依次删除索引条目、分块记录、原始文件和文档记录。
func (s *documentService) Delete(ctx context.Context, tenantID, knowledgeBaseID, documentID string) error {
	doc, err := s.Get(ctx, tenantID, knowledgeBaseID, documentID)
	if err != nil {
		return err
	}

	deleted, err := s.index.DeleteDocumentChunks(ctx, tenantID, doc.ID)
	if err != nil {
		return err
	}
	if err := s.chunkRepo.DeleteByDocumentID(tenantID, doc.ID); err != nil {
		return fmt.Errorf("删除分块记录失败: %w", err)
	}
	if err := s.objects.RemoveObject(ctx, doc.ObjectKey); err != nil {
		// 孤立的原始文件不影响检索，只记录日志
		log.Warnf("[DocumentService] 删除原始文件失败, Object: %s, Error: %v", doc.ObjectKey, err)
	}
	if err := s.docRepo.Delete(tenantID, doc.ID); err != nil {
		return fmt.Errorf("删除文档记录失败: %w", err)
	}
	log.Infof("[DocumentService] 文档已删除, DocumentID: %s, 索引条目: %d", doc.ID, deleted)
	return nil
}

// DeleteKnowledgeBase 级联删除知识库下的全部数据。
func (s *documentService) DeleteKnowledgeBase(ctx context.Context, tenantID, knowledgeBaseID string) (*KnowledgeBaseDeletion, error) {
	if err := scope(tenantID, knowledgeBaseID); err != nil {
		return nil, err
	}

	entries, err := s.index.DeleteKnowledgeBaseChunks(ctx, tenantID, knowledgeBaseID)
	if err != nil {
		return nil, err
	}
	if err := s.chunkRepo.DeleteByKnowledgeBase(tenantID, knowledgeBaseID); err != nil {
		return nil, fmt.Errorf("删除分块记录失败: %w", err)
	}
	if err := s.objects.RemovePrefix(ctx, storage.KnowledgeBasePrefix(tenantID, knowledgeBaseID)); err != nil {
		log.Warnf("[DocumentService] 删除知识库原始文件失败, KB: %s, Error: %v", knowledgeBaseID, err)
	}
	docs, err := s.docRepo.DeleteByKnowledgeBase(tenantID, knowledgeBaseID)
	if err != nil {
		return nil, fmt.Errorf("删除文档记录失败: %w", err)
	}
	log.Infof("[DocumentService] 知识库已删除, KB: %s, 文档: %d, 索引条目: %d", knowledgeBaseID, docs, entries)
	return &KnowledgeBaseDeletion{Documents: docs, IndexEntries: entries}, nil
}

// Reindex 重新处理一个已存在的文档。
func (s *documentService) Reindex(ctx context.Context, tenantID, knowledgeBaseID, documentID string) (*model.Document, error) {
	doc, err := s.Get(ctx, tenantID, knowledgeBaseID, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status == model.DocumentStatusProcessing {
		return nil, &apperr.ValidationError{Field: "documentId", Message: "document is already being processed"}
	}

	task := taskFor(doc)
	if s.async() {
		if err := s.docRepo.UpdateStatus(doc.ID, model.DocumentStatusPending, ""); err != nil {
			return nil, err
		}
		if err := s.publisher.PublishDocumentTask(ctx, task); err != nil {
			_ = s.docRepo.UpdateStatus(doc.ID, doc.Status, doc.ErrorMessage)
			return nil, apperr.External("kafka", "publish", err)
		}
		doc.Status = model.DocumentStatusPending
		return doc, nil
	}

	if err := s.processor.Process(ctx, task); err != nil {
		return nil, err
	}
	return s.docRepo.FindByID(tenantID, knowledgeBaseID, documentID)
}

// SupportedTypes 返回查找表和当前的解析能力。
func (s *documentService) SupportedTypes() SupportedTypesInfo {
	types := normalizer.SupportedTypes()
	for k, t := range types {
		if !s.normalizer.Supports(t) {
			delete(types, k)
		}
	}
	return SupportedTypesInfo{
		Types:              types,
		PDFEnabled:         s.normalizer.Supports(model.DocumentTypePDF),
		MaxFileSize:        s.cfg.MaxFileSize,
		MaxFilesPerRequest: s.cfg.MaxFilesPerRequest,
	}
}

// IsNotFound 报告 err 是否表示文档不存在。
func IsNotFound(err error) bool {
	return errors.Is(err, repository.ErrDocumentNotFound)
}
