package handler

import (
	"errors"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"

	"chatbot-rag/internal/service"
	"chatbot-rag/pkg/apperr"
	"chatbot-rag/pkg/log"
)

// DocumentHandler 负责处理所有与文档管理相关的 API 请求。
type DocumentHandler struct {
	docService service.DocumentService
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。
func NewDocumentHandler(docService service.DocumentService) *DocumentHandler {
	return &DocumentHandler{docService: docService}
}

// SupportedTypes 返回上传接口接受的文件类型。
func (h *DocumentHandler) SupportedTypes(c *gin.Context) {
	success(c, "success", h.docService.SupportedTypes())
}

// Upload 处理多文件上传，表单字段为 files。
func (h *DocumentHandler) Upload(c *gin.Context) {
	tenantID, kbID := scopeOf(c)
	form, err := c.MultipartForm()
	if err != nil {
		fail(c, &apperr.ValidationError{Field: "files", Message: "multipart form required"})
		return
	}
	headers := form.File["files"]
	log.Infof("[DocumentHandler] 收到上传请求, tenant: %s, kb: %s, files: %d", tenantID, kbID, len(headers))

	files := make([]service.UploadFile, 0, len(headers))
	var opened []multipart.File
	defer func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}()
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			log.Errorf("[DocumentHandler] 打开上传文件 '%s' 失败: %v", fh.Filename, err)
			fail(c, errors.New("failed to read uploaded file"))
			return
		}
		opened = append(opened, f)
		files = append(files, service.UploadFile{
			FileName:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
			Content:     f,
		})
	}

	report, err := h.docService.Upload(c.Request.Context(), tenantID, kbID, files)
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusOK
	if len(report.Results) == 0 && len(report.Errors) > 0 {
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"code": status, "message": "上传完成", "data": report})
}

// List 列出知识库中的文档。
func (h *DocumentHandler) List(c *gin.Context) {
	tenantID, kbID := scopeOf(c)
	docs, err := h.docService.List(c.Request.Context(), tenantID, kbID)
	if err != nil {
		log.Errorf("[DocumentHandler] 获取文档列表失败: %v", err)
		fail(c, err)
		return
	}
	success(c, "获取文档列表成功", docs)
}

// Get 返回单个文档的状态与统计信息。
func (h *DocumentHandler) Get(c *gin.Context) {
	tenantID, kbID := scopeOf(c)
	doc, err := h.docService.Get(c.Request.Context(), tenantID, kbID, c.Param("docId"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, "success", doc)
}

// Delete 删除文档及其索引。
func (h *DocumentHandler) Delete(c *gin.Context) {
	tenantID, kbID := scopeOf(c)
	docID := c.Param("docId")
	if err := h.docService.Delete(c.Request.Context(), tenantID, kbID, docID); err != nil {
		log.Warnf("[DocumentHandler] 删除文档失败, tenant: %s, doc: %s, err: %v", tenantID, docID, err)
		fail(c, err)
		return
	}
	success(c, "文档删除成功", nil)
}

// Reindex 重新处理一个已上传的文档。
func (h *DocumentHandler) Reindex(c *gin.Context) {
	tenantID, kbID := scopeOf(c)
	doc, err := h.docService.Reindex(c.Request.Context(), tenantID, kbID, c.Param("docId"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, "success", doc)
}

// DeleteKnowledgeBase 级联删除整个知识库。
func (h *DocumentHandler) DeleteKnowledgeBase(c *gin.Context) {
	tenantID, kbID := scopeOf(c)
	result, err := h.docService.DeleteKnowledgeBase(c.Request.Context(), tenantID, kbID)
	if err != nil {
		log.Errorf("[DocumentHandler] 删除知识库失败, tenant: %s, kb: %s, err: %v", tenantID, kbID, err)
		fail(c, err)
		return
	}
	success(c, "知识库删除成功", result)
}
