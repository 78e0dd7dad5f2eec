package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"chatbot-rag/internal/service"
	"chatbot-rag/pkg/log"
)

// SearchHandler 结构体定义了搜索相关的处理器。
type SearchHandler struct {
	searchService service.SearchService
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(searchService service.SearchService) *SearchHandler {
	return &SearchHandler{searchService: searchService}
}

// Search 在知识库内做语义检索。topK 缺省或非法时由服务层使用默认值。
func (h *SearchHandler) Search(c *gin.Context) {
	tenantID, kbID := scopeOf(c)
	query := c.Query("query")
	topK, err := strconv.Atoi(c.DefaultQuery("topK", "0"))
	if err != nil {
		topK = 0
	}
	log.Infof("[SearchHandler] 收到检索请求, tenant: %s, kb: %s, query: %s, topK: %d", tenantID, kbID, query, topK)

	results, err := h.searchService.Search(c.Request.Context(), tenantID, kbID, query, topK)
	if err != nil {
		log.Errorf("[SearchHandler] 检索失败, error: %v", err)
		fail(c, err)
		return
	}
	log.Infof("[SearchHandler] 检索成功, query: '%s', 返回 %d 条结果", query, len(results))
	success(c, "success", results)
}
