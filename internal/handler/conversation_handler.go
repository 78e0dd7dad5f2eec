package handler

import (
	"github.com/gin-gonic/gin"

	"chatbot-rag/internal/middleware"
	"chatbot-rag/internal/service"
)

// ConversationHandler 处理与对话历史相关的 API 请求。
type ConversationHandler struct {
	service service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

// GetConversation 返回会话的消息历史。
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	history, err := h.service.GetConversationHistory(c.Request.Context(), middleware.TenantID(c), c.Param("sessionId"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, "success", history)
}

// DeleteConversation 清空会话历史。
func (h *ConversationHandler) DeleteConversation(c *gin.Context) {
	if err := h.service.ClearConversation(c.Request.Context(), middleware.TenantID(c), c.Param("sessionId")); err != nil {
		fail(c, err)
		return
	}
	success(c, "会话已清空", nil)
}
