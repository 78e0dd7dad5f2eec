package service

import (
	"context"
	"strings"

	"chatbot-rag/internal/model"
	"chatbot-rag/internal/repository"
	"chatbot-rag/pkg/apperr"
)

// ConversationService 定义了会话历史的查询与清理操作。
type ConversationService interface {
	GetConversationHistory(ctx context.Context, tenantID, sessionID string) ([]model.ChatMessage, error)
	ClearConversation(ctx context.Context, tenantID, sessionID string) error
}

type conversationService struct {
	repo repository.ConversationRepository
}

// NewConversationService 创建一个新的 ConversationService。
func NewConversationService(repo repository.ConversationRepository) ConversationService {
	return &conversationService{repo: repo}
}

func sessionScope(tenantID, sessionID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return apperr.Required("tenantId")
	}
	if strings.TrimSpace(sessionID) == "" {
		return apperr.Required("sessionId")
	}
	return nil
}

// GetConversationHistory 获取租户下某个会话的消息历史，不存在时返回空列表。
func (s *conversationService) GetConversationHistory(ctx context.Context, tenantID, sessionID string) ([]model.ChatMessage, error) {
	if err := sessionScope(tenantID, sessionID); err != nil {
		return nil, err
	}
	return s.repo.GetConversationHistory(ctx, tenantID, sessionID)
}

// ClearConversation 删除一个会话的全部历史。
func (s *conversationService) ClearConversation(ctx context.Context, tenantID, sessionID string) error {
	if err := sessionScope(tenantID, sessionID); err != nil {
		return err
	}
	return s.repo.DeleteConversationHistory(ctx, tenantID, sessionID)
}
