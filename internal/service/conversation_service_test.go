package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbot-rag/internal/model"
	"chatbot-rag/pkg/apperr"
)

func TestConversationService_HistoryIsTenantScoped(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryConversations()
	require.NoError(t, repo.UpdateConversationHistory(ctx, "t1", "s1", []model.ChatMessage{
		{Role: "user", Content: "hi", Timestamp: time.Unix(1, 0)},
		{Role: "assistant", Content: "hello", Timestamp: time.Unix(2, 0)},
	}))
	svc := NewConversationService(repo)

	history, err := svc.GetConversationHistory(ctx, "t1", "s1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "hello", history[1].Content)

	other, err := svc.GetConversationHistory(ctx, "t2", "s1")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, svc.ClearConversation(ctx, "t1", "s1"))
	history, err = svc.GetConversationHistory(ctx, "t1", "s1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestConversationService_Validation(t *testing.T) {
	svc := NewConversationService(newMemoryConversations())
	_, err := svc.GetConversationHistory(context.Background(), "t1", " ")
	var vErr *apperr.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "sessionId", vErr.Field)

	err = svc.ClearConversation(context.Background(), "", "s1")
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "tenantId", vErr.Field)
}
