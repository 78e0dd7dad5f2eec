// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatbot-rag/internal/config"
	"chatbot-rag/internal/model"
	"chatbot-rag/internal/repository"
	"chatbot-rag/pkg/apperr"
	"chatbot-rag/pkg/llm"
	"chatbot-rag/pkg/log"
)

const llmServiceName = "llm"

// ChatRequest 是一轮对话的输入。SessionID 为空时会新建会话。
type ChatRequest struct {
	TenantID         string `json:"-"`
	KnowledgeBaseID  string `json:"-"`
	SessionID        string `json:"sessionId"`
	Message          string `json:"message"`
	MaxContextLength int    `json:"maxContextLength"`
	TopK             int    `json:"topK"`
}

// ChatResponse 是一轮对话的输出。
type ChatResponse struct {
	SessionID string         `json:"sessionId"`
	Answer    string         `json:"answer"`
	Sources   []model.Source `json:"sources"`
}

// ChatService 定义了聊天操作的接口。
type ChatService interface {
	Answer(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Stream(ctx context.Context, req ChatRequest, writer llm.MessageWriter, shouldStop func() bool) (*ChatResponse, error)
}

type chatService struct {
	searchService    SearchService
	llmClient        llm.Client
	conversationRepo repository.ConversationRepository
	prompt           config.LLMPromptConfig
	retrieval        config.RetrievalConfig
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(
	searchService SearchService,
	llmClient llm.Client,
	conversationRepo repository.ConversationRepository,
	prompt config.LLMPromptConfig,
	retrieval config.RetrievalConfig,
) ChatService {
	return &chatService{
		searchService:    searchService,
		llmClient:        llmClient,
		conversationRepo: conversationRepo,
		prompt:           prompt,
		retrieval:        retrieval,
	}
}

// turn 是一轮对话准备好的 LLM 输入。
type turn struct {
	req      ChatRequest
	messages []llm.Message
	sources  []model.Source
}

// Answer 执行一轮非流式 RAG 对话。
func (s *chatService) Answer(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	t, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	answer, err := s.llmClient.Complete(ctx, t.messages, nil)
	if err != nil {
		return nil, apperr.External(llmServiceName, "complete", err)
	}
	s.saveTurn(t.req, answer)
	return &ChatResponse{SessionID: t.req.SessionID, Answer: answer, Sources: t.sources}, nil
}

// Stream 与 Answer 流程一致，但将 LLM 的增量输出以 {"chunk":"..."} 写入 writer，最后发送完成通知。
func (s *chatService) Stream(ctx context.Context, req ChatRequest, writer llm.MessageWriter, shouldStop func() bool) (*ChatResponse, error) {
	t, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	// 拦截 websocket writer 以捕获完整答案，并包装为 JSON 分块
	answerBuilder := &strings.Builder{}
	interceptor := &wsWriterInterceptor{conn: writer, writer: answerBuilder, shouldStop: shouldStop}
	if err := s.llmClient.StreamChatMessages(ctx, t.messages, nil, interceptor); err != nil {
		return nil, apperr.External(llmServiceName, "stream", err)
	}

	resp := &ChatResponse{SessionID: t.req.SessionID, Answer: answerBuilder.String(), Sources: t.sources}
	sendCompletion(writer, resp)
	if resp.Answer != "" {
		s.saveTurn(t.req, resp.Answer)
	}
	return resp, nil
}

func (s *chatService) prepare(ctx context.Context, req ChatRequest) (*turn, error) {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return nil, apperr.Required("message")
	}
	if req.TenantID == "" {
		return nil, apperr.Required("tenantId")
	}
	if req.KnowledgeBaseID == "" {
		return nil, apperr.Required("knowledgeBaseId")
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	maxContext := req.MaxContextLength
	if maxContext <= 0 {
		maxContext = s.retrieval.MaxContextLength
	}

	// 1. 检索上下文
	results, err := s.searchService.Search(ctx, req.TenantID, req.KnowledgeBaseID, req.Message, req.TopK)
	if err != nil {
		if !s.retrieval.FailOpen {
			return nil, fmt.Errorf("failed to retrieve context: %w", err)
		}
		log.Warnf("[ChatService] 检索失败, 本轮在无上下文的情况下回答, session: %s, Error: %v", req.SessionID, err)
		results = nil
	}

	// 2. 构建上下文与 system 消息、历史
	contextText := BuildContext(results, maxContext)
	history, err := s.conversationRepo.GetConversationHistory(ctx, req.TenantID, req.SessionID)
	if err != nil {
		log.Errorf("[ChatService] 加载对话历史失败: %v", err)
		history = []model.ChatMessage{}
	}

	return &turn{
		req:      req,
		messages: composeMessages(s.buildSystemMessage(contextText), history, req.Message),
		sources:  UsedSources(results, maxContext),
	}, nil
}

func (s *chatService) buildSystemMessage(contextText string) string {
	refStart := s.prompt.RefStart
	if refStart == "" {
		refStart = "<<REF>>"
	}
	refEnd := s.prompt.RefEnd
	if refEnd == "" {
		refEnd = "<<END>>"
	}
	var sys strings.Builder
	if s.prompt.Rules != "" {
		sys.WriteString(s.prompt.Rules)
		sys.WriteString("\n\n")
	}
	sys.WriteString(refStart)
	sys.WriteString("\n")
	if contextText != "" {
		sys.WriteString(contextText)
	} else {
		noRes := s.prompt.NoResultText
		if noRes == "" {
			noRes = "（本轮无检索结果）"
		}
		sys.WriteString(noRes)
		sys.WriteString("\n")
	}
	sys.WriteString(refEnd)
	return sys.String()
}

func composeMessages(systemMsg string, history []model.ChatMessage, userInput string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: systemMsg})
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: userInput})
	return msgs
}

// saveTurn 将问答追加到对话历史。使用后台上下文，即使原始请求被取消也保存已生成的答案。
func (s *chatService) saveTurn(req ChatRequest, answer string) {
	ctx := context.Background()
	history, err := s.conversationRepo.GetConversationHistory(ctx, req.TenantID, req.SessionID)
	if err != nil {
		log.Errorf("[ChatService] 保存对话历史失败: %v", err)
		return
	}
	now := time.Now()
	history = append(history,
		model.ChatMessage{Role: "user", Content: req.Message, Timestamp: now},
		model.ChatMessage{Role: "assistant", Content: answer, Timestamp: now},
	)
	if err := s.conversationRepo.UpdateConversationHistory(ctx, req.TenantID, req.SessionID, history); err != nil {
		// 只记录错误，回答已经生成
		log.Errorf("[ChatService] 保存对话历史失败: %v", err)
	}
}

// wsWriterInterceptor 包装下游 writer，用于捕获写入的消息。
type wsWriterInterceptor struct {
	conn       llm.MessageWriter
	writer     *strings.Builder
	shouldStop func() bool
}

// WriteMessage 满足 llm.MessageWriter 接口。
func (w *wsWriterInterceptor) WriteMessage(messageType int, data []byte) error {
	if w.shouldStop != nil && w.shouldStop() {
		// 停止标志生效：跳过下发
		return nil
	}
	w.writer.Write(data)
	// 将原始分块包装成 {"chunk":"..."}
	b, _ := json.Marshal(map[string]string{"chunk": string(data)})
	return w.conn.WriteMessage(messageType, b)
}

// sendCompletion 发送完成通知 JSON，附带会话 ID 与引用来源。
func sendCompletion(writer llm.MessageWriter, resp *ChatResponse) {
	notif := map[string]interface{}{
		"type":      "completion",
		"status":    "finished",
		"sessionId": resp.SessionID,
		"sources":   resp.Sources,
		"timestamp": time.Now().UnixMilli(),
	}
	b, _ := json.Marshal(notif)
	_ = writer.WriteMessage(websocket.TextMessage, b)
}
