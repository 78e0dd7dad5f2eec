package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chatbot-rag/internal/service"
	"chatbot-rag/pkg/apperr"
	"chatbot-rag/pkg/log"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

// ChatHandler 负责处理 RAG 问答请求，包括 HTTP 与 WebSocket 流式两种方式。
type ChatHandler struct {
	chatService service.ChatService
	// 每连接停止标志
	stopFlags sync.Map // key: session pointer string, value: bool
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

// Chat 处理一轮非流式问答。
func (h *ChatHandler) Chat(c *gin.Context) {
	tenantID, kbID := scopeOf(c)
	var req service.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, &apperr.ValidationError{Field: "body", Message: err.Error()})
		return
	}
	req.TenantID, req.KnowledgeBaseID = tenantID, kbID

	resp, err := h.chatService.Answer(c.Request.Context(), req)
	if err != nil {
		log.Errorf("[ChatHandler] 问答失败, tenant: %s, kb: %s, err: %v", tenantID, kbID, err)
		fail(c, err)
		return
	}
	success(c, "success", resp)
}

// wsMessage 是客户端发来的 WebSocket 消息。纯文本消息视为 {"type":"chat","message":<text>}。
type wsMessage struct {
	Type             string `json:"type"`
	Message          string `json:"message"`
	SessionID        string `json:"sessionId"`
	MaxContextLength int    `json:"maxContextLength"`
}

func parseWSMessage(raw []byte) wsMessage {
	var msg wsMessage
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &msg); err == nil {
			if msg.Type == "" {
				msg.Type = "chat"
			}
			return msg
		}
	}
	return wsMessage{Type: "chat", Message: string(raw)}
}

// lockedConn 串行化对同一连接的写操作，读循环与应答 goroutine 会并发写。
type lockedConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (l *lockedConn) WriteMessage(messageType int, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.WriteMessage(messageType, data)
}

func (l *lockedConn) writeJSON(v interface{}) {
	b, _ := json.Marshal(v)
	_ = l.WriteMessage(websocket.TextMessage, b)
}

// maxQueuedMessages 是单个连接上等待处理的消息上限。
const maxQueuedMessages = 8

// Stream 处理一个传入的 WebSocket 连接。消息按到达顺序逐条回答，会话沿用上一轮返回的 sessionId。
func (h *ChatHandler) Stream(c *gin.Context) {
	tenantID, kbID := scopeOf(c)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("[ChatHandler] WebSocket 升级失败", err)
		return
	}
	defer conn.Close()
	log.Infof("[ChatHandler] WebSocket 连接已建立, tenant: %s, kb: %s", tenantID, kbID)

	ctx, cancel := context.WithCancel(c.Request.Context())
	out := &lockedConn{conn: conn}
	key := sessionKey(conn)
	queue := make(chan wsMessage, maxQueuedMessages)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sessionID := ""
		for msg := range queue {
			// 清除旧标志
			h.stopFlags.Delete(key)
			req := service.ChatRequest{
				TenantID:         tenantID,
				KnowledgeBaseID:  kbID,
				SessionID:        msg.SessionID,
				Message:          msg.Message,
				MaxContextLength: msg.MaxContextLength,
			}
			if req.SessionID == "" {
				req.SessionID = sessionID
			}
			if id := h.streamOne(ctx, out, key, req); id != "" {
				sessionID = id
			}
		}
	}()
	defer func() {
		close(queue)
		cancel()
		wg.Wait()
		h.stopFlags.Delete(key)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("[ChatHandler] 从 WebSocket 读取消息失败: %v", err)
			return
		}
		msg := parseWSMessage(raw)

		if msg.Type == "stop" {
			// 设置停止标志
			h.stopFlags.Store(key, true)
			out.writeJSON(map[string]interface{}{
				"type":      "stop",
				"message":   "响应已停止",
				"timestamp": time.Now().UnixMilli(),
			})
			continue
		}
		if strings.TrimSpace(msg.Message) == "" {
			out.writeJSON(map[string]string{"error": "消息内容不能为空"})
			continue
		}
		select {
		case queue <- msg:
		default:
			out.writeJSON(map[string]string{"error": "待处理的消息过多，请稍后重试"})
		}
	}
}

// streamOne 回答一条消息并返回本轮的会话 ID，失败时返回空串。
func (h *ChatHandler) streamOne(ctx context.Context, out *lockedConn, key string, req service.ChatRequest) string {
	shouldStop := func() bool {
		v, ok := h.stopFlags.Load(key)
		return ok && v.(bool)
	}
	resp, err := h.chatService.Stream(ctx, req, out, shouldStop)
	if err != nil {
		log.Errorf("[ChatHandler] 处理流式响应失败: %v", err)
		out.writeJSON(map[string]string{"error": errorText(err)})
		// 错误时也发送 completion 通知
		out.writeJSON(map[string]interface{}{
			"type":      "completion",
			"status":    "error",
			"sessionId": req.SessionID,
			"timestamp": time.Now().UnixMilli(),
		})
		return ""
	}
	return resp.SessionID
}

// errorText 只把校验错误原样返回给客户端。
func errorText(err error) string {
	if apperr.HTTPStatus(err) == http.StatusBadRequest {
		return err.Error()
	}
	return "AI服务暂时不可用，请稍后重试"
}

func sessionKey(conn *websocket.Conn) string {
	return fmt.Sprintf("%p", conn)
}
