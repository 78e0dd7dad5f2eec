package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbot-rag/internal/middleware"
	"chatbot-rag/internal/model"
	"chatbot-rag/internal/repository"
	"chatbot-rag/internal/service"
	"chatbot-rag/pkg/apperr"
	"chatbot-rag/pkg/llm"
	"chatbot-rag/pkg/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type uploadCall struct {
	tenantID, kbID string
	names          []string
	contents       []string
}

type fakeDocs struct {
	uploads   []uploadCall
	deleted   []string
	deleteErr error
	docs      []model.Document
}

func (f *fakeDocs) Upload(_ context.Context, tenantID, kbID string, files []service.UploadFile) (*service.UploadReport, error) {
	call := uploadCall{tenantID: tenantID, kbID: kbID}
	report := &service.UploadReport{}
	for _, file := range files {
		b, _ := io.ReadAll(file.Content)
		call.names = append(call.names, file.FileName)
		call.contents = append(call.contents, string(b))
		if strings.HasSuffix(file.FileName, ".exe") {
			report.Errors = append(report.Errors, service.UploadError{FileName: file.FileName, Code: http.StatusUnsupportedMediaType, Error: "unsupported"})
			continue
		}
		report.Results = append(report.Results, service.UploadResult{FileName: file.FileName, DocumentID: "doc-" + file.FileName, Status: model.DocumentStatusIndexed})
	}
	f.uploads = append(f.uploads, call)
	return report, nil
}

func (f *fakeDocs) List(_ context.Context, tenantID, kbID string) ([]model.Document, error) {
	if kbID == "" {
		return nil, apperr.Required("knowledgeBaseId")
	}
	return f.docs, nil
}

func (f *fakeDocs) Get(_ context.Context, tenantID, kbID, docID string) (*model.Document, error) {
	for i := range f.docs {
		if f.docs[i].ID == docID && f.docs[i].TenantID == tenantID {
			return &f.docs[i], nil
		}
	}
	return nil, repository.ErrDocumentNotFound
}

func (f *fakeDocs) Delete(_ context.Context, tenantID, kbID, docID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, tenantID+"/"+kbID+"/"+docID)
	return nil
}

func (f *fakeDocs) DeleteKnowledgeBase(_ context.Context, tenantID, kbID string) (*service.KnowledgeBaseDeletion, error) {
	return &service.KnowledgeBaseDeletion{Documents: 2, IndexEntries: 5}, nil
}

func (f *fakeDocs) Reindex(_ context.Context, tenantID, kbID, docID string) (*model.Document, error) {
	return &model.Document{ID: docID, Status: model.DocumentStatusPending}, nil
}

func (f *fakeDocs) SupportedTypes() service.SupportedTypesInfo {
	return service.SupportedTypesInfo{Types: map[string]model.DocumentType{".txt": model.DocumentTypeText}, MaxFilesPerRequest: 10}
}

type searchCall struct {
	tenantID, kbID, query string
	topK                  int
}

type fakeSearch struct {
	calls []searchCall
	err   error
}

func (f *fakeSearch) Search(_ context.Context, tenantID, kbID, query string, topK int) ([]model.SearchResult, error) {
	f.calls = append(f.calls, searchCall{tenantID, kbID, query, topK})
	if f.err != nil {
		return nil, f.err
	}
	return []model.SearchResult{{ID: "d1_chunk_0", Score: 0.9, Content: "refunds"}}, nil
}

type fakeChat struct {
	mu       sync.Mutex
	requests []service.ChatRequest
	err      error
	chunks   []string
}

func (f *fakeChat) record(req service.ChatRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
}

func (f *fakeChat) Answer(_ context.Context, req service.ChatRequest) (*service.ChatResponse, error) {
	f.record(req)
	if f.err != nil {
		return nil, f.err
	}
	return &service.ChatResponse{SessionID: "s-1", Answer: "answer"}, nil
}

func (f *fakeChat) Stream(_ context.Context, req service.ChatRequest, writer llm.MessageWriter, shouldStop func() bool) (*service.ChatResponse, error) {
	f.record(req)
	if f.err != nil {
		return nil, f.err
	}
	for _, c := range f.chunks {
		b, _ := json.Marshal(map[string]string{"chunk": c})
		_ = writer.WriteMessage(websocket.TextMessage, b)
	}
	b, _ := json.Marshal(map[string]string{"type": "completion", "sessionId": "s-1"})
	_ = writer.WriteMessage(websocket.TextMessage, b)
	return &service.ChatResponse{SessionID: "s-1"}, nil
}

type fakeConversations struct {
	history map[string][]model.ChatMessage
}

func (f *fakeConversations) GetConversationHistory(_ context.Context, tenantID, sessionID string) ([]model.ChatMessage, error) {
	return f.history[tenantID+"/"+sessionID], nil
}

func (f *fakeConversations) ClearConversation(_ context.Context, tenantID, sessionID string) error {
	delete(f.history, tenantID+"/"+sessionID)
	return nil
}

type fixture struct {
	router *gin.Engine
	docs   *fakeDocs
	search *fakeSearch
	chat   *fakeChat
	convs  *fakeConversations
	token  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	jwtManager := token.NewJWTManager("test-secret", "")
	tok, err := jwtManager.GenerateToken("tenant-a", "user-1", time.Hour)
	require.NoError(t, err)

	f := &fixture{
		docs:   &fakeDocs{},
		search: &fakeSearch{},
		chat:   &fakeChat{},
		convs:  &fakeConversations{history: map[string][]model.ChatMessage{}},
		token:  tok,
	}
	r := gin.New()
	api := r.Group("/api/v1")
	api.Use(middleware.TenantAuth(jwtManager))
	RegisterRoutes(api, NewDocumentHandler(f.docs), NewSearchHandler(f.search), NewChatHandler(f.chat), NewConversationHandler(f.convs))
	f.router = r
	return f
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (f *fixture) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req.Header.Set("Authorization", "Bearer "+f.token)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w, env
}

func TestRoutes_RequireToken(t *testing.T) {
	f := newFixture(t)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/knowledge-bases/kb1/documents", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUpload_PassesFilesAndReportsPerFile(t *testing.T) {
	f := newFixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range map[string]string{"notes.txt": "hello", "tool.exe": "MZ"} {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, _ = fw.Write([]byte(content))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/knowledge-bases/kb1/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w, env := f.do(t, req)
	assert.Equal(t, http.StatusOK, w.Code)

	require.Len(t, f.docs.uploads, 1)
	call := f.docs.uploads[0]
	assert.Equal(t, "tenant-a", call.tenantID)
	assert.Equal(t, "kb1", call.kbID)
	assert.ElementsMatch(t, []string{"notes.txt", "tool.exe"}, call.names)
	assert.ElementsMatch(t, []string{"hello", "MZ"}, call.contents)

	var report service.UploadReport
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Len(t, report.Results, 1)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, http.StatusUnsupportedMediaType, report.Errors[0].Code)
}

func TestUpload_AllFailedIsBadRequest(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("files", "tool.exe")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("MZ"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/knowledge-bases/kb1/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w, env := f.do(t, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, http.StatusBadRequest, env.Code)
}

func TestUpload_RequiresMultipart(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/knowledge-bases/kb1/documents", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	w, _ := f.do(t, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetDocument_NotFoundAcrossTenants(t *testing.T) {
	f := newFixture(t)
	f.docs.docs = []model.Document{
		{ID: "mine", TenantID: "tenant-a", KnowledgeBaseID: "kb1"},
		{ID: "theirs", TenantID: "tenant-b", KnowledgeBaseID: "kb1"},
	}

	w, env := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/knowledge-bases/kb1/documents/mine", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"id":"mine"`)

	w, env = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/knowledge-bases/kb1/documents/theirs", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, http.StatusNotFound, env.Code)
}

func TestDeleteDocument(t *testing.T) {
	f := newFixture(t)
	w, _ := f.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/knowledge-bases/kb1/documents/d1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"tenant-a/kb1/d1"}, f.docs.deleted)

	f.docs.deleteErr = apperr.External("vector_index", "delete", errors.New("timeout"))
	w, _ = f.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/knowledge-bases/kb1/documents/d2", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)

	f.docs.deleteErr = errors.New("disk on fire")
	w, env := f.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/knowledge-bases/kb1/documents/d3", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, env.Message, "disk on fire")
}

func TestDeleteKnowledgeBaseAndReindex(t *testing.T) {
	f := newFixture(t)
	w, env := f.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/knowledge-bases/kb1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"documents":2,"indexEntries":5}`, string(env.Data))

	w, env = f.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/knowledge-bases/kb1/documents/d1/reindex", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"status":"PENDING"`)
}

func TestSupportedTypes(t *testing.T) {
	f := newFixture(t)
	w, env := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/upload/supported-types", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `".txt"`)
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	w, env := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/knowledge-bases/kb1/search?query=refund&topK=3", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), "d1_chunk_0")
	assert.Equal(t, []searchCall{{"tenant-a", "kb1", "refund", 3}}, f.search.calls)

	// 非法 topK 交给服务层使用默认值
	_, _ = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/knowledge-bases/kb1/search?query=refund&topK=abc", nil))
	assert.Equal(t, 0, f.search.calls[1].topK)

	f.search.err = apperr.Required("query")
	w, _ = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/knowledge-bases/kb1/search", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChat(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/knowledge-bases/kb1/chat",
		strings.NewReader(`{"message":"what is the refund window?","sessionId":"s-0","maxContextLength":500}`))
	req.Header.Set("Content-Type", "application/json")
	w, env := f.do(t, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"answer":"answer"`)

	require.Len(t, f.chat.requests, 1)
	got := f.chat.requests[0]
	assert.Equal(t, "tenant-a", got.TenantID)
	assert.Equal(t, "kb1", got.KnowledgeBaseID)
	assert.Equal(t, "s-0", got.SessionID)
	assert.Equal(t, 500, got.MaxContextLength)

	f.chat.err = apperr.External("llm", "complete", errors.New("503"))
	req = httptest.NewRequest(http.MethodPost, "/api/v1/knowledge-bases/kb1/chat", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	w, _ = f.do(t, req)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestConversationRoutes(t *testing.T) {
	f := newFixture(t)
	f.convs.history["tenant-a/s-1"] = []model.ChatMessage{{Role: "user", Content: "hi"}}
	f.convs.history["tenant-b/s-1"] = []model.ChatMessage{{Role: "user", Content: "secret"}}

	w, env := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/conversations/s-1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"content":"hi"`)
	assert.NotContains(t, string(env.Data), "secret")

	w, _ = f.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/conversations/s-1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, f.convs.history, "tenant-a/s-1")
	assert.Contains(t, f.convs.history, "tenant-b/s-1")
}

func dialStream(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/knowledge-bases/kb1/chat/stream?token=" + f.token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func TestStream_ChunksThenCompletion(t *testing.T) {
	f := newFixture(t)
	f.chat.chunks = []string{"Hel", "lo"}
	conn := dialStream(t, f)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat","message":"hi"}`)))
	assert.Equal(t, "Hel", readFrame(t, conn)["chunk"])
	assert.Equal(t, "lo", readFrame(t, conn)["chunk"])
	assert.Equal(t, "completion", readFrame(t, conn)["type"])

	// 第二条纯文本消息沿用上一轮返回的会话
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("and shipping?")))
	for i := 0; i < 3; i++ {
		readFrame(t, conn)
	}

	f.chat.mu.Lock()
	defer f.chat.mu.Unlock()
	require.Len(t, f.chat.requests, 2)
	assert.Equal(t, "tenant-a", f.chat.requests[0].TenantID)
	assert.Equal(t, "kb1", f.chat.requests[0].KnowledgeBaseID)
	assert.Equal(t, "and shipping?", f.chat.requests[1].Message)
	assert.Equal(t, "s-1", f.chat.requests[1].SessionID)
}

func TestStream_ErrorSendsErrorAndCompletion(t *testing.T) {
	f := newFixture(t)
	f.chat.err = apperr.External("llm", "stream", errors.New("503"))
	conn := dialStream(t, f)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"message":"hi"}`)))
	assert.NotEmpty(t, readFrame(t, conn)["error"])
	done := readFrame(t, conn)
	assert.Equal(t, "completion", done["type"])
	assert.Equal(t, "error", done["status"])
}

func TestStream_StopAndEmptyMessage(t *testing.T) {
	f := newFixture(t)
	conn := dialStream(t, f)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)))
	assert.Equal(t, "stop", readFrame(t, conn)["type"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("   ")))
	assert.NotEmpty(t, readFrame(t, conn)["error"])
}

func TestParseWSMessage(t *testing.T) {
	assert.Equal(t, wsMessage{Type: "chat", Message: "plain"}, parseWSMessage([]byte("plain")))
	assert.Equal(t, wsMessage{Type: "chat", Message: "x", SessionID: "s"}, parseWSMessage([]byte(`{"message":"x","sessionId":"s"}`)))
	assert.Equal(t, "stop", parseWSMessage([]byte(`{"type":"stop"}`)).Type)
	assert.Equal(t, wsMessage{Type: "chat", Message: "{not json"}, parseWSMessage([]byte("{not json")))
}
