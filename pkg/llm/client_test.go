package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbot-rag/internal/config"
)

type recordingWriter struct {
	frames []string
}

func (w *recordingWriter) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return fmt.Errorf("unexpected message type %d", messageType)
	}
	w.frames = append(w.frames, string(data))
	return nil
}

func TestStreamChatMessages(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewClient(config.LLMConfig{BaseURL: srv.URL + "/v1/", APIKey: "secret", Model: "m1",
		Generation: config.LLMGenerationConfig{Temperature: 0.3}})
	w := &recordingWriter{}
	err := c.StreamChatMessages(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, w)
	require.NoError(t, err)

	assert.Equal(t, []string{"Hel", "lo"}, w.frames)
	assert.True(t, got.Stream)
	assert.Equal(t, "m1", got.Model)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.3, *got.Temperature, 1e-9)
	assert.Nil(t, got.MaxTokens)
}

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		if assert.NotNil(t, req.MaxTokens) {
			assert.Equal(t, 64, *req.MaxTokens)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"Refunds take 30 days."}}]}`)
	}))
	defer srv.Close()

	maxTokens := 64
	c := NewClient(config.LLMConfig{BaseURL: srv.URL})
	answer, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "refunds?"}}, &GenerationParams{MaxTokens: &maxTokens})
	require.NoError(t, err)
	assert.Equal(t, "Refunds take 30 days.", answer)
}

func TestComplete_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(config.LLMConfig{BaseURL: srv.URL}).Complete(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
