package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbot-rag/internal/config"
)

func TestOpenAICompatibleClient_CreateEmbeddings(t *testing.T) {
	var got embeddingRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		// data 故意乱序返回
		_, _ = w.Write([]byte(`{
			"data": [
				{"index": 1, "embedding": [0.0, 1.0]},
				{"index": 0, "embedding": [1.0, 0.0]}
			],
			"usage": {"prompt_tokens": 7, "total_tokens": 7}
		}`))
	}))
	defer srv.Close()

	c := NewClient(config.EmbeddingConfig{BaseURL: srv.URL + "/v1/", APIKey: "sk-test", Dimensions: 2})
	vectors, tokens, err := c.CreateEmbeddings(context.Background(), "text-embedding-3-small", []string{"first", "second"})
	require.NoError(t, err)

	assert.Equal(t, "text-embedding-3-small", got.Model)
	assert.Equal(t, []string{"first", "second"}, got.Input)
	assert.Equal(t, 2, got.Dimensions)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vectors)
	assert.Equal(t, 7, tokens)
}

func TestOpenAICompatibleClient_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	c := NewClient(config.EmbeddingConfig{BaseURL: srv.URL})
	_, _, err := c.CreateEmbeddings(context.Background(), "m", []string{"x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestOpenAICompatibleClient_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[1]}],"usage":{"total_tokens":1}}`))
	}))
	defer srv.Close()

	c := NewClient(config.EmbeddingConfig{BaseURL: srv.URL})
	_, _, err := c.CreateEmbeddings(context.Background(), "m", []string{"a", "b"})
	assert.Error(t, err)
}

func TestOpenAICompatibleClient_DuplicateIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[1]},{"index":0,"embedding":[2]}]}`))
	}))
	defer srv.Close()

	c := NewClient(config.EmbeddingConfig{BaseURL: srv.URL})
	_, _, err := c.CreateEmbeddings(context.Background(), "m", []string{"a", "b"})
	assert.Error(t, err)
}
