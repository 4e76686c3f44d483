package generate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryabova/genqueue/internal/task"
)

func testTask() *task.Task {
	return &task.Task{
		ID:      "task-1",
		QueueID: "queue-1",
		Params: task.Params{
			Prompt:  "a lighthouse in fog",
			ModelID: "model-1",
			Width:   1024,
			Height:  1024,
			Seed:    7,
		},
	}
}

func TestClient_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "a lighthouse in fog", req.Prompt)
		assert.Equal(t, "model-1", req.ModelID)
		assert.Equal(t, int64(7), req.Seed)

		json.NewEncoder(w).Encode(generateResponse{
			Artifacts: []string{"/artifacts/a.png", "/artifacts/b.png"},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	result, err := client.Generate(context.Background(), testTask())
	require.NoError(t, err)
	assert.Equal(t, []string{"/artifacts/a.png", "/artifacts/b.png"}, result.Artifacts)
}

func TestClient_GenerateServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("model crashed"))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.Generate(context.Background(), testTask())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestClient_GenerateApplicationError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(generateResponse{Error: "nsfw prompt rejected"})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.Generate(context.Background(), testTask())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nsfw prompt rejected")
}

func TestClient_GenerateEmptyArtifacts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(generateResponse{})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.Generate(context.Background(), testTask())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no artifacts")
}

func TestClient_GenerateContextCancelled(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer server.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient(server.URL)
	_, err := client.Generate(ctx, testTask())
	assert.Error(t, err)
}
