package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewService(t *testing.T) {
	tests := []struct {
		name       string
		baseURL    string
		model      string
		wantErr    bool
		errMessage string
	}{
		{
			name:    "valid TEI configuration",
			baseURL: "http://localhost:8080",
			model:   "BAAI/bge-small-en-v1.5",
			wantErr: false,
		},
		{
			name:       "empty base URL",
			baseURL:    "",
			model:      "test",
			wantErr:    true,
			errMessage: "base URL required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, err := NewService(Config{
				BaseURL: tt.baseURL,
				Model:   tt.model,
			})

			if tt.wantErr {
				require.Error(t, err)
				if tt.errMessage != "" {
					assert.Contains(t, err.Error(), tt.errMessage)
				}
			} else {
				require.NoError(t, err)
				assert.NotNil(t, service)
			}
		})
	}
}

// newTEITestServer returns a TEI-shaped stub that echoes one fixed vector
// per input.
func newTEITestServer(t *testing.T, vector []float32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embed", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req teiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		n := 1
		if texts, ok := req.Inputs.([]interface{}); ok {
			n = len(texts)
		}
		out := make([][]float32, n)
		for i := range out {
			out[i] = vector
		}
		require.NoError(t, json.NewEncoder(w).Encode(out))
	}))
}

func TestService_EmbedQuery(t *testing.T) {
	srv := newTEITestServer(t, []float32{0.1, 0.2, 0.3})
	defer srv.Close()

	service, err := NewService(Config{BaseURL: srv.URL, Model: "BAAI/bge-small-en-v1.5"})
	require.NoError(t, err)

	vec, err := service.EmbedQuery(context.Background(), "programming communities")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)

	_, err = service.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestService_EmbedDocuments(t *testing.T) {
	srv := newTEITestServer(t, []float32{0.5, 0.5})
	defer srv.Close()

	service, err := NewService(Config{BaseURL: srv.URL, Model: "BAAI/bge-small-en-v1.5"})
	require.NoError(t, err)

	vecs, err := service.EmbedDocuments(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vecs, 3)

	_, err = service.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestService_EmbedQuery_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	service, err := NewService(Config{BaseURL: srv.URL, Model: "BAAI/bge-small-en-v1.5"})
	require.NoError(t, err)

	_, err = service.EmbedQuery(context.Background(), "query")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}
