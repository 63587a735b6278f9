package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codebox/internal/result"
)

func TestClient_Execute(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/execute", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","output":"5\n","error":"","success":true,"result":{"b":1,"a":[true,null]},"duration_ms":3}`))
	}))
	defer srv.Close()

	rec, err := New(srv.URL+"/").Execute(context.Background(), "print(x)", map[string]any{"x": 5})
	require.NoError(t, err)

	assert.Equal(t, "print(x)", got["code"])
	assert.Equal(t, map[string]any{"x": float64(5)}, got["inputs"])
	assert.True(t, rec.Success)
	assert.Equal(t, "5\n", rec.Output)
	assert.Equal(t, `{"b":1,"a":[true,null]}`, rec.Result.String())
	assert.Equal(t, int64(3), rec.DurationMS)
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"INVALID_REQUEST","message":"invalid code: must not be empty","field":"code"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Execute(context.Background(), "", nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", apiErr.Code)
	assert.Equal(t, "code", apiErr.Field)
}

func TestClient_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Health(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Bad Gateway", apiErr.Code)
	assert.Equal(t, "upstream down", apiErr.Message)
}

func TestClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url).Execute(context.Background(), "1", nil)
	assert.ErrorIs(t, err, ErrRequestFailed)
}

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		rec  *Record
		want string
	}{
		{"success", &Record{Success: true, Output: "5\n", Result: result.Int(10)}, "5\n\nResult: 10"},
		{"no result", &Record{Success: true}, "\nResult: null"},
		{"string result", &Record{Success: true, Result: result.String("hi")}, "\nResult: \"hi\""},
		{"failure", &Record{Error: "Error: boom\n"}, "Error: boom\n"},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.rec))
		})
	}
}
