package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newTestServer(t *testing.T, reply string, status int) (*httptest.Server, *[]chatRequest) {
	t.Helper()
	var mu sync.Mutex
	var got []chatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		mu.Lock()
		got = append(got, req)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": reply},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestComplete(t *testing.T) {
	srv, reqs := newTestServer(t, `{"classification":"unknown"}`, http.StatusOK)
	c := New(Config{APIKey: "k", BaseURL: srv.URL, Model: "gpt-4o", Timeout: 5 * time.Second}, zap.NewNop())

	got, err := c.Complete(context.Background(), "You're a shipping email agent.", "hello")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != `{"classification":"unknown"}` {
		t.Errorf("got %q", got)
	}
	if len(*reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(*reqs))
	}
	req := (*reqs)[0]
	if req.Model != "gpt-4o" || len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Content != "hello" {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestTranslate(t *testing.T) {
	srv, reqs := newTestServer(t, "  Hello, payment attached.\n", http.StatusOK)
	c := New(Config{APIKey: "k", BaseURL: srv.URL, Model: "gpt-4o"}, zap.NewNop())

	got, err := c.Translate(context.Background(), "您好，付款见附件。", "Chinese", "English")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got != "Hello, payment attached." {
		t.Errorf("got %q", got)
	}

	req := (*reqs)[0]
	if req.Messages[0].Content != "You are a professional translator." {
		t.Errorf("system prompt = %q", req.Messages[0].Content)
	}
	if !strings.HasPrefix(req.Messages[1].Content, "Translate the following Chinese text to English.") {
		t.Errorf("user prompt = %q", req.Messages[1].Content)
	}
}

func TestCompleteServerError(t *testing.T) {
	srv, _ := newTestServer(t, "", http.StatusInternalServerError)
	c := New(Config{APIKey: "k", BaseURL: srv.URL, Model: "gpt-4o"}, zap.NewNop())

	if _, err := c.Complete(context.Background(), "s", "u"); err == nil {
		t.Fatal("expected an error from a failing server")
	}
}
