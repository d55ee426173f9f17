package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pingcrew/internal/domain"
)

func newOpenAIServer(t *testing.T, apiKey string) *httptest.Server {
	t.Helper()
	authorized := func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get("Authorization") != "Bearer "+apiKey {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"invalid api key","type":"invalid_request_error"}}`))
			return false
		}
		return true
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"gpt-4o-mini","object":"model"},{"id":"gpt-4o","object":"model"}]}`))
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		var req struct {
			Model    string           `json:"model"`
			Messages []domain.Message `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var roles []string
		for _, m := range req.Messages {
			roles = append(roles, m.Role)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": strings.Join(roles, ",")},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 7, "completion_tokens": 3, "total_tokens": 10},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAI_Chat(t *testing.T) {
	srv := newOpenAIServer(t, "sk-test")
	o := NewOpenAI(OpenAIConfig{APIKey: "sk-test", APIBase: srv.URL + "/v1", HTTPClient: srv.Client(), Logger: testLogger()})

	resp, err := o.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: "system", Content: "s"}, {Role: "user", Content: "u"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "system,user" {
		t.Errorf("messages not forwarded in order: %q", resp.Content)
	}
	if resp.Model != openAIDefaultModel || resp.FinishReason != "stop" {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Usage.TotalTokens != 10 {
		t.Errorf("usage: %+v", resp.Usage)
	}
}

func TestOpenAI_ModelsAndHealth(t *testing.T) {
	srv := newOpenAIServer(t, "sk-test")
	o := NewOpenAI(OpenAIConfig{Name: "groq", APIKey: "sk-test", APIBase: srv.URL + "/v1", HTTPClient: srv.Client(), Logger: testLogger()})

	if o.Name() != "groq" {
		t.Errorf("name: %q", o.Name())
	}
	models, err := o.Models(context.Background())
	if err != nil {
		t.Fatalf("Models: %v", err)
	}
	if len(models) != 2 || models[0] != "gpt-4o-mini" {
		t.Fatalf("models: %v", models)
	}
	if err := o.Healthy(context.Background()); err != nil {
		t.Fatalf("Healthy: %v", err)
	}
}

func TestOpenAI_InvalidKey(t *testing.T) {
	srv := newOpenAIServer(t, "sk-test")
	o := NewOpenAI(OpenAIConfig{APIKey: "wrong", APIBase: srv.URL + "/v1", HTTPClient: srv.Client(), Logger: testLogger()})

	err := o.Healthy(context.Background())
	if err == nil || !strings.Contains(err.Error(), "invalid API key") {
		t.Fatalf("expected invalid key error, got %v", err)
	}
	if _, err := o.Chat(context.Background(), domain.ChatRequest{Messages: []domain.Message{{Role: "user", Content: "x"}}}); err == nil {
		t.Fatal("expected chat error with a bad key")
	}
}
