package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"OpenCRM-Dialog/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestCompleteParsesToolCalls(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":null,"tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"contact_create","arguments":"{\"name\":\"Jane Smith\"}"}},
			{"id":"call_2","type":"function","function":{"name":"contact_search","arguments":"not json"}}
		]}}]}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	resp, err := client.Complete(context.Background(), llm.Request{
		SystemInstruction: "be helpful",
		History: []llm.Message{
			{Role: llm.RoleUser, Content: "hi"},
			{Role: "tool", Content: llm.ToolResultTag + " {}"},
		},
		Query: "create a contact for Jane Smith",
		Tools: []llm.Tool{{
			Name:        "contact_create",
			Description: "Create a contact",
			Parameters:  []llm.Parameter{{Name: "name", Type: "string", Required: true}, {Name: "email"}},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if captured.Authorization != "Bearer test" {
		t.Fatalf("unexpected authorization header: %s", captured.Authorization)
	}
	messages, _ := captured.Body["messages"].([]any)
	if len(messages) != 4 {
		t.Fatalf("expected system, two history and query messages, got %d", len(messages))
	}
	if role := messages[2].(map[string]any)["role"]; role != "user" {
		t.Fatalf("tool results must be sent as user messages, got %v", role)
	}
	tools, _ := captured.Body["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("expected one tool declaration, got %d", len(tools))
	}
	params := tools[0].(map[string]any)["function"].(map[string]any)["parameters"].(map[string]any)
	if required, _ := params["required"].([]any); len(required) != 1 || required[0] != "name" {
		t.Fatalf("unexpected required list: %v", params["required"])
	}

	if len(resp.FunctionCalls) != 2 {
		t.Fatalf("expected two calls, got %+v", resp.FunctionCalls)
	}
	if resp.FunctionCalls[0].Name != "contact_create" || resp.FunctionCalls[0].Args["name"] != "Jane Smith" {
		t.Fatalf("unexpected first call: %+v", resp.FunctionCalls[0])
	}
	if len(resp.FunctionCalls[1].Args) != 0 {
		t.Fatalf("malformed arguments must decode to an empty map")
	}
}

func TestCompleteTextOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["tools"]; ok {
			t.Errorf("tools must be omitted when none are offered")
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  Done.  "}}]}`))
	}))
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	client.httpClient = srv.Client()
	resp, err := client.Complete(context.Background(), llm.Request{Query: "summarize"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "Done." || resp.Empty() {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCompleteErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "chat") && r.Header.Get("Authorization") == "Bearer bad" {
			http.Error(w, "invalid key", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded","type":"insufficient_quota"}}`))
	}))
	defer srv.Close()

	bad, _ := NewClient(Config{APIKey: "bad", BaseURL: srv.URL})
	bad.httpClient = srv.Client()
	if _, err := bad.Complete(context.Background(), llm.Request{Query: "x"}); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected status error, got %v", err)
	}

	envelope, _ := NewClient(Config{APIKey: "ok", BaseURL: srv.URL})
	envelope.httpClient = srv.Client()
	if _, err := envelope.Complete(context.Background(), llm.Request{Query: "x"}); err == nil || !strings.Contains(err.Error(), "quota") {
		t.Fatalf("expected error envelope to surface, got %v", err)
	}
}
