package crmdialog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSendPostsMessageWithUserHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/conversations/conv-1/messages" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if r.Header.Get(UserHeader) != "agent-1" {
			t.Fatalf("missing user header")
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["message"] != "find Jane" {
			t.Fatalf("unexpected body: %v %v", body, err)
		}
		_ = json.NewEncoder(w).Encode(Reply{Answer: "Jane Smith is in your contacts.", Outcome: "answered"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "agent-1", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	reply, err := client.Send(context.Background(), "conv-1", "find Jane", false)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply.Answer != "Jane Smith is in your contacts." {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestConversationAndCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/conversations/conv-1":
			_ = json.NewEncoder(w).Encode(Conversation{ConversationID: "conv-1", HistorySize: 4,
				Pending: &Pending{ToolName: "contact.create"}})
		case r.Method == http.MethodDelete && r.URL.Path == "/api/v1/conversations/conv-1/pending":
			_ = json.NewEncoder(w).Encode(map[string]any{"cancelled": true})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, "agent-1", nil)
	conv, err := client.Conversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if conv.HistorySize != 4 || conv.Pending == nil || conv.Pending.ToolName != "contact.create" {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
	cancelled, err := client.CancelPending(context.Background(), "conv-1")
	if err != nil || !cancelled {
		t.Fatalf("cancel: %v %v", cancelled, err)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"code":"MODEL_CALL_FAILED","message":"The assistant is unavailable.","retryable":true}}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, "agent-1", srv.Client())
	_, err := client.Send(context.Background(), "conv-1", "hi", false)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Code != "MODEL_CALL_FAILED" || !apiErr.Retryable {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestMissingUserID(t *testing.T) {
	client, _ := NewClient("http://localhost:1", "", nil)
	if _, err := client.Send(context.Background(), "conv-1", "hi", false); err == nil {
		t.Fatalf("expected error without user id")
	}
}
