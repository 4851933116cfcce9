package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "OpenCRM-Dialog/internal/errors"
	"OpenCRM-Dialog/internal/orchestrator"
	"OpenCRM-Dialog/internal/session"
)

type stubDialog struct {
	lastRequest orchestrator.Request
	resp        *orchestrator.Response
	err         error
	sess        *session.Session
	cancelled   *session.PendingConfirmation
}

func (s *stubDialog) HandleMessage(_ context.Context, req orchestrator.Request) (*orchestrator.Response, error) {
	s.lastRequest = req
	return s.resp, s.err
}

func (s *stubDialog) Snapshot(context.Context, string, string) (*session.Session, error) {
	if s.sess == nil {
		return nil, session.ErrSessionNotFound
	}
	return s.sess, nil
}

func (s *stubDialog) CancelPending(context.Context, string, string) (*session.PendingConfirmation, error) {
	return s.cancelled, nil
}

func do(t *testing.T, srv *Server, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSendMessage(t *testing.T) {
	dialog := &stubDialog{resp: &orchestrator.Response{
		Answer:           "Shall I create a contact for Jane Smith?",
		Outcome:          orchestrator.OutcomeApproval,
		RequiresApproval: true,
	}}
	srv := NewServer(":0", dialog)

	rec := do(t, srv, http.MethodPost, "/api/v1/conversations/conv-1/messages", "agent-1",
		`{"message":"create a contact for Jane Smith","voice_mode":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d (%s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	if dialog.lastRequest.UserID != "agent-1" || dialog.lastRequest.ConversationID != "conv-1" || !dialog.lastRequest.VoiceMode {
		t.Fatalf("request not forwarded correctly: %+v", dialog.lastRequest)
	}

	var got orchestrator.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !got.RequiresApproval || got.Outcome != orchestrator.OutcomeApproval {
		t.Fatalf("unexpected response: %+v", got)
	}
}

func TestSendMessageErrors(t *testing.T) {
	t.Run("missing user header", func(t *testing.T) {
		rec := do(t, NewServer(":0", &stubDialog{}), http.MethodPost, "/api/v1/conversations/conv-1/messages", "", `{"message":"hi"}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := do(t, NewServer(":0", &stubDialog{}), http.MethodPost, "/api/v1/conversations/conv-1/messages", "agent-1", `{`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("model failure hides internal text", func(t *testing.T) {
		dialog := &stubDialog{err: xerrors.New(xerrors.CodeModelFailure, "upstream 500: secret internal detail")}
		rec := do(t, NewServer(":0", dialog), http.MethodPost, "/api/v1/conversations/conv-1/messages", "agent-1", `{"message":"hi"}`)
		if rec.Code != http.StatusBadGateway {
			t.Fatalf("expected status %d, got %d", http.StatusBadGateway, rec.Code)
		}
		if strings.Contains(rec.Body.String(), "secret internal detail") {
			t.Fatalf("internal error text leaked: %s", rec.Body.String())
		}
		var body map[string]errorBody
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
		if body["error"].Code != string(xerrors.CodeModelFailure) {
			t.Fatalf("unexpected error code: %+v", body)
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := do(t, NewServer(":0", &stubDialog{}), http.MethodGet, "/api/v1/conversations/conv-1/messages", "agent-1", "")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})
}

func TestSnapshotAndCancel(t *testing.T) {
	sess := session.New("agent-1", "conv-1")
	sess.AddMessage(session.RoleUser, "hello")
	sess.AutoExecute = true
	pending := &session.PendingConfirmation{ToolName: "contact.create"}
	dialog := &stubDialog{sess: sess, cancelled: pending}
	srv := NewServer(":0", dialog)

	rec := do(t, srv, http.MethodGet, "/api/v1/conversations/conv-1", "agent-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	var view SessionView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.HistorySize != 1 || !view.AutoExecute || view.ID != sess.ID {
		t.Fatalf("unexpected view: %+v", view)
	}

	rec = do(t, srv, http.MethodDelete, "/api/v1/conversations/conv-1/pending", "agent-1", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"cancelled":true`) {
		t.Fatalf("unexpected cancel response: %d %s", rec.Code, rec.Body.String())
	}

	missing := do(t, NewServer(":0", &stubDialog{}), http.MethodGet, "/api/v1/conversations/none", "agent-1", "")
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, missing.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv := NewServer(":0", &stubDialog{})
	if rec := do(t, srv, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", rec.Code)
	}
	do(t, srv, http.MethodGet, "/healthz", "", "")
	rec := do(t, srv, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "crmdialog_http_requests_total") {
		t.Fatalf("metrics endpoint missing http counters")
	}
}
