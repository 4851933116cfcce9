package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenCRM-Dialog/sdk/go/crmdialog"
)

func executeCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(crmdialog.UserHeader) == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/messages"):
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			_ = json.NewEncoder(w).Encode(crmdialog.Reply{
				Answer:           "echo: " + body["message"].(string),
				RequiresApproval: true,
				Pending:          &crmdialog.Pending{ToolName: "contact.create"},
				Suggestions:      []string{"Add a note?"},
			})
		case r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(crmdialog.Conversation{ConversationID: "conv-1", HistorySize: 2,
				Focus: &crmdialog.EntityRef{Kind: "contact", ID: "c-1"}})
		case r.Method == http.MethodDelete:
			_ = json.NewEncoder(w).Encode(map[string]any{"cancelled": true})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSendPrintsReply(t *testing.T) {
	srv := fakeServer(t)
	out, err := executeCLI(t, "", "--server", srv.URL, "--user", "agent-1", "-c", "conv-1", "send", "create", "Jane")
	require.NoError(t, err)
	assert.Contains(t, out, "echo: create Jane")
	assert.Contains(t, out, "awaiting approval: contact.create")
	assert.Contains(t, out, "- Add a note?")
}

func TestChatLoopsUntilExit(t *testing.T) {
	srv := fakeServer(t)
	out, err := executeCLI(t, "hello\n\nyes\nexit\n", "--server", srv.URL, "--user", "agent-1", "-c", "conv-1", "chat")
	require.NoError(t, err)
	assert.Contains(t, out, "echo: hello")
	assert.Contains(t, out, "echo: yes")
}

func TestShowAndCancel(t *testing.T) {
	srv := fakeServer(t)
	out, err := executeCLI(t, "", "--server", srv.URL, "--user", "agent-1", "-c", "conv-1", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "focus: contact c-1")

	out, err = executeCLI(t, "", "--server", srv.URL, "--user", "agent-1", "-c", "conv-1", "cancel")
	require.NoError(t, err)
	assert.Contains(t, out, "pending action cancelled")
}

func TestRequiresUserAndConversation(t *testing.T) {
	t.Setenv("CRMDIALOG_USER", "")
	t.Setenv("CRMDIALOG_CONVERSATION", "")
	_, err := executeCLI(t, "", "--server", "http://localhost:1", "-c", "conv-1", "send", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user id is required")

	_, err = executeCLI(t, "", "--server", "http://localhost:1", "--user", "agent-1", "show")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conversation id is required")
}
