package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"OpenCRM-Dialog/sdk/go/crmdialog"
)

// main runs the SDK against an in-process fake of the dialogue API.
func main() {
	var pending *crmdialog.Pending
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if pending == nil {
			pending = &crmdialog.Pending{ToolName: "contact.create", ConfirmationPrompt: "Shall I create a contact for Jane Smith?"}
			_ = json.NewEncoder(w).Encode(crmdialog.Reply{
				Answer: pending.ConfirmationPrompt, Outcome: "approval_required", RequiresApproval: true, Pending: pending,
			})
			return
		}
		pending = nil
		_ = json.NewEncoder(w).Encode(crmdialog.Reply{
			Answer:      "Done: Created Jane Smith.",
			Outcome:     "executed",
			Executed:    []crmdialog.ToolRun{{Tool: "contact.create", Success: true}},
			Suggestions: []string{"Schedule a follow-up with Jane Smith?"},
		})
	})
	mux.HandleFunc("GET /api/v1/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(crmdialog.Conversation{
			ConversationID: r.PathValue("id"),
			HistorySize:    4,
			Focus:          &crmdialog.EntityRef{Kind: "contact", ID: "c-demo"},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := crmdialog.NewClient(srv.URL, "agent-demo", srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, message := range []string{"create a contact for Jane Smith", "yes"} {
		reply, err := client.Send(ctx, "conv-demo", message, false)
		if err != nil {
			panic(err)
		}
		fmt.Printf("> %s\n%s (outcome=%s)\n", message, reply.Answer, reply.Outcome)
	}

	conv, err := client.Conversation(ctx, "conv-demo")
	if err != nil {
		panic(err)
	}
	fmt.Printf("focus: %s %s after %d messages\n", conv.Focus.Kind, conv.Focus.ID, conv.HistorySize)
}
