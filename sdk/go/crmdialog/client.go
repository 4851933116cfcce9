// Package crmdialog is a small Go client for the CRM dialogue HTTP API.
package crmdialog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// A turn may run several model round trips, so it is longer than a plain REST call.
const DefaultHTTPTimeout = 2 * time.Minute

// UserHeader carries the authenticated user id expected by the server.
const UserHeader = "X-User-ID"

// Client wraps the HTTP interactions with the dialogue API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	userID string
}

// Action is a UI affordance attached to a reply.
type Action struct {
	Type       string `json:"type"`
	Label      string `json:"label"`
	EntityKind string `json:"entity_kind,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
}

// ToolRun describes one tool execution during a turn.
type ToolRun struct {
	Tool    string         `json:"tool"`
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Pending is an action waiting for the user's approval.
type Pending struct {
	ID                 string         `json:"id"`
	ToolName           string         `json:"tool_name"`
	AccumulatedParams  map[string]any `json:"accumulated_params"`
	SuggestedData      map[string]any `json:"suggested_data,omitempty"`
	ConfirmationPrompt string         `json:"confirmation_prompt"`
	IsDestructive      bool           `json:"is_destructive"`
}

// Reply is the result of one turn.
type Reply struct {
	Answer           string    `json:"answer"`
	Outcome          string    `json:"outcome"`
	RequiresApproval bool      `json:"requires_approval"`
	Pending          *Pending  `json:"pending,omitempty"`
	Executed         []ToolRun `json:"executed,omitempty"`
	Suggestions      []string  `json:"suggestions,omitempty"`
	Actions          []Action  `json:"actions,omitempty"`
	ErrorCode        string    `json:"error_code,omitempty"`
}

// EntityRef points at the focused entity of a conversation.
type EntityRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// TrackedEntity is a recently referenced entity.
type TrackedEntity struct {
	Kind  string `json:"kind"`
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Conversation is a snapshot of the server-side conversation state.
type Conversation struct {
	ID             string                     `json:"id"`
	ConversationID string                     `json:"conversation_id"`
	Focus          *EntityRef                 `json:"focus,omitempty"`
	Recent         map[string][]TrackedEntity `json:"recent,omitempty"`
	Pending        *Pending                   `json:"pending,omitempty"`
	AutoExecute    bool                       `json:"auto_execute"`
	VoiceMode      bool                       `json:"voice_mode"`
	HistorySize    int                        `json:"history_size"`
	UpdatedAt      int64                      `json:"updated_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("crmdialog api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("crmdialog api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil, a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL, userID string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, userID: userID}, nil
}

// UserID returns the user id sent with every request.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// SetUserID overrides the user id.
func (c *Client) SetUserID(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
}

// Send posts one user message to a conversation.
func (c *Client) Send(ctx context.Context, conversationID, message string, voiceMode bool) (Reply, error) {
	var reply Reply
	payload := map[string]any{"message": message, "voice_mode": voiceMode}
	if err := c.call(ctx, http.MethodPost, conversationPath(conversationID, "messages"), payload, &reply); err != nil {
		return Reply{}, err
	}
	return reply, nil
}

// Conversation fetches the conversation snapshot.
func (c *Client) Conversation(ctx context.Context, conversationID string) (Conversation, error) {
	var conv Conversation
	if err := c.call(ctx, http.MethodGet, conversationPath(conversationID), nil, &conv); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// CancelPending discards the pending confirmation, reporting whether one existed.
func (c *Client) CancelPending(ctx context.Context, conversationID string) (bool, error) {
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := c.call(ctx, http.MethodDelete, conversationPath(conversationID, "pending"), nil, &out); err != nil {
		return false, err
	}
	return out.Cancelled, nil
}

func conversationPath(conversationID string, rest ...string) string {
	parts := append([]string{"/api/v1/conversations", conversationID}, rest...)
	return strings.Join(parts, "/")
}

func (c *Client) call(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	userID := c.UserID()
	if userID == "" {
		return nil, errors.New("crmdialog: user id is not set")
	}
	req.Header.Set(UserHeader, userID)
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			envelope := struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}
			_ = json.Unmarshal(data, &envelope)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
