package hubapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"hubdeck/cli/internal/convstate"
)

// Client talks to the hub's REST surface. One instance is safe for
// concurrent use; all methods honor the caller's context.
type Client struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetAPIToken installs the hub profile's token. REST requests carry it as a
// bearer header; the stream URL carries it as access_token, since the
// subscription handshake cannot set headers on every transport.
func (c *Client) SetAPIToken(token string) {
	c.apiToken = strings.TrimSpace(token)
}

// CreateExecutionRequest is the submit payload. QueueIndex is the client's
// optimistic position; the hub may reassign it.
type CreateExecutionRequest struct {
	Content    string `json:"content"`
	Mode       string `json:"mode"`
	ModelID    string `json:"model_id"`
	QueueIndex int    `json:"queue_index"`
}

// CommandResult is returned when the submitted content was a slash command
// handled entirely server-side; no execution is created for those.
type CommandResult struct {
	Command string `json:"command"`
	Output  string `json:"output"`
}

// CreateExecutionResponse carries exactly one of Execution or
// CommandResult.
type CreateExecutionResponse struct {
	Execution     *convstate.Execution           `json:"execution,omitempty"`
	Message       *convstate.ConversationMessage `json:"message,omitempty"`
	CommandResult *CommandResult                 `json:"command_result,omitempty"`
}

type rollbackRequest struct {
	MessageID string `json:"message_id"`
}

type confirmationRequest struct {
	Decision string `json:"decision"`
}

type diffResponse struct {
	Diff []convstate.DiffItem `json:"diff"`
}

type conversationsResponse struct {
	Conversations []convstate.Conversation `json:"conversations"`
}

func (c *Client) ListConversations(ctx context.Context) ([]convstate.Conversation, error) {
	var out conversationsResponse
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

func (c *Client) GetConversationDetail(ctx context.Context, conversationID string) (convstate.ConversationDetail, error) {
	var out convstate.ConversationDetail
	path := fmt.Sprintf("/api/conversations/%s/detail", url.PathEscape(conversationID))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return convstate.ConversationDetail{}, err
	}
	return out, nil
}

func (c *Client) CreateExecution(ctx context.Context, conversationID string, req CreateExecutionRequest) (CreateExecutionResponse, error) {
	var out CreateExecutionResponse
	path := fmt.Sprintf("/api/conversations/%s/executions", url.PathEscape(conversationID))
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return CreateExecutionResponse{}, err
	}
	return out, nil
}

func (c *Client) CancelExecution(ctx context.Context, executionID string) error {
	path := fmt.Sprintf("/api/executions/%s/cancel", url.PathEscape(executionID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) RollbackConversation(ctx context.Context, conversationID, messageID string) error {
	path := fmt.Sprintf("/api/conversations/%s/rollback", url.PathEscape(conversationID))
	return c.do(ctx, http.MethodPost, path, rollbackRequest{MessageID: messageID}, nil)
}

func (c *Client) CommitExecution(ctx context.Context, executionID string) error {
	path := fmt.Sprintf("/api/executions/%s/commit", url.PathEscape(executionID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) DiscardExecution(ctx context.Context, executionID string) error {
	path := fmt.Sprintf("/api/executions/%s/discard", url.PathEscape(executionID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) GetExecutionDiff(ctx context.Context, executionID string) ([]convstate.DiffItem, error) {
	var out diffResponse
	path := fmt.Sprintf("/api/executions/%s/diff", url.PathEscape(executionID))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Diff, nil
}

func (c *Client) ResolveConfirmation(ctx context.Context, executionID, decision string) error {
	path := fmt.Sprintf("/api/executions/%s/confirmation", url.PathEscape(executionID))
	return c.do(ctx, http.MethodPost, path, confirmationRequest{Decision: decision}, nil)
}

// EventStreamURL builds the websocket subscription URL for a conversation,
// carrying the resume cursor when one is known.
func (c *Client) EventStreamURL(conversationID, lastEventID string) string {
	base := c.baseURL
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	u := fmt.Sprintf("%s/ws/conversations/%s/events", base, url.PathEscape(conversationID))
	query := url.Values{}
	if lastEventID != "" {
		query.Set("last_event_id", lastEventID)
	}
	if c.apiToken != "" {
		query.Set("access_token", c.apiToken)
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return responseError(method, path, res)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// responseError surfaces the server's error string when the body carries
// one, falling back to the bare status code.
func responseError(method, path string, res *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 4096)).Decode(&payload); err == nil && payload.Error != "" {
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, res.StatusCode, payload.Error)
	}
	return fmt.Errorf("%s %s failed with status %d", method, path, res.StatusCode)
}
