// Package apiclient is the dock's HTTP client for the assistant backend:
// account state, the credit RPCs and the /v1/ask answer endpoint.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/daveri-app/assistant/internal/usage"
)

// ErrAuthRequired marks the absence of a valid session. Callers must not
// retry it automatically.
var ErrAuthRequired = errors.New("auth_required")

// TokenSource supplies the current bearer token; empty means no session.
type TokenSource interface {
	Token() string
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
	Tokens  TokenSource
}

func New(baseURL string, tokens TokenSource) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Tokens:  tokens,
	}
}

// Account is the slice of /me the entitlement resolver consumes.
type Account struct {
	PlanID        string
	Entitlements  map[string]bool
	AssistantMode string
}

type ConsumeRequest struct {
	Cost           int      `json:"cost"`
	ConversationID string   `json:"conversation_id,omitempty"`
	ContextKey     string   `json:"context_key,omitempty"`
	Role           string   `json:"role,omitempty"`
	Content        string   `json:"content"`
	ActiveBotID    *string  `json:"active_bot_id,omitempty"`
	SelectedBotIDs []string `json:"selected_bot_ids,omitempty"`
	ChatMode       string   `json:"chat_mode,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

type ConsumeOutcome struct {
	Allowed        bool           `json:"allowed"`
	MessageID      uint64         `json:"message_id"`
	ConversationID string         `json:"conversation_id"`
	Usage          usage.Snapshot `json:"usage"`
}

type AskRequest struct {
	BotID          string   `json:"bot_id,omitempty"`
	VisitorID      string   `json:"visitor_id,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Message        string   `json:"message"`
	ActiveBotID    string   `json:"active_bot_id,omitempty"`
	SelectedBotIDs []string `json:"selected_bot_ids,omitempty"`
}

type AskResult struct {
	Answer         string
	ConversationID string
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	token := ""
	if c.Tokens != nil {
		token = c.Tokens.Token()
	}
	if token == "" {
		return nil, 0, ErrAuthRequired
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return raw, resp.StatusCode, nil
}

func (c *Client) Me(ctx context.Context) (*Account, error) {
	raw, status, err := c.do(ctx, http.MethodGet, "/me", nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		return nil, ErrAuthRequired
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("me: status %d", status)
	}

	data := gjson.GetBytes(raw, "data")
	acct := &Account{
		PlanID:        data.Get("plan_id").String(),
		AssistantMode: data.Get("assistant_mode").String(),
		Entitlements:  map[string]bool{},
	}
	// Entitlements arrive as a JSON object serialized into a string;
	// empty means the billing sync has not materialized them.
	if ent := data.Get("entitlements").String(); ent != "" {
		gjson.Parse(ent).ForEach(func(k, v gjson.Result) bool {
			acct.Entitlements[k.String()] = v.Bool()
			return true
		})
	}
	return acct, nil
}

func (c *Client) CreditStatus(ctx context.Context) (*usage.Snapshot, error) {
	raw, status, err := c.do(ctx, http.MethodGet, "/rpc/credit-status", nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		return nil, ErrAuthRequired
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("credit status: status %d", status)
	}

	var envelope struct {
		Data usage.Snapshot `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, err
	}
	return &envelope.Data, nil
}

func (c *Client) ConsumeCredit(ctx context.Context, req ConsumeRequest) (*ConsumeOutcome, error) {
	raw, status, err := c.do(ctx, http.MethodPost, "/rpc/consume-credit", req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		return nil, ErrAuthRequired
	}
	if status != http.StatusOK {
		msg := gjson.GetBytes(raw, "message").String()
		if msg == "" {
			msg = fmt.Sprintf("status %d", status)
		}
		return nil, fmt.Errorf("consume credit: %s", msg)
	}

	var envelope struct {
		Data ConsumeOutcome `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, err
	}
	return &envelope.Data, nil
}

// Ask fetches an assistant answer. Deployed answer backends disagree on
// the reply field name, so all known aliases are accepted.
func (c *Client) Ask(ctx context.Context, req AskRequest) (*AskResult, error) {
	raw, status, err := c.do(ctx, http.MethodPost, "/v1/ask", req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		return nil, ErrAuthRequired
	}
	if status < 200 || status >= 300 {
		msg := gjson.GetBytes(raw, "error").String()
		if msg == "" {
			msg = gjson.GetBytes(raw, "details").String()
		}
		if msg == "" {
			msg = fmt.Sprintf("status %d", status)
		}
		return nil, fmt.Errorf("ask: %s", msg)
	}

	answer := ""
	for _, field := range []string{"answer", "output", "reply", "message"} {
		if v := gjson.GetBytes(raw, field); v.Exists() && v.String() != "" {
			answer = v.String()
			break
		}
	}
	if answer == "" {
		return nil, errors.New("ask: empty answer")
	}

	return &AskResult{
		Answer:         answer,
		ConversationID: gjson.GetBytes(raw, "conversation_id").String(),
	}, nil
}

// StaticToken is a fixed-token TokenSource for tools and tests.
type StaticToken string

func (s StaticToken) Token() string { return string(s) }
