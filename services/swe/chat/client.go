// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// Querier
// =============================================================================

// Querier is the narrow interface steps talk through. The production
// implementation is Client (refact sidecar protocol); OpenAIClient serves
// extension-free endpoints and tests inject fakes.
type Querier interface {
	// Ask submits a message history and returns req.N independent
	// extended histories. Deterministic tool results, when the sidecar
	// produces them, are shared by every returned history.
	Ask(ctx context.Context, req AskRequest) ([][]Message, error)

	// Tools fetches the tool schemas the sidecar currently exposes.
	Tools(ctx context.Context) ([]ToolDefinition, error)
}

// AskRequest is one conversation exchange.
type AskRequest struct {
	// Messages is the ordered history to extend.
	Messages []Message

	// N is the number of independent continuations to sample.
	// Zero means 1.
	N int

	// Model is the model identifier.
	Model string

	// Tools is the enabled tool set for this call. The model may only
	// invoke what is listed here.
	Tools []ToolDefinition

	// Temperature is the sampling temperature.
	Temperature float64

	// MaxTokens bounds the completion length. Zero means the client
	// default.
	MaxTokens int

	// Stop lists stop sequences.
	Stop []string

	// OnlyDeterministic asks the sidecar to execute the tool calls
	// already present in the last assistant message and append their
	// results, without sampling the model at all. This is what makes
	// context-gathering reproducible: the pipeline fixes what to call,
	// the tool determines what comes back.
	OnlyDeterministic bool
}

// =============================================================================
// Client
// =============================================================================

const (
	defaultMaxTokens   = 2048
	defaultHTTPTimeout = 10 * time.Minute
	maxErrorBodyBytes  = 2048
)

// Client speaks the refact chat protocol over HTTP.
//
// The protocol is OpenAI chat completions plus the deterministic_messages
// extension, so this client is hand-rolled on net/http; the typed OpenAI
// SDK cannot carry the extra roles and flags.
type Client struct {
	baseURL string
	httpc   *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom http.Client (tests use httptest servers
// with short timeouts).
func WithHTTPClient(httpc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpc = httpc
	}
}

// WithRateLimit bounds outgoing requests to rps with the given burst.
// Useful when many instances share one sidecar or one upstream model
// account.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// NewClient creates a client for the sidecar at baseURL
// (e.g. "http://127.0.0.1:8110/v1").
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: defaultHTTPTimeout},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// chatPost is the wire form of an AskRequest.
type chatPost struct {
	Model                     string           `json:"model"`
	N                         int              `json:"n"`
	Messages                  []Message        `json:"messages"`
	Temperature               float64          `json:"temperature"`
	TopP                      float64          `json:"top_p"`
	Stop                      []string         `json:"stop"`
	Stream                    bool             `json:"stream"`
	Tools                     []ToolDefinition `json:"tools,omitempty"`
	MaxTokens                 int              `json:"max_tokens"`
	OnlyDeterministicMessages bool             `json:"only_deterministic_messages"`
}

// chatChoice is one sampled continuation in the response.
type chatChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
	Usage        *Usage  `json:"usage,omitempty"`
}

// chatResponse is the sidecar's answer, deterministic messages first.
type chatResponse struct {
	DeterministicMessages []Message    `json:"deterministic_messages"`
	Choices               []chatChoice `json:"choices"`
	Usage                 *Usage       `json:"usage,omitempty"`
}

// Ask implements Querier.
func (c *Client) Ask(ctx context.Context, req AskRequest) ([][]Message, error) {
	n := req.N
	if n <= 0 {
		n = 1
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	stop := req.Stop
	if stop == nil {
		stop = []string{}
	}

	post := chatPost{
		Model:                     req.Model,
		N:                         n,
		Messages:                  req.Messages,
		Temperature:               req.Temperature,
		TopP:                      0.95,
		Stop:                      stop,
		Stream:                    false,
		Tools:                     req.Tools,
		MaxTokens:                 maxTokens,
		OnlyDeterministicMessages: req.OnlyDeterministic,
	}

	var resp chatResponse
	if err := c.postJSON(ctx, "/chat", post, &resp); err != nil {
		return nil, err
	}

	choices := make([]Message, n)
	for _, ch := range resp.Choices {
		if ch.Index < 0 || ch.Index >= n {
			continue
		}
		msg := ch.Message
		if msg.FinishReason == "" {
			msg.FinishReason = ch.FinishReason
		}
		if msg.Usage == nil {
			if ch.Usage != nil {
				msg.Usage = ch.Usage
			} else if resp.Usage != nil && ch.Index == 0 {
				msg.Usage = resp.Usage
			}
		}
		choices[ch.Index] = msg
	}

	return joinMessagesAndChoices(req.Messages, resp.DeterministicMessages, choices), nil
}

// Tools implements Querier.
func (c *Client) Tools(ctx context.Context) ([]ToolDefinition, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tools", nil)
	if err != nil {
		return nil, fmt.Errorf("chat: build tools request: %w", err)
	}
	res, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var tools []ToolDefinition
	if err := json.NewDecoder(res.Body).Decode(&tools); err != nil {
		return nil, &TransportError{URL: httpReq.URL.String(), Err: fmt.Errorf("decode tools response: %w", err)}
	}
	return tools, nil
}

// DiffApply toggles the applied state of diff chunks on the sidecar's
// working tree via POST /diff-apply. apply[i] selects the target state
// of chunks[i]; the endpoint is idempotent, repeated identical calls
// converge to the same tree state.
func (c *Client) DiffApply(ctx context.Context, chunks []json.RawMessage, apply []bool) error {
	post := map[string]any{
		"apply":  apply,
		"chunks": chunks,
	}
	var ignored json.RawMessage
	return c.postJSON(ctx, "/diff-apply", post, &ignored)
}

// postJSON posts a JSON body and decodes a JSON answer, turning every
// failure into *TransportError.
func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("chat: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("chat: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.do(httpReq)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &TransportError{URL: httpReq.URL.String(), Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// do runs one HTTP exchange under the rate limiter and maps non-2xx
// statuses to *TransportError.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, &TransportError{URL: req.URL.String(), Err: err}
		}
	}
	res, err := c.httpc.Do(req)
	if err != nil {
		return nil, &TransportError{URL: req.URL.String(), Err: err}
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodyBytes))
		res.Body.Close()
		c.log.Error("sidecar returned error status",
			"url", req.URL.String(), "status", res.StatusCode)
		return nil, &TransportError{
			URL:        req.URL.String(),
			StatusCode: res.StatusCode,
			Body:       string(body),
		}
	}
	return res, nil
}

// joinMessagesAndChoices builds the per-choice extended histories.
//
// Trailing user messages of the original history are dropped because the
// sidecar rewrites them (@-command expansion) and returns the rewritten
// form among the deterministic messages. Deterministic messages are
// shared; each choice then gets its own deep copy with the sampled
// assistant message appended. Empty tool-call slices are normalized to
// nil so role invariants stay checkable.
func joinMessagesAndChoices(orig, deterministic, choices []Message) [][]Message {
	base := CloneMessages(orig)
	for len(base) > 0 && base[len(base)-1].Role == RoleUser {
		base = base[:len(base)-1]
	}
	base = append(base, deterministic...)

	out := make([][]Message, len(choices))
	for i, msg := range choices {
		history := CloneMessages(base)
		if msg.Role != "" {
			if msg.ToolCalls != nil && len(msg.ToolCalls) == 0 {
				msg.ToolCalls = nil
			}
			history = append(history, msg)
		}
		out[i] = history
	}
	return out
}
