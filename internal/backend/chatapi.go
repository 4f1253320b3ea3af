package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
)

// ChatAPI speaks an OpenAI-compatible chat-completions protocol. It has
// no session semantics: every call replays the transcript, so each call
// carries its own wall-clock deadline.
type ChatAPI struct {
	apiKey  string
	baseURL string
	model   string
	budgets Budgets
	retry   RetryPolicy
	client  *http.Client
	logger  *log.Logger
}

// NewChatAPI builds the chat-completions backend.
func NewChatAPI(apiKey, baseURL, model string, budgets Budgets, retry RetryPolicy, logger *log.Logger) *ChatAPI {
	return &ChatAPI{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		budgets: budgets,
		retry:   retry,
		client:  &http.Client{},
		logger:  logger,
	}
}

func (c *ChatAPI) Name() string     { return "chatapi" }
func (c *ChatAPI) Model() string    { return c.model }
func (c *ChatAPI) Budgets() Budgets { return c.budgets }

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
}

type chatToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string          `json:"type"`
	Function chatToolDetails `json:"function"`
}

type chatToolDetails struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type chatRequest struct {
	Model      string        `json:"model"`
	Messages   []chatMessage `json:"messages"`
	Tools      []chatTool    `json:"tools,omitempty"`
	ToolChoice string        `json:"tool_choice,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate replays the transcript through the chat-completions API and
// returns either final text or the requested tool calls. A call that
// exceeds its deadline returns ErrCallTimeout so the engine can degrade
// gracefully.
func (c *ChatAPI) Generate(ctx context.Context, systemPrompt string, history []Turn, tools []ToolSchema) (*Response, error) {
	messages := make([]chatMessage, 0, len(history)+1)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	for _, turn := range history {
		messages = append(messages, mapChatMessage(turn))
	}

	reqBody := chatRequest{Model: c.model, Messages: messages}
	if len(tools) > 0 {
		reqBody.Tools = make([]chatTool, 0, len(tools))
		for _, tool := range tools {
			reqBody.Tools = append(reqBody.Tools, chatTool{
				Type: "function",
				Function: chatToolDetails{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.InputSchema,
				},
			})
		}
		reqBody.ToolChoice = "auto"
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	return generateWithRetry(ctx, c.logger, c.retry, func() (*Response, error) {
		return c.call(ctx, payload)
	})
}

func (c *ChatAPI) call(ctx context.Context, payload []byte) (*Response, error) {
	callCtx := ctx
	if c.budgets.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.budgets.CallTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// Distinguish our per-call deadline from the caller cancelling
		// the whole request.
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %v", ErrCallTimeout, err)
		}
		if IsTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrCallTimeout, err)
		}
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: excerpt(body)}
	}

	var decoded chatResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decoding chat response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("invalid response shape from model API")
	}

	msg := decoded.Choices[0].Message
	out := &Response{Text: msg.Content}
	for _, call := range msg.ToolCalls {
		args := map[string]any{}
		if call.Function.Arguments != "" {
			// Malformed argument JSON degrades to an empty map; the
			// catalog's validation will turn that into a tool error.
			_ = json.Unmarshal([]byte(call.Function.Arguments), &args)
		}
		id := call.ID
		if id == "" {
			id = call.Function.Name
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:   id,
			Name: call.Function.Name,
			Args: args,
		})
	}
	return out, nil
}

// mapChatMessage converts one canonical turn to the wire message shape.
func mapChatMessage(turn Turn) chatMessage {
	msg := chatMessage{Role: turn.Role, Content: turn.Content}
	switch turn.Role {
	case "assistant":
		for _, call := range turn.ToolCalls {
			args, err := json.Marshal(call.Args)
			if err != nil {
				args = []byte("{}")
			}
			msg.ToolCalls = append(msg.ToolCalls, chatToolCall{
				ID:       call.ID,
				Type:     "function",
				Function: chatFunction{Name: call.Name, Arguments: string(args)},
			})
		}
	case "tool":
		msg.ToolCallID = turn.ToolCallID
		msg.Name = turn.ToolName
	}
	return msg
}
