package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
)

// FunCall speaks a native function-calling protocol: tool calls and
// their responses are structured parts of the conversation contents
// rather than serialized chat messages.
type FunCall struct {
	apiKey  string
	baseURL string
	model   string
	budgets Budgets
	retry   RetryPolicy
	client  *http.Client
	logger  *log.Logger
}

// NewFunCall builds the function-calling backend.
func NewFunCall(apiKey, baseURL, model string, budgets Budgets, retry RetryPolicy, logger *log.Logger) *FunCall {
	return &FunCall{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		budgets: budgets,
		retry:   retry,
		client:  &http.Client{},
		logger:  logger,
	}
}

func (f *FunCall) Name() string     { return "funcall" }
func (f *FunCall) Model() string    { return f.model }
func (f *FunCall) Budgets() Budgets { return f.budgets }

type funcallPart struct {
	Text             string           `json:"text,omitempty"`
	FunctionCall     *funcallFnCall   `json:"functionCall,omitempty"`
	FunctionResponse *funcallFnResult `json:"functionResponse,omitempty"`
}

type funcallFnCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type funcallFnResult struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type funcallContent struct {
	Role  string        `json:"role"`
	Parts []funcallPart `json:"parts"`
}

type funcallRequest struct {
	SystemInstruction *funcallContent `json:"systemInstruction,omitempty"`
	Contents          []funcallContent `json:"contents"`
	Tools             []funcallTools   `json:"tools,omitempty"`
}

type funcallTools struct {
	FunctionDeclarations []funcallDeclaration `json:"functionDeclarations"`
}

type funcallDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type funcallResponse struct {
	Candidates []struct {
		Content funcallContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate maps the canonical history onto the protocol's contents,
// calls the API with transient-error retry and returns either final
// text or the requested tool calls.
func (f *FunCall) Generate(ctx context.Context, systemPrompt string, history []Turn, tools []ToolSchema) (*Response, error) {
	reqBody := funcallRequest{
		Contents: mapFuncallContents(history),
	}
	if systemPrompt != "" {
		reqBody.SystemInstruction = &funcallContent{Parts: []funcallPart{{Text: systemPrompt}}}
	}
	if len(tools) > 0 {
		decls := make([]funcallDeclaration, 0, len(tools))
		for _, tool := range tools {
			decls = append(decls, funcallDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  sanitizeSchema(tool.InputSchema),
			})
		}
		reqBody.Tools = []funcallTools{{FunctionDeclarations: decls}}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encoding generate request: %w", err)
	}

	return generateWithRetry(ctx, f.logger, f.retry, func() (*Response, error) {
		return f.call(ctx, payload)
	})
}

func (f *FunCall) call(ctx context.Context, payload []byte) (*Response, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", f.baseURL, f.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", f.apiKey)

	resp, err := f.client.Do(req)
	if err != nil {
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

	var decoded funcallResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decoding generate response: %w", err)
	}
	if decoded.Error != nil {
		return nil, &APIError{StatusCode: decoded.Error.Code, Message: decoded.Error.Message}
	}
	if len(decoded.Candidates) == 0 {
		return &Response{}, nil
	}

	out := &Response{}
	var textParts []string
	for _, part := range decoded.Candidates[0].Content.Parts {
		if part.Text != "" {
			textParts = append(textParts, part.Text)
		}
		if part.FunctionCall != nil {
			args := part.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:   part.FunctionCall.Name,
				Name: part.FunctionCall.Name,
				Args: args,
			})
		}
	}
	out.Text = strings.Join(textParts, "")
	return out, nil
}

// mapFuncallContents converts canonical turns to protocol contents.
// Assistant turns become "model" contents; consecutive tool turns are
// grouped into one "tool" content with a response part per call.
func mapFuncallContents(history []Turn) []funcallContent {
	var contents []funcallContent
	for i := 0; i < len(history); i++ {
		turn := history[i]
		switch turn.Role {
		case "system":
			// Carried separately via the system instruction.
		case "user":
			contents = append(contents, funcallContent{
				Role:  "user",
				Parts: []funcallPart{{Text: turn.Content}},
			})
		case "assistant":
			content := funcallContent{Role: "model"}
			if turn.Content != "" {
				content.Parts = append(content.Parts, funcallPart{Text: turn.Content})
			}
			for _, call := range turn.ToolCalls {
				content.Parts = append(content.Parts, funcallPart{
					FunctionCall: &funcallFnCall{Name: call.Name, Args: call.Args},
				})
			}
			if len(content.Parts) > 0 {
				contents = append(contents, content)
			}
		case "tool":
			content := funcallContent{Role: "tool"}
			for ; i < len(history) && history[i].Role == "tool"; i++ {
				content.Parts = append(content.Parts, funcallPart{
					FunctionResponse: &funcallFnResult{
						Name:     history[i].ToolName,
						Response: decodeResultObject(history[i].Content),
					},
				})
			}
			i--
			contents = append(contents, content)
		}
	}
	return contents
}

// decodeResultObject parses a tool turn's JSON payload back into an
// object, wrapping plain text when it is not one.
func decodeResultObject(content string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err == nil {
		return obj
	}
	return map[string]any{"text": content}
}

// sanitizeSchema strips schema keys the function-calling API rejects.
func sanitizeSchema(schema map[string]any) map[string]any {
	cleaned, _ := sanitizeSchemaValue(schema).(map[string]any)
	return cleaned
}

func sanitizeSchemaValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			if key == "title" || key == "default" {
				continue
			}
			out[key] = sanitizeSchemaValue(inner)
		}
		return out
	case []any:
		out := make([]any, 0, len(v))
		for _, inner := range v {
			out = append(out, sanitizeSchemaValue(inner))
		}
		return out
	default:
		return value
	}
}

func excerpt(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		return text[:200]
	}
	return text
}
