package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestAPIErrorClassification(t *testing.T) {
	for _, code := range []int{500, 502, 503, 504} {
		if !(&APIError{StatusCode: code}).Transient() {
			t.Fatalf("status %d should be transient", code)
		}
	}
	for _, code := range []int{400, 401, 404, 429} {
		if (&APIError{StatusCode: code}).Transient() {
			t.Fatalf("status %d should not be transient", code)
		}
	}
	if !(&APIError{StatusCode: 429}).QuotaExhausted() {
		t.Fatalf("429 should classify as quota exhausted")
	}
}

func TestGenerateWithRetryRecoversFromTransient(t *testing.T) {
	var calls int32
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	resp, err := generateWithRetry(context.Background(), nil, policy, func() (*Response, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, &APIError{StatusCode: 503}
		}
		return &Response{Text: "done"}, nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if resp.Text != "done" || calls != 3 {
		t.Fatalf("resp = %+v after %d calls", resp, calls)
	}
}

func TestGenerateWithRetryNotifiesEachRetry(t *testing.T) {
	var calls, notified int32
	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		OnRetry:     func() { atomic.AddInt32(&notified, 1) },
	}
	resp, err := generateWithRetry(context.Background(), nil, policy, func() (*Response, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, &APIError{StatusCode: 503}
		}
		return &Response{Text: "done"}, nil
	})
	if err != nil || resp.Text != "done" {
		t.Fatalf("resp = %+v, err = %v", resp, err)
	}
	if notified != 2 {
		t.Fatalf("notified %d retries, want 2", notified)
	}
}

func TestGenerateWithRetryStopsOnTerminal(t *testing.T) {
	var calls int32
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	_, err := generateWithRetry(context.Background(), nil, policy, func() (*Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, &APIError{StatusCode: 401}
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 401 {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Fatalf("terminal error retried %d times", calls)
	}
}

func TestGenerateWithRetryExhaustsAttempts(t *testing.T) {
	var calls int32
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	_, err := generateWithRetry(context.Background(), nil, policy, func() (*Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, &APIError{StatusCode: 500}
	})
	if err == nil || calls != 3 {
		t.Fatalf("err = %v after %d calls", err, calls)
	}
}

func TestChatAPIGenerate(t *testing.T) {
	var captured chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Errorf("auth = %q", got)
		}
		json.NewDecoder(r.Body).Decode(&captured)
		w.Write([]byte(`{"choices": [{"message": {"role": "assistant", "tool_calls": [
			{"id": "c1", "type": "function", "function": {"name": "add_event", "arguments": "{\"summary\": \"standup\"}"}}
		]}}]}`))
	}))
	defer srv.Close()

	b := NewChatAPI("key", srv.URL, "test-model", Budgets{}, RetryPolicy{MaxAttempts: 1}, nil)
	history := []Turn{
		{Role: "user", Content: "schedule standup"},
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "c0", Name: "list_events", Args: map[string]any{}}}},
		{Role: "tool", ToolCallID: "c0", ToolName: "list_events", Content: `{"success": true}`},
	}
	tools := []ToolSchema{{Name: "add_event", InputSchema: map[string]any{"type": "object"}}}

	resp, err := b.Generate(context.Background(), "system text", history, tools)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "add_event" {
		t.Fatalf("tool calls = %v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Args["summary"] != "standup" {
		t.Fatalf("args = %v", resp.ToolCalls[0].Args)
	}

	if captured.Messages[0].Role != "system" || captured.Messages[0].Content != "system text" {
		t.Fatalf("system message = %+v", captured.Messages[0])
	}
	toolMsg := captured.Messages[3]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "c0" || toolMsg.Name != "list_events" {
		t.Fatalf("tool message = %+v", toolMsg)
	}
	if captured.ToolChoice != "auto" {
		t.Fatalf("tool_choice = %q", captured.ToolChoice)
	}
}

func TestChatAPIQuotaError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	b := NewChatAPI("key", srv.URL, "m", Budgets{}, RetryPolicy{MaxAttempts: 1}, nil)
	_, err := b.Generate(context.Background(), "", []Turn{{Role: "user", Content: "hi"}}, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.QuotaExhausted() {
		t.Fatalf("err = %v, want quota APIError", err)
	}
}

func TestChatAPICallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	b := NewChatAPI("key", srv.URL, "m", Budgets{CallTimeout: 20 * time.Millisecond}, RetryPolicy{MaxAttempts: 1}, nil)
	_, err := b.Generate(context.Background(), "", []Turn{{Role: "user", Content: "hi"}}, nil)
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("err = %v, want ErrCallTimeout", err)
	}
}

func TestFunCallGenerate(t *testing.T) {
	var captured funcallRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-goog-api-key"); got != "key" {
			t.Errorf("api key header = %q", got)
		}
		json.NewDecoder(r.Body).Decode(&captured)
		w.Write([]byte(`{"candidates": [{"content": {"role": "model", "parts": [
			{"functionCall": {"name": "send_email", "args": {"to_email": "a@b.c"}}}
		]}}]}`))
	}))
	defer srv.Close()

	b := NewFunCall("key", srv.URL, "test-model", Budgets{}, RetryPolicy{MaxAttempts: 1}, nil)
	history := []Turn{
		{Role: "user", Content: "email alice"},
		{Role: "assistant", ToolCalls: []ToolCall{{Name: "list_contacts", Args: map[string]any{}}}},
		{Role: "tool", ToolName: "list_contacts", Content: `{"success": true, "data": {"text": "alice a@b.c"}}`},
		{Role: "tool", ToolName: "get_contact", Content: "plain text"},
	}

	resp, err := b.Generate(context.Background(), "sys", history, []ToolSchema{{
		Name:        "send_email",
		InputSchema: map[string]any{"type": "object", "title": "SendEmail"},
	}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "send_email" {
		t.Fatalf("tool calls = %v", resp.ToolCalls)
	}

	if captured.SystemInstruction == nil || captured.SystemInstruction.Parts[0].Text != "sys" {
		t.Fatalf("system instruction = %+v", captured.SystemInstruction)
	}
	// assistant -> model, consecutive tool turns grouped into one content
	if captured.Contents[1].Role != "model" || captured.Contents[1].Parts[0].FunctionCall == nil {
		t.Fatalf("model content = %+v", captured.Contents[1])
	}
	toolContent := captured.Contents[2]
	if toolContent.Role != "tool" || len(toolContent.Parts) != 2 {
		t.Fatalf("tool content = %+v", toolContent)
	}
	if toolContent.Parts[1].FunctionResponse.Response["text"] != "plain text" {
		t.Fatalf("plain text result not wrapped: %+v", toolContent.Parts[1])
	}
	// "title" must be stripped from the declaration schema
	if _, ok := captured.Tools[0].FunctionDeclarations[0].Parameters["title"]; ok {
		t.Fatalf("schema not sanitized: %+v", captured.Tools[0].FunctionDeclarations[0].Parameters)
	}
}

func TestFunCallTextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": [{"content": {"role": "model", "parts": [{"text": "all"}, {"text": " done"}]}}]}`))
	}))
	defer srv.Close()

	b := NewFunCall("key", srv.URL, "m", Budgets{}, RetryPolicy{MaxAttempts: 1}, nil)
	resp, err := b.Generate(context.Background(), "", []Turn{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text != "all done" || len(resp.ToolCalls) != 0 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestSanitizeSchemaRecursive(t *testing.T) {
	schema := map[string]any{
		"type":  "object",
		"title": "Top",
		"properties": map[string]any{
			"when": map[string]any{"type": "string", "default": "now", "title": "When"},
		},
	}
	cleaned := sanitizeSchema(schema)
	if _, ok := cleaned["title"]; ok {
		t.Fatalf("top-level title kept: %v", cleaned)
	}
	when := cleaned["properties"].(map[string]any)["when"].(map[string]any)
	if _, ok := when["default"]; ok {
		t.Fatalf("nested default kept: %v", when)
	}
	if when["type"] != "string" {
		t.Fatalf("legit keys lost: %v", when)
	}
}
