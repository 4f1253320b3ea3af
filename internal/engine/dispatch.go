package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mohammad-safakhou/aide/internal/backend"
	"github.com/mohammad-safakhou/aide/internal/catalog"
	"github.com/mohammad-safakhou/aide/internal/contract"
)

// shareToolNames are the sharing-capable tools whose result URLs must
// reach the user even if the model omits them from its final text.
var shareToolNames = map[string]bool{
	"create_drive_shared_link_to_user": true,
	"create_drive_public_link":         true,
}

// dispatchRound executes one round of tool calls. Calls targeting the
// same provider run sequentially in request order (create-then-share
// patterns depend on it); calls to distinct providers fan out
// concurrently. Results land in request order regardless of completion
// order.
func (e *Engine) dispatchRound(ctx context.Context, st *runState, cat *catalog.Catalog, calls []backend.ToolCall) []contract.ToolResult {
	for i := range calls {
		if calls[i].Name == "add_event" && calls[i].Args != nil {
			calls[i].Args = repairAddEventArgs(calls[i].Args, st.message, e.now())
		}
	}

	results := make([]contract.ToolResult, len(calls))
	byProvider := make(map[string][]int)
	for i, call := range calls {
		provider := cat.ProviderOf(call.Name)
		byProvider[provider] = append(byProvider[provider], i)
	}

	var wg sync.WaitGroup
	for _, indices := range byProvider {
		wg.Add(1)
		go func(indices []int) {
			defer wg.Done()
			for _, i := range indices {
				results[i] = e.invokeTool(ctx, cat, st.requestID, calls[i])
			}
		}(indices)
	}
	wg.Wait()

	// Bookkeeping strictly in request order so counters, error lists
	// and share URLs stay deterministic.
	for i, result := range results {
		call := calls[i]
		st.totalToolCalls++
		st.recordInvocation(call.Name, result.ProviderName)
		if e.telem != nil {
			e.telem.RecordToolCall(result.ProviderName, call.Name, result.Success)
		}

		if !result.Success {
			msg := result.ErrorMessage
			if msg == "" {
				msg = result.RawText
			}
			st.recordToolError(call.Name + ": " + msg)
			e.logger.Printf("[%s] tool %s returned error: %s", st.requestID, call.Name, msg)
			continue
		}

		if shareToolNames[call.Name] {
			for _, url := range contract.URLs(result) {
				if !containsString(st.shareURLs, url) {
					st.shareURLs = append(st.shareURLs, url)
				}
			}
		}
		if call.Name == "add_event" && call.Args != nil {
			st.lastAddedEventArgs = copyArgs(call.Args)
		}
		st.lastSuccessfulTool = call.Name
		st.lastSuccessfulContent = result.RawText
	}
	return results
}

// invokeTool runs one tool call under its own deadline and normalizes
// the output. It never touches shared request state.
func (e *Engine) invokeTool(ctx context.Context, cat *catalog.Catalog, requestID string, call backend.ToolCall) contract.ToolResult {
	provider := cat.ProviderOf(call.Name)
	e.logger.Printf("[%s] invoking tool=%s provider=%s", requestID, call.Name, provider)

	callCtx, cancel := context.WithTimeout(ctx, e.toolTimeout)
	defer cancel()

	started := time.Now()
	raw, err := cat.Invoke(callCtx, call.Name, call.Args)
	if err != nil {
		e.logger.Printf("[%s] tool %s failed after %.3fs: %v", requestID, call.Name, time.Since(started).Seconds(), err)
		return contract.NormalizeError(call.Name, provider, err)
	}
	e.logger.Printf("[%s] tool %s completed in %.3fs", requestID, call.Name, time.Since(started).Seconds())
	return contract.Normalize(call.Name, provider, raw)
}

// toolTurn renders a normalized result as the tool-role history turn
// fed back to the model.
func toolTurn(call backend.ToolCall, result contract.ToolResult) backend.Turn {
	payload, err := json.Marshal(contract.ForModel(result))
	if err != nil {
		payload = []byte(`{"success": false, "error": {"code": "encoding_error", "message": "result not serializable"}}`)
	}
	return backend.Turn{
		Role:       "tool",
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    string(payload),
	}
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func copyArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for key, value := range args {
		out[key] = value
	}
	return out
}
