// Package contract normalizes raw tool provider output into a single
// result shape that the engine, the model backends, and the metrics
// sink all consume.
package contract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// MaxToolContentChars bounds how much tool output is echoed back to the
// model in one result payload.
const MaxToolContentChars = 5000

// ErrCodeException marks a result built from a transport or runtime error.
const ErrCodeException = "tool_exception"

// ErrCodeError marks a structured failure that carried no code of its own.
const ErrCodeError = "tool_error"

// ErrCodeErrorText marks plain text output that reads like an error.
const ErrCodeErrorText = "tool_error_text"

var urlPattern = regexp.MustCompile(`https?://[^\s<>()"']+`)

// ToolResult is the normalized outcome of one tool invocation.
type ToolResult struct {
	ToolName     string `json:"tool_name"`
	ProviderName string `json:"provider_name"`
	Success      bool   `json:"success"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Data         any    `json:"data"`
	RawText      string `json:"raw_text"`
}

// ModelPayload is the tool result as presented back to the model.
type ModelPayload struct {
	Success bool          `json:"success"`
	Error   *PayloadError `json:"error"`
	Data    PayloadData   `json:"data"`
}

// PayloadError carries the failure code and message of a failed call.
type PayloadError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PayloadData carries the truncated text and any URLs it mentioned.
type PayloadData struct {
	Text string   `json:"text"`
	URLs []string `json:"urls"`
}

// ContentText flattens arbitrary decoded JSON into display text. Maps
// prefer a "text" field, then recurse through "content" and "value";
// lists concatenate their items line by line.
func ContentText(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return fmt.Sprintf("%t", v)
	case float64:
		// JSON numbers decode as float64; render integers without a
		// trailing fraction.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case int:
		return fmt.Sprintf("%d", v)
	case map[string]any:
		if text, ok := v["text"].(string); ok {
			return text
		}
		if inner, ok := v["content"]; ok {
			return ContentText(inner)
		}
		if inner, ok := v["value"]; ok {
			return ContentText(inner)
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	case []any:
		var parts []string
		for _, item := range v {
			if text := ContentText(item); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	default:
		return fmt.Sprintf("%v", v)
	}
}

// LooksLikeErrorText reports whether plain tool output starts with one
// of the failure prefixes providers emit when they cannot raise a
// structured error.
func LooksLikeErrorText(text string) bool {
	lowered := strings.ToLower(strings.TrimSpace(text))
	for _, prefix := range []string{
		"error:",
		"search failed:",
		"fetch failed:",
		"drive api request failed:",
	} {
		if strings.HasPrefix(lowered, prefix) {
			return true
		}
	}
	return false
}

// ExtractURLs returns every URL mentioned in text, stripped of trailing
// punctuation, in order of appearance.
func ExtractURLs(text string) []string {
	if text == "" {
		return nil
	}
	var urls []string
	for _, raw := range urlPattern.FindAllString(text, -1) {
		cleaned := strings.TrimRight(raw, ".,;:)]}")
		if cleaned != "" {
			urls = append(urls, cleaned)
		}
	}
	return urls
}

// safeParseObject decodes text as a JSON object when it is plausibly
// one, and returns nil otherwise.
func safeParseObject(text string) map[string]any {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return nil
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil
	}
	return parsed
}

// Normalize builds a ToolResult from raw provider output. Structured
// JSON envelopes pass their success flag, data and error through;
// plain text that reads like an error is classified as a failure;
// anything else is a successful text result.
func Normalize(toolName, providerName, rawText string) ToolResult {
	text := rawText
	result := ToolResult{
		ToolName:     toolName,
		ProviderName: providerName,
		Success:      true,
		Data:         map[string]any{"text": text},
		RawText:      text,
	}

	if parsed := safeParseObject(text); parsed != nil {
		if success, ok := parsed["success"].(bool); ok {
			result.Success = success
		}
		if data, ok := parsed["data"]; ok {
			result.Data = data
		} else if data, ok := parsed["result"]; ok {
			result.Data = data
		}
		if errObj, ok := parsed["error"].(map[string]any); ok {
			result.ErrorCode = ContentText(errObj["code"])
			result.ErrorMessage = ContentText(errObj["message"])
			if result.ErrorMessage != "" {
				result.Success = false
			}
		}
		if result.ErrorMessage == "" {
			if msg := parsed["error_message"]; msg != nil && ContentText(msg) != "" {
				result.ErrorMessage = ContentText(msg)
				result.Success = false
			}
		}
		if !result.Success && result.ErrorCode == "" {
			result.ErrorCode = ErrCodeError
		}
		return result
	}

	if LooksLikeErrorText(text) {
		result.Success = false
		result.ErrorCode = ErrCodeErrorText
		result.ErrorMessage = text
	}
	return result
}

// NormalizeError builds a failed ToolResult from an invocation error.
func NormalizeError(toolName, providerName string, err error) ToolResult {
	return ToolResult{
		ToolName:     toolName,
		ProviderName: providerName,
		Success:      false,
		ErrorCode:    ErrCodeException,
		ErrorMessage: err.Error(),
		Data:         map[string]any{"text": ""},
		RawText:      "",
	}
}

// ForModel projects a ToolResult into the payload echoed back to the
// model, with its text bounded and URLs surfaced separately.
func ForModel(r ToolResult) ModelPayload {
	dataText := ContentText(r.Data)
	payload := ModelPayload{
		Success: r.Success,
		Data: PayloadData{
			Text: TruncateForModel(dataText),
			URLs: ExtractURLs(dataText),
		},
	}
	if !r.Success {
		payload.Error = &PayloadError{Code: r.ErrorCode, Message: r.ErrorMessage}
	}
	return payload
}

// URLs collects the distinct URLs a result mentioned, checking both the
// raw text and the structured data.
func URLs(r ToolResult) []string {
	var urls []string
	seen := make(map[string]bool)
	for _, candidate := range []string{r.RawText, ContentText(r.Data)} {
		for _, url := range ExtractURLs(candidate) {
			if !seen[url] {
				seen[url] = true
				urls = append(urls, url)
			}
		}
	}
	return urls
}

// TruncateForModel caps text at MaxToolContentChars, marking the cut.
func TruncateForModel(text string) string {
	return truncate(text, MaxToolContentChars)
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return strings.TrimRight(string(runes[:limit]), " \t\n\r") + "\n\n[Truncated for model context]"
}
