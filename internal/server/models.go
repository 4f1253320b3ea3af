package server

import "time"

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	Backend   string `json:"backend,omitempty"`
}

type ChatResponse struct {
	RequestID  string   `json:"request_id"`
	SessionID  string   `json:"session_id"`
	Reply      string   `json:"reply"`
	Status     string   `json:"status"`
	ToolErrors []string `json:"tool_errors,omitempty"`
}

type OutcomeResponse struct {
	RequestID        string    `json:"request_id"`
	Model            string    `json:"model"`
	UserQuestion     string    `json:"user_question"`
	DurationSeconds  float64   `json:"duration_seconds"`
	InvokedTools     []string  `json:"invoked_tools"`
	InvokedProviders []string  `json:"invoked_providers"`
	Status           string    `json:"status"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	ToolErrors       []string  `json:"tool_errors,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
