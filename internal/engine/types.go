package engine

import (
	"sort"
	"time"

	"github.com/mohammad-safakhou/aide/internal/backend"
	"github.com/mohammad-safakhou/aide/internal/catalog"
)

// Outcome statuses. Every request terminates in exactly one of these.
const (
	StatusSuccess        = "success"
	StatusSuccessWithErr = "success_with_tool_errors"
	StatusError          = "error"
	StatusNoOp           = "no_op"
)

// Error kinds refine StatusError for logs and debugging. They never
// leak into the metrics status field.
const (
	kindToolBudget       = "tool_budget_exhausted"
	kindRoundLimit       = "round_limit_exhausted"
	kindPerRoundLimit    = "per_round_limit_exhausted"
	kindRepeatedFailures = "repeated_tool_failures"
	kindQuotaExhausted   = "quota_exhausted"
	kindBackendTransient = "backend_transient"
	kindBackendTerminal  = "backend_terminal"
	kindTimeout          = "timeout"
	kindTimeoutDegraded  = "timeout_degraded"
	kindException        = "exception"
)

// Request is one user turn handed to the engine.
type Request struct {
	Message string
	History []backend.Turn
	// Backend selects the model backend variant for this request.
	Backend string
	// OnUpdate, when set, receives each intermediate history snapshot.
	OnUpdate func(history []backend.Turn)
}

// Outcome is the terminal result of one request.
type Outcome struct {
	RequestID        string
	Status           string
	ErrorKind        string
	FinalText        string
	History          []backend.Turn
	ErrorMessage     string
	ToolErrors       []string
	InvokedTools     []string
	InvokedProviders []string
	Duration         time.Duration
}

// runState carries all per-request mutable state. It is owned by one
// request and never shared.
type runState struct {
	requestID string
	message   string
	model     string
	startedAt time.Time

	totalToolCalls        int
	roundsInResponse      int
	consecutiveAllErrors  int
	invokedTools          []string
	invokedProviders      map[string]bool
	toolErrors            []string
	errorMessage          string
	errorKind             string
	shareURLs             []string
	lastSuccessfulTool    string
	lastSuccessfulContent string
	lastAddedEventArgs    map[string]any

	inviteRequested bool
	inviteEmails    []string
	autoInvitesRan  bool

	history  []backend.Turn
	notice   string
	filtered *catalog.Catalog
}

func (st *runState) recordInvocation(tool, provider string) {
	st.invokedTools = append(st.invokedTools, tool)
	st.invokedProviders[provider] = true
}

func (st *runState) recordToolError(toolError string) {
	st.toolErrors = append(st.toolErrors, toolError)
	if st.errorMessage == "" {
		st.errorMessage = toolError
	}
}

func (st *runState) invokedToolsContain(name string) bool {
	for _, tool := range st.invokedTools {
		if tool == name {
			return true
		}
	}
	return false
}

func (st *runState) providerList() []string {
	out := make([]string, 0, len(st.invokedProviders))
	for name := range st.invokedProviders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
