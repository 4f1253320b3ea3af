// Package engine drives one user turn through the round loop: model
// inference, tool dispatch, result normalization and post-processing,
// bounded by per-backend budgets.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/aide/internal/backend"
	"github.com/mohammad-safakhou/aide/internal/catalog"
	"github.com/mohammad-safakhou/aide/internal/intent"
	"github.com/mohammad-safakhou/aide/internal/metrics"
	"github.com/mohammad-safakhou/aide/internal/policy"
	"github.com/mohammad-safakhou/aide/internal/telemetry"
)

// Default base instructions per backend variant. The deployment serves
// Indonesian-speaking users; the intent tables match.
const (
	defaultInstruction = "Anda adalah asisten AI yang membantu. Gunakan Bahasa Indonesia. " +
		"Anda dapat mengakses email, kalender, kontak, penyimpanan file, dan peta melalui alat yang tersedia."
)

// Options configures an Engine.
type Options struct {
	Providers []catalog.Provider
	Backends  map[string]backend.Backend
	Policy    *policy.Builder
	Sink      metrics.Sink
	Telemetry *telemetry.Telemetry
	// ToolTimeout bounds each tool invocation.
	ToolTimeout time.Duration
	// MaxConsecutiveAllErrorRounds terminates the loop after this many
	// rounds in a row where every tool call failed.
	MaxConsecutiveAllErrorRounds int
	// Instructions overrides the base system instruction per backend
	// name. Missing entries fall back to the default.
	Instructions map[string]string
}

// Engine owns the process-wide catalog and runs requests against it.
// Run is safe for concurrent use; per-request state never crosses
// request boundaries.
type Engine struct {
	providers    []catalog.Provider
	backends     map[string]backend.Backend
	policy       *policy.Builder
	sink         metrics.Sink
	telem        *telemetry.Telemetry
	logger       *log.Logger
	tracer       trace.Tracer
	toolTimeout  time.Duration
	maxAllErrors int
	instructions map[string]string

	catalogOnce sync.Once
	catalog     *catalog.Catalog

	// Overridable for tests.
	now   func() time.Time
	newID func(now time.Time) string
}

// New builds an Engine. Catalog discovery is deferred to the first
// request (or an explicit Warmup call).
func New(opts Options) *Engine {
	e := &Engine{
		providers:    opts.Providers,
		backends:     opts.Backends,
		policy:       opts.Policy,
		sink:         opts.Sink,
		telem:        opts.Telemetry,
		tracer:       otel.Tracer("aide/engine"),
		toolTimeout:  opts.ToolTimeout,
		maxAllErrors: opts.MaxConsecutiveAllErrorRounds,
		instructions: opts.Instructions,
		now:          time.Now,
	}
	if e.sink == nil {
		e.sink = metrics.Discard{}
	}
	if e.telem != nil {
		e.logger = e.telem.Logger()
	} else {
		e.logger = log.New(log.Writer(), "[ENGINE] ", log.LstdFlags)
	}
	if e.maxAllErrors <= 0 {
		e.maxAllErrors = 2
	}
	if e.toolTimeout <= 0 {
		e.toolTimeout = 30 * time.Second
	}
	e.newID = func(now time.Time) string {
		return fmt.Sprintf("%s-%s", now.Format("20060102-150405"), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	}
	return e
}

// Catalog returns the process-wide tool catalog, discovering it on
// first use.
func (e *Engine) Catalog(ctx context.Context) *catalog.Catalog {
	e.catalogOnce.Do(func() {
		e.catalog = catalog.Discover(ctx, e.providers, e.logger)
	})
	return e.catalog
}

// Warmup forces catalog discovery ahead of the first request.
func (e *Engine) Warmup(ctx context.Context) {
	e.Catalog(ctx)
}

// Run processes one user turn to completion. It always returns an
// Outcome; the finalizer emits exactly one metrics record per request,
// even when the loop panics.
func (e *Engine) Run(ctx context.Context, req Request) (out *Outcome) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		// Defined no-op: original history unchanged, no metrics record.
		return &Outcome{Status: StatusNoOp, History: req.History}
	}

	start := e.now()
	st := &runState{
		requestID:        e.newID(start),
		message:          message,
		startedAt:        start,
		invokedProviders: make(map[string]bool),
		inviteRequested:  intent.HasInvite(message),
		inviteEmails:     intent.ExtractEmails(message),
		history:          append(append([]backend.Turn{}, req.History...), backend.Turn{Role: "user", Content: message}),
	}

	be, ok := e.backends[req.Backend]
	if !ok {
		// Still a terminated request: the finalizer records it like any
		// other error exit.
		out = e.errorOutcome(st, kindBackendTerminal, fmt.Sprintf("Error: unknown backend %q", req.Backend))
		e.finalize(ctx, st, out)
		return out
	}
	st.model = be.Model()

	ctx, span := e.tracer.Start(ctx, "engine.run", trace.WithAttributes(
		attribute.String("request.id", st.requestID),
		attribute.String("backend.name", be.Name()),
		attribute.String("backend.model", be.Model()),
	))
	defer span.End()

	e.logger.Printf("[%s] new chat request backend=%s model=%s", st.requestID, be.Name(), be.Model())

	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("[%s] request panicked: %v", st.requestID, r)
			out = e.errorOutcome(st, kindException, fmt.Sprintf("Error: %v", r))
		}
		if out.Status == StatusError {
			span.SetStatus(codes.Error, out.ErrorMessage)
		}
		e.finalize(ctx, st, out)
	}()

	out = e.run(ctx, be, st, req.OnUpdate)
	return out
}

func (e *Engine) run(ctx context.Context, be backend.Backend, st *runState, onUpdate func([]backend.Turn)) *Outcome {
	cat := e.Catalog(ctx)

	requested := intent.Domains(st.message)
	filtered := cat.Filter(requested)
	st.filtered = filtered
	st.notice = unavailableNotice(requested, cat.Unavailable())

	policyDomains := requested
	if len(policyDomains) == 0 || len(filtered.Descriptors()) == 0 {
		policyDomains = toSet(cat.Providers())
	}
	systemPrompt := e.systemPrompt(be.Name(), policyDomains, st.notice)

	schemas := toolSchemas(filtered)
	budgets := be.Budgets()

	for {
		resp, err := be.Generate(ctx, systemPrompt, st.history, schemas)
		if err != nil {
			return e.backendFailure(ctx, st, err)
		}

		if len(resp.ToolCalls) == 0 {
			final := resp.Text
			final = e.runPostProcessor(ctx, st, filtered, final)
			return e.finalTextOutcome(st, final)
		}

		st.roundsInResponse++
		if st.roundsInResponse > budgets.MaxRounds {
			return e.errorOutcome(st, kindRoundLimit,
				"Error: Tool call loop limit reached. Please retry with a more specific request.")
		}
		if budgets.PerRoundCalls > 0 && len(resp.ToolCalls) > budgets.PerRoundCalls {
			return e.errorOutcome(st, kindPerRoundLimit,
				"Error: Too many tool calls requested in one round. Please retry with a narrower request.")
		}

		calls := resp.ToolCalls
		budgetHit := false
		if remaining := budgets.MaxToolCalls - st.totalToolCalls; len(calls) > remaining {
			calls = calls[:remaining]
			budgetHit = true
		}

		st.history = append(st.history, backend.Turn{
			Role:      "assistant",
			Content:   resp.Text,
			ToolCalls: calls,
		})

		results := e.dispatchRound(ctx, st, filtered, calls)
		roundErrors := 0
		for i, result := range results {
			st.history = append(st.history, toolTurn(calls[i], result))
			if !result.Success {
				roundErrors++
			}
		}
		if onUpdate != nil {
			onUpdate(st.history)
		}

		if budgetHit {
			return e.errorOutcome(st, kindToolBudget,
				"Error: Tool call loop limit reached. Please retry with a more specific request.")
		}

		if len(calls) > 0 && roundErrors == len(calls) {
			st.consecutiveAllErrors++
		} else {
			st.consecutiveAllErrors = 0
		}
		if st.consecutiveAllErrors >= e.maxAllErrors {
			if st.errorMessage == "" && len(st.toolErrors) > 0 {
				tail := st.toolErrors
				if len(tail) > 3 {
					tail = tail[len(tail)-3:]
				}
				st.errorMessage = strings.Join(tail, "; ")
			}
			return e.errorOutcome(st, kindRepeatedFailures,
				"Error: Tool execution failed repeatedly. Please retry with a more specific request.")
		}
	}
}

// backendFailure maps a model API error to a terminal outcome. Chat
// style calls that time out degrade to the last successful tool result
// when one exists.
func (e *Engine) backendFailure(ctx context.Context, st *runState, err error) *Outcome {
	if backend.IsTimeout(err) {
		if st.lastSuccessfulContent != "" {
			text := "Warning: Model API response timed out after tool execution. " +
				"Last successful tool result:\n\n" + st.lastSuccessfulContent
			if st.filtered != nil {
				text = e.autoSendInvites(ctx, st, st.filtered, text)
			}
			st.errorKind = kindTimeoutDegraded
			st.errorMessage = text
			// Degraded, not failed: the user still gets the tool's
			// answer, so this counts as a tool-error completion.
			out := e.finalTextOutcome(st, text)
			out.Status = StatusSuccessWithErr
			return out
		}
		return e.errorOutcome(st, kindTimeout,
			"Error: Model API request timed out. Please retry or narrow the request scope.")
	}

	if apiErr, ok := asAPIError(err); ok {
		switch {
		case apiErr.QuotaExhausted():
			return e.errorOutcome(st, kindQuotaExhausted, "Error: Your model API quota is exhausted.")
		case apiErr.Transient():
			return e.errorOutcome(st, kindBackendTransient,
				fmt.Sprintf("Error: Model API is temporarily unavailable (%d) after retries. Please retry.", apiErr.StatusCode))
		default:
			return e.errorOutcome(st, kindBackendTerminal,
				fmt.Sprintf("Error: Model API error (%d).", apiErr.StatusCode))
		}
	}
	return e.errorOutcome(st, kindException, "Error: "+err.Error())
}

// finalTextOutcome closes the request on model-produced text.
func (e *Engine) finalTextOutcome(st *runState, text string) *Outcome {
	status := StatusSuccess
	if len(st.toolErrors) > 0 {
		status = StatusSuccessWithErr
	}
	return &Outcome{
		RequestID:        st.requestID,
		Status:           status,
		ErrorKind:        st.errorKind,
		FinalText:        appendNotice(text, st.notice),
		History:          setAssistantReply(st.history, appendNotice(text, st.notice)),
		ErrorMessage:     st.errorMessage,
		ToolErrors:       st.toolErrors,
		InvokedTools:     st.invokedTools,
		InvokedProviders: st.providerList(),
		Duration:         e.now().Sub(st.startedAt),
	}
}

func (e *Engine) errorOutcome(st *runState, kind, message string) *Outcome {
	st.errorKind = kind
	if st.errorMessage == "" {
		st.errorMessage = message
	}
	return &Outcome{
		RequestID:        st.requestID,
		Status:           StatusError,
		ErrorKind:        kind,
		FinalText:        appendNotice(message, st.notice),
		History:          setAssistantReply(st.history, appendNotice(message, st.notice)),
		ErrorMessage:     st.errorMessage,
		ToolErrors:       st.toolErrors,
		InvokedTools:     st.invokedTools,
		InvokedProviders: st.providerList(),
		Duration:         e.now().Sub(st.startedAt),
	}
}

// finalize emits exactly one metrics record per request.
func (e *Engine) finalize(ctx context.Context, st *runState, out *Outcome) {
	if out == nil || out.Status == StatusNoOp {
		return
	}
	if out.Status == StatusSuccess && len(out.ToolErrors) > 0 {
		out.Status = StatusSuccessWithErr
	}
	if out.ErrorMessage == "" && len(out.ToolErrors) > 0 {
		out.ErrorMessage = strings.Join(out.ToolErrors, "; ")
	}
	if out.Duration == 0 {
		out.Duration = e.now().Sub(st.startedAt)
	}

	record := metrics.Record{
		Timestamp:        e.now(),
		RequestID:        st.requestID,
		Model:            st.model,
		UserQuestion:     st.message,
		DurationSeconds:  roundSeconds(out.Duration),
		InvokedTools:     emptyIfNil(out.InvokedTools),
		InvokedProviders: emptyIfNil(out.InvokedProviders),
		Status:           out.Status,
		ErrorMessage:     out.ErrorMessage,
		ToolErrors:       emptyIfNil(out.ToolErrors),
	}
	if err := e.sink.Emit(ctx, record); err != nil {
		e.logger.Printf("[%s] failed to emit metrics record: %v", st.requestID, err)
	}
	if e.telem != nil {
		e.telem.RecordRequest(st.model, out.Status, out.Duration)
	}
	e.logger.Printf("[%s] request finished status=%s tools=%d duration=%.3fs",
		st.requestID, out.Status, len(out.InvokedTools), out.Duration.Seconds())
}

// systemPrompt composes base instructions, runtime date context, the
// policy fragment and any unavailability notice.
func (e *Engine) systemPrompt(backendName string, domains map[string]bool, notice string) string {
	base := e.instructions[backendName]
	if base == "" {
		base = defaultInstruction
	}
	now := e.now()
	prompt := fmt.Sprintf(
		"%s Current local date: %s. Current local time: %s. "+
			"Interpret relative date words (today, tomorrow, yesterday, hari ini, besok, kemarin, lusa) "+
			"using this date, and do not ask the user to confirm current date.",
		base, now.Format("2006-01-02"), now.Format("15:04"))
	if e.policy != nil {
		if policyCtx := e.policy.Context(domains); policyCtx != "" {
			prompt += "\n\n" + policyCtx
		}
	}
	if notice != "" {
		prompt += "\n\n" + notice
	}
	return prompt
}

// unavailableNotice names the requested providers that failed to start.
func unavailableNotice(requested map[string]bool, unavailable []string) string {
	var relevant []string
	for _, name := range unavailable {
		if requested[name] {
			relevant = append(relevant, name)
		}
	}
	if len(relevant) == 0 {
		return ""
	}
	return "Warning: tool provider(s) unavailable for this request: " +
		strings.Join(relevant, ", ") + ". Please retry after those providers are healthy."
}

// appendNotice attaches the unavailability notice once.
func appendNotice(text, notice string) string {
	if notice == "" || strings.Contains(text, notice) {
		return text
	}
	if strings.TrimSpace(text) == "" {
		return notice
	}
	return strings.TrimRight(text, " \t\n\r") + "\n\n" + notice
}

// setAssistantReply returns history with the final assistant turn
// appended.
func setAssistantReply(history []backend.Turn, text string) []backend.Turn {
	return append(append([]backend.Turn{}, history...), backend.Turn{Role: "assistant", Content: text})
}

func toolSchemas(cat *catalog.Catalog) []backend.ToolSchema {
	descriptors := cat.Descriptors()
	schemas := make([]backend.ToolSchema, 0, len(descriptors))
	for _, d := range descriptors {
		schemas = append(schemas, backend.ToolSchema{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return schemas
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return set
}

func asAPIError(err error) (*backend.APIError, bool) {
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func roundSeconds(d time.Duration) float64 {
	return float64(int64(d.Seconds()*1000+0.5)) / 1000
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
