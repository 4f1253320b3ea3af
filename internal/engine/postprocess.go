package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/aide/internal/backend"
	"github.com/mohammad-safakhou/aide/internal/catalog"
	"github.com/mohammad-safakhou/aide/internal/contract"
)

const (
	calendarInviteTool = "send_calendar_invite_email"
	plainEmailTool     = "send_email"
)

// runPostProcessor applies the auto-invite step and share-link
// completion to the final text. It runs at most once per request.
func (e *Engine) runPostProcessor(ctx context.Context, st *runState, cat *catalog.Catalog, final string) string {
	final = e.autoSendInvites(ctx, st, cat, final)
	return appendShareLinks(final, st.shareURLs)
}

// autoSendInvites delivers invitations when the user asked for them but
// the model stopped after creating the event. Guarded by a per-request
// ran-once marker so repeated post-processing cannot double-send.
func (e *Engine) autoSendInvites(ctx context.Context, st *runState, cat *catalog.Catalog, final string) string {
	if st.autoInvitesRan {
		return final
	}
	st.autoInvitesRan = true

	if !st.inviteRequested || len(st.inviteEmails) == 0 || st.lastAddedEventArgs == nil {
		return final
	}
	if st.invokedToolsContain(plainEmailTool) || st.invokedToolsContain(calendarInviteTool) {
		return final
	}
	hasCalendarInvite := cat.Has(calendarInviteTool)
	hasPlainEmail := cat.Has(plainEmailTool)
	if !hasCalendarInvite && !hasPlainEmail {
		return final
	}

	var lines []string
	for _, toEmail := range st.inviteEmails {
		toolName := plainEmailTool
		payload := buildInvitationEmail(st.lastAddedEventArgs, toEmail)
		if hasCalendarInvite {
			toolName = calendarInviteTool
			payload = buildCalendarInvitationEmail(st.lastAddedEventArgs, toEmail)
		}

		e.logger.Printf("[%s] auto-invoking tool=%s to=%s", st.requestID, toolName, toEmail)
		result := e.invokeTool(ctx, cat, st.requestID, backend.ToolCall{ID: toolName, Name: toolName, Args: payload})
		st.recordInvocation(toolName, result.ProviderName)
		if e.telem != nil {
			e.telem.RecordToolCall(result.ProviderName, toolName, result.Success)
		}
		content := displayContent(toolName, result)

		if !result.Success && toolName == calendarInviteTool && hasPlainEmail {
			fallbackPayload := buildInvitationEmail(st.lastAddedEventArgs, toEmail)
			e.logger.Printf("[%s] auto-invite falling back to %s for %s", st.requestID, plainEmailTool, toEmail)
			fallback := e.invokeTool(ctx, cat, st.requestID, backend.ToolCall{ID: plainEmailTool, Name: plainEmailTool, Args: fallbackPayload})
			st.recordInvocation(plainEmailTool, fallback.ProviderName)
			if e.telem != nil {
				e.telem.RecordToolCall(fallback.ProviderName, plainEmailTool, fallback.Success)
			}
			content = content + "\nFallback (" + plainEmailTool + "): " + displayContent(plainEmailTool, fallback)
			if fallback.Success {
				result = fallback
			}
		}

		if !result.Success {
			msg := result.ErrorMessage
			if msg == "" {
				msg = content
			}
			st.recordToolError(fmt.Sprintf("%s(%s): %s", toolName, toEmail, msg))
			e.logger.Printf("[%s] auto invite to %s failed: %s", st.requestID, toEmail, msg)
		} else {
			st.lastSuccessfulTool = result.ToolName
			st.lastSuccessfulContent = result.RawText
		}
		lines = append(lines, "- "+toEmail+": "+content)
	}

	if len(lines) == 0 {
		return final
	}
	block := "Invitation delivery result(s):\n" + strings.Join(lines, "\n")
	if strings.TrimSpace(final) == "" {
		return block
	}
	return strings.TrimRight(final, " \t\n\r") + "\n\n" + block
}

// displayContent renders a result for the delivery summary block.
func displayContent(toolName string, result contract.ToolResult) string {
	if result.RawText != "" {
		return result.RawText
	}
	if !result.Success {
		return fmt.Sprintf("Error: Tool '%s' failed: %s", toolName, result.ErrorMessage)
	}
	return ""
}

// appendShareLinks adds any share URLs the model forgot to quote under
// an explicit section, so created artifacts are never silently dropped.
func appendShareLinks(final string, shareURLs []string) string {
	if len(shareURLs) == 0 {
		return final
	}
	existing := make(map[string]bool)
	for _, url := range contract.ExtractURLs(final) {
		existing[url] = true
	}
	var missing []string
	for _, url := range shareURLs {
		if !existing[url] {
			missing = append(missing, "- "+url)
		}
	}
	if len(missing) == 0 {
		return final
	}
	block := "Shared URL(s):\n" + strings.Join(missing, "\n")
	if strings.TrimSpace(final) == "" {
		return block
	}
	return strings.TrimRight(final, " \t\n\r") + "\n\n" + block
}

// buildInvitationEmail shapes the plain-email invitation payload.
func buildInvitationEmail(eventArgs map[string]any, toEmail string) map[string]any {
	summary := orDefault(contract.ContentText(eventArgs["summary"]), "Calendar Event")
	startTime := orDefault(contract.ContentText(eventArgs["start_time"]), "-")
	duration := eventArgs["duration_minutes"]
	if duration == nil {
		duration = 60
	}
	description := contract.ContentText(eventArgs["description"])

	bodyParts := []string{
		"Hello,",
		"",
		"You are invited to this event:",
		"- Event: " + summary,
		"- Time: " + startTime,
		fmt.Sprintf("- Duration: %v minutes", duration),
	}
	if description != "" {
		bodyParts = append(bodyParts, "", "Details:", description)
	}
	bodyParts = append(bodyParts, "", "Best regards,")

	return map[string]any{
		"to_email": toEmail,
		"subject":  "Invitation: " + summary,
		"body":     strings.Join(bodyParts, "\n"),
	}
}

// buildCalendarInvitationEmail shapes the richer calendar-invite
// payload, carrying the event fields alongside the message.
func buildCalendarInvitationEmail(eventArgs map[string]any, toEmail string) map[string]any {
	summary := orDefault(contract.ContentText(eventArgs["summary"]), "Calendar Event")
	startTime := contract.ContentText(eventArgs["start_time"])
	duration := eventArgs["duration_minutes"]
	if duration == nil {
		duration = 60
	}
	description := contract.ContentText(eventArgs["description"])

	body := "Hello,\n\n" +
		"Please see the calendar invitation attached/included in this email. " +
		"You can accept or decline the invitation from your calendar client.\n"
	if description != "" {
		body += "\nDetails:\n" + description + "\n"
	}

	return map[string]any{
		"to_email":         toEmail,
		"subject":          "Invitation: " + summary,
		"body":             body,
		"summary":          summary,
		"start_time":       startTime,
		"duration_minutes": duration,
		"description":      description,
		"location":         extractEventLocation(description),
	}
}

// extractEventLocation pulls a location out of a description line
// prefixed "lokasi:" or "location:".
func extractEventLocation(description string) string {
	for _, line := range strings.Split(description, "\n") {
		lowered := strings.ToLower(strings.TrimSpace(line))
		if strings.HasPrefix(lowered, "lokasi:") || strings.HasPrefix(lowered, "location:") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1])
			}
		}
	}
	return ""
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
