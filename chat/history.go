package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"sibyl/llm"
	"sibyl/metastore"
)

const (
	// assistantTruncate caps verbatim assistant replies in the history
	// section.
	assistantTruncate = 800

	firstTurnMarker = "This is the first question in this conversation."
)

// historySection builds the conversation-history block for the prompt.
// Short conversations are included verbatim; long ones keep the last few
// messages verbatim behind an LLM-generated summary, cached in session
// metadata so it is not regenerated every turn.
func (o *Orchestrator) historySection(ctx context.Context, sess *metastore.Session, msgs []metastore.Message) string {
	n := len(msgs)
	if n == 0 {
		return firstTurnMarker
	}
	if n <= o.cfg.SummarizeAfter {
		return renderVerbatim(msgs)
	}

	tail := o.cfg.VerbatimTail
	if tail > n {
		tail = n
	}
	summary := o.conversationSummary(ctx, sess, msgs[:n-tail], n)

	var sb strings.Builder
	sb.WriteString("Summary of the earlier conversation:\n")
	sb.WriteString(summary)
	sb.WriteString("\n\nMost recent messages:\n")
	sb.WriteString(renderVerbatim(msgs[n-tail:]))
	return sb.String()
}

// conversationSummary returns the rolling summary for the older message
// prefix, reusing the cached one while it is fresh enough. A regenerated
// summary is written back to session metadata along with the message
// count it was computed at.
func (o *Orchestrator) conversationSummary(ctx context.Context, sess *metastore.Session, older []metastore.Message, total int) string {
	meta := sess.Meta
	if meta.Summary != "" && total-meta.SummaryAtCount < o.cfg.SummaryReuseWindow {
		return meta.Summary
	}

	summary, err := o.summarize(ctx, older)
	if err != nil {
		slog.Warn("chat: summary generation failed, falling back to recent questions", "error", err)
		summary = recentQuestions(older)
	}

	meta.Summary = summary
	meta.SummaryAtCount = total
	if err := o.store.UpdateSessionMeta(ctx, sess.ID, meta); err != nil {
		slog.Warn("chat: caching summary failed", "session", sess.ID, "error", err)
	}
	sess.Meta = meta
	return summary
}

// summarize asks the LLM for a compact narrative of the older messages.
func (o *Orchestrator) summarize(ctx context.Context, msgs []metastore.Message) (string, error) {
	resp, _, err := o.llm.Generate(ctx, llm.Request{
		System: "Summarize the conversation below into a narrative of at most 500 words. Keep the topics, decisions, and open questions; drop pleasantries.",
		Prompt: renderVerbatim(msgs),
	}, "")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// recentQuestions is the degraded summary: the user's recent questions
// concatenated.
func recentQuestions(msgs []metastore.Message) string {
	var qs []string
	for _, m := range msgs {
		if m.Role == "user" {
			qs = append(qs, m.Content)
		}
	}
	const keep = 5
	if len(qs) > keep {
		qs = qs[len(qs)-keep:]
	}
	return "Earlier questions: " + strings.Join(qs, " / ")
}

// renderVerbatim formats messages role-prefixed, truncating long
// assistant replies.
func renderVerbatim(msgs []metastore.Message) string {
	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString("\n")
		}
		content := m.Content
		if m.Role == "assistant" && len(content) > assistantTruncate {
			content = content[:assistantTruncate] + "..."
		}
		fmt.Fprintf(&sb, "%s: %s", roleLabel(m.Role), content)
	}
	return sb.String()
}

func roleLabel(role string) string {
	if role == "assistant" {
		return "Assistant"
	}
	return "User"
}

// priorUserContents extracts user message texts in order.
func priorUserContents(msgs []metastore.Message) []string {
	var out []string
	for _, m := range msgs {
		if m.Role == "user" {
			out = append(out, m.Content)
		}
	}
	return out
}
