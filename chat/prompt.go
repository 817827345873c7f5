package chat

import (
	"fmt"
	"strings"

	"sibyl/retrieve"
)

// defaultSystemPrompt is used when the session has no agent with its own
// system prompt.
const defaultSystemPrompt = `You are a documentation assistant. Answer questions using only the provided context.

Rules:
- Only use information from the numbered context passages below. Do not invent facts.
- Cite passages inline with their number in square brackets, like [1] or [3].
- If the context does not contain the answer, say plainly what information is missing.
- Format your answer in Markdown only. Never use HTML tags.
- End your answer with exactly three suggested follow-up questions, each wrapped as <followup>question</followup> on its own line.`

// buildUserPrompt assembles the grounded prompt: numbered context block,
// source list, conversation history, and the current question.
func buildUserPrompt(chunks []retrieve.Chunk, history, question string) string {
	var sb strings.Builder

	sb.WriteString("Context passages:\n\n")
	if len(chunks) == 0 {
		sb.WriteString("(no relevant passages were found)\n")
	}
	for i, c := range chunks {
		fmt.Fprintf(&sb, "[%d] %s\n\n", i+1, c.Content)
	}

	sb.WriteString("Sources:\n")
	for i, c := range chunks {
		fmt.Fprintf(&sb, "[%d] %s\n", i+1, c.SourceFile)
	}

	sb.WriteString("\nConversation so far:\n")
	sb.WriteString(history)
	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(question)
	return sb.String()
}

// searchQuery builds the retrieval query: the current message plus the
// last few user messages for topical continuity.
func searchQuery(current string, priorUserMessages []string) string {
	const tail = 3
	if len(priorUserMessages) > tail {
		priorUserMessages = priorUserMessages[len(priorUserMessages)-tail:]
	}
	parts := append([]string{}, priorUserMessages...)
	parts = append(parts, current)
	return strings.Join(parts, "\n")
}
