package chat

import (
	"context"
	"strings"

	"sibyl/llm"
)

const (
	titleMaxWords = 6
	titleMaxChars = 60
)

// generateTitle produces a short session title from the first question.
// Failures fall back to the question itself, clipped the same way.
func (o *Orchestrator) generateTitle(ctx context.Context, question string) string {
	resp, _, err := o.llm.Generate(ctx, llm.Request{
		System: "Write a title of at most six words for a conversation that starts with the given question. Reply with the title only, no quotes.",
		Prompt: question,
	}, "")

	title := question
	if err == nil {
		title = resp.Text
	}
	return clipTitle(title)
}

// clipTitle enforces the word and character bounds.
func clipTitle(title string) string {
	title = strings.TrimSpace(strings.Trim(strings.TrimSpace(title), `"`))
	words := strings.Fields(title)
	if len(words) > titleMaxWords {
		words = words[:titleMaxWords]
	}
	title = strings.Join(words, " ")
	if len(title) > titleMaxChars {
		title = title[:titleMaxChars]
	}
	return title
}
