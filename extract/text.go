package extract

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// TextExtractor handles plain text files.
type TextExtractor struct{}

func (e *TextExtractor) Extensions() []string { return []string{"txt", "log"} }

func (e *TextExtractor) Extract(ctx context.Context, path string) ([]Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading text file: %w", err)
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, nil
	}
	return []Block{{Text: text, Meta: map[string]any{"file_type": "txt"}}}, nil
}
