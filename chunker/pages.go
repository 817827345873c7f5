package chunker

import (
	"regexp"
	"strconv"
	"strings"
)

// PDF extraction inserts "<!-- PAGE N -->" markers between concatenated
// page texts. Markers are used to assign a page number to each chunk and
// are always stripped from stored content.
var pageMarkerRE = regexp.MustCompile(`<!-- PAGE (\d+) -->`)

// PageMarker renders the marker for page n.
func PageMarker(n int) string {
	return "<!-- PAGE " + strconv.Itoa(n) + " -->"
}

// StripPageMarkers removes all page markers from text.
func StripPageMarkers(text string) string {
	return strings.TrimSpace(pageMarkerRE.ReplaceAllString(text, ""))
}

// AssignPages maps each chunk to the page it starts on. A chunk is located
// in the original marker-bearing text by an 80-character prefix, with a
// 40-character fallback; the nearest preceding marker supplies the page.
// Chunks that cannot be located get page 0.
func AssignPages(chunks []string, original string) []int {
	markers := pageMarkerRE.FindAllStringSubmatchIndex(original, -1)
	pages := make([]int, len(chunks))
	if len(markers) == 0 {
		return pages
	}

	searchFrom := 0
	for i, chunk := range chunks {
		pos := locate(original, chunk, searchFrom, 80)
		if pos < 0 {
			pos = locate(original, chunk, searchFrom, 40)
		}
		if pos < 0 {
			continue
		}
		// Advance the search window so repeated prefixes resolve in order.
		searchFrom = pos + 1

		page := 0
		for _, m := range markers {
			if m[0] > pos {
				break
			}
			page, _ = strconv.Atoi(original[m[2]:m[3]])
		}
		pages[i] = page
	}
	return pages
}

// locate finds chunk's position in original by its first prefixLen
// characters, searching from offset from. Returns -1 if not found.
func locate(original, chunk string, from, prefixLen int) int {
	prefix := chunk
	if len(prefix) > prefixLen {
		prefix = prefix[:prefixLen]
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return -1
	}
	if from > len(original) {
		from = len(original)
	}
	if idx := strings.Index(original[from:], prefix); idx >= 0 {
		return from + idx
	}
	return strings.Index(original, prefix)
}
