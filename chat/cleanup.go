package chat

import (
	"fmt"
	"regexp"
	"strings"
)

// Models occasionally emit HTML despite the Markdown-only instruction.
// Clean converts the common tags to Markdown and strips the rest. It runs
// incrementally on partial stream output, so callers trim a trailing
// half-formed tag with TrimIncompleteTag first.
var (
	followupRE = regexp.MustCompile(`(?is)<followup>.*?</followup>`)
	strongRE   = regexp.MustCompile(`(?is)<(?:strong|b)(?:\s[^>]*)?>(.*?)</(?:strong|b)>`)
	emRE       = regexp.MustCompile(`(?is)<(?:em|i)(?:\s[^>]*)?>(.*?)</(?:em|i)>`)
	liRE       = regexp.MustCompile(`(?is)<li(?:\s[^>]*)?>(.*?)</li>`)
	pRE        = regexp.MustCompile(`(?is)<p(?:\s[^>]*)?>(.*?)</p>`)
	brRE       = regexp.MustCompile(`(?i)<br\s*/?>`)
	blockRE    = regexp.MustCompile(`(?i)</?(?:ul|ol|div|span|section|article)(?:\s[^>]*)?>`)
	residualRE = regexp.MustCompile(`(?i)</?[a-z][a-z0-9]*[^>]*>`)

	headingREs = buildHeadingREs()

	trailingWS = regexp.MustCompile(`(?m)[ \t]+$`)
	multiNL    = regexp.MustCompile(`\n{3,}`)

	// incompleteTag matches a tag opened but not yet closed at the end
	// of a partial stream. A bare "<" followed by a space stays, so
	// mathematical comparisons in prose survive.
	incompleteTag = regexp.MustCompile(`<[a-zA-Z/][^>]*$`)
)

func buildHeadingREs() [6]*regexp.Regexp {
	var out [6]*regexp.Regexp
	for i := range out {
		n := i + 1
		out[i] = regexp.MustCompile(fmt.Sprintf(`(?is)<h%d(?:\s[^>]*)?>(.*?)</h%d>`, n, n))
	}
	return out
}

// TrimIncompleteTag cuts a trailing half-formed HTML tag from partial
// output so Clean never strips its literal content mid-stream.
func TrimIncompleteTag(s string) string {
	return incompleteTag.ReplaceAllString(s, "")
}

// Clean converts stray HTML to Markdown. Followup blocks are preserved
// byte-for-byte and reappended at the end. Input that is already pure
// Markdown comes back unchanged apart from whitespace normalization.
func Clean(s string) string {
	followups := followupRE.FindAllString(s, -1)
	s = followupRE.ReplaceAllString(s, "")

	s = strongRE.ReplaceAllString(s, "**$1**")
	s = emRE.ReplaceAllString(s, "*$1*")
	for i, re := range headingREs {
		marker := strings.Repeat("#", i+1)
		s = re.ReplaceAllString(s, "\n"+marker+" $1\n")
	}
	s = liRE.ReplaceAllString(s, "\n- $1")
	s = pRE.ReplaceAllString(s, "\n\n$1\n\n")
	s = brRE.ReplaceAllString(s, "\n")
	s = blockRE.ReplaceAllString(s, "")
	s = residualRE.ReplaceAllString(s, "")

	s = trailingWS.ReplaceAllString(s, "")
	s = multiNL.ReplaceAllString(s, "\n\n")
	s = strings.TrimSpace(s)

	if len(followups) > 0 {
		s = s + "\n\n" + strings.Join(followups, "\n")
	}
	return s
}
