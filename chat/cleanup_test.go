package chat

import (
	"strings"
	"testing"
)

func TestCleanIdentityOnMarkdown(t *testing.T) {
	md := "# Heading\n\nSome **bold** and *italic* text with a list:\n\n- one\n- two\n\nDone [1]."
	if got := Clean(md); got != md {
		t.Errorf("Clean() changed pure Markdown:\ngot  %q\nwant %q", got, md)
	}
}

func TestCleanConvertsInlineTags(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"<strong>bold</strong> text", "**bold** text"},
		{"<b>bold</b> text", "**bold** text"},
		{"<em>soft</em> text", "*soft* text"},
		{"<i>soft</i> text", "*soft* text"},
		{`<strong class="x">attr</strong>`, "**attr**"},
		{"<STRONG>caps</STRONG>", "**caps**"},
	}
	for _, tt := range tests {
		if got := Clean(tt.in); got != tt.want {
			t.Errorf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCleanConvertsHeadingsAndLists(t *testing.T) {
	in := "<h2>Topic</h2><ul><li>first</li><li>second</li></ul>"
	got := Clean(in)
	if !strings.Contains(got, "## Topic") {
		t.Errorf("missing heading in %q", got)
	}
	if !strings.Contains(got, "- first") || !strings.Contains(got, "- second") {
		t.Errorf("missing list items in %q", got)
	}
}

func TestCleanConvertsParagraphs(t *testing.T) {
	got := Clean("<p>one</p><p>two</p>")
	if got != "one\n\ntwo" {
		t.Errorf("Clean() = %q, want %q", got, "one\n\ntwo")
	}
}

func TestCleanStripsResidualTags(t *testing.T) {
	got := Clean(`before <span data-x="1">inside</span> <custom>after</custom>`)
	if strings.Contains(got, "<") {
		t.Errorf("residual tag survived: %q", got)
	}
	for _, word := range []string{"before", "inside", "after"} {
		if !strings.Contains(got, word) {
			t.Errorf("literal content %q lost: %q", word, got)
		}
	}
}

func TestCleanPreservesFollowupsByteForByte(t *testing.T) {
	followups := "<followup>What about the <b>edge</b> case?</followup>\n<followup>Second question?</followup>\n<followup>Third?</followup>"
	in := "The answer.\n\n" + followups
	got := Clean(in)

	for _, block := range []string{
		"<followup>What about the <b>edge</b> case?</followup>",
		"<followup>Second question?</followup>",
		"<followup>Third?</followup>",
	} {
		if !strings.Contains(got, block) {
			t.Errorf("followup block altered or missing:\n%q\nin output %q", block, got)
		}
	}
}

func TestCleanCollapsesBlankRuns(t *testing.T) {
	got := Clean("a\n\n\n\n\nb")
	if got != "a\n\nb" {
		t.Errorf("Clean() = %q, want %q", got, "a\n\nb")
	}
}

func TestTrimIncompleteTag(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"text <stro", "text "},
		{"text </stro", "text "},
		{"text <strong>bold", "text <strong>bold"}, // complete tag stays
		{"3 < 5 holds", "3 < 5 holds"},             // math survives
		{"no tags here", "no tags here"},
	}
	for _, tt := range tests {
		if got := TrimIncompleteTag(tt.in); got != tt.want {
			t.Errorf("TrimIncompleteTag(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCleanPreservesMathInProse(t *testing.T) {
	in := "For all n < 10 the bound holds."
	if got := Clean(in); got != in {
		t.Errorf("Clean(%q) = %q", in, got)
	}
}
