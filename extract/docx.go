package extract

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// DOCXExtractor extracts paragraph text from Word documents. Heading-styled
// paragraphs open a new block carrying the heading in metadata.
type DOCXExtractor struct{}

func (e *DOCXExtractor) Extensions() []string { return []string{"docx"} }

func (e *DOCXExtractor) Extract(ctx context.Context, path string) ([]Block, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening DOCX: %w", err)
	}
	defer r.Close()

	var docFile *zip.File
	for _, f := range r.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return nil, fmt.Errorf("word/document.xml not found in DOCX")
	}

	rc, err := docFile.Open()
	if err != nil {
		return nil, fmt.Errorf("opening document.xml: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}

	paras, err := parseDocxParagraphs(data)
	if err != nil {
		return nil, fmt.Errorf("parsing DOCX XML: %w", err)
	}

	var (
		blocks  []Block
		heading string
		body    strings.Builder
	)
	flush := func() {
		text := strings.TrimSpace(body.String())
		if text == "" {
			return
		}
		meta := map[string]any{"file_type": "docx"}
		if heading != "" {
			meta["section_header"] = heading
		}
		blocks = append(blocks, Block{Text: text, Meta: meta})
		body.Reset()
	}

	for _, p := range paras {
		if p.heading {
			flush()
			heading = p.text
			continue
		}
		if p.text == "" {
			continue
		}
		if body.Len() > 0 {
			body.WriteString("\n\n")
		}
		body.WriteString(p.text)
	}
	flush()

	return blocks, nil
}

type docxParagraph struct {
	text    string
	heading bool
}

// docx XML shapes, trimmed to paragraphs, runs, and style references.
type docxDocument struct {
	Body struct {
		Paragraphs []docxPara `xml:"p"`
	} `xml:"body"`
}

type docxPara struct {
	Props struct {
		Style struct {
			Val string `xml:"val,attr"`
		} `xml:"pStyle"`
	} `xml:"pPr"`
	Runs []struct {
		Text string `xml:"t"`
	} `xml:"r"`
}

func parseDocxParagraphs(data []byte) ([]docxParagraph, error) {
	var doc docxDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	paras := make([]docxParagraph, 0, len(doc.Body.Paragraphs))
	for _, p := range doc.Body.Paragraphs {
		var b strings.Builder
		for _, r := range p.Runs {
			b.WriteString(r.Text)
		}
		paras = append(paras, docxParagraph{
			text:    strings.TrimSpace(b.String()),
			heading: strings.HasPrefix(p.Props.Style.Val, "Heading"),
		})
	}
	return paras, nil
}
