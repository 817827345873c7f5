package extract

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"
)

// rowsPerBlock bounds each spreadsheet block so tabular chunking stays
// within its budget even for very wide sheets.
const rowsPerBlock = 50

// SheetExtractor extracts spreadsheet data (XLSX via excelize, CSV via the
// standard reader) as pipe-delimited rows. Blocks carry the sheet name and
// row range; the header row repeats in every block so chunks stay legible.
type SheetExtractor struct{}

func (e *SheetExtractor) Extensions() []string { return []string{"xlsx", "xls", "csv"} }

func (e *SheetExtractor) Extract(ctx context.Context, path string) ([]Block, error) {
	if NormalizeExt(path) == "csv" {
		return e.extractCSV(path)
	}
	return e.extractXLSX(path)
}

func (e *SheetExtractor) extractXLSX(path string) ([]Block, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening spreadsheet: %w", err)
	}
	defer f.Close()

	var blocks []Block
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}
		blocks = append(blocks, rowBlocks(rows, sheet, "xlsx")...)
	}
	return blocks, nil
}

func (e *SheetExtractor) extractCSV(path string) ([]Block, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening CSV: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading CSV: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rowBlocks(rows, "", "csv"), nil
}

// rowBlocks renders rows as pipe-delimited lines in row-range blocks.
func rowBlocks(rows [][]string, sheet, fileType string) []Block {
	header := ""
	if len(rows) > 0 {
		header = "| " + strings.Join(rows[0], " | ") + " |"
	}

	var blocks []Block
	for start := 1; start < len(rows); start += rowsPerBlock {
		end := start + rowsPerBlock
		if end > len(rows) {
			end = len(rows)
		}

		var b strings.Builder
		b.WriteString(header)
		b.WriteString("\n")
		for _, row := range rows[start:end] {
			b.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}

		meta := map[string]any{
			"file_type": fileType,
			"row_start": start,
			"row_end":   end - 1,
			"tabular":   true,
		}
		if sheet != "" {
			meta["sheet_name"] = sheet
		}
		blocks = append(blocks, Block{Text: b.String(), Meta: meta})
	}

	// Header-only sheet: keep the header as its own block.
	if len(blocks) == 0 && header != "" {
		meta := map[string]any{"file_type": fileType, "tabular": true}
		if sheet != "" {
			meta["sheet_name"] = sheet
		}
		blocks = append(blocks, Block{Text: header, Meta: meta})
	}
	return blocks
}
