// Package sink writes extracted item records to the tabular output workbook.
package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/studyatlas/portal-crawler/internal/crawler"
)

// XLSXSink appends one row per item to an xlsx workbook, one sheet per
// category. The column schema is fixed at construction; appends are keyed by
// source URL and a duplicate append is acceptable (the orchestrator avoids
// re-fetching completed URLs, the sink does not deduplicate).
type XLSXSink struct {
	path    string
	columns []string
	file    *excelize.File
	nextRow map[string]int
	logger  *zap.Logger
}

// NewXLSX opens (or creates) the workbook at path. columns are the item
// field names; url and updated_at columns are added around them.
func NewXLSX(path string, columns []string, logger *zap.Logger) (*XLSXSink, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("at least one output column is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	var file *excelize.File
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		file = excelize.NewFile()
	} else {
		file, err = excelize.OpenFile(path)
		if err != nil {
			return nil, fmt.Errorf("open workbook %s: %w", path, err)
		}
	}

	s := &XLSXSink{
		path:    path,
		columns: columns,
		file:    file,
		nextRow: make(map[string]int),
		logger:  logger,
	}
	for _, sheet := range file.GetSheetList() {
		rows, err := file.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("scan sheet %s: %w", sheet, err)
		}
		s.nextRow[sheet] = len(rows) + 1
	}
	return s, nil
}

// Append writes one record row and saves the workbook synchronously.
func (s *XLSXSink) Append(ctx context.Context, record crawler.ItemRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("append canceled: %w", err)
	}

	sheet := record.Category
	if sheet == "" {
		sheet = "items"
	}
	row, err := s.ensureSheet(sheet)
	if err != nil {
		return err
	}

	values := make([]any, 0, len(s.columns)+2)
	values = append(values, record.URL)
	for _, col := range s.columns {
		values = append(values, record.Fields[col])
	}
	values = append(values, record.UpdatedAt.Format("2006-01-02 15:04:05"))

	for i, v := range values {
		cell, err := excelize.CoordinatesToCellName(i+1, row)
		if err != nil {
			return fmt.Errorf("row coordinates: %w", err)
		}
		if err := s.file.SetCellValue(sheet, cell, v); err != nil {
			return fmt.Errorf("set cell %s: %w", cell, err)
		}
	}
	s.nextRow[sheet] = row + 1

	if err := s.file.SaveAs(s.path); err != nil {
		return fmt.Errorf("save workbook %s: %w", s.path, err)
	}
	s.logger.Debug("item row appended",
		zap.String("sheet", sheet), zap.String("url", record.URL), zap.Int("row", row))
	return nil
}

// Close releases the workbook handle.
func (s *XLSXSink) Close() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close workbook: %w", err)
	}
	return nil
}

// ensureSheet creates the sheet with its header row on first use and returns
// the next free row.
func (s *XLSXSink) ensureSheet(sheet string) (int, error) {
	if row, ok := s.nextRow[sheet]; ok && row > 1 {
		return row, nil
	}
	if _, err := s.file.NewSheet(sheet); err != nil {
		return 0, fmt.Errorf("create sheet %s: %w", sheet, err)
	}

	header := make([]string, 0, len(s.columns)+2)
	header = append(header, "url")
	header = append(header, s.columns...)
	header = append(header, "updated_at")
	for i, name := range header {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return 0, fmt.Errorf("header coordinates: %w", err)
		}
		if err := s.file.SetCellValue(sheet, cell, name); err != nil {
			return 0, fmt.Errorf("set header %s: %w", cell, err)
		}
	}
	s.nextRow[sheet] = 2
	return 2, nil
}
