package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/aluiziolira/stock-harvest/config"
	"github.com/aluiziolira/stock-harvest/models"
)

// DualWriter writes the same snapshot as CSV and as JSON lines.
type DualWriter struct {
	csvWriter  *CSVWriter
	jsonWriter *JSONWriter
}

// NewDualWriter creates a dual writer for both outputs.
func NewDualWriter(csvWriter *CSVWriter, jsonWriter *JSONWriter) *DualWriter {
	return &DualWriter{
		csvWriter:  csvWriter,
		jsonWriter: jsonWriter,
	}
}

// Path returns the CSV target; the JSON file sits next to it.
func (dw *DualWriter) Path() string {
	return dw.csvWriter.Path()
}

// WriteSnapshot writes both files. Each file is replaced atomically on its
// own, so a failure of the second leaves the first in place.
func (dw *DualWriter) WriteSnapshot(records []models.ProductRecord) error {
	var errs []error
	if err := dw.csvWriter.WriteSnapshot(records); err != nil {
		errs = append(errs, fmt.Errorf("csv: %w", err))
	}
	if err := dw.jsonWriter.WriteSnapshot(records); err != nil {
		errs = append(errs, fmt.Errorf("json: %w", err))
	}
	return errors.Join(errs...)
}

// NewWriter picks the snapshot writer for cfg.OutputFormat.
func NewWriter(cfg *config.Config) (SnapshotWriter, error) {
	switch cfg.OutputFormat {
	case "", "csv":
		return NewCSVWriter(cfg.OutputFile, cfg.Delimiter, cfg.Append), nil
	case "json":
		return NewJSONWriter(cfg.OutputFile, cfg.Append), nil
	case "dual":
		return NewDualWriter(
			NewCSVWriter(cfg.OutputFile, cfg.Delimiter, cfg.Append),
			NewJSONWriter(JSONPath(cfg.OutputFile), cfg.Append),
		), nil
	}
	return nil, fmt.Errorf("unsupported output format %q", cfg.OutputFormat)
}

// JSONPath derives the JSON lines file name that accompanies a CSV output.
func JSONPath(csvPath string) string {
	ext := filepath.Ext(csvPath)
	return strings.TrimSuffix(csvPath, ext) + ".jsonl"
}
