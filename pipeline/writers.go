package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/aluiziolira/stock-harvest/models"
)

var (
	csvHeader = []string{"SKU", "Name", "Quantity", "SourceURL"}
	utf8BOM   = []byte{0xef, 0xbb, 0xbf}
)

// SnapshotWriter persists a complete, sorted set of records.
type SnapshotWriter interface {
	WriteSnapshot(records []models.ProductRecord) error
	Path() string
}

// CSVWriter writes a delimited snapshot with a header row.
type CSVWriter struct {
	path       string
	delimiter  rune
	appendMode bool
}

// NewCSVWriter returns a writer for path. In append mode existing rows are
// kept and new rows added after them.
func NewCSVWriter(path string, delimiter rune, appendMode bool) *CSVWriter {
	if delimiter == 0 {
		delimiter = ';'
	}
	return &CSVWriter{path: path, delimiter: delimiter, appendMode: appendMode}
}

// Path returns the target file.
func (cw *CSVWriter) Path() string {
	return cw.path
}

// WriteSnapshot replaces the target atomically. New files start with a UTF-8
// BOM and the header, even when records is empty.
func (cw *CSVWriter) WriteSnapshot(records []models.ProductRecord) error {
	return writeAtomic(cw.path, cw.appendMode, func(w io.Writer, continuing bool) error {
		if !continuing {
			if _, err := w.Write(utf8BOM); err != nil {
				return fmt.Errorf("write bom: %w", err)
			}
		}

		writer := csv.NewWriter(w)
		writer.Comma = cw.delimiter
		if !continuing {
			if err := writer.Write(csvHeader); err != nil {
				return fmt.Errorf("write csv header: %w", err)
			}
		}
		for _, r := range records {
			row := []string{r.SKU, r.Name, strconv.Itoa(r.Quantity), r.SourceURL}
			if err := writer.Write(row); err != nil {
				return fmt.Errorf("write csv record: %w", err)
			}
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			return fmt.Errorf("flush csv records: %w", err)
		}
		return nil
	})
}

// JSONWriter writes newline-delimited JSON records.
type JSONWriter struct {
	path       string
	appendMode bool
}

// NewJSONWriter returns a JSONL writer for path.
func NewJSONWriter(path string, appendMode bool) *JSONWriter {
	return &JSONWriter{path: path, appendMode: appendMode}
}

// Path returns the target file.
func (jw *JSONWriter) Path() string {
	return jw.path
}

// WriteSnapshot replaces the target atomically, one record per line.
func (jw *JSONWriter) WriteSnapshot(records []models.ProductRecord) error {
	return writeAtomic(jw.path, jw.appendMode, func(w io.Writer, _ bool) error {
		encoder := json.NewEncoder(w)
		for _, r := range records {
			if err := encoder.Encode(r); err != nil {
				return fmt.Errorf("encode json record: %w", err)
			}
		}
		return nil
	})
}

// writeAtomic fills a temp file next to path and renames it over path once
// it is synced, so readers never see a partial file. In append mode the
// current content of path is copied first and fill is told to continue it.
func writeAtomic(path string, appendMode bool, fill func(w io.Writer, continuing bool) error) (err error) {
	if err := ensureDir(path); err != nil {
		return fmt.Errorf("%w: %w", ErrOutputWriteFailed, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %w", ErrOutputWriteFailed, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	buffer := bufio.NewWriter(tmp)
	continuing := false
	if appendMode {
		continuing, err = copyExisting(buffer, path)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrOutputWriteFailed, err)
		}
	}

	if err = fill(buffer, continuing); err != nil {
		return fmt.Errorf("%w: %w", ErrOutputWriteFailed, err)
	}
	if err = buffer.Flush(); err != nil {
		return fmt.Errorf("%w: flush %s: %w", ErrOutputWriteFailed, path, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %w", ErrOutputWriteFailed, path, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrOutputWriteFailed, path, err)
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("%w: chmod %s: %w", ErrOutputWriteFailed, path, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: rename into %s: %w", ErrOutputWriteFailed, path, err)
	}
	return nil
}

// copyExisting copies path into w and reports whether it had content. A
// missing file is not an error.
func copyExisting(w io.Writer, path string) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read existing %s: %w", path, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if _, err := w.Write(data); err != nil {
		return false, fmt.Errorf("copy existing %s: %w", path, err)
	}
	if data[len(data)-1] != '\n' {
		if _, err := io.WriteString(w, "\n"); err != nil {
			return false, fmt.Errorf("copy existing %s: %w", path, err)
		}
	}
	return true, nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
