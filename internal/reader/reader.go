// Package reader streams records out of source files as lazy sequences of
// field maps. A reader is single-pass and not restartable; callers must
// Close it on every exit path.
package reader

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/fileloader-io/fileloader/internal/fault"
	"github.com/fileloader-io/fileloader/internal/source"
)

// Row is one logical record from a source file. Number is the 1-based row
// index after skip rows and header. Malformed is set for rows that are
// structurally broken (e.g. more fields than headers); such rows bypass
// validation and go straight to the dead-letter queue.
type Row struct {
	Number    int
	Fields    map[string]any
	Malformed error
}

// Reader streams rows from one file.
type Reader interface {
	// Open consumes skip rows, reads the header and validates it against
	// the source row model's required aliases.
	Open() error

	// Next returns the next row, or io.EOF after the last one.
	Next() (Row, error)

	// Fields returns the source-alias names observed in the header.
	// Valid only after Open.
	Fields() []string

	Close() error
}

// extensions maps supported file extensions to the source variant each
// expects. Compressed variants transparently wrap a gzip stream.
var extensions = map[string]source.Format{
	".csv":     source.FormatCSV,
	".csv.gz":  source.FormatCSV,
	".json":    source.FormatJSON,
	".json.gz": source.FormatJSON,
	".xlsx":    source.FormatExcel,
	".xls":     source.FormatExcel,
}

// Extension returns the effective extension of a path, preferring the
// compressed double extension when present.
func Extension(path string) string {
	base := strings.ToLower(filepath.Base(path))
	if strings.HasSuffix(base, ".gz") {
		trimmed := strings.TrimSuffix(base, ".gz")
		if ext := filepath.Ext(trimmed); ext != "" {
			return ext + ".gz"
		}
	}

	return filepath.Ext(base)
}

// Supported reports whether a path has a supported extension.
func Supported(path string) bool {
	_, ok := extensions[Extension(path)]

	return ok
}

// New selects a reader for a (source, extension) pair. It fails with an
// unsupported_format fault for unknown extensions and a reader_mismatch
// fault when the extension's reader family disagrees with the configured
// source variant.
func New(path string, src *source.Source) (Reader, error) {
	ext := Extension(path)

	format, ok := extensions[ext]
	if !ok {
		return nil, fault.New(fault.KindUnsupportedFormat,
			"unsupported file extension %q for %q", ext, filepath.Base(path))
	}

	if format != src.Format {
		return nil, fault.New(fault.KindReaderMismatch,
			"file %q requires a %s reader but source %q is configured as %s",
			filepath.Base(path), format, src.Name, src.Format)
	}

	switch format {
	case source.FormatCSV:
		return newCSVReader(path, src), nil
	case source.FormatJSON:
		return newJSONReader(path, src), nil
	case source.FormatExcel:
		return newExcelReader(path, src), nil
	}

	return nil, fault.New(fault.KindUnsupportedFormat, "no reader for format %q", format)
}

// openStream opens a file and transparently unwraps gzip compression.
func openStream(path string) (io.ReadCloser, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from directory discovery
	if err != nil {
		return nil, fmt.Errorf("failed to open %q: %w", path, err)
	}

	if !strings.HasSuffix(strings.ToLower(path), ".gz") {
		return f, nil
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("failed to open gzip stream %q: %w", path, err)
	}

	return &gzipStream{gz: gz, file: f}, nil
}

// gzipStream closes both the decompressor and the underlying file.
type gzipStream struct {
	gz   *gzip.Reader
	file *os.File
}

func (s *gzipStream) Read(p []byte) (int, error) {
	return s.gz.Read(p)
}

func (s *gzipStream) Close() error {
	gzErr := s.gz.Close()
	if err := s.file.Close(); err != nil {
		return err
	}

	return gzErr
}

// validateHeader checks that every required source alias appears in the
// observed header set, case-insensitively. Extra columns are tolerated.
func validateHeader(src *source.Source, filename string, observed []string) error {
	seen := make(map[string]bool, len(observed))
	for _, h := range observed {
		seen[strings.ToLower(strings.TrimSpace(h))] = true
	}

	var missing []string

	for _, alias := range src.Model.RequiredAliases() {
		if !seen[strings.ToLower(alias)] {
			missing = append(missing, alias)
		}
	}

	if len(missing) == 0 {
		return nil
	}

	sort.Strings(missing)

	return fault.New(fault.KindMissingColumns,
		"missing required columns in %s: missing %s", filename, strings.Join(missing, ", "))
}

// blankRow reports whether every cell is empty or whitespace.
func blankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}

	return true
}
