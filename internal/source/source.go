// Package source holds the named source configurations: which files belong
// to which target table, under which row model, and how to read them. The
// registry is built once at startup and is read-only afterwards.
package source

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fileloader-io/fileloader/internal/schema"
)

// Format selects the reader family for a source.
type Format string

// Supported source variants.
const (
	FormatCSV   Format = "csv"
	FormatExcel Format = "excel"
	FormatJSON  Format = "json"
)

// Sentinel errors for source validation.
var (
	ErrEmptyName         = errors.New("source name cannot be empty")
	ErrEmptyPattern      = errors.New("source file_pattern cannot be empty")
	ErrBadPattern        = errors.New("source file_pattern is not a valid glob")
	ErrBadFormat         = errors.New("source format must be csv, excel or json")
	ErrBadTableName      = errors.New("target table name is not a legal SQL identifier")
	ErrEmptyGrain        = errors.New("source grain cannot be empty")
	ErrGrainUnknownField = errors.New("grain field is not declared in the row model")
	ErrGrainNotRequired  = errors.New("grain field must be required")
	ErrBadThreshold      = errors.New("validation error threshold must be within [0, 1]")
	ErrNilModel          = errors.New("source row model cannot be nil")
)

// identPattern matches legal unquoted SQL identifiers.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// CSVOptions configures the delimited-text reader.
type CSVOptions struct {
	Delimiter string `yaml:"delimiter"`
	Encoding  string `yaml:"encoding"`
	SkipRows  int    `yaml:"skip_rows"`
}

// ExcelOptions configures the spreadsheet reader.
type ExcelOptions struct {
	Sheet    string `yaml:"sheet"`
	SkipRows int    `yaml:"skip_rows"`
}

// JSONOptions configures the JSON reader. ArrayPath is a dotted selector to
// the record array; empty means the document root is the array.
type JSONOptions struct {
	ArrayPath string `yaml:"array_path"`
}

// Source binds a file-name pattern to a row model and a target table.
type Source struct {
	Name        string
	Format      Format
	FilePattern string
	Table       string
	Grain       []string
	// Threshold is the tolerated validation-error fraction in [0, 1].
	Threshold float64
	// AuditQuery is an optional SQL template with a {table} placeholder;
	// it must return exactly one row of 0/1 audit columns.
	AuditQuery string
	// Notify lists business recipients for file-problem notifications.
	Notify []string

	CSV   CSVOptions
	Excel ExcelOptions
	JSON  JSONOptions

	Model *schema.RowModel
}

// Validate checks the per-source invariants.
func (s *Source) Validate() error {
	if s.Name == "" {
		return ErrEmptyName
	}

	if s.FilePattern == "" {
		return fmt.Errorf("%w: source %q", ErrEmptyPattern, s.Name)
	}

	if _, err := filepath.Match(s.FilePattern, "probe"); err != nil {
		return fmt.Errorf("%w: source %q pattern %q", ErrBadPattern, s.Name, s.FilePattern)
	}

	switch s.Format {
	case FormatCSV, FormatExcel, FormatJSON:
	default:
		return fmt.Errorf("%w: source %q got %q", ErrBadFormat, s.Name, s.Format)
	}

	if !identPattern.MatchString(s.Table) {
		return fmt.Errorf("%w: source %q table %q", ErrBadTableName, s.Name, s.Table)
	}

	if s.Model == nil {
		return fmt.Errorf("%w: source %q", ErrNilModel, s.Name)
	}

	if len(s.Grain) == 0 {
		return fmt.Errorf("%w: source %q", ErrEmptyGrain, s.Name)
	}

	for _, g := range s.Grain {
		f, ok := s.Model.FieldByName(g)
		if !ok {
			return fmt.Errorf("%w: source %q grain %q", ErrGrainUnknownField, s.Name, g)
		}

		if !f.Required {
			return fmt.Errorf("%w: source %q grain %q", ErrGrainNotRequired, s.Name, g)
		}
	}

	if s.Threshold < 0 || s.Threshold > 1 {
		return fmt.Errorf("%w: source %q got %v", ErrBadThreshold, s.Name, s.Threshold)
	}

	return nil
}

// Matches reports whether a file basename belongs to this source. Matching
// is case-insensitive.
func (s *Source) Matches(filename string) bool {
	ok, err := filepath.Match(strings.ToLower(s.FilePattern), strings.ToLower(filepath.Base(filename)))

	return err == nil && ok
}

// literalPrefix returns the pattern prefix up to the first glob metacharacter.
func literalPrefix(pattern string) string {
	if idx := strings.IndexAny(pattern, `*?[\`); idx >= 0 {
		return pattern[:idx]
	}

	return pattern
}
