package source

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fileloader-io/fileloader/internal/schema"
)

// ErrNoSourceFiles is returned when the sources directory holds no YAML files.
var ErrNoSourceFiles = errors.New("no source configuration files found")

// sourceFile is the YAML shape of one source configuration document.
//
//nolint:tagliatelle // snake_case is intentional for YAML config files
type sourceFile struct {
	Name        string         `yaml:"name"`
	Format      string         `yaml:"format"`
	FilePattern string         `yaml:"file_pattern"`
	Table       string         `yaml:"table"`
	Grain       []string       `yaml:"grain"`
	Threshold   float64        `yaml:"threshold"`
	AuditQuery  string         `yaml:"audit_query"`
	Notify      []string       `yaml:"notify"`
	CSV         CSVOptions     `yaml:"csv"`
	Excel       ExcelOptions   `yaml:"excel"`
	JSON        JSONOptions    `yaml:"json"`
	Fields      []schema.Field `yaml:"fields"`
}

// LoadDir builds a registry from every .yaml/.yml file in dir, one source
// per file. Files are processed in lexical order so registry build errors
// are deterministic.
func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sources directory %q: %w", dir, err)
	}

	var paths []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoSourceFiles, dir)
	}

	sort.Strings(paths)

	sources := make([]*Source, 0, len(paths))

	for _, path := range paths {
		s, err := loadFile(path)
		if err != nil {
			return nil, err
		}

		sources = append(sources, s)
	}

	return NewRegistry(sources)
}

// loadFile parses and validates a single source document.
func loadFile(path string) (*Source, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		return nil, fmt.Errorf("failed to read source config %q: %w", path, err)
	}

	var doc sourceFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse source config %q: %w", path, err)
	}

	model, err := schema.NewRowModel(doc.Fields)
	if err != nil {
		return nil, fmt.Errorf("invalid row model in %q: %w", path, err)
	}

	s := &Source{
		Name:        doc.Name,
		Format:      Format(strings.ToLower(doc.Format)),
		FilePattern: doc.FilePattern,
		Table:       doc.Table,
		Grain:       doc.Grain,
		Threshold:   doc.Threshold,
		AuditQuery:  strings.TrimSpace(doc.AuditQuery),
		Notify:      doc.Notify,
		CSV:         doc.CSV,
		Excel:       doc.Excel,
		JSON:        doc.JSON,
		Model:       model,
	}

	if s.CSV.Delimiter == "" {
		s.CSV.Delimiter = ","
	}

	if s.CSV.Encoding == "" {
		s.CSV.Encoding = "utf-8"
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid source config %q: %w", path, err)
	}

	return s, nil
}
