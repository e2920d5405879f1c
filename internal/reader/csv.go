package reader

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"

	"github.com/fileloader-io/fileloader/internal/fault"
	"github.com/fileloader-io/fileloader/internal/source"
)

// ErrUnknownEncoding is returned for a charset name IANA does not know.
var ErrUnknownEncoding = errors.New("unknown character encoding")

// csvReader streams delimited text. The whole file is decoded through the
// configured character encoding; invalid byte sequences become U+FFFD
// rather than aborting the file.
type csvReader struct {
	path   string
	src    *source.Source
	stream io.ReadCloser
	rows   *csv.Reader
	header []string
	rowNum int
}

func newCSVReader(path string, src *source.Source) Reader {
	return &csvReader{path: path, src: src}
}

func (r *csvReader) Open() error {
	stream, err := openStream(r.path)
	if err != nil {
		return err
	}

	decoded, err := decodeCharset(stream, r.src.CSV.Encoding)
	if err != nil {
		_ = stream.Close()

		return err
	}

	r.stream = stream
	r.rows = csv.NewReader(decoded)
	r.rows.FieldsPerRecord = -1
	r.rows.LazyQuotes = true

	if delim := []rune(r.src.CSV.Delimiter); len(delim) > 0 {
		r.rows.Comma = delim[0]
	}

	for i := 0; i < r.src.CSV.SkipRows; i++ {
		if _, err := r.rows.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				return r.missingHeader()
			}

			return fmt.Errorf("failed to skip row %d of %q: %w", i+1, r.path, err)
		}
	}

	header, err := r.readHeader()
	if err != nil {
		return err
	}

	r.header = header

	return validateHeader(r.src, filepath.Base(r.path), header)
}

// readHeader returns the first non-blank record. csv.Reader already skips
// fully empty lines; blank-but-delimited rows (",,,") are skipped here.
func (r *csvReader) readHeader() ([]string, error) {
	for {
		record, err := r.rows.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, r.missingHeader()
			}

			return nil, fmt.Errorf("failed to read header of %q: %w", r.path, err)
		}

		if blankRow(record) {
			continue
		}

		header := make([]string, len(record))
		for i, cell := range record {
			header[i] = strings.TrimSpace(cell)
		}

		return header, nil
	}
}

func (r *csvReader) missingHeader() error {
	return fault.New(fault.KindMissingHeader,
		"no header row found in %q", filepath.Base(r.path))
}

func (r *csvReader) Next() (Row, error) {
	for {
		record, err := r.rows.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Row{}, io.EOF
			}

			return Row{}, fmt.Errorf("failed to read %q: %w", r.path, err)
		}

		if blankRow(record) {
			continue
		}

		r.rowNum++
		row := Row{Number: r.rowNum, Fields: make(map[string]any, len(r.header))}

		if len(record) > len(r.header) {
			row.Malformed = fmt.Errorf("row has %d fields but the header declares %d",
				len(record), len(r.header))
			for i, name := range r.header {
				row.Fields[name] = record[i]
			}

			return row, nil
		}

		// Short rows are padded: trailing empty cells are routinely dropped
		// by the tools that produce these files.
		for i, name := range r.header {
			if i < len(record) {
				row.Fields[name] = record[i]
			} else {
				row.Fields[name] = ""
			}
		}

		return row, nil
	}
}

func (r *csvReader) Fields() []string {
	return r.header
}

func (r *csvReader) Close() error {
	if r.stream == nil {
		return nil
	}

	return r.stream.Close()
}

// decodeCharset wraps a stream in the named IANA character decoding.
// UTF-8 input additionally gets its byte-order mark stripped when present.
func decodeCharset(stream io.Reader, name string) (io.Reader, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" || normalized == "utf-8" || normalized == "utf8" {
		return unicode.UTF8BOM.NewDecoder().Reader(stream), nil
	}

	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		return nil, fault.New(fault.KindUnsupportedFormat,
			"%s: %q", ErrUnknownEncoding, name)
	}

	return enc.NewDecoder().Reader(stream), nil
}
