package reader

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/fileloader-io/fileloader/internal/fault"
	"github.com/fileloader-io/fileloader/internal/source"
)

// Sentinel errors for JSON document structure problems.
var (
	ErrArrayPathNotFound = errors.New("array path not found in document")
	ErrNotAnArray        = errors.New("array path does not point at a JSON array")
	ErrItemNotObject     = errors.New("array item is not a JSON object")
)

// jsonReader streams an array of objects with a token decoder, so only one
// item is materialized at a time. Nested objects are flattened into
// underscore-joined lowercase keys; the declared field set is taken from
// the first item.
type jsonReader struct {
	path    string
	src     *source.Source
	stream  io.ReadCloser
	dec     *json.Decoder
	header  []string
	pending map[string]any
	rowNum  int
}

func newJSONReader(path string, src *source.Source) Reader {
	return &jsonReader{path: path, src: src}
}

func (r *jsonReader) Open() error {
	stream, err := openStream(r.path)
	if err != nil {
		return err
	}

	r.stream = stream
	r.dec = json.NewDecoder(stream)

	if err := r.seekArray(); err != nil {
		return err
	}

	if !r.dec.More() {
		return fault.New(fault.KindMissingHeader,
			"no records found in %q", filepath.Base(r.path))
	}

	first, err := r.decodeItem()
	if err != nil {
		return err
	}

	r.pending = first

	for key := range first {
		r.header = append(r.header, key)
	}

	return validateHeader(r.src, filepath.Base(r.path), r.header)
}

// seekArray walks the dotted array_path through nested objects and leaves
// the decoder positioned just inside the record array.
func (r *jsonReader) seekArray() error {
	segments := []string{}
	if p := strings.TrimSpace(r.src.JSON.ArrayPath); p != "" {
		segments = strings.Split(p, ".")
	}

	for _, segment := range segments {
		tok, err := r.dec.Token()
		if err != nil {
			return fmt.Errorf("failed to parse %q: %w", r.path, err)
		}

		if tok != json.Delim('{') {
			return fmt.Errorf("%w: %q in %q", ErrArrayPathNotFound, r.src.JSON.ArrayPath, filepath.Base(r.path))
		}

		if err := r.seekKey(segment); err != nil {
			return err
		}
	}

	tok, err := r.dec.Token()
	if err != nil {
		return fmt.Errorf("failed to parse %q: %w", r.path, err)
	}

	if tok != json.Delim('[') {
		return fmt.Errorf("%w: %q in %q", ErrNotAnArray, r.src.JSON.ArrayPath, filepath.Base(r.path))
	}

	return nil
}

// seekKey advances through the members of the current object until the
// decoder sits on the named key's value. Sibling values are skipped
// without being materialized.
func (r *jsonReader) seekKey(name string) error {
	for r.dec.More() {
		tok, err := r.dec.Token()
		if err != nil {
			return fmt.Errorf("failed to parse %q: %w", r.path, err)
		}

		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("%w: %q in %q", ErrArrayPathNotFound, r.src.JSON.ArrayPath, filepath.Base(r.path))
		}

		if key == name {
			return nil
		}

		if err := r.skipValue(); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w: %q in %q", ErrArrayPathNotFound, r.src.JSON.ArrayPath, filepath.Base(r.path))
}

// skipValue consumes one complete JSON value token by token.
func (r *jsonReader) skipValue() error {
	depth := 0

	for {
		tok, err := r.dec.Token()
		if err != nil {
			return fmt.Errorf("failed to parse %q: %w", r.path, err)
		}

		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
		case json.Delim('}'), json.Delim(']'):
			depth--
		}

		if depth == 0 {
			return nil
		}
	}
}

func (r *jsonReader) decodeItem() (map[string]any, error) {
	var raw any
	if err := r.dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse %q: %w", r.path, err)
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: got %T in %q", ErrItemNotObject, raw, filepath.Base(r.path))
	}

	flat := make(map[string]any, len(obj))
	flatten("", obj, flat)

	return flat, nil
}

// flatten joins nested object keys with underscores and lowercases them,
// so {"User": {"Id": 1}} validates against a field aliased "user_id".
// Arrays and scalars are stored as-is.
func flatten(prefix string, obj map[string]any, out map[string]any) {
	for key, value := range obj {
		name := strings.ToLower(key)
		if prefix != "" {
			name = prefix + "_" + name
		}

		if nested, ok := value.(map[string]any); ok {
			flatten(name, nested, out)

			continue
		}

		out[name] = value
	}
}

func (r *jsonReader) Next() (Row, error) {
	if r.pending != nil {
		item := r.pending
		r.pending = nil
		r.rowNum++

		return Row{Number: r.rowNum, Fields: item}, nil
	}

	if !r.dec.More() {
		return Row{}, io.EOF
	}

	item, err := r.decodeItem()
	if err != nil {
		return Row{}, err
	}

	r.rowNum++

	return Row{Number: r.rowNum, Fields: item}, nil
}

func (r *jsonReader) Fields() []string {
	return r.header
}

func (r *jsonReader) Close() error {
	if r.stream == nil {
		return nil
	}

	return r.stream.Close()
}
