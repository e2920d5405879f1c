// Package fault carries the error-kind taxonomy used to route terminal
// pipeline failures to the right notification channel.
package fault

import (
	"errors"
	"fmt"
)

// Kind identifies a terminal failure class. The string value is persisted
// in the file_load_log error_type column.
type Kind string

// Failure kinds, ordered roughly by where they occur in a run.
const (
	KindUnsupportedFormat  Kind = "unsupported_format"
	KindReaderMismatch     Kind = "reader_mismatch"
	KindMissingHeader      Kind = "missing_header"
	KindMissingColumns     Kind = "missing_columns"
	KindThresholdExceeded  Kind = "threshold_exceeded"
	KindGrainDuplicates    Kind = "grain_duplicates"
	KindAuditFailed        Kind = "audit_failed"
	KindDuplicateFile      Kind = "duplicate_file"
	KindDBTransient        Kind = "db_transient"
	KindDBFatal            Kind = "db_fatal"
	KindCancelled          Kind = "cancelled"
	KindInternal           Kind = "internal_error"
)

// fileKinds are failures caused by the file's content or configuration.
// They notify the business recipients of the source; everything else is an
// internal alert.
var fileKinds = map[Kind]bool{
	KindMissingHeader:     true,
	KindMissingColumns:    true,
	KindThresholdExceeded: true,
	KindGrainDuplicates:   true,
	KindAuditFailed:       true,
	KindDuplicateFile:     true,
}

// Fault is an error tagged with a Kind.
type Fault struct {
	Kind Kind
	Err  error
}

// New creates a Fault with a formatted message.
func New(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap tags an existing error with a kind. Returns nil for a nil error.
func Wrap(kind Kind, err error) *Fault {
	if err == nil {
		return nil
	}

	return &Fault{Kind: kind, Err: err}
}

// Error implements the error interface.
func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (f *Fault) Unwrap() error {
	return f.Err
}

// KindOf extracts the Kind from an error chain. Untagged errors report
// KindInternal.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}

	return KindInternal
}

// IsFileProblem reports whether the error should notify the source's
// business recipients rather than the internal channel.
func IsFileProblem(err error) bool {
	return fileKinds[KindOf(err)]
}
