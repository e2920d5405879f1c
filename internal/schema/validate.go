package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Record is one validated row: canonical field names mapped to typed
// values. Absent optional fields hold nil.
type Record map[string]any

// FieldError describes one per-field validation failure. ColumnName is the
// source-file column name (alias), not the canonical field name, so the
// error reads in the file owner's vocabulary.
type FieldError struct {
	ColumnName  string `json:"column_name"`
	ColumnValue string `json:"column_value"`
	ErrorType   string `json:"error_type"`
	ErrorMsg    string `json:"error_msg"`
}

// Validation error types, aligned with the names the DLQ consumers already
// know from the previous loader generation.
const (
	errMissing          = "missing"
	errIntParsing       = "int_parsing"
	errFloatParsing     = "float_parsing"
	errBoolParsing      = "bool_parsing"
	errDateParsing      = "date_parsing"
	errDateTimeParsing  = "datetime_parsing"
	errStringTooLong    = "string_too_long"
	errStringTooShort   = "string_too_short"
	errGreaterThanEqual = "greater_than_equal"
	errLessThanEqual    = "less_than_equal"
	errEnum             = "enum"
	errPatternMismatch  = "string_pattern_mismatch"
)

// dateLayouts and dateTimeLayouts are tried in order during coercion.
var (
	dateLayouts = []string{
		"2006-01-02",
		"2006/01/02",
		"01/02/2006",
	}
	dateTimeLayouts = []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	}
)

// Validate renames source aliases to canonical field names, drops unknown
// columns, coerces values to their declared types and enforces the declared
// constraints. It returns either a typed record with no errors, or the
// ordered list of per-field errors. The validator is pure: it never touches
// the model or any shared state.
func (m *RowModel) Validate(raw map[string]any) (Record, []FieldError) {
	var errs []FieldError

	record := make(Record, len(m.fields))
	present := make(map[string]any, len(raw))

	for key, value := range raw {
		if f, ok := m.byAlias[strings.ToLower(key)]; ok {
			present[strings.ToLower(f.Name)] = value
		}
	}

	for i := range m.fields {
		f := &m.fields[i]

		value, ok := present[strings.ToLower(f.Name)]
		if !ok || isAbsent(f.Type, value) {
			if f.Required {
				errs = append(errs, FieldError{
					ColumnName:  f.SourceAlias(),
					ColumnValue: stringify(value),
					ErrorType:   errMissing,
					ErrorMsg:    "field required",
				})
			} else {
				record[f.Name] = nil
			}

			continue
		}

		typed, errType, err := coerce(f.Type, value)
		if err != nil {
			errs = append(errs, FieldError{
				ColumnName:  f.SourceAlias(),
				ColumnValue: stringify(value),
				ErrorType:   errType,
				ErrorMsg:    strings.ToLower(err.Error()),
			})

			continue
		}

		if fieldErr, violated := f.checkConstraints(typed); violated {
			errs = append(errs, fieldErr)

			continue
		}

		record[f.Name] = typed
	}

	if len(errs) > 0 {
		return nil, errs
	}

	return record, nil
}

// isAbsent treats nil as absent for every type. CSV yields "" for empty
// trailing fields; a blank string is a value for string fields and an
// absence for everything else.
func isAbsent(t FieldType, value any) bool {
	if value == nil {
		return true
	}

	if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
		return t != TypeString
	}

	return false
}

// coerce converts a raw value into the declared semantic type. It returns
// the typed value, or the error type and error for the failure.
func coerce(t FieldType, value any) (any, string, error) {
	switch t {
	case TypeString:
		return stringify(value), "", nil
	case TypeInt:
		v, err := toInt(value)
		if err != nil {
			return nil, errIntParsing, err
		}

		return v, "", nil
	case TypeFloat:
		v, err := toFloat(value)
		if err != nil {
			return nil, errFloatParsing, err
		}

		return v, "", nil
	case TypeBool:
		v, err := toBool(value)
		if err != nil {
			return nil, errBoolParsing, err
		}

		return v, "", nil
	case TypeDate:
		v, err := toTime(value, dateLayouts)
		if err != nil {
			return nil, errDateParsing, err
		}

		return v.Truncate(24 * time.Hour), "", nil
	case TypeDateTime:
		v, err := toTime(value, dateTimeLayouts)
		if err != nil {
			return nil, errDateTimeParsing, err
		}

		return v, "", nil
	}

	// NewRowModel rejects unknown types; string is the safe fallback.
	return stringify(value), "", nil
}

// checkConstraints enforces the declared field constraints on a coerced
// value. The bool reports whether a constraint was violated.
func (f *Field) checkConstraints(value any) (FieldError, bool) {
	fail := func(errType, msg string) (FieldError, bool) {
		return FieldError{
			ColumnName:  f.SourceAlias(),
			ColumnValue: stringify(value),
			ErrorType:   errType,
			ErrorMsg:    strings.ToLower(msg),
		}, true
	}

	if s, ok := value.(string); ok {
		if f.MaxLength != nil && len(s) > *f.MaxLength {
			return fail(errStringTooLong, fmt.Sprintf("string should have at most %d characters", *f.MaxLength))
		}

		if f.MinLength != nil && len(s) < *f.MinLength {
			return fail(errStringTooShort, fmt.Sprintf("string should have at least %d characters", *f.MinLength))
		}

		if len(f.Enum) > 0 && !contains(f.Enum, s) {
			return fail(errEnum, fmt.Sprintf("input should be one of: %s", strings.Join(f.Enum, ", ")))
		}

		if f.pattern != nil && !f.pattern.MatchString(s) {
			return fail(errPatternMismatch, fmt.Sprintf("string should match pattern %q", f.Pattern))
		}
	}

	if n, ok := numeric(value); ok {
		if f.Min != nil && n < *f.Min {
			return fail(errGreaterThanEqual, fmt.Sprintf("input should be greater than or equal to %v", *f.Min))
		}

		if f.Max != nil && n > *f.Max {
			return fail(errLessThanEqual, fmt.Sprintf("input should be less than or equal to %v", *f.Max))
		}
	}

	return FieldError{}, false
}

func contains(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}

	return false
}

func numeric(value any) (float64, bool) {
	switch v := value.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}

	return 0, false
}

// stringify renders any raw value as the string form stored in DLQ rows.
func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		// Avoid "3.000000" noise for integral floats from spreadsheets.
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return strconv.FormatInt(int64(v), 10)
		}

		return strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toInt(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("input should be a valid integer, got %v", v)
		}

		return int64(v), nil
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("input should be a valid integer, unable to parse string as an integer")
		}

		return parsed, nil
	}

	return 0, fmt.Errorf("input should be a valid integer, got %T", value)
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("input should be a valid number, unable to parse string as a number")
		}

		return parsed, nil
	}

	return 0, fmt.Errorf("input should be a valid number, got %T", value)
}

func toBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "t", "1", "yes", "y":
			return true, nil
		case "false", "f", "0", "no", "n":
			return false, nil
		}

		return false, fmt.Errorf("input should be a valid boolean, unable to interpret input")
	case int64:
		if v == 0 || v == 1 {
			return v == 1, nil
		}
	case float64:
		if v == 0 || v == 1 {
			return v == 1, nil
		}
	}

	return false, fmt.Errorf("input should be a valid boolean, got %T", value)
}

func toTime(value any, layouts []string) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		trimmed := strings.TrimSpace(v)
		for _, layout := range layouts {
			if parsed, err := time.Parse(layout, trimmed); err == nil {
				return parsed, nil
			}
		}

		return time.Time{}, fmt.Errorf("input should be a valid date or datetime, unable to parse %q", v)
	}

	return time.Time{}, fmt.Errorf("input should be a valid date or datetime, got %T", value)
}
