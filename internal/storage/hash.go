package storage

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/fileloader-io/fileloader/internal/schema"
)

// RowHash computes the change-detection hash of a validated record over the
// declared fields, in declaration order so the hash is stable across runs.
// The merge uses it to skip updates for unchanged rows.
func RowHash(fields []schema.Field, record schema.Record) string {
	h := xxhash.New()

	for i := range fields {
		// 0x1f separators keep ("ab","c") distinct from ("a","bc").
		_, _ = h.WriteString(fields[i].Name)
		_, _ = h.Write([]byte{0x1f})
		_, _ = h.WriteString(hashValue(record[fields[i].Name]))
		_, _ = h.Write([]byte{0x1e})
	}

	return fmt.Sprintf("%016x", h.Sum64())
}

// hashValue renders a typed value deterministically.
func hashValue(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case int64:
		return strconv.FormatInt(value, 10)
	case float64:
		return strconv.FormatFloat(value, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	case time.Time:
		return value.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", value)
	}
}
