package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// copyFile copies src into dir under the same basename, creating dir as
// needed. The archive copy must exist before the first row is read so a
// crashed load can always be replayed.
func copyFile(src, dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create directory %q: %w", dir, err)
	}

	in, err := os.Open(src) //nolint:gosec // path comes from directory discovery
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", src, err)
	}
	defer in.Close() //nolint:errcheck

	dst := filepath.Join(dir, filepath.Base(src))

	out, err := os.Create(dst) //nolint:gosec // destination is the configured archive
	if err != nil {
		return fmt.Errorf("failed to create %q: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()

		return fmt.Errorf("failed to copy %q to %q: %w", src, dst, err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to finish copy to %q: %w", dst, err)
	}

	return nil
}

// moveAside moves src into dir under its own name. When a file with that
// name already sits there, a timestamp is inserted before the extension so
// repeated duplicates never collide.
func moveAside(src, dir string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create directory %q: %w", dir, err)
	}

	base := filepath.Base(src)
	dst := filepath.Join(dir, base)

	if _, err := os.Stat(dst); err == nil {
		ext := fullExt(base)
		stem := base[:len(base)-len(ext)]
		dst = filepath.Join(dir, fmt.Sprintf("%s_%s%s", stem, now.Format("20060102T150405"), ext))
	}

	if err := os.Rename(src, dst); err != nil {
		// Cross-device moves fall back to copy and delete.
		if copyErr := copyContents(src, dst); copyErr != nil {
			return "", fmt.Errorf("failed to move %q to %q: %w", src, dst, err)
		}

		if rmErr := os.Remove(src); rmErr != nil {
			return "", fmt.Errorf("failed to remove %q after move: %w", src, rmErr)
		}
	}

	return dst, nil
}

func copyContents(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // path comes from directory discovery
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck

	out, err := os.Create(dst) //nolint:gosec // destination is the configured directory
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()

		return err
	}

	return out.Close()
}

// fullExt returns the extension including a compressed double extension.
func fullExt(base string) string {
	lower := strings.ToLower(base)
	if strings.HasSuffix(lower, ".gz") {
		trimmed := base[:len(base)-len(".gz")]
		if ext := filepath.Ext(trimmed); ext != "" {
			return base[len(trimmed)-len(ext):]
		}
	}

	return filepath.Ext(base)
}
