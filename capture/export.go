package capture

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// exportFile moves a finalized temporary recording to its durable
// destination. Rename is preferred; when the destination lives on a
// different filesystem the file is copied and the temporary removed. On
// success the temporary file no longer exists.
func exportFile(temp, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("capture: create destination dir: %w", err)
	}
	if err := os.Rename(temp, dest); err == nil {
		return nil
	}

	src, err := os.Open(temp)
	if err != nil {
		return fmt.Errorf("capture: open temp recording: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("capture: create destination: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dest)
		return fmt.Errorf("capture: copy recording: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dest)
		return fmt.Errorf("capture: close destination: %w", err)
	}
	return os.Remove(temp)
}
