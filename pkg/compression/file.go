package compression

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFile compresses data according to the extension of path and replaces
// path atomically: a temporary file in the same directory is renamed over it.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	comp, err := NewCompressor(ForPath(path))
	if err != nil {
		return err
	}
	if data, err = comp.Compress(data); err != nil {
		return fmt.Errorf("compress %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // already renamed on success

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadFile reads path and decompresses it according to its extension.
// Errors from os.ReadFile are returned unwrapped so os.IsNotExist applies.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		return nil, err
	}
	comp, err := NewCompressor(ForPath(path))
	if err != nil {
		return nil, err
	}
	out, err := comp.Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", path, err)
	}
	return out, nil
}
