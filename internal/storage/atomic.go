// Package storage provides the filesystem primitives every other component
// builds on: atomic whole-file writes, advisory file locks with bounded
// retry, and append-only JSONL streams. Writes are crash-safe on POSIX
// (tempfile in the target directory, fsync, rename); the package is not
// designed for networked filesystems with weak rename semantics.
package storage

import (
	"encoding/json"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/leeroybrun/edison-sub000/internal/errs"
)

// WriteFileAtomic writes data to path so readers never observe partial
// content: parent directories are created, the bytes land in a tempfile in
// the same directory, are fsynced, then renamed over the target.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &errs.IOError{Op: "mkdir", Path: dir, Err: err}
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return &errs.IOError{Op: "create", Path: dir, Err: err}
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return &errs.IOError{Op: "write", Path: tmpName, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		return &errs.IOError{Op: "fsync", Path: tmpName, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &errs.IOError{Op: "close", Path: tmpName, Err: err}
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return &errs.IOError{Op: "chmod", Path: tmpName, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return &errs.IOError{Op: "rename", Path: path, Err: err}
	}
	committed = true
	return nil
}

// WriteTextAtomic is WriteFileAtomic for string content with default perms.
func WriteTextAtomic(path, content string) error {
	return WriteFileAtomic(path, []byte(content), 0o644)
}

// WriteJSONAtomic serializes v as indented JSON with a trailing newline and
// writes it atomically.
func WriteJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &errs.IOError{Op: "marshal json", Path: path, Err: err}
	}
	return WriteFileAtomic(path, append(b, '\n'), 0o644)
}

// WriteYAMLAtomic serializes v as YAML and writes it atomically.
func WriteYAMLAtomic(path string, v any) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return &errs.IOError{Op: "marshal yaml", Path: path, Err: err}
	}
	return WriteFileAtomic(path, b, 0o644)
}

// ReadText returns the file content or a NotFound error when the file is
// absent. Other failures surface as IOError.
func ReadText(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &errs.NotFound{Kind: "file", ID: filepath.Base(path), Path: path}
		}
		return "", &errs.IOError{Op: "read", Path: path, Err: err}
	}
	return string(b), nil
}

// ReadTextOptional returns ("", false, nil) when the file is absent.
func ReadTextOptional(path string) (string, bool, error) {
	s, err := ReadText(path)
	if err != nil {
		if errs.IsNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return s, true, nil
}

// Exists reports whether path names an existing file or directory.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
