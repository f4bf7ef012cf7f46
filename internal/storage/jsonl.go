package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"

	"github.com/leeroybrun/edison-sub000/internal/errs"
)

// jsonl scanner buffer bounds; payloads are small but validator findings can
// run long.
const (
	scanInitialBuf = 64 * 1024
	scanMaxBuf     = 4 * 1024 * 1024
)

// AppendJSONL marshals record compactly and appends it as one line under the
// stream's advisory lock. The write is flushed and fsynced before the lock is
// released so stream order matches lock order.
func AppendJSONL(path string, record any) error {
	line, err := json.Marshal(record)
	if err != nil {
		return &errs.IOError{Op: "marshal jsonl", Path: path, Err: err}
	}
	if bytes.ContainsRune(line, '\n') {
		return errs.Internalf("jsonl record for %s serialized with embedded newline", path)
	}
	return AppendRawLine(path, line)
}

// AppendRawLine appends a pre-serialized single-line record. Callers that
// hash-chain lines use this so the bytes written are exactly the bytes hashed.
func AppendRawLine(path string, line []byte) error {
	if bytes.ContainsRune(line, '\n') {
		return errs.Internalf("jsonl record for %s contains embedded newline", path)
	}
	return WithLock(path, func() error {
		return appendLineLocked(path, line)
	})
}

// AppendChainedLine computes the next record from the stream's current last
// line and appends it, holding the stream lock across both steps. build
// receives nil when the stream is empty or absent.
func AppendChainedLine(path string, build func(last []byte) ([]byte, error)) error {
	return WithLock(path, func() error {
		last, err := lastLine(path)
		if err != nil {
			return err
		}
		line, err := build(last)
		if err != nil {
			return err
		}
		if bytes.ContainsRune(line, '\n') {
			return errs.Internalf("jsonl record for %s contains embedded newline", path)
		}
		return appendLineLocked(path, line)
	})
}

func appendLineLocked(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &errs.IOError{Op: "open append", Path: path, Err: err}
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return &errs.IOError{Op: "append", Path: path, Err: err}
	}
	if err := f.Sync(); err != nil {
		return &errs.IOError{Op: "fsync", Path: path, Err: err}
	}
	return nil
}

// lastLine returns the final complete line within the tail window, nil when
// the file is empty or absent.
func lastLine(path string) ([]byte, error) {
	lines, err := TailLines(path, scanMaxBuf)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, nil
	}
	return lines[len(lines)-1], nil
}

// ScanJSONL streams every non-empty line to fn in file order. Absent files
// scan as empty. fn returning an error stops the scan.
func ScanJSONL(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &errs.IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, scanInitialBuf), scanMaxBuf)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		if err := fn(cp); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return &errs.IOError{Op: "scan", Path: path, Err: err}
	}
	return nil
}

// TailLines returns up to the last lines of the file covered by maxBytes,
// oldest first. A partial first line inside the window is dropped. Used for
// bounded tail scans over audit streams.
func TailLines(path string, maxBytes int64) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &errs.IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &errs.IOError{Op: "stat", Path: path, Err: err}
	}
	size := info.Size()
	offset := int64(0)
	if maxBytes > 0 && size > maxBytes {
		offset = size - maxBytes
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, &errs.IOError{Op: "seek", Path: path, Err: err}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, &errs.IOError{Op: "read", Path: path, Err: err}
	}

	raw := bytes.Split(data, []byte("\n"))
	var lines [][]byte
	for i, line := range raw {
		if offset > 0 && i == 0 {
			// First line in the window may be a fragment of a record.
			continue
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}
