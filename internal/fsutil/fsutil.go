package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidName is returned for names that do not denote a direct child of a
// directory (separators, dot entries, NUL bytes).
var ErrInvalidName = errors.New("invalid file name")

// CleanName validates a single path segment received from a client. Both
// slash styles are rejected so "..\\x" cannot escape on Windows either.
func CleanName(name string) (string, error) {
	if name == "" || name == "." || name == ".." {
		return "", ErrInvalidName
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return "", ErrInvalidName
	}
	if filepath.VolumeName(name) != "" {
		return "", ErrInvalidName
	}
	return name, nil
}

// ChildOf returns the absolute path of name inside dir. The result is
// guaranteed to have dir as its immediate parent.
func ChildOf(dir, name string) (string, error) {
	name, err := CleanName(name)
	if err != nil {
		return "", err
	}
	dirAbs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("abs %s: %w", dir, err)
	}
	abs := filepath.Clean(filepath.Join(dirAbs, name))
	if filepath.Dir(abs) != filepath.Clean(dirAbs) {
		return "", ErrInvalidName
	}
	return abs, nil
}

// EnsureDir creates dir (and parents) if it does not exist yet.
func EnsureDir(dir string) (created bool, err error) {
	st, err := os.Stat(dir)
	if err == nil {
		if !st.IsDir() {
			return false, fmt.Errorf("%s exists and is not a directory", dir)
		}
		return false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, err
	}
	return true, nil
}

// RegularFile stats the named child of dir and reports whether it exists as a
// regular file. Symlinks are not followed and count as missing, as does a
// missing entry; neither is an error.
func RegularFile(dir, name string) (path string, info os.FileInfo, err error) {
	path, err = ChildOf(dir, name)
	if err != nil {
		return "", nil, err
	}
	info, err = os.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return path, nil, nil
		}
		return path, nil, err
	}
	if !info.Mode().IsRegular() {
		return path, nil, nil
	}
	return path, info, nil
}

// Exists reports whether path exists, swallowing stat errors.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
