package update

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
)

// replaceFiles atomically swaps each extracted file into dir, one rename
// per path (spec §4.12). A rename that fails with ETXTBSY (text file busy,
// e.g. the running executable on Linux) or EXDEV falls back to
// remove-then-create at the same path, which the kernel permits even while
// a process holds the old inode open. A failure to create the temp file is
// returned as an error, with no fallback.
func replaceFiles(dir string, files map[string][]byte) error {
	for name, content := range files {
		target := filepath.Join(dir, name)
		if err := replaceOne(target, content); err != nil {
			return fmt.Errorf("replace %s: %w", name, err)
		}
	}
	return nil
}

func replaceOne(target string, content []byte) error {
	dir := filepath.Dir(target)
	mode := os.FileMode(0o755)
	if info, err := os.Stat(target); err == nil {
		mode = info.Mode()
	}

	tmp, err := os.CreateTemp(dir, ".update-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, target); err != nil {
		if shouldFallbackToRemoveCreate(err) {
			return removeThenCreate(target, tmpPath, mode)
		}
		return fmt.Errorf("rename: %w", err)
	}
	syncDir(dir)
	return nil
}

// removeThenCreate unlinks target (which a running process may still hold
// open) and creates a fresh inode at the same path.
func removeThenCreate(target, tmpPath string, mode os.FileMode) error {
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove old file: %w", err)
	}
	src, err := os.Open(tmpPath)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

func shouldFallbackToRemoveCreate(err error) bool {
	return errors.Is(err, syscall.ETXTBSY) || errors.Is(err, syscall.EXDEV)
}

func syncDir(path string) {
	if runtime.GOOS == "windows" {
		return
	}
	dir, err := os.Open(path)
	if err != nil {
		return
	}
	defer func() { _ = dir.Close() }()
	_ = dir.Sync()
}
