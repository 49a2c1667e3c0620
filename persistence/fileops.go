// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
)

// removeFile deletes path, retrying once after yielding the processor.
// A missing file is not an error.
func removeFile(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	runtime.Gosched()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// renameFile renames from to to, retrying once after yielding the processor.
func renameFile(from, to string) error {
	err := os.Rename(from, to)
	if err == nil {
		return nil
	}

	runtime.Gosched()
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", from, to, err)
	}
	return nil
}

// writeFile atomically replaces path with data by writing a temporary
// sibling and renaming it into place.
func writeFile(path string, data []byte, sync bool) error {
	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		removeFile(tmp)
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if sync {
		if err := f.Sync(); err != nil {
			f.Close()
			removeFile(tmp)
			return fmt.Errorf("failed to sync %s: %w", tmp, err)
		}
	}
	if err := f.Close(); err != nil {
		removeFile(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}

	if err := renameFile(tmp, path); err != nil {
		removeFile(tmp)
		return err
	}
	return nil
}

// syncDir flushes directory metadata so renames and deletes survive a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
