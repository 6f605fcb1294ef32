// Copyright (C) 2022-2024 the DangerPrep Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

//Package futil contains utility functions for dealing with files and dirs.
package futil

import (
	"fmt"
	"io"
	"os"
	fp "path/filepath"
	"syscall"
	"time"

	"github.com/vladzaharia/dangerprep/pkg/log"
)

//Returns true if the path exists, whether file or dir.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Copy a file. Assumes any dirs have already been created. Copies metadata.
func CopyFile(src, dest string, destFlags int) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_RDWR|os.O_CREATE|os.O_TRUNC|destFlags, 0666)
	if err != nil {
		return err
	}
	defer out.Close()
	in, err := os.OpenFile(src, os.O_RDONLY, 0400)
	if err != nil {
		return err
	}
	defer in.Close()
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	if n < info.Size() {
		return fmt.Errorf("copied %d bytes, expected %d", n, info.Size())
	}
	if err := out.Chmod(info.Mode()); err != nil {
		return err
	}
	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		if err := out.Chown(int(sys.Uid), int(sys.Gid)); err != nil {
			log.Logf("error %s setting uid/gid of %s", err, dest)
		}
	}
	return os.Chtimes(dest, info.ModTime(), info.ModTime())
}

// BackupTo copies src into backupDir as basename.backup-<timestamp>,
// creating backupDir if needed. Returns the path of the backup copy.
func BackupTo(src, backupDir string) (string, error) {
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s.backup-%s", fp.Base(src), log.Timestamp())
	dest := fp.Join(backupDir, name)
	//timestamps have 1s resolution; a second render within that window must
	//not clobber the earlier backup
	for i := 1; Exists(dest); i++ {
		dest = fp.Join(backupDir, fmt.Sprintf("%s.%d", name, i))
	}
	if err := CopyFile(src, dest, 0); err != nil {
		return "", err
	}
	return dest, nil
}

// WriteFileAtomic writes data to a temp file in the target dir, then renames
// over path - readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := fp.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+fp.Base(path)+".tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err == nil {
		err = tmp.Chmod(mode)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmpName, path)
	}
	if err != nil {
		os.Remove(tmpName)
	}
	return err
}

// WaitFor waits for a file to appear or times out. Returns true if file
// appears, false otherwise. Sleeps .1s between checks.
func WaitFor(path string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if Exists(path) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// PruneOlderThan removes regular files under dir older than age. Used for
// best-effort cleanup when disk space runs low. Returns bytes reclaimed.
func PruneOlderThan(dir string, age time.Duration) (reclaimed int64) {
	cutoff := time.Now().Add(-age)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := fp.Join(dir, e.Name())
		if err := os.Remove(path); err != nil {
			log.Logf("pruning %s: %s", path, err)
			continue
		}
		reclaimed += info.Size()
	}
	return
}
