// Copyright (C) 2022-2024 the DangerPrep Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package storage

import (
	"fmt"
	"os"
	"os/exec"
	fp "path/filepath"
	"strings"
	"time"

	"github.com/u-root/u-root/pkg/mount"
	"golang.org/x/sys/unix"

	"github.com/vladzaharia/dangerprep/pkg/log"
)

// Filesystem is an ext4 filesystem on a single partition.
type Filesystem struct {
	Device string
	Label  string
	UUID   string

	mountpoint string
}

// Format creates an ext4 filesystem on fs.Device with fs.Label, then reads
// back the resulting UUID with blkid.
func (fs *Filesystem) Format() error {
	args := []string{"-q", "-F", "-t", "ext4"}
	if fs.Label != "" {
		args = append(args, "-L", fs.Label)
	}
	args = append(args, fs.Device)
	mke2fs := exec.Command("mke2fs", args...)
	out, success := log.Cmd(mke2fs)
	if !success {
		return fmt.Errorf("mke2fs %s: %s", fs.Device, strings.TrimSpace(out))
	}
	info, err := GetInfo(fs.Device)
	if err != nil {
		return fmt.Errorf("reading uuid of %s: %s", fs.Device, err)
	}
	fs.UUID = info.UUID
	return nil
}

// Identify fills in UUID and Label from blkid without modifying anything.
func (fs *Filesystem) Identify() error {
	info, err := GetInfo(fs.Device)
	if err != nil {
		return err
	}
	fs.UUID = info.UUID
	if fs.Label == "" {
		fs.Label = info.Label
	}
	return nil
}

// Mount mounts the filesystem at path, creating the dir if needed, and
// verifies the mount with a probe file. Tries the syscall first, falls back
// to the mount binary.
func (fs *Filesystem) Mount(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return err
	}
	_, err := mount.Mount(fs.Device, path, "ext4", "", 0)
	if err != nil {
		log.Debugf("mount syscall for %s: %s, trying binary", fs.Device, err)
		mnt := exec.Command("mount", "-t", "ext4", fs.Device, path)
		out, success := log.Cmd(mnt)
		if !success {
			return fmt.Errorf("mount %s at %s: %s", fs.Device, path, strings.TrimSpace(out))
		}
	}
	//mounted from here on - an unusable mount must not be left behind
	fs.mountpoint = path
	if err := probe(path); err != nil {
		perr := fmt.Errorf("mount of %s at %s not usable: %s", fs.Device, path, err)
		if uerr := fs.Umount(); uerr != nil {
			log.Logf("%s", uerr)
		}
		return perr
	}
	return nil
}

//write-then-remove on the new mount proves it is really there and writable
func probe(path string) error {
	probeFile := fp.Join(path, fmt.Sprintf(".dangerprep-probe-%d", os.Getpid()))
	if err := os.WriteFile(probeFile, []byte("probe\n"), 0644); err != nil {
		return err
	}
	return os.Remove(probeFile)
}

// Umount unmounts, escalating from a plain umount through forced to lazy,
// and verifies against the mount table.
func (fs *Filesystem) Umount() error {
	if fs.mountpoint == "" {
		return nil
	}
	unix.Sync()
	for _, args := range [][]string{
		{fs.mountpoint},
		{"-f", fs.mountpoint},
		{"-l", fs.mountpoint},
	} {
		umount := exec.Command("umount", args...)
		log.Cmd(umount)
		if !IsMountpoint(fs.mountpoint) {
			fs.mountpoint = ""
			return nil
		}
		time.Sleep(time.Second)
	}
	return fmt.Errorf("%s still mounted at %s", fs.Device, fs.mountpoint)
}

// Mountpoint returns the current mountpoint, empty if not mounted by us.
func (fs *Filesystem) Mountpoint() string { return fs.mountpoint }
