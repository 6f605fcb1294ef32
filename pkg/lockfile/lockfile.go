// Copyright (C) 2022-2024 the DangerPrep Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

//Package lockfile provides the system-wide installation lock. At most one
//install may run at a time; a lock left behind by a dead process is
//reclaimed.
package lockfile

import (
	"fmt"
	"os"
	fp "path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/vladzaharia/dangerprep/pkg/log"
)

// ErrHeld is returned by Acquire when another live process holds the lock.
type ErrHeld struct {
	Pid int
}

func (e *ErrHeld) Error() string {
	return fmt.Sprintf("installation already running (pid %d)", e.Pid)
}

type Lock struct {
	path string
	pid  int
	held bool
}

func New(path string) *Lock {
	return &Lock{path: path, pid: os.Getpid()}
}

func (l *Lock) Path() string { return l.path }

// Acquire creates the lock file exclusively. If the file exists and its
// recorded owner is alive, an *ErrHeld is returned. A stale or unreadable
// lock is removed and the exclusive create retried once.
func (l *Lock) Acquire() error {
	err := l.tryCreate()
	if err == nil {
		return nil
	}
	if !os.IsExist(err) {
		return err
	}
	owner, rerr := l.owner()
	if rerr == nil && alive(owner) {
		return &ErrHeld{Pid: owner}
	}
	if rerr != nil {
		log.Logf("unreadable lock %s (%s), reclaiming", l.path, rerr)
	} else {
		log.Logf("stale lock %s held by dead pid %d, reclaiming", l.path, owner)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale lock: %w", err)
	}
	err = l.tryCreate()
	if err == nil {
		return nil
	}
	if os.IsExist(err) {
		//someone else won the race for the stale lock
		if owner, rerr := l.owner(); rerr == nil {
			return &ErrHeld{Pid: owner}
		}
	}
	return err
}

//exclusive create; no read-then-write race window
func (l *Lock) tryCreate() error {
	if err := os.MkdirAll(fp.Dir(l.path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	_, werr := fmt.Fprintf(f, "%d\n", l.pid)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(l.path)
		if werr != nil {
			return werr
		}
		return cerr
	}
	l.held = true
	log.Debugf("acquired lock %s (pid %d)", l.path, l.pid)
	return nil
}

func (l *Lock) owner() (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed lock content %q", strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// Release removes the lock file, but only if this process owns it.
func (l *Lock) Release() error {
	owner, err := l.owner()
	if err != nil {
		if os.IsNotExist(err) {
			l.held = false
			return nil
		}
		return err
	}
	if owner != l.pid {
		return fmt.Errorf("lock %s owned by pid %d, not us (%d)", l.path, owner, l.pid)
	}
	l.held = false
	return os.Remove(l.path)
}

func (l *Lock) Held() bool { return l.held }

//signal 0 probes for existence; EPERM still means the process exists
func alive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == unix.EPERM
}
