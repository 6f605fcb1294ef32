// Copyright (C) 2022-2024 the DangerPrep Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

//Package preflight checks the machine is fit to install on before anything
//is mutated: network reachability, required external tools, free disk space.
package preflight

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vladzaharia/dangerprep/pkg/futil"
	"github.com/vladzaharia/dangerprep/pkg/log"
	"github.com/vladzaharia/dangerprep/pkg/retry"
)

// RequiredTools must all be on PATH. The partitioning tools are listed even
// though storage setup is best-effort, so a missing tool surfaces before the
// install starts rather than mid-run.
var RequiredTools = []string{
	"sgdisk", "wipefs", "mke2fs", "blkid", "findmnt",
	"mount", "umount", "systemctl", "docker",
}

// MinFreeBytes is the space needed on the state dir's filesystem for
// packages, images and logs.
const MinFreeBytes = 10 * 1000 * 1000 * 1000

//overridden in tests
var (
	probeURL    = "http://deb.debian.org"
	httpTimeout = 10 * time.Second
	statfs      = unix.Statfs
)

// Checks configures a preflight run.
type Checks struct {
	StateDir string
	//dirs eligible for best-effort cleanup if space is short
	CleanupDirs []string
	SkipNetwork bool
}

// Run performs all checks, returning the first failure.
func (c Checks) Run(ctx context.Context) error {
	if err := c.tools(); err != nil {
		return err
	}
	if !c.SkipNetwork {
		if err := c.connectivity(ctx); err != nil {
			return err
		}
	}
	return c.diskSpace()
}

func (c Checks) tools() error {
	var missing []string
	for _, tool := range RequiredTools {
		if _, err := exec.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required tools not found: %s", strings.Join(missing, ", "))
	}
	log.Debugf("all %d required tools present", len(RequiredTools))
	return nil
}

func (c Checks) connectivity(ctx context.Context) error {
	client := &http.Client{Timeout: httpTimeout}
	err := retry.Do(ctx, 3, 2*time.Second, 10*time.Second, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, probeURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%s: %s", probeURL, resp.Status)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("no network connectivity: %s", err)
	}
	return nil
}

// diskSpace checks free space at StateDir; if short it prunes the cleanup
// dirs and re-checks once.
func (c Checks) diskSpace() error {
	free, err := c.freeBytes()
	if err != nil {
		return err
	}
	if free >= MinFreeBytes {
		return nil
	}
	log.Msgf("low disk space (%d MB free), attempting cleanup", free/1000000)
	var reclaimed int64
	for _, dir := range c.CleanupDirs {
		reclaimed += futil.PruneOlderThan(dir, 24*time.Hour)
	}
	log.Logf("cleanup reclaimed %d bytes", reclaimed)
	free, err = c.freeBytes()
	if err != nil {
		return err
	}
	if free < MinFreeBytes {
		return fmt.Errorf("insufficient disk space: %d MB free, need %d MB",
			free/1000000, MinFreeBytes/1000000)
	}
	return nil
}

func (c Checks) freeBytes() (uint64, error) {
	dir := c.StateDir
	if dir == "" {
		dir = "/"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, err
	}
	var st unix.Statfs_t
	if err := statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %s", dir, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}
