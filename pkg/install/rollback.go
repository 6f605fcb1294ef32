// Copyright (C) 2022-2024 the DangerPrep Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package install

import (
	"os"

	"github.com/vladzaharia/dangerprep/pkg/futil"
	"github.com/vladzaharia/dangerprep/pkg/log"
)

// Rollback is invoked after a phase failure, before the engine returns.
// It gets the same context the phases saw.
type Rollback interface {
	Rollback(c *Context, failedPhase string)
}

type restoreEntry struct {
	orig, backup string
}

// RestoreBackups is the default rollback: every file the run overwrote is
// restored from its backup copy, most recent first. It never attempts to
// undo partitioning or formatting.
type RestoreBackups struct{}

func (RestoreBackups) Rollback(c *Context, failedPhase string) {
	log.Msgf("phase %s failed, restoring overwritten files", failedPhase)
	restored := 0
	for i := len(c.restores) - 1; i >= 0; i-- {
		r := c.restores[i]
		if err := futil.CopyFile(r.backup, r.orig, os.O_TRUNC); err != nil {
			log.Logf("restoring %s from %s: %s", r.orig, r.backup, err)
			continue
		}
		restored++
	}
	log.Msgf("restored %d of %d files; phase state kept at %s for resume",
		restored, len(c.restores), c.StateDir)
	log.Msgf("fix the underlying problem and re-run to resume; storage changes, if any, require manual review")
}
