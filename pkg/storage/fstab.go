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
	"strings"

	"github.com/vladzaharia/dangerprep/pkg/futil"
	"github.com/vladzaharia/dangerprep/pkg/log"
)

//overridden in tests
var fstabPath = "/etc/fstab"

// FstabEntry is one line to persist. Referencing by UUID survives device
// renumbering; nofail keeps the appliance booting if the disk is pulled.
type FstabEntry struct {
	UUID       string
	Mountpoint string
	FsType     string
}

func (e FstabEntry) String() string {
	return fmt.Sprintf("UUID=%s %s %s defaults,nofail 0 2", e.UUID, e.Mountpoint, e.FsType)
}

// PersistFstab appends entries to fstab, skipping any already present,
// then validates the result. On validation failure the previous fstab is
// restored from the backup.
func PersistFstab(entries []FstabEntry, backupDir string) error {
	data, err := os.ReadFile(fstabPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	content := string(data)

	var backup string
	if len(data) > 0 && backupDir != "" {
		backup, err = futil.BackupTo(fstabPath, backupDir)
		if err != nil {
			return fmt.Errorf("backing up fstab: %s", err)
		}
	}

	var added int
	if len(content) > 0 && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	for _, e := range entries {
		if strings.Contains(content, "UUID="+e.UUID+" ") {
			log.Debugf("fstab already has UUID=%s, skipping", e.UUID)
			continue
		}
		content += e.String() + "\n"
		added++
	}
	if added == 0 {
		return nil
	}
	if err := futil.WriteFileAtomic(fstabPath, []byte(content), 0644); err != nil {
		return err
	}
	if err := verifyFstab(); err != nil {
		log.Logf("fstab validation failed: %s", err)
		if backup != "" {
			if rerr := futil.CopyFile(backup, fstabPath, os.O_TRUNC); rerr != nil {
				log.Logf("restoring fstab from %s: %s", backup, rerr)
			}
		}
		return fmt.Errorf("fstab rejected new entries: %s", err)
	}
	log.Msgf("persisted %d fstab entries", added)
	return nil
}

//dry-run check, mounts nothing
func verifyFstab() error {
	findmnt := exec.Command("findmnt", "--verify", "--tab-file", fstabPath)
	out, success := log.Cmd(findmnt)
	if !success {
		return fmt.Errorf("%s", strings.TrimSpace(out))
	}
	return nil
}
