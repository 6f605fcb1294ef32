// Copyright (C) 2022-2024 the DangerPrep Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package storage

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/shlex"

	"github.com/vladzaharia/dangerprep/pkg/log"
)

// BlkInfo is the parsed blkid output for one block device.
type BlkInfo struct {
	Device   string
	UUID     string
	Label    string
	FsType   string
	PartUUID string
}

// GetInfo runs blkid against the given device. All external commands run
// through log.Cmd so tests can hijack them.
func GetInfo(device string) (bi BlkInfo, err error) {
	out, ok := log.Cmd(exec.Command("blkid", device))
	if !ok {
		return bi, fmt.Errorf("blkid %s failed", device)
	}
	bi, err = parseBlkidOut(out)
	bi.Device = device
	return
}

func parseBlkidOut(out string) (bi BlkInfo, err error) {
	dev, rest, found := strings.Cut(strings.TrimSpace(out), ":")
	if !found {
		return bi, fmt.Errorf("can't parse blkid output %q", out)
	}
	elements, err := shlex.Split(rest)
	if err != nil {
		return
	}
	for _, e := range elements {
		k, v, found := strings.Cut(e, "=")
		if !found {
			log.Logf("blkid %s: can't parse %q, skipping", dev, e)
			continue
		}
		//shlex already removed the quotes
		switch strings.ToUpper(k) {
		case "UUID":
			bi.UUID = v
		case "TYPE":
			bi.FsType = v
		case "LABEL":
			bi.Label = v
		case "PARTUUID":
			bi.PartUUID = v
		}
	}
	return
}
