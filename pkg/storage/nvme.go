// Copyright (C) 2022-2024 the DangerPrep Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

//Package storage detects NVMe devices and prepares the two-partition
//system/content layout: a fixed-size system partition plus a
//remainder-space content partition. Repartitioning a disk that already has
//partitions is destructive and only ever happens with explicit consent.
package storage

import (
	"fmt"
	"os"
	fp "path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/vladzaharia/dangerprep/pkg/log"
)

//overridden in tests
var (
	sysBlock   = "/sys/block"
	procMounts = "/proc/self/mounts"
)

// MinDeviceBytes is the eligibility threshold: smaller devices (the boot
// SD card, USB sticks) are never touched.
const MinDeviceBytes = 100 * 1000 * 1000 * 1000

// Disk is a candidate NVMe block device.
type Disk struct {
	Name string //nvme0n1, etc
	Size uint64 //bytes
}

func (d Disk) Device() string { return "/dev/" + d.Name }

// PartDev returns the device path of partition n. NVMe namespaces end in a
// digit, so the kernel inserts a 'p' separator.
func (d Disk) PartDev(n int) string {
	if len(d.Name) > 0 && d.Name[len(d.Name)-1] >= '0' && d.Name[len(d.Name)-1] <= '9' {
		return fmt.Sprintf("/dev/%sp%d", d.Name, n)
	}
	return fmt.Sprintf("/dev/%s%d", d.Name, n)
}

// Partitions returns the existing partition device names (nvme0n1p1, ...)
// in partition-number order.
func (d Disk) Partitions() ([]string, error) {
	entries, err := os.ReadDir(fp.Join(sysBlock, d.Name))
	if err != nil {
		return nil, err
	}
	var parts []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), d.Name) {
			parts = append(parts, e.Name())
		}
	}
	sort.Slice(parts, func(i, j int) bool { return partNum(parts[i]) < partNum(parts[j]) })
	return parts, nil
}

func partNum(part string) int {
	i := len(part)
	for i > 0 && part[i-1] >= '0' && part[i-1] <= '9' {
		i--
	}
	n, _ := strconv.Atoi(part[i:])
	return n
}

// FindCandidates enumerates NVMe devices at least MinDeviceBytes in size.
func FindCandidates() (disks []Disk) {
	entries, err := os.ReadDir(sysBlock)
	if err != nil {
		log.Logf("reading %s: %s", sysBlock, err)
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "nvme") {
			continue
		}
		size, err := readSize(name)
		if err != nil {
			log.Logf("size of %s: %s", name, err)
			continue
		}
		if size < MinDeviceBytes {
			log.Debugf("skipping %s: %d bytes below threshold", name, size)
			continue
		}
		disks = append(disks, Disk{Name: name, Size: size})
	}
	return
}

//size file holds 512-byte sectors
func readSize(dev string) (uint64, error) {
	data, err := os.ReadFile(fp.Join(sysBlock, dev, "size"))
	if err != nil {
		return 0, err
	}
	sectors, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, err
	}
	return sectors * 512, nil
}

// MountedUnder returns the mountpoints of every mounted partition of the
// disk, from the kernel's mount table.
func (d Disk) MountedUnder() (map[string]string, error) {
	data, err := os.ReadFile(procMounts)
	if err != nil {
		return nil, err
	}
	mounts := make(map[string]string)
	prefix := d.Device()
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if strings.HasPrefix(fields[0], prefix) {
			mounts[fields[0]] = fields[1]
		}
	}
	return mounts, nil
}

// IsMountpoint reports whether path appears in the kernel mount table.
func IsMountpoint(path string) bool {
	data, err := os.ReadFile(procMounts)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == path {
			return true
		}
	}
	return false
}
