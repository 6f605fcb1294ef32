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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladzaharia/dangerprep/pkg/log/testlog"
)

// builds a fake /sys/block with one nvme disk of the given size and
// partition count, plus a fake mount table and fstab
func setupDisk(t *testing.T, sizeBytes uint64, numParts int) Disk {
	t.Helper()
	tmp := t.TempDir()
	sysBlock = fp.Join(tmp, "block")
	procMounts = fp.Join(tmp, "mounts")
	fstabPath = fp.Join(tmp, "fstab")
	t.Cleanup(func() {
		sysBlock = "/sys/block"
		procMounts = "/proc/self/mounts"
		fstabPath = "/etc/fstab"
	})

	d := Disk{Name: "nvme0n1", Size: sizeBytes}
	devDir := fp.Join(sysBlock, d.Name)
	require.NoError(t, os.MkdirAll(devDir, 0755))
	sectors := sizeBytes / 512
	require.NoError(t, os.WriteFile(fp.Join(devDir, "size"), []byte(fmt.Sprintf("%d\n", sectors)), 0644))
	for i := 1; i <= numParts; i++ {
		require.NoError(t, os.MkdirAll(fp.Join(devDir, fmt.Sprintf("%sp%d", d.Name, i)), 0755))
	}
	require.NoError(t, os.WriteFile(procMounts, nil, 0644))
	return d
}

// answers blkid with a per-device UUID, succeeds at everything else
func fakeExecs(cmd *exec.Cmd) (string, bool) {
	if cmd.Args[0] == "blkid" {
		dev := cmd.Args[len(cmd.Args)-1]
		uuid := fmt.Sprintf("0000-%s", fp.Base(dev))
		return fmt.Sprintf("%s: UUID=%q TYPE=\"ext4\"\n", dev, uuid), true
	}
	return "", true
}

func newPartitioner(t *testing.T, d Disk, consent ConsentFunc) *Partitioner {
	t.Helper()
	oldWait := waitPartition
	waitPartition = func(string) error { return nil }
	t.Cleanup(func() { waitPartition = oldWait })
	return &Partitioner{
		Disk:         d,
		Consent:      consent,
		SystemGB:     64,
		SystemLabel:  "dp-system",
		ContentLabel: "dp-content",
		SystemMount:  fp.Join(t.TempDir(), "system"),
		ContentMount: fp.Join(t.TempDir(), "content"),
		BackupDir:    t.TempDir(),
	}
}

func TestFindCandidates(t *testing.T) {
	tlog := testlog.NewTestLog(t, true)
	defer tlog.Freeze()
	setupDisk(t, 512*1000*1000*1000, 0)
	//too small
	small := fp.Join(sysBlock, "nvme1n1")
	require.NoError(t, os.MkdirAll(small, 0755))
	require.NoError(t, os.WriteFile(fp.Join(small, "size"), []byte("31457280\n"), 0644))
	//not nvme
	sd := fp.Join(sysBlock, "sda")
	require.NoError(t, os.MkdirAll(sd, 0755))
	require.NoError(t, os.WriteFile(fp.Join(sd, "size"), []byte("4000000000\n"), 0644))

	disks := FindCandidates()
	require.Len(t, disks, 1)
	assert.Equal(t, "nvme0n1", disks[0].Name)
	assert.Equal(t, uint64(512*1000*1000*1000), disks[0].Size)
}

func TestPartDev(t *testing.T) {
	assert.Equal(t, "/dev/nvme0n1p2", Disk{Name: "nvme0n1"}.PartDev(2))
	assert.Equal(t, "/dev/sda1", Disk{Name: "sda"}.PartDev(1))
}

func TestParseBlkidOut(t *testing.T) {
	bi, err := parseBlkidOut(`/dev/nvme0n1p1: LABEL="dp-system" UUID="f00d-cafe" TYPE="ext4" PARTUUID="11-22"`)
	require.NoError(t, err)
	assert.Equal(t, "f00d-cafe", bi.UUID)
	assert.Equal(t, "dp-system", bi.Label)
	assert.Equal(t, "ext4", bi.FsType)
	assert.Equal(t, "11-22", bi.PartUUID)

	_, err = parseBlkidOut("garbage with no colon")
	assert.Error(t, err)
}

// a device with no partitions must never prompt
func TestFreshDiskNoConsentPrompt(t *testing.T) {
	tlog := testlog.NewTestLog(t, true)
	defer tlog.Freeze()
	d := setupDisk(t, 512*1000*1000*1000, 0)
	p := newPartitioner(t, d, func(Disk, []string) bool {
		t.Fatal("consent requested for an empty disk")
		return false
	})
	cl := tlog.HijackCmd(fakeExecs)

	require.NoError(t, p.Run())
	assert.Equal(t, FstabPersisted, p.State())
	assert.Len(t, cl.Matching("wipefs"), 1)
	assert.Len(t, cl.Matching("sgdisk"), 2)
	assert.Len(t, cl.Matching("mke2fs"), 2)
	assert.Len(t, cl.Matching("findmnt --verify"), 1)

	fstab, err := os.ReadFile(fstabPath)
	require.NoError(t, err)
	assert.Contains(t, string(fstab), "UUID=0000-nvme0n1p1 "+p.SystemMount+" ext4 defaults,nofail 0 2")
	assert.Contains(t, string(fstab), "UUID=0000-nvme0n1p2 "+p.ContentMount+" ext4 defaults,nofail 0 2")
}

// declined consent on a 2-partition disk mounts, never formats
func TestDeclinedConsentNeverFormats(t *testing.T) {
	tlog := testlog.NewTestLog(t, true)
	defer tlog.Freeze()
	d := setupDisk(t, 512*1000*1000*1000, 2)
	asked := false
	p := newPartitioner(t, d, func(_ Disk, parts []string) bool {
		asked = true
		assert.Equal(t, []string{"nvme0n1p1", "nvme0n1p2"}, parts)
		return false
	})
	cl := tlog.HijackCmd(fakeExecs)

	require.NoError(t, p.Run())
	assert.True(t, asked)
	assert.Equal(t, FstabPersisted, p.State())
	assert.Empty(t, cl.Matching("wipefs"))
	assert.Empty(t, cl.Matching("sgdisk"))
	assert.Empty(t, cl.Matching("mke2fs"))

	sys, con := p.Filesystems()
	assert.Equal(t, "0000-nvme0n1p1", sys.UUID)
	assert.Equal(t, "0000-nvme0n1p2", con.UUID)
}

// declined consent with an unexpected partition count configures nothing
func TestDeclinedOddLayoutSkips(t *testing.T) {
	tlog := testlog.NewTestLog(t, true)
	defer tlog.Freeze()
	d := setupDisk(t, 512*1000*1000*1000, 3)
	p := newPartitioner(t, d, ConsentDeclined)
	cl := tlog.HijackCmd(fakeExecs)

	require.NoError(t, p.Run())
	assert.Equal(t, Skipped, p.State())
	assert.Empty(t, cl.Cmds)
	assert.True(t, tlog.Contains("repartitioning was declined"))
}

func TestConsentRepartitions(t *testing.T) {
	tlog := testlog.NewTestLog(t, true)
	defer tlog.Freeze()
	d := setupDisk(t, 512*1000*1000*1000, 2)
	p := newPartitioner(t, d, func(Disk, []string) bool { return true })
	cl := tlog.HijackCmd(fakeExecs)

	require.NoError(t, p.Run())
	assert.Equal(t, FstabPersisted, p.State())
	assert.Len(t, cl.Matching("wipefs"), 1)
	assert.Len(t, cl.Matching("mke2fs"), 2)
	//fixed-size system partition, remainder for content
	zap := cl.Matching("sgdisk -n 1:0:+64G")
	require.Len(t, zap, 1)
	assert.Contains(t, zap[0], "-n 2:0:0")
}

// partitions that survive the unmount escalation block the wipe
func TestStillMountedIsHardError(t *testing.T) {
	tlog := testlog.NewTestLog(t, true)
	defer tlog.Freeze()
	d := setupDisk(t, 512*1000*1000*1000, 2)
	require.NoError(t, os.WriteFile(procMounts,
		[]byte("/dev/nvme0n1p2 /mnt/busy ext4 rw 0 0\n"), 0644))
	p := newPartitioner(t, d, func(Disk, []string) bool { return true })
	cl := tlog.HijackCmd(fakeExecs)

	err := p.Run()
	require.Error(t, err)
	var sm *ErrStillMounted
	require.ErrorAs(t, err, &sm)
	assert.Equal(t, "/dev/nvme0n1", sm.Device)
	assert.Equal(t, Skipped, p.State())
	//escalation ran, nothing was wiped
	assert.NotEmpty(t, cl.Matching("umount"))
	assert.Empty(t, cl.Matching("wipefs"))
	assert.Empty(t, cl.Matching("mke2fs"))
}

// a mount that fails the write-then-remove check must be unmounted, not
// left half-usable
func TestUnusableMountIsUnmounted(t *testing.T) {
	tlog := testlog.NewTestLog(t, true)
	defer tlog.Freeze()
	setupDisk(t, 512*1000*1000*1000, 0)
	cl := tlog.HijackCmd(fakeExecs)

	mnt := fp.Join(t.TempDir(), "content")
	//writing the check file will fail with EISDIR
	marker := fp.Join(mnt, fmt.Sprintf(".dangerprep-probe-%d", os.Getpid()))
	require.NoError(t, os.MkdirAll(marker, 0755))

	fs := &Filesystem{Device: "/dev/nvme0n1p1"}
	err := fs.Mount(mnt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not usable")
	assert.NotEmpty(t, cl.Matching("umount "+mnt))
	assert.Empty(t, fs.Mountpoint())
}

func TestFstabRevertOnValidationFailure(t *testing.T) {
	tlog := testlog.NewTestLog(t, true)
	defer tlog.Freeze()
	setupDisk(t, 512*1000*1000*1000, 0)
	orig := "UUID=aaaa / ext4 defaults 0 1\n"
	require.NoError(t, os.WriteFile(fstabPath, []byte(orig), 0644))
	tlog.HijackCmd(func(cmd *exec.Cmd) (string, bool) {
		if cmd.Args[0] == "findmnt" {
			return "bad entry", false
		}
		return "", true
	})

	backups := t.TempDir()
	err := PersistFstab([]FstabEntry{{UUID: "bbbb", Mountpoint: "/mnt/x", FsType: "ext4"}}, backups)
	require.Error(t, err)
	after, rerr := os.ReadFile(fstabPath)
	require.NoError(t, rerr)
	assert.Equal(t, orig, string(after))
}

func TestFstabSkipsExistingEntries(t *testing.T) {
	tlog := testlog.NewTestLog(t, true)
	defer tlog.Freeze()
	setupDisk(t, 512*1000*1000*1000, 0)
	e := FstabEntry{UUID: "cccc", Mountpoint: "/mnt/y", FsType: "ext4"}
	require.NoError(t, os.WriteFile(fstabPath, []byte(e.String()+"\n"), 0644))
	cl := tlog.HijackCmd(fakeExecs)

	require.NoError(t, PersistFstab([]FstabEntry{e}, t.TempDir()))
	//nothing added, so no validation either
	assert.Empty(t, cl.Matching("findmnt"))
	after, err := os.ReadFile(fstabPath)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(after), "UUID=cccc"))
}
