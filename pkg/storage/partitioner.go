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
	"time"

	"github.com/vladzaharia/dangerprep/pkg/futil"
	"github.com/vladzaharia/dangerprep/pkg/log"
)

// State tracks how far a device got through configuration.
type State int

const (
	Unconfigured State = iota
	ConsentPending
	Partitioning
	MountingExisting
	Mounted
	FstabPersisted
	Skipped
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case ConsentPending:
		return "consent_pending"
	case Partitioning:
		return "partitioning"
	case MountingExisting:
		return "mounting_existing"
	case Mounted:
		return "mounted"
	case FstabPersisted:
		return "fstab_persisted"
	case Skipped:
		return "skipped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ConsentFunc asks the operator whether the listed partitions on d may be
// destroyed. Wiring in ConsentDeclined makes repartitioning impossible.
type ConsentFunc func(d Disk, parts []string) bool

// ConsentDeclined always refuses. Used when no operator is present.
func ConsentDeclined(Disk, []string) bool { return false }

// ErrStillMounted means the unmount escalation left partitions mounted on a
// device the operator approved for repartitioning. Requires manual
// intervention; nothing was wiped.
type ErrStillMounted struct {
	Device string
	Mounts []string
}

func (e *ErrStillMounted) Error() string {
	return fmt.Sprintf("%s: partitions still mounted after unmount escalation (%s), will not wipe - manual intervention required",
		e.Device, strings.Join(e.Mounts, ", "))
}

//overridden in tests, where the kernel never creates the partition node
var waitPartition = func(dev string) error {
	if !futil.WaitFor(dev, 10*time.Second) {
		return fmt.Errorf("%s did not appear", dev)
	}
	return nil
}

// Partitioner configures one disk into the system/content pair.
type Partitioner struct {
	Disk    Disk
	Consent ConsentFunc

	SystemGB     uint64 //fixed size; content gets the remainder
	SystemLabel  string
	ContentLabel string
	SystemMount  string
	ContentMount string
	BackupDir    string

	state           State
	system, content *Filesystem
}

func (p *Partitioner) State() State { return p.state }

func (p *Partitioner) Filesystems() (sys, con *Filesystem) { return p.system, p.content }

// Run drives the device to FstabPersisted if it can. Most failures degrade
// to Skipped and a nil return; the sole hard error is *ErrStillMounted.
func (p *Partitioner) Run() error {
	parts, err := p.Disk.Partitions()
	if err != nil {
		return p.skip("listing partitions of %s: %s", p.Disk.Device(), err)
	}
	if len(parts) == 0 {
		//nothing to lose, no consent needed
		p.state = Partitioning
		log.Msgf("%s has no partitions, partitioning", p.Disk.Device())
	} else {
		p.state = ConsentPending
		consent := p.Consent
		if consent == nil {
			consent = ConsentDeclined
		}
		if consent(p.Disk, parts) {
			if err := p.unmountAll(); err != nil {
				p.state = Skipped
				return err
			}
			p.state = Partitioning
		} else if len(parts) == 2 {
			p.state = MountingExisting
			log.Msgf("%s: repartitioning declined, mounting existing partitions", p.Disk.Device())
		} else {
			return p.skip("%s has %d partitions and repartitioning was declined", p.Disk.Device(), len(parts))
		}
	}

	switch p.state {
	case Partitioning:
		if err := p.partition(); err != nil {
			return p.skip("partitioning %s: %s", p.Disk.Device(), err)
		}
	case MountingExisting:
		p.system = &Filesystem{Device: p.Disk.PartDev(1), Label: p.SystemLabel}
		p.content = &Filesystem{Device: p.Disk.PartDev(2), Label: p.ContentLabel}
		for _, fs := range []*Filesystem{p.system, p.content} {
			if err := fs.Identify(); err != nil {
				return p.skip("identifying %s: %s", fs.Device, err)
			}
		}
	}

	if err := p.mountPair(); err != nil {
		return p.skip("%s", err)
	}
	p.state = Mounted

	entries := []FstabEntry{
		{UUID: p.system.UUID, Mountpoint: p.SystemMount, FsType: "ext4"},
		{UUID: p.content.UUID, Mountpoint: p.ContentMount, FsType: "ext4"},
	}
	if err := PersistFstab(entries, p.BackupDir); err != nil {
		return p.skip("%s", err)
	}
	p.state = FstabPersisted
	return nil
}

//non-fatal path - the device can be set up manually post-install
func (p *Partitioner) skip(format string, args ...interface{}) error {
	log.Logf("skipping storage setup: "+format, args...)
	p.state = Skipped
	return nil
}

// unmountAll escalates per mounted sub-partition, then verifies. Anything
// still mounted is the hard error - a busy mountpoint must never be wiped.
func (p *Partitioner) unmountAll() error {
	mounts, err := p.Disk.MountedUnder()
	if err != nil {
		return &ErrStillMounted{Device: p.Disk.Device(), Mounts: []string{err.Error()}}
	}
	for dev, mp := range mounts {
		fs := &Filesystem{Device: dev, mountpoint: mp}
		if err := fs.Umount(); err != nil {
			log.Logf("%s", err)
		}
	}
	remaining, err := p.Disk.MountedUnder()
	if err != nil || len(remaining) > 0 {
		var still []string
		for dev, mp := range remaining {
			still = append(still, dev+" at "+mp)
		}
		if err != nil {
			still = append(still, err.Error())
		}
		return &ErrStillMounted{Device: p.Disk.Device(), Mounts: still}
	}
	return nil
}

func (p *Partitioner) partition() error {
	dev := p.Disk.Device()
	for _, c := range []*exec.Cmd{
		exec.Command("wipefs", "-a", dev),
		exec.Command("sgdisk", "--zap-all", dev),
		exec.Command("sgdisk",
			"-n", fmt.Sprintf("1:0:+%dG", p.SystemGB), "-t", "1:8300", "-c", "1:"+p.SystemLabel,
			"-n", "2:0:0", "-t", "2:8300", "-c", "2:"+p.ContentLabel,
			dev),
		exec.Command("partprobe", dev),
	} {
		out, success := log.Cmd(c)
		if !success {
			return fmt.Errorf("%s: %s", c.Args[0], strings.TrimSpace(out))
		}
	}
	p.system = &Filesystem{Device: p.Disk.PartDev(1), Label: p.SystemLabel}
	p.content = &Filesystem{Device: p.Disk.PartDev(2), Label: p.ContentLabel}
	for _, fs := range []*Filesystem{p.system, p.content} {
		if err := waitPartition(fs.Device); err != nil {
			return err
		}
		if err := fs.Format(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Partitioner) mountPair() error {
	for _, m := range []struct {
		fs   *Filesystem
		path string
	}{
		{p.system, p.SystemMount},
		{p.content, p.ContentMount},
	} {
		if err := os.MkdirAll(m.path, 0755); err != nil {
			return err
		}
		if err := m.fs.Mount(m.path); err != nil {
			//probe failed or mount failed; make sure nothing is left half-mounted
			if uerr := m.fs.Umount(); uerr != nil {
				log.Debugf("%s", uerr)
			}
			return err
		}
	}
	return nil
}
