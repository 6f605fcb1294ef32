// Copyright (C) 2022-2024 the DangerPrep Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package install

import (
	"fmt"
	"os"
	"os/exec"
	fp "path/filepath"
	"strings"
	"time"

	"github.com/vladzaharia/dangerprep/pkg/log"
	"github.com/vladzaharia/dangerprep/pkg/retry"
	"github.com/vladzaharia/dangerprep/pkg/storage"
)

//overridden in tests
var (
	TemplateDir  = "/usr/share/dangerprep/templates"
	etcDir       = "/etc"
	composeDir   = "/opt/dangerprep"
	systemMount  = "/mnt/dangerprep/system"
	contentMount = "/mnt/dangerprep/content"
)

// BasePackages are installed by the base-packages phase.
var BasePackages = []string{
	"dnsmasq", "hostapd", "fail2ban", "iptables-persistent",
	"docker.io", "docker-compose-v2", "gdisk", "e2fsprogs",
}

// ServiceUnits are enabled and started by the services phase.
var ServiceUnits = []string{
	"dnsmasq", "hostapd", "fail2ban", "ssh", "docker",
}

// DefaultPhases is the install sequence for the hub appliance.
func DefaultPhases() []Phase {
	return []Phase{
		{Name: "system-update", Op: systemUpdate},
		{Name: "base-packages", Op: installBasePackages},
		{Name: "network", Op: renderNetworkConfigs},
		{Name: "ssh-hardening", Op: hardenSSH},
		{Name: "storage", Op: configureStorage},
		{Name: "docker-deploy", Op: deployContainers},
		{Name: "services", Op: enableServices},
	}
}

func run(name string, args ...string) error {
	out, success := log.Cmd(exec.Command(name, args...))
	if !success {
		return fmt.Errorf("%s %s failed: %s", name, strings.Join(args, " "),
			strings.TrimSpace(out))
	}
	return nil
}

func apt(args ...string) error {
	cmd := exec.Command("apt-get", append([]string{"-y"}, args...)...)
	cmd.Env = append(os.Environ(), "DEBIAN_FRONTEND=noninteractive")
	out, success := log.Cmd(cmd)
	if !success {
		return fmt.Errorf("apt-get %s failed: %s", strings.Join(args, " "),
			strings.TrimSpace(out))
	}
	return nil
}

// package mirrors flake out; retried with backoff
func systemUpdate(c *Context) error {
	if c.SkipUpdates {
		log.Msgf("skipping system update")
		return nil
	}
	if err := retry.Do(c.Ctx, 3, 5*time.Second, time.Minute, func() error {
		return apt("update")
	}); err != nil {
		return err
	}
	return retry.Do(c.Ctx, 2, 5*time.Second, time.Minute, func() error {
		return apt("dist-upgrade")
	})
}

func installBasePackages(c *Context) error {
	return retry.Do(c.Ctx, 3, 5*time.Second, time.Minute, func() error {
		return apt(append([]string{"install"}, BasePackages...)...)
	})
}

func renderNetworkConfigs(c *Context) error {
	for _, r := range []struct{ tmpl, out string }{
		{"dnsmasq.conf.tmpl", fp.Join(etcDir, "dnsmasq.d", "dangerprep.conf")},
		{"hostapd.conf.tmpl", fp.Join(etcDir, "hostapd", "hostapd.conf")},
	} {
		if err := c.Render(fp.Join(TemplateDir, r.tmpl), r.out, nil); err != nil {
			return err
		}
	}
	return nil
}

func hardenSSH(c *Context) error {
	for _, r := range []struct{ tmpl, out string }{
		{"sshd_config.tmpl", fp.Join(etcDir, "ssh", "sshd_config.d", "dangerprep.conf")},
		{"jail.local.tmpl", fp.Join(etcDir, "fail2ban", "jail.d", "dangerprep.local")},
	} {
		if err := c.Render(fp.Join(TemplateDir, r.tmpl), r.out, nil); err != nil {
			return err
		}
	}
	return nil
}

// configureStorage is best-effort: an appliance with no eligible NVMe still
// installs. The one hard failure is partitions surviving the unmount
// escalation on a consented wipe.
func configureStorage(c *Context) error {
	disks := storage.FindCandidates()
	if len(disks) == 0 {
		log.Msgf("no eligible NVMe device, skipping storage setup")
		return nil
	}
	for _, d := range disks {
		if storage.IsMountpoint(systemMount) && storage.IsMountpoint(contentMount) {
			log.Msgf("storage already mounted, nothing to do")
			return nil
		}
		p := &storage.Partitioner{
			Disk:         d,
			Consent:      c.Consent,
			SystemGB:     64,
			SystemLabel:  "dp-system",
			ContentLabel: "dp-content",
			SystemMount:  systemMount,
			ContentMount: contentMount,
			BackupDir:    c.BackupDir,
		}
		if err := p.Run(); err != nil {
			return err
		}
		log.Msgf("%s: %s", d.Device(), p.State())
		if p.State() == storage.FstabPersisted {
			return nil
		}
	}
	return nil
}

func deployContainers(c *Context) error {
	composePath := fp.Join(composeDir, "docker-compose.yml")
	err := c.Render(fp.Join(TemplateDir, "docker-compose.yml.tmpl"), composePath,
		map[string]string{"CONTENT_DIR": contentMount})
	if err != nil {
		return err
	}
	//image pulls are the flaky part
	return retry.Do(c.Ctx, 3, 10*time.Second, time.Minute, func() error {
		return run("docker", "compose", "-f", composePath, "up", "-d")
	})
}

func enableServices(c *Context) error {
	for _, unit := range ServiceUnits {
		if err := run("systemctl", "enable", "--now", unit); err != nil {
			return err
		}
	}
	return nil
}
