// Copyright (C) 2022-2024 the DangerPrep Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package config

import (
	"fmt"
	"os"
	fp "path/filepath"
	"strconv"
	"strings"

	"github.com/vladzaharia/dangerprep/pkg/futil"
	"github.com/vladzaharia/dangerprep/pkg/log"
)

// Save persists the parameters as KEY="value" lines, readable only by the
// owner - the WiFi passphrase lives in here.
func (p *Params) Save(path string) error {
	if err := os.MkdirAll(fp.Dir(path), 0755); err != nil {
		return err
	}
	var b strings.Builder
	for _, kv := range p.pairs() {
		fmt.Fprintf(&b, "%s=%q\n", kv[0], kv[1])
	}
	return futil.WriteFileAtomic(path, []byte(b.String()), 0600)
}

// Load reads a snapshot written by Save. Unknown keys are logged and
// ignored; missing keys keep their current values.
func Load(path string) (Params, error) {
	p := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, rawval, found := strings.Cut(line, "=")
		if !found {
			log.Logf("config %s: skipping malformed line %q", path, line)
			continue
		}
		val := rawval
		if unq, err := strconv.Unquote(rawval); err == nil {
			val = unq
		}
		if err := p.set(key, val); err != nil {
			log.Logf("config %s: %s", path, err)
		}
	}
	return p, nil
}

func (p *Params) pairs() [][2]string {
	return [][2]string{
		{"LAN_IP", p.LanIP},
		{"LAN_CIDR", p.LanCIDR},
		{"WIFI_SSID", p.WifiSSID},
		{"WIFI_PASSPHRASE", p.WifiPass},
		{"DNS_UPSTREAMS", strings.Join(p.DNSUpstreams, ",")},
		{"SSH_PORT", strconv.Itoa(p.SSHPort)},
		{"FAIL2BAN_BANTIME", strconv.Itoa(p.BanTimeSec)},
		{"FAIL2BAN_MAXRETRY", strconv.Itoa(p.MaxRetry)},
	}
}

func (p *Params) set(key, val string) error {
	switch key {
	case "LAN_IP":
		p.LanIP = val
	case "LAN_CIDR":
		p.LanCIDR = val
	case "WIFI_SSID":
		p.WifiSSID = val
	case "WIFI_PASSPHRASE":
		p.WifiPass = val
	case "DNS_UPSTREAMS":
		p.DNSUpstreams = strings.Split(val, ",")
	case "SSH_PORT":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("bad SSH_PORT %q", val)
		}
		p.SSHPort = n
	case "FAIL2BAN_BANTIME":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("bad FAIL2BAN_BANTIME %q", val)
		}
		p.BanTimeSec = n
	case "FAIL2BAN_MAXRETRY":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("bad FAIL2BAN_MAXRETRY %q", val)
		}
		p.MaxRetry = n
	default:
		return fmt.Errorf("unknown key %q", key)
	}
	return nil
}
