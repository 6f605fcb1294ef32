// Copyright (C) 2022-2024 the DangerPrep Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

//Package config holds the install parameters. One explicit Params struct is
//passed into every component; there are no ambient globals. A snapshot is
//persisted so an interrupted run resumes with identical parameters instead
//of re-prompting.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Params are the operator/environment-supplied installation parameters.
// Read-only to everything but the orchestrator.
type Params struct {
	//network
	LanIP        string //router address on the LAN, e.g. 192.168.120.1
	LanCIDR      string //LAN subnet, e.g. 192.168.120.0/22
	WifiSSID     string
	WifiPass     string
	DNSUpstreams []string

	//ssh hardening
	SSHPort int

	//fail2ban
	BanTimeSec int
	MaxRetry   int
}

// Defaults for the hub appliance. Prompting starts from these; a
// non-interactive run takes them as-is.
func Defaults() Params {
	return Params{
		LanIP:        "192.168.120.1",
		LanCIDR:      "192.168.120.0/22",
		WifiSSID:     "DangerPrep",
		WifiPass:     "EXPLORE-danger-2024",
		DNSUpstreams: []string{"1.1.1.1", "9.9.9.9"},
		SSHPort:      2222,
		BanTimeSec:   3600,
		MaxRetry:     3,
	}
}

// Validate rejects bad values at the point of input - nothing here is
// retryable.
func (p *Params) Validate() error {
	if net.ParseIP(p.LanIP) == nil {
		return fmt.Errorf("invalid LAN IP %q", p.LanIP)
	}
	_, ipnet, err := net.ParseCIDR(p.LanCIDR)
	if err != nil {
		return fmt.Errorf("invalid LAN subnet %q: %w", p.LanCIDR, err)
	}
	if !ipnet.Contains(net.ParseIP(p.LanIP)) {
		return fmt.Errorf("LAN IP %s not within subnet %s", p.LanIP, p.LanCIDR)
	}
	if p.WifiSSID == "" || len(p.WifiSSID) > 32 {
		return fmt.Errorf("invalid WiFi SSID %q (1-32 chars)", p.WifiSSID)
	}
	if len(p.WifiPass) < 8 || len(p.WifiPass) > 63 {
		return fmt.Errorf("invalid WiFi passphrase (WPA2 requires 8-63 chars)")
	}
	if p.SSHPort < 1 || p.SSHPort > 65535 {
		return fmt.Errorf("invalid ssh port %d", p.SSHPort)
	}
	if len(p.DNSUpstreams) == 0 {
		return fmt.Errorf("at least one DNS upstream required")
	}
	for _, d := range p.DNSUpstreams {
		if net.ParseIP(d) == nil {
			return fmt.Errorf("invalid DNS upstream %q", d)
		}
	}
	if p.BanTimeSec < 0 || p.MaxRetry < 1 {
		return fmt.Errorf("invalid fail2ban settings (bantime %d, maxretry %d)", p.BanTimeSec, p.MaxRetry)
	}
	return nil
}

// Bindings returns the well-known template bindings derived from the
// parameters, for use as tmpl.Renderer.Env.
func (p *Params) Bindings() map[string]string {
	return map[string]string{
		"LAN_IP":            p.LanIP,
		"LAN_CIDR":          p.LanCIDR,
		"WIFI_SSID":         p.WifiSSID,
		"WIFI_PASSPHRASE":   p.WifiPass,
		"DNS_UPSTREAMS":     strings.Join(p.DNSUpstreams, " "),
		"SSH_PORT":          strconv.Itoa(p.SSHPort),
		"FAIL2BAN_BANTIME":  strconv.Itoa(p.BanTimeSec),
		"FAIL2BAN_MAXRETRY": strconv.Itoa(p.MaxRetry),
	}
}
