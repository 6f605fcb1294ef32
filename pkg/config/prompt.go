// Copyright (C) 2022-2024 the DangerPrep Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package config

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

// Prompter collects parameters interactively. Empty input keeps the
// presented default; an invalid value is re-prompted a bounded number of
// times, then rejected. Cross-field consistency (LAN IP within subnet) is
// checked once at the end, after all answers are in.
type Prompter struct {
	In  io.Reader
	Out io.Writer
}

const promptAttempts = 3

// Collect walks the operator through each parameter, starting from p.
func (pr *Prompter) Collect(p Params) (Params, error) {
	r := bufio.NewReader(pr.In)

	ask := func(label, def string, apply func(string) error) error {
		for i := 0; i < promptAttempts; i++ {
			fmt.Fprintf(pr.Out, "%s [%s]: ", label, def)
			line, err := r.ReadString('\n')
			if err != nil && line == "" {
				if err == io.EOF {
					//stdin exhausted; keep the default
					return apply(def)
				}
				return err
			}
			line = strings.TrimSpace(line)
			if line == "" {
				line = def
			}
			if err := apply(line); err != nil {
				fmt.Fprintf(pr.Out, "  %s\n", err)
				continue
			}
			return nil
		}
		return fmt.Errorf("no valid value for %s after %d attempts", label, promptAttempts)
	}

	steps := []struct {
		label string
		def   string
		apply func(string) error
	}{
		{"LAN IP", p.LanIP, func(s string) error {
			if net.ParseIP(s) == nil {
				return fmt.Errorf("not an IP address: %q", s)
			}
			p.LanIP = s
			return nil
		}},
		{"LAN subnet (CIDR)", p.LanCIDR, func(s string) error {
			if _, _, err := net.ParseCIDR(s); err != nil {
				return fmt.Errorf("not a CIDR subnet: %q", s)
			}
			p.LanCIDR = s
			return nil
		}},
		{"WiFi SSID", p.WifiSSID, func(s string) error {
			if s == "" || len(s) > 32 {
				return fmt.Errorf("SSID must be 1-32 chars")
			}
			p.WifiSSID = s
			return nil
		}},
		{"WiFi passphrase", p.WifiPass, func(s string) error {
			if len(s) < 8 || len(s) > 63 {
				return fmt.Errorf("WPA2 passphrase must be 8-63 chars")
			}
			p.WifiPass = s
			return nil
		}},
		{"DNS upstreams (comma separated)", strings.Join(p.DNSUpstreams, ","), func(s string) error {
			ups := splitTrim(s)
			if len(ups) == 0 {
				return fmt.Errorf("at least one DNS upstream required")
			}
			for _, u := range ups {
				if net.ParseIP(u) == nil {
					return fmt.Errorf("not an IP address: %q", u)
				}
			}
			p.DNSUpstreams = ups
			return nil
		}},
		{"SSH port", strconv.Itoa(p.SSHPort), func(s string) error {
			n, err := strconv.Atoi(s)
			if err != nil {
				return fmt.Errorf("not a number: %q", s)
			}
			if n < 1 || n > 65535 {
				return fmt.Errorf("port out of range: %d", n)
			}
			p.SSHPort = n
			return nil
		}},
	}
	for _, s := range steps {
		if err := ask(s.label, s.def, s.apply); err != nil {
			return p, err
		}
	}
	return p, p.Validate()
}

func splitTrim(s string) (out []string) {
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return
}
