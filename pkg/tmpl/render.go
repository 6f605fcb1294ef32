// Copyright (C) 2022-2024 the DangerPrep Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

//Package tmpl renders parameterized system config files. Markers of the
//form {{NAME}} are replaced with values from the caller's bindings; any
//pre-existing target file is backed up first.
package tmpl

import (
	"fmt"
	"os"
	fp "path/filepath"
	"strings"

	"github.com/vladzaharia/dangerprep/pkg/futil"
	"github.com/vladzaharia/dangerprep/pkg/log"
)

// Renderer renders templates into target files. Env holds well-known
// bindings (network parameters, ports) merged under each call's bindings.
type Renderer struct {
	//dir receiving a copy of every file overwritten by Render
	BackupDir string
	Env       map[string]string
	//called after each successful backup, with original and backup paths
	OnBackup func(orig, backup string)
}

// Render reads the template at templatePath, substitutes markers, and writes
// outPath. The template must exist; missing parent dirs of outPath are
// created; an existing outPath is first copied into BackupDir. A backup
// failure is logged but does not abort the render. The write itself is
// new-file-then-rename.
func (r *Renderer) Render(templatePath, outPath string, bindings map[string]string) error {
	data, err := os.ReadFile(templatePath)
	if err != nil {
		return fmt.Errorf("template %s: %w", templatePath, err)
	}
	if futil.Exists(outPath) && r.BackupDir != "" {
		backup, err := futil.BackupTo(outPath, r.BackupDir)
		if err != nil {
			log.Logf("backup of %s failed: %s", outPath, err)
		} else {
			log.Debugf("backed up %s to %s", outPath, backup)
			if r.OnBackup != nil {
				r.OnBackup(outPath, backup)
			}
		}
	}
	if err := os.MkdirAll(fp.Dir(outPath), 0755); err != nil {
		return err
	}
	rendered := Substitute(string(data), merge(r.Env, bindings))
	mode := os.FileMode(0644)
	if info, err := os.Stat(outPath); err == nil {
		mode = info.Mode().Perm()
	}
	if err := futil.WriteFileAtomic(outPath, []byte(rendered), mode); err != nil {
		return fmt.Errorf("writing %s: %w", outPath, err)
	}
	log.Logf("rendered %s -> %s", templatePath, outPath)
	return nil
}

// Substitute performs literal, non-recursive, whole-token replacement of
// {{NAME}} markers. Markers with no binding are left verbatim - a partially
// configured template still produces syntactically valid output.
func Substitute(in string, bindings map[string]string) string {
	var out strings.Builder
	for {
		start := strings.Index(in, "{{")
		if start < 0 {
			break
		}
		end := strings.Index(in[start:], "}}")
		if end < 0 {
			break
		}
		end += start
		name := in[start+2 : end]
		out.WriteString(in[:start])
		if val, ok := bindings[name]; ok && validMarker(name) {
			out.WriteString(val)
		} else {
			out.WriteString(in[start : end+2])
		}
		in = in[end+2:]
	}
	out.WriteString(in)
	return out.String()
}

//marker names are identifier-like; anything else is literal text
func validMarker(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}

func merge(base, over map[string]string) map[string]string {
	if len(base) == 0 {
		return over
	}
	m := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		m[k] = v
	}
	for k, v := range over {
		m[k] = v
	}
	return m
}
