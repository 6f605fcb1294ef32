// Copyright (C) 2022-2024 the DangerPrep Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package phase

import (
	"fmt"
	"os"
	fp "path/filepath"
	"strings"

	"github.com/vladzaharia/dangerprep/pkg/log"
)

// Store persists phase statuses as name=status lines. Every SetStatus is a
// full read-modify-write of the backing file; an existing key is updated in
// place, a new one appended, so file order reflects first-execution order.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (st *Store) Path() string { return st.path }

// SetStatus records status for the named phase and rewrites the backing
// file with mode 0600.
func (st *Store) SetStatus(name string, s Status) error {
	if strings.ContainsAny(name, "=\n") {
		return fmt.Errorf("invalid phase name %q", name)
	}
	lines, err := st.readLines()
	if err != nil {
		return err
	}
	updated := false
	for i, l := range lines {
		if l.name == name {
			lines[i].status = s
			updated = true
			break
		}
	}
	if !updated {
		lines = append(lines, record{name: name, status: s})
	}
	return st.writeLines(lines)
}

// Status returns the recorded status for the named phase, defaulting to
// NotStarted.
func (st *Store) Status(name string) (Status, error) {
	lines, err := st.readLines()
	if err != nil {
		return NotStarted, err
	}
	for _, l := range lines {
		if l.name == name {
			return l.status, nil
		}
	}
	return NotStarted, nil
}

// LastCompleted scans the file in order and returns the name of the last
// phase recorded as completed, or "" when none is.
func (st *Store) LastCompleted() (string, error) {
	lines, err := st.readLines()
	if err != nil {
		return "", err
	}
	last := ""
	for _, l := range lines {
		if l.status == Completed {
			last = l.name
		}
	}
	return last, nil
}

// Clear removes the backing file. Called only once every phase completed,
// or when the operator declines to resume.
func (st *Store) Clear() error {
	err := os.Remove(st.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// HasState returns true if any persisted state exists.
func (st *Store) HasState() bool {
	info, err := os.Stat(st.path)
	return err == nil && info.Size() > 0
}

// ResumeIndex maps the persisted state onto the fixed ordered phase list:
// the index after the last completed phase, or 0 with no state. A last
// completed phase missing from the list (the phase list changed between
// runs) restarts from 0.
func (st *Store) ResumeIndex(names []string) (int, error) {
	last, err := st.LastCompleted()
	if err != nil {
		return 0, err
	}
	if last == "" {
		return 0, nil
	}
	for i, n := range names {
		if n == last {
			return i + 1, nil
		}
	}
	log.Logf("completed phase %q not in current phase list, restarting", last)
	return 0, nil
}

type record struct {
	name   string
	status Status
}

func (st *Store) readLines() ([]record, error) {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var recs []record
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, stat, found := strings.Cut(line, "=")
		if !found {
			log.Logf("state file %s: skipping malformed line %q", st.path, line)
			continue
		}
		s, ok := StatusFromString(stat)
		if !ok {
			log.Logf("state file %s: unknown status %q for %s", st.path, stat, name)
			continue
		}
		recs = append(recs, record{name: name, status: s})
	}
	return recs, nil
}

func (st *Store) writeLines(recs []record) error {
	if err := os.MkdirAll(fp.Dir(st.path), 0755); err != nil {
		return err
	}
	var b strings.Builder
	for _, r := range recs {
		fmt.Fprintf(&b, "%s=%s\n", r.name, r.status)
	}
	if err := os.WriteFile(st.path, []byte(b.String()), 0600); err != nil {
		return err
	}
	return os.Chmod(st.path, 0600)
}
