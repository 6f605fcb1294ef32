// Copyright (C) 2022-2024 the DangerPrep Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package install

import (
	"context"
	"errors"
	"fmt"
	"os"
	fp "path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladzaharia/dangerprep/pkg/housekeeping"
	"github.com/vladzaharia/dangerprep/pkg/lockfile"
	"github.com/vladzaharia/dangerprep/pkg/log/testlog"
	"github.com/vladzaharia/dangerprep/pkg/phase"
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.StateDir == "" {
		opts.StateDir = t.TempDir()
	}
	old := runPreflight
	runPreflight = func(context.Context, Options) error { return nil }
	t.Cleanup(func() {
		runPreflight = old
		housekeeping.Shutdowns.Perform(true)
	})
	return New(opts)
}

//a phase op that records its invocations
func recorder(ran *[]string, name string) Phase {
	return Phase{Name: name, Op: func(*Context) error {
		*ran = append(*ran, name)
		return nil
	}}
}

func TestRunAllPhases(t *testing.T) {
	tlog := testlog.NewTestLog(t, true)
	defer tlog.Freeze()
	e := newTestEngine(t, Options{})
	var ran []string
	phases := []Phase{
		recorder(&ran, "update"),
		recorder(&ran, "install"),
		recorder(&ran, "configure"),
	}

	require.NoError(t, e.Run(context.Background(), phases))
	assert.Equal(t, []string{"update", "install", "configure"}, ran)
	//state cleared on success
	assert.False(t, e.store.HasState())
	//config snapshot persisted, owner-only
	info, err := os.Stat(fp.Join(e.opts.StateDir, "config.env"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

//a hand-edited snapshot with bad values must not reach the phases
func TestInvalidSnapshotRejected(t *testing.T) {
	tlog := testlog.NewTestLog(t, true)
	defer tlog.Freeze()
	e := newTestEngine(t, Options{})
	require.NoError(t, os.MkdirAll(e.opts.StateDir, 0755))
	require.NoError(t, os.WriteFile(fp.Join(e.opts.StateDir, "config.env"),
		[]byte("LAN_IP=\"not-an-ip\"\n"), 0600))

	var ran []string
	err := e.Run(context.Background(), []Phase{recorder(&ran, "network")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config snapshot")
	assert.Contains(t, err.Error(), "invalid LAN IP")
	assert.Empty(t, ran)
}

func TestLockContention(t *testing.T) {
	tlog := testlog.NewTestLog(t, true)
	defer tlog.Freeze()
	e := newTestEngine(t, Options{})
	//someone alive already holds the lock
	require.NoError(t, os.MkdirAll(e.opts.StateDir, 0755))
	require.NoError(t, os.WriteFile(fp.Join(e.opts.StateDir, "dangerprep.lock"),
		[]byte(fmt.Sprintf("%d\n", os.Getpid())), 0644))

	err := e.Run(context.Background(), []Phase{recorder(new([]string), "noop")})
	var held *lockfile.ErrHeld
	require.ErrorAs(t, err, &held)
	assert.Equal(t, os.Getpid(), held.Pid)
}

func TestFailureRollsBackAndKeepsState(t *testing.T) {
	tlog := testlog.NewTestLog(t, true)
	defer tlog.Freeze()
	var rolledBack string
	e := newTestEngine(t, Options{
		Rollback: rollbackFunc(func(c *Context, failed string) { rolledBack = failed }),
	})
	var ran []string
	boom := errors.New("boom")
	phases := []Phase{
		recorder(&ran, "update"),
		{Name: "install", Op: func(*Context) error { return boom }},
		recorder(&ran, "configure"),
	}

	err := e.Run(context.Background(), phases)
	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "install", pe.Phase)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "install", rolledBack)
	assert.Equal(t, []string{"update"}, ran)

	st, serr := e.store.Status("install")
	require.NoError(t, serr)
	assert.Equal(t, phase.Failed, st)
	st, serr = e.store.Status("update")
	require.NoError(t, serr)
	assert.Equal(t, phase.Completed, st)
	st, serr = e.store.Status("configure")
	require.NoError(t, serr)
	assert.Equal(t, phase.NotStarted, st)
}

type rollbackFunc func(c *Context, failedPhase string)

func (f rollbackFunc) Rollback(c *Context, failedPhase string) { f(c, failedPhase) }

//completed phases are not re-run when a later run resumes
func TestResumeSkipsCompleted(t *testing.T) {
	tlog := testlog.NewTestLog(t, true)
	defer tlog.Freeze()
	dir := t.TempDir()
	e := newTestEngine(t, Options{StateDir: dir})
	var ran []string
	fail := true
	phases := []Phase{
		recorder(&ran, "update"),
		{Name: "install", Op: func(*Context) error {
			if fail {
				return errors.New("transient")
			}
			ran = append(ran, "install")
			return nil
		}},
		recorder(&ran, "configure"),
	}

	err := e.Run(context.Background(), phases)
	require.Error(t, err)
	housekeeping.Shutdowns.Perform(false) //releases the lock

	fail = false
	e2 := newTestEngine(t, Options{StateDir: dir})
	require.NoError(t, e2.Run(context.Background(), phases))
	//update completed in run 1 and is not repeated
	assert.Equal(t, []string{"update", "install", "configure"}, ran)
	assert.False(t, e2.store.HasState())
}

//an interrupted (in_progress) phase is re-attempted
func TestResumeRetriesInProgress(t *testing.T) {
	tlog := testlog.NewTestLog(t, true)
	defer tlog.Freeze()
	dir := t.TempDir()
	st := phase.NewStore(fp.Join(dir, "state"))
	require.NoError(t, st.SetStatus("update", phase.Completed))
	require.NoError(t, st.SetStatus("install", phase.InProgress))

	e := newTestEngine(t, Options{StateDir: dir})
	var ran []string
	phases := []Phase{
		recorder(&ran, "update"),
		recorder(&ran, "install"),
		recorder(&ran, "configure"),
	}
	require.NoError(t, e.Run(context.Background(), phases))
	assert.Equal(t, []string{"install", "configure"}, ran)
}

func TestForceInstallStartsOver(t *testing.T) {
	tlog := testlog.NewTestLog(t, true)
	defer tlog.Freeze()
	dir := t.TempDir()
	st := phase.NewStore(fp.Join(dir, "state"))
	require.NoError(t, st.SetStatus("update", phase.Completed))

	e := newTestEngine(t, Options{StateDir: dir, ForceInstall: true})
	var ran []string
	require.NoError(t, e.Run(context.Background(),
		[]Phase{recorder(&ran, "update"), recorder(&ran, "install")}))
	assert.Equal(t, []string{"update", "install"}, ran)
}

func TestDecliningResumeStartsOver(t *testing.T) {
	tlog := testlog.NewTestLog(t, true)
	defer tlog.Freeze()
	dir := t.TempDir()
	st := phase.NewStore(fp.Join(dir, "state"))
	require.NoError(t, st.SetStatus("update", phase.Completed))

	var askedLast string
	e := newTestEngine(t, Options{
		StateDir: dir,
		ConfirmResume: func(last string) bool {
			askedLast = last
			return false
		},
	})
	var ran []string
	require.NoError(t, e.Run(context.Background(),
		[]Phase{recorder(&ran, "update"), recorder(&ran, "install")}))
	assert.Equal(t, "update", askedLast)
	assert.Equal(t, []string{"update", "install"}, ran)
}

func TestDryRunMutatesNothing(t *testing.T) {
	tlog := testlog.NewTestLog(t, true)
	defer tlog.Freeze()
	e := newTestEngine(t, Options{DryRun: true})
	var ran []string
	require.NoError(t, e.Run(context.Background(),
		[]Phase{recorder(&ran, "update"), recorder(&ran, "install")}))

	assert.Empty(t, ran)
	assert.True(t, tlog.Contains("would run update"))
	assert.True(t, tlog.Contains("would run install"))
	//no lock, no state, no config snapshot
	entries, err := os.ReadDir(e.opts.StateDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestContextCancellationStopsRun(t *testing.T) {
	tlog := testlog.NewTestLog(t, true)
	defer tlog.Freeze()
	e := newTestEngine(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	var ran []string
	phases := []Phase{
		{Name: "update", Op: func(*Context) error {
			ran = append(ran, "update")
			cancel()
			return nil
		}},
		recorder(&ran, "install"),
	}
	err := e.Run(ctx, phases)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"update"}, ran)
}

//rollback restores every file a failed run overwrote
func TestRestoreBackupsRollback(t *testing.T) {
	tlog := testlog.NewTestLog(t, true)
	defer tlog.Freeze()
	dir := t.TempDir()
	target := fp.Join(dir, "sshd_config")
	require.NoError(t, os.WriteFile(target, []byte("original\n"), 0644))
	backup := fp.Join(dir, "sshd_config.backup-x")
	require.NoError(t, os.WriteFile(backup, []byte("original\n"), 0644))
	require.NoError(t, os.WriteFile(target, []byte("rendered\n"), 0644))

	c := &Context{StateDir: dir, restores: []restoreEntry{{orig: target, backup: backup}}}
	RestoreBackups{}.Rollback(c, "ssh-hardening")

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "original\n", string(got))
	assert.True(t, tlog.Contains("restored 1 of 1"))
}
