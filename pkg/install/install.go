// Copyright (C) 2022-2024 the DangerPrep Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

//Package install drives the appliance install: one exclusive lock, an
//ordered list of phases with persisted per-phase state, resume after
//interruption, and rollback of overwritten files when a phase fails.
package install

import (
	"context"
	"fmt"
	"os"
	fp "path/filepath"
	"time"

	"github.com/vladzaharia/dangerprep/pkg/config"
	"github.com/vladzaharia/dangerprep/pkg/housekeeping"
	"github.com/vladzaharia/dangerprep/pkg/lockfile"
	"github.com/vladzaharia/dangerprep/pkg/log"
	"github.com/vladzaharia/dangerprep/pkg/phase"
	"github.com/vladzaharia/dangerprep/pkg/preflight"
	"github.com/vladzaharia/dangerprep/pkg/storage"
	"github.com/vladzaharia/dangerprep/pkg/tmpl"
)

// DefaultStateDir holds the lock, phase state, config snapshot, backups,
// and logs.
const DefaultStateDir = "/var/lib/dangerprep"

//overridden in tests
var runPreflight = func(ctx context.Context, o Options) error {
	pre := preflight.Checks{
		StateDir:    o.StateDir,
		CleanupDirs: []string{fp.Join(o.StateDir, "backups"), "/var/cache/apt/archives"},
	}
	return pre.Run(ctx)
}

// Options configures a run of the engine.
type Options struct {
	StateDir string //DefaultStateDir if empty

	DryRun       bool //log intent, mutate nothing
	Interactive  bool //prompt for config, consent, resume
	SkipUpdates  bool
	ForceInstall bool //discard any saved phase state, start over

	//non-nil overrides the storage phase's consent behavior
	Consent storage.ConsentFunc
	//asked when saved state exists; declining starts over. Nil resumes.
	ConfirmResume func(lastCompleted string) bool
	//collects config when no snapshot exists and Interactive is set
	Prompter *config.Prompter

	//nil gets the backup-restoring default
	Rollback Rollback
}

// Phase is one named step of the install. Ops are opaque to the engine;
// the only contract is the returned error.
type Phase struct {
	Name string
	Op   func(*Context) error
}

// Context is passed to every phase op.
type Context struct {
	Ctx         context.Context
	Cfg         config.Params
	Renderer    *tmpl.Renderer
	StateDir    string
	BackupDir   string
	SkipUpdates bool
	Consent     storage.ConsentFunc

	restores []restoreEntry
}

// Render renders a template through the run's renderer, recording the
// backup so a later rollback can restore the original.
func (c *Context) Render(templatePath, outPath string, bindings map[string]string) error {
	return c.Renderer.Render(templatePath, outPath, bindings)
}

// PhaseError reports which phase failed.
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s: %s", e.Phase, e.Err)
}
func (e *PhaseError) Unwrap() error { return e.Err }

// Engine runs phases under the installation lock.
type Engine struct {
	opts  Options
	lock  *lockfile.Lock
	store *phase.Store
}

func New(opts Options) *Engine {
	if opts.StateDir == "" {
		opts.StateDir = DefaultStateDir
	}
	return &Engine{
		opts:  opts,
		lock:  lockfile.New(fp.Join(opts.StateDir, "dangerprep.lock")),
		store: phase.NewStore(fp.Join(opts.StateDir, "state")),
	}
}

// Run executes the phases in order. Returns nil on full success,
// *lockfile.ErrHeld on contention, *PhaseError when a phase fails.
func (e *Engine) Run(ctx context.Context, phases []Phase) error {
	o := e.opts
	if o.DryRun {
		return e.dryRun(phases)
	}
	if err := os.MkdirAll(o.StateDir, 0755); err != nil {
		return fmt.Errorf("state dir %s: %w", o.StateDir, err)
	}
	if err := e.lock.Acquire(); err != nil {
		return err
	}
	housekeeping.Shutdowns.Add(&housekeeping.Task{
		Name: "release lock",
		Func: func(bool) {
			if err := e.lock.Release(); err != nil {
				log.Logf("releasing lock: %s", err)
			}
		},
	})

	backupDir := fp.Join(o.StateDir, "backups", log.Timestamp())
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return fmt.Errorf("backup dir: %w", err)
	}
	if log.GetPrefix() == "" {
		log.SetPrefix("dangerprep-")
	}
	if !log.LoggingToFile() {
		if fname, err := log.AddFileLog(o.StateDir); err != nil {
			log.Logf("file log: %s", err)
		} else {
			log.Debugf("logging to %s", fname)
		}
	}

	if err := runPreflight(ctx, o); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}

	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}

	start, err := e.resumeIndex(phases)
	if err != nil {
		return err
	}

	pc := &Context{
		Ctx:         ctx,
		Cfg:         cfg,
		StateDir:    o.StateDir,
		BackupDir:   backupDir,
		SkipUpdates: o.SkipUpdates,
		Consent:     o.Consent,
	}
	if pc.Consent == nil {
		pc.Consent = storage.ConsentDeclined
	}
	pc.Renderer = &tmpl.Renderer{
		BackupDir: backupDir,
		Env:       cfg.Bindings(),
		OnBackup: func(orig, backup string) {
			pc.restores = append(pc.restores, restoreEntry{orig: orig, backup: backup})
		},
	}

	for i := start; i < len(phases); i++ {
		p := phases[i]
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Msgf("[%d/%d] %s", i+1, len(phases), p.Name)
		if err := e.store.SetStatus(p.Name, phase.InProgress); err != nil {
			return fmt.Errorf("recording state: %w", err)
		}
		began := time.Now()
		if err := p.Op(pc); err != nil {
			if serr := e.store.SetStatus(p.Name, phase.Failed); serr != nil {
				log.Logf("recording failure of %s: %s", p.Name, serr)
			}
			e.rollback(pc, p.Name)
			return &PhaseError{Phase: p.Name, Err: err}
		}
		if err := e.store.SetStatus(p.Name, phase.Completed); err != nil {
			return fmt.Errorf("recording state: %w", err)
		}
		log.Msgf("%s done in %s", p.Name, time.Since(began).Round(time.Second))
	}

	if err := e.store.Clear(); err != nil {
		log.Logf("clearing state: %s", err)
	}
	log.Msgf("installation complete")
	return nil
}

func (e *Engine) dryRun(phases []Phase) error {
	log.Msgf("dry run: no changes will be made")
	start := 0
	if e.store.HasState() {
		var err error
		start, err = e.store.ResumeIndex(phaseNames(phases))
		if err != nil {
			return err
		}
		if start > 0 {
			log.Msgf("saved state found, a real run would resume at %s", phases[start].Name)
		}
	}
	for i := start; i < len(phases); i++ {
		log.Msgf("would run %s", phases[i].Name)
	}
	return nil
}

func (e *Engine) loadConfig() (config.Params, error) {
	path := fp.Join(e.opts.StateDir, "config.env")
	cfg, err := config.Load(path)
	if err == nil {
		//a snapshot may have been edited by hand since it was written
		if verr := cfg.Validate(); verr != nil {
			return cfg, fmt.Errorf("config snapshot %s: %w", path, verr)
		}
		log.Debugf("loaded config snapshot %s", path)
		return cfg, nil
	}
	if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("config snapshot %s: %w", path, err)
	}
	cfg = config.Defaults()
	if e.opts.Interactive && e.opts.Prompter != nil {
		cfg, err = e.opts.Prompter.Collect(cfg)
		if err != nil {
			return cfg, err
		}
	}
	if err := cfg.Save(path); err != nil {
		return cfg, fmt.Errorf("saving config snapshot: %w", err)
	}
	return cfg, nil
}

// resumeIndex decides where to start. Saved state resumes after the last
// completed phase unless the operator declines or --force-install was given,
// either of which clears the store.
func (e *Engine) resumeIndex(phases []Phase) (int, error) {
	if !e.store.HasState() {
		return 0, nil
	}
	if e.opts.ForceInstall {
		log.Msgf("discarding saved state, starting over")
		return 0, e.store.Clear()
	}
	last, err := e.store.LastCompleted()
	if err != nil {
		return 0, err
	}
	if e.opts.ConfirmResume != nil && !e.opts.ConfirmResume(last) {
		log.Msgf("resume declined, starting over")
		return 0, e.store.Clear()
	}
	idx, err := e.store.ResumeIndex(phaseNames(phases))
	if err != nil {
		return 0, err
	}
	if idx > 0 && idx < len(phases) {
		log.Msgf("resuming at %s", phases[idx].Name)
	}
	return idx, nil
}

func (e *Engine) rollback(pc *Context, failed string) {
	rb := e.opts.Rollback
	if rb == nil {
		rb = RestoreBackups{}
	}
	rb.Rollback(pc, failed)
}

func phaseNames(phases []Phase) []string {
	names := make([]string, len(phases))
	for i, p := range phases {
		names[i] = p.Name
	}
	return names
}
