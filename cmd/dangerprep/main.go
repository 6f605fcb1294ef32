// Copyright (C) 2022-2024 the DangerPrep Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Command dangerprep provisions a router/content-hub appliance: package
// installation, network and SSH configuration, NVMe storage setup, Docker
// service deployment. Interrupted runs resume where they left off.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vladzaharia/dangerprep/pkg/config"
	"github.com/vladzaharia/dangerprep/pkg/housekeeping"
	"github.com/vladzaharia/dangerprep/pkg/install"
	"github.com/vladzaharia/dangerprep/pkg/lockfile"
	"github.com/vladzaharia/dangerprep/pkg/log"
	"github.com/vladzaharia/dangerprep/pkg/log/flags"
	"github.com/vladzaharia/dangerprep/pkg/storage"
)

//set via -ldflags at build time
var version = "dev"

const (
	exitSuccess    = 0
	exitFailure    = 1
	exitContention = 2
)

type cliOpts struct {
	dryRun           bool
	verbose          bool
	skipUpdates      bool
	forceInstall     bool
	nonInteractive   bool
	forceInteractive bool
	stateDir         string
}

func newRootCmd(opts *cliOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "dangerprep",
		Short:         "provision the hub appliance",
		Long:          "dangerprep runs the full appliance install: packages, network,\nSSH hardening, NVMe storage, and Docker services. A run interrupted\nby failure or ctrl-C resumes after its last completed phase.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&opts.dryRun, "dry-run", false, "log what would be done, change nothing")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	f.BoolVar(&opts.skipUpdates, "skip-updates", false, "skip the system update phase")
	f.BoolVar(&opts.forceInstall, "force-install", false, "discard saved phase state, start over")
	f.BoolVar(&opts.nonInteractive, "non-interactive", false, "never prompt; defaults only, destructive storage work declined")
	f.BoolVar(&opts.forceInteractive, "force-interactive", false, "prompt even without a terminal")
	f.StringVar(&opts.stateDir, "state-dir", install.DefaultStateDir, "directory for lock, state, config and logs")
	return cmd
}

func runInstall(ctx context.Context, opts *cliOpts) error {
	log.Verbose = opts.verbose
	if opts.verbose {
		//everything, including command traces
		log.AddConsoleLog(0)
	} else {
		log.AddConsoleLog(flags.EndUser | flags.Fatal)
	}
	interactive := opts.forceInteractive || (!opts.nonInteractive && stdinIsTerminal())

	eng := install.New(install.Options{
		StateDir:     opts.stateDir,
		DryRun:       opts.dryRun,
		Interactive:  interactive,
		SkipUpdates:  opts.skipUpdates,
		ForceInstall: opts.forceInstall,
		Consent:      consentFunc(interactive),
		ConfirmResume: func(last string) bool {
			if !interactive {
				return true
			}
			return askYesNo(fmt.Sprintf("Saved state found (last completed: %s). Resume?", last), true)
		},
		Prompter: &config.Prompter{In: os.Stdin, Out: os.Stderr},
	})
	return eng.Run(ctx, install.DefaultPhases())
}

// consentFunc gates destructive repartitioning. Without a terminal it is
// nil, which the engine treats as declined.
func consentFunc(interactive bool) storage.ConsentFunc {
	if !interactive {
		return nil
	}
	return func(d storage.Disk, parts []string) bool {
		fmt.Fprintf(os.Stderr, "%s has existing partitions: %s\n", d.Device(), strings.Join(parts, ", "))
		fmt.Fprintf(os.Stderr, "Repartitioning will DESTROY ALL DATA on %s.\n", d.Device())
		return askYesNo("Erase and repartition?", false)
	}
}

func askYesNo(question string, def bool) bool {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	fmt.Fprintf(os.Stderr, "%s [%s]: ", question, hint)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	}
	return def
}

func stdinIsTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var held *lockfile.ErrHeld
	if errors.As(err, &held) {
		return exitContention
	}
	return exitFailure
}

func main() {
	log.SetPrefix("dangerprep-")
	//persisted mounts are meant to survive exit, so no unmount task
	housekeeping.AddShutdownDefaults(nil)
	housekeeping.HandleSignals()

	opts := &cliOpts{}
	err := newRootCmd(opts).ExecuteContext(context.Background())
	if err != nil {
		log.Msgf("install failed: %s", err)
	}
	housekeeping.Shutdowns.Perform(err == nil)
	os.Exit(exitCode(err))
}
