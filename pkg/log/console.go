// Copyright (C) 2022-2024 the DangerPrep Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package log

import (
	"fmt"
	"os"

	"github.com/vladzaharia/dangerprep/pkg/log/flags"
)

type consoleLog struct {
	flags flags.Flag
	next  Sink
}

// Adds a consoleLog to the stack. Flags determine which events are visible on
// the console. Typically flags.NA (everything) or flags.EndUser (only
// messages intended for the operator).
func AddConsoleLog(f flags.Flag) {
	_ = AddSink(&consoleLog{flags: f}, true)
}

var _ Sink = (*consoleLog)(nil)

func (l *consoleLog) AddEntry(e Entry) {
	if l.flags == 0 || e.Flags&l.flags > 0 {
		fmt.Fprintln(os.Stderr, e.String())
	}
	if l.next != nil {
		l.next.AddEntry(e)
	}
}

func (l *consoleLog) ForwardTo(s Sink) {
	if l.next == nil || s == nil {
		l.next = s
	} else {
		panic("next already set")
	}
}

const ConsoleLogIdent = "consoleLog"

func (*consoleLog) Ident() string { return ConsoleLogIdent }
func (l *consoleLog) Next() Sink  { return l.next }

func (l *consoleLog) Finalize() {
	if l.next != nil {
		l.next.Finalize()
	}
}
