// Copyright (C) 2022-2024 the DangerPrep Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package testlog hijacks the output of pkg/log, and can hijack log.Cmd().
// Output prints through testing functions by default, or can be stored in a
// buffer for analysis as part of the test.
//
// Cmd() hijacking (via a CmdHijacker function) is used to test code whose
// external commands cannot feasibly run in a test environment - partitioning
// tools, mount, etc.
package testlog

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"testing"

	"github.com/vladzaharia/dangerprep/pkg/log"
	"github.com/vladzaharia/dangerprep/pkg/log/flags"
)

//Conforms to log.Sink. Constructed via NewTestLog().
type TstLog struct {
	t          *testing.T
	Buf        *bytes.Buffer //if non-nil, Msgf()/Logf() output goes here
	MsgCount   int           //counts flags.EndUser events
	LogCount   int           //counts flags.NA events
	FatalCount int           //counts flags.Fatal events
	//if true, do not call t.Errorf() for Fatalf()
	FatalIsNotErr bool
	mu            sync.Mutex
	frozen        bool
}

//Returns a new TstLog after installing it as the only log sink. If bufferLog
//is true, logging goes to a buffer rather than passing to t.Log()/t.Error().
//Do not share one TstLog between tests - create a new one each time.
func NewTestLog(t *testing.T, bufferLog bool) (tlog *TstLog) {
	tlog = &TstLog{t: t}
	if bufferLog {
		tlog.Buf = new(bytes.Buffer)
	}
	log.NewLogStack(tlog)
	log.SetFatalAction(log.FailAction{Terminator: func() {}})
	return
}

var _ log.Sink = (*TstLog)(nil)

func (tlog *TstLog) AddEntry(e log.Entry) {
	tlog.mu.Lock()
	defer tlog.mu.Unlock()
	if tlog.frozen {
		return
	}
	tlog.t.Helper()
	var pfx string
	switch {
	case e.Flags&flags.EndUser != 0:
		pfx = "MSG:"
		tlog.MsgCount++
	case e.Flags&flags.Fatal != 0:
		pfx = ">>FATAL()<< "
		tlog.FatalCount++
	default:
		pfx = "LOG:"
		tlog.LogCount++
	}
	f := pfx + e.Msg
	if e.Flags&flags.Fatal != 0 && !tlog.FatalIsNotErr {
		tlog.t.Errorf(f, e.Args...)
		return
	}
	if tlog.Buf != nil {
		fmt.Fprintf(tlog.Buf, e.Msg+"\n", e.Args...)
	} else {
		tlog.t.Logf(f, e.Args...)
	}
}

const TstLogIdent = "tstLog"

func (*TstLog) Ident() string          { return TstLogIdent }
func (tl *TstLog) Next() log.Sink      { return nil }
func (*TstLog) Finalize()              {}
func (tl *TstLog) ForwardTo(_ log.Sink) {}

//call at end of test to restore the default log stack
func (tlog *TstLog) Freeze() {
	tlog.mu.Lock()
	frozen := tlog.frozen
	tlog.frozen = true
	tlog.mu.Unlock()
	if frozen {
		return
	}
	log.DefaultLogStack()
	log.SetFatalAction(log.DefaultFatal)
	log.Cmd = log.DefaultCmd
}

//Contains reports whether buffered output contains the given substring.
//Requires NewTestLog(t, true).
func (tlog *TstLog) Contains(sub string) bool {
	if tlog.Buf == nil {
		panic("Contains requires a buffered test log")
	}
	return strings.Contains(tlog.Buf.String(), sub)
}

// A CmdHijacker receives every command that would run through log.Cmd and
// returns the output/success the code under test should observe.
type CmdHijacker func(cmd *exec.Cmd) (res string, success bool)

// HijackCmd replaces log.Cmd with the given hijacker, recording all args seen.
// Restored by Freeze().
func (tlog *TstLog) HijackCmd(hijacker CmdHijacker) *CmdLog {
	cl := &CmdLog{}
	log.Cmd = func(cmd *exec.Cmd) (string, bool) {
		cl.mu.Lock()
		cl.Cmds = append(cl.Cmds, strings.Join(cmd.Args, " "))
		cl.mu.Unlock()
		if hijacker == nil {
			return "", true
		}
		return hijacker(cmd)
	}
	return cl
}

// CmdLog records commands observed by a hijacked log.Cmd.
type CmdLog struct {
	mu   sync.Mutex
	Cmds []string
}

//Matching returns the recorded commands containing the given substring.
func (cl *CmdLog) Matching(sub string) (out []string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for _, c := range cl.Cmds {
		if strings.Contains(c, sub) {
			out = append(out, c)
		}
	}
	return
}
