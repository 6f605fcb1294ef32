// Copyright (C) 2022-2024 the DangerPrep Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package log is a small logging mechanism allowing multiple sinks,
// outputting to one or more of: the console, a file, or memory.
//
// By default, events are retained in memory so they can be re-played into
// new sinks if/when they are added later on - the install log file lives on
// a dir that only exists partway through startup.
package log

import (
	"fmt"
	"time"

	"github.com/vladzaharia/dangerprep/pkg/log/flags"
)

var logPrefix string

// Verbose controls whether Debugf events are recorded at all.
var Verbose bool

// Sets the log prefix, used in the file name. Must be set before calling
// AddFileLog().
func SetPrefix(pfx string) { logPrefix = pfx }

// Gets the log prefix
func GetPrefix() string { return logPrefix }

//Format: yyyymmdd_hhmmss
const DefaultTimestampLayout = "20060102_150405"

var TimestampLayout = DefaultTimestampLayout

//Returns a string containing a timestamp like TimestampLayout.
func Timestamp() string {
	return time.Now().Format(TimestampLayout)
}

// Msgf is for use with messages suitable for display to the operator. Short,
// non-technical.
func Msgf(f string, va ...interface{}) { FlaggedLogf(flags.EndUser, f, va...) }

// See Msgf
func Msgln(va ...interface{}) { Msgf(fmt.Sprintln(va...)) }

// See Msgf
func Msg(message string) { Msgf(message) }

// Logf is for use with more technical, or more trivial, messages.
func Logf(f string, va ...interface{}) { FlaggedLogf(flags.NA, f, va...) }

// See Logf
func Logln(va ...interface{}) { Logf(fmt.Sprintln(va...)) }

// See Logf
func Log(message string) { Logf(message) }

// Debugf records an event only when Verbose is set.
func Debugf(f string, va ...interface{}) {
	if !Verbose {
		return
	}
	FlaggedLogf(flags.Debug, f, va...)
}
