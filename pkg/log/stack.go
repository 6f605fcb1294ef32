// Copyright (C) 2022-2024 the DangerPrep Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package log

import (
	"fmt"
	"sync"
	"time"

	"github.com/vladzaharia/dangerprep/pkg/log/flags"
)

// A type of logger which can be chained, each link adding a different
// output. Events can go to a file, to the console, or just into memory -
// transparent to callers.
//
// Normal logging goes through the non-member functions in this package -
// Logf, Msgf, Fatalf, etc.
type Sink interface {
	//Add an entry to the log. Must call the same method on the next sink in
	// the stack (if not nil).
	AddEntry(e Entry)

	// Chains one sink to another. It is an error to call this on a sink
	// to which another has already been chained.
	ForwardTo(Sink)

	// Identifies the type of sink, to ensure no duplicates in the stack.
	Ident() string
	// Returns next Sink or nil
	Next() Sink
	// Finalizes outstanding entries and releases resources. Must call the
	// same method on the next sink in the stack (if not nil).
	Finalize()
}

// Top sink on the stack. Any function touching the stack must honor
// stackMtx.
var stack Sink = &memLog{}

var stackMtx sync.Mutex

type dupErr struct {
	id string
}

func (de *dupErr) Error() string {
	return fmt.Sprintf("duplicate sink %s in stack", de.id)
}

// Flushes data, closes files, etc
func Finalize() {
	stackMtx.Lock()
	defer stackMtx.Unlock()
	stack.Finalize()
}

// Restores the log stack to initial state: finalizes existing sink(s), then
// replaces the stack with a memLog.
func DefaultLogStack() { NewLogStack(&memLog{}) }

//Calls Finalize on existing sink(s), then sets newSink as the topmost.
func NewLogStack(newSink Sink) {
	stackMtx.Lock()
	defer stackMtx.Unlock()
	if stack != nil {
		stack.Finalize()
	}
	stack = newSink
}

// Add a sink to the stack. If replay is true, events already recorded in a
// memLog are added to this sink first. The only possible error is a sink of
// the same type already being present.
func AddSink(s Sink, replay bool) error {
	stackMtx.Lock()
	defer stackMtx.Unlock()
	if err := checkDup(s, stack); err != nil {
		return err
	}
	if replay {
		replayMem(s)
	}
	s.ForwardTo(stack)
	stack = s
	return nil
}

//Recursive.
func checkDup(newSink, s Sink) error {
	if newSink.Ident() == s.Ident() {
		return &dupErr{id: s.Ident()}
	}
	next := s.Next()
	if next != nil {
		return checkDup(newSink, next)
	}
	return nil
}

// Remove a sink with the given id from the stack
func RemoveSink(id string) {
	stackMtx.Lock()
	defer stackMtx.Unlock()
	s := stack
	var prev Sink
	for s != nil {
		next := s.Next()
		if s.Ident() == id {
			s.ForwardTo(nil)
			s.Finalize()
			if prev != nil {
				//clear the stale link before re-forwarding
				prev.ForwardTo(nil)
				prev.ForwardTo(next)
			} else if next != nil {
				stack = next
			} else {
				//never leave the stack empty
				stack = &memLog{}
			}
			break
		}
		prev = s
		s = next
	}
}

// Entry is the record type passed down the sink chain.
type Entry struct {
	Time  time.Time
	Msg   string
	Args  []interface{}
	Flags flags.Flag
}

// Backend of Logf(), Msgf(), Fatalf(), etc.
func FlaggedLogf(opts flags.Flag, f string, va ...interface{}) {
	stackMtx.Lock()
	defer stackMtx.Unlock()
	stack.AddEntry(Entry{
		Time:  time.Now(),
		Flags: opts,
		Msg:   f,
		Args:  va,
	})
}

func (e *Entry) String() string {
	var div string
	switch {
	case e.Flags&flags.EndUser != 0:
		div = "-- "
	case e.Flags&flags.Fatal != 0:
		div = "!! "
	case e.Flags&flags.Debug != 0:
		div = ".. "
	case e.Flags == 0:
		div = "*- "
	default:
		div = "?? "
	}
	f := div + e.Time.Format(TimestampLayout) + " " + div + e.Msg
	return fmt.Sprintf(f, e.Args...)
}

// Looks for a memLog in the stack and inserts all of its entries into the
// new sink, so events logged before the sink existed are not lost.
func replayMem(newSink Sink) {
	if _, isMem := newSink.(*memLog); isMem {
		return
	}
	ml := findInStack(MemLogIdent)
	if ml == nil {
		return
	}
	mem, ok := ml.(*memLog)
	if !ok {
		return
	}
	for _, e := range mem.Entries() {
		newSink.AddEntry(e)
	}
}

// Return true if a sink in the stack matches given id
func InStack(id string) bool {
	stackMtx.Lock()
	defer stackMtx.Unlock()
	return findInStack(id) != nil
}

func findInStack(id string) Sink {
	s := stack
	for s != nil {
		if s.Ident() == id {
			return s
		}
		s = s.Next()
	}
	return nil
}
