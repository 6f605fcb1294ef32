// Copyright (C) 2022-2024 the DangerPrep Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package log

// The default type of sink, storing entries in memory and not displaying
// them in any way. See AddConsoleLog, AddFileLog.
type memLog struct {
	entries []Entry
	next    Sink
}

var _ Sink = (*memLog)(nil)

func (ml *memLog) AddEntry(e Entry) {
	ml.entries = append(ml.entries, e)
	if ml.next != nil {
		ml.next.AddEntry(e)
	}
}

func (ml *memLog) ForwardTo(s Sink) {
	if ml.next == nil || s == nil {
		ml.next = s
	} else {
		panic("next already set")
	}
}

const MemLogIdent = "memLog"

func (ml *memLog) Ident() string { return MemLogIdent }
func (ml *memLog) Next() Sink    { return ml.next }

func (ml *memLog) Finalize() {
	ml.entries = nil
	if ml.next != nil {
		ml.next.Finalize()
	}
}

func (ml *memLog) Entries() []Entry { return ml.entries }

// Retrieve all entries logged so far. Requires a memLog in the stack.
func StoredEntries() []Entry {
	stackMtx.Lock()
	defer stackMtx.Unlock()
	ml := findInStack(MemLogIdent)
	if ml == nil {
		return nil
	}
	return ml.(*memLog).Entries()
}

// Remove the memLog from the stack. Used once other sink(s) have been added,
// to prevent accumulation of entries in memory.
func FlushMemLog() {
	RemoveSink(MemLogIdent)
}
