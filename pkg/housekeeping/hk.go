// Copyright (C) 2022-2024 the DangerPrep Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

//Package housekeeping works with lists of cleanup tasks to be performed
//before exit. Like defer, it is last-in first-out. Tasks can be removed from
//a list via filter functions. To process the list, call Perform; its bool
//arg indicates success/failure of the install, which most tasks ignore.
package housekeeping

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vladzaharia/dangerprep/pkg/log"
)

type Fun func(success bool)
type Task struct {
	Name string
	Func Fun
}
type List struct{ tasks []*Task }

type Filter func(t *Task) bool

//return subset of given list where filter matches
func (l *List) Filter(filter Filter) List {
	var out List
	for _, entry := range l.tasks {
		if filter(entry) {
			out.tasks = append(out.tasks, entry)
		}
	}
	return out
}

//return subset of given list where filter does not match
func (l *List) FilterOut(filter Filter) List {
	return l.Filter(func(t *Task) bool { return !filter(t) })
}

func (l *List) Perform(success bool) {
	//go through list, last first. Remove tasks as they are done.
	for {
		n := len(l.tasks)
		if n == 0 {
			return
		}
		t := l.tasks[n-1]
		l.tasks = l.tasks[:n-1]
		log.Debugf("housekeeping: %s", t.Name)
		t.Func(success)
	}
}

func (l *List) Clear() { l.tasks = nil }
func (l *List) Len() int { return len(l.tasks) }

func (l *List) Add(t *Task) {
	l.tasks = append(l.tasks, t)
}
func (l *List) AddFirst(t *Task) {
	l.tasks = append([]*Task{t}, l.tasks...)
}

// Shutdowns is the list performed on any exit path: success, fatal error,
// or signal.
var Shutdowns List

//Adds functions to finish the log, unmount anything we mounted, and sync
//disks. These must be the _last_ things run, so they are inserted at the
//beginning of the list, in reverse order. The unmount function is passed in
//to avoid an import cycle.
func AddShutdownDefaults(unmountFunc func(bool)) {
	RemoveShutdownDefaults()
	Shutdowns.AddFirst(&Task{Name: "log.Finalize", Func: func(_ bool) { log.Finalize() }})
	Shutdowns.AddFirst(&Task{Name: "sync", Func: func(_ bool) {
		fmt.Println("Flushing disk cache...")
		ss := time.Now()
		unix.Sync()
		fmt.Printf("sync: %s\n", time.Since(ss))
	}})
	Shutdowns.AddFirst(&Task{Name: "umount", Func: func(success bool) {
		if unmountFunc != nil {
			unmountFunc(success)
		}
	}})
}

func RemoveShutdownDefaults() {
	Shutdowns = Shutdowns.FilterOut(func(t *Task) bool {
		switch t.Name {
		case "umount", "sync", "log.Finalize":
			return true
		}
		return false
	})
}

// HandleSignals runs Shutdowns and exits non-zero when SIGINT or SIGTERM
// arrives. Call once, early.
func HandleSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-ch
		log.Msgf("caught %s, cleaning up", sig)
		Shutdowns.Perform(false)
		os.Exit(1)
	}()
}
