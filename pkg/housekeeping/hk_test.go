// Copyright (C) 2022-2024 the DangerPrep Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package housekeeping

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPerformLIFO(t *testing.T) {
	var order []string
	var l List
	for _, name := range []string{"a", "b", "c"} {
		name := name
		l.Add(&Task{Name: name, Func: func(_ bool) { order = append(order, name) }})
	}
	l.Perform(true)
	require.Equal(t, []string{"c", "b", "a"}, order)
	require.Zero(t, l.Len())
}

func TestFilterOut(t *testing.T) {
	var l List
	l.Add(&Task{Name: "keep", Func: func(_ bool) {}})
	l.Add(&Task{Name: "drop", Func: func(_ bool) {}})
	l = l.FilterOut(func(t *Task) bool { return t.Name == "drop" })
	require.Equal(t, 1, l.Len())
}

func TestSuccessPropagates(t *testing.T) {
	var got []bool
	var l List
	l.Add(&Task{Name: "t", Func: func(s bool) { got = append(got, s) }})
	l.Perform(false)
	require.Equal(t, []bool{false}, got)
}

//the shutdown defaults run after every task added later, and the unmount
//callback sees the success flag
func TestShutdownDefaults(t *testing.T) {
	Shutdowns.Clear()
	defer Shutdowns.Clear()

	var order []string
	AddShutdownDefaults(func(success bool) {
		require.False(t, success)
		order = append(order, "umount")
	})
	require.Equal(t, 3, Shutdowns.Len())
	Shutdowns.Add(&Task{Name: "release lock", Func: func(_ bool) {
		order = append(order, "release lock")
	}})

	Shutdowns.Perform(false)
	require.Equal(t, []string{"release lock", "umount"}, order)
	require.Zero(t, Shutdowns.Len())

	//nil unmount func is allowed
	AddShutdownDefaults(nil)
	require.Equal(t, 3, Shutdowns.Len())
	AddShutdownDefaults(nil)
	//re-adding replaces rather than stacking
	require.Equal(t, 3, Shutdowns.Len())
	RemoveShutdownDefaults()
	require.Zero(t, Shutdowns.Len())
}

//a task added during Perform (by another task) still runs
func TestPerformAddedDuring(t *testing.T) {
	var order []string
	var l List
	l.Add(&Task{Name: "outer", Func: func(_ bool) {
		l.Add(&Task{Name: "inner", Func: func(_ bool) { order = append(order, "inner") }})
		order = append(order, "outer")
	}})
	l.Perform(true)
	require.Equal(t, []string{"outer", "inner"}, order)
}
