// Copyright (C) 2022-2024 the DangerPrep Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

//Package phase persists per-phase installation status, making a multi-hour
//install resumable after interruption or failure.
package phase

import "fmt"

type Status int

const (
	NotStarted Status = iota
	InProgress
	Completed
	Failed
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case InProgress:
		return "in_progress"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// StatusFromString parses the persisted form. Unknown text maps to
// NotStarted with ok=false.
func StatusFromString(s string) (Status, bool) {
	switch s {
	case "not_started":
		return NotStarted, true
	case "in_progress":
		return InProgress, true
	case "completed":
		return Completed, true
	case "failed":
		return Failed, true
	}
	return NotStarted, false
}
