// Copyright (C) 2022-2024 the DangerPrep Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

//Package retry centralizes bounded retries with exponential backoff and
//jitter. Phase operations hitting flaky external resources (package
//mirrors, service startup races) share this one implementation instead of
//ad hoc loops at each call site.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/vladzaharia/dangerprep/pkg/log"
)

//computed delay varies +/-25%
const jitterPct = 25

// Do invokes op up to max times. After a failed attempt it sleeps for the
// current delay, then doubles it (capped at cap). Returns nil on the first
// success, or the last error once attempts are exhausted. The context only
// interrupts the backoff sleep, never a running op.
func Do(ctx context.Context, max int, initial, cap time.Duration, op func() error) error {
	if max < 1 {
		return fmt.Errorf("retry: max attempts %d < 1", max)
	}
	var err error
	for attempt := 1; attempt <= max; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if attempt == max {
			break
		}
		d := jittered(Delay(initial, cap, attempt))
		log.Logf("attempt %d/%d failed (%s), retrying in %s", attempt, max, err, d.Round(time.Millisecond))
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", max, err)
}

// Delay returns the pre-jitter backoff after the given 1-based failed
// attempt: min(initial * 2^(attempt-1), cap).
func Delay(initial, cap time.Duration, attempt int) time.Duration {
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := int64(d) * jitterPct / 100
	return time.Duration(int64(d) - spread + rand.Int63n(2*spread+1))
}
