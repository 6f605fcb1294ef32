// Copyright (C) 2022-2024 the DangerPrep Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Subpackages implement installation orchestration for the DangerPrep hub
// appliance: an embedded router and content hub provisioned in the field by
// a single long-running install.
//
// The install is a sequence of privileged mutations - package installs,
// network and SSH configuration, NVMe partitioning, Docker deployment - any
// of which can fail or be interrupted. The engine in pkg/install makes the
// sequence safe to re-run:
//
//    - one exclusive lock per machine, with stale-lock reclamation when the
//      owning process is dead (pkg/lockfile)
//    - per-phase state persisted across runs, so a re-invocation resumes
//      after the last completed phase (pkg/phase)
//    - every config file overwritten during a run is backed up first and
//      restored if a later phase fails (pkg/tmpl, pkg/futil)
//    - transient operations retried with capped exponential backoff
//      (pkg/retry)
//    - destructive repartitioning gated on explicit operator consent, with
//      a mount-existing fallback when consent is declined (pkg/storage)
//
// cmd/dangerprep is the only binary.
package dangerprep
