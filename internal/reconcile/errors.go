// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownJob        = errors.New("unknown job")
	ErrDuplicateJob      = errors.New("job already registered")
	ErrInvalidDescriptor = errors.New("invalid job descriptor")
	ErrInvalidParams     = errors.New("invalid job parameters")
	ErrRunInProgress     = errors.New("a run of this job is already in progress")
	ErrTargetLocked      = errors.New("target is locked by another run")
	ErrCycle             = errors.New("cycle in parent chain")
	ErrLastCopy          = errors.New("refusing to remove the last recorded copy")
	ErrNoSource          = errors.New("no readable source storage")
	ErrUnknownAction     = errors.New("unknown action")
	ErrMissingReference  = errors.New("missing reference data")
)

// ScanError means the work set could not be produced. It fails the run.
type ScanError struct {
	Job string
	Err error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan %s: %v", e.Job, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// DiffError means desired state could not be determined for one target.
// The target is skipped and the run continues.
type DiffError struct {
	Target Ref
	Err    error
}

func (e *DiffError) Error() string {
	return fmt.Sprintf("diff %s: %v", e.Target, e.Err)
}

func (e *DiffError) Unwrap() error { return e.Err }

// NewDiffError wraps err for target.
func NewDiffError(target Ref, err error) *DiffError {
	return &DiffError{Target: target, Err: err}
}

// ApplyError means one corrective action failed. The target stays dirty and
// is picked up again by the next scan.
type ApplyError struct {
	Action Action
	Err    error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s: %v", e.Action, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }
