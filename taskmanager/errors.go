package taskmanager

import "golang.org/x/xerrors"

// Protocol and lifecycle errors abort the affected process; platform and
// shutdown-path problems are logged as warnings and execution continues.

// ErrActivated is returned by RegisterJob once the manager has already
// activated: all jobs must be registered before the first activation.
var ErrActivated = xerrors.New("taskmanager: manager already activated")

// ErrNotActivated is returned by operations that require an active
// topology (UpdateReal, SwitchWorkMode, CallDoubleConstMethod, Retrieve)
// when called before Activate. Enqueue activates the manager itself.
var ErrNotActivated = xerrors.New("taskmanager: manager not activated")

// ErrUnknownJob is returned when an operation names a job_id the
// manager's registry has no entry for.
var ErrUnknownJob = xerrors.New("taskmanager: unknown job_id")

// ErrUnsupportedMethod is returned when CallDoubleConstMethod targets a
// job that does not implement job.CallableByDouble.
var ErrUnsupportedMethod = xerrors.New("taskmanager: job does not support CallDoubleConstMethod")

// ErrFatalProtocol wraps an unexpected tag or handshake violation
// observed on a Channel; always fatal to the process that saw it.
var ErrFatalProtocol = xerrors.New("taskmanager: fatal protocol violation")

// ErrWorkerFailed is reported by Retrieve when the queue's pipe to a
// worker reported EOF/error: a worker crash is only detectable at the
// next poll, and surfaces on the master's next retrieve.
var ErrWorkerFailed = xerrors.New("taskmanager: worker pipe failed")
