// Package job defines the capability interface a parallelizable
// computation implements in order to be driven by the task manager: a
// single capability interface (composition), not a class hierarchy.
package job

import "github.com/rootgo/minuit2p/transport"

// WorkMode is the worker-side binary state: actively dequeuing tasks, or
// idle and only processing state updates.
type WorkMode uint8

const (
	WorkModeWork WorkMode = iota
	WorkModeIdle
)

// Job is implemented by any computation the task manager can parallelize
// across worker processes. A job is decomposed into independent tasks
// identified by task_id; a job never needs to know how many other jobs
// share the same manager.
type Job interface {
	// ID returns the job_id assigned at registration.
	ID() uint32

	// EvaluateTask computes and caches the result for the given task_id.
	// Called on a worker process.
	EvaluateTask(taskID uint32) error

	// SendBackTaskResultFromWorker marshals the cached result for taskID
	// into the bytes that travel over W2Q::send_result.
	SendBackTaskResultFromWorker(taskID uint32) ([]byte, error)

	// ReceiveTaskResultOnQueue unmarshals a worker's result payload into
	// this job's result store. Called on the queue process.
	ReceiveTaskResultOnQueue(taskID uint32, workerID uint32, payload []byte) error

	// GetTaskResult returns the marshaled result previously recorded for
	// taskID, or an error if it has not been recorded yet.
	GetTaskResult(taskID uint32) ([]byte, error)

	// UpdateReal applies a single real-valued parameter update, as
	// broadcast by M2Q::update_real / Q2W::update_real.
	UpdateReal(i uint32, val float64, isConst bool) error

	// SendBackResultsFromQueueToMaster streams every completed result for
	// this job over ch. Called on the queue process as part of answering
	// a retrieve request.
	SendBackResultsFromQueueToMaster(ch transport.Channel) error

	// ReceiveResultsOnMaster drains the stream SendBackResultsFromQueueToMaster
	// produced. Called on the master process.
	ReceiveResultsOnMaster(ch transport.Channel) error

	// ClearResults discards any recorded per-task results, preparing the
	// job for its next round of tasks.
	ClearResults()
}

// CallableByDouble is implemented by jobs that expose worker-local
// double-valued accessors to the master via
// M2Q::call_double_const_method. Jobs that don't need this capability
// simply don't implement it; the manager reports ErrUnsupportedMethod
// on workers that lack it.
type CallableByDouble interface {
	// CallDoubleConstMethod evaluates the named accessor on the worker
	// process and returns its value.
	CallDoubleConstMethod(key string) (float64, error)
}

// Manager is the subset of the task manager's lifecycle a Job needs,
// expressed as an interface so this package never imports taskmanager
// (which imports Job) and creates a cycle. The concrete
// *taskmanager.Manager satisfies this interface.
type Manager interface {
	// RegisterJob assigns a job_id to j and adds it to the registry. It
	// fails with ErrActivated if the manager has already activated.
	RegisterJob(j Job) (uint32, error)
	// UnregisterJob removes a job from the registry. If it was the last
	// job, the manager tears itself down.
	UnregisterJob(jobID uint32) error
	// Activate idempotently starts the queue and worker processes.
	Activate() error
	// Enqueue pushes one task for jobID onto the queue.
	Enqueue(jobID, taskID uint32) error
	// UpdateReal broadcasts a parameter update to every worker.
	UpdateReal(jobID uint32, i uint32, val float64, isConst bool) error
	// SwitchWorkMode broadcasts a work-mode change to every worker.
	SwitchWorkMode(mode WorkMode) error
	// CallDoubleConstMethod asks a specific worker to evaluate a named
	// double-valued accessor on jobID and returns the result.
	CallDoubleConstMethod(jobID, workerID uint32, key string) (float64, error)
	// Retrieve blocks until every enqueued task across every job has
	// completed, then drains results into each job via
	// ReceiveResultsOnMaster.
	Retrieve() error
}
