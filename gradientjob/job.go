// Package gradientjob binds the numerical gradient kernel (package
// gradient) to the task manager's Job capability contract (package
// job): one task equals one parameter's partial derivative.
package gradientjob

import (
	"encoding/binary"
	"sort"
	"sync"

	"golang.org/x/xerrors"

	"github.com/rootgo/minuit2p/gradient"
	"github.com/rootgo/minuit2p/job"
	"github.com/rootgo/minuit2p/transport"
)

// differentiator is the subset of gradient.Kernel's per-call state a Job
// drives once Kernel.Prepare has cached f(x) and the shared dfmin/vrysml
// baseline. Declared as a local interface so this package never needs
// to name gradient's unexported call type — Go lets any type satisfy an
// interface purely by its exported method set.
type differentiator interface {
	FVal() float64
	DifferentiateOne(i int, state *gradient.State) error
}

// Job is the per-process replica of one gradient computation registered
// with the task manager. An identical Job (same job_id, same kernel, same
// fn) exists in the master, queue and every worker process image —
// Bootstrap's deterministic registerJobs callback is what keeps the
// replicas in step.
type Job struct {
	mgr    job.Manager
	id     uint32
	kernel *gradient.Kernel

	mu       sync.Mutex
	x        []float64
	settings []gradient.ParameterSettings
	state    *gradient.State
	fn       gradient.Func
	up       float64
	strategy gradient.Strategy
	results  map[uint32][3]float64
}

// NewJob constructs a Job for an n-parameter point and registers it with
// mgr, which assigns its job_id. Must be called before mgr.Activate.
//
// fn is bound at construction rather than per Compute call because the
// registerJobs callback reruns in every process image: a worker replica
// never sees Compute, so the objective has to be part of the
// deterministic construction that keeps the replicas identical.
func NewJob(mgr job.Manager, kernel *gradient.Kernel, n int, fn gradient.Func) (*Job, error) {
	if fn == nil {
		return nil, xerrors.Errorf("gradientjob: nil objective function")
	}
	j := &Job{
		mgr:      mgr,
		kernel:   kernel,
		x:        make([]float64, n),
		settings: make([]gradient.ParameterSettings, n),
		state:    gradient.NewDefaultState(n),
		fn:       fn,
		results:  make(map[uint32][3]float64),
	}
	id, err := mgr.RegisterJob(j)
	if err != nil {
		return nil, xerrors.Errorf("gradientjob: register: %w", err)
	}
	j.id = id
	return j, nil
}

// ID returns the job_id assigned at registration.
func (j *Job) ID() uint32 { return j.id }

// Close deregisters the job. If it was the last registered job, the
// manager tears itself down.
func (j *Job) Close() error { return j.mgr.UnregisterJob(j.id) }

// N returns the number of parameters this job was constructed for.
func (j *Job) N() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.x)
}

// Each parameter contributes four broadcast real values, laid out in
// disjoint index ranges so the generic M2Q::update_real/Q2W::update_real
// alphabet (one (index, value) pair per message) can carry the full
// per-parameter seed a worker needs before it independently reruns
// Kernel.Prepare: [0,N) is x, [N,2N) is the incoming grad seed, [2N,3N)
// is the g2 seed, [3N,4N) is the gstep seed. Without this, a worker
// asked to refine parameter i would have no way to recover the
// (grad_i, g2_i, gstep_i) state left over from the previous
// Differentiate cycle: broadcasting the coordinate alone does not carry
// the iteration's refinement state across rounds.
func (j *Job) updateRealIndices(n int) (xBase, gradBase, g2Base, gstepBase uint32) {
	return 0, uint32(n), uint32(2 * n), uint32(3 * n)
}

// SynchronizeWithMinimizer forwards the error level and strategy
// tolerances to the kernel.
func (j *Job) SynchronizeWithMinimizer(up float64, strategy gradient.Strategy) {
	j.mu.Lock()
	j.up = up
	j.strategy = strategy
	j.mu.Unlock()
}

// SynchronizeParameterSettings reseeds the gradient state via the
// initial-gradient algorithm.
func (j *Job) SynchronizeParameterSettings(settings []gradient.ParameterSettings) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(settings) != len(j.x) {
		return gradient.ErrDimensionMismatch
	}
	j.settings = settings
	return j.kernel.SeedInitialGradient(j.x, settings, j.up, j.state)
}

// Compute runs one distributed gradient round: broadcast x (and the
// carried grad/g2/gstep seed) to workers, enqueue one task per
// parameter, retrieve, then copy the aggregated triple back into the
// caller's state. Called only on the master.
func (j *Job) Compute(x []float64) error {
	j.mu.Lock()
	n := len(j.x)
	if len(x) != n {
		j.mu.Unlock()
		return gradient.ErrDimensionMismatch
	}
	copy(j.x, x)
	state := j.state
	j.mu.Unlock()

	xBase, gradBase, g2Base, gstepBase := j.updateRealIndices(n)
	for i := 0; i < n; i++ {
		if err := j.mgr.UpdateReal(j.id, xBase+uint32(i), x[i], false); err != nil {
			return xerrors.Errorf("gradientjob: broadcast x[%d]: %w", i, err)
		}
		if err := j.mgr.UpdateReal(j.id, gradBase+uint32(i), state.Grad[i], false); err != nil {
			return xerrors.Errorf("gradientjob: broadcast grad[%d]: %w", i, err)
		}
		if err := j.mgr.UpdateReal(j.id, g2Base+uint32(i), state.G2[i], false); err != nil {
			return xerrors.Errorf("gradientjob: broadcast g2[%d]: %w", i, err)
		}
		if err := j.mgr.UpdateReal(j.id, gstepBase+uint32(i), state.GStep[i], false); err != nil {
			return xerrors.Errorf("gradientjob: broadcast gstep[%d]: %w", i, err)
		}
	}

	for i := 0; i < n; i++ {
		if err := j.mgr.Enqueue(j.id, uint32(i)); err != nil {
			return xerrors.Errorf("gradientjob: enqueue task %d: %w", i, err)
		}
	}

	if err := j.mgr.Retrieve(); err != nil {
		return xerrors.Errorf("gradientjob: retrieve: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	for i := 0; i < n; i++ {
		res, ok := j.results[uint32(i)]
		if !ok {
			return xerrors.Errorf("gradientjob: missing result for task %d", i)
		}
		j.state.Grad[i] = res[0]
		j.state.G2[i] = res[1]
		j.state.GStep[i] = res[2]
	}
	j.results = make(map[uint32][3]float64)
	return nil
}

// FillGradient copies the most recently computed first-derivative
// vector into out.
func (j *Job) FillGradient(out []float64) error { return j.fillFrom(out, func(s *gradient.State) []float64 { return s.Grad }) }

// FillSecondDerivative copies the most recently computed second
// derivative vector into out.
func (j *Job) FillSecondDerivative(out []float64) error {
	return j.fillFrom(out, func(s *gradient.State) []float64 { return s.G2 })
}

// FillStepSize copies the most recently chosen step-size vector into
// out.
func (j *Job) FillStepSize(out []float64) error {
	return j.fillFrom(out, func(s *gradient.State) []float64 { return s.GStep })
}

func (j *Job) fillFrom(out []float64, pick func(*gradient.State) []float64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	src := pick(j.state)
	if len(out) != len(src) {
		return gradient.ErrDimensionMismatch
	}
	copy(out, src)
	return nil
}

// EvaluateTask independently reruns Kernel.Prepare against this
// process's local copy of x (kept in sync by UpdateReal broadcasts) and
// refines the single parameter task_id; per-parameter refinements are
// independent of each other given the shared f(x) baseline. Called only
// on a worker.
func (j *Job) EvaluateTask(taskID uint32) error {
	j.mu.Lock()
	x := append([]float64(nil), j.x...)
	settings := j.settings
	fn := j.fn
	up := j.up
	strategy := j.strategy
	state := j.state
	j.mu.Unlock()

	if int(taskID) >= len(x) {
		return xerrors.Errorf("gradientjob: task_id %d out of range", taskID)
	}

	var call differentiator = j.kernel.Prepare(x, settings, fn, up, strategy)
	if err := call.DifferentiateOne(int(taskID), state); err != nil {
		return xerrors.Errorf("gradientjob: differentiate task %d: %w", taskID, err)
	}

	j.mu.Lock()
	j.results[taskID] = [3]float64{state.Grad[taskID], state.G2[taskID], state.GStep[taskID]}
	j.mu.Unlock()
	return nil
}

// SendBackTaskResultFromWorker marshals the cached (grad_i, g2_i,
// gstep_i) triple for task_id: three doubles per task.
func (j *Job) SendBackTaskResultFromWorker(taskID uint32) ([]byte, error) {
	j.mu.Lock()
	res, ok := j.results[taskID]
	j.mu.Unlock()
	if !ok {
		return nil, xerrors.Errorf("gradientjob: no result cached for task %d", taskID)
	}
	return marshalTriple(res), nil
}

// ReceiveTaskResultOnQueue unmarshals a worker's result payload into
// this job's result store. Called only on the queue process.
func (j *Job) ReceiveTaskResultOnQueue(taskID uint32, workerID uint32, payload []byte) error {
	triple, err := unmarshalTriple(payload)
	if err != nil {
		return err
	}
	j.mu.Lock()
	j.results[taskID] = triple
	j.mu.Unlock()
	return nil
}

// GetTaskResult returns the marshaled result previously recorded for
// taskID.
func (j *Job) GetTaskResult(taskID uint32) ([]byte, error) {
	j.mu.Lock()
	res, ok := j.results[taskID]
	j.mu.Unlock()
	if !ok {
		return nil, xerrors.Errorf("gradientjob: no result recorded for task %d", taskID)
	}
	return marshalTriple(res), nil
}

// UpdateReal applies a single broadcast real value, dispatching on
// which of the four per-parameter index ranges it falls in (see
// updateRealIndices). Called only on a worker.
func (j *Job) UpdateReal(i uint32, val float64, isConst bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	n := uint32(len(j.x))
	if n == 0 {
		return xerrors.Errorf("gradientjob: update_real before dimensions known")
	}
	switch {
	case i < n:
		j.x[i] = val
	case i < 2*n:
		j.state.Grad[i-n] = val
	case i < 3*n:
		j.state.G2[i-2*n] = val
	case i < 4*n:
		j.state.GStep[i-3*n] = val
	default:
		return xerrors.Errorf("gradientjob: update_real index %d out of range", i)
	}
	return nil
}

// Fixed wire tags for the job-local result stream carried over the
// queue<->master channel during retrieve, chosen well outside
// taskmanager's own 100-499 tag ranges since both alphabets share the
// same physical Channel.
const (
	tagResultCount uint32 = 10000 + iota
	tagResultEntry
)

// SendBackResultsFromQueueToMaster streams every completed result for
// this job over ch: a count, then one (task_id, triple) entry per
// completed task in ascending task_id order. Called only on the queue
// process, as part of answering a retrieve request.
func (j *Job) SendBackResultsFromQueueToMaster(ch transport.Channel) error {
	j.mu.Lock()
	ids := make([]uint32, 0, len(j.results))
	for id := range j.results {
		ids = append(ids, id)
	}
	results := j.results
	j.mu.Unlock()
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	if err := ch.Send(transport.Envelope{Tag: tagResultCount, Payload: marshalUint32(uint32(len(ids)))}); err != nil {
		return err
	}
	if err := ch.Flush(); err != nil {
		return err
	}
	for _, id := range ids {
		payload := append(marshalUint32(id), marshalTriple(results[id])...)
		if err := ch.Send(transport.Envelope{Tag: tagResultEntry, Payload: payload}); err != nil {
			return err
		}
		if err := ch.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// ReceiveResultsOnMaster drains the stream SendBackResultsFromQueueToMaster
// produced. Called only on the master.
func (j *Job) ReceiveResultsOnMaster(ch transport.Channel) error {
	countEnv, err := ch.Recv()
	if err != nil {
		return err
	}
	if countEnv.Tag != tagResultCount {
		return xerrors.Errorf("gradientjob: expected result count, got tag %d", countEnv.Tag)
	}
	n, err := unmarshalUint32(countEnv.Payload)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	for k := uint32(0); k < n; k++ {
		env, err := ch.Recv()
		if err != nil {
			return err
		}
		if env.Tag != tagResultEntry {
			return xerrors.Errorf("gradientjob: expected result entry, got tag %d", env.Tag)
		}
		if len(env.Payload) != 4+24 {
			return xerrors.Errorf("gradientjob: malformed result entry (%d bytes)", len(env.Payload))
		}
		taskID := binary.LittleEndian.Uint32(env.Payload[:4])
		triple, err := unmarshalTriple(env.Payload[4:])
		if err != nil {
			return err
		}
		j.results[taskID] = triple
	}
	return nil
}

// ClearResults discards any recorded per-task results.
func (j *Job) ClearResults() {
	j.mu.Lock()
	j.results = make(map[uint32][3]float64)
	j.mu.Unlock()
}

var _ job.Job = (*Job)(nil)
