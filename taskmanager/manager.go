package taskmanager

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/xerrors"

	"github.com/rootgo/minuit2p/job"
	"github.com/rootgo/minuit2p/transport"
)

// Manager is the master-process handle onto the master/queue/worker
// topology. It is an explicit context object rather than a process-wide
// singleton: construction, activation and teardown are all plain method
// calls, so a test can tear down and recreate a Manager within a single
// process.
//
// Manager also backs the job registry in the queue and worker process
// images: Bootstrap constructs one in every process role and replays the
// same job-registration calls in each, so every replica ends up with an
// identical job_id -> job.Job mapping.
type Manager struct {
	cfg Config

	mu        sync.Mutex
	jobs      map[uint32]job.Job
	nextJobID uint32
	activated bool
	runID     string

	topology   *topology
	masterCh   transport.Channel
	queueCmd   procHandle
	workerCmds []procHandle
}

// procHandle is the subset of *exec.Cmd the manager needs; kept as an
// interface purely so tests can substitute a fake without spawning real
// processes.
type procHandle interface {
	Wait() error
}

// NewManager validates cfg and constructs a Manager with an empty job
// registry. It does not fork anything; that happens on Activate.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Errorf("taskmanager: manager config validation failed: %w", err)
	}
	return newManager(cfg), nil
}

func newManager(cfg Config) *Manager {
	return &Manager{
		cfg:  cfg,
		jobs: make(map[uint32]job.Job),
	}
}

// ManagerStats is a read-only snapshot of the manager's master-side
// bookkeeping, exposed for tests and future observability. It does not
// reach into the queue process's FIFO/result-store state (that is
// exclusively queue-owned); it reports only what the master itself
// tracks.
type ManagerStats struct {
	NumWorkers int
	Activated  bool
	JobCount   int
	RunID      string
}

// Stats returns the manager's current snapshot.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerStats{
		NumWorkers: m.cfg.NumWorkers,
		Activated:  m.activated,
		JobCount:   len(m.jobs),
		RunID:      m.runID,
	}
}

// RegisterJob assigns a job_id to j and adds it to the registry. A job
// must not be registered after activation.
func (m *Manager) RegisterJob(j job.Job) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activated {
		return 0, ErrActivated
	}
	id := m.nextJobID
	m.nextJobID++
	m.jobs[id] = j
	return id, nil
}

// UnregisterJob removes a job from the registry. If it was the last
// registered job, the manager tears itself down so that a fresh
// activation is possible later in the same process.
func (m *Manager) UnregisterJob(jobID uint32) error {
	m.mu.Lock()
	if _, ok := m.jobs[jobID]; !ok {
		m.mu.Unlock()
		return ErrUnknownJob
	}
	delete(m.jobs, jobID)
	empty := len(m.jobs) == 0
	m.mu.Unlock()

	if empty {
		return m.Shutdown()
	}
	return nil
}

func (m *Manager) jobByID(id uint32) (job.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	return j, ok
}

// JobByID returns the registered job for id, for callers (such as
// cmd/minuit2pd) that need to reach a concrete job's own API after
// registering it, rather than only driving it through job.Manager.
func (m *Manager) JobByID(id uint32) (job.Job, bool) {
	return m.jobByID(id)
}

func (m *Manager) sortedJobIDs() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint32, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *Manager) isActivated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activated
}

// Activate forks the queue and worker processes. It is idempotent and
// must happen before the first Enqueue.
func (m *Manager) Activate() error {
	m.mu.Lock()
	if m.activated {
		m.mu.Unlock()
		return nil
	}
	numWorkers := m.cfg.NumWorkers
	log := m.cfg.Logger
	m.mu.Unlock()

	topo, err := buildTopology(numWorkers)
	if err != nil {
		return xerrors.Errorf("taskmanager: build topology: %w", err)
	}

	// Fork order: workers first, then the queue from the master.
	workerCmds := make([]procHandle, numWorkers)
	for k := 0; k < numWorkers; k++ {
		cmd, err := m.spawnWorker(k, topo.queueWorker[k])
		if err != nil {
			topo.closeAll()
			return xerrors.Errorf("taskmanager: activate: %w", err)
		}
		workerCmds[k] = cmd
	}

	queueCmd, err := m.spawnQueue(topo)
	if err != nil {
		topo.closeAll()
		return xerrors.Errorf("taskmanager: activate: %w", err)
	}

	// This process keeps only the master side of the master<->queue
	// pipe; every other fd was handed to a child across exec and this
	// process's copy must be closed so EOF propagates correctly once
	// that child exits.
	for _, qw := range topo.queueWorker {
		qw.closeA()
		qw.closeB()
	}
	topo.masterQueue.closeB()

	m.mu.Lock()
	m.topology = topo
	m.masterCh = transport.NewPipeChannel(topo.masterQueue.aR, topo.masterQueue.aW)
	m.queueCmd = queueCmd
	m.workerCmds = workerCmds
	m.runID = uuid.New().String()
	m.activated = true
	m.mu.Unlock()

	if m.cfg.PinToCPUs {
		pinCurrentProcess(log.WithField("role", "master"), numWorkers+1)
	}

	log.WithField("run_id", m.runID).WithField("num_workers", numWorkers).Info("taskmanager: activated")
	return nil
}

func (t *topology) closeAll() {
	if t == nil {
		return
	}
	t.masterQueue.closeA()
	t.masterQueue.closeB()
	for _, qw := range t.queueWorker {
		qw.closeA()
		qw.closeB()
	}
}

// Shutdown sends M2Q::terminate, waits for the queue and every worker to
// exit, and resets activation state so the manager can be reactivated.
// The teardown path never aborts: pipe/IO failures while shutting down
// are logged as warnings and folded into the returned *multierror.Error
// rather than treated as fatal.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if !m.activated {
		m.mu.Unlock()
		return nil
	}
	ch := m.masterCh
	queueCmd := m.queueCmd
	workerCmds := m.workerCmds
	log := m.cfg.Logger
	m.mu.Unlock()

	var result error
	if err := ch.Send(transport.Envelope{Tag: tagM2QTerminate}); err != nil {
		log.WithError(err).Warn("taskmanager: shutdown: send terminate failed")
		result = multierror.Append(result, err)
	} else if err := ch.Flush(); err != nil {
		log.WithError(err).Warn("taskmanager: shutdown: flush terminate failed")
		result = multierror.Append(result, err)
	}
	if err := ch.Close(); err != nil {
		log.WithError(err).Warn("taskmanager: shutdown: close master channel failed")
		result = multierror.Append(result, err)
	}

	if queueCmd != nil {
		if err := queueCmd.Wait(); err != nil {
			log.WithError(err).Warn("taskmanager: queue process returned non-zero")
			result = multierror.Append(result, err)
		}
	}
	for k, wc := range workerCmds {
		if wc == nil {
			continue
		}
		if err := wc.Wait(); err != nil {
			log.WithField("worker_id", k).WithError(err).Warn("taskmanager: worker process returned non-zero")
			result = multierror.Append(result, err)
		}
	}

	m.mu.Lock()
	m.activated = false
	m.nextJobID = 0
	m.topology = nil
	m.masterCh = nil
	m.queueCmd = nil
	m.workerCmds = nil
	m.runID = ""
	m.mu.Unlock()

	return result
}

func (m *Manager) sendAndFlush(tag uint32, payload []byte) error {
	m.mu.Lock()
	ch := m.masterCh
	activated := m.activated
	m.mu.Unlock()
	if !activated || ch == nil {
		return ErrNotActivated
	}
	if err := ch.Send(transport.Envelope{Tag: tag, Payload: payload}); err != nil {
		return xerrors.Errorf("taskmanager: send: %w", err)
	}
	if err := ch.Flush(); err != nil {
		return xerrors.Errorf("taskmanager: flush: %w", err)
	}
	return nil
}

// Enqueue activates the manager if necessary, then sends
// M2Q::enqueue(job_id, task_id). No reply is expected.
func (m *Manager) Enqueue(jobID, taskID uint32) error {
	if err := m.Activate(); err != nil {
		return err
	}
	return m.sendAndFlush(tagM2QEnqueue, jobTask{JobID: jobID, TaskID: taskID}.marshal())
}

// UpdateReal fans a parameter update out to every worker via
// M2Q::update_real.
func (m *Manager) UpdateReal(jobID uint32, i uint32, val float64, isConst bool) error {
	payload := updateRealMsg{JobID: jobID, Index: i, Val: val, IsConst: isConst}.marshal()
	return m.sendAndFlush(tagM2QUpdateReal, payload)
}

// SwitchWorkMode fans a work-mode change out to every worker via
// M2Q::switch_work_mode.
func (m *Manager) SwitchWorkMode(mode job.WorkMode) error {
	payload := switchWorkModeMsg{Idle: mode == job.WorkModeIdle}.marshal()
	return m.sendAndFlush(tagM2QSwitchWorkMode, payload)
}

// CallDoubleConstMethod forwards key to workerID via the queue and
// returns its double-valued reply.
func (m *Manager) CallDoubleConstMethod(jobID, workerID uint32, key string) (float64, error) {
	m.mu.Lock()
	ch := m.masterCh
	activated := m.activated
	m.mu.Unlock()
	if !activated || ch == nil {
		return 0, ErrNotActivated
	}

	payload := callDoubleConstMethodMsg{JobID: jobID, WorkerID: workerID, Key: key}.marshal()
	if err := ch.Send(transport.Envelope{Tag: tagM2QCallDoubleConstMethod, Payload: payload}); err != nil {
		return 0, xerrors.Errorf("taskmanager: send call_double_const_method: %w", err)
	}
	if err := ch.Flush(); err != nil {
		return 0, xerrors.Errorf("taskmanager: flush call_double_const_method: %w", err)
	}
	env, err := ch.Recv()
	if err != nil {
		return 0, xerrors.Errorf("%w: recv double result: %v", ErrWorkerFailed, err)
	}
	if env.Tag != tagQ2MCallDoubleConstMethodResult {
		return 0, xerrors.Errorf("%w: expected double result, got tag %d", ErrFatalProtocol, env.Tag)
	}
	res, err := unmarshalCallDoubleResult(env.Payload)
	if err != nil {
		return 0, err
	}
	switch res.Status {
	case callDoubleOK:
		return res.Val, nil
	case callDoubleUnsupported:
		return 0, xerrors.Errorf("%w: job %d", ErrUnsupportedMethod, jobID)
	default:
		return 0, xerrors.Errorf("taskmanager: call_double_const_method %q failed on worker %d", key, workerID)
	}
}

// Retrieve implements the master-side half of the retrieve protocol:
// loop sending M2Q::retrieve until retrieve_accepted, then drain every
// job's results off the wire in job_id order.
func (m *Manager) Retrieve() error {
	m.mu.Lock()
	ch := m.masterCh
	activated := m.activated
	m.mu.Unlock()
	if !activated || ch == nil {
		return ErrNotActivated
	}

	for {
		if err := ch.Send(transport.Envelope{Tag: tagM2QRetrieve}); err != nil {
			return xerrors.Errorf("taskmanager: send retrieve: %w", err)
		}
		if err := ch.Flush(); err != nil {
			return xerrors.Errorf("taskmanager: flush retrieve: %w", err)
		}
		env, err := ch.Recv()
		if err != nil {
			return xerrors.Errorf("%w: %v", ErrWorkerFailed, err)
		}
		switch env.Tag {
		case tagQ2MRetrieveRejected:
			continue
		case tagQ2MRetrieveAccepted:
			return m.drainRetrieve(ch, env.Payload)
		case tagQ2MWorkerFailed:
			return xerrors.Errorf("%w: tasks outstanding on a dead worker", ErrWorkerFailed)
		default:
			return xerrors.Errorf("%w: unexpected tag %d awaiting retrieve handshake", ErrFatalProtocol, env.Tag)
		}
	}
}

func (m *Manager) drainRetrieve(ch transport.Channel, payload []byte) error {
	nJobs, err := unmarshalUint32(payload)
	if err != nil {
		return xerrors.Errorf("%w: n_jobs: %v", ErrFatalProtocol, err)
	}

	for j := uint32(0); j < nJobs; j++ {
		hdrEnv, err := ch.Recv()
		if err != nil {
			return xerrors.Errorf("%w: recv job header: %v", ErrWorkerFailed, err)
		}
		if hdrEnv.Tag != tagQ2MJobResultHeader {
			return xerrors.Errorf("%w: expected job result header, got tag %d", ErrFatalProtocol, hdrEnv.Tag)
		}
		jobID, err := unmarshalUint32(hdrEnv.Payload)
		if err != nil {
			return xerrors.Errorf("%w: job header payload: %v", ErrFatalProtocol, err)
		}

		jb, ok := m.jobByID(jobID)
		if !ok {
			return xerrors.Errorf("%w: %d", ErrUnknownJob, jobID)
		}
		if err := jb.ReceiveResultsOnMaster(ch); err != nil {
			return xerrors.Errorf("taskmanager: job %d receive results: %w", jobID, err)
		}
	}
	return nil
}

var _ job.Manager = (*Manager)(nil)
