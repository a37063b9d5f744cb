package taskmanager

import (
	"encoding/binary"
	"sync"

	gc "gopkg.in/check.v1"
	"golang.org/x/xerrors"

	"github.com/rootgo/minuit2p/gradient"
	"github.com/rootgo/minuit2p/gradientjob"
	"github.com/rootgo/minuit2p/job"
	"github.com/rootgo/minuit2p/transport"
)

var _ = gc.Suite(new(IntegrationTestSuite))

// IntegrationTestSuite runs real jobs through the full protocol. Unlike
// ManagerTestSuite's single shared fakeJob, it gives the master and the
// queue/worker goroutines separate Manager instances with separate job
// replicas, mirroring the per-process registries a real fork produces:
// the same register callback runs once per side, so both sides hold
// identical job_id mappings but never share mutable state.
type IntegrationTestSuite struct{}

func newSplitTestManager(c *gc.C, numWorkers int, register func(*Manager) error) *Manager {
	topo, err := buildTopology(numWorkers)
	c.Assert(err, gc.IsNil)

	masterCh := transport.NewPipeChannel(topo.masterQueue.aR, topo.masterQueue.aW)
	queueMasterCh := transport.NewPipeChannel(topo.masterQueue.bR, topo.masterQueue.bW)

	queueWorkerChs := make([]transport.Channel, numWorkers)
	workerChs := make([]transport.Channel, numWorkers)
	for k := 0; k < numWorkers; k++ {
		queueWorkerChs[k] = transport.NewPipeChannel(topo.queueWorker[k].aR, topo.queueWorker[k].aW)
		workerChs[k] = transport.NewPipeChannel(topo.queueWorker[k].bR, topo.queueWorker[k].bW)
	}

	cfg := Config{NumWorkers: numWorkers}
	c.Assert(cfg.Validate(), gc.IsNil)

	masterMgr := newManager(cfg)
	childMgr := newManager(cfg)
	c.Assert(register(masterMgr), gc.IsNil)
	c.Assert(register(childMgr), gc.IsNil)

	workerCmds := make([]procHandle, numWorkers)
	for k := range workerCmds {
		workerCmds[k] = fakeProcHandle{}
	}

	masterMgr.mu.Lock()
	masterMgr.activated = true
	masterMgr.masterCh = masterCh
	masterMgr.queueCmd = fakeProcHandle{}
	masterMgr.workerCmds = workerCmds
	masterMgr.runID = "integration-run"
	masterMgr.mu.Unlock()

	go runQueueLoop(childMgr, queueMasterCh, queueWorkerChs)
	for k := 0; k < numWorkers; k++ {
		go runWorkerLoop(childMgr, uint32(k), workerChs[k])
	}

	return masterMgr
}

// TestGradientParityAcrossWorkerCounts: distributing the per-parameter
// refinements must reproduce the serial kernel bit-for-bit for any
// worker count.
func (s *IntegrationTestSuite) TestGradientParityAcrossWorkerCounts(c *gc.C) {
	settings := []gradient.ParameterSettings{
		{Name: "x0", Step: 0.1},
		{Name: "x1", Step: 0.1},
		{Name: "x2", Step: 0.1, HasLowerLimit: true, HasUpperLimit: true, Lower: -3, Upper: 3},
	}
	strategy := gradient.Strategy{StepTolerance: 0.5, GradTolerance: 0.1, NCycles: 3}
	point := []float64{0.3, -1.2, 0.4}
	objective := func(xs []float64) float64 {
		return (xs[0]-1)*(xs[0]-1) + 2*xs[1]*xs[1] + 3*(xs[2]+0.5)*(xs[2]+0.5) + xs[0]*xs[1]
	}

	// Serial reference: seed at the origin (the job's construction-time
	// point), then differentiate at the target point.
	serialKernel := gradient.NewKernel()
	serial := gradient.NewDefaultState(3)
	c.Assert(serialKernel.SeedInitialGradient([]float64{0, 0, 0}, settings, 1.0, serial), gc.IsNil)
	c.Assert(serialKernel.Differentiate(point, settings, serial, objective, 1.0, strategy), gc.IsNil)

	for _, numWorkers := range []int{1, 2, 3} {
		register := func(mgr *Manager) error {
			gj, err := gradientjob.NewJob(mgr, gradient.NewKernel(), 3, objective)
			if err != nil {
				return err
			}
			gj.SynchronizeWithMinimizer(1.0, strategy)
			return gj.SynchronizeParameterSettings(settings)
		}

		masterMgr := newSplitTestManager(c, numWorkers, register)
		jb, ok := masterMgr.JobByID(0)
		c.Assert(ok, gc.Equals, true)
		gj := jb.(*gradientjob.Job)

		c.Assert(gj.Compute(point), gc.IsNil)

		grad := make([]float64, 3)
		g2 := make([]float64, 3)
		gstep := make([]float64, 3)
		c.Assert(gj.FillGradient(grad), gc.IsNil)
		c.Assert(gj.FillSecondDerivative(g2), gc.IsNil)
		c.Assert(gj.FillStepSize(gstep), gc.IsNil)

		for i := 0; i < 3; i++ {
			cm := gc.Commentf("num_workers=%d i=%d", numWorkers, i)
			c.Assert(grad[i], gc.Equals, serial.Grad[i], cm)
			c.Assert(g2[i], gc.Equals, serial.G2[i], cm)
			c.Assert(gstep[i], gc.Equals, serial.GStep[i], cm)
		}

		c.Assert(masterMgr.Shutdown(), gc.IsNil)
	}
}

// squareJob computes result[i] = x[i]^2 + b, the minimal job shape the
// protocol smoke test needs: broadcastable state, one float64 result
// per task.
type squareJob struct {
	mu      sync.Mutex
	id      uint32
	b       float64
	x       []float64
	results map[uint32]float64
}

const (
	squareJobResultCount uint32 = 30000 + iota
	squareJobResultEntry
)

func marshalSquareResult(v float64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uintFromFloat(v))
	return buf
}

func unmarshalSquareResult(b []byte) (float64, error) {
	if len(b) != 8 {
		return 0, xerrors.Errorf("squareJob: malformed result payload (%d bytes)", len(b))
	}
	return floatFromUint(binary.LittleEndian.Uint64(b)), nil
}

func (f *squareJob) ID() uint32 { return f.id }

func (f *squareJob) EvaluateTask(taskID uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int(taskID) >= len(f.x) {
		return xerrors.Errorf("squareJob: task_id %d out of range", taskID)
	}
	f.results[taskID] = f.x[taskID]*f.x[taskID] + f.b
	return nil
}

func (f *squareJob) SendBackTaskResultFromWorker(taskID uint32) ([]byte, error) {
	f.mu.Lock()
	v, ok := f.results[taskID]
	f.mu.Unlock()
	if !ok {
		return nil, xerrors.Errorf("squareJob: no result for task %d", taskID)
	}
	return marshalSquareResult(v), nil
}

func (f *squareJob) ReceiveTaskResultOnQueue(taskID uint32, workerID uint32, payload []byte) error {
	v, err := unmarshalSquareResult(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.results[taskID] = v
	f.mu.Unlock()
	return nil
}

func (f *squareJob) GetTaskResult(taskID uint32) ([]byte, error) {
	return f.SendBackTaskResultFromWorker(taskID)
}

func (f *squareJob) UpdateReal(i uint32, val float64, isConst bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int(i) >= len(f.x) {
		return xerrors.Errorf("squareJob: index %d out of range", i)
	}
	f.x[i] = val
	return nil
}

func (f *squareJob) SendBackResultsFromQueueToMaster(ch transport.Channel) error {
	f.mu.Lock()
	results := make(map[uint32]float64, len(f.results))
	for k, v := range f.results {
		results[k] = v
	}
	f.mu.Unlock()

	if err := ch.Send(transport.Envelope{Tag: squareJobResultCount, Payload: marshalUint32(uint32(len(results)))}); err != nil {
		return err
	}
	if err := ch.Flush(); err != nil {
		return err
	}
	for id := uint32(0); id < uint32(len(f.x)); id++ {
		v, ok := results[id]
		if !ok {
			continue
		}
		payload := append(marshalUint32(id), marshalSquareResult(v)...)
		if err := ch.Send(transport.Envelope{Tag: squareJobResultEntry, Payload: payload}); err != nil {
			return err
		}
		if err := ch.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func (f *squareJob) ReceiveResultsOnMaster(ch transport.Channel) error {
	countEnv, err := ch.Recv()
	if err != nil {
		return err
	}
	if countEnv.Tag != squareJobResultCount {
		return xerrors.Errorf("squareJob: expected result count, got tag %d", countEnv.Tag)
	}
	n, err := unmarshalUint32(countEnv.Payload)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for k := uint32(0); k < n; k++ {
		env, err := ch.Recv()
		if err != nil {
			return err
		}
		if env.Tag != squareJobResultEntry {
			return xerrors.Errorf("squareJob: expected result entry, got tag %d", env.Tag)
		}
		if len(env.Payload) != 12 {
			return xerrors.Errorf("squareJob: malformed result entry (%d bytes)", len(env.Payload))
		}
		taskID, err := unmarshalUint32(env.Payload[:4])
		if err != nil {
			return err
		}
		v, err := unmarshalSquareResult(env.Payload[4:])
		if err != nil {
			return err
		}
		f.results[taskID] = v
	}
	return nil
}

func (f *squareJob) ClearResults() {
	f.mu.Lock()
	f.results = make(map[uint32]float64)
	f.mu.Unlock()
}

var _ job.Job = (*squareJob)(nil)

// TestSquareJobSmoke: result[i] = x[i]^2 + 3 for x = (0, 1, 2, 3) must
// come back as (3, 4, 7, 12) for any worker count.
func (s *IntegrationTestSuite) TestSquareJobSmoke(c *gc.C) {
	point := []float64{0, 1, 2, 3}
	want := []float64{3, 4, 7, 12}

	for _, numWorkers := range []int{1, 2, 3} {
		register := func(mgr *Manager) error {
			sj := &squareJob{b: 3, x: make([]float64, len(point)), results: make(map[uint32]float64)}
			id, err := mgr.RegisterJob(sj)
			if err != nil {
				return err
			}
			sj.id = id
			return nil
		}

		masterMgr := newSplitTestManager(c, numWorkers, register)
		jb, ok := masterMgr.JobByID(0)
		c.Assert(ok, gc.Equals, true)
		sj := jb.(*squareJob)

		for i, v := range point {
			c.Assert(masterMgr.UpdateReal(sj.ID(), uint32(i), v, false), gc.IsNil)
		}
		for i := range point {
			c.Assert(masterMgr.Enqueue(sj.ID(), uint32(i)), gc.IsNil)
		}
		c.Assert(masterMgr.Retrieve(), gc.IsNil)

		sj.mu.Lock()
		for i := range want {
			c.Assert(sj.results[uint32(i)], gc.Equals, want[i], gc.Commentf("num_workers=%d i=%d", numWorkers, i))
		}
		sj.mu.Unlock()

		c.Assert(masterMgr.Shutdown(), gc.IsNil)
	}
}
