package taskmanager

import (
	gc "gopkg.in/check.v1"

	"github.com/rootgo/minuit2p/job"
	"github.com/rootgo/minuit2p/transport"
)

var _ = gc.Suite(new(WorkerTestSuite))

// WorkerTestSuite exercises worker.go's functions directly against a
// bidiPipe, with the test standing in for the queue.
type WorkerTestSuite struct{}

func newTestWorkerManager(c *gc.C) (*Manager, *fakeJob) {
	cfg := Config{NumWorkers: 1}
	c.Assert(cfg.Validate(), gc.IsNil)
	mgr := newManager(cfg)
	fj := &fakeJob{}
	id, err := mgr.RegisterJob(fj)
	c.Assert(err, gc.IsNil)
	fj.id = id
	return mgr, fj
}

func (s *WorkerTestSuite) TestRunTaskSendsResultAndAwaitsAck(c *gc.C) {
	mgr, fj := newTestWorkerManager(c)

	p, err := newBidiPipe()
	c.Assert(err, gc.IsNil)
	workerSide := transport.NewPipeChannel(p.aR, p.aW)
	queueSide := transport.NewPipeChannel(p.bR, p.bW)

	done := make(chan error, 1)
	go func() {
		done <- runTask(mgr, 0, workerSide, jobTask{JobID: fj.ID(), TaskID: 3})
	}()

	env, err := queueSide.Recv()
	c.Assert(err, gc.IsNil)
	c.Assert(env.Tag, gc.Equals, tagW2QSendResult)
	msg, err := unmarshalSendResult(env.Payload)
	c.Assert(err, gc.IsNil)
	c.Assert(msg.JobID, gc.Equals, fj.ID())
	c.Assert(msg.TaskID, gc.Equals, uint32(3))
	v, err := unmarshalUint32(msg.Payload)
	c.Assert(err, gc.IsNil)
	c.Assert(v, gc.Equals, uint32(6))

	c.Assert(queueSide.Send(transport.Envelope{Tag: tagQ2WResultReceived}), gc.IsNil)
	c.Assert(queueSide.Flush(), gc.IsNil)

	c.Assert(<-done, gc.IsNil)
}

func (s *WorkerTestSuite) TestRunTaskFatalOnProtocolMismatch(c *gc.C) {
	mgr, fj := newTestWorkerManager(c)

	p, err := newBidiPipe()
	c.Assert(err, gc.IsNil)
	workerSide := transport.NewPipeChannel(p.aR, p.aW)
	queueSide := transport.NewPipeChannel(p.bR, p.bW)

	done := make(chan error, 1)
	go func() {
		done <- runTask(mgr, 0, workerSide, jobTask{JobID: fj.ID(), TaskID: 1})
	}()

	_, err = queueSide.Recv()
	c.Assert(err, gc.IsNil)
	c.Assert(queueSide.Send(transport.Envelope{Tag: tagQ2WDequeueRejected}), gc.IsNil)
	c.Assert(queueSide.Flush(), gc.IsNil)

	c.Assert(<-done, gc.Equals, ErrFatalProtocol)
}

func (s *WorkerTestSuite) TestHandleControlMessageUpdateReal(c *gc.C) {
	mgr, fj := newTestWorkerManager(c)
	log := discardLogger()

	p, err := newBidiPipe()
	c.Assert(err, gc.IsNil)
	workerSide := transport.NewPipeChannel(p.aR, p.aW)
	defer workerSide.Close()

	env := transport.Envelope{
		Tag:     tagQ2WUpdateReal,
		Payload: updateRealMsg{JobID: fj.ID(), Index: 2, Val: 9.5}.marshal(),
	}
	mode, stop := handleControlMessage(mgr, workerSide, log, env, job.WorkModeWork)
	c.Assert(stop, gc.Equals, false)
	c.Assert(mode, gc.Equals, job.WorkModeWork)

	got, err := fj.CallDoubleConstMethod("last")
	c.Assert(err, gc.IsNil)
	c.Assert(got, gc.Equals, 9.5)
}

func (s *WorkerTestSuite) TestHandleControlMessageSwitchWorkMode(c *gc.C) {
	mgr, _ := newTestWorkerManager(c)
	log := discardLogger()

	p, err := newBidiPipe()
	c.Assert(err, gc.IsNil)
	workerSide := transport.NewPipeChannel(p.aR, p.aW)
	defer workerSide.Close()

	toIdle := transport.Envelope{Tag: tagQ2WSwitchWorkMode, Payload: switchWorkModeMsg{Idle: true}.marshal()}
	mode, stop := handleControlMessage(mgr, workerSide, log, toIdle, job.WorkModeWork)
	c.Assert(stop, gc.Equals, false)
	c.Assert(mode, gc.Equals, job.WorkModeIdle)

	toWork := transport.Envelope{Tag: tagQ2WSwitchWorkMode, Payload: switchWorkModeMsg{Idle: false}.marshal()}
	mode, stop = handleControlMessage(mgr, workerSide, log, toWork, job.WorkModeIdle)
	c.Assert(stop, gc.Equals, false)
	c.Assert(mode, gc.Equals, job.WorkModeWork)
}

func (s *WorkerTestSuite) TestHandleControlMessageCallDoubleConstMethod(c *gc.C) {
	mgr, fj := newTestWorkerManager(c)
	log := discardLogger()
	c.Assert(fj.UpdateReal(0, 4.25, false), gc.IsNil)

	p, err := newBidiPipe()
	c.Assert(err, gc.IsNil)
	workerSide := transport.NewPipeChannel(p.aR, p.aW)
	queueSide := transport.NewPipeChannel(p.bR, p.bW)

	env := transport.Envelope{
		Tag:     tagQ2WCallDoubleConstMethod,
		Payload: callDoubleConstMethodMsg{JobID: fj.ID(), WorkerID: 0, Key: "last"}.marshal(),
	}
	mode, stop := handleControlMessage(mgr, workerSide, log, env, job.WorkModeWork)
	c.Assert(stop, gc.Equals, false)
	c.Assert(mode, gc.Equals, job.WorkModeWork)

	resultEnv, err := queueSide.Recv()
	c.Assert(err, gc.IsNil)
	c.Assert(resultEnv.Tag, gc.Equals, tagW2QCallDoubleConstMethodResult)
	res, err := unmarshalCallDoubleResult(resultEnv.Payload)
	c.Assert(err, gc.IsNil)
	c.Assert(res.Status, gc.Equals, callDoubleOK)
	c.Assert(res.Val, gc.Equals, 4.25)
}

// nonCallableJob hides fakeJob's CallDoubleConstMethod behind the plain
// job.Job interface: embedding the interface value promotes only the
// Job method set.
type nonCallableJob struct{ job.Job }

func (s *WorkerTestSuite) TestHandleControlMessageCallDoubleConstMethodUnsupported(c *gc.C) {
	cfg := Config{NumWorkers: 1}
	c.Assert(cfg.Validate(), gc.IsNil)
	mgr := newManager(cfg)

	fj := &fakeJob{}
	id, err := mgr.RegisterJob(nonCallableJob{fj})
	c.Assert(err, gc.IsNil)
	fj.id = id
	log := discardLogger()

	p, err := newBidiPipe()
	c.Assert(err, gc.IsNil)
	workerSide := transport.NewPipeChannel(p.aR, p.aW)
	queueSide := transport.NewPipeChannel(p.bR, p.bW)

	env := transport.Envelope{
		Tag:     tagQ2WCallDoubleConstMethod,
		Payload: callDoubleConstMethodMsg{JobID: fj.ID(), WorkerID: 0, Key: "last"}.marshal(),
	}
	mode, stop := handleControlMessage(mgr, workerSide, log, env, job.WorkModeWork)
	c.Assert(stop, gc.Equals, false)
	c.Assert(mode, gc.Equals, job.WorkModeWork)

	resultEnv, err := queueSide.Recv()
	c.Assert(err, gc.IsNil)
	c.Assert(resultEnv.Tag, gc.Equals, tagW2QCallDoubleConstMethodResult)
	res, err := unmarshalCallDoubleResult(resultEnv.Payload)
	c.Assert(err, gc.IsNil)
	c.Assert(res.Status, gc.Equals, callDoubleUnsupported)
}

func (s *WorkerTestSuite) TestWorkCycleDequeueRunTaskThenTerminate(c *gc.C) {
	mgr, fj := newTestWorkerManager(c)
	log := discardLogger()

	p, err := newBidiPipe()
	c.Assert(err, gc.IsNil)
	workerSide := transport.NewPipeChannel(p.aR, p.aW)
	queueSide := transport.NewPipeChannel(p.bR, p.bW)

	result := make(chan struct {
		mode job.WorkMode
		stop bool
	}, 1)
	go func() {
		mode, stop := workCycle(mgr, 0, workerSide, log)
		result <- struct {
			mode job.WorkMode
			stop bool
		}{mode, stop}
	}()

	env, err := queueSide.Recv()
	c.Assert(err, gc.IsNil)
	c.Assert(env.Tag, gc.Equals, tagW2QDequeue)
	c.Assert(queueSide.Send(transport.Envelope{Tag: tagQ2WDequeueAccepted, Payload: jobTask{JobID: fj.ID(), TaskID: 4}.marshal()}), gc.IsNil)
	c.Assert(queueSide.Flush(), gc.IsNil)

	env, err = queueSide.Recv()
	c.Assert(err, gc.IsNil)
	c.Assert(env.Tag, gc.Equals, tagW2QSendResult)
	c.Assert(queueSide.Send(transport.Envelope{Tag: tagQ2WResultReceived}), gc.IsNil)
	c.Assert(queueSide.Flush(), gc.IsNil)

	env, err = queueSide.Recv()
	c.Assert(err, gc.IsNil)
	c.Assert(env.Tag, gc.Equals, tagW2QDequeue)
	c.Assert(queueSide.Send(transport.Envelope{Tag: tagQ2WTerminate}), gc.IsNil)
	c.Assert(queueSide.Flush(), gc.IsNil)

	got := <-result
	c.Assert(got.stop, gc.Equals, true)
}
