package taskmanager

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rootgo/minuit2p/transport"
)

// queueState is the FIFO of pending JobTasks plus the completion
// counters the retrieve handshake checks. It is owned exclusively by the
// queue process: it never crosses a process boundary and needs no
// locking, since only runQueueLoop ever touches it.
type queueState struct {
	log           *logrus.Entry
	fifo          []jobTask
	nTasks        uint32
	nCompleted    uint32
	failedWorkers int
}

// runQueueLoop is the body of the queue process: poll the master pipe and every worker pipe with infinite
// timeout, dispatch one framed message per readable pipe, repeat until
// M2Q::terminate. It returns when terminate is received, when the master
// pipe fails, or when poll itself fails; a failed worker pipe is only
// dropped from the poll set. On the way out it fans out worker
// terminates, matching the "queue, on receiving terminate, fans out
// worker terminates and exits" shutdown contract.
func runQueueLoop(mgr *Manager, masterCh transport.Channel, workerChs []transport.Channel) {
	log := mgr.cfg.Logger.WithField("role", "queue")
	q := &queueState{log: log}

	if mgr.cfg.PinToCPUs {
		pinCurrentProcess(log, mgr.cfg.NumWorkers)
	}

	entries := make([]transport.PollEntry, 0, 1+len(workerChs))
	entries = append(entries, transport.PollEntry{Channel: masterCh, Events: transport.PollReadable})
	for _, wc := range workerChs {
		entries = append(entries, transport.PollEntry{Channel: wc, Events: transport.PollReadable})
	}

loop:
	for {
		// Infinite timeout: the queue loop suspends only inside poll,
		// never busy-waits.
		if _, err := transport.Poll(entries, 0*time.Second); err != nil {
			log.WithError(err).Error("taskmanager: poll failed")
			break
		}

		if entries[0].Ready {
			entries[0].Ready = false
			if q.handleMasterMessage(mgr, masterCh, workerChs) {
				break loop
			}
		}
		for k := range workerChs {
			if !entries[k+1].Ready {
				continue
			}
			entries[k+1].Ready = false
			if failed := q.handleWorkerMessage(mgr, uint32(k), workerChs[k]); failed {
				// A dead pipe reports ready forever; stop polling it so
				// the loop doesn't spin, and remember the loss so a
				// pending retrieve can fail instead of stalling.
				entries[k+1].Events = 0
				q.failedWorkers++
			}
		}
	}

	for _, wc := range workerChs {
		_ = wc.Send(transport.Envelope{Tag: tagQ2WTerminate})
		_ = wc.Flush()
		_ = wc.Close()
	}
	_ = masterCh.Close()
}

// handleMasterMessage reads and dispatches exactly one M2Q message. It
// returns true once M2Q::terminate has broken the loop.
func (q *queueState) handleMasterMessage(mgr *Manager, masterCh transport.Channel, workerChs []transport.Channel) bool {
	env, err := masterCh.Recv()
	if err != nil {
		q.log.WithError(err).Warn("taskmanager: master pipe closed")
		return true
	}

	switch env.Tag {
	case tagM2QTerminate:
		return true

	case tagM2QEnqueue:
		jt, err := unmarshalJobTask(env.Payload)
		if err != nil {
			q.log.WithError(err).Error("taskmanager: malformed enqueue")
			return false
		}
		q.fifo = append(q.fifo, jt)
		q.nTasks++
		q.log.WithFields(logrus.Fields{"job_id": jt.JobID, "task_id": jt.TaskID}).Debug("taskmanager: enqueued task")

	case tagM2QRetrieve:
		q.handleRetrieve(mgr, masterCh)

	case tagM2QUpdateReal:
		q.log.WithField("tag", "update_real").Debug("taskmanager: fan out")
		q.fanOut(workerChs, tagQ2WUpdateReal, env.Payload)

	case tagM2QSwitchWorkMode:
		q.log.WithField("tag", "switch_work_mode").Debug("taskmanager: fan out")
		q.fanOut(workerChs, tagQ2WSwitchWorkMode, env.Payload)

	case tagM2QCallDoubleConstMethod:
		q.handleCallDoubleConstMethod(masterCh, workerChs, env.Payload)

	default:
		q.log.WithField("tag", env.Tag).Error("taskmanager: unexpected M2Q tag")
	}
	return false
}

func (q *queueState) fanOut(workerChs []transport.Channel, tag uint32, payload []byte) {
	for k, wc := range workerChs {
		if err := wc.Send(transport.Envelope{Tag: tag, Payload: payload}); err != nil {
			q.log.WithField("worker_id", k).WithError(err).Error("taskmanager: fan-out send failed")
			continue
		}
		if err := wc.Flush(); err != nil {
			q.log.WithField("worker_id", k).WithError(err).Error("taskmanager: fan-out flush failed")
		}
	}
}

// handleRetrieve implements the queue side of the retrieve handshake: if
// the queue is empty and every enqueued task has completed, answer
// retrieve_accepted and stream (N_jobs, per-job results), resetting the
// completion counters; otherwise answer retrieve_rejected.
func (q *queueState) handleRetrieve(mgr *Manager, masterCh transport.Channel) {
	if len(q.fifo) != 0 || q.nCompleted != q.nTasks {
		// With a worker gone, outstanding tasks can never all complete:
		// fail the retrieve rather than reject forever.
		tag := tagQ2MRetrieveRejected
		if q.failedWorkers > 0 {
			tag = tagQ2MWorkerFailed
		}
		_ = masterCh.Send(transport.Envelope{Tag: tag})
		_ = masterCh.Flush()
		return
	}

	ids := mgr.sortedJobIDs()
	if err := masterCh.Send(transport.Envelope{Tag: tagQ2MRetrieveAccepted, Payload: marshalUint32(uint32(len(ids)))}); err != nil {
		q.log.WithError(err).Error("taskmanager: send retrieve_accepted failed")
		return
	}
	if err := masterCh.Flush(); err != nil {
		q.log.WithError(err).Error("taskmanager: flush retrieve_accepted failed")
		return
	}

	for _, id := range ids {
		if err := masterCh.Send(transport.Envelope{Tag: tagQ2MJobResultHeader, Payload: marshalUint32(id)}); err != nil {
			q.log.WithError(err).Error("taskmanager: send job result header failed")
			return
		}
		if err := masterCh.Flush(); err != nil {
			q.log.WithError(err).Error("taskmanager: flush job result header failed")
			return
		}
		jb, ok := mgr.jobByID(id)
		if !ok {
			continue
		}
		if err := jb.SendBackResultsFromQueueToMaster(masterCh); err != nil {
			q.log.WithField("job_id", id).WithError(err).Error("taskmanager: send results failed")
			continue
		}
		jb.ClearResults()
	}

	q.nTasks = 0
	q.nCompleted = 0
}

// handleWorkerMessage reads and dispatches exactly one W2Q message from
// worker workerID. It reports true when the worker's pipe has failed
// and must no longer be polled.
func (q *queueState) handleWorkerMessage(mgr *Manager, workerID uint32, wc transport.Channel) bool {
	env, err := wc.Recv()
	if err != nil {
		q.log.WithField("worker_id", workerID).WithError(err).Warn("taskmanager: worker pipe closed")
		return true
	}

	switch env.Tag {
	case tagW2QDequeue:
		q.handleDequeue(wc)

	case tagW2QSendResult:
		q.handleSendResult(mgr, wc, env.Payload)

	default:
		q.log.WithFields(logrus.Fields{"worker_id": workerID, "tag": env.Tag}).Error("taskmanager: unexpected W2Q tag")
	}
	return false
}

func (q *queueState) handleDequeue(wc transport.Channel) {
	if len(q.fifo) == 0 {
		_ = wc.Send(transport.Envelope{Tag: tagQ2WDequeueRejected})
		_ = wc.Flush()
		return
	}
	jt := q.fifo[0]
	q.fifo = q.fifo[1:]
	_ = wc.Send(transport.Envelope{Tag: tagQ2WDequeueAccepted, Payload: jt.marshal()})
	_ = wc.Flush()
}

func (q *queueState) handleSendResult(mgr *Manager, wc transport.Channel, payload []byte) {
	msg, err := unmarshalSendResult(payload)
	if err != nil {
		q.log.WithError(err).Error("taskmanager: malformed send_result")
		return
	}
	jb, ok := mgr.jobByID(msg.JobID)
	if !ok {
		q.log.WithField("job_id", msg.JobID).Error("taskmanager: send_result for unknown job")
		return
	}
	if err := jb.ReceiveTaskResultOnQueue(msg.TaskID, msg.WorkerID, msg.Payload); err != nil {
		q.log.WithError(err).Error("taskmanager: receive_task_result_on_queue failed")
		return
	}
	q.nCompleted++
	_ = wc.Send(transport.Envelope{Tag: tagQ2WResultReceived})
	_ = wc.Flush()
}

// handleCallDoubleConstMethod forwards key to the addressed worker,
// blocks for its reply and relays the value to the master. This is the
// one place the queue loop
// synchronously waits on a single worker pipe rather than draining
// whichever pipe poll reported ready. A worker in work mode keeps one
// dequeue request outstanding, so that request can reach the queue ahead
// of the reply; it is answered here as usual while waiting. Any other
// message in that position is logged and nothing is relayed.
func (q *queueState) handleCallDoubleConstMethod(masterCh transport.Channel, workerChs []transport.Channel, payload []byte) {
	msg, err := unmarshalCallDoubleConstMethod(payload)
	if err != nil {
		q.log.WithError(err).Error("taskmanager: malformed call_double_const_method")
		return
	}
	if int(msg.WorkerID) >= len(workerChs) {
		q.log.WithField("worker_id", msg.WorkerID).Error("taskmanager: call_double_const_method targets unknown worker")
		return
	}

	wc := workerChs[msg.WorkerID]
	if err := wc.Send(transport.Envelope{Tag: tagQ2WCallDoubleConstMethod, Payload: payload}); err != nil {
		q.log.WithError(err).Error("taskmanager: forward call_double_const_method failed")
		return
	}
	if err := wc.Flush(); err != nil {
		q.log.WithError(err).Error("taskmanager: flush call_double_const_method failed")
		return
	}

	env, err := wc.Recv()
	for err == nil && env.Tag == tagW2QDequeue {
		q.handleDequeue(wc)
		env, err = wc.Recv()
	}
	if err != nil {
		q.log.WithField("worker_id", msg.WorkerID).WithError(err).Error("taskmanager: call_double_const_method: worker pipe failed")
		return
	}
	if env.Tag != tagW2QCallDoubleConstMethodResult {
		q.log.WithField("tag", env.Tag).Error("taskmanager: expected double result from worker")
		return
	}

	_ = masterCh.Send(transport.Envelope{Tag: tagQ2MCallDoubleConstMethodResult, Payload: env.Payload})
	_ = masterCh.Flush()
}
