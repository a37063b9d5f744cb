package taskmanager

import (
	"github.com/sirupsen/logrus"

	"github.com/rootgo/minuit2p/job"
	"github.com/rootgo/minuit2p/transport"
)

// runWorkerLoop is the body of a worker process: a binary mode
// (work/idle) that either actively dequeues
// and evaluates tasks, or blocks processing only state updates. It
// returns once Q2W::terminate arrives or the queue pipe fails; the
// caller (Bootstrap) exits the process afterward with code 0, matching
// "terminate exits the worker process with code 0."
func runWorkerLoop(mgr *Manager, workerID uint32, ch transport.Channel) {
	log := mgr.cfg.Logger.WithFields(logrus.Fields{"role": "worker", "worker_id": workerID})

	if mgr.cfg.PinToCPUs {
		pinCurrentProcess(log, int(workerID))
	}

	mode := job.WorkModeWork
	for {
		var stop bool
		switch mode {
		case job.WorkModeWork:
			mode, stop = workCycle(mgr, workerID, ch, log)
		case job.WorkModeIdle:
			mode, stop = idleCycle(mgr, workerID, ch, log)
		}
		if stop {
			_ = ch.Close()
			return
		}
	}
}

// workCycle implements the work-mode half of the worker loop: send
// dequeue, await a response. On dequeue_accepted, evaluate the task and
// report the result; on dequeue_rejected, send dequeue again at once.
// The worker does not wait for a further queue message before
// re-sending, so while the queue's FIFO is empty the worker and the
// queue keep trading dequeue and dequeue_rejected messages. A control
// message arriving instead of a dequeue reply (the queue fans those out
// regardless of worker mode) is handled inline.
func workCycle(mgr *Manager, workerID uint32, ch transport.Channel, log *logrus.Entry) (job.WorkMode, bool) {
	for {
		if err := ch.Send(transport.Envelope{Tag: tagW2QDequeue}); err != nil {
			log.WithError(err).Error("taskmanager: dequeue send failed")
			return job.WorkModeWork, true
		}
		if err := ch.Flush(); err != nil {
			log.WithError(err).Error("taskmanager: dequeue flush failed")
			return job.WorkModeWork, true
		}

		// Exactly one dequeue request is outstanding from here until its
		// accepted/rejected reply arrives; control messages that land in
		// the meantime are handled without issuing a second request, or a
		// later reply would collide with the send_result handshake.
	awaitReply:
		for {
			env, err := ch.Recv()
			if err != nil {
				log.WithError(err).Warn("taskmanager: queue pipe closed")
				return job.WorkModeWork, true
			}

			switch env.Tag {
			case tagQ2WDequeueRejected:
				break awaitReply

			case tagQ2WDequeueAccepted:
				jt, err := unmarshalJobTask(env.Payload)
				if err != nil {
					log.WithError(err).Error("taskmanager: malformed dequeue_accepted")
					return job.WorkModeWork, true
				}
				if err := runTask(mgr, workerID, ch, jt); err != nil {
					log.WithError(err).WithFields(logrus.Fields{
						"job_id":  jt.JobID,
						"task_id": jt.TaskID,
					}).Error("taskmanager: task execution failed")
					return job.WorkModeWork, true
				}
				break awaitReply

			case tagQ2WTerminate:
				return job.WorkModeWork, true

			case tagQ2WUpdateReal, tagQ2WSwitchWorkMode, tagQ2WCallDoubleConstMethod:
				next, stop := handleControlMessage(mgr, ch, log, env, job.WorkModeWork)
				if stop {
					return job.WorkModeWork, true
				}
				if next == job.WorkModeIdle {
					// The pending reply becomes a stale acknowledgement;
					// idleCycle quietly consumes it.
					return job.WorkModeIdle, false
				}

			default:
				log.WithField("tag", env.Tag).Error("taskmanager: unexpected Q2W tag in work mode")
			}
		}
	}
}

// idleCycle implements the idle-mode half: block on the pipe, process
// state updates, and quietly consume stale dequeue-class acknowledgements
// left over from a request made before the mode switch took effect.
func idleCycle(mgr *Manager, workerID uint32, ch transport.Channel, log *logrus.Entry) (job.WorkMode, bool) {
	for {
		env, err := ch.Recv()
		if err != nil {
			log.WithError(err).Warn("taskmanager: queue pipe closed")
			return job.WorkModeIdle, true
		}

		switch env.Tag {
		case tagQ2WTerminate:
			return job.WorkModeIdle, true

		case tagQ2WUpdateReal, tagQ2WSwitchWorkMode, tagQ2WCallDoubleConstMethod:
			next, stop := handleControlMessage(mgr, ch, log, env, job.WorkModeIdle)
			if stop {
				return job.WorkModeIdle, true
			}
			if next == job.WorkModeWork {
				return job.WorkModeWork, false
			}

		case tagQ2WDequeueAccepted, tagQ2WDequeueRejected, tagQ2WResultReceived:
			continue

		default:
			log.WithField("tag", env.Tag).Error("taskmanager: unexpected Q2W tag in idle mode")
		}
	}
}

// handleControlMessage applies one of update_real/switch_work_mode/
// call_double_const_method, valid in either worker mode. currentMode is
// returned unchanged unless the message is switch_work_mode.
func handleControlMessage(mgr *Manager, ch transport.Channel, log *logrus.Entry, env transport.Envelope, currentMode job.WorkMode) (job.WorkMode, bool) {
	switch env.Tag {
	case tagQ2WUpdateReal:
		msg, err := unmarshalUpdateReal(env.Payload)
		if err != nil {
			log.WithError(err).Error("taskmanager: malformed update_real")
			return currentMode, false
		}
		jb, ok := mgr.jobByID(msg.JobID)
		if !ok {
			log.WithField("job_id", msg.JobID).Error("taskmanager: update_real for unknown job")
			return currentMode, false
		}
		if err := jb.UpdateReal(msg.Index, msg.Val, msg.IsConst); err != nil {
			log.WithError(err).Error("taskmanager: update_real failed")
		}
		return currentMode, false

	case tagQ2WSwitchWorkMode:
		msg, err := unmarshalSwitchWorkMode(env.Payload)
		if err != nil {
			log.WithError(err).Error("taskmanager: malformed switch_work_mode")
			return currentMode, false
		}
		if msg.Idle {
			return job.WorkModeIdle, false
		}
		return job.WorkModeWork, false

	case tagQ2WCallDoubleConstMethod:
		msg, err := unmarshalCallDoubleConstMethod(env.Payload)
		if err != nil {
			log.WithError(err).Error("taskmanager: malformed call_double_const_method")
			return currentMode, false
		}
		reply := callDoubleResultMsg{Status: callDoubleFailed}
		if jb, ok := mgr.jobByID(msg.JobID); ok {
			if callable, ok2 := jb.(job.CallableByDouble); ok2 {
				v, err := callable.CallDoubleConstMethod(msg.Key)
				if err != nil {
					log.WithError(err).Error("taskmanager: call_double_const_method failed")
				} else {
					reply = callDoubleResultMsg{Val: v, Status: callDoubleOK}
				}
			} else {
				log.WithField("job_id", msg.JobID).Error("taskmanager: job does not support call_double_const_method")
				reply.Status = callDoubleUnsupported
			}
		} else {
			log.WithField("job_id", msg.JobID).Error("taskmanager: call_double_const_method for unknown job")
		}
		_ = ch.Send(transport.Envelope{Tag: tagW2QCallDoubleConstMethodResult, Payload: reply.marshal()})
		_ = ch.Flush()
		return currentMode, false

	default:
		return currentMode, false
	}
}

// runTask evaluates a dequeued task and reports its result over the
// send_result/result_received handshake: invoke the addressed job's
// EvaluateTask, send the result bytes, then await the result_received
// acknowledgement. Any other reply is a fatal protocol violation.
func runTask(mgr *Manager, workerID uint32, ch transport.Channel, jt jobTask) error {
	jb, ok := mgr.jobByID(jt.JobID)
	if !ok {
		return ErrUnknownJob
	}
	if err := jb.EvaluateTask(jt.TaskID); err != nil {
		return err
	}
	payload, err := jb.SendBackTaskResultFromWorker(jt.TaskID)
	if err != nil {
		return err
	}

	msg := sendResultMsg{JobID: jt.JobID, TaskID: jt.TaskID, WorkerID: workerID, Payload: payload}
	if err := ch.Send(transport.Envelope{Tag: tagW2QSendResult, Payload: msg.marshal()}); err != nil {
		return err
	}
	if err := ch.Flush(); err != nil {
		return err
	}

	env, err := ch.Recv()
	if err != nil {
		return err
	}
	if env.Tag != tagQ2WResultReceived {
		return ErrFatalProtocol
	}
	return nil
}
