package taskmanager

import (
	"encoding/binary"
	"math"

	"golang.org/x/xerrors"
)

// jobTask is the wire form of the (job_id, task_id) pair the queue
// manipulates; used by M2Q::enqueue and the Q2W/W2Q dequeue exchange.
type jobTask struct {
	JobID  uint32
	TaskID uint32
}

func (jt jobTask) marshal() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], jt.JobID)
	binary.LittleEndian.PutUint32(buf[4:8], jt.TaskID)
	return buf
}

func unmarshalJobTask(b []byte) (jobTask, error) {
	if len(b) != 8 {
		return jobTask{}, xerrors.Errorf("taskmanager: malformed job_task payload (%d bytes)", len(b))
	}
	return jobTask{
		JobID:  binary.LittleEndian.Uint32(b[0:4]),
		TaskID: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// updateRealMsg is the payload of M2Q::update_real / Q2W::update_real.
type updateRealMsg struct {
	JobID   uint32
	Index   uint32
	Val     float64
	IsConst bool
}

func (m updateRealMsg) marshal() []byte {
	buf := make([]byte, 17)
	binary.LittleEndian.PutUint32(buf[0:4], m.JobID)
	binary.LittleEndian.PutUint32(buf[4:8], m.Index)
	binary.LittleEndian.PutUint64(buf[8:16], uintFromFloat(m.Val))
	if m.IsConst {
		buf[16] = 1
	}
	return buf
}

func unmarshalUpdateReal(b []byte) (updateRealMsg, error) {
	if len(b) != 17 {
		return updateRealMsg{}, xerrors.Errorf("taskmanager: malformed update_real payload (%d bytes)", len(b))
	}
	return updateRealMsg{
		JobID:   binary.LittleEndian.Uint32(b[0:4]),
		Index:   binary.LittleEndian.Uint32(b[4:8]),
		Val:     floatFromUint(binary.LittleEndian.Uint64(b[8:16])),
		IsConst: b[16] != 0,
	}, nil
}

// switchWorkModeMsg is the payload of M2Q::switch_work_mode / Q2W::switch_work_mode.
type switchWorkModeMsg struct {
	Idle bool
}

func (m switchWorkModeMsg) marshal() []byte {
	if m.Idle {
		return []byte{1}
	}
	return []byte{0}
}

func unmarshalSwitchWorkMode(b []byte) (switchWorkModeMsg, error) {
	if len(b) != 1 {
		return switchWorkModeMsg{}, xerrors.Errorf("taskmanager: malformed switch_work_mode payload (%d bytes)", len(b))
	}
	return switchWorkModeMsg{Idle: b[0] != 0}, nil
}

// callDoubleConstMethodMsg is the payload of
// M2Q::call_double_const_method / Q2W::call_double_const_method.
type callDoubleConstMethodMsg struct {
	JobID    uint32
	WorkerID uint32
	Key      string
}

func (m callDoubleConstMethodMsg) marshal() []byte {
	key := []byte(m.Key)
	buf := make([]byte, 12+len(key))
	binary.LittleEndian.PutUint32(buf[0:4], m.JobID)
	binary.LittleEndian.PutUint32(buf[4:8], m.WorkerID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(key)))
	copy(buf[12:], key)
	return buf
}

func unmarshalCallDoubleConstMethod(b []byte) (callDoubleConstMethodMsg, error) {
	if len(b) < 12 {
		return callDoubleConstMethodMsg{}, xerrors.Errorf("taskmanager: malformed call_double_const_method payload (%d bytes)", len(b))
	}
	n := binary.LittleEndian.Uint32(b[8:12])
	if uint32(len(b)-12) != n {
		return callDoubleConstMethodMsg{}, xerrors.Errorf("taskmanager: call_double_const_method key length mismatch")
	}
	return callDoubleConstMethodMsg{
		JobID:    binary.LittleEndian.Uint32(b[0:4]),
		WorkerID: binary.LittleEndian.Uint32(b[4:8]),
		Key:      string(b[12:]),
	}, nil
}

// Outcome of a call_double_const_method evaluation on the worker,
// carried alongside the value so the master can distinguish a real 0.0
// from a job that couldn't answer at all.
const (
	callDoubleOK uint8 = iota
	callDoubleUnsupported
	callDoubleFailed
)

// callDoubleResultMsg is the reply to Q2W::call_double_const_method,
// relayed verbatim by the queue up to the master.
type callDoubleResultMsg struct {
	Val    float64
	Status uint8
}

func (m callDoubleResultMsg) marshal() []byte {
	buf := make([]byte, 9)
	binary.LittleEndian.PutUint64(buf[0:8], uintFromFloat(m.Val))
	buf[8] = m.Status
	return buf
}

func unmarshalCallDoubleResult(b []byte) (callDoubleResultMsg, error) {
	if len(b) != 9 {
		return callDoubleResultMsg{}, xerrors.Errorf("taskmanager: malformed call_double_const_method result payload (%d bytes)", len(b))
	}
	return callDoubleResultMsg{
		Val:    floatFromUint(binary.LittleEndian.Uint64(b[0:8])),
		Status: b[8],
	}, nil
}

// sendResultMsg is the payload of W2Q::send_result: the task being
// answered, the worker that answered it, and the job-specific result
// bytes produced by Job.SendBackTaskResultFromWorker.
type sendResultMsg struct {
	JobID    uint32
	TaskID   uint32
	WorkerID uint32
	Payload  []byte
}

func (m sendResultMsg) marshal() []byte {
	buf := make([]byte, 16+len(m.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], m.JobID)
	binary.LittleEndian.PutUint32(buf[4:8], m.TaskID)
	binary.LittleEndian.PutUint32(buf[8:12], m.WorkerID)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(m.Payload)))
	copy(buf[16:], m.Payload)
	return buf
}

func unmarshalSendResult(b []byte) (sendResultMsg, error) {
	if len(b) < 16 {
		return sendResultMsg{}, xerrors.Errorf("taskmanager: malformed send_result payload (%d bytes)", len(b))
	}
	n := binary.LittleEndian.Uint32(b[12:16])
	if uint32(len(b)-16) != n {
		return sendResultMsg{}, xerrors.Errorf("taskmanager: send_result payload length mismatch")
	}
	return sendResultMsg{
		JobID:    binary.LittleEndian.Uint32(b[0:4]),
		TaskID:   binary.LittleEndian.Uint32(b[4:8]),
		WorkerID: binary.LittleEndian.Uint32(b[8:12]),
		Payload:  append([]byte(nil), b[16:]...),
	}, nil
}

func marshalUint32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

func unmarshalUint32(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, xerrors.Errorf("taskmanager: malformed uint32 payload (%d bytes)", len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}

func uintFromFloat(f float64) uint64 { return math.Float64bits(f) }
func floatFromUint(u uint64) float64 { return math.Float64frombits(u) }
