package taskmanager

import (
	"encoding/binary"
	"sort"
	"sync"

	"golang.org/x/xerrors"

	"github.com/rootgo/minuit2p/job"
	"github.com/rootgo/minuit2p/transport"
)

// fakeJob is a minimal job.Job used by this package's tests to drive the
// manager/queue/worker wiring without depending on gradientjob. Each task
// just doubles task_id; CallDoubleConstMethod reports the last value
// applied via UpdateReal.
//
// results is written by EvaluateTask (as if on a worker) and by
// ReceiveTaskResultOnQueue (as if on the queue); ClearResults resets it,
// mirroring the queue's per-round reset in the real protocol.
// masterResults is written only by ReceiveResultsOnMaster and is never
// touched by ClearResults, so it models the separate, independent job
// replica a real master process would hold — this test runs every role
// against a single fakeJob instance in one process, and without the split
// a queue-side ClearResults racing a master-side ReceiveResultsOnMaster
// write (both legitimately concurrent here, never concurrent across real
// process boundaries) could wipe results before the test observes them.
type fakeJob struct {
	mu            sync.Mutex
	id            uint32
	lastUpdate    float64
	results       map[uint32]uint32
	masterResults map[uint32]uint32
}

const (
	fakeJobResultCount uint32 = 20000 + iota
	fakeJobResultEntry
)

func (f *fakeJob) ID() uint32 { return f.id }

func (f *fakeJob) EvaluateTask(taskID uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.results == nil {
		f.results = make(map[uint32]uint32)
	}
	f.results[taskID] = taskID * 2
	return nil
}

func (f *fakeJob) SendBackTaskResultFromWorker(taskID uint32) ([]byte, error) {
	f.mu.Lock()
	v, ok := f.results[taskID]
	f.mu.Unlock()
	if !ok {
		return nil, xerrors.Errorf("fakeJob: no result for task %d", taskID)
	}
	return marshalUint32(v), nil
}

func (f *fakeJob) ReceiveTaskResultOnQueue(taskID uint32, workerID uint32, payload []byte) error {
	v, err := unmarshalUint32(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	if f.results == nil {
		f.results = make(map[uint32]uint32)
	}
	f.results[taskID] = v
	f.mu.Unlock()
	return nil
}

func (f *fakeJob) GetTaskResult(taskID uint32) ([]byte, error) {
	f.mu.Lock()
	v, ok := f.results[taskID]
	f.mu.Unlock()
	if !ok {
		return nil, xerrors.Errorf("fakeJob: no result recorded for task %d", taskID)
	}
	return marshalUint32(v), nil
}

func (f *fakeJob) UpdateReal(i uint32, val float64, isConst bool) error {
	f.mu.Lock()
	f.lastUpdate = val
	f.mu.Unlock()
	return nil
}

func (f *fakeJob) SendBackResultsFromQueueToMaster(ch transport.Channel) error {
	f.mu.Lock()
	ids := make([]uint32, 0, len(f.results))
	for id := range f.results {
		ids = append(ids, id)
	}
	results := f.results
	f.mu.Unlock()
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	if err := ch.Send(transport.Envelope{Tag: fakeJobResultCount, Payload: marshalUint32(uint32(len(ids)))}); err != nil {
		return err
	}
	if err := ch.Flush(); err != nil {
		return err
	}
	for _, id := range ids {
		payload := append(marshalUint32(id), marshalUint32(results[id])...)
		if err := ch.Send(transport.Envelope{Tag: fakeJobResultEntry, Payload: payload}); err != nil {
			return err
		}
		if err := ch.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeJob) ReceiveResultsOnMaster(ch transport.Channel) error {
	countEnv, err := ch.Recv()
	if err != nil {
		return err
	}
	if countEnv.Tag != fakeJobResultCount {
		return xerrors.Errorf("fakeJob: expected result count, got tag %d", countEnv.Tag)
	}
	n, err := unmarshalUint32(countEnv.Payload)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.masterResults == nil {
		f.masterResults = make(map[uint32]uint32)
	}
	for k := uint32(0); k < n; k++ {
		env, err := ch.Recv()
		if err != nil {
			return err
		}
		if env.Tag != fakeJobResultEntry {
			return xerrors.Errorf("fakeJob: expected result entry, got tag %d", env.Tag)
		}
		if len(env.Payload) != 8 {
			return xerrors.Errorf("fakeJob: malformed result entry (%d bytes)", len(env.Payload))
		}
		taskID := binary.LittleEndian.Uint32(env.Payload[:4])
		v := binary.LittleEndian.Uint32(env.Payload[4:8])
		f.masterResults[taskID] = v
	}
	return nil
}

func (f *fakeJob) ClearResults() {
	f.mu.Lock()
	f.results = make(map[uint32]uint32)
	f.mu.Unlock()
}

func (f *fakeJob) CallDoubleConstMethod(key string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastUpdate, nil
}

func (f *fakeJob) masterResult(taskID uint32) (uint32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.masterResults[taskID]
	return v, ok
}

type fakeProcHandle struct{}

func (fakeProcHandle) Wait() error { return nil }

var _ job.Job = (*fakeJob)(nil)
var _ job.CallableByDouble = (*fakeJob)(nil)
var _ procHandle = fakeProcHandle{}
