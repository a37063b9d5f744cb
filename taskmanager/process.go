package taskmanager

import (
	"os"
	"os/exec"

	"golang.org/x/xerrors"

	"github.com/rootgo/minuit2p/internal/procrole"
	"github.com/rootgo/minuit2p/transport"
)

// spawnedProcess tracks a re-exec'd child's command together with the
// Channel this process uses to talk to it.
type spawnedProcess struct {
	cmd     *exec.Cmd
	channel transport.Channel
}

// reexecSelf resolves the path to the currently running binary so a
// child can be started from a fresh copy of it. Go cannot safely fork()
// a running multi-threaded runtime, so "forking" a queue or worker
// means exec'ing this same binary again and telling it, via
// procrole.EnvVar, which role to assume — the same re-exec idiom used
// by container runtimes that need a fresh, single-purpose process image.
func reexecSelf() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", xerrors.Errorf("taskmanager: resolve self: %w", err)
	}
	return exe, nil
}

// spawnWorker forks worker k: it inherits only its own queue<->worker[k]
// pipe, passed as fds 3 and 4 (ExtraFiles[0], ExtraFiles[1]).
func (m *Manager) spawnWorker(workerID int, pipe *bidiPipe) (*exec.Cmd, error) {
	exe, err := reexecSelf()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), procrole.EnvVar+"="+procrole.Encode(procrole.Role{Kind: procrole.Worker, WorkerID: uint32(workerID)}))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{pipe.bR, pipe.bW}
	if err := cmd.Start(); err != nil {
		return nil, xerrors.Errorf("taskmanager: spawn worker %d: %w", workerID, err)
	}
	return cmd, nil
}

// spawnQueue forks the queue process: it inherits the queue side of the
// master pipe plus the queue side of every worker pipe, in a fixed fd
// order so Bootstrap can reconstruct them deterministically:
// [masterQueue.b, queueWorker[0].a, queueWorker[1].a, ...].
func (m *Manager) spawnQueue(t *topology) (*exec.Cmd, error) {
	exe, err := reexecSelf()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), procrole.EnvVar+"="+procrole.Encode(procrole.Role{Kind: procrole.Queue}))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	files := make([]*os.File, 0, 2+2*len(t.queueWorker))
	files = append(files, t.masterQueue.bR, t.masterQueue.bW)
	for _, qw := range t.queueWorker {
		files = append(files, qw.aR, qw.aW)
	}
	cmd.ExtraFiles = files

	if err := cmd.Start(); err != nil {
		return nil, xerrors.Errorf("taskmanager: spawn queue: %w", err)
	}
	return cmd, nil
}

// Bootstrap is called unconditionally at the top of main() by every
// process image, master included. It inspects procrole.EnvVar:
//
//   - Master (unset, the normal case): registerJobs runs to populate the
//     job registry of the *Manager that Bootstrap builds, and Bootstrap
//     returns that Manager for the caller to drive.
//   - Queue/Worker: registerJobs runs so this process ends up with the
//     identical job registry the master has (job construction is
//     expected to be deterministic — the same registerJobs code produces
//     the same jobs in every process, which is how a re-exec'd process
//     substitutes for the shared-memory job table a real fork() would
//     have inherited), then Bootstrap reconstructs this process's
//     Channels from the inherited file descriptors and runs the queue
//     or worker loop forever. Bootstrap never returns in this case; the
//     process exits from inside the loop.
func Bootstrap(cfg Config, registerJobs func(*Manager) error) (*Manager, error) {
	role, err := procrole.Decode(os.Getenv(procrole.EnvVar))
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mgr := newManager(cfg)

	if registerJobs != nil {
		if err := registerJobs(mgr); err != nil {
			return nil, xerrors.Errorf("taskmanager: register jobs: %w", err)
		}
	}

	switch role.Kind {
	case procrole.Master:
		return mgr, nil
	case procrole.Queue:
		ch := childQueueChannel(mgr.cfg.NumWorkers)
		runQueueLoop(mgr, ch.master, ch.workers)
		os.Exit(0)
	case procrole.Worker:
		ch := childWorkerChannel()
		runWorkerLoop(mgr, role.WorkerID, ch)
		os.Exit(0)
	}
	return nil, xerrors.Errorf("taskmanager: unreachable role %v", role.Kind)
}

type queueChannels struct {
	master  transport.Channel
	workers []transport.Channel
}

// childQueueChannel reconstructs the queue process's Channels from its
// inherited file descriptors, in the exact order spawnQueue wrote them:
// fd 3/4 = master pipe, then pairs of fds for each worker pipe.
func childQueueChannel(numWorkers int) *queueChannels {
	const firstExtraFD = 3
	masterR := os.NewFile(uintptr(firstExtraFD), "master-r")
	masterW := os.NewFile(uintptr(firstExtraFD+1), "master-w")
	master := transport.NewPipeChannel(masterR, masterW)

	workers := make([]transport.Channel, numWorkers)
	for k := 0; k < numWorkers; k++ {
		base := firstExtraFD + 2 + 2*k
		r := os.NewFile(uintptr(base), "worker-r")
		w := os.NewFile(uintptr(base+1), "worker-w")
		workers[k] = transport.NewPipeChannel(r, w)
	}
	return &queueChannels{master: master, workers: workers}
}

// childWorkerChannel reconstructs a worker process's single Channel to
// the queue from its two inherited file descriptors.
func childWorkerChannel() transport.Channel {
	const firstExtraFD = 3
	r := os.NewFile(uintptr(firstExtraFD), "queue-r")
	w := os.NewFile(uintptr(firstExtraFD+1), "queue-w")
	return transport.NewPipeChannel(r, w)
}
