// Package procrole encodes which of master/queue/worker[k] role a
// re-exec'd process should assume, handed down from the parent via an
// environment variable since the child is a freshly started binary, not
// a memory-copy of the parent (Go cannot safely fork() a running
// multi-threaded runtime, so "forking" here means exec'ing a fresh copy
// of the same binary and telling it who it is).
package procrole

import (
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// EnvVar is the environment variable a re-exec'd child inspects at
// startup to learn its role.
const EnvVar = "MINUIT2P_PROC_ROLE"

// Kind identifies which of the three process roles a process plays.
type Kind int

const (
	// Master is the original, un-re-exec'd process. It is the default
	// when EnvVar is unset.
	Master Kind = iota
	Queue
	Worker
)

func (k Kind) String() string {
	switch k {
	case Master:
		return "master"
	case Queue:
		return "queue"
	case Worker:
		return "worker"
	default:
		return "unknown"
	}
}

// Role is the decoded role of the current process.
type Role struct {
	Kind     Kind
	WorkerID uint32 // only meaningful when Kind == Worker
}

// Encode formats a Role for EnvVar.
func Encode(r Role) string {
	switch r.Kind {
	case Queue:
		return "queue"
	case Worker:
		return "worker:" + strconv.FormatUint(uint64(r.WorkerID), 10)
	default:
		return "master"
	}
}

// Decode parses the value of EnvVar. An empty string decodes to Master,
// matching a process that was started normally rather than re-exec'd.
func Decode(s string) (Role, error) {
	if s == "" || s == "master" {
		return Role{Kind: Master}, nil
	}
	if s == "queue" {
		return Role{Kind: Queue}, nil
	}
	if rest := strings.TrimPrefix(s, "worker:"); rest != s {
		id, err := strconv.ParseUint(rest, 10, 32)
		if err != nil {
			return Role{}, xerrors.Errorf("procrole: malformed worker role %q: %w", s, err)
		}
		return Role{Kind: Worker, WorkerID: uint32(id)}, nil
	}
	return Role{}, xerrors.Errorf("procrole: unrecognized role %q", s)
}
