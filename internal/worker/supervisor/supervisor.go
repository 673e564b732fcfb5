// Package supervisor spawns and tracks backend OS processes on a worker
// node. Each process serves a single model backend (e.g. a llama.cpp or
// vLLM server) and is indexed both by pid and by the model it serves so
// that the provisioning layer can evict everything for a model at once.
package supervisor

import (
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"

	"github.com/synaptecs/neurofleet/internal/protocol"
)

// Handle identifies one tracked backend process.
type Handle struct {
	ModelID string
	PID     int
}

type trackedProc struct {
	cmd     *exec.Cmd
	modelID string
	// stdout/stderr are retained for future log streaming.
	stdout io.ReadCloser
	stderr io.ReadCloser
}

// Supervisor tracks backend processes by pid and by model id. Both indices
// are guarded by one mutex so a spawn or terminate is never visible in one
// index without the other.
type Supervisor struct {
	mu      sync.Mutex
	byPID   map[int]*trackedProc
	byModel map[string][]int
}

// New returns an empty supervisor.
func New() *Supervisor {
	return &Supervisor{
		byPID:   make(map[int]*trackedProc),
		byModel: make(map[string][]int),
	}
}

// Spawn starts a backend process for modelID. Stdin is empty; stdout and
// stderr are captured for future log streaming. On success the process is
// tracked under both indices.
func (s *Supervisor) Spawn(command string, args []string, modelID string, env []protocol.EnvVar) (Handle, error) {
	log.Printf("supervisor: spawning backend for model %s -> %s %v", modelID, command, args)

	cmd := exec.Command(command, args...)
	// Inherit the current environment and overlay the caller's entries.
	cmd.Env = cmd.Environ()
	for _, e := range env {
		cmd.Env = append(cmd.Env, e.Key+"="+e.Value)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Handle{}, fmt.Errorf("pipe stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Handle{}, fmt.Errorf("pipe stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Handle{}, fmt.Errorf("spawn %q: %w", command, err)
	}
	pid := cmd.Process.Pid

	s.mu.Lock()
	s.byPID[pid] = &trackedProc{cmd: cmd, modelID: modelID, stdout: stdout, stderr: stderr}
	s.byModel[modelID] = append(s.byModel[modelID], pid)
	s.mu.Unlock()

	return Handle{ModelID: modelID, PID: pid}, nil
}

// TerminateByPID kills the tracked process with the given pid. Unknown
// pids are a no-op. Kill failures are logged rather than returned: the
// process may already have exited, and the tracking entry must go away
// either way.
func (s *Supervisor) TerminateByPID(pid int) {
	s.mu.Lock()
	proc, ok := s.byPID[pid]
	if ok {
		delete(s.byPID, pid)
		s.dropFromModelIndex(pid)
	}
	s.mu.Unlock()

	if !ok {
		log.Printf("supervisor: no tracked process for pid %d; nothing to terminate", pid)
		return
	}

	log.Printf("supervisor: terminating backend pid %d (model %s)", pid, proc.modelID)
	if err := proc.cmd.Process.Kill(); err != nil {
		log.Printf("supervisor: failed to kill pid %d: %v", pid, err)
	}
	// Reap asynchronously so terminated backends do not linger as zombies.
	go func() { _ = proc.cmd.Wait() }()
}

// TerminateByModel kills every tracked process serving modelID. A model
// with no tracked processes is a no-op, not an error.
func (s *Supervisor) TerminateByModel(modelID string) {
	s.mu.Lock()
	pids := append([]int(nil), s.byModel[modelID]...)
	s.mu.Unlock()

	if len(pids) == 0 {
		log.Printf("supervisor: no tracked processes for model %s; nothing to terminate", modelID)
		return
	}

	log.Printf("supervisor: terminating %d process(es) for model %s: %v", len(pids), modelID, pids)
	for _, pid := range pids {
		s.TerminateByPID(pid)
	}
}

// PIDsForModel returns the pids currently tracked for modelID.
func (s *Supervisor) PIDsForModel(modelID string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.byModel[modelID]...)
}

// Handles returns every tracked process.
func (s *Supervisor) Handles() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles := make([]Handle, 0, len(s.byPID))
	for pid, proc := range s.byPID {
		handles = append(handles, Handle{ModelID: proc.modelID, PID: pid})
	}
	return handles
}

// TerminateAll kills every tracked process. Used during worker shutdown.
func (s *Supervisor) TerminateAll() {
	for _, h := range s.Handles() {
		s.TerminateByPID(h.PID)
	}
}

// dropFromModelIndex removes pid from the model index. Callers hold s.mu.
func (s *Supervisor) dropFromModelIndex(pid int) {
	for model, pids := range s.byModel {
		kept := pids[:0]
		for _, p := range pids {
			if p != pid {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(s.byModel, model)
		} else {
			s.byModel[model] = kept
		}
	}
}
