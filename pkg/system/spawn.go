package system

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Handle is a running worker subprocess.
type Handle interface {
	PID() int
	IsAlive() bool
	Terminate() error          // graceful stop signal
	Kill() error               // forced termination
	WaitExit(d time.Duration) bool
}

// SpawnFn spawns a worker subprocess for componentID and returns its
// handle plus the read end of its heartbeat pipe.
type SpawnFn func(componentID string) (Handle, io.ReadCloser, error)

// ExecSpawner spawns workers by re-invoking this binary's hidden worker
// subcommand. The heartbeat pipe write end is inherited on fd 3.
type ExecSpawner struct {
	BinaryPath string // path to the nomarr binary (os.Executable())
	SocketPath string // daemon store socket
	LogLevel   string
	LogJSON    bool
	ExtraArgs  []string // additional worker subcommand flags
}

// Spawn implements SpawnFn.
func (s *ExecSpawner) Spawn(componentID string) (Handle, io.ReadCloser, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create heartbeat pipe: %w", err)
	}

	args := []string{
		"worker",
		"--component-id", componentID,
		"--socket", s.SocketPath,
	}
	if s.LogLevel != "" {
		args = append(args, "--log-level", s.LogLevel)
	}
	if s.LogJSON {
		args = append(args, "--log-json")
	}
	args = append(args, s.ExtraArgs...)

	cmd := exec.Command(s.BinaryPath, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{w}

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, nil, fmt.Errorf("spawn worker %s: %w", componentID, err)
	}
	// The child owns its copy of the write end now.
	w.Close()

	h := &procHandle{cmd: cmd, exited: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(h.exited)
	}()
	return h, r, nil
}

type procHandle struct {
	cmd    *exec.Cmd
	exited chan struct{}
}

func (h *procHandle) PID() int {
	return h.cmd.Process.Pid
}

func (h *procHandle) IsAlive() bool {
	select {
	case <-h.exited:
		return false
	default:
	}
	alive, err := process.PidExists(int32(h.cmd.Process.Pid))
	if err != nil {
		return true // reaped above when it actually exits
	}
	return alive
}

func (h *procHandle) Terminate() error {
	return h.cmd.Process.Signal(syscall.SIGTERM)
}

func (h *procHandle) Kill() error {
	return h.cmd.Process.Kill()
}

// WaitExit blocks until the process exits or the timeout elapses;
// reports whether it exited.
func (h *procHandle) WaitExit(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-h.exited:
		return true
	case <-timer.C:
		return false
	}
}
