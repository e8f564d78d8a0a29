package worker

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/xiaden/nomarr/pkg/health"
	"github.com/xiaden/nomarr/pkg/types"
)

// Heartbeat emits liveness frames on a dedicated goroutine while the
// worker loop does its work. On graceful stop it writes a stopping
// frame and closes the pipe.
type Heartbeat struct {
	w        io.WriteCloser
	interval time.Duration
	pid      int

	mu         sync.Mutex
	currentJob string

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewHeartbeat creates a heartbeat emitter over the pipe write end.
func NewHeartbeat(w io.WriteCloser, interval time.Duration) *Heartbeat {
	return &Heartbeat{
		w:        w,
		interval: interval,
		pid:      os.Getpid(),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start writes the initial frame and begins the emit loop.
func (h *Heartbeat) Start() {
	h.emit(string(types.StatusHealthy))
	go h.run()
}

// SetJob records the key of the in-flight file; it rides on every
// subsequent frame so the monitor can attribute a crash to it.
func (h *Heartbeat) SetJob(fileKey string) {
	h.mu.Lock()
	h.currentJob = fileKey
	h.mu.Unlock()
}

// Stop writes a stopping frame and closes the pipe. Safe to call more
// than once.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		<-h.done
		h.emit(string(types.StatusStopping))
		h.w.Close()
	})
}

func (h *Heartbeat) run() {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.emit(string(types.StatusHealthy))
		case <-h.stopCh:
			return
		}
	}
}

func (h *Heartbeat) emit(status string) {
	h.mu.Lock()
	job := h.currentJob
	h.mu.Unlock()

	// A failed write means the monitor side is gone; the loop will be
	// torn down shortly, nothing useful to do here.
	_ = health.WriteFrame(h.w, types.Frame{
		Status:     status,
		PID:        h.pid,
		CurrentJob: job,
	})
}
