package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiaden/nomarr/pkg/docstore"
)

// heartbeatFD is the inherited pipe write end in the spawned worker.
const heartbeatFD = 3

// Main is the worker subprocess entry point: connect to the daemon's
// store socket, attach the heartbeat pipe inherited on fd 3, and run
// the discovery loop until signalled. The returned error (if any) makes
// the subprocess exit non-zero, which the health monitor observes as a
// death.
func Main(socketPath string, pipeline Pipeline, hbInterval time.Duration, cfg Config) error {
	client, err := docstore.Dial(socketPath)
	if err != nil {
		return fmt.Errorf("worker %s: %w", cfg.ComponentID, err)
	}
	defer client.Close()

	pipe := os.NewFile(heartbeatFD, "heartbeat")
	if pipe == nil {
		return errors.New("heartbeat pipe not inherited on fd 3")
	}

	hb := NewHeartbeat(pipe, hbInterval)
	hb.Start()
	defer hb.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := New(client, pipeline, hb, cfg)
	return w.Run(ctx)
}
