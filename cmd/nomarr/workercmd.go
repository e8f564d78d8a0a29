package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaden/nomarr/pkg/worker"
)

// toxicExitCode is the pipeline command's way of declaring a file bad:
// the file gets parked instead of the failure counting against the
// worker.
const toxicExitCode = 3

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one worker subprocess (spawned by the daemon)",
	Hidden: true,
	RunE:   runWorker,
}

func init() {
	workerCmd.Flags().String("component-id", "", "Component id assigned by the daemon")
	workerCmd.Flags().String("socket", "", "Daemon store socket path")
	workerCmd.Flags().String("pipeline-cmd", "", "Command invoked per file")
	workerCmd.Flags().String("pipeline-version", "", "Pipeline version recorded on tagged files")
	workerCmd.Flags().Int("heartbeat-interval", 5, "Heartbeat cadence in seconds")
	workerCmd.MarkFlagRequired("component-id")
	workerCmd.MarkFlagRequired("socket")
}

func runWorker(cmd *cobra.Command, args []string) error {
	componentID, _ := cmd.Flags().GetString("component-id")
	socket, _ := cmd.Flags().GetString("socket")
	pipelineCmd, _ := cmd.Flags().GetString("pipeline-cmd")
	pipelineVersion, _ := cmd.Flags().GetString("pipeline-version")
	hbSeconds, _ := cmd.Flags().GetInt("heartbeat-interval")

	pipeline := &execPipeline{
		command: pipelineCmd,
		version: pipelineVersion,
	}

	return worker.Main(
		socket,
		pipeline,
		time.Duration(hbSeconds)*time.Second,
		worker.Config{ComponentID: componentID},
	)
}

// execPipeline runs the configured tagging command once per file. The
// ML backend lives behind that command; this process only cares about
// its exit status.
type execPipeline struct {
	command string
	version string
}

func (p *execPipeline) Process(ctx context.Context, fileKey string) error {
	if p.command == "" {
		return errors.New("no pipeline command configured")
	}
	cmd := exec.CommandContext(ctx, p.command, fileKey)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == toxicExitCode {
		return fmt.Errorf("%w: pipeline rejected %s: %s", worker.ErrToxicFile, fileKey, firstLine(out))
	}
	return fmt.Errorf("pipeline command: %w: %s", err, firstLine(out))
}

func (p *execPipeline) Version() string {
	return p.version
}

func firstLine(out []byte) string {
	for i, b := range out {
		if b == '\n' {
			return string(out[:i])
		}
	}
	return string(out)
}
