package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xiaden/nomarr/pkg/calibration"
	"github.com/xiaden/nomarr/pkg/config"
	"github.com/xiaden/nomarr/pkg/docstore"
	"github.com/xiaden/nomarr/pkg/types"
)

// openStore connects to a running daemon's socket, falling back to
// opening the database directly when no daemon is up.
func openStore() (docstore.Interface, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}

	if client, err := docstore.Dial(cfg.SocketPath); err == nil {
		return client, func() { client.Close() }, nil
	}

	store, err := docstore.Open(cfg.DataDir, docstore.CoreCollections()...)
	if err != nil {
		return nil, nil, fmt.Errorf("no daemon socket and %w", err)
	}
	return store, func() { store.Close() }, nil
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Inspect and control the worker pool",
}

var workersStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show worker statuses and restart counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, closeFn, err := openStore()
		if err != nil {
			return err
		}
		defer closeFn()

		enabled, err := docstore.NewMeta(db).WorkerEnabled()
		if err != nil {
			return err
		}
		fmt.Printf("Worker system enabled: %v\n\n", enabled)

		healthDocs, err := docstore.NewCollection(db, docstore.CollHealth).Find(nil)
		if err != nil {
			return err
		}
		records := docstore.NewCollection(db, docstore.CollRestartPolicy)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "COMPONENT\tSTATUS\tPID\tCURRENT JOB\tRESTARTS\tFAILURE")
		for _, doc := range healthDocs {
			rec, err := docstore.As[types.HealthRecord](doc)
			if err != nil {
				continue
			}
			restarts, failure := 0, ""
			if rdoc, err := records.Get(rec.ComponentID); err == nil {
				if rr, err := docstore.As[types.RestartRecord](rdoc); err == nil {
					restarts, failure = rr.RestartCount, rr.FailureReason
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\n",
				rec.ComponentID, rec.Status, rec.PID, rec.CurrentJob, restarts, failure)
		}
		return w.Flush()
	},
}

var workersPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the worker system (in-flight jobs finish)",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, closeFn, err := openStore()
		if err != nil {
			return err
		}
		defer closeFn()
		if err := docstore.NewMeta(db).SetWorkerEnabled(false); err != nil {
			return err
		}
		fmt.Println("Worker system paused")
		return nil
	},
}

var workersResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the worker system",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, closeFn, err := openStore()
		if err != nil {
			return err
		}
		defer closeFn()
		if err := docstore.NewMeta(db).SetWorkerEnabled(true); err != nil {
			return err
		}
		fmt.Println("Worker system resumed")
		return nil
	},
}

var workersResetCmd = &cobra.Command{
	Use:   "reset <component-id>",
	Short: "Reset a failed component's restart counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, closeFn, err := openStore()
		if err != nil {
			return err
		}
		defer closeFn()
		if _, err := docstore.NewCollection(db, docstore.CollRestartPolicy).Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("Restart counters for %s reset; the component starts on the next daemon start or death decision\n", args[0])
		return nil
	},
}

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Generate and apply per-label calibrations",
}

var calibrateGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Rebuild per-label histograms and percentiles from stored predictions",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, closeFn, err := openStore()
		if err != nil {
			return err
		}
		defer closeFn()

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		report, err := calibration.New(db, cfg.CalibrationBinWidth).Generate(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Scanned %d files, %d labels (%d updated, %d unchanged) in %dms\n",
			report.FilesScanned, report.Labels, report.Updated, report.Unchanged, report.DurationMS)
		return nil
	},
}

var calibrateApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Recompute calibrated tags from stored predictions",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, closeFn, err := openStore()
		if err != nil {
			return err
		}
		defer closeFn()

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		report, err := calibration.New(db, cfg.CalibrationBinWidth).Apply(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Updated %d files, wrote %d tags (%d uncalibrated labels) in %dms\n",
			report.FilesUpdated, report.TagsWritten, report.Uncalibrated, report.DurationMS)
		return nil
	},
}

var calibrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted calibration footprint",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, closeFn, err := openStore()
		if err != nil {
			return err
		}
		defer closeFn()

		status, err := calibration.New(db, 0).CurrentStatus()
		if err != nil {
			return err
		}
		fmt.Printf("Labels calibrated: %d\nHistory entries: %d\nLast generated: %d\n",
			status.Labels, status.HistoryEntries, status.LastGeneratedAt)
		return nil
	},
}

func init() {
	workersCmd.AddCommand(workersStatusCmd, workersPauseCmd, workersResumeCmd, workersResetCmd)
	calibrateCmd.AddCommand(calibrateGenerateCmd, calibrateApplyCmd, calibrateStatusCmd)
}
