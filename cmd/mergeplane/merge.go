package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/mergeplane/internal/controller"
	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/versionstore"
)

var (
	mergeFlags    partitionFlags
	baseVersion   int64
	taskType      string
	taskName      string
	mergeParams   map[string]string
	keepTempFiles bool
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge the segments of a partition version",
	Long: `Creates a task context rooted at the base version, builds a merge plan for the
configured table kind, and runs it locally or on the admin service. A task left
outstanding by a previous run is resumed instead.`,
	RunE: runMerge,
}

func init() {
	mergeFlags.register(mergeCmd)
	mergeCmd.Flags().Int64Var(&baseVersion, "base-version", -1, "Base version id (default: latest version under --root)")
	mergeCmd.Flags().StringVar(&taskType, "task-type", "", "Designated task type")
	mergeCmd.Flags().StringVar(&taskName, "task-name", "", "Designated task name")
	mergeCmd.Flags().StringToStringVar(&mergeParams, "param", nil, "Task parameter key=value (repeatable)")
	mergeCmd.Flags().BoolVar(&keepTempFiles, "keep-temp", false, "Keep the fence directory after the merge")
}

func runMerge(cmd *cobra.Command, args []string) error {
	creator, ok := planCreators[cfg.TableKind]
	if !ok {
		return fmt.Errorf("no plan creator for table kind %q", cfg.TableKind)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl, err := mergeFlags.newController(mergeParams)
	if err != nil {
		return err
	}
	defer ctrl.Stop()

	if err := ctrl.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	if _, outstanding := ctrl.GetRunningTaskStat(); outstanding {
		logger.Info("resuming outstanding merge task")
	} else {
		base, err := resolveBaseVersion(mergeFlags.root, baseVersion)
		if err != nil {
			return err
		}
		tc, err := ctrl.CreateTaskContext(ctx, base, taskType, taskName, mergeParams)
		if err != nil {
			return fmt.Errorf("create task context: %w", err)
		}
		plan, err := creator.CreatePlan(tc)
		if err != nil {
			return fmt.Errorf("create plan: %w", err)
		}
		logger.Info("submitting merge", "base_version", base, "operations", plan.OperationCount())
		if err := ctrl.SubmitMergeTask(ctx, plan, tc); err != nil {
			return fmt.Errorf("submit: %w", err)
		}
	}

	done := make(chan struct{})
	go reportProgress(ctrl, done)
	result, err := ctrl.WaitMergeResult(ctx)
	close(done)
	if err != nil {
		return fmt.Errorf("wait: %w", err)
	}

	if cerr := ctrl.CleanTask(!keepTempFiles); cerr != nil {
		logger.Warn("clean task", "error", cerr)
	}

	switch result.Code {
	case models.MergeStatusDone:
		fmt.Printf("Merged version %d into version %d\n", result.BaseVersion.VersionID, result.TargetVersion.VersionID)
		return nil
	default:
		return fmt.Errorf("merge failed: %s", result.Message)
	}
}

// resolveBaseVersion returns the requested base version, or the newest version
// under root when none was requested.
func resolveBaseVersion(root string, requested int64) (models.VersionID, error) {
	if requested >= 0 {
		return models.VersionID(requested), nil
	}
	latest, ok, err := versionstore.Store{}.LatestVersion(root)
	if err != nil {
		return models.InvalidVersionID, fmt.Errorf("list versions: %w", err)
	}
	if !ok {
		return models.InvalidVersionID, fmt.Errorf("no version under %s; pass --base-version", root)
	}
	return latest, nil
}

func reportProgress(ctrl controller.MergeController, done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if stat, ok := ctrl.GetRunningTaskStat(); ok {
				logger.Info("merge progress", "base_version", stat.BaseVersionID,
					"finished", stat.FinishedOpCount, "total", stat.TotalOpCount)
			}
		}
	}
}
