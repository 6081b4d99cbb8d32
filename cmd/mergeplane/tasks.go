package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/mergeplane/internal/admin"
	"github.com/fentz26/mergeplane/internal/models"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and control admin tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tasks of a build generation",
	RunE:  runTasksList,
}

var tasksStopCmd = &cobra.Command{
	Use:   "stop [task-id]",
	Short: "Stop a running task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksStop,
}

var tasksFatalCmd = &cobra.Command{
	Use:   "fatal [message]",
	Short: "Mark a build generation as fatally failed",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTasksFatal,
}

var tasksLastResultCmd = &cobra.Command{
	Use:   "last-result",
	Short: "Print the newest merge result of a partition",
	RunE:  runTasksLastResult,
}

var (
	tasksApp        string
	tasksGeneration int64
	tasksStep       string
	lastFlags       partitionFlags
)

func init() {
	tasksCmd.AddCommand(tasksListCmd, tasksStopCmd, tasksFatalCmd, tasksLastResultCmd)

	for _, c := range []*cobra.Command{tasksListCmd, tasksStopCmd, tasksFatalCmd} {
		registerBuildFlags(c, &tasksApp, &tasksGeneration)
	}
	tasksListCmd.Flags().StringVar(&tasksStep, "step", "", "Filter by step (running, finished, stopped)")
	lastFlags.register(tasksLastResultCmd)
}

func adminClient() *admin.Client {
	return admin.NewClient(cfg.AdminAddr, cfg.RPCTimeout())
}

func tasksBuild() models.BuildID {
	return models.BuildID{AppName: tasksApp, GenerationID: tasksGeneration}
}

func runTasksList(cmd *cobra.Command, args []string) error {
	tasks, err := adminClient().ListTasks(cmd.Context(), tasksBuild(), models.TaskStep(tasksStep))
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK ID\tTABLE\tRANGE\tBRANCH\tSTEP\tBASE\tCLAIMED BY")
	for _, t := range tasks {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%d\t%s\n",
			t.TaskID, t.TableName, t.Range, t.BranchID, t.Step, t.SourceVersionID, t.ClaimedBy)
	}
	return w.Flush()
}

func runTasksStop(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid task id %q", args[0])
	}
	if err := adminClient().StopTask(cmd.Context(), models.TaskRef{BuildID: tasksBuild(), TaskID: id}); err != nil {
		return err
	}
	fmt.Printf("Stopped task %d\n", id)
	return nil
}

func runTasksFatal(cmd *cobra.Command, args []string) error {
	msg := strings.Join(args, " ")
	if err := adminClient().SetFatalError(cmd.Context(), tasksBuild(), msg); err != nil {
		return err
	}
	fmt.Printf("Marked %s as fatal\n", tasksBuild().Key())
	return nil
}

func runTasksLastResult(cmd *cobra.Command, args []string) error {
	ctrl, err := lastFlags.newController(nil)
	if err != nil {
		return err
	}
	defer ctrl.Stop()

	vid, ok, err := ctrl.GetLastMergeTaskResult(cmd.Context())
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("No merge result.")
		return nil
	}
	fmt.Println(vid)
	return nil
}
