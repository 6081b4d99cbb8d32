package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/fentz26/mergeplane/internal/admin"
	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/scheduler"
)

// Source is the admin API the monitor reads from and acts on.
type Source interface {
	GetGenerationInfo(ctx context.Context, build models.BuildID) (*models.GenerationInfo, error)
	Workers(ctx context.Context) (*scheduler.Stats, error)
	StopTask(ctx context.Context, ref models.TaskRef) error
	SetFatalError(ctx context.Context, build models.BuildID, msg string) error
}

var _ Source = (*admin.Client)(nil)

// TaskItem is a task row of the monitor.
type TaskItem struct {
	TaskID    int64
	Table     string
	Range     string
	Branch    int64
	Step      models.TaskStep
	Finished  int
	Total     int
	ClaimedBy string
	Result    string
	Error     string
}

// Percent returns the finished share of the task's operations.
func (t TaskItem) Percent() float64 {
	if t.Step == models.TaskStepFinished {
		return 1
	}
	if t.Total <= 0 {
		return 0
	}
	return float64(t.Finished) / float64(t.Total)
}

func toItem(t models.AdminTask) TaskItem {
	item := TaskItem{
		TaskID:    t.TaskID,
		Table:     t.TableName,
		Range:     t.Range.String(),
		Branch:    t.BranchID,
		Step:      t.Step,
		ClaimedBy: t.ClaimedBy,
		Result:    t.Result,
		Error:     t.Error,
	}
	var desc models.TaskDescription
	if t.Progress != "" && json.Unmarshal([]byte(t.Progress), &desc) == nil {
		item.Finished, item.Total = desc.FinishedOpCount, desc.TotalOpCount
	}
	return item
}

func toItems(tasks []models.AdminTask) []TaskItem {
	items := make([]TaskItem, len(tasks))
	for i, t := range tasks {
		items[i] = toItem(t)
	}
	return items
}

// parseCommand splits a command bar line into its verb and argument.
func parseCommand(line string) (verb, arg string) {
	line = strings.TrimSpace(line)
	verb, arg, _ = strings.Cut(line, " ")
	return strings.ToLower(verb), strings.TrimSpace(arg)
}

func parseTaskID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", arg)
	}
	return id, nil
}
