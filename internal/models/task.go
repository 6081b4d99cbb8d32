package models

import "time"

// TaskStat is a non-blocking progress snapshot of the outstanding merge task.
type TaskStat struct {
	BaseVersionID   VersionID `json:"base_version_id"`
	FinishedOpCount int       `json:"finished_op_count"`
	TotalOpCount    int       `json:"total_op_count"`
}

// MergeStatusCode is the terminal state of a merge task. The zero value means running.
type MergeStatusCode string

const (
	MergeStatusRunning MergeStatusCode = ""
	MergeStatusDone    MergeStatusCode = "done"
	MergeStatusError   MergeStatusCode = "error"
)

// MergeTaskStatus is the result of a merge task.
type MergeTaskStatus struct {
	Code          MergeStatusCode `json:"code"`
	BaseVersion   *Version        `json:"base_version,omitempty"`
	TargetVersion *Version        `json:"target_version,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// IsTerminal reports whether the status is DONE or ERROR.
func (s MergeTaskStatus) IsTerminal() bool {
	return s.Code == MergeStatusDone || s.Code == MergeStatusError
}

// TaskDescription tracks the one outstanding task of a remote controller.
// It is also the serialized progress payload the admin keeps for the task.
type TaskDescription struct {
	TaskID          int64     `json:"task_id"`
	TaskEpochID     int32     `json:"task_epoch_id"`
	BaseVersionID   VersionID `json:"base_version_id"`
	FinishedOpCount int       `json:"finished_op_count"`
	TotalOpCount    int       `json:"total_op_count"`
	// Digest is the TaskDigest of the plan and params the task started with.
	Digest string `json:"digest,omitempty"`
}

// Stat returns the progress snapshot carried by the description.
func (d TaskDescription) Stat() TaskStat {
	return TaskStat{
		BaseVersionID:   d.BaseVersionID,
		FinishedOpCount: d.FinishedOpCount,
		TotalOpCount:    d.TotalOpCount,
	}
}

// MakeTaskID packs a submission timestamp into a task id and its epoch id.
// The epoch id is the low 32 bits of the Unix timestamp.
func MakeTaskID(ts time.Time) (taskID int64, epochID int32) {
	secs := ts.Unix()
	epochID = int32(uint32(secs))
	taskID = secs<<32 | int64(uint32(epochID))
	return taskID, epochID
}

// TaskIDFromEpoch rebuilds the task id of an epoch id produced by MakeTaskID.
func TaskIDFromEpoch(epochID int32) int64 {
	return int64(uint32(epochID))<<32 | int64(uint32(epochID))
}

// EpochIDFromTaskID recovers the epoch id packed into a task id.
func EpochIDFromTaskID(taskID int64) int32 {
	return int32(uint32(taskID))
}

// MergeResult is the payload an end operation publishes on success.
type MergeResult struct {
	BaseVersionID   VersionID `json:"base_version_id"`
	TargetVersionID VersionID `json:"target_version_id"`
}
