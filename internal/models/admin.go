package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// BuildID identifies one generation of an application's build on the admin.
type BuildID struct {
	AppName      string `json:"app_name"`
	GenerationID int64  `json:"generation_id"`
}

// Key returns the storage key of the build.
func (b BuildID) Key() string {
	return fmt.Sprintf("%s:%d", b.AppName, b.GenerationID)
}

// Range is a partition's hash range.
type Range struct {
	From uint32 `json:"from"`
	To   uint32 `json:"to"`
}

func (r Range) String() string {
	return fmt.Sprintf("%d_%d", r.From, r.To)
}

// AdminErrorCode is returned by the admin's StartTask.
type AdminErrorCode string

const (
	AdminErrorNone      AdminErrorCode = "none"
	AdminErrorDuplicate AdminErrorCode = "duplicate"
	AdminErrorInvalid   AdminErrorCode = "invalid"
	AdminErrorFatal     AdminErrorCode = "fatal"
	AdminErrorInternal  AdminErrorCode = "internal"
)

// TaskStep is the admin-side lifecycle step of a task.
type TaskStep string

const (
	TaskStepRunning  TaskStep = "running"
	TaskStepFinished TaskStep = "finished"
	TaskStepStopped  TaskStep = "stopped"
)

// IsTerminal reports whether the step is finished or stopped.
func (s TaskStep) IsTerminal() bool {
	return s == TaskStepFinished || s == TaskStepStopped
}

// StartTaskRequest submits a serialized plan to the admin.
type StartTaskRequest struct {
	BuildID         BuildID           `json:"build_id"`
	TaskID          int64             `json:"task_id"`
	TableName       string            `json:"table_name"`
	DestRoot        string            `json:"dest_root"`
	TaskEpochID     int32             `json:"task_epoch_id"`
	SourceVersionID VersionID         `json:"source_version_id"`
	BranchID        int64             `json:"branch_id"`
	Range           Range             `json:"range"`
	Plan            string            `json:"plan"`
	Params          map[string]string `json:"params,omitempty"`
}

// Digest identifies the work a request ships: its plan and params.
func (r *StartTaskRequest) Digest() string {
	return TaskDigest(r.Plan, r.Params)
}

// TaskDigest hashes a serialized plan with its params. Map keys are encoded
// in sorted order and empty params hash like nil ones.
func TaskDigest(plan string, params map[string]string) string {
	if len(params) == 0 {
		params = nil
	}
	data, err := json.Marshal(struct {
		Plan   string            `json:"plan"`
		Params map[string]string `json:"params"`
	}{plan, params})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// StartTaskResponse is the admin's answer to StartTask.
type StartTaskResponse struct {
	ErrorCode AdminErrorCode `json:"error_code"`
	Message   string         `json:"message,omitempty"`
}

// TaskRef addresses one task on the admin.
type TaskRef struct {
	BuildID BuildID `json:"build_id"`
	TaskID  int64   `json:"task_id"`
}

// TaskInfo is the admin's answer to GetTaskInfo.
type TaskInfo struct {
	Exists   bool     `json:"exists"`
	Step     TaskStep `json:"step,omitempty"`
	Progress string   `json:"progress,omitempty"`
	Result   string   `json:"result,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// AdminTask is the admin's record of a submitted task.
type AdminTask struct {
	BuildID         BuildID           `json:"build_id"`
	TaskID          int64             `json:"task_id"`
	TableName       string            `json:"table_name"`
	TaskEpochID     int32             `json:"task_epoch_id"`
	SourceVersionID VersionID         `json:"source_version_id"`
	BranchID        int64             `json:"branch_id"`
	Range           Range             `json:"range"`
	DestRoot        string            `json:"dest_root"`
	Plan            string            `json:"plan,omitempty"`
	Params          map[string]string `json:"params,omitempty"`
	Step            TaskStep          `json:"step"`
	Progress        string            `json:"progress,omitempty"`
	Result          string            `json:"result,omitempty"`
	Error           string            `json:"error,omitempty"`
	ClaimedBy       string            `json:"claimed_by,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Ref returns the task's address.
func (t *AdminTask) Ref() TaskRef {
	return TaskRef{BuildID: t.BuildID, TaskID: t.TaskID}
}

// GenerationInfo is the admin's answer to GetGenerationInfo.
type GenerationInfo struct {
	ActiveTasks   []AdminTask `json:"active_tasks"`
	StoppedTasks  []AdminTask `json:"stopped_tasks"`
	HasFatalError bool        `json:"has_fatal_error"`
	FatalErrorMsg string      `json:"fatal_error_msg,omitempty"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TaskKey    string    `json:"task_key,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
