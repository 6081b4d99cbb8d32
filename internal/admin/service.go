// Package admin is the administration service remote merge controllers talk
// to: it persists submitted tasks, runs them on the scheduler and answers the
// start/info/stop/generation RPCs over HTTP.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fentz26/mergeplane/internal/audit"
	"github.com/fentz26/mergeplane/internal/metrics"
	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/store"
)

// Canceller interrupts the execution of a running task.
type Canceller interface {
	Cancel(ref models.TaskRef) bool
}

// Service provides the admin business logic.
type Service struct {
	store     *store.Store
	pdr       *audit.PDRWriter
	canceller Canceller
	logger    *slog.Logger
}

// NewService creates a new admin service.
func NewService(s *store.Store, pdr *audit.PDRWriter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		pdr:    pdr,
		logger: logger.With("component", "admin"),
	}
}

// SetCanceller installs the component running tasks, normally the scheduler.
func (s *Service) SetCanceller(c Canceller) {
	s.canceller = c
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- Task Operations ---

// StartTask persists a submitted task. Rejections are reported through the
// response code; the error is reserved for storage failures.
func (s *Service) StartTask(req *models.StartTaskRequest) (*models.StartTaskResponse, error) {
	ref := models.TaskRef{BuildID: req.BuildID, TaskID: req.TaskID}
	key := store.TaskKey(ref)

	resp, err := s.startTask(req, ref)
	if err != nil {
		s.record(audit.ActionStartTask, req, audit.OutcomeFailure, key, err.Error())
		return nil, err
	}
	metrics.AdminTasksStarted.WithLabelValues(string(resp.ErrorCode)).Inc()

	outcome := audit.OutcomeSuccess
	if resp.ErrorCode != models.AdminErrorNone {
		outcome = audit.OutcomeRejected
	}
	s.record(audit.ActionStartTask, req, outcome, key, string(resp.ErrorCode))
	s.logger.Info("start task", "task", key, "table", req.TableName, "code", resp.ErrorCode)
	return resp, nil
}

func (s *Service) startTask(req *models.StartTaskRequest, ref models.TaskRef) (*models.StartTaskResponse, error) {
	fatal, msg, err := s.store.GetFatal(req.BuildID)
	if err != nil {
		return nil, err
	}
	if fatal {
		return &models.StartTaskResponse{ErrorCode: models.AdminErrorFatal, Message: msg}, nil
	}

	existing, err := s.store.GetTask(ref)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &models.StartTaskResponse{ErrorCode: models.AdminErrorDuplicate}, nil
	}

	plan, err := validateStart(req)
	if err != nil {
		return &models.StartTaskResponse{ErrorCode: models.AdminErrorInvalid, Message: err.Error()}, nil
	}

	progress, err := json.Marshal(models.TaskDescription{
		TaskID:        req.TaskID,
		TaskEpochID:   req.TaskEpochID,
		BaseVersionID: req.SourceVersionID,
		TotalOpCount:  plan.OperationCount(),
		Digest:        req.Digest(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode progress: %w", err)
	}

	task := &models.AdminTask{
		BuildID:         req.BuildID,
		TaskID:          req.TaskID,
		TableName:       req.TableName,
		TaskEpochID:     req.TaskEpochID,
		SourceVersionID: req.SourceVersionID,
		BranchID:        req.BranchID,
		Range:           req.Range,
		DestRoot:        req.DestRoot,
		Plan:            req.Plan,
		Params:          req.Params,
		Step:            models.TaskStepRunning,
		Progress:        string(progress),
	}
	if err := s.store.CreateTask(task); err != nil {
		if errors.Is(err, store.ErrDuplicateTask) {
			return &models.StartTaskResponse{ErrorCode: models.AdminErrorDuplicate}, nil
		}
		return nil, err
	}
	return &models.StartTaskResponse{ErrorCode: models.AdminErrorNone}, nil
}

// validateStart checks the request and decodes its plan.
func validateStart(req *models.StartTaskRequest) (*models.Plan, error) {
	switch {
	case req.BuildID.AppName == "":
		return nil, fmt.Errorf("%w: missing app name", ErrInvalidRequest)
	case req.TaskID <= 0:
		return nil, fmt.Errorf("%w: task id must be positive", ErrInvalidRequest)
	case req.TableName == "":
		return nil, fmt.Errorf("%w: missing table name", ErrInvalidRequest)
	case req.DestRoot == "":
		return nil, fmt.Errorf("%w: missing destination root", ErrInvalidRequest)
	case req.SourceVersionID == models.InvalidVersionID:
		return nil, fmt.Errorf("%w: missing source version", ErrInvalidRequest)
	}
	var plan models.Plan
	if err := json.Unmarshal([]byte(req.Plan), &plan); err != nil {
		return nil, fmt.Errorf("%w: decode plan: %v", ErrInvalidRequest, err)
	}
	if plan.OperationCount() == 0 {
		return nil, ErrEmptyPlan
	}
	return &plan, nil
}

// GetTaskInfo returns the task's step and payloads.
func (s *Service) GetTaskInfo(ref models.TaskRef) (*models.TaskInfo, error) {
	task, err := s.store.GetTask(ref)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return &models.TaskInfo{Exists: false}, nil
	}
	return &models.TaskInfo{
		Exists:   true,
		Step:     task.Step,
		Progress: task.Progress,
		Result:   task.Result,
		Error:    task.Error,
	}, nil
}

// StopTask marks a running task stopped and interrupts its execution.
// Unknown and terminal tasks are left alone.
func (s *Service) StopTask(ref models.TaskRef) error {
	key := store.TaskKey(ref)
	changed, err := s.store.FinishTask(ref, models.TaskStepStopped, "", "stopped by request")
	if err != nil {
		return err
	}
	if !changed {
		s.logger.Debug("stop task ignored", "task", key)
		return nil
	}
	metrics.AdminTasksFinished.WithLabelValues(string(models.TaskStepStopped)).Inc()
	if s.canceller != nil {
		s.canceller.Cancel(ref)
	}
	s.record(audit.ActionStopTask, ref, audit.OutcomeSuccess, key, "")
	s.logger.Info("task stopped", "task", key)
	return nil
}

// CompleteTask records the terminal outcome of an execution. It reports false
// when the task had already left the running step.
func (s *Service) CompleteTask(ref models.TaskRef, result string, runErr error) (bool, error) {
	step, errMsg, outcome := models.TaskStepFinished, "", audit.OutcomeSuccess
	if runErr != nil {
		step, errMsg, outcome = models.TaskStepStopped, runErr.Error(), audit.OutcomeFailure
	}
	changed, err := s.store.FinishTask(ref, step, result, errMsg)
	if err != nil || !changed {
		return changed, err
	}
	metrics.AdminTasksFinished.WithLabelValues(string(step)).Inc()
	s.record(audit.ActionFinishTask, ref, outcome, store.TaskKey(ref), errMsg)
	return true, nil
}

// UpdateProgress stores a running task's progress payload.
func (s *Service) UpdateProgress(ref models.TaskRef, desc models.TaskDescription) error {
	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	return s.store.UpdateProgress(ref, string(data))
}

// ListTasks returns a build's tasks, optionally filtered by step.
func (s *Service) ListTasks(build models.BuildID, step models.TaskStep) ([]models.AdminTask, error) {
	return s.store.ListTasks(build, step)
}

// --- Generation Operations ---

// GetGenerationInfo summarizes a build generation.
func (s *Service) GetGenerationInfo(build models.BuildID) (*models.GenerationInfo, error) {
	tasks, err := s.store.ListTasks(build, "")
	if err != nil {
		return nil, err
	}
	fatal, msg, err := s.store.GetFatal(build)
	if err != nil {
		return nil, err
	}

	info := &models.GenerationInfo{
		ActiveTasks:   []models.AdminTask{},
		StoppedTasks:  []models.AdminTask{},
		HasFatalError: fatal,
		FatalErrorMsg: msg,
	}
	for _, t := range tasks {
		// Plans can be large and are not needed to recover or report.
		t.Plan = ""
		if t.Step == models.TaskStepRunning {
			info.ActiveTasks = append(info.ActiveTasks, t)
		} else {
			info.StoppedTasks = append(info.StoppedTasks, t)
		}
	}
	return info, nil
}

// SetFatalError marks a generation as fatally failed.
func (s *Service) SetFatalError(build models.BuildID, msg string) error {
	if build.AppName == "" {
		return fmt.Errorf("%w: missing app name", ErrInvalidRequest)
	}
	if err := s.store.SetFatal(build, msg); err != nil {
		return err
	}
	s.record(audit.ActionSetFatal, build, audit.OutcomeSuccess, "", msg)
	s.logger.Warn("generation marked fatal", "build", build.Key(), "message", msg)
	return nil
}

func (s *Service) record(action string, inputs any, outcome, taskKey, details string) {
	if s.pdr == nil {
		return
	}
	if _, err := s.pdr.Record(action, inputs, outcome, taskKey, details); err != nil {
		s.logger.Warn("write audit record", "action", action, "error", err)
	}
}
