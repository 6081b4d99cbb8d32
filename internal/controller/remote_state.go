package controller

import "github.com/fentz26/mergeplane/internal/models"

type phase int

const (
	phaseIdle phase = iota
	phaseSubmitted
	phasePolling
	phaseTerminal
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseSubmitted:
		return "submitted"
	case phasePolling:
		return "polling"
	case phaseTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// remoteState is the one outstanding task of a remote controller. It is only
// changed through the transition methods, with the controller's state lock held.
type remoteState struct {
	phase     phase
	desc      models.TaskDescription
	fenceRoot string
	result    models.MergeTaskStatus
}

func (s *remoteState) submitted(desc models.TaskDescription, fenceRoot string) {
	*s = remoteState{phase: phaseSubmitted, desc: desc, fenceRoot: fenceRoot}
}

func (s *remoteState) polling() {
	if s.phase == phaseSubmitted {
		s.phase = phasePolling
	}
}

func (s *remoteState) progress(finished, total int) {
	if s.phase == phaseSubmitted || s.phase == phasePolling {
		s.desc.FinishedOpCount = finished
		s.desc.TotalOpCount = total
	}
}

func (s *remoteState) terminal(result models.MergeTaskStatus) {
	if s.phase == phaseIdle {
		return
	}
	s.phase = phaseTerminal
	s.result = result
}

func (s *remoteState) reset() {
	*s = remoteState{}
}

func (s *remoteState) outstanding() bool {
	return s.phase != phaseIdle
}
