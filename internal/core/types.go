package core

import (
	"time"

	"github.com/JonMunkholm/zeta/internal/pipeline"
)

// Trigger records what started a run.
type Trigger string

const (
	TriggerAPI      Trigger = "api"
	TriggerInbox    Trigger = "inbox"
	TriggerCLI      Trigger = "cli"
	TriggerSchedule Trigger = "schedule"
)

// PhaseQueued is reported while a run waits for the pipeline.
const PhaseQueued = "queued"

// RunStatus is the externally visible state of a run.
type RunStatus struct {
	ID          string     `json:"id"`
	File        string     `json:"file"`
	Trigger     Trigger    `json:"trigger"`
	Phase       string     `json:"phase"` // queued or a pipeline.State name
	FailedStage string     `json:"failed_stage,omitempty"`
	Generation  int64      `json:"generation,omitempty"`
	SourceRows  int64      `json:"source_rows"`
	LoadedRows  int64      `json:"loaded_rows"`
	Inserted    int64      `json:"inserted"`
	Updated     int64      `json:"updated"`
	Error       string     `json:"error,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	CleanupErr  string     `json:"cleanup_error,omitempty"`
	Started     time.Time  `json:"started"`
	Finished    *time.Time `json:"finished,omitempty"`
}

// Done reports whether the run has finished, successfully or not.
func (s RunStatus) Done() bool {
	return s.Finished != nil
}

// Succeeded reports whether the run finished in the done state.
func (s RunStatus) Succeeded() bool {
	return s.Done() && s.Phase == pipeline.StateDone.String()
}

// applyResult copies a pipeline result into the status.
func (s *RunStatus) applyResult(res pipeline.Result, err error, finished time.Time) {
	s.Generation = int64(res.Blob.Generation)
	s.SourceRows = res.SourceRows
	s.LoadedRows = res.LoadedRows
	s.Inserted = res.Outcome.Inserted
	s.Updated = res.Outcome.Updated
	s.Finished = &finished

	if res.CleanupErr != nil {
		s.CleanupErr = res.CleanupErr.Error()
	}

	if err == nil {
		s.Phase = pipeline.StateDone.String()
		return
	}

	s.Phase = pipeline.StateFailed.String()
	if res.State == pipeline.StateFailed {
		s.FailedStage = res.FailedStage.String()
	}
	msg := MapError(err)
	s.Error = err.Error()
	s.ErrorCode = msg.Code
}
