package engine

import (
	"encoding/json"
	"fmt"
)

// JobStatus represents the lifecycle state of a mutation job.
type JobStatus string

const (
	// JobStatusPending indicates the job is queued but not yet started.
	JobStatusPending JobStatus = "pending"

	// JobStatusRunning indicates the job's command is executing.
	JobStatusRunning JobStatus = "running"

	// JobStatusSucceeded indicates the job completed successfully.
	JobStatusSucceeded JobStatus = "succeeded"

	// JobStatusFailed indicates the job failed with a classified error.
	JobStatusFailed JobStatus = "failed"

	// JobStatusCanceled indicates the job was cancelled before or during execution.
	JobStatusCanceled JobStatus = "canceled"
)

// IsTerminal returns true if the job status represents a final state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCanceled
}

// IsActive returns true if the job is pending or running.
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// CanTransitionTo reports whether next is a legal successor of s.
// Terminal states have no successors.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning || next == JobStatusCanceled
	case JobStatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// Validate checks if the job status is valid.
func (s JobStatus) Validate() error {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusSucceeded,
		JobStatusFailed, JobStatusCanceled:
		return nil
	default:
		return fmt.Errorf("invalid job status: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s JobStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *JobStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := JobStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// Operation is the kind of mutation a job performs.
type Operation string

const (
	// OperationInstall installs a package, optionally at a specific version.
	OperationInstall Operation = "install"

	// OperationUpdate upgrades a package to the latest version.
	OperationUpdate Operation = "update"

	// OperationUninstall removes a package.
	OperationUninstall Operation = "uninstall"
)

// Validate checks if the operation is valid.
func (o Operation) Validate() error {
	switch o {
	case OperationInstall, OperationUpdate, OperationUninstall:
		return nil
	default:
		return fmt.Errorf("invalid operation: %s", o)
	}
}

// ScopeKind selects between the global and the directory-bound variant of a
// backend's commands.
type ScopeKind string

const (
	// ScopeGlobal targets packages installed for the whole user or system.
	ScopeGlobal ScopeKind = "global"

	// ScopeLocal targets packages installed in one project directory.
	ScopeLocal ScopeKind = "local"
)

// Validate checks if the scope kind is valid.
func (k ScopeKind) Validate() error {
	switch k {
	case ScopeGlobal, ScopeLocal:
		return nil
	default:
		return fmt.Errorf("invalid scope: %s", k)
	}
}

// Stream labels the origin of a job log line.
type Stream string

const (
	// StreamStdout is standard output of the backend command.
	StreamStdout Stream = "stdout"

	// StreamStderr is standard error of the backend command.
	StreamStderr Stream = "stderr"

	// StreamSystem is a line written by the job manager itself.
	StreamSystem Stream = "system"
)

// Step labels reported on jobs.
const (
	StepQueued    = "queued"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepCanceled  = "canceled"
)
