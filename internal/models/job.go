package models

import "time"

// JobStatus is the lifecycle state of a separation job.
type JobStatus string

const (
	JobPending   JobStatus = "Pending"
	JobRunning   JobStatus = "Running"
	JobSucceeded JobStatus = "Succeeded"
	JobFailed    JobStatus = "Failed"
)

func (s JobStatus) String() string {
	return string(s)
}

// IsActive reports whether a job in this state may still make progress.
func (s JobStatus) IsActive() bool {
	return s == JobPending || s == JobRunning
}

// IsTerminal reports whether the state is final.
func (s JobStatus) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// SeparationJob is a point-in-time view of a separation job.
type SeparationJob struct {
	ID          string
	MediaID     MediaID
	Status      JobStatus
	Percent     int
	ErrorDetail string
	StartedAt   time.Time
	FinishedAt  time.Time
}
