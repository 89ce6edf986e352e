package domain

// JobStatus is the lifecycle state of a scheduled publish job.
type JobStatus string

// Job status constants
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

// Batch status constants
const (
	BatchStatusActive    BatchStatus = "active"
	BatchStatusPaused    BatchStatus = "paused"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusCancelled BatchStatus = "cancelled"
)

// Terminal reports whether no further transition may leave s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the job state machine allows from -> to.
//
//	pending    -> processing | cancelled
//	processing -> completed | failed | pending (retry, recovery, release)
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing || to == JobStatusCancelled
	case JobStatusProcessing:
		return to == JobStatusCompleted || to == JobStatusFailed || to == JobStatusPending
	}
	return false
}

// Error messages recorded on jobs that failed because of the account session.
const (
	ErrorMessageNotAuthenticated = "NotAuthenticated"
	ErrorMessageReauthRequired   = "ReauthRequired"
)
