package constants

// JobStatus is the canonical status for rows in jobs.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusQueued    JobStatus = "QUEUED"    // waiting for a worker to claim it
	JobStatusRunning   JobStatus = "RUNNING"   // claimed, stages in progress
	JobStatusCompleted JobStatus = "COMPLETED" // all stages done, manifest finalized
	JobStatusFailed    JobStatus = "FAILED"    // terminal failure, error_message set
	JobStatusDeleted   JobStatus = "DELETED"   // removed by user request or TTL sweep
)

// transitions is the full edge table of the job state machine. A claim
// (QUEUED -> RUNNING) must be applied with a compare-and-set so concurrent
// workers never both win; RUNNING -> RUNNING covers stage progress updates;
// RUNNING -> QUEUED is the crash/redelivery path. Nothing leaves DELETED.
var transitions = map[JobStatus][]JobStatus{
	JobStatusQueued:    {JobStatusRunning, JobStatusDeleted},
	JobStatusRunning:   {JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusQueued, JobStatusDeleted},
	JobStatusCompleted: {JobStatusDeleted},
	JobStatusFailed:    {JobStatusDeleted},
	JobStatusDeleted:   {},
}

// IsValidTransition reports whether from -> to is an edge of the state machine.
func IsValidTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further processing happens for the status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusDeleted:
		return true
	}
	return false
}

// AllStatuses returns every defined status, in lifecycle order.
func AllStatuses() []JobStatus {
	return []JobStatus{
		JobStatusQueued,
		JobStatusRunning,
		JobStatusCompleted,
		JobStatusFailed,
		JobStatusDeleted,
	}
}
