package sql

// Postgres advisory lock IDs for each subsystem to ensure only one of each
// subsystem is running in a jobq cluster. They must not share the same
// value, hence placing them all in one place.
const (
	SupervisorLockID int64 = iota + 179366396344335597
	DeleterLockID
)
