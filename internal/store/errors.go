// Package store persists pipeline jobs in memory or in a SQL database.
package store

import "errors"

// Sentinel errors shared by every job store.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrJobNotFound indicates no job has the requested ID.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobExists indicates a job with the same ID was already created.
	ErrJobExists = errors.New("job already exists")

	// ErrUpdateConflict indicates a conditional update no longer matched
	// the stored job, usually because another writer changed it first.
	ErrUpdateConflict = errors.New("job update conflict")
)
