package storage

import (
	"context"
	"errors"
	"time"
)

var Errors = struct {
	NotFound      error
	AlreadyExists error
	Conflict      error
}{
	NotFound:      errors.New("not found"),
	AlreadyExists: errors.New("already exists"),
	Conflict:      errors.New("conflict"),
}

// Predicate selects UserDevice records for QueryTokens. Zero-valued fields
// do not constrain the query.
type Predicate struct {
	// NotificationsEnabled, when set, must match the record's flag.
	NotificationsEnabled *bool
	// Preferences lists flags that must be enabled on the record.
	Preferences []string
	// UserIDs restricts the query to these users.
	UserIDs []string
}

// Enabled is a convenience for building predicates.
func Enabled(v bool) *bool { return &v }

// TokenStore is the persistent association of users to delivery tokens.
// AddToken and RemoveToken must be atomic set mutations: concurrent calls
// for the same user commute.
type TokenStore interface {
	AddToken(ctx context.Context, userID, token string) (*UserDevice, error)
	RemoveToken(ctx context.Context, userID, token string) (*UserDevice, error)
	SetPreferences(ctx context.Context, userID string, prefs Preferences) (*UserDevice, error)
	GetDevice(ctx context.Context, userID string) (*UserDevice, error)
	QueryTokens(ctx context.Context, pred Predicate) ([]string, error)

	// PruneTokens removes every given token from every owner and returns how
	// many (owner, token) pairs were deleted.
	PruneTokens(ctx context.Context, tokens []string) (int, error)
}

// JobStore persists async and scheduled dispatch jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	GetDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error)

	// ClaimJob moves a job from `from` to `to`. It returns Errors.Conflict if
	// the job is no longer in `from`.
	ClaimJob(ctx context.Context, jobID string, from, to JobStatus) error
	CompleteJob(ctx context.Context, jobID string, status JobStatus, outcome JobOutcome) error

	// GetStaleJobs returns QUEUED or IN_PROGRESS jobs not updated since
	// before, oldest first.
	GetStaleJobs(ctx context.Context, before time.Time, limit int) ([]Job, error)
}

type Store interface {
	TokenStore
	JobStore
	Close() error
}
