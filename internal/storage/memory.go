package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process. It is used for local development
// and as the reference implementation in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]*UserDevice
	jobs    map[string]*Job
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]*UserDevice),
		jobs:    make(map[string]*Job),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) device(userID string) *UserDevice {
	d, ok := s.devices[userID]
	if !ok {
		d = &UserDevice{UserID: userID, Tokens: NewTokenSet()}
		s.devices[userID] = d
	}
	return d
}

func copyDevice(d *UserDevice) *UserDevice {
	c := *d
	c.Tokens = NewTokenSet()
	c.Tokens.Union(d.Tokens)
	return &c
}

func (s *MemoryStore) AddToken(ctx context.Context, userID, token string) (*UserDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.device(userID)
	d.Tokens.Add(token)
	d.NotificationsEnabled = true
	d.LastTokenUpdate = s.now()
	return copyDevice(d), nil
}

func (s *MemoryStore) RemoveToken(ctx context.Context, userID, token string) (*UserDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[userID]
	if !ok {
		return nil, Errors.NotFound
	}
	if d.Tokens.Remove(token) {
		d.LastTokenUpdate = s.now()
	}
	d.NotificationsEnabled = d.Tokens.Len() > 0
	return copyDevice(d), nil
}

func (s *MemoryStore) SetPreferences(ctx context.Context, userID string, prefs Preferences) (*UserDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.device(userID)
	d.Preferences = prefs
	return copyDevice(d), nil
}

func (s *MemoryStore) GetDevice(ctx context.Context, userID string) (*UserDevice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[userID]
	if !ok {
		return nil, Errors.NotFound
	}
	return copyDevice(d), nil
}

func (s *MemoryStore) QueryTokens(ctx context.Context, pred Predicate) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, name := range pred.Preferences {
		if !IsPreference(name) {
			return nil, fmt.Errorf("unknown preference %q", name)
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var tokens []string
	for _, id := range ids {
		d := s.devices[id]
		if d.Matches(pred) {
			tokens = append(tokens, d.Tokens.Slice()...)
		}
	}
	return tokens, nil
}

func (s *MemoryStore) PruneTokens(ctx context.Context, tokens []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, d := range s.devices {
		changed := false
		for _, t := range tokens {
			if d.Tokens.Remove(t) {
				removed++
				changed = true
			}
		}
		if changed {
			d.NotificationsEnabled = d.Tokens.Len() > 0
			d.LastTokenUpdate = s.now()
		}
	}
	return removed, nil
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return Errors.AlreadyExists
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	j := *job
	s.jobs[job.ID] = &j
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, Errors.NotFound
	}
	c := *j
	return &c, nil
}

func (s *MemoryStore) GetDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []Job
	for _, j := range s.jobs {
		if j.Status == JobScheduled && !j.SendAt.After(now) {
			jobs = append(jobs, *j)
		}
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].SendAt.Before(jobs[b].SendAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryStore) ClaimJob(ctx context.Context, jobID string, from, to JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return Errors.NotFound
	}
	if j.Status != from {
		return Errors.Conflict
	}
	j.Status = to
	j.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) CompleteJob(ctx context.Context, jobID string, status JobStatus, outcome JobOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return Errors.NotFound
	}
	now := s.now()
	j.Status = status
	j.Outcome = outcome
	j.UpdatedAt = now
	j.CompletedAt = &now
	return nil
}

func (s *MemoryStore) GetStaleJobs(ctx context.Context, before time.Time, limit int) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []Job
	for _, j := range s.jobs {
		if (j.Status == JobQueued || j.Status == JobInProgress) && j.UpdatedAt.Before(before) {
			jobs = append(jobs, *j)
		}
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].UpdatedAt.Before(jobs[b].UpdatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryStore) Close() error { return nil }
