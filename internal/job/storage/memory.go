package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/dataport/internal/job"
)

// MemoryStore is an in-process Store used by tests and single-process runs
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*job.Job
	now  func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*job.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Create(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[j.ID]; exists {
		return fmt.Errorf("failed to create job: duplicate id %s", j.ID)
	}
	s.jobs[j.ID] = cloneJob(j)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, jobID, organizationID string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.OrganizationID != organizationID {
		return nil, job.ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) GetByID(ctx context.Context, jobID string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, job.ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) List(ctx context.Context, filter JobFilter) ([]job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []job.Job
	for _, j := range s.jobs {
		if j.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Kind != "" && string(j.Kind) != filter.Kind {
			continue
		}
		if filter.Status != "" && string(j.Status) != filter.Status {
			continue
		}
		if c := filter.Cursor; c != nil {
			if !j.CreatedAt.Before(c.CreatedAt) && !(j.CreatedAt.Equal(c.CreatedAt) && j.ID < c.JobID) {
				continue
			}
		}
		out = append(out, *cloneJob(j))
	}

	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID > out[b].ID
	})

	if limit := filter.PageSize + 1; filter.PageSize > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Claim(ctx context.Context, jobID, workerID string, leaseUntil time.Time) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, job.ErrJobNotFound
	}

	now := s.now()
	expired := j.Status == job.StatusProcessing && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now)
	if j.Status != job.StatusPending && !expired {
		return nil, claimError(j)
	}

	j.Status = job.StatusProcessing
	j.WorkerID = workerID
	lease := leaseUntil
	j.LeaseExpiresAt = &lease
	j.Attempts++
	j.ResetCounters()
	j.UpdatedAt = now

	return cloneJob(j), nil
}

func (s *MemoryStore) ExtendLease(ctx context.Context, jobID, workerID string, leaseUntil time.Time) error {
	return s.owned(jobID, workerID, func(j *job.Job) {
		lease := leaseUntil
		j.LeaseExpiresAt = &lease
	})
}

func (s *MemoryStore) SaveProgress(ctx context.Context, jobID, workerID string, snap job.Snapshot) error {
	return s.owned(jobID, workerID, func(j *job.Job) {
		j.Apply(snap)
	})
}

func (s *MemoryStore) Requeue(ctx context.Context, jobID, workerID, lastErr string) error {
	return s.owned(jobID, workerID, func(j *job.Job) {
		j.Status = job.StatusPending
		j.WorkerID = ""
		j.LeaseExpiresAt = nil
		j.LastError = lastErr
		j.ResetCounters()
	})
}

func (s *MemoryStore) Release(ctx context.Context, jobID, workerID, lastErr string) error {
	return s.owned(jobID, workerID, func(j *job.Job) {
		j.Status = job.StatusPending
		j.WorkerID = ""
		j.LeaseExpiresAt = nil
		j.LastError = lastErr
		if j.Attempts > 0 {
			j.Attempts--
		}
		j.ResetCounters()
	})
}

func (s *MemoryStore) Complete(ctx context.Context, jobID, workerID string, snap job.Snapshot, result *job.FileRef, expiresAt *time.Time) error {
	return s.owned(jobID, workerID, func(j *job.Job) {
		now := s.now()
		j.Status = job.StatusCompleted
		j.Apply(snap)
		j.Result = result
		j.ExpiresAt = expiresAt
		j.LeaseExpiresAt = nil
		j.CompletedAt = &now
	})
}

func (s *MemoryStore) Fail(ctx context.Context, jobID, workerID string, snap job.Snapshot, lastErr string) error {
	return s.owned(jobID, workerID, func(j *job.Job) {
		now := s.now()
		j.Status = job.StatusFailed
		j.Apply(snap)
		j.LastError = lastErr
		j.LeaseExpiresAt = nil
		j.CompletedAt = &now
	})
}

func (s *MemoryStore) Reject(ctx context.Context, jobID, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return job.ErrJobNotFound
	}
	if j.Status != job.StatusPending {
		return job.ErrInvalidTransition
	}

	now := s.now()
	j.Status = job.StatusFailed
	j.LastError = lastErr
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (s *MemoryStore) RequestCancel(ctx context.Context, jobID, organizationID string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.OrganizationID != organizationID {
		return nil, job.ErrJobNotFound
	}
	if j.Status.IsTerminal() {
		return nil, job.ErrJobTerminal
	}

	j.CancelRequested = true
	j.UpdatedAt = s.now()
	return cloneJob(j), nil
}

func (s *MemoryStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return false, job.ErrJobNotFound
	}
	return j.CancelRequested, nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, before time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*job.Job
	for _, j := range s.jobs {
		if j.ExpiresAt != nil && j.ExpiresAt.Before(before) {
			expired = append(expired, j)
		}
	}
	sort.Slice(expired, func(a, b int) bool {
		return expired[a].ExpiresAt.Before(*expired[b].ExpiresAt)
	})

	ids := make([]string, len(expired))
	for i, j := range expired {
		ids[i] = j.ID
	}
	return ids, nil
}

func (s *MemoryStore) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

func (s *MemoryStore) owned(jobID, workerID string, mutate func(j *job.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return job.ErrJobNotFound
	}
	if j.Status != job.StatusProcessing || j.WorkerID != workerID {
		return job.ErrLeaseLost
	}

	mutate(j)
	j.UpdatedAt = s.now()
	return nil
}

func cloneJob(j *job.Job) *job.Job {
	c := *j
	if j.TotalRecords != nil {
		total := *j.TotalRecords
		c.TotalRecords = &total
	}
	if j.Result != nil {
		result := *j.Result
		c.Result = &result
	}
	if j.Source.File != nil {
		file := *j.Source.File
		c.Source.File = &file
	}
	if j.Source.Filters != nil {
		c.Source.Filters = make(map[string]string, len(j.Source.Filters))
		for k, v := range j.Source.Filters {
			c.Source.Filters[k] = v
		}
	}
	c.ErrorLog.Entries = append([]job.RowError(nil), j.ErrorLog.Entries...)
	return &c
}
