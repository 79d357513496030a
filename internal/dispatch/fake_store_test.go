package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"gpubridge/pkg/store/mysql"
)

// memStore mirrors the claim contract of the MySQL repository: a pending,
// unassigned job is handed out to at most one claimer.
type memStore struct {
	mu       sync.Mutex
	jobs     []*mysql.Job
	claims   map[int64]int
	busyErr  error
	claimErr map[int64]error
	startErr map[int64]error // consumed by the next MarkStarted of that job
	failed   map[int64]string
}

func newMemStore(jobs ...*mysql.Job) *memStore {
	return &memStore{
		jobs:     jobs,
		claims:   make(map[int64]int),
		claimErr: make(map[int64]error),
		startErr: make(map[int64]error),
		failed:   make(map[int64]string),
	}
}

func pendingJobs(n int) []*mysql.Job {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	jobs := make([]*mysql.Job, n)
	for i := range jobs {
		jobs[i] = &mysql.Job{
			ID:          int64(i + 1),
			Status:      mysql.JobStatusPending,
			Parameters:  mysql.JSONMap{"workflow": map[string]interface{}{}},
			SubmittedAt: base.Add(time.Duration(i) * time.Second),
		}
	}
	return jobs
}

func (s *memStore) BusyWorkerIDs(ctx context.Context, workerIDs []int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busyErr != nil {
		return nil, s.busyErr
	}
	want := make(map[int64]bool, len(workerIDs))
	for _, id := range workerIDs {
		want[id] = true
	}
	seen := make(map[int64]bool)
	var busy []int64
	for _, j := range s.jobs {
		if j.WorkerID == nil || !want[*j.WorkerID] || seen[*j.WorkerID] {
			continue
		}
		if j.Status == mysql.JobStatusPending || j.Status == mysql.JobStatusRunning {
			busy = append(busy, *j.WorkerID)
			seen[*j.WorkerID] = true
		}
	}
	return busy, nil
}

func (s *memStore) ClaimNext(ctx context.Context, workerID int64) (*mysql.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.claimErr[workerID]; err != nil {
		return nil, err
	}

	var candidates []*mysql.Job
	for _, j := range s.jobs {
		if j.Status == mysql.JobStatusPending && j.WorkerID == nil {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		if candidates[a].Priority != candidates[b].Priority {
			return candidates[a].Priority > candidates[b].Priority
		}
		return candidates[a].SubmittedAt.Before(candidates[b].SubmittedAt)
	})

	job := candidates[0]
	wid := workerID
	now := time.Now()
	job.WorkerID = &wid
	job.ClaimedAt = &now
	s.claims[job.ID]++
	cp := *job
	return &cp, nil
}

func (s *memStore) MarkStarted(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.startErr[id]; err != nil {
		delete(s.startErr, id)
		return err
	}
	for _, j := range s.jobs {
		if j.ID == id {
			if j.Status != mysql.JobStatusPending {
				return errors.New("job is not pending")
			}
			j.Status = mysql.JobStatusRunning
			return nil
		}
	}
	return errors.New("job not found")
}

func (s *memStore) ReleaseClaim(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == id && j.Status == mysql.JobStatusPending {
			j.WorkerID = nil
			j.ClaimedAt = nil
		}
	}
	return nil
}

func (s *memStore) Fail(ctx context.Context, id int64, message string, details mysql.JSONMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == id {
			j.Status = mysql.JobStatusFailed
			j.ErrorMessage = message
			s.failed[id] = message
			return nil
		}
	}
	return errors.New("job not found")
}

func (s *memStore) status(id int64) mysql.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == id {
			return j.Status
		}
	}
	return 0
}

type fakeRegistry struct {
	mu        sync.Mutex
	connected []int64
	submitErr error
	submitted map[int64][]int64 // worker -> job ids
}

func newFakeRegistry(connected ...int64) *fakeRegistry {
	return &fakeRegistry{connected: connected, submitted: make(map[int64][]int64)}
}

func (r *fakeRegistry) ConnectedInstanceIDs() []int64 {
	return append([]int64(nil), r.connected...)
}

func (r *fakeRegistry) SubmitJob(ctx context.Context, instanceID int64, job *mysql.Job) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.submitErr != nil {
		return "", r.submitErr
	}
	r.submitted[instanceID] = append(r.submitted[instanceID], job.ID)
	return "prompt", nil
}
