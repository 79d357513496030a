package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"gpubridge/internal/worker"
	"gpubridge/pkg/store/mysql"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memJobs struct {
	jobs      map[int64]*mysql.Job
	nextID    int64
	cancelled []int64
}

func newMemJobs(jobs ...*mysql.Job) *memJobs {
	m := &memJobs{jobs: make(map[int64]*mysql.Job), nextID: 100}
	for _, j := range jobs {
		m.jobs[j.ID] = j
	}
	return m
}

func (m *memJobs) Create(ctx context.Context, job *mysql.Job) error {
	m.nextID++
	job.ID = m.nextID
	m.jobs[job.ID] = job
	return nil
}

func (m *memJobs) Get(ctx context.Context, id int64) (*mysql.Job, error) {
	return m.jobs[id], nil
}

func (m *memJobs) Cancel(ctx context.Context, id int64) (bool, error) {
	j := m.jobs[id]
	if j == nil || j.Status.IsTerminal() {
		return false, nil
	}
	j.Status = mysql.JobStatusCancelled
	m.cancelled = append(m.cancelled, id)
	return true, nil
}

func (m *memJobs) Retry(ctx context.Context, id int64) (*mysql.Job, error) {
	orig := m.jobs[id]
	job := &mysql.Job{JobType: orig.JobType, Status: mysql.JobStatusPending, Parameters: orig.Parameters, RetryOfJobID: &orig.ID}
	return job, m.Create(ctx, job)
}

type fakeCanceller struct {
	err   error
	calls []int64
}

func (f *fakeCanceller) CancelJob(ctx context.Context, jobID int64) error {
	f.calls = append(f.calls, jobID)
	return f.err
}

func newJobEngine(jobs *memJobs, workers *fakeCanceller) *gin.Engine {
	h := NewJobHandler(jobs, workers)
	engine := gin.New()
	engine.POST("/jobs", h.Submit)
	engine.GET("/jobs/:id", h.Get)
	engine.POST("/jobs/:id/cancel", h.Cancel)
	engine.POST("/jobs/:id/retry", h.Retry)
	return engine
}

func do(engine *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestJobHandler_Submit(t *testing.T) {
	jobs := newMemJobs()
	engine := newJobEngine(jobs, &fakeCanceller{})

	w := do(engine, http.MethodPost, "/jobs", map[string]interface{}{
		"job_type":   "txt2img",
		"priority":   5,
		"parameters": map[string]interface{}{"workflow": map[string]interface{}{"3": "KSampler"}},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var job mysql.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, int64(101), job.ID)
	assert.Equal(t, mysql.JobStatusPending, job.Status)
	assert.Equal(t, 5, jobs.jobs[101].Priority)
}

func TestJobHandler_SubmitValidation(t *testing.T) {
	engine := newJobEngine(newMemJobs(), &fakeCanceller{})

	w := do(engine, http.MethodPost, "/jobs", map[string]interface{}{"parameters": map[string]interface{}{"workflow": 1}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(engine, http.MethodPost, "/jobs", map[string]interface{}{"job_type": "x", "parameters": map[string]interface{}{"seed": 1}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "workflow")
}

func TestJobHandler_Get(t *testing.T) {
	engine := newJobEngine(newMemJobs(&mysql.Job{ID: 1, JobType: "t"}), &fakeCanceller{})

	assert.Equal(t, http.StatusOK, do(engine, http.MethodGet, "/jobs/1", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(engine, http.MethodGet, "/jobs/2", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(engine, http.MethodGet, "/jobs/abc", nil).Code)
}

func TestJobHandler_CancelRunningGoesToWorker(t *testing.T) {
	jobs := newMemJobs(&mysql.Job{ID: 1, Status: mysql.JobStatusRunning})
	workers := &fakeCanceller{}
	engine := newJobEngine(jobs, workers)

	w := do(engine, http.MethodPost, "/jobs/1/cancel", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []int64{1}, workers.calls)
	assert.Empty(t, jobs.cancelled)
}

func TestJobHandler_CancelRunningWithoutExecutionFallsBack(t *testing.T) {
	jobs := newMemJobs(&mysql.Job{ID: 1, Status: mysql.JobStatusRunning})
	workers := &fakeCanceller{err: fmt.Errorf("lookup: %w", worker.ErrNoActiveExecution)}
	engine := newJobEngine(jobs, workers)

	w := do(engine, http.MethodPost, "/jobs/1/cancel", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int64{1}, jobs.cancelled)
}

func TestJobHandler_CancelPendingIsLocal(t *testing.T) {
	jobs := newMemJobs(&mysql.Job{ID: 1, Status: mysql.JobStatusPending})
	workers := &fakeCanceller{}
	engine := newJobEngine(jobs, workers)

	assert.Equal(t, http.StatusOK, do(engine, http.MethodPost, "/jobs/1/cancel", nil).Code)
	assert.Empty(t, workers.calls)
	assert.Equal(t, mysql.JobStatusCancelled, jobs.jobs[1].Status)
}

func TestJobHandler_CancelTerminalConflicts(t *testing.T) {
	engine := newJobEngine(newMemJobs(&mysql.Job{ID: 1, Status: mysql.JobStatusCompleted}), &fakeCanceller{})
	assert.Equal(t, http.StatusConflict, do(engine, http.MethodPost, "/jobs/1/cancel", nil).Code)
}

func TestJobHandler_Retry(t *testing.T) {
	jobs := newMemJobs(
		&mysql.Job{ID: 1, Status: mysql.JobStatusFailed, JobType: "t"},
		&mysql.Job{ID: 2, Status: mysql.JobStatusRunning},
	)
	engine := newJobEngine(jobs, &fakeCanceller{})

	w := do(engine, http.MethodPost, "/jobs/1/retry", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var job mysql.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	require.NotNil(t, job.RetryOfJobID)
	assert.Equal(t, int64(1), *job.RetryOfJobID)

	assert.Equal(t, http.StatusConflict, do(engine, http.MethodPost, "/jobs/2/retry", nil).Code)
}
