package progress

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"gpubridge/internal/events"
	"gpubridge/internal/worker"
	"gpubridge/pkg/store/mysql"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobs struct {
	mu   sync.Mutex
	err  error
	jobs map[int64]*mysql.Job
}

func newFakeJobs(jobs ...*mysql.Job) *fakeJobs {
	f := &fakeJobs{jobs: make(map[int64]*mysql.Job)}
	for _, j := range jobs {
		f.jobs[j.ID] = j
	}
	return f
}

func (f *fakeJobs) Get(ctx context.Context, id int64) (*mysql.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id], nil
}

func (f *fakeJobs) UpdateProgress(ctx context.Context, id int64, percent int16, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs[id].ProgressPercent = percent
	f.jobs[id].ProgressMessage = message
	return nil
}

func (f *fakeJobs) Complete(ctx context.Context, id int64, outputs mysql.JSONMap) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs[id].Status = mysql.JobStatusCompleted
	f.jobs[id].ProgressPercent = 100
	f.jobs[id].Outputs = outputs
	return nil
}

func (f *fakeJobs) Fail(ctx context.Context, id int64, message string, details mysql.JSONMap) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs[id].Status = mysql.JobStatusFailed
	f.jobs[id].ErrorMessage = message
	return nil
}

func (f *fakeJobs) Cancel(ctx context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.jobs[id].Status.IsTerminal() {
		return false, nil
	}
	f.jobs[id].Status = mysql.JobStatusCancelled
	return true, nil
}

type capture struct {
	mu   sync.Mutex
	msgs []map[string]interface{}
}

func (c *capture) BroadcastJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *capture) ofType(typ string) []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]interface{}
	for _, m := range c.msgs {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func runningJob(id int64) *mysql.Job {
	submitter := int64(77)
	return &mysql.Job{ID: id, Status: mysql.JobStatusRunning, SubmittedBy: &submitter}
}

func TestTranslator_Progress(t *testing.T) {
	jobs := newFakeJobs(runningJob(1))
	notes := &capture{}
	tr := NewTranslator(jobs, notes, nil)

	node := "KSampler"
	tr.Handle(context.Background(), worker.Event{Kind: worker.GenerationProgress, JobID: 1, Percent: 40, CurrentNode: &node})

	assert.Equal(t, int16(40), jobs.jobs[1].ProgressPercent)
	assert.Equal(t, "KSampler", jobs.jobs[1].ProgressMessage)
	msgs := notes.ofType("job_progress")
	require.Len(t, msgs, 1)
	assert.Equal(t, float64(1), msgs[0]["job_id"])
	assert.Equal(t, float64(40), msgs[0]["percent"])
	assert.Equal(t, "KSampler", msgs[0]["current_node"])
}

func TestTranslator_CompletedUpdatesStoreAndNotifiesOnce(t *testing.T) {
	jobs := newFakeJobs(runningJob(2))
	notes := &capture{}
	bus := events.NewBus(4)
	published := bus.Subscribe()
	tr := NewTranslator(jobs, notes, bus)

	tr.Handle(context.Background(), worker.Event{
		Kind:       worker.GenerationCompleted,
		JobID:      2,
		InstanceID: 3,
		Outputs:    json.RawMessage(`{"9":{"images":["a.png"]}}`),
	})

	assert.Equal(t, mysql.JobStatusCompleted, jobs.jobs[2].Status)
	assert.Contains(t, jobs.jobs[2].Outputs, "9")
	assert.Len(t, notes.ofType("job_completed"), 1)

	select {
	case e := <-published:
		assert.Equal(t, events.TypeJobCompleted, e.Type)
		require.NotNil(t, e.ActorUserID)
		assert.Equal(t, int64(77), *e.ActorUserID)
	case <-time.After(time.Second):
		t.Fatal("job.completed was not published")
	}
}

func TestTranslator_CompletedNotifiesEvenIfStoreFails(t *testing.T) {
	jobs := newFakeJobs(runningJob(3))
	jobs.err = errors.New("deadlock found when trying to get lock")
	notes := &capture{}
	tr := NewTranslator(jobs, notes, nil)

	tr.Handle(context.Background(), worker.Event{Kind: worker.GenerationCompleted, JobID: 3})

	assert.Equal(t, mysql.JobStatusRunning, jobs.jobs[3].Status)
	assert.Len(t, notes.ofType("job_completed"), 1)
}

func TestTranslator_Failed(t *testing.T) {
	jobs := newFakeJobs(runningJob(4))
	notes := &capture{}
	tr := NewTranslator(jobs, notes, nil)

	tr.Handle(context.Background(), worker.Event{Kind: worker.GenerationError, JobID: 4, Error: "CUDA out of memory"})

	assert.Equal(t, mysql.JobStatusFailed, jobs.jobs[4].Status)
	assert.Equal(t, "CUDA out of memory", jobs.jobs[4].ErrorMessage)
	msgs := notes.ofType("job_failed")
	require.Len(t, msgs, 1)
	assert.Equal(t, "CUDA out of memory", msgs[0]["error"])
}

func TestTranslator_CancelledIsIdempotent(t *testing.T) {
	job := runningJob(5)
	job.Status = mysql.JobStatusCancelled
	jobs := newFakeJobs(job)
	notes := &capture{}
	tr := NewTranslator(jobs, notes, nil)

	tr.Handle(context.Background(), worker.Event{Kind: worker.GenerationCancelled, JobID: 5})

	assert.Equal(t, mysql.JobStatusCancelled, jobs.jobs[5].Status)
	assert.Len(t, notes.ofType("job_cancelled"), 1)
}

func TestTranslator_InstanceEventsTouchNothing(t *testing.T) {
	jobs := newFakeJobs()
	notes := &capture{}
	tr := NewTranslator(jobs, notes, nil)

	tr.Handle(context.Background(), worker.Event{Kind: worker.InstanceConnected, InstanceID: 1})
	tr.Handle(context.Background(), worker.Event{Kind: worker.InstanceDisconnected, InstanceID: 1})

	assert.Empty(t, notes.msgs)
}

func TestTranslator_RunPreservesOrder(t *testing.T) {
	jobs := newFakeJobs(runningJob(6))
	notes := &capture{}
	tr := NewTranslator(jobs, notes, nil)

	ch := make(chan worker.Event, 3)
	ch <- worker.Event{Kind: worker.GenerationProgress, JobID: 6, Percent: 10}
	ch <- worker.Event{Kind: worker.GenerationProgress, JobID: 6, Percent: 90}
	ch <- worker.Event{Kind: worker.GenerationCompleted, JobID: 6}
	close(ch)

	tr.Run(context.Background(), ch)

	require.Len(t, notes.msgs, 3)
	assert.Equal(t, float64(10), notes.msgs[0]["percent"])
	assert.Equal(t, float64(90), notes.msgs[1]["percent"])
	assert.Equal(t, "job_completed", notes.msgs[2]["type"])
}
