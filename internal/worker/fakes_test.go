package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"gpubridge/pkg/remote"
	"gpubridge/pkg/store/mysql"

	"github.com/gorilla/websocket"
)

type memInstances struct {
	mu             sync.Mutex
	items          map[int64]*mysql.WorkerInstance
	connections    map[int64]int
	disconnections map[int64]int
}

func newMemInstances(items ...*mysql.WorkerInstance) *memInstances {
	s := &memInstances{
		items:          make(map[int64]*mysql.WorkerInstance),
		connections:    make(map[int64]int),
		disconnections: make(map[int64]int),
	}
	for _, it := range items {
		s.items[it.ID] = it
	}
	return s
}

func (s *memInstances) ListEnabled(ctx context.Context) ([]*mysql.WorkerInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*mysql.WorkerInstance
	for _, it := range s.items {
		if it.Enabled {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *memInstances) Get(ctx context.Context, id int64) (*mysql.WorkerInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[id], nil
}

func (s *memInstances) RecordConnection(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[id]++
	return nil
}

func (s *memInstances) RecordDisconnection(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnections[id]++
	return nil
}

func (s *memInstances) counts(id int64) (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections[id], s.disconnections[id]
}

type memExecutions struct {
	mu    sync.Mutex
	items map[string]*mysql.RemoteExecution
}

func newMemExecutions() *memExecutions {
	return &memExecutions{items: make(map[string]*mysql.RemoteExecution)}
}

func (s *memExecutions) Create(ctx context.Context, instanceID, jobID int64, promptID string) (*mysql.RemoteExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &mysql.RemoteExecution{
		ID:         int64(len(s.items) + 1),
		InstanceID: instanceID,
		JobID:      jobID,
		PromptID:   promptID,
		Status:     mysql.RemoteStatusQueued,
	}
	s.items[promptID] = e
	return e, nil
}

func (s *memExecutions) FindByPromptID(ctx context.Context, promptID string) (*mysql.RemoteExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[promptID]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (s *memExecutions) FindActiveByJobID(ctx context.Context, jobID int64) (*mysql.RemoteExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.items {
		if e.JobID == jobID && (e.Status == mysql.RemoteStatusQueued || e.Status == mysql.RemoteStatusRunning) {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memExecutions) set(promptID string, fn func(e *mysql.RemoteExecution)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[promptID]
	if !ok {
		return errors.New("execution not found")
	}
	fn(e)
	return nil
}

func (s *memExecutions) MarkStarted(ctx context.Context, promptID string) error {
	return s.set(promptID, func(e *mysql.RemoteExecution) {
		if e.Status == mysql.RemoteStatusQueued {
			e.Status = mysql.RemoteStatusRunning
		}
	})
}

func (s *memExecutions) UpdateProgress(ctx context.Context, promptID string, percent int16) error {
	return s.set(promptID, func(e *mysql.RemoteExecution) { e.ProgressPercent = percent })
}

func (s *memExecutions) UpdateCurrentNode(ctx context.Context, promptID, node string) error {
	return s.set(promptID, func(e *mysql.RemoteExecution) { e.CurrentNode = node })
}

// finish mirrors the repository guard: only queued or running rows move.
func (s *memExecutions) finish(promptID string, fn func(e *mysql.RemoteExecution)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[promptID]
	if !ok || (e.Status != mysql.RemoteStatusQueued && e.Status != mysql.RemoteStatusRunning) {
		return false, nil
	}
	fn(e)
	return true, nil
}

func (s *memExecutions) MarkCompleted(ctx context.Context, promptID string) (bool, error) {
	return s.finish(promptID, func(e *mysql.RemoteExecution) { e.Status = mysql.RemoteStatusCompleted })
}

func (s *memExecutions) MarkFailed(ctx context.Context, promptID, message string) (bool, error) {
	return s.finish(promptID, func(e *mysql.RemoteExecution) {
		e.Status = mysql.RemoteStatusFailed
		e.ErrorMessage = message
	})
}

func (s *memExecutions) MarkCancelled(ctx context.Context, promptID string) (bool, error) {
	return s.finish(promptID, func(e *mysql.RemoteExecution) { e.Status = mysql.RemoteStatusCancelled })
}

func (s *memExecutions) get(promptID string) mysql.RemoteExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.items[promptID]
}

// fakeWorker serves the worker HTTP API and hands every accepted session to the test.
type fakeWorker struct {
	srv      *httptest.Server
	sessions chan *websocket.Conn

	mu       sync.Mutex
	paths    []string
	promptID string
	onPrompt func() // runs before the /prompt response is written
}

func newFakeWorker(t *testing.T) *fakeWorker {
	t.Helper()
	fw := &fakeWorker{sessions: make(chan *websocket.Conn, 8), promptID: "p-1"}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fw.sessions <- ws
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fw.mu.Lock()
		fw.paths = append(fw.paths, r.URL.Path)
		promptID := fw.promptID
		onPrompt := fw.onPrompt
		fw.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/prompt":
			if onPrompt != nil {
				onPrompt()
			}
			_, _ = w.Write([]byte(`{"prompt_id":"` + promptID + `","number":0}`))
		case "/system_stats":
			_, _ = w.Write([]byte(`{"devices":[{"name":"cuda:0"}]}`))
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	})
	fw.srv = httptest.NewServer(mux)
	t.Cleanup(fw.srv.Close)
	return fw
}

func (fw *fakeWorker) instance(id int64) *mysql.WorkerInstance {
	return &mysql.WorkerInstance{
		ID:      id,
		Name:    "gpu-test",
		WSURL:   "ws" + strings.TrimPrefix(fw.srv.URL, "http"),
		APIURL:  fw.srv.URL,
		Enabled: true,
	}
}

func (fw *fakeWorker) requestedPaths() []string {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return append([]string(nil), fw.paths...)
}

func (fw *fakeWorker) nextSession(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-fw.sessions:
		t.Cleanup(func() { ws.Close() })
		return ws
	case <-time.After(5 * time.Second):
		t.Fatal("worker session was not opened")
		return nil
	}
}

func send(t *testing.T, ws *websocket.Conn, frame string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
}

func fastReconnect() remote.ReconnectConfig {
	return remote.ReconnectConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond}
}

func waitEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", kind)
			}
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
			return Event{}
		}
	}
}
