package script

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"gpubridge/pkg/logger"
	"gpubridge/pkg/store/mysql"
	"gpubridge/pkg/store/mysql/model"
)

// Environment variables passed to every script.
const (
	EnvScriptID    = "SCRIPT_ID"
	EnvExecutionID = "EXECUTION_ID"
	EnvVenvDir     = "VENV_DIR"
)

// ScriptStore loads script definitions.
type ScriptStore interface {
	Get(ctx context.Context, id int64) (*mysql.Script, error)
}

// ExecutionStore persists each step of an execution.
type ExecutionStore interface {
	Create(ctx context.Context, exec *mysql.ScriptExecution) error
	MarkRunning(ctx context.Context, id int64) error
	MarkCompleted(ctx context.Context, id int64, stdout, stderr string, exitCode int, durationMs int64, output mysql.JSONMap) error
	MarkFailed(ctx context.Context, id int64, message, stderr string) error
	MarkTimeout(ctx context.Context, id int64, durationMs int64) error
}

// Environments prepares interpreter environments.
type Environments interface {
	Ensure(ctx context.Context, requirementsPath, hash string) (string, error)
}

// Request asks for one script run.
type Request struct {
	ScriptID    int64
	Input       map[string]interface{}
	JobID       *int64
	TriggeredBy *int64
}

// Result is a finished run.
type Result struct {
	ExecutionID int64
	Output      *Output
}

// Orchestrator runs scripts through Loaded, Validated, Created, Running and one
// of Completed, TimedOut or Failed, persisting each step before the next.
type Orchestrator struct {
	scripts        ScriptStore
	executions     ExecutionStore
	envs           Environments
	defaultTimeout time.Duration
	executorFor    func(model.ScriptType) (Executor, error)

	wg sync.WaitGroup
}

// NewOrchestrator creates an orchestrator. Scripts without a timeout get defaultTimeout.
func NewOrchestrator(scripts ScriptStore, executions ExecutionStore, envs Environments, defaultTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		scripts:        scripts,
		executions:     executions,
		envs:           envs,
		defaultTimeout: defaultTimeout,
		executorFor:    ExecutorFor,
	}
}

// Execute runs the script and waits for it. A non-zero exit code is a completed run.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Result, error) {
	s, exec, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	out, err := o.run(ctx, s, exec)
	if err != nil {
		return &Result{ExecutionID: exec.ID}, err
	}
	return &Result{ExecutionID: exec.ID, Output: out}, nil
}

// ExecuteAsync records the execution and returns its id; the run continues in the background.
func (o *Orchestrator) ExecuteAsync(ctx context.Context, req Request) (int64, error) {
	s, exec, err := o.prepare(ctx, req)
	if err != nil {
		return 0, err
	}

	runCtx := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.run(runCtx, s, exec); err != nil {
			logger.WarnCtx(runCtx, "script %d execution %d failed: %v", s.ID, exec.ID, err)
		}
	}()
	return exec.ID, nil
}

// Wait blocks until every background run has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// prepare covers Loaded, Validated and Created.
func (o *Orchestrator) prepare(ctx context.Context, req Request) (*mysql.Script, *mysql.ScriptExecution, error) {
	s, err := o.scripts.Get(ctx, req.ScriptID)
	if err != nil {
		return nil, nil, err
	}
	if s == nil {
		return nil, nil, fmt.Errorf("%w: %d", ErrScriptNotFound, req.ScriptID)
	}
	if !s.Enabled {
		return nil, nil, fmt.Errorf("%w: %s", ErrScriptDisabled, s.Name)
	}

	exec := &mysql.ScriptExecution{
		ScriptID:    s.ID,
		JobID:       req.JobID,
		TriggeredBy: req.TriggeredBy,
		InputData:   mysql.JSONMap(req.Input),
	}
	if err := o.executions.Create(ctx, exec); err != nil {
		return nil, nil, err
	}
	return s, exec, nil
}

// run covers Running and the terminal step. Terminal writes use a context detached from
// the caller so a disconnected client cannot leave the execution Running.
func (o *Orchestrator) run(ctx context.Context, s *mysql.Script, exec *mysql.ScriptExecution) (*Output, error) {
	final := context.WithoutCancel(ctx)

	if err := o.executions.MarkRunning(ctx, exec.ID); err != nil {
		o.finalize(final, exec.ID, o.executions.MarkFailed(final, exec.ID, err.Error(), ""))
		return nil, err
	}

	env := map[string]string{
		EnvScriptID:    strconv.FormatInt(s.ID, 10),
		EnvExecutionID: strconv.FormatInt(exec.ID, 10),
	}

	if s.ScriptType == model.ScriptTypePython && s.RequirementsPath != "" && s.RequirementsHash != "" {
		dir, err := o.envs.Ensure(ctx, s.RequirementsPath, s.RequirementsHash)
		if err != nil {
			msg := fmt.Sprintf("Failed to prepare venv: %v", err)
			o.finalize(final, exec.ID, o.executions.MarkFailed(final, exec.ID, msg, ""))
			return nil, errors.New(msg)
		}
		env[EnvVenvDir] = dir
	}

	executor, err := o.executorFor(s.ScriptType)
	if err != nil {
		o.finalize(final, exec.ID, o.executions.MarkFailed(final, exec.ID, err.Error(), ""))
		return nil, err
	}

	timeout := time.Duration(s.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = o.defaultTimeout
	}

	logger.InfoCtx(ctx, "running script %d (%s) as execution %d", s.ID, s.Name, exec.ID)
	out, err := executor.Execute(ctx, s.FilePath, Input{
		Data:       stdinPayload(exec.InputData),
		Env:        env,
		WorkingDir: s.WorkingDirectory,
		Timeout:    timeout,
	})

	if err != nil {
		if elapsed, ok := IsTimeout(err); ok {
			o.finalize(final, exec.ID, o.executions.MarkTimeout(final, exec.ID, elapsed.Milliseconds()))
		} else {
			o.finalize(final, exec.ID, o.executions.MarkFailed(final, exec.ID, err.Error(), stderrOf(err)))
		}
		return nil, err
	}

	o.finalize(final, exec.ID, o.executions.MarkCompleted(final, exec.ID,
		out.Stdout, out.Stderr, out.ExitCode, out.DurationMs(), toJSONMap(out.Parsed)))
	return out, nil
}

func (o *Orchestrator) finalize(ctx context.Context, id int64, err error) {
	if err != nil {
		logger.ErrorCtx(ctx, "failed to record outcome of script execution %d: %v", id, err)
	}
}

func stderrOf(err error) string {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Stderr
	}
	return ""
}

// stdinPayload returns the payload written to stdin; a missing input becomes an empty object.
func stdinPayload(in mysql.JSONMap) interface{} {
	if in == nil {
		return map[string]interface{}{}
	}
	return map[string]interface{}(in)
}

// toJSONMap stores object output as-is and wraps any other JSON value.
func toJSONMap(v interface{}) mysql.JSONMap {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		return mysql.JSONMap(t)
	default:
		return mysql.JSONMap{"result": t}
	}
}
