package script

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// maxCaptureBytes caps each captured stream; the rest is discarded.
	maxCaptureBytes = 10 << 20
	// pipeDrainDelay is how long output is still collected after the script exits.
	pipeDrainDelay = 2 * time.Second
)

// Input is what a script receives.
type Input struct {
	Data       interface{}       // JSON-encoded onto stdin
	Env        map[string]string // overlaid on the parent environment
	WorkingDir string
	Timeout    time.Duration // zero means no limit
}

// Output is what a script produced when it exited on its own.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	Parsed   interface{} // stdout decoded as JSON, nil when it is not valid JSON
}

// DurationMs returns the run time in milliseconds.
func (o *Output) DurationMs() int64 {
	return o.Duration.Milliseconds()
}

// Runner spawns one process per call in its own process group, so a timeout
// kills the script together with anything it started.
type Runner struct{}

// Run executes program with args and waits for it to exit or time out.
func (Runner) Run(ctx context.Context, program string, args []string, in Input) (*Output, error) {
	runCtx := ctx
	if in.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, in.Timeout)
		defer cancel()
	}

	cmd := exec.Command(program, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Dir = in.WorkingDir
	cmd.Env = os.Environ()
	for k, v := range in.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	payload, err := json.Marshal(in.Data)
	if err != nil {
		return nil, &ExecError{Kind: KindIO, Path: program, Err: err}
	}
	outBuf := &cappedBuffer{limit: maxCaptureBytes}
	errBuf := &cappedBuffer{limit: maxCaptureBytes}
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = outBuf
	cmd.Stderr = errBuf
	// A background child that inherited stdout must not hold the run open after the script exits.
	cmd.WaitDelay = pipeDrainDelay

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, startError(program, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		killGroup(cmd)
		<-done
		elapsed := time.Since(start)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &ExecError{Kind: KindTimeout, Path: program, Elapsed: elapsed}
		}
		return nil, &ExecError{Kind: KindIO, Path: program, Elapsed: elapsed, Err: runCtx.Err()}
	}
	elapsed := time.Since(start)

	if errors.Is(waitErr, exec.ErrWaitDelay) {
		waitErr = nil
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return nil, &ExecError{Kind: KindIO, Path: program, Elapsed: elapsed, Err: waitErr}
	}

	out := &Output{
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: elapsed,
	}
	out.Parsed = parseOutput(out.Stdout)
	return out, nil
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}

func startError(program string, err error) error {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return &ExecError{Kind: KindNotFound, Path: program, Err: err}
	case errors.Is(err, os.ErrPermission):
		return &ExecError{Kind: KindPermissionDenied, Path: program, Err: err}
	default:
		return &ExecError{Kind: KindIO, Path: program, Err: err}
	}
}

func parseOutput(stdout string) interface{} {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return nil
	}
	return v
}

// cappedBuffer keeps the first limit bytes and silently drops the rest.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
