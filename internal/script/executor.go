package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gpubridge/pkg/store/mysql/model"
)

// Executor runs one script file.
type Executor interface {
	Execute(ctx context.Context, path string, in Input) (*Output, error)
}

// ShellExecutor runs scripts with bash.
type ShellExecutor struct {
	runner Runner
}

func (e ShellExecutor) Execute(ctx context.Context, path string, in Input) (*Output, error) {
	return e.runner.Run(ctx, "bash", []string{path}, in)
}

// PythonExecutor runs scripts with the environment's interpreter when VENV_DIR is set,
// otherwise with python3 from PATH.
type PythonExecutor struct {
	runner Runner
}

func (e PythonExecutor) Execute(ctx context.Context, path string, in Input) (*Output, error) {
	return e.runner.Run(ctx, interpreter(in.Env), []string{path}, in)
}

func interpreter(env map[string]string) string {
	if dir := env[EnvVenvDir]; dir != "" {
		return filepath.Join(dir, "bin", "python")
	}
	return "python3"
}

// BinaryExecutor runs the script file itself, which must exist and be executable.
type BinaryExecutor struct {
	runner Runner
}

func (e BinaryExecutor) Execute(ctx context.Context, path string, in Input) (*Output, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &ExecError{Kind: KindNotFound, Path: path, Err: err}
		}
		return nil, &ExecError{Kind: KindIO, Path: path, Err: err}
	}
	if info.Mode().Perm()&0o111 == 0 {
		return nil, &ExecError{
			Kind: KindPermissionDenied,
			Path: fmt.Sprintf("%s is not executable (mode %#o)", path, info.Mode().Perm()),
		}
	}
	return e.runner.Run(ctx, path, nil, in)
}

// ExecutorFor resolves the executor for a script type.
func ExecutorFor(t model.ScriptType) (Executor, error) {
	switch t {
	case model.ScriptTypeShell:
		return ShellExecutor{}, nil
	case model.ScriptTypePython:
		return PythonExecutor{}, nil
	case model.ScriptTypeBinary:
		return BinaryExecutor{}, nil
	default:
		return nil, fmt.Errorf("unknown script type: %s", t)
	}
}
