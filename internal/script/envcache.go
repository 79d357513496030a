package script

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gpubridge/pkg/lock"
	"gpubridge/pkg/logger"

	"github.com/go-redis/redis/v8"
)

const (
	defaultInstallTimeout = 10 * time.Minute
	readyMarker           = ".ready"
)

// EnvCache keeps one python environment per requirements hash under baseDir.
// Creation of a given hash is serialized within the process and, when a Redis
// client is configured, across processes sharing baseDir.
type EnvCache struct {
	baseDir        string
	installTimeout time.Duration
	redis          *redis.Client
	python         string
	runner         Runner

	locks sync.Map // hash -> *sync.Mutex
}

// NewEnvCache creates a cache rooted at baseDir. client may be nil.
func NewEnvCache(baseDir string, installTimeout time.Duration, client *redis.Client) *EnvCache {
	if installTimeout <= 0 {
		installTimeout = defaultInstallTimeout
	}
	return &EnvCache{
		baseDir:        baseDir,
		installTimeout: installTimeout,
		redis:          client,
		python:         "python3",
	}
}

// Dir returns the environment directory for hash.
func (c *EnvCache) Dir(hash string) string {
	return filepath.Join(c.baseDir, "venv_"+hash)
}

// Ensure returns the environment for hash, creating it from requirementsPath if needed.
// A failed install leaves no directory behind.
func (c *EnvCache) Ensure(ctx context.Context, requirementsPath, hash string) (string, error) {
	if !validHash(hash) {
		return "", &ExecError{Kind: KindIO, Path: hash, Err: fmt.Errorf("requirements hash %q is not lowercase hex", hash)}
	}
	dir := c.Dir(hash)
	if ready(dir) {
		return dir, nil
	}

	mu, _ := c.locks.LoadOrStore(hash, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	if ready(dir) {
		return dir, nil
	}

	if c.redis == nil {
		return dir, c.create(ctx, requirementsPath, dir)
	}

	dl := lock.NewRedisLock(c.redis, "envcache:"+hash, c.installTimeout+time.Minute)
	if err := dl.Lock(ctx); err != nil {
		return "", fmt.Errorf("failed to lock environment %s: %w", hash, err)
	}
	defer func() {
		if err := dl.Unlock(context.Background()); err != nil {
			logger.WarnCtx(ctx, "failed to unlock environment %s: %v", hash, err)
		}
	}()

	if ready(dir) {
		return dir, nil
	}
	return dir, c.create(ctx, requirementsPath, dir)
}

func (c *EnvCache) create(ctx context.Context, requirementsPath, dir string) error {
	if err := os.MkdirAll(c.baseDir, 0o755); err != nil {
		return &ExecError{Kind: KindIO, Path: c.baseDir, Err: err}
	}

	if err := os.RemoveAll(dir); err != nil {
		return &ExecError{Kind: KindIO, Path: dir, Err: err}
	}

	logger.InfoCtx(ctx, "creating python environment %s", dir)
	in := Input{Timeout: c.installTimeout}

	out, err := c.runner.Run(ctx, c.python, []string{"-m", "venv", dir}, in)
	if err == nil && out.ExitCode != 0 {
		err = &ExecError{Kind: KindExecutionFailed, Path: dir, ExitCode: out.ExitCode, Stderr: "Failed to create virtual environment"}
	}
	if err != nil {
		_ = os.RemoveAll(dir)
		return err
	}

	pip := filepath.Join(dir, "bin", "pip")
	out, err = c.runner.Run(ctx, pip, []string{"install", "-r", requirementsPath}, in)
	if err == nil && out.ExitCode != 0 {
		err = &ExecError{Kind: KindExecutionFailed, Path: requirementsPath, ExitCode: out.ExitCode, Stderr: out.Stderr}
	}
	if err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			logger.ErrorCtx(ctx, "failed to remove partial environment %s: %v", dir, rmErr)
		}
		return err
	}

	if err := os.WriteFile(filepath.Join(dir, readyMarker), nil, 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return &ExecError{Kind: KindIO, Path: dir, Err: err}
	}
	logger.InfoCtx(ctx, "python environment %s ready", dir)
	return nil
}

// validHash accepts what HashRequirements produces. The hash becomes a directory name
// that create removes, so anything else is refused.
func validHash(hash string) bool {
	if hash == "" || len(hash) > sha256.Size*2 {
		return false
	}
	for _, r := range hash {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// HashRequirements returns the hex SHA-256 of the requirements file.
func HashRequirements(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", &ExecError{Kind: KindIO, Path: path, Err: err}
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ready reports whether dir holds a completed environment. A directory without
// the marker is a leftover from an interrupted install.
func ready(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, readyMarker))
	return err == nil
}
