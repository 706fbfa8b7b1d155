package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

var ErrUnsafeCleanupTarget = errors.New("refusing to delete directory outside the output root")

// CleanupJob names the artifacts of one request. OutputPath is the annotated
// image; its parent directory is removed. Either field may be empty.
type CleanupJob struct {
	OutputPath string
	InputPath  string
}

type CleanupResult struct {
	OutputDir string
	InputPath string
	Err       error
	Duration  time.Duration
}

func (r CleanupResult) OK() bool {
	return r.Err == nil
}

// Cleaner removes request artifacts in the background. Failures are reported
// through the result callback and the log, never to the caller.
type Cleaner struct {
	root     string
	jobs     chan CleanupJob
	onResult func(CleanupResult)
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewCleaner(root string, workers, queue int, onResult func(CleanupResult)) *Cleaner {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	c := &Cleaner{
		root:     root,
		jobs:     make(chan CleanupJob, queue),
		onResult: onResult,
	}

	c.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer c.wg.Done()
			for job := range c.jobs {
				c.Remove(job)
			}
		}()
	}
	return c
}

// Schedule queues job. After Close the job runs on the calling goroutine.
func (c *Cleaner) Schedule(job CleanupJob) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		c.Remove(job)
		return
	}
	c.jobs <- job
	c.mu.RUnlock()
}

// Close stops accepting jobs and waits for the queued ones.
func (c *Cleaner) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.jobs)
	c.mu.Unlock()

	c.wg.Wait()
}

// Remove deletes the job's artifacts synchronously.
func (c *Cleaner) Remove(job CleanupJob) CleanupResult {
	start := time.Now()
	var result CleanupResult
	var errs error

	if job.OutputPath != "" {
		result.OutputDir = filepath.Dir(job.OutputPath)
		if err := c.removeOutputDir(result.OutputDir); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if job.InputPath != "" {
		result.InputPath = job.InputPath
		if err := os.Remove(job.InputPath); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("remove input: %w", err))
		}
	}

	result.Err = errs
	result.Duration = time.Since(start)
	c.report(result)
	return result
}

func (c *Cleaner) removeOutputDir(dir string) error {
	if !IsWithin(c.root, dir) {
		return fmt.Errorf("%w: %s", ErrUnsafeCleanupTarget, dir)
	}
	if _, err := os.Lstat(dir); err != nil {
		return fmt.Errorf("stat output dir: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove output dir: %w", err)
	}
	return nil
}

func (c *Cleaner) report(result CleanupResult) {
	if result.OK() {
		log.Debugf("deleted folder %s (input %s) in %s", result.OutputDir, result.InputPath, result.Duration)
	} else {
		log.Warnf("failed to clean up %s: %v", result.OutputDir, result.Err)
	}
	if c.onResult != nil {
		c.onResult(result)
	}
}

// IsWithin reports whether dir is a direct child of root. The root itself and
// anything deeper or outside is rejected.
func IsWithin(root, dir string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, absDir)
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !strings.ContainsRune(rel, filepath.Separator)
}
