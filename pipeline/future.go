package pipeline

import (
	"time"

	"github.com/pkg/errors"

	acf "github.com/acfdet/acf/core"
)

type cpuResult struct {
	dets    []acf.Detection
	err     error
	elapsed time.Duration
}

// future is a one-shot handle on a worker task. A panic inside the task is
// captured and surfaces as the future's error.
type future struct {
	ch chan cpuResult
}

func spawn(fn func() ([]acf.Detection, error)) *future {
	f := &future{ch: make(chan cpuResult, 1)}
	go func() {
		t0 := time.Now()
		defer func() {
			if r := recover(); r != nil {
				f.ch <- cpuResult{err: errors.Errorf("worker panic: %v", r), elapsed: time.Since(t0)}
			}
		}()
		dets, err := fn()
		f.ch <- cpuResult{dets: dets, err: err, elapsed: time.Since(t0)}
	}()
	return f
}

// wait blocks until the task completes. It must be called exactly once.
func (f *future) wait() cpuResult {
	return <-f.ch
}
