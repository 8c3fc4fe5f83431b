// Package pipeline overlaps channel extraction and cascade evaluation
// across frames. A three stage schedule keeps frame N on the channel
// stage, frame N-1 on the CPU cascade and frame N-2 at the consumer, so
// stage transfer cost is hidden behind two frames of latency.
package pipeline

import (
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	acf "github.com/acfdet/acf/core"
)

// Frame is one unit of pipeline input: either a tight pixel buffer or a GL
// texture id (the latter requires the GPU channel stage).
type Frame struct {
	Index         uint64
	Width, Height int
	Pix           []uint8 // 8-bit RGBA rows, tight
	Texture       uint32
}

// Result pairs the detections of a delivered frame with the texture that
// produced them. Results arrive in strict frame order, two frames behind
// the input.
type Result struct {
	FrameIndex uint64
	Texture    uint32
	Detections []acf.Detection
}

// FrameState tracks one frame through the pipeline.
type FrameState int

const (
	// Received means the frame entered the scheduler.
	Received FrameState = iota
	// GpuQueued means stage work for the frame has been enqueued.
	GpuQueued
	// GpuRetrieved means the frame's channels were read back.
	GpuRetrieved
	// CpuRunning means the cascade runs on a worker.
	CpuRunning
	// Delivered means the consumer received the result.
	Delivered
)

// ChannelProvider produces channel pyramids for frames. Submit enqueues
// stage work for a frame; Retrieve returns the pyramid and texture of the
// previously submitted frame. A provider that loses its context returns a
// recoverable error from either call and must be dropped.
type ChannelProvider interface {
	Submit(f Frame, doDetect bool) error
	Retrieve() (*acf.Pyramid, uint32, error)
	Close() error
}

type frameMeta struct {
	index    uint64
	texture  uint32
	doDetect bool
	state    FrameState
}

// Scheduler drives the three stage pipeline. It is not safe for concurrent
// use; the calling goroutine owns the provider (and any GL context behind
// it) exclusively.
type Scheduler struct {
	provider ChannelProvider
	det      *acf.Detector
	single   bool

	received  uint64
	submitted frameMeta // frame N-1, awaiting retrieval
	pending   *future   // cascade for frame N-1 after dispatch
	pendMeta  frameMeta
	lastDets  []acf.Detection
	closed    bool

	readTime, detectTime, totalTime time.Duration
}

// NewScheduler builds a scheduler around a channel provider and a
// detector sharing the provider's channel configuration.
func NewScheduler(provider ChannelProvider, det *acf.Detector) *Scheduler {
	return &Scheduler{provider: provider, det: det}
}

// SetSingleObject keeps only the highest scoring detection per frame.
func (s *Scheduler) SetSingleObject(flag bool) {
	s.single = flag
}

// Process feeds one frame and, from the third frame on, returns the result
// for frame currentIndex-2. The first two calls return a nil result while
// the pipeline warms up. The doDetect flag controls the duty cycle: when
// false the channels are still produced but the cascade is skipped and the
// previous detections are carried forward.
//
// Worker failures are captured and reraised here, on the call that would
// have delivered the affected frame.
func (s *Scheduler) Process(f Frame, doDetect bool) (*Result, error) {
	if s.closed {
		return nil, errors.New("pipeline is closed")
	}
	start := time.Now()
	defer func() { s.totalTime += time.Since(start) }()

	// Read back channels for frame N-1 before queueing new work.
	var pyr *acf.Pyramid
	var prevTex uint32
	if s.received > 0 {
		t0 := time.Now()
		var err error
		pyr, prevTex, err = s.provider.Retrieve()
		s.readTime += time.Since(t0)
		if err != nil {
			s.closed = true
			return nil, errors.Wrap(err, "channel stage")
		}
		s.submitted.state = GpuRetrieved
	}

	// Queue stage work for the current frame immediately.
	if err := s.provider.Submit(f, doDetect); err != nil {
		s.closed = true
		return nil, errors.Wrap(err, "channel stage")
	}
	cur := frameMeta{index: f.Index, texture: f.Texture, doDetect: doDetect, state: GpuQueued}

	// Take the completed cascade for frame N-2.
	var out *Result
	if s.pending != nil {
		r := s.pending.wait()
		s.pending = nil
		s.detectTime += r.elapsed
		if r.err != nil {
			s.closed = true
			return nil, r.err
		}
		s.pendMeta.state = Delivered
		out = &Result{
			FrameIndex: s.pendMeta.index,
			Texture:    s.pendMeta.texture,
			Detections: r.dets,
		}
		s.lastDets = r.dets
	}

	// Dispatch the cascade for frame N-1 onto a worker.
	if s.received > 0 {
		meta := s.submitted
		meta.state = CpuRunning
		s.pendMeta = meta
		det := s.det
		doDet := meta.doDetect && pyr != nil
		last := s.lastDets
		single := s.single
		s.pending = spawn(func() ([]acf.Detection, error) {
			if !doDet {
				return last, nil
			}
			dets, err := det.DetectPyramid(pyr)
			if err != nil {
				return nil, err
			}
			if single {
				dets = chooseBest(dets)
			}
			return dets, nil
		})
		if prevTex != 0 {
			s.pendMeta.texture = prevTex
		}
	}

	s.submitted = cur
	s.received++
	return out, nil
}

// Summary reports accumulated stage timings.
func (s *Scheduler) Summary() map[string]time.Duration {
	return map[string]time.Duration{
		"read":     s.readTime,
		"detect":   s.detectTime,
		"complete": s.totalTime,
	}
}

// Close drains the pipeline: it blocks once on any in-flight cascade and
// silently discards its result and error, then closes the provider.
func (s *Scheduler) Close() error {
	if s.pending != nil {
		s.pending.wait()
		s.pending = nil
	}
	s.closed = true
	return s.provider.Close()
}

// chooseBest keeps only the highest scoring detection.
func chooseBest(dets []acf.Detection) []acf.Detection {
	if len(dets) < 2 {
		return dets
	}
	scores := make([]float64, len(dets))
	for i, d := range dets {
		scores[i] = d.Score
	}
	best := floats.MaxIdx(scores)
	return dets[best : best+1]
}
