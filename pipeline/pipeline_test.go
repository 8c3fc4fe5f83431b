package pipeline_test

import (
	"image"
	"testing"

	"github.com/pkg/errors"

	acf "github.com/acfdet/acf/core"
	"github.com/acfdet/acf/pipeline"
)

// fakeProvider hands back pre-built pyramids keyed by frame index.
type fakeProvider struct {
	pyramids map[uint64]*acf.Pyramid
	pending  *pipeline.Frame
	failAt   int64
	closed   bool
}

func (f *fakeProvider) Submit(fr pipeline.Frame, doDetect bool) error {
	if f.failAt >= 0 && int64(fr.Index) == f.failAt {
		return errors.New("context lost")
	}
	cp := fr
	f.pending = &cp
	return nil
}

func (f *fakeProvider) Retrieve() (*acf.Pyramid, uint32, error) {
	fr := f.pending
	f.pending = nil
	if fr == nil {
		return nil, 0, errors.New("no frame submitted")
	}
	return f.pyramids[fr.Index], fr.Texture, nil
}

func (f *fakeProvider) Close() error {
	f.closed = true
	return nil
}

// impulsePyramid builds a one level pyramid; lit carries a single positive
// window for the center stump model.
func impulsePyramid(lit bool) *acf.Pyramid {
	bank := &acf.ChannelBank{PlanarImage: acf.NewPlanarImage(36, 12, 1)}
	if lit {
		bank.Plane(0).Set(6, 3, 1)
	}
	return &acf.Pyramid{
		Params:   acf.DefaultPyramidParams(),
		NTypes:   1,
		NScales:  1,
		Levels:   []*acf.ChannelBank{bank},
		Scales:   []float64{1},
		ScalesHW: []acf.ScaleHW{{W: 1, H: 1}},
	}
}

func centerStumpDetector(t *testing.T) *acf.Detector {
	t.Helper()
	clf := &acf.Classifier{
		TreeDepth: 1, NTrees: 1, NTreeNodes: 3,
		Fids: []uint32{21, 0, 0}, Thrs: []float32{0.5, 0, 0},
		Child: []uint32{0, 0, 0}, Hs: []float32{0, -1, 1},
		ModelDs:    image.Point{X: 24, Y: 24},
		ModelDsPad: image.Point{X: 24, Y: 24},
	}
	det, err := acf.NewDetector(clf)
	if err != nil {
		t.Fatalf("detector: %v", err)
	}
	det.Threads = 1
	det.CascThr = 0
	return det
}

func TestPipelineOrderingAndLatency(t *testing.T) {
	prov := &fakeProvider{failAt: -1, pyramids: map[uint64]*acf.Pyramid{}}
	for i := uint64(0); i < 7; i++ {
		prov.pyramids[i] = impulsePyramid(i == 2)
	}
	sched := pipeline.NewScheduler(prov, centerStumpDetector(t))
	defer sched.Close()

	var delivered []*pipeline.Result
	for i := uint64(0); i < 7; i++ {
		res, err := sched.Process(pipeline.Frame{
			Index: i, Width: 144, Height: 48, Texture: uint32(100 + i),
		}, true)
		if err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
		if i < 2 {
			if res != nil {
				t.Fatalf("frame %d delivered during warm-up", i)
			}
			continue
		}
		if res == nil {
			t.Fatalf("frame %d delivered nothing after warm-up", i)
		}
		delivered = append(delivered, res)
	}

	for k, res := range delivered {
		want := uint64(k)
		if res.FrameIndex != want {
			t.Fatalf("delivery %d carries frame %d, want %d (strict order)", k, res.FrameIndex, want)
		}
		if res.Texture != uint32(100+want) {
			t.Fatalf("frame %d paired with texture %d", want, res.Texture)
		}
		if want == 2 {
			if len(res.Detections) != 1 {
				t.Fatalf("frame 2 should carry one detection, got %d", len(res.Detections))
			}
		} else if len(res.Detections) != 0 {
			t.Fatalf("frame %d should be empty, got %d detections", want, len(res.Detections))
		}
	}
}

func TestPipelineDutyCycle(t *testing.T) {
	prov := &fakeProvider{failAt: -1, pyramids: map[uint64]*acf.Pyramid{}}
	for i := uint64(0); i < 6; i++ {
		prov.pyramids[i] = impulsePyramid(true)
	}
	sched := pipeline.NewScheduler(prov, centerStumpDetector(t))
	defer sched.Close()

	// cascade enabled only for frame 0; later frames carry its detections
	// forward through the duty cycle flag
	var results []*pipeline.Result
	for i := uint64(0); i < 6; i++ {
		res, err := sched.Process(pipeline.Frame{Index: i, Width: 144, Height: 48}, i == 0)
		if err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
		if res != nil {
			results = append(results, res)
		}
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 deliveries, got %d", len(results))
	}
	if len(results[0].Detections) != 1 {
		t.Fatalf("frame 0 ran the cascade, want its detection")
	}
	for _, res := range results[1:] {
		if len(res.Detections) != 1 {
			t.Fatalf("skipped frames must carry the last detections forward")
		}
	}
}

func TestPipelineWorkerErrorSurfacesOnDelivery(t *testing.T) {
	prov := &fakeProvider{failAt: -1, pyramids: map[uint64]*acf.Pyramid{}}
	// frame 1 has a pyramid without concatenated banks, which makes the
	// cascade worker fail; the error must surface when frame 1 would be
	// delivered, i.e. on the fourth call
	prov.pyramids[0] = impulsePyramid(false)
	broken := impulsePyramid(false)
	broken.Levels = nil
	prov.pyramids[1] = broken
	prov.pyramids[2] = impulsePyramid(false)
	prov.pyramids[3] = impulsePyramid(false)

	sched := pipeline.NewScheduler(prov, centerStumpDetector(t))
	if _, err := sched.Process(pipeline.Frame{Index: 0, Width: 144, Height: 48}, true); err != nil {
		t.Fatalf("frame 0: %v", err)
	}
	if _, err := sched.Process(pipeline.Frame{Index: 1, Width: 144, Height: 48}, true); err != nil {
		t.Fatalf("frame 1: %v", err)
	}
	if _, err := sched.Process(pipeline.Frame{Index: 2, Width: 144, Height: 48}, true); err != nil {
		t.Fatalf("frame 2 delivers frame 0, which was fine: %v", err)
	}
	if _, err := sched.Process(pipeline.Frame{Index: 3, Width: 144, Height: 48}, true); err == nil {
		t.Fatalf("frame 3 should deliver frame 1's worker error")
	}
}

func TestPipelineProviderErrorIsFatal(t *testing.T) {
	prov := &fakeProvider{failAt: 1, pyramids: map[uint64]*acf.Pyramid{0: impulsePyramid(false)}}
	sched := pipeline.NewScheduler(prov, centerStumpDetector(t))
	if _, err := sched.Process(pipeline.Frame{Index: 0, Width: 144, Height: 48}, true); err != nil {
		t.Fatalf("frame 0: %v", err)
	}
	if _, err := sched.Process(pipeline.Frame{Index: 1, Width: 144, Height: 48}, true); err == nil {
		t.Fatalf("provider failure must surface as an error")
	}
	if _, err := sched.Process(pipeline.Frame{Index: 2, Width: 144, Height: 48}, true); err == nil {
		t.Fatalf("a failed pipeline must stay closed")
	}
}

func TestPipelineCloseDrains(t *testing.T) {
	prov := &fakeProvider{failAt: -1, pyramids: map[uint64]*acf.Pyramid{
		0: impulsePyramid(true), 1: impulsePyramid(true),
	}}
	sched := pipeline.NewScheduler(prov, centerStumpDetector(t))
	if _, err := sched.Process(pipeline.Frame{Index: 0, Width: 144, Height: 48}, true); err != nil {
		t.Fatalf("frame 0: %v", err)
	}
	if _, err := sched.Process(pipeline.Frame{Index: 1, Width: 144, Height: 48}, true); err != nil {
		t.Fatalf("frame 1: %v", err)
	}
	// an in-flight cascade exists now; Close must block on it, discard the
	// result and close the provider without surfacing anything
	if err := sched.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !prov.closed {
		t.Fatalf("close must release the provider")
	}
	if _, err := sched.Process(pipeline.Frame{Index: 2, Width: 144, Height: 48}, true); err == nil {
		t.Fatalf("a closed pipeline must reject frames")
	}
}

func TestPipelineSingleObject(t *testing.T) {
	// two impulses per frame; single object mode keeps the best only
	pyr := impulsePyramid(true)
	pyr.Levels[0].Plane(0).Set(18, 3, 1)
	prov := &fakeProvider{failAt: -1, pyramids: map[uint64]*acf.Pyramid{}}
	for i := uint64(0); i < 4; i++ {
		prov.pyramids[i] = pyr
	}
	sched := pipeline.NewScheduler(prov, centerStumpDetector(t))
	defer sched.Close()
	sched.SetSingleObject(true)

	var last *pipeline.Result
	for i := uint64(0); i < 4; i++ {
		res, err := sched.Process(pipeline.Frame{Index: i, Width: 144, Height: 48}, true)
		if err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
		if res != nil {
			last = res
		}
	}
	if last == nil || len(last.Detections) != 1 {
		t.Fatalf("single object mode should deliver exactly one detection")
	}
}
