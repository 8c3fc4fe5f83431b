package acf

import (
	"image"
	"math"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Detection is one located object instance in source image coordinates.
// The score is the classifier margin; higher is better and may be negative.
type Detection struct {
	X, Y, W, H float64
	Score      float64
	Class      int
}

// Detector evaluates a boosted cascade densely over a channel feature
// pyramid. The model is immutable while detection runs; per worker scratch
// state is allocated lazily behind a single mutex.
type Detector struct {
	Clf      *Classifier
	Pyramid  PyramidParams
	Stride   int
	CascThr  float64
	CascCal  float64
	RowMajor bool
	Threads  int
	Nms      *NmsParams

	logf func(format string, args ...interface{})

	mu      sync.Mutex
	scratch map[int]*workerScratch
}

type workerScratch struct {
	hits []windowHit
	cids []uint32
}

// NewDetector builds a detector around a validated model. The pyramid pad
// is derived from the model window padding when left unset.
func NewDetector(clf *Classifier) (*Detector, error) {
	if err := clf.Validate(); err != nil {
		return nil, err
	}
	d := &Detector{
		Clf:      clf,
		Pyramid:  DefaultPyramidParams(),
		Stride:   4,
		CascThr:  clf.CascThr,
		RowMajor: true,
		Threads:  -1,
		scratch:  map[int]*workerScratch{},
	}
	shrink := d.Pyramid.Channels.Shrink
	clf.ModelDsPad.X = clf.ModelDsPad.X / shrink * shrink
	clf.ModelDsPad.Y = clf.ModelDsPad.Y / shrink * shrink
	if clf.ModelDsPad.X < clf.ModelDs.X {
		clf.ModelDsPad.X = (clf.ModelDs.X + shrink - 1) / shrink * shrink
	}
	if clf.ModelDsPad.Y < clf.ModelDs.Y {
		clf.ModelDsPad.Y = (clf.ModelDs.Y + shrink - 1) / shrink * shrink
	}
	d.Pyramid.Pad = image.Point{
		X: (clf.ModelDsPad.X - clf.ModelDs.X) / 2 / shrink * shrink,
		Y: (clf.ModelDsPad.Y - clf.ModelDs.Y) / 2 / shrink * shrink,
	}
	return d, nil
}

// SetLogger installs a diagnostic sink. The detector never logs through
// any other channel.
func (d *Detector) SetLogger(logf func(format string, args ...interface{})) {
	d.logf = logf
}

func (d *Detector) logFn(format string, args ...interface{}) {
	if d.logf != nil {
		d.logf(format, args...)
	}
}

// worker returns the scratch state for the given worker identity,
// allocating it on first use.
func (d *Detector) worker(id int) *workerScratch {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.scratch[id]
	if s == nil {
		s = &workerScratch{}
		d.scratch[id] = s
	}
	return s
}

// Detect runs the full pipeline on a decoded image: pyramid, cascade and
// non maximum suppression. Undersized images yield zero detections.
func (d *Detector) Detect(img *image.NRGBA) ([]Detection, error) {
	if img == nil {
		return nil, nil
	}
	return d.DetectPlanar(PlanarFromNRGBA(img), false)
}

// DetectPlanar runs detection on a planar float image. When isLUV is set
// the planes are taken as pre-converted scaled LUV.
func (d *Detector) DetectPlanar(src *PlanarImage, isLUV bool) ([]Detection, error) {
	shrink := d.Pyramid.Channels.Shrink
	if src == nil || src.W < 4*shrink || src.H < 4*shrink {
		return nil, nil
	}
	pyr, err := ComputePyramid(src, d.Pyramid, isLUV)
	if err != nil {
		return nil, err
	}
	return d.DetectPyramid(pyr)
}

// DetectPyramid scans every pyramid level with the cascade and projects
// window hits back into source coordinates. Levels are scanned in a
// randomized order across the worker pool.
func (d *Detector) DetectPyramid(pyr *Pyramid) ([]Detection, error) {
	if pyr == nil || pyr.NScales == 0 {
		return nil, nil
	}
	if pyr.Levels == nil {
		return nil, errors.New("pyramid was built without channel concatenation")
	}

	pad := pyr.Params.Pad
	modelDs, modelDsPad := d.Clf.ModelDs, d.Clf.ModelDsPad
	shiftX := float64((modelDsPad.X-modelDs.X)/2 - pad.X)
	shiftY := float64((modelDsPad.Y-modelDs.Y)/2 - pad.Y)

	perLevel := make([][]Detection, pyr.NScales)
	order := shuffledIndices(pyr.NScales)
	parallelForWorker(pyr.NScales, d.Threads, func(worker, k int) {
		i := order[k]
		s := d.worker(worker)
		hits := d.scanLevel(pyr.Levels[i], s)

		out := make([]Detection, 0, len(hits))
		for _, h := range hits {
			out = append(out, Detection{
				X:     (h.x + shiftX) / pyr.ScalesHW[i].W,
				Y:     (h.y + shiftY) / pyr.ScalesHW[i].H,
				W:     float64(modelDs.X) / pyr.Scales[i],
				H:     float64(modelDs.Y) / pyr.Scales[i],
				Score: h.score,
			})
		}
		perLevel[i] = out
	})

	var dets []Detection
	for _, lv := range perLevel {
		dets = append(dets, lv...)
	}
	d.logFn("cascade: %d levels, %d raw hits\n", pyr.NScales, len(dets))
	if d.Nms != nil {
		return Nms(dets, *d.Nms)
	}
	sort.SliceStable(dets, func(i, j int) bool { return dets[i].Score > dets[j].Score })
	return dets, nil
}

type windowHit struct {
	x, y  float64 // window origin in source pixels of the level
	score float64
}

// scanLevel slides the model window over one channel bank, reusing the
// worker scratch buffers across levels. The bank may hold the image
// transposed (column major legacy storage); hits are swapped back to image
// orientation before being returned.
func (d *Detector) scanLevel(bank *ChannelBank, s *workerScratch) []windowHit {
	shrink := d.Pyramid.Channels.Shrink
	stride := d.Stride
	cascThr := d.CascThr + d.CascCal

	// window size in storage orientation, channel units
	winW, winH := d.Clf.ModelDsPad.X/shrink, d.Clf.ModelDsPad.Y/shrink
	if !d.RowMajor {
		winW, winH = winH, winW
	}
	if bank.W < winW || bank.H < winH || bank.C == 0 {
		return nil
	}

	width1 := int(math.Ceil(float64(bank.W*shrink-winW*shrink+1) / float64(stride)))
	height1 := int(math.Ceil(float64(bank.H*shrink-winH*shrink+1) / float64(stride)))

	cids := d.channelIndexInto(bank, s.cids[:0])
	s.cids = cids

	hits := s.hits[:0]
	emit := func(c, r int, h float64) {
		x, y := float64(c*stride), float64(r*stride)
		if !d.RowMajor {
			x, y = y, x
		}
		hits = append(hits, windowHit{x: x, y: y, score: h})
	}

	if bank.U8 != nil {
		ev := &treeEval[uint8]{
			chns: bank.U8.Pix, thrs: d.Clf.ScaledThresholds(),
			fids: d.Clf.Fids, child: d.Clf.Child, hs: d.Clf.Hs, cids: cids,
			nTrees: d.Clf.NTrees, nTreeNodes: d.Clf.NTreeNodes,
			cascThr: float32(cascThr),
		}
		eval := ev.evaluator(d.Clf.TreeDepth)
		for r := 0; r < height1; r++ {
			for c := 0; c < width1; c++ {
				base := uint32(r*stride/shrink*bank.W + c*stride/shrink)
				if h := eval(base); float64(h) > cascThr {
					emit(c, r, float64(h))
				}
			}
		}
		s.hits = hits
		return hits
	}

	ev := &treeEval[float32]{
		chns: bank.Pix, thrs: d.Clf.Thrs,
		fids: d.Clf.Fids, child: d.Clf.Child, hs: d.Clf.Hs, cids: cids,
		nTrees: d.Clf.NTrees, nTreeNodes: d.Clf.NTreeNodes,
		cascThr: float32(cascThr),
	}
	eval := ev.evaluator(d.Clf.TreeDepth)
	for r := 0; r < height1; r++ {
		for c := 0; c < width1; c++ {
			base := uint32(r*stride/shrink*bank.W + c*stride/shrink)
			if h := eval(base); float64(h) > cascThr {
				emit(c, r, float64(h))
			}
		}
	}
	s.hits = hits
	return hits
}

// channelIndexInto precomputes the flat offset of every model window
// feature so that a single fid indexes directly into the bank memory. The
// fid order is fixed by training: plane outermost, then window column,
// then window row. The offsets depend on the bank geometry and are rebuilt
// per level into the provided buffer.
func (d *Detector) channelIndexInto(bank *ChannelBank, cids []uint32) []uint32 {
	shrink := d.Pyramid.Channels.Shrink
	mw, mh := d.Clf.ModelDsPad.X/shrink, d.Clf.ModelDsPad.Y/shrink
	rowStride, planeStride := bank.W, bank.PlaneStride
	for z := 0; z < bank.C; z++ {
		for c := 0; c < mw; c++ {
			for r := 0; r < mh; r++ {
				if d.RowMajor {
					cids = append(cids, uint32(z*planeStride+r*rowStride+c))
				} else {
					cids = append(cids, uint32(z*planeStride+c*rowStride+r))
				}
			}
		}
	}
	return cids
}

// Evaluate scores the model window against a single image of the model
// size, without early rejection. This is the reference score used to
// validate full detection runs.
func (d *Detector) Evaluate(src *PlanarImage, isLUV bool) (float64, error) {
	p := d.Pyramid.Channels
	set, err := ComputeChannels(src, p, isLUV)
	if err != nil {
		return 0, err
	}
	shrink := p.Shrink
	px := (d.Clf.ModelDsPad.X - d.Clf.ModelDs.X) / 2 / shrink
	py := (d.Clf.ModelDsPad.Y - d.Clf.ModelDs.Y) / 2 / shrink
	if px > 0 || py > 0 {
		for j := range set.Types {
			set.Types[j] = padPlanar(set.Types[j], px, py, set.Info[j].PadWith)
		}
	}
	bank := set.Concat()
	winW, winH := d.Clf.ModelDsPad.X/shrink, d.Clf.ModelDsPad.Y/shrink
	if !d.RowMajor {
		winW, winH = winH, winW
	}
	if bank.W < winW || bank.H < winH {
		return 0, errors.Errorf("image %dx%d smaller than model window", bank.W*shrink, bank.H*shrink)
	}
	ev := &treeEval[float32]{
		chns: bank.Pix, thrs: d.Clf.Thrs,
		fids: d.Clf.Fids, child: d.Clf.Child, hs: d.Clf.Hs,
		cids:   d.channelIndexInto(bank, nil),
		nTrees: d.Clf.NTrees, nTreeNodes: d.Clf.NTreeNodes,
		cascThr: float32(math.Inf(-1)),
	}
	return float64(ev.evaluator(d.Clf.TreeDepth)(0)), nil
}

// parallelForWorker is parallelFor with a stable worker identity passed to
// the callback, keying the lazily allocated per worker scratch.
func parallelForWorker(n, threads int, fn func(worker, i int)) {
	workers := resolveThreads(threads)
	if workers == 1 || n < 2 {
		for i := 0; i < n; i++ {
			fn(0, i)
		}
		return
	}
	if workers > n {
		workers = n
	}
	var mu sync.Mutex
	next := 0
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(id int) {
			defer wg.Done()
			for {
				mu.Lock()
				i := next
				next++
				mu.Unlock()
				if i >= n {
					return
				}
				fn(id, i)
			}
		}(w)
	}
	wg.Wait()
}
