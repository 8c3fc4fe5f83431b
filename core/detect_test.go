package acf_test

import (
	"image"
	"math"
	"testing"

	acf "github.com/acfdet/acf/core"
)

// onePlanePyramid wraps a single channel bank into a one level pyramid at
// unit scale.
func onePlanePyramid(bank *acf.ChannelBank) *acf.Pyramid {
	params := acf.DefaultPyramidParams()
	return &acf.Pyramid{
		Params:   params,
		NTypes:   1,
		NScales:  1,
		Levels:   []*acf.ChannelBank{bank},
		Scales:   []float64{1},
		ScalesHW: []acf.ScaleHW{{W: 1, H: 1}},
	}
}

// centerStump scores +1 when the center cell of the 6x6 cell window is
// bright, -1 otherwise. fid 21 = column 3, row 3 of plane 0.
func centerStump() *acf.Classifier {
	return stumpModel(21, 0.5, -1, 1, image.Point{X: 24, Y: 24})
}

func TestDetectTwoImpulses(t *testing.T) {
	clf := centerStump()
	det, err := acf.NewDetector(clf)
	if err != nil {
		t.Fatalf("detector: %v", err)
	}
	det.Threads = 1
	det.CascThr = 0
	nms := acf.DefaultNmsParams()
	det.Nms = &nms

	bank := &acf.ChannelBank{PlanarImage: acf.NewPlanarImage(36, 12, 1)}
	bank.Plane(0).Set(6, 3, 1)
	bank.Plane(0).Set(18, 3, 1)

	dets, err := det.DetectPyramid(onePlanePyramid(bank))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(dets) != 2 {
		t.Fatalf("expected 2 detections, got %d: %v", len(dets), dets)
	}
	centers := [][2]float64{
		{dets[0].X + dets[0].W/2, dets[0].Y + dets[0].H/2},
		{dets[1].X + dets[1].W/2, dets[1].Y + dets[1].H/2},
	}
	if centers[0][0] > centers[1][0] {
		centers[0], centers[1] = centers[1], centers[0]
	}
	for i, want := range [][2]float64{{24, 12}, {72, 12}} {
		if math.Abs(centers[i][0]-want[0]) > 1 || math.Abs(centers[i][1]-want[1]) > 1 {
			t.Fatalf("center %d at %v, want within a pixel of %v", i, centers[i], want)
		}
	}
}

func TestDetectUint8FastPath(t *testing.T) {
	clf := centerStump()
	det, err := acf.NewDetector(clf)
	if err != nil {
		t.Fatalf("detector: %v", err)
	}
	det.Threads = 1
	det.CascThr = 0

	float := acf.NewPlanarImage(36, 12, 1)
	float.Plane(0).Set(6, 3, 1)
	float.Plane(0).Set(18, 3, 1)

	fbank := &acf.ChannelBank{PlanarImage: float}
	fdets, err := det.DetectPyramid(onePlanePyramid(fbank))
	if err != nil {
		t.Fatalf("float detect: %v", err)
	}

	ubank := &acf.ChannelBank{PlanarImage: float, U8: float.Quantize()}
	udets, err := det.DetectPyramid(onePlanePyramid(ubank))
	if err != nil {
		t.Fatalf("u8 detect: %v", err)
	}
	if len(fdets) != len(udets) {
		t.Fatalf("u8 fast path found %d detections, float %d", len(udets), len(fdets))
	}
	for i := range fdets {
		if fdets[i].X != udets[i].X || fdets[i].Y != udets[i].Y {
			t.Fatalf("u8 and float detections diverge at %d", i)
		}
	}
}

func TestDetectTransposedStorage(t *testing.T) {
	clf := centerStump()
	det, err := acf.NewDetector(clf)
	if err != nil {
		t.Fatalf("detector: %v", err)
	}
	det.Threads = 1
	det.CascThr = 0
	det.RowMajor = false

	// storage holds the transposed image: 12x36 instead of 36x12
	bank := &acf.ChannelBank{PlanarImage: acf.NewPlanarImage(12, 36, 1)}
	bank.Plane(0).Set(3, 6, 1) // image cell (6,3)

	dets, err := det.DetectPyramid(onePlanePyramid(bank))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(dets) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(dets))
	}
	if dets[0].X != 12 || dets[0].Y != 0 {
		t.Fatalf("transposed detection must swap back to image orientation, got (%v,%v)", dets[0].X, dets[0].Y)
	}
}

func TestEvaluateMatchesDetect(t *testing.T) {
	// constant cascade: every window scores hi regardless of content
	clf := stumpModel(0, -1, -2, 2.5, image.Point{X: 48, Y: 48})
	det, err := acf.NewDetector(clf)
	if err != nil {
		t.Fatalf("detector: %v", err)
	}
	det.Threads = 1
	det.Pyramid.Threads = 1

	img := testImage(48, 48)
	score, err := det.Evaluate(img, false)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if math.Abs(score-2.5) > 1e-6 {
		t.Fatalf("full window score %v, want 2.5", score)
	}

	det.CascThr = score - 1e-3
	dets, err := det.DetectPlanar(img, false)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(dets) != 1 {
		t.Fatalf("expected exactly one detection, got %d", len(dets))
	}
	d := dets[0]
	if math.Abs(d.X) > 0.5 || math.Abs(d.Y) > 0.5 || math.Abs(d.W-48) > 0.5 || math.Abs(d.H-48) > 0.5 {
		t.Fatalf("detection %v, want (0,0,48,48)", d)
	}
	if math.Abs(d.Score-score) > 1e-6 {
		t.Fatalf("detection score %v, want %v", d.Score, score)
	}
}

func TestDetectBlackImage(t *testing.T) {
	// positive response requires gradient magnitude; a black image has none
	clf := stumpModel(3*(12*12), 0.01, -1, 1, image.Point{X: 48, Y: 48})
	det, err := acf.NewDetector(clf)
	if err != nil {
		t.Fatalf("detector: %v", err)
	}
	det.Threads = 1
	det.Pyramid.Threads = 1
	det.CascThr = 0

	dets, err := det.DetectPlanar(acf.NewPlanarImage(640, 480, 3), false)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(dets) != 0 {
		t.Fatalf("black image should yield no detections, got %d", len(dets))
	}
}

func TestDetectUndersizedImage(t *testing.T) {
	clf := centerStump()
	det, err := acf.NewDetector(clf)
	if err != nil {
		t.Fatalf("detector: %v", err)
	}
	dets, err := det.DetectPlanar(acf.NewPlanarImage(12, 12, 3), false)
	if err != nil {
		t.Fatalf("undersized image must not error: %v", err)
	}
	if dets != nil {
		t.Fatalf("undersized image should yield zero detections")
	}
}

func TestCascThrMonotonicity(t *testing.T) {
	clf := centerStump()
	det, err := acf.NewDetector(clf)
	if err != nil {
		t.Fatalf("detector: %v", err)
	}
	det.Threads = 1

	bank := &acf.ChannelBank{PlanarImage: acf.NewPlanarImage(36, 12, 1)}
	for i := range bank.Pix {
		bank.Pix[i] = float32(i%3) / 2
	}
	pyr := onePlanePyramid(bank)

	det.CascThr = 0.5
	high, err := det.DetectPyramid(pyr)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	det.CascThr = -0.5
	low, err := det.DetectPyramid(pyr)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(low) < len(high) {
		t.Fatalf("lowering cascThr removed detections: %d -> %d", len(high), len(low))
	}
	pos := map[[2]float64]bool{}
	for _, d := range low {
		pos[[2]float64{d.X, d.Y}] = true
	}
	for _, d := range high {
		if !pos[[2]float64{d.X, d.Y}] {
			t.Fatalf("detection at (%v,%v) lost when lowering cascThr", d.X, d.Y)
		}
	}
}

func TestModifyRuntimeFields(t *testing.T) {
	clf := centerStump()
	det, err := acf.NewDetector(clf)
	if err != nil {
		t.Fatalf("detector: %v", err)
	}
	stride := 8
	thr := 1.5
	cal := -0.25
	napprox := 3
	det.Modify(acf.ModifyParams{
		Stride:  &stride,
		CascThr: &thr,
		CascCal: &cal,
		NApprox: &napprox,
		Lambdas: []float64{0, 0.1, 0.1},
	})
	if det.Stride != 8 || det.CascThr != 1.5 || det.CascCal != -0.25 {
		t.Fatalf("modify did not apply scalar fields")
	}
	if det.Pyramid.NApprox != 3 || len(det.Pyramid.Lambdas) != 3 {
		t.Fatalf("modify did not apply pyramid fields")
	}
}
