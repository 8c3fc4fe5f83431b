package acf_test

import (
	"math"
	"testing"

	acf "github.com/acfdet/acf/core"
)

// testImage builds a deterministic RGB image with smooth structure.
func testImage(w, h int) *acf.PlanarImage {
	img := acf.NewPlanarImage(w, h, 3)
	for c := 0; c < 3; c++ {
		p := img.Plane(c)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := 0.5 + 0.4*math.Sin(float64(x)/(8+float64(c)*3))*math.Cos(float64(y)/7)
				p.Set(x, y, float32(v))
			}
		}
	}
	return img
}

func TestPyramidLevelCount(t *testing.T) {
	params := acf.DefaultPyramidParams()
	params.Threads = 1
	pyr, err := acf.ComputePyramid(testImage(640, 480), params, false)
	if err != nil {
		t.Fatalf("pyramid: %v", err)
	}
	if pyr.NScales != 40 {
		t.Fatalf("640x480 with defaults should have 40 levels, got %d", pyr.NScales)
	}
	if d := pyr.Scales[0] - 1; math.Abs(d) > 1e-6 {
		t.Fatalf("first scale %v, want 1", pyr.Scales[0])
	}
	ratio := math.Exp2(-1.0 / 8.0)
	for i := 1; i < 9; i++ {
		r := pyr.Scales[i] / pyr.Scales[i-1]
		if math.Abs(r-ratio) > 0.05 {
			t.Fatalf("scale ratio at %d is %v, want about %v", i, r, ratio)
		}
	}
}

func TestPyramidChannelDims(t *testing.T) {
	params := acf.DefaultPyramidParams()
	params.Threads = 1
	pyr, err := acf.ComputePyramid(testImage(320, 240), params, false)
	if err != nil {
		t.Fatalf("pyramid: %v", err)
	}
	shrink := params.Channels.Shrink
	for i, bank := range pyr.Levels {
		if bank.C == 0 {
			t.Fatalf("level %d has no channels", i)
		}
		// every plane shares the bank geometry, and the source region each
		// level covers is an exact multiple of shrink
		w := int(math.Round(float64(320) * pyr.Scales[i]))
		_ = w
		if bank.PlaneStride != bank.W*bank.H {
			t.Fatalf("level %d stride %d != %d", i, bank.PlaneStride, bank.W*bank.H)
		}
		srcW := (bank.W - 2*params.Pad.X/shrink) * shrink
		if srcW%shrink != 0 {
			t.Fatalf("level %d source width %d not divisible by shrink", i, srcW)
		}
	}
	for i := 1; i < pyr.NScales; i++ {
		if pyr.Levels[i].W > pyr.Levels[i-1].W {
			t.Fatalf("levels must be ordered by decreasing resolution")
		}
	}
}

func TestPyramidApproxIdentity(t *testing.T) {
	params := acf.DefaultPyramidParams()
	params.Threads = 1
	params.Smooth = 0
	params.NApprox = 7
	pyr, err := acf.ComputePyramid(testImage(256, 192), params, false)
	if err != nil {
		t.Fatalf("pyramid: %v", err)
	}
	if len(pyr.Lambdas) != pyr.NTypes {
		t.Fatalf("lambdas should be estimated per type, got %d for %d types", len(pyr.Lambdas), pyr.NTypes)
	}

	// recompute one approximate level by hand; without smoothing the
	// prescribed resample must reproduce it exactly
	iA := 1
	iR := 0
	shrink := params.Channels.Shrink
	for k := 0; k < pyr.NTypes; k++ {
		w1 := int(math.Round(float64(256) * pyr.Scales[iA] / float64(shrink)))
		h1 := int(math.Round(float64(192) * pyr.Scales[iA] / float64(shrink)))
		ratio := math.Pow(pyr.Scales[iA]/pyr.Scales[iR], -pyr.Lambdas[k])
		want := acf.Resample(pyr.Data[iR][k].Plane(0), w1, h1, float32(ratio))
		got := pyr.Data[iA][k].Plane(0)
		if got.W != want.W || got.H != want.H {
			t.Fatalf("type %d approx dims %dx%d, want %dx%d", k, got.W, got.H, want.W, want.H)
		}
		for i := range want.Pix {
			if got.Pix[i] != want.Pix[i] {
				t.Fatalf("type %d approx level differs at %d: %v vs %v", k, i, got.Pix[i], want.Pix[i])
			}
		}
	}
}

func TestPyramidAllExactSkipsLambdas(t *testing.T) {
	params := acf.DefaultPyramidParams()
	params.Threads = 1
	params.NApprox = 0
	pyr, err := acf.ComputePyramid(testImage(128, 128), params, false)
	if err != nil {
		t.Fatalf("pyramid: %v", err)
	}
	if len(pyr.Lambdas) != 0 {
		t.Fatalf("nApprox=0 must never estimate lambdas, got %v", pyr.Lambdas)
	}
}

func TestPyramidSuppliedLambdas(t *testing.T) {
	params := acf.DefaultPyramidParams()
	params.Threads = 1
	params.Lambdas = []float64{0, 0.1, 0.1}
	pyr, err := acf.ComputePyramid(testImage(128, 128), params, false)
	if err != nil {
		t.Fatalf("pyramid: %v", err)
	}
	if len(pyr.Lambdas) != 3 || pyr.Lambdas[1] != 0.1 {
		t.Fatalf("supplied lambdas must be kept, got %v", pyr.Lambdas)
	}
}

func TestPyramidTinyImage(t *testing.T) {
	params := acf.DefaultPyramidParams()
	params.Threads = 1
	pyr, err := acf.ComputePyramid(testImage(8, 8), params, false)
	if err != nil {
		t.Fatalf("tiny image should not error: %v", err)
	}
	if pyr.NScales != 0 {
		t.Fatalf("image below minDs should produce an empty pyramid, got %d levels", pyr.NScales)
	}
}

func TestDumpPyramidLayout(t *testing.T) {
	params := acf.DefaultPyramidParams()
	params.Threads = 1
	pyr, err := acf.ComputePyramid(testImage(128, 96), params, false)
	if err != nil {
		t.Fatalf("pyramid: %v", err)
	}
	canvas := acf.DumpPyramid(pyr)
	wantW := 0
	maxH := 0
	for _, bank := range pyr.Levels {
		wantW += bank.W
		if h := bank.H * bank.C; h > maxH {
			maxH = h
		}
	}
	b := canvas.Bounds()
	if b.Dx() != wantW || b.Dy() != maxH {
		t.Fatalf("dump canvas %dx%d, want %dx%d", b.Dx(), b.Dy(), wantW, maxH)
	}
}
