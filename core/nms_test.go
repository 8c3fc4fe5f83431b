package acf_test

import (
	"math"
	"testing"

	acf "github.com/acfdet/acf/core"
)

func box(x, y, w, h, score float64) acf.Detection {
	return acf.Detection{X: x, Y: y, W: w, H: h, Score: score}
}

func TestNmsGreedyCluster(t *testing.T) {
	// three near coincident boxes and one far away: the top scorer of the
	// cluster and the lone box must survive
	dets := []acf.Detection{
		box(0, 0, 10, 10, 1.0),
		box(0, 1, 10, 10, 0.9),
		box(0, 2, 10, 10, 0.8),
		box(45, 45, 10, 10, 0.7),
	}
	out, err := acf.Nms(dets, acf.DefaultNmsParams())
	if err != nil {
		t.Fatalf("nms: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 boxes, got %d: %v", len(out), out)
	}
	if out[0].Score != 1.0 || out[1].Score != 0.7 {
		t.Fatalf("wrong survivors: %v", out)
	}
}

func TestNmsIdempotent(t *testing.T) {
	dets := []acf.Detection{
		box(0, 0, 10, 10, 1.0),
		box(3, 3, 10, 10, 0.5),
		box(20, 0, 12, 12, 0.8),
		box(21, 1, 12, 12, 0.79),
		box(100, 100, 5, 5, 0.2),
	}
	p := acf.DefaultNmsParams()
	once, err := acf.Nms(dets, p)
	if err != nil {
		t.Fatalf("nms: %v", err)
	}
	twice, err := acf.Nms(once, p)
	if err != nil {
		t.Fatalf("nms: %v", err)
	}
	if len(once) != len(twice) {
		t.Fatalf("nms not idempotent: %d vs %d", len(once), len(twice))
	}
	for i := range once {
		if once[i] != twice[i] {
			t.Fatalf("nms not idempotent at %d: %v vs %v", i, once[i], twice[i])
		}
	}
}

func TestNmsDescendingOrder(t *testing.T) {
	dets := []acf.Detection{
		box(0, 0, 10, 10, 0.3),
		box(50, 0, 10, 10, 0.9),
		box(100, 0, 10, 10, 0.6),
	}
	out, err := acf.Nms(dets, acf.DefaultNmsParams())
	if err != nil {
		t.Fatalf("nms: %v", err)
	}
	for i := 1; i < len(out); i++ {
		if out[i].Score > out[i-1].Score {
			t.Fatalf("output not sorted by descending score: %v", out)
		}
	}
}

func TestNmsMinDenominator(t *testing.T) {
	// a small box inside a large one: intersection/min = 1 suppresses it,
	// intersection/union stays low and keeps it
	dets := []acf.Detection{
		box(0, 0, 100, 100, 1.0),
		box(10, 10, 10, 10, 0.9),
	}
	p := acf.DefaultNmsParams()
	outUnion, err := acf.Nms(dets, p)
	if err != nil {
		t.Fatalf("nms: %v", err)
	}
	if len(outUnion) != 2 {
		t.Fatalf("union denominator should keep the nested box, got %d", len(outUnion))
	}
	p.OvrDnm = "min"
	outMin, err := acf.Nms(dets, p)
	if err != nil {
		t.Fatalf("nms: %v", err)
	}
	if len(outMin) != 1 {
		t.Fatalf("min denominator should suppress the nested box, got %d", len(outMin))
	}
}

func TestNmsThreshold(t *testing.T) {
	p := acf.DefaultNmsParams()
	p.Thr = 0.5
	out, err := acf.Nms([]acf.Detection{
		box(0, 0, 10, 10, 0.4),
		box(50, 0, 10, 10, 0.6),
	}, p)
	if err != nil {
		t.Fatalf("nms: %v", err)
	}
	if len(out) != 1 || out[0].Score != 0.6 {
		t.Fatalf("score threshold not applied: %v", out)
	}
}

func TestNmsSeparateClasses(t *testing.T) {
	a := box(0, 0, 10, 10, 1.0)
	b := box(1, 1, 10, 10, 0.9)
	b.Class = 1
	p := acf.DefaultNmsParams()
	p.Separate = true
	out, err := acf.Nms([]acf.Detection{a, b}, p)
	if err != nil {
		t.Fatalf("nms: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("per class nms must not suppress across classes, got %d", len(out))
	}
}

func TestNmsMaxNSplit(t *testing.T) {
	var dets []acf.Detection
	for i := 0; i < 20; i++ {
		dets = append(dets, box(float64(i*30), 0, 10, 10, 1-float64(i)*0.01))
		dets = append(dets, box(float64(i*30)+1, 1, 10, 10, 0.5))
	}
	p := acf.DefaultNmsParams()
	p.MaxN = 8
	out, err := acf.Nms(dets, p)
	if err != nil {
		t.Fatalf("nms: %v", err)
	}
	if len(out) != 20 {
		t.Fatalf("split nms should keep one box per cluster, got %d", len(out))
	}
}

func TestNmsMeanShiftMergesCluster(t *testing.T) {
	p := acf.DefaultNmsParams()
	p.Type = "ms"
	p.Thr = 0
	out, err := acf.Nms([]acf.Detection{
		box(0, 0, 16, 16, 1.0),
		box(1, 0, 16, 16, 0.9),
		box(200, 200, 16, 16, 0.8),
	}, p)
	if err != nil {
		t.Fatalf("nms: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("mean shift should merge the near pair, got %d modes", len(out))
	}
	if math.Abs(out[0].X) > 2 {
		t.Fatalf("merged mode drifted: %v", out[0])
	}
}
