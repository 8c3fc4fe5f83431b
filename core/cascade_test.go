package acf_test

import (
	"bytes"
	"image"
	"testing"

	acf "github.com/acfdet/acf/core"
)

// stumpModel builds a one tree, depth one cascade: windows whose feature
// fid is at least thr score hi, the rest score lo.
func stumpModel(fid uint32, thr, lo, hi float32, modelDs image.Point) *acf.Classifier {
	return &acf.Classifier{
		TreeDepth:  1,
		NTrees:     1,
		NTreeNodes: 3,
		Fids:       []uint32{fid, 0, 0},
		Thrs:       []float32{thr, 0, 0},
		Child:      []uint32{0, 0, 0},
		Hs:         []float32{0, lo, hi},
		ModelDs:    modelDs,
		ModelDsPad: modelDs,
		CascThr:    -1,
	}
}

func TestCascadeRoundTrip(t *testing.T) {
	clf := stumpModel(21, 0.5, -1, 1, image.Point{X: 24, Y: 24})
	clf.CascThr = -0.125

	packet := clf.Pack()
	got, err := acf.UnpackCascade(packet)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if got.TreeDepth != clf.TreeDepth || got.NTrees != clf.NTrees || got.NTreeNodes != clf.NTreeNodes {
		t.Fatalf("geometry mismatch after round trip")
	}
	for i := range clf.Fids {
		if got.Fids[i] != clf.Fids[i] || got.Child[i] != clf.Child[i] {
			t.Fatalf("fid/child tables not bit identical at %d", i)
		}
		if got.Thrs[i] != clf.Thrs[i] || got.Hs[i] != clf.Hs[i] {
			t.Fatalf("float tables not bit identical at %d", i)
		}
	}
	if got.CascThr != clf.CascThr {
		t.Fatalf("cascade threshold %v, want %v", got.CascThr, clf.CascThr)
	}
	if !bytes.Equal(got.Pack(), packet) {
		t.Fatalf("repacking must reproduce the packet byte for byte")
	}
}

func TestUnpackRejectsBadMagic(t *testing.T) {
	clf := stumpModel(0, 0.5, -1, 1, image.Point{X: 16, Y: 16})
	packet := clf.Pack()
	packet[0] ^= 0xff
	if _, err := acf.UnpackCascade(packet); err == nil {
		t.Fatalf("corrupted magic must fail to load")
	}
}

func TestUnpackRejectsBadShape(t *testing.T) {
	clf := stumpModel(0, 0.5, -1, 1, image.Point{X: 16, Y: 16})
	clf.TreeDepth = 2 // depth 2 needs 7 nodes, model has 3
	if _, err := acf.UnpackCascade(clf.Pack()); err == nil {
		t.Fatalf("shape mismatch must fail to load")
	}
}

func TestValidateDepthRange(t *testing.T) {
	clf := stumpModel(0, 0.5, -1, 1, image.Point{X: 16, Y: 16})
	clf.TreeDepth = 9
	if err := clf.Validate(); err == nil {
		t.Fatalf("depth above 8 must be rejected")
	}
}

func TestScaledThresholdsTiesToEven(t *testing.T) {
	clf := &acf.Classifier{
		TreeDepth: 1, NTrees: 2, NTreeNodes: 3,
		Fids:       make([]uint32, 6),
		Thrs:       []float32{1.5 / 255, 2.5 / 255, 0.4 / 255, 254.6 / 255, 2, -1},
		Child:      make([]uint32, 6),
		Hs:         make([]float32, 6),
		ModelDs:    image.Point{X: 16, Y: 16},
		ModelDsPad: image.Point{X: 16, Y: 16},
	}
	u8 := clf.ScaledThresholds()
	want := []uint8{2, 2, 0, 255, 255, 0}
	for i := range want {
		if u8[i] != want[i] {
			t.Fatalf("threshold %d scaled to %d, want %d", i, u8[i], want[i])
		}
	}
}

func TestCalibrate(t *testing.T) {
	clf := stumpModel(0, 0.5, -1, 1, image.Point{X: 16, Y: 16})
	clf.Calibrate(0.25)
	if clf.Hs[1] != -0.75 || clf.Hs[2] != 1.25 {
		t.Fatalf("calibration must shift every leaf, got %v", clf.Hs)
	}
}
