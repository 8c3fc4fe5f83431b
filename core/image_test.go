package acf_test

import (
	"image"
	"math"
	"testing"

	acf "github.com/acfdet/acf/core"
)

func TestPlanarSharedBacking(t *testing.T) {
	p := acf.NewPlanarImage(6, 4, 3)
	if p.PlaneStride != 24 {
		t.Fatalf("plane stride %d, want 24", p.PlaneStride)
	}
	p.Plane(2).Set(1, 1, 0.5)
	if p.Pix[2*24+1*6+1] != 0.5 {
		t.Fatalf("plane views must share the backing buffer")
	}
}

func TestCropMod(t *testing.T) {
	p := acf.NewPlanarImage(10, 7, 2)
	c := p.CropMod(4)
	if c.W != 8 || c.H != 4 {
		t.Fatalf("crop to %dx%d, want 8x4", c.W, c.H)
	}
	aligned := acf.NewPlanarImage(8, 4, 2)
	if aligned.CropMod(4) != aligned {
		t.Fatalf("aligned image should not be copied")
	}
}

func TestQuantizeFloatRoundTrip(t *testing.T) {
	p := acf.NewPlanarImage(4, 4, 2)
	for i := range p.Pix {
		p.Pix[i] = float32(i) / float32(len(p.Pix))
	}
	u8 := p.Quantize()
	back := u8.Float(nil)
	for i := range p.Pix {
		if math.Abs(float64(back.Pix[i]-p.Pix[i])) > 1.0/255+1e-6 {
			t.Fatalf("round trip off at %d: %v vs %v", i, back.Pix[i], p.Pix[i])
		}
	}
}

func TestPlanarFromNRGBA(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.Pix[0], img.Pix[1], img.Pix[2], img.Pix[3] = 255, 128, 0, 255
	p := acf.PlanarFromNRGBA(img)
	if p.C != 3 || p.W != 2 || p.H != 2 {
		t.Fatalf("unexpected planar shape %dx%dx%d", p.W, p.H, p.C)
	}
	if p.Plane(0).At(0, 0) != 1 || p.Plane(2).At(0, 0) != 0 {
		t.Fatalf("channel unpack wrong: %v %v", p.Plane(0).At(0, 0), p.Plane(2).At(0, 0))
	}
}
