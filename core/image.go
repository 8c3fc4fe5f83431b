package acf

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Plane is a single channel stored row major as float32.
type Plane struct {
	W, H int
	Pix  []float32
}

// NewPlane allocates a zeroed w x h plane.
func NewPlane(w, h int) Plane {
	return Plane{W: w, H: h, Pix: make([]float32, w*h)}
}

// At returns the pixel value at (x,y). No bounds checking is performed.
func (p Plane) At(x, y int) float32 {
	return p.Pix[y*p.W+x]
}

// Set writes the pixel value at (x,y).
func (p Plane) Set(x, y int, v float32) {
	p.Pix[y*p.W+x] = v
}

// PlanarImage holds C identically shaped planes sharing one backing buffer,
// so that a flat feature index can address any (plane,y,x) with a single
// offset plus the plane stride.
type PlanarImage struct {
	W, H, C     int
	PlaneStride int
	Pix         []float32
}

// NewPlanarImage allocates a zeroed planar image with contiguous planes.
func NewPlanarImage(w, h, c int) *PlanarImage {
	return &PlanarImage{
		W: w, H: h, C: c,
		PlaneStride: w * h,
		Pix:         make([]float32, w*h*c),
	}
}

// Plane returns a view over channel i. The returned plane shares memory
// with the parent image.
func (p *PlanarImage) Plane(i int) Plane {
	off := i * p.PlaneStride
	return Plane{W: p.W, H: p.H, Pix: p.Pix[off : off+p.W*p.H : off+p.W*p.H]}
}

// SetPlane copies src into channel i.
func (p *PlanarImage) SetPlane(i int, src Plane) {
	copy(p.Pix[i*p.PlaneStride:(i+1)*p.PlaneStride], src.Pix)
}

// CropMod returns the image cropped so both dimensions are exact multiples
// of m. The top-left corner is preserved. If already aligned the receiver
// is returned unchanged.
func (p *PlanarImage) CropMod(m int) *PlanarImage {
	cw, ch := p.W-p.W%m, p.H-p.H%m
	if cw == p.W && ch == p.H {
		return p
	}
	out := NewPlanarImage(cw, ch, p.C)
	for c := 0; c < p.C; c++ {
		src, dst := p.Plane(c), out.Plane(c)
		for y := 0; y < ch; y++ {
			copy(dst.Pix[y*cw:(y+1)*cw], src.Pix[y*p.W:y*p.W+cw])
		}
	}
	return out
}

// Take returns a view over the first c planes without copying.
func (p *PlanarImage) Take(c int) *PlanarImage {
	if c >= p.C {
		return p
	}
	return &PlanarImage{
		W: p.W, H: p.H, C: c,
		PlaneStride: p.PlaneStride,
		Pix:         p.Pix[:c*p.PlaneStride],
	}
}

// Uint8Planar is the 8-bit counterpart of PlanarImage, produced by the GPU
// readback path and consumed by the integer cascade fast path.
type Uint8Planar struct {
	W, H, C     int
	PlaneStride int
	Pix         []uint8
}

// NewUint8Planar allocates a zeroed 8-bit planar image.
func NewUint8Planar(w, h, c int) *Uint8Planar {
	return &Uint8Planar{
		W: w, H: h, C: c,
		PlaneStride: w * h,
		Pix:         make([]uint8, w*h*c),
	}
}

// Float converts the 8-bit stack into float planes applying a per-channel
// scale factor. A nil scale applies 1/255 to every channel.
func (p *Uint8Planar) Float(scale []float32) *PlanarImage {
	out := NewPlanarImage(p.W, p.H, p.C)
	for c := 0; c < p.C; c++ {
		s := float32(1.0 / 255.0)
		if scale != nil {
			s = scale[c]
		}
		src := p.Pix[c*p.PlaneStride : (c+1)*p.PlaneStride]
		dst := out.Pix[c*out.PlaneStride : (c+1)*out.PlaneStride]
		for i, v := range src {
			dst[i] = float32(v) * s
		}
	}
	return out
}

// Quantize converts the float stack to u8, clamping to [0,255].
func (p *PlanarImage) Quantize() *Uint8Planar {
	out := NewUint8Planar(p.W, p.H, p.C)
	for i, v := range p.Pix {
		x := v * 255
		if x < 0 {
			x = 0
		} else if x > 255 {
			x = 255
		}
		out.Pix[i] = uint8(x + 0.5)
	}
	return out
}

// GetImage retrieves and decodes the image file as image.NRGBA.
func GetImage(input string) (*image.NRGBA, error) {
	file, err := os.Open(input)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open the image file")
	}
	defer file.Close()
	return DecodeImage(file)
}

// DecodeImage decodes the source image as image.NRGBA.
func DecodeImage(r io.Reader) (*image.NRGBA, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "cannot decode the image")
	}
	return ImgToNRGBA(src), nil
}

// ImgToNRGBA converts any image type to *image.NRGBA with min-point (0, 0).
func ImgToNRGBA(img image.Image) *image.NRGBA {
	if nrgba, ok := img.(*image.NRGBA); ok && nrgba.Rect.Min == (image.Point{}) {
		return nrgba
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dst.Set(x, y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

// PlanarFromNRGBA unpacks an 8-bit RGBA image into a 3 plane float image
// normalized to [0,1]. The alpha channel is dropped.
func PlanarFromNRGBA(src *image.NRGBA) *PlanarImage {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	out := NewPlanarImage(w, h, 3)
	r, g, b := out.Plane(0), out.Plane(1), out.Plane(2)
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < w; x++ {
			r.Pix[y*w+x] = float32(row[x*4+0]) / 255
			g.Pix[y*w+x] = float32(row[x*4+1]) / 255
			b.Pix[y*w+x] = float32(row[x*4+2]) / 255
		}
	}
	return out
}

// PlanarFromGray unpacks a grayscale image into a single float plane in [0,1].
func PlanarFromGray(src *image.Gray) *PlanarImage {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	out := NewPlanarImage(w, h, 1)
	p := out.Plane(0)
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < w; x++ {
			p.Pix[y*w+x] = float32(row[x]) / 255
		}
	}
	return out
}
