package acf

import (
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
)

// ColorSpace selects the target space of RGBConvert.
type ColorSpace string

const (
	// ColorGray produces a single luminance channel.
	ColorGray ColorSpace = "gray"
	// ColorRGB normalizes the input without changing the space.
	ColorRGB ColorSpace = "rgb"
	// ColorLUV produces CIE L*u*v* scaled into ~[0,1].
	ColorLUV ColorSpace = "luv"
	// ColorHSV produces hue/saturation/value planes.
	ColorHSV ColorSpace = "hsv"
	// ColorOrig passes the input through untouched.
	ColorOrig ColorSpace = "orig"
)

// Fixed RGB to XYZ matrix used by the LUV transform, row major.
var rgb2xyz = [9]float32{
	0.430574, 0.341550, 0.178325,
	0.222015, 0.706655, 0.071330,
	0.020183, 0.129553, 0.939180,
}

const (
	luvY0   = float32(0.00885645167) // (6/29)^3
	luvA    = float32(903.296296296) // (29/3)^3
	luvUn   = float32(0.197833)
	luvVn   = float32(0.468331)
	luvMaxi = float32(1.0 / 270.0)
	luvMinu = -88.0 * luvMaxi
	luvMinv = -134.0 * luvMaxi
)

// Luminance weights matching the ITU-R BT.601 transform in single precision.
const (
	grayWr = float32(0.2989)
	grayWg = float32(0.5870)
	grayWb = float32(0.1140)
)

// RGBToLUV converts one normalized RGB triplet to scaled L*u*v*.
func RGBToLUV(r, g, b float32) (l, u, v float32) {
	x := rgb2xyz[0]*r + rgb2xyz[1]*g + rgb2xyz[2]*b
	y := rgb2xyz[3]*r + rgb2xyz[4]*g + rgb2xyz[5]*b
	z := rgb2xyz[6]*r + rgb2xyz[7]*g + rgb2xyz[8]*b

	if y > luvY0 {
		l = 116*float32(math.Cbrt(float64(y))) - 16
	} else {
		l = y * luvA
	}
	l *= luvMaxi

	d := 1.0 / (x + 15*y + 3*z + 1e-35)
	u = l*(52*x*d-13*luvUn) - luvMinu
	v = l*(117*y*d-13*luvVn) - luvMinv
	return l, u, v
}

// RGBConvert converts src into the requested color space. The input is
// expected in [0,1] floating form with 1 or 3 channels. When isLUV is set
// the caller asserts the planes already hold scaled LUV values and only the
// "luv" and "orig" targets are accepted.
//
// A grayscale input with a non gray target is up converted by plane
// replication before the conversion, preserving the legacy behavior of the
// reference pipeline.
func RGBConvert(src *PlanarImage, cs ColorSpace, isLUV bool) (*PlanarImage, error) {
	if cs == ColorOrig {
		return src, nil
	}
	if isLUV {
		if cs != ColorLUV {
			return nil, errors.Errorf("pre-luv input cannot be converted to %q", cs)
		}
		return src, nil
	}
	if src.C == 1 {
		if cs == ColorGray {
			return src, nil
		}
		src = replicatePlanes(src, 3)
	}
	if src.C != 3 {
		return nil, errors.Errorf("unsupported channel count %d for colorspace %q", src.C, cs)
	}

	r, g, b := src.Plane(0), src.Plane(1), src.Plane(2)
	switch cs {
	case ColorRGB:
		return src, nil
	case ColorGray:
		out := NewPlanarImage(src.W, src.H, 1)
		dst := out.Plane(0)
		for i := range dst.Pix {
			dst.Pix[i] = grayWr*r.Pix[i] + grayWg*g.Pix[i] + grayWb*b.Pix[i]
		}
		return out, nil
	case ColorLUV:
		out := NewPlanarImage(src.W, src.H, 3)
		l, u, v := out.Plane(0), out.Plane(1), out.Plane(2)
		for i := range r.Pix {
			l.Pix[i], u.Pix[i], v.Pix[i] = RGBToLUV(r.Pix[i], g.Pix[i], b.Pix[i])
		}
		return out, nil
	case ColorHSV:
		out := NewPlanarImage(src.W, src.H, 3)
		hp, sp, vp := out.Plane(0), out.Plane(1), out.Plane(2)
		for i := range r.Pix {
			h, s, v := colorful.Color{
				R: float64(r.Pix[i]),
				G: float64(g.Pix[i]),
				B: float64(b.Pix[i]),
			}.Hsv()
			hp.Pix[i] = float32(h / 360)
			sp.Pix[i] = float32(s)
			vp.Pix[i] = float32(v)
		}
		return out, nil
	}
	return nil, errors.Errorf("unknown colorspace %q", cs)
}

// replicatePlanes repeats the first plane of src n times.
func replicatePlanes(src *PlanarImage, n int) *PlanarImage {
	out := NewPlanarImage(src.W, src.H, n)
	for c := 0; c < n; c++ {
		out.SetPlane(c, src.Plane(0))
	}
	return out
}
