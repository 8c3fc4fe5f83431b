package acf

import "math"

// triKernel builds the 1-D triangle kernel for radius r. For integer r >= 1
// the kernel is [1..r+1..1]/(r+1)^2. For 0 < r < 1 the three tap form
// [1 p 1]/(2+p) with p = 12/r/(r+2)-2 is used instead.
func triKernel(r float64) []float32 {
	if r > 0 && r < 1 {
		p := 12.0/r/(r+2.0) - 2.0
		n := float32(2.0 + p)
		return []float32{1 / n, float32(p) / n, 1 / n}
	}
	rad := int(math.Round(r))
	k := make([]float32, 2*rad+1)
	d := float32((rad + 1) * (rad + 1))
	for i := -rad; i <= rad; i++ {
		k[i+rad] = float32(rad+1-abs(i)) / d
	}
	return k
}

// mirror reflects an out of range coordinate back into [0,n), matching a
// symmetric pad of the source prior to convolution.
func mirror(x, n int) int {
	for x < 0 || x >= n {
		if x < 0 {
			x = -x - 1
		}
		if x >= n {
			x = 2*n - x - 1
		}
	}
	return x
}

// ConvTri convolves the plane with a separable 2-D triangle filter of
// radius r, optionally downsampling the result by the integer factor s.
// Boundaries behave as if the plane were padded symmetrically.
func ConvTri(src Plane, r float64, s int) Plane {
	if src.W == 0 || src.H == 0 || (r == 0 && s == 1) {
		return src
	}
	w, h := src.W, src.H

	var tmp Plane
	if r == 0 {
		tmp = src
	} else {
		k := triKernel(r)
		rad := len(k) / 2

		// horizontal pass
		tmp = NewPlane(w, h)
		for y := 0; y < h; y++ {
			row := src.Pix[y*w : (y+1)*w]
			out := tmp.Pix[y*w : (y+1)*w]
			for x := 0; x < w; x++ {
				var acc float32
				for i := -rad; i <= rad; i++ {
					acc += k[i+rad] * row[mirror(x+i, w)]
				}
				out[x] = acc
			}
		}

		// vertical pass
		dst := NewPlane(w, h)
		for x := 0; x < w; x++ {
			for y := 0; y < h; y++ {
				var acc float32
				for i := -rad; i <= rad; i++ {
					acc += k[i+rad] * tmp.Pix[mirror(y+i, h)*w+x]
				}
				dst.Pix[y*w+x] = acc
			}
		}
		tmp = dst
	}

	if s <= 1 {
		return tmp
	}
	t := s / 2
	ow, oh := w/s, h/s
	out := NewPlane(ow, oh)
	for y := 0; y < oh; y++ {
		for x := 0; x < ow; x++ {
			out.Pix[y*ow+x] = tmp.Pix[(y*s+t)*w+x*s+t]
		}
	}
	return out
}

// ConvTriPlanar smooths every plane of p in place.
func ConvTriPlanar(p *PlanarImage, r float64) {
	if r == 0 {
		return
	}
	for c := 0; c < p.C; c++ {
		p.SetPlane(c, ConvTri(p.Plane(c), r, 1))
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
