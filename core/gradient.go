package acf

import "math"

// GradMagParams control the gradient magnitude channel.
type GradMagParams struct {
	Enabled   bool
	ColorChn  int     // color channel used for the gradient, 0 based
	NormRad   int     // triangle envelope radius, 0 disables normalization
	NormConst float64 // normalization constant added to the envelope
	Full      bool    // orientations in [0,2pi) instead of [0,pi)
}

// Gradient holds the per pixel gradient decomposition of one channel.
type Gradient struct {
	M, O   Plane
	Dx, Dy Plane
}

// GradMag computes per pixel gradient magnitude and orientation using
// central finite differences with one sided differences at the borders.
// When normRad > 0 the magnitude is normalized by a triangle filtered
// envelope: M = M / (convTri(M, normRad) + normConst). The orientation is
// derived from the raw gradients and is unaffected by normalization.
func GradMag(src Plane, normRad int, normConst float64, full bool) Gradient {
	w, h := src.W, src.H
	g := Gradient{M: NewPlane(w, h), O: NewPlane(w, h), Dx: NewPlane(w, h), Dy: NewPlane(w, h)}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var dx, dy float32
			switch {
			case w == 1:
			case x == 0:
				dx = src.At(1, y) - src.At(0, y)
			case x == w-1:
				dx = src.At(w-1, y) - src.At(w-2, y)
			default:
				dx = (src.At(x+1, y) - src.At(x-1, y)) * 0.5
			}
			switch {
			case h == 1:
			case y == 0:
				dy = src.At(x, 1) - src.At(x, 0)
			case y == h-1:
				dy = src.At(x, h-1) - src.At(x, h-2)
			default:
				dy = (src.At(x, y+1) - src.At(x, y-1)) * 0.5
			}

			g.Dx.Set(x, y, dx)
			g.Dy.Set(x, y, dy)
			g.M.Set(x, y, float32(math.Sqrt(float64(dx*dx+dy*dy))))

			o := float32(math.Atan2(float64(dy), float64(dx)))
			if full {
				if o < 0 {
					o += 2 * math.Pi
				}
			} else {
				if o < 0 {
					o += math.Pi
				}
				if o >= math.Pi {
					o -= math.Pi
				}
			}
			g.O.Set(x, y, o)
		}
	}

	if normRad > 0 {
		env := ConvTri(g.M, float64(normRad), 1)
		nc := float32(normConst)
		for i := range g.M.Pix {
			g.M.Pix[i] /= env.Pix[i] + nc
		}
	}
	return g
}
