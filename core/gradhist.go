package acf

import "math"

// GradHistParams control the oriented gradient histogram channels.
type GradHistParams struct {
	Enabled  bool
	BinSize  int // spatial cell size, defaults to shrink when 0
	NOrients int
	SoftBin  int // odd: soft spatial binning; >=0: soft orientation binning
	UseHog   bool
	ClipHog  float64
}

// GradHist accumulates magnitude weighted orientation votes into nOrients
// planes over a grid of bin x bin cells. Orientation votes are split
// bilinearly between the two nearest bins unless softBin < 0; spatial votes
// are split bilinearly between the four nearest cells when softBin is odd.
// Votes are scaled by 1/bin^2 so each cell holds an average magnitude,
// commensurate with the resampled magnitude channel.
func GradHist(m, o Plane, bin, nOrients, softBin int, full bool) *PlanarImage {
	w, h := m.W, m.H
	cw, ch := w/bin, h/bin
	out := NewPlanarImage(cw, ch, nOrients)

	oMult := float64(nOrients) / math.Pi
	if full {
		oMult = float64(nOrients) / (2 * math.Pi)
	}
	norm := float32(1.0 / float64(bin*bin))
	soft := softBin%2 != 0

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			mag := m.At(x, y) * norm
			if mag == 0 {
				continue
			}
			t := float64(o.At(x, y)) * oMult
			var b0, b1 int
			var w0, w1 float32
			if softBin >= 0 {
				f := math.Floor(t)
				b0 = int(f) % nOrients
				b1 = (b0 + 1) % nOrients
				w1 = float32(t - f)
				w0 = 1 - w1
			} else {
				b0 = int(math.Round(t)) % nOrients
				b1, w0, w1 = b0, 1, 0
			}

			if !soft {
				cx, cy := x/bin, y/bin
				if cx >= cw || cy >= ch {
					continue
				}
				p0 := out.Pix[b0*out.PlaneStride:]
				p0[cy*cw+cx] += mag * w0
				if w1 != 0 {
					p1 := out.Pix[b1*out.PlaneStride:]
					p1[cy*cw+cx] += mag * w1
				}
				continue
			}

			// soft spatial binning: split across the four nearest cells
			fx := (float64(x)+0.5)/float64(bin) - 0.5
			fy := (float64(y)+0.5)/float64(bin) - 0.5
			cx0, cy0 := int(math.Floor(fx)), int(math.Floor(fy))
			dx := float32(fx - float64(cx0))
			dy := float32(fy - float64(cy0))
			for _, c := range [4]struct {
				x, y int
				w    float32
			}{
				{cx0, cy0, (1 - dx) * (1 - dy)},
				{cx0 + 1, cy0, dx * (1 - dy)},
				{cx0, cy0 + 1, (1 - dx) * dy},
				{cx0 + 1, cy0 + 1, dx * dy},
			} {
				if c.x < 0 || c.y < 0 || c.x >= cw || c.y >= ch || c.w == 0 {
					continue
				}
				out.Pix[b0*out.PlaneStride+c.y*cw+c.x] += mag * w0 * c.w
				if w1 != 0 {
					out.Pix[b1*out.PlaneStride+c.y*cw+c.x] += mag * w1 * c.w
				}
			}
		}
	}
	return out
}

// HogNormalize applies the 4-way HOG block normalization to an orientation
// histogram stack, producing nOrients*4 planes. Each cell is normalized by
// the energy of the four 2x2 blocks containing it and clipped at clip.
func HogNormalize(hist *PlanarImage, clip float64) *PlanarImage {
	cw, ch, n := hist.W, hist.H, hist.C
	const eps = 1e-4

	// block energies at cell corners
	energy := NewPlane(cw, ch)
	for c := 0; c < n; c++ {
		p := hist.Plane(c)
		for i, v := range p.Pix {
			energy.Pix[i] += v * v
		}
	}
	blockNorm := func(x, y int) float32 {
		x0, y0 := clampInt(x, 0, cw-1), clampInt(y, 0, ch-1)
		x1, y1 := clampInt(x+1, 0, cw-1), clampInt(y+1, 0, ch-1)
		e := energy.At(x0, y0) + energy.At(x1, y0) + energy.At(x0, y1) + energy.At(x1, y1)
		return float32(1.0 / math.Sqrt(float64(e)+eps))
	}

	out := NewPlanarImage(cw, ch, n*4)
	cl := float32(clip)
	for c := 0; c < n; c++ {
		src := hist.Plane(c)
		for y := 0; y < ch; y++ {
			for x := 0; x < cw; x++ {
				v := src.At(x, y)
				for b, r := range [4]float32{
					blockNorm(x-1, y-1), blockNorm(x, y-1),
					blockNorm(x-1, y), blockNorm(x, y),
				} {
					nv := v * r
					if nv > cl {
						nv = cl
					}
					out.Pix[(c*4+b)*out.PlaneStride+y*cw+x] = nv
				}
			}
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
