package acf

// Resample resizes a channel plane to (dw, dh) and multiplies the result by
// norm. Downsampling averages over source cells so channel sums are
// preserved per unit area; upsampling interpolates bilinearly. The two axes
// are handled separably and may resize in opposite directions.
func Resample(src Plane, dw, dh int, norm float32) Plane {
	if dw == src.W && dh == src.H {
		if norm == 1 {
			return src
		}
		out := NewPlane(dw, dh)
		for i, v := range src.Pix {
			out.Pix[i] = v * norm
		}
		return out
	}

	// horizontal
	tmp := NewPlane(dw, src.H)
	for y := 0; y < src.H; y++ {
		resampleRow(src.Pix[y*src.W:(y+1)*src.W], tmp.Pix[y*dw:(y+1)*dw])
	}

	// vertical, via strided column views
	out := NewPlane(dw, dh)
	col := make([]float32, src.H)
	res := make([]float32, dh)
	for x := 0; x < dw; x++ {
		for y := 0; y < src.H; y++ {
			col[y] = tmp.Pix[y*dw+x]
		}
		resampleRow(col, res)
		for y := 0; y < dh; y++ {
			out.Pix[y*dw+x] = res[y] * norm
		}
	}
	return out
}

// resampleRow resizes one 1-D signal from len(src) to len(dst) samples.
func resampleRow(src, dst []float32) {
	n, m := len(src), len(dst)
	if n == m {
		copy(dst, src)
		return
	}
	if m < n {
		// area average: each output cell integrates src over [i*sc,(i+1)*sc)
		sc := float64(n) / float64(m)
		for i := 0; i < m; i++ {
			lo, hi := float64(i)*sc, float64(i+1)*sc
			j0, j1 := int(lo), int(hi)
			var acc float64
			if j0 == j1 {
				acc = float64(src[j0]) * (hi - lo)
			} else {
				acc = float64(src[j0]) * (float64(j0+1) - lo)
				for j := j0 + 1; j < j1; j++ {
					acc += float64(src[j])
				}
				if j1 < n {
					acc += float64(src[j1]) * (hi - float64(j1))
				}
			}
			dst[i] = float32(acc / sc)
		}
		return
	}
	// bilinear, centers aligned
	sc := float64(n) / float64(m)
	for i := 0; i < m; i++ {
		p := (float64(i)+0.5)*sc - 0.5
		if p < 0 {
			p = 0
		}
		j := int(p)
		if j >= n-1 {
			dst[i] = src[n-1]
			continue
		}
		f := float32(p - float64(j))
		dst[i] = src[j]*(1-f) + src[j+1]*f
	}
}

// ResamplePlanar resizes every plane of a planar image.
func ResamplePlanar(src *PlanarImage, dw, dh int, norm float32) *PlanarImage {
	out := NewPlanarImage(dw, dh, src.C)
	for c := 0; c < src.C; c++ {
		out.SetPlane(c, Resample(src.Plane(c), dw, dh, norm))
	}
	return out
}
