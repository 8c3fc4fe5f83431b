package acf

import (
	"image"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// PyramidParams control feature pyramid construction.
type PyramidParams struct {
	Channels ChannelParams
	NPerOct  int       // scales per octave
	NOctUp   int       // upsampled octaves above the input scale
	NApprox  int       // approximated scales between exact ones, <0 = nPerOct-1
	Lambdas  []float64 // power law exponents per channel type, estimated if empty
	Pad      image.Point
	MinDs    image.Point
	Smooth   float64
	Concat   bool
	Threads  int
}

// DefaultPyramidParams returns the standard ACF pyramid configuration.
func DefaultPyramidParams() PyramidParams {
	p := PyramidParams{
		NPerOct: 8,
		NApprox: -1,
		MinDs:   image.Point{X: 16, Y: 16},
		Smooth:  1,
		Concat:  true,
		Threads: -1,
	}
	p.Channels.Defaults()
	return p
}

// normalize clamps and derives the dependent parameter values the way the
// reference pipeline does at init.
func (p *PyramidParams) normalize() {
	p.Channels.Defaults()
	if p.NPerOct == 0 {
		p.NPerOct = 8
	}
	if p.NApprox < 0 {
		p.NApprox = p.NPerOct - 1
	}
	shrink := p.Channels.Shrink
	p.Pad.X = (p.Pad.X + shrink/2) / shrink * shrink
	p.Pad.Y = (p.Pad.Y + shrink/2) / shrink * shrink
	if p.MinDs.X < 4*shrink {
		p.MinDs.X = 4 * shrink
	}
	if p.MinDs.Y < 4*shrink {
		p.MinDs.Y = 4 * shrink
	}
}

// ScaleHW holds the exact per axis resampling factors of one level. Height
// and width may differ by up to one pixel worth of scale.
type ScaleHW struct {
	W, H float64
}

// Pyramid is a multi scale stack of channel banks, ordered by decreasing
// resolution.
type Pyramid struct {
	Params   PyramidParams
	NTypes   int
	NScales  int
	Data     [][]*PlanarImage // [scale][type], populated before concat
	Levels   []*ChannelBank   // concatenated banks, when Params.Concat
	Info     []ChannelInfo
	Scales   []float64
	ScalesHW []ScaleHW
	Lambdas  []float64
	Rois     [][]image.Rectangle // tile layout per level/type, GPU path only
}

// getScales computes the level scales so that the channel dimensions at
// each scale are exact multiples of shrink while the maximum per axis
// rounding error is minimized. The smaller image dimension drives the
// candidate interval; the final scale factors may differ slightly per axis.
func getScales(nPerOct, nOctUp int, minDs image.Point, shrink, w, h int) ([]float64, []ScaleHW) {
	if w <= 0 || h <= 0 {
		return nil, nil
	}
	ratio := math.Min(float64(w)/float64(minDs.X), float64(h)/float64(minDs.Y))
	nScales := int(math.Floor(float64(nPerOct)*(float64(nOctUp)+math.Log2(ratio)) + 1))
	if nScales < 1 {
		return nil, nil
	}

	d0, d1 := float64(h), float64(w)
	if h >= w {
		d0, d1 = d1, d0
	}
	sh := float64(shrink)

	raw := make([]float64, nScales)
	for i := 0; i < nScales; i++ {
		s := math.Pow(2, -float64(i)/float64(nPerOct)+float64(nOctUp))
		s0 := (math.Round(d0*s/sh)*sh - 0.25*sh) / d0
		s1 := (math.Round(d0*s/sh)*sh + 0.25*sh) / d0
		bestS, bestE := 0.0, math.MaxFloat64
		for j := 0.0; j < 1.0-1e-9; j += 0.01 {
			ss := j*(s1-s0) + s0
			es0 := d0 * ss
			es0 = math.Abs(es0 - math.Round(es0/sh)*sh)
			es1 := d1 * ss
			es1 = math.Abs(es1 - math.Round(es1/sh)*sh)
			if es := math.Max(es0, es1); es < bestE {
				bestS, bestE = ss, es
			}
		}
		raw[i] = bestS
	}

	// drop duplicate consecutive scales
	var scales []float64
	var hw []ScaleHW
	for i := 0; i < len(raw); i++ {
		if i+1 < len(raw) && raw[i] == raw[i+1] {
			continue
		}
		s := raw[i]
		scales = append(scales, s)
		hw = append(hw, ScaleHW{
			W: math.Round(float64(w)*s/sh) * sh / float64(w),
			H: math.Round(float64(h)*s/sh) * sh / float64(h),
		})
	}
	return scales, hw
}

// exactIndices splits [0,nScales) into exact levels (every nApprox+1 steps,
// level 0 included) and the remaining approximated ones.
func exactIndices(nScales, nApprox int) (isR, isA []int) {
	for i := 0; i < nScales; i++ {
		if i%(nApprox+1) == 0 {
			isR = append(isR, i)
		} else {
			isA = append(isA, i)
		}
	}
	return isR, isA
}

// nearestExact assigns every level the nearest exact level, ties broken
// toward the lower index.
func nearestExact(nScales int, isR []int) []int {
	isN := make([]int, nScales)
	bounds := make([]int, len(isR)+1)
	bounds[len(isR)] = nScales
	for i := 0; i+1 < len(isR); i++ {
		bounds[i+1] = (isR[i] + isR[i+1] + 2) / 2
	}
	for i := range isR {
		for j := bounds[i]; j < bounds[i+1]; j++ {
			isN[j] = isR[i]
		}
	}
	return isN
}

// ComputePyramid builds the full channel feature pyramid for src. Exact
// levels recompute channels from the resampled source; the levels between
// them are reconstructed from the nearest exact level by the per channel
// power law. When isLUV is set the source planes are taken as scaled LUV.
func ComputePyramid(src *PlanarImage, params PyramidParams, isLUV bool) (*Pyramid, error) {
	p := params
	p.normalize()
	shrink := p.Channels.Shrink

	// Convert the color space once at full resolution; per level channel
	// computation then runs with an identity color pass. Alpha or other
	// trailing planes are dropped.
	cs := p.Channels.Color.ColorSpace
	if src.C > 3 {
		src = src.Take(3)
	}
	if src.C == 1 && (cs == ColorGray || cs == ColorOrig) {
		src = replicatePlanes(src, 3)
	}
	I, err := RGBConvert(src, cs, isLUV)
	if err != nil {
		return nil, errors.Wrap(err, "pyramid color conversion")
	}
	chnParams := p.Channels
	chnParams.Color.ColorSpace = ColorOrig

	w, h := src.W, src.H
	scales, scaleshw := getScales(p.NPerOct, p.NOctUp, p.MinDs, shrink, w, h)
	nScales := len(scales)
	pyr := &Pyramid{
		Params:   p,
		NScales:  nScales,
		Scales:   scales,
		ScalesHW: scaleshw,
		Lambdas:  append([]float64(nil), p.Lambdas...),
	}
	if nScales == 0 {
		return pyr, nil
	}

	isR, isA := exactIndices(nScales, p.NApprox)
	isN := nearestExact(nScales, isR)

	pyr.Data = make([][]*PlanarImage, nScales)

	// exact levels
	for _, i := range isR {
		s := scales[i]
		w1 := int(math.Round(float64(w)*s/float64(shrink))) * shrink
		h1 := int(math.Round(float64(h)*s/float64(shrink))) * shrink
		I1 := I
		if w1 != w || h1 != h {
			I1 = ResamplePlanar(I, w1, h1, 1)
		}
		set, err := ComputeChannels(I1, chnParams, false)
		if err != nil {
			return nil, errors.Wrapf(err, "channels at scale %d", i)
		}
		if pyr.NTypes == 0 {
			pyr.NTypes = len(set.Types)
			pyr.Info = set.Info
		}
		pyr.Data[i] = set.Types
	}

	// estimate lambdas from two exact scales if not supplied
	if len(pyr.Lambdas) == 0 && p.NApprox > 0 {
		var is []int
		for i := p.NOctUp * p.NPerOct; i < nScales; i += p.NApprox + 1 {
			is = append(is, i)
		}
		if len(is) < 2 {
			return nil, errors.New("not enough exact scales to estimate lambdas")
		}
		if len(is) > 2 {
			is = []int{is[1], is[2]}
		}
		pyr.Lambdas = make([]float64, pyr.NTypes)
		for j := 0; j < pyr.NTypes; j++ {
			f0 := planarMean(pyr.Data[is[0]][j])
			f1 := planarMean(pyr.Data[is[1]][j])
			l := -math.Log2(f0/f1) / math.Log2(scales[is[0]]/scales[is[1]])
			if !math.IsInf(l, 0) && !math.IsNaN(l) {
				pyr.Lambdas[j] = l
			}
		}
	}

	// approximate levels, in randomized order across the worker pool
	order := shuffledIndices(len(isA))
	parallelFor(len(isA), p.Threads, func(k int) {
		i := isA[order[k]]
		iR := isN[i]
		w1 := int(math.Round(float64(w) * scales[i] / float64(shrink)))
		h1 := int(math.Round(float64(h) * scales[i] / float64(shrink)))
		pyr.Data[i] = make([]*PlanarImage, pyr.NTypes)
		for j := 0; j < pyr.NTypes; j++ {
			ratio := 1.0
			if len(pyr.Lambdas) > j {
				ratio = math.Pow(scales[i]/scales[iR], -pyr.Lambdas[j])
			}
			pyr.Data[i][j] = ResamplePlanar(pyr.Data[iR][j], w1, h1, float32(ratio))
		}
	})

	// smoothing and padding
	order = shuffledIndices(nScales)
	parallelFor(nScales, p.Threads, func(k int) {
		i := order[k]
		for j := 0; j < pyr.NTypes; j++ {
			if p.Smooth > 0 {
				ConvTriPlanar(pyr.Data[i][j], p.Smooth)
			}
			if p.Pad.X > 0 || p.Pad.Y > 0 {
				pyr.Data[i][j] = padPlanar(pyr.Data[i][j], p.Pad.X/shrink, p.Pad.Y/shrink, pyr.Info[j].PadWith)
			}
		}
	})

	if p.Concat && pyr.NTypes > 0 {
		pyr.Levels = make([]*ChannelBank, nScales)
		for i := 0; i < nScales; i++ {
			set := &ChannelSet{Types: pyr.Data[i], Info: pyr.Info}
			pyr.Levels[i] = set.Concat()
		}
	}
	return pyr, nil
}

// padPlanar extends every plane by px columns and py rows on each side.
func padPlanar(src *PlanarImage, px, py int, mode PadMode) *PlanarImage {
	if px == 0 && py == 0 {
		return src
	}
	w, h := src.W+2*px, src.H+2*py
	out := NewPlanarImage(w, h, src.C)
	for c := 0; c < src.C; c++ {
		sp, dp := src.Plane(c), out.Plane(c)
		for y := 0; y < h; y++ {
			sy := y - py
			if mode == PadReplicate {
				sy = clampInt(sy, 0, src.H-1)
			} else if sy < 0 || sy >= src.H {
				continue
			}
			for x := 0; x < w; x++ {
				sx := x - px
				if mode == PadReplicate {
					sx = clampInt(sx, 0, src.W-1)
				} else if sx < 0 || sx >= src.W {
					continue
				}
				dp.Pix[y*w+x] = sp.Pix[sy*src.W+sx]
			}
		}
	}
	return out
}

func planarMean(p *PlanarImage) float64 {
	xs := make([]float64, len(p.Pix))
	for i, v := range p.Pix {
		xs[i] = float64(v)
	}
	return stat.Mean(xs, nil)
}
