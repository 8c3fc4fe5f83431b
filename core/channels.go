package acf

import "github.com/pkg/errors"

// PadMode selects how a channel type is extended when the pyramid pads
// levels beyond the image border.
type PadMode int

const (
	// PadZero extends with zeros.
	PadZero PadMode = iota
	// PadReplicate extends with the nearest edge value.
	PadReplicate
)

// ColorParams control the color channel type.
type ColorParams struct {
	Enabled    bool
	Smooth     float64
	ColorSpace ColorSpace
}

// ChannelParams bundle the configuration of all channel types at one scale.
type ChannelParams struct {
	Shrink   int
	Color    ColorParams
	GradMag  GradMagParams
	GradHist GradHistParams
}

// Defaults fills unset fields with the standard ACF configuration:
// LUV color, normalized gradient magnitude and six orientation bins,
// aggregated over shrink=4 cells.
func (p *ChannelParams) Defaults() {
	if p.Shrink == 0 {
		p.Shrink = 4
		p.Color = ColorParams{Enabled: true, Smooth: 1, ColorSpace: ColorLUV}
		p.GradMag = GradMagParams{Enabled: true, NormRad: 5, NormConst: 0.005}
		p.GradHist = GradHistParams{Enabled: true, NOrients: 6, ClipHog: 0.2}
	}
	if p.Color.ColorSpace == "" {
		p.Color.ColorSpace = ColorLUV
	}
	if p.GradHist.BinSize == 0 {
		p.GradHist.BinSize = p.Shrink
	}
}

// NChannels reports the total plane count the configuration produces.
func (p *ChannelParams) NChannels() int {
	n := 0
	if p.Color.Enabled {
		if p.Color.ColorSpace == ColorGray {
			n++
		} else {
			n += 3
		}
	}
	if p.GradMag.Enabled {
		n++
	}
	if p.GradHist.Enabled {
		o := p.GradHist.NOrients
		if p.GradHist.UseHog {
			o *= 4
		}
		n += o
	}
	return n
}

// ChannelInfo describes one channel type inside a bank.
type ChannelInfo struct {
	Name    string
	NChns   int
	PadWith PadMode
}

// ChannelSet holds the channel types of one scale before concatenation.
// Each entry is an independent planar stack at 1/shrink resolution.
type ChannelSet struct {
	Types []*PlanarImage
	Info  []ChannelInfo
}

// ChannelBank is the concatenated planar stack of all channel types at one
// scale, with constant stride between consecutive planes.
type ChannelBank struct {
	*PlanarImage
	Info []ChannelInfo
	U8   *Uint8Planar // optional integer rendition for the cascade fast path
}

// Concat packs all types into a single contiguous bank.
func (s *ChannelSet) Concat() *ChannelBank {
	total := 0
	for _, t := range s.Types {
		total += t.C
	}
	if total == 0 {
		return &ChannelBank{PlanarImage: NewPlanarImage(0, 0, 0)}
	}
	w, h := s.Types[0].W, s.Types[0].H
	bank := NewPlanarImage(w, h, total)
	i := 0
	for _, t := range s.Types {
		for c := 0; c < t.C; c++ {
			bank.SetPlane(i, t.Plane(c))
			i++
		}
	}
	return &ChannelBank{PlanarImage: bank, Info: s.Info}
}

// ComputeChannels transforms one image into its channel set at 1/shrink
// resolution: color planes, normalized gradient magnitude, and oriented
// gradient histograms. The input is cropped so both dimensions divide by
// shrink. When isLUV is set the input planes are taken as scaled LUV.
func ComputeChannels(src *PlanarImage, p ChannelParams, isLUV bool) (*ChannelSet, error) {
	p.Defaults()
	shrink := p.Shrink
	if src.C > 3 {
		src = src.Take(3)
	}
	src = src.CropMod(shrink)
	if src.W == 0 || src.H == 0 {
		return nil, errors.New("image too small for channel computation")
	}
	cw, ch := src.W/shrink, src.H/shrink

	set := &ChannelSet{}

	// color channels
	I, err := RGBConvert(src, p.Color.ColorSpace, isLUV)
	if err != nil {
		return nil, err
	}
	smoothed := I
	if p.Color.Smooth > 0 {
		smoothed = NewPlanarImage(I.W, I.H, I.C)
		for c := 0; c < I.C; c++ {
			smoothed.SetPlane(c, ConvTri(I.Plane(c), p.Color.Smooth, 1))
		}
	}
	if p.Color.Enabled {
		set.add(ResamplePlanar(smoothed, cw, ch, 1), "color channels", PadReplicate)
	}

	// gradient magnitude
	var g Gradient
	if p.GradMag.Enabled || p.GradHist.Enabled {
		chn := p.GradMag.ColorChn
		if chn >= smoothed.C {
			return nil, errors.Errorf("colorChn %d out of range for %d channels", chn, smoothed.C)
		}
		g = GradMag(smoothed.Plane(chn), p.GradMag.NormRad, p.GradMag.NormConst, p.GradMag.Full)
	}
	if p.GradMag.Enabled {
		mp := NewPlanarImage(g.M.W, g.M.H, 1)
		mp.SetPlane(0, g.M)
		set.add(ResamplePlanar(mp, cw, ch, 1), "gradient magnitude", PadZero)
	}

	// gradient histogram
	if p.GradHist.Enabled {
		bin := p.GradHist.BinSize
		if bin == 0 {
			bin = shrink
		}
		hist := GradHist(g.M, g.O, bin, p.GradHist.NOrients, p.GradHist.SoftBin, p.GradMag.Full)
		if p.GradHist.UseHog {
			hist = HogNormalize(hist, p.GradHist.ClipHog)
		}
		if hist.W != cw || hist.H != ch {
			hist = ResamplePlanar(hist, cw, ch, 1)
		}
		set.add(hist, "gradient histogram", PadZero)
	}
	return set, nil
}

func (s *ChannelSet) add(data *PlanarImage, name string, pad PadMode) {
	s.Types = append(s.Types, data)
	s.Info = append(s.Info, ChannelInfo{Name: name, NChns: data.C, PadWith: pad})
}
