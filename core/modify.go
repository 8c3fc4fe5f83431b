package acf

import (
	"image"
	"math"
)

// ModifyParams carries the detector fields that may legally change after a
// model is loaded. Nil pointers leave the current value untouched.
type ModifyParams struct {
	NPerOct *int
	NOctUp  *int
	NApprox *int
	Lambdas []float64
	Pad     *image.Point
	MinDs   *image.Point
	Nms     *NmsParams
	Stride  *int
	CascThr *float64
	CascCal *float64
	Rescale *float64
}

// Modify applies runtime tunable parameters to the detector. All other
// model fields are immutable after load. A rescale factor transforms the
// detector itself and cannot be undone.
func (d *Detector) Modify(p ModifyParams) {
	if p.NPerOct != nil {
		d.Pyramid.NPerOct = *p.NPerOct
	}
	if p.NOctUp != nil {
		d.Pyramid.NOctUp = *p.NOctUp
	}
	if p.NApprox != nil {
		d.Pyramid.NApprox = *p.NApprox
	}
	if p.Lambdas != nil {
		d.Pyramid.Lambdas = append([]float64(nil), p.Lambdas...)
	}
	if p.Pad != nil {
		d.Pyramid.Pad = *p.Pad
	}
	if p.MinDs != nil {
		d.Pyramid.MinDs = *p.MinDs
	}
	if p.Nms != nil {
		nms := *p.Nms
		d.Nms = &nms
	}
	if p.Stride != nil {
		d.Stride = *p.Stride
	}
	if p.CascThr != nil {
		d.CascThr = *p.CascThr
	}
	if p.CascCal != nil {
		d.CascCal = *p.CascCal
	}
	if p.Rescale != nil && *p.Rescale != 1 {
		d.rescale(*p.Rescale)
	}
}

// rescale resizes the trained model window by ratio, compensating the
// node thresholds with the per channel type power law so the rescaled
// detector responds to objects ratio times larger.
func (d *Detector) rescale(ratio float64) {
	shrink := d.Pyramid.Channels.Shrink
	clf := d.Clf

	round := func(v float64) int { return int(math.Round(v/float64(shrink))) * shrink }
	oldPad := clf.ModelDsPad
	clf.ModelDs = image.Point{X: int(math.Round(float64(clf.ModelDs.X) * ratio)), Y: int(math.Round(float64(clf.ModelDs.Y) * ratio))}
	clf.ModelDsPad = image.Point{X: round(float64(oldPad.X) * ratio), Y: round(float64(oldPad.Y) * ratio)}
	d.Stride = round(float64(d.Stride) * ratio)
	if d.Stride == 0 {
		d.Stride = shrink
	}

	// remap feature ids from the old window grid onto the new one
	ow, oh := oldPad.X/shrink, oldPad.Y/shrink
	nw, nh := clf.ModelDsPad.X/shrink, clf.ModelDsPad.Y/shrink
	lambdas := d.Pyramid.Lambdas
	nChns := d.Pyramid.Channels.NChannels()
	for i, fid := range clf.Fids {
		z := int(fid) / (ow * oh)
		rem := int(fid) % (ow * oh)
		c, r := rem/oh, rem%oh
		nc := clampInt(int(math.Round(float64(c)*float64(nw)/float64(ow))), 0, nw-1)
		nr := clampInt(int(math.Round(float64(r)*float64(nh)/float64(oh))), 0, nh-1)
		clf.Fids[i] = uint32(z*(nw*nh) + nc*nh + nr)

		// power law threshold compensation per channel type
		if len(lambdas) > 0 && nChns > 0 {
			lambda := lambdas[channelType(z, d.Pyramid.Channels)]
			clf.Thrs[i] *= float32(math.Pow(ratio, -lambda))
		}
	}
	clf.ThrsU8 = nil
}

// channelType maps a plane index onto its channel type index in the
// standard color/magnitude/histogram ordering.
func channelType(plane int, p ChannelParams) int {
	t := 0
	if p.Color.Enabled {
		n := 3
		if p.Color.ColorSpace == ColorGray {
			n = 1
		}
		if plane < n {
			return t
		}
		plane -= n
		t++
	}
	if p.GradMag.Enabled {
		if plane < 1 {
			return t
		}
		plane--
		t++
	}
	return t
}
