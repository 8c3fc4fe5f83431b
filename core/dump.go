package acf

import (
	"image"

	xdraw "golang.org/x/image/draw"
)

// DumpPyramid renders the pyramid into a single grayscale image for visual
// inspection: each level's channel planes are stacked vertically, levels
// are laid out left to right, top aligned and zero padded where the
// heights differ. Values are clamped to [0,255] from the nominal [0,1]
// channel range.
func DumpPyramid(p *Pyramid) *image.Gray {
	if p == nil || p.NScales == 0 || p.Levels == nil {
		return image.NewGray(image.Rect(0, 0, 1, 1))
	}

	levels := make([]*image.Gray, p.NScales)
	totalW, maxH := 0, 0
	for i, bank := range p.Levels {
		lw, lh := bank.W, bank.H*bank.C
		lvl := image.NewGray(image.Rect(0, 0, lw, lh))
		for c := 0; c < bank.C; c++ {
			var plane []float32
			if bank.Pix != nil {
				plane = bank.Pix[c*bank.PlaneStride : (c+1)*bank.PlaneStride]
			}
			for y := 0; y < bank.H; y++ {
				for x := 0; x < lw; x++ {
					var v float32
					if plane != nil {
						v = plane[y*lw+x] * 255
					} else if bank.U8 != nil {
						v = float32(bank.U8.Pix[c*bank.U8.PlaneStride+y*lw+x])
					}
					if v < 0 {
						v = 0
					} else if v > 255 {
						v = 255
					}
					lvl.Pix[(c*bank.H+y)*lvl.Stride+x] = uint8(v)
				}
			}
		}
		levels[i] = lvl
		totalW += lw
		if lh > maxH {
			maxH = lh
		}
	}

	canvas := image.NewGray(image.Rect(0, 0, totalW, maxH))
	x := 0
	for _, lvl := range levels {
		r := lvl.Bounds().Add(image.Point{X: x})
		xdraw.Draw(canvas, r, lvl, image.Point{}, xdraw.Src)
		x += lvl.Bounds().Dx()
	}
	return canvas
}
