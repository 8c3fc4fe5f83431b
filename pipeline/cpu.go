package pipeline

import (
	"image"

	"github.com/pkg/errors"

	acf "github.com/acfdet/acf/core"
)

// CpuChannels is the software channel provider: it computes the feature
// pyramid on the CPU when the frame is retrieved. It fulfils the same
// contract as the GPU stage so the scheduler runs unchanged without a GL
// context.
type CpuChannels struct {
	Params  acf.PyramidParams
	pending *Frame
	detect  bool
}

// NewCpuChannels builds a CPU provider sharing the detector's pyramid
// configuration.
func NewCpuChannels(params acf.PyramidParams) *CpuChannels {
	return &CpuChannels{Params: params}
}

// Submit stores the frame; the work happens lazily on Retrieve, which is
// where the scheduler expects to block.
func (c *CpuChannels) Submit(f Frame, doDetect bool) error {
	if f.Pix == nil {
		return errors.New("cpu channel stage needs a pixel buffer input")
	}
	if len(f.Pix) < f.Width*f.Height*4 {
		return errors.Errorf("frame buffer too small for %dx%d", f.Width, f.Height)
	}
	fr := f
	c.pending = &fr
	c.detect = doDetect
	return nil
}

// Retrieve computes and returns the pyramid of the submitted frame.
func (c *CpuChannels) Retrieve() (*acf.Pyramid, uint32, error) {
	f := c.pending
	if f == nil {
		return nil, 0, errors.New("no frame submitted")
	}
	c.pending = nil

	img := &image.NRGBA{
		Pix:    f.Pix,
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
	pyr, err := acf.ComputePyramid(acf.PlanarFromNRGBA(img), c.Params, false)
	if err != nil {
		return nil, 0, err
	}
	return pyr, f.Texture, nil
}

// Close releases nothing; the CPU provider holds no external resources.
func (c *CpuChannels) Close() error {
	c.pending = nil
	return nil
}
