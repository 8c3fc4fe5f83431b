package gpu

import (
	"image"

	"github.com/go-gl/gl/v3.3-core/gl"
	"github.com/pkg/errors"

	acf "github.com/acfdet/acf/core"
	"github.com/acfdet/acf/pipeline"
)

// PackKind selects the channel packing of the stage output.
type PackKind int

const (
	// PackM012345 packs gradient magnitude plus six orientation bins.
	PackM012345 PackKind = iota
	// PackLUVM012345 prepends the three LUV planes.
	PackLUVM012345
)

// nChannels reports the plane count of the packing.
func (p PackKind) nChannels() int {
	if p == PackLUVM012345 {
		return 10
	}
	return 7
}

// Stage computes the ACF channel pyramid with a DAG of shader passes. All
// pyramid levels are tiled into one texture; Rois describes each tile. The
// stage must be used from the goroutine owning the GL context.
type Stage struct {
	width, height int
	shrink        int
	nOrients      int
	pack          PackKind
	params        acf.PyramidParams
	template      *acf.Pyramid

	nodes  []node
	quad   quad
	rotMat [9]float32

	inputTex uint32
	tiles    []image.Rectangle // level tiles, full resolution canvas
	chTiles  []image.Rectangle // level tiles, channel resolution
	Rois     [][]image.Rectangle

	canvasW, canvasH int // full resolution tile canvas
	chanW, chanH     int // channel resolution canvas

	// output group merge nodes, one per RGBA plane group
	groups []int

	rb        readback
	usePBO    bool
	submitted bool
	doDetect  bool
	lost      bool
}

// NewStage initializes the channel stage for a fixed input size. The level
// layout is derived from a reference CPU pyramid over a blank frame; a
// configuration that yields no valid scales is a fatal error.
func NewStage(params acf.PyramidParams, w, h int, pack PackKind, usePBO bool) (*Stage, error) {
	pad := params.Pad
	params.Pad = image.Point{} // the shader path skips padding; it is applied on readback
	params.Channels.Defaults()
	if params.Channels.NChannels() != pack.nChannels() {
		return nil, errors.Errorf("gpu: channel configuration yields %d planes, packing %d wants %d",
			params.Channels.NChannels(), pack, pack.nChannels())
	}
	blank := acf.NewPlanarImage(w, h, 3)
	tmpl, err := acf.ComputePyramid(blank, params, false)
	if err != nil {
		return nil, errors.Wrap(err, "gpu: reference pyramid")
	}
	if tmpl.NScales <= 0 {
		return nil, errors.New("gpu: no valid detection scales for this configuration")
	}

	params.Pad = pad
	s := &Stage{
		width: w, height: h,
		shrink:   tmpl.Params.Channels.Shrink,
		nOrients: tmpl.Params.Channels.GradHist.NOrients,
		pack:     pack,
		params:   params,
		template: tmpl,
		usePBO:   usePBO,
		rotMat:   [9]float32{1, 0, 0, 0, 1, 0, 0, 0, 1},
	}

	// tile layout: levels side by side, left aligned, tallest first
	x := 0
	maxH := 0
	for i := 0; i < tmpl.NScales; i++ {
		lw := tmpl.Levels[i].W * s.shrink
		lh := tmpl.Levels[i].H * s.shrink
		s.tiles = append(s.tiles, image.Rect(x, 0, x+lw, lh))
		s.chTiles = append(s.chTiles, image.Rect(x/s.shrink, 0, (x+lw)/s.shrink, lh/s.shrink))
		x += lw
		if lh > maxH {
			maxH = lh
		}
	}
	s.canvasW, s.canvasH = x, maxH
	s.chanW, s.chanH = x/s.shrink, maxH/s.shrink

	// rois: per level, per channel type, the tile in the channel canvas
	for i := 0; i < tmpl.NScales; i++ {
		var rois []image.Rectangle
		for range tmpl.Info {
			rois = append(rois, s.chTiles[i])
		}
		s.Rois = append(s.Rois, rois)
	}

	if err := s.build(); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.rb.init(s.chanW, s.chanH, len(s.groups), usePBO); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// SetRotation sets the input orientation in multiples of 90 degrees.
func (s *Stage) SetRotation(quarterTurns int) {
	c, si := []float32{1, 0, -1, 0}, []float32{0, 1, 0, -1}
	q := ((quarterTurns % 4) + 4) % 4
	// rotate texture coordinates about the center
	cs, sn := c[q], si[q]
	s.rotMat = [9]float32{
		cs, sn, 0,
		-sn, cs, 0,
		0.5 - 0.5*cs + 0.5*sn, 0.5 - 0.5*sn - 0.5*cs, 1,
	}
}

// build assembles the node arena. The graph follows the reference stage:
// rotate, smooth, rgb2luv, pyramid, then the gradient and histogram
// branches, each reduced to channel resolution and packed by merge nodes.
func (s *Stage) build() error {
	s.quad = newQuad()

	gl.GenTextures(1, &s.inputTex)
	gl.BindTexture(gl.TEXTURE_2D, s.inputTex)
	gl.TexImage2D(gl.TEXTURE_2D, 0, gl.RGBA8, int32(s.width), int32(s.height), 0, gl.RGBA, gl.UNSIGNED_BYTE, nil)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_S, gl.CLAMP_TO_EDGE)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_T, gl.CLAMP_TO_EDGE)

	progGain, err := linkProgram(vsQuad, fsGain)
	if err != nil {
		return err
	}
	progSmooth, err := linkProgram(vsQuad, fsSmooth)
	if err != nil {
		return err
	}
	progLuv, err := linkProgram(vsQuad, fsRgb2Luv)
	if err != nil {
		return err
	}
	progGrad, err := linkProgram(vsQuad, fsGradient)
	if err != nil {
		return err
	}
	progNorm, err := linkProgram(vsQuad, fsNorm)
	if err != nil {
		return err
	}
	progHist, err := linkProgram(vsQuad, fsGradHist)
	if err != nil {
		return err
	}
	progMerge, err := linkProgram(vsQuad, fsMerge2)
	if err != nil {
		return err
	}

	mk := func(w, h int) (target, error) { return newTarget(w, h) }

	full := func(name string, kind passKind, prog uint32, in0, in1 int, w, h int) (int, error) {
		t, err := mk(w, h)
		if err != nil {
			return 0, err
		}
		n := node{name: name, kind: kind, prog: prog, out: t, in: [2]int{in0, in1}, gain: 1}
		return s.add(n), nil
	}

	W, H := s.width, s.height
	rotate, err := full("rotate", passGain, progGain, -1, -1, W, H)
	if err != nil {
		return err
	}
	smoothH, err := full("smoothH", passSmoothH, progSmooth, rotate, -1, W, H)
	if err != nil {
		return err
	}
	smoothV, err := full("smoothV", passSmoothV, progSmooth, smoothH, -1, W, H)
	if err != nil {
		return err
	}
	luv, err := full("rgb2luv", passRgb2Luv, progLuv, smoothV, -1, W, H)
	if err != nil {
		return err
	}
	pyr, err := full("pyramid", passPyramid, progGain, luv, -1, s.canvasW, s.canvasH)
	if err != nil {
		return err
	}
	pyrSh, err := full("pyrSmoothH", passSmoothH, progSmooth, pyr, -1, s.canvasW, s.canvasH)
	if err != nil {
		return err
	}
	pyrSv, err := full("pyrSmoothV", passSmoothV, progSmooth, pyrSh, -1, s.canvasW, s.canvasH)
	if err != nil {
		return err
	}
	reduceLuv, err := full("reduceLuv", passGain, progGain, pyrSv, -1, s.chanW, s.chanH)
	if err != nil {
		return err
	}
	grad, err := full("gradient", passGradient, progGrad, pyrSv, -1, s.canvasW, s.canvasH)
	if err != nil {
		return err
	}
	envH, err := full("normEnvH", passSmoothH, progSmooth, grad, -1, s.canvasW, s.canvasH)
	if err != nil {
		return err
	}
	envV, err := full("normEnvV", passSmoothV, progSmooth, envH, -1, s.canvasW, s.canvasH)
	if err != nil {
		return err
	}
	norm, err := full("norm", passNorm, progNorm, grad, envV, s.canvasW, s.canvasH)
	if err != nil {
		return err
	}
	s.nodes[norm].normConst = 0.005
	reduceGrad, err := full("reduceNormGrad", passGain, progGain, norm, -1, s.chanW, s.chanH)
	if err != nil {
		return err
	}
	histA, err := full("gradHist0123", passGradHist, progHist, norm, -1, s.canvasW, s.canvasH)
	if err != nil {
		return err
	}
	histB, err := full("gradHist45", passGradHist, progHist, norm, -1, s.canvasW, s.canvasH)
	if err != nil {
		return err
	}
	s.nodes[histB].binBase = 4
	histASh, err := full("histASmoothH", passSmoothH, progSmooth, histA, -1, s.canvasW, s.canvasH)
	if err != nil {
		return err
	}
	histASv, err := full("histASmoothV", passSmoothV, progSmooth, histASh, -1, s.canvasW, s.canvasH)
	if err != nil {
		return err
	}
	histBSh, err := full("histBSmoothH", passSmoothH, progSmooth, histB, -1, s.canvasW, s.canvasH)
	if err != nil {
		return err
	}
	histBSv, err := full("histBSmoothV", passSmoothV, progSmooth, histBSh, -1, s.canvasW, s.canvasH)
	if err != nil {
		return err
	}
	reduceHistA, err := full("reduceHistA", passGain, progGain, histASv, -1, s.chanW, s.chanH)
	if err != nil {
		return err
	}
	reduceHistB, err := full("reduceHistB", passGain, progGain, histBSv, -1, s.chanW, s.chanH)
	if err != nil {
		return err
	}

	// channel packing via 2-input merges
	if s.pack == PackLUVM012345 {
		luvm, err := full("mergeLUVM", passMerge2, progMerge, reduceLuv, reduceGrad, s.chanW, s.chanH)
		if err != nil {
			return err
		}
		s.nodes[luvm].srcTex = [4]int32{0, 0, 0, 1}
		s.nodes[luvm].srcChan = [4]int32{0, 1, 2, 0}
		s.groups = append(s.groups, luvm)
	} else {
		mh := reduceGrad
		m012, err := full("mergeM012", passMerge2, progMerge, mh, reduceHistA, s.chanW, s.chanH)
		if err != nil {
			return err
		}
		s.nodes[m012].srcTex = [4]int32{0, 1, 1, 1}
		s.nodes[m012].srcChan = [4]int32{0, 0, 1, 2}
		s.groups = append(s.groups, m012)
	}

	if s.pack == PackLUVM012345 {
		h0123, err := full("mergeH0123", passMerge2, progMerge, reduceHistA, reduceHistB, s.chanW, s.chanH)
		if err != nil {
			return err
		}
		s.nodes[h0123].srcTex = [4]int32{0, 0, 0, 0}
		s.nodes[h0123].srcChan = [4]int32{0, 1, 2, 3}
		h45, err := full("mergeH45", passMerge2, progMerge, reduceHistB, reduceHistA, s.chanW, s.chanH)
		if err != nil {
			return err
		}
		s.nodes[h45].srcTex = [4]int32{0, 0, 0, 0}
		s.nodes[h45].srcChan = [4]int32{0, 1, 2, 3}
		s.groups = append(s.groups, h0123, h45)
	} else {
		h345, err := full("mergeH345", passMerge2, progMerge, reduceHistA, reduceHistB, s.chanW, s.chanH)
		if err != nil {
			return err
		}
		s.nodes[h345].srcTex = [4]int32{0, 1, 1, 1}
		s.nodes[h345].srcChan = [4]int32{3, 0, 1, 2}
		s.groups = append(s.groups, h345)
	}
	return nil
}

// Submit uploads the frame and runs all shader passes, then queues the
// channel readback. Part of the pipeline.ChannelProvider contract.
func (s *Stage) Submit(f pipeline.Frame, doDetect bool) error {
	if s.lost {
		return ErrContextLost
	}
	if f.Width != s.width || f.Height != s.height {
		return ErrSizeMismatch
	}

	gl.Disable(gl.BLEND)
	gl.Disable(gl.DEPTH_TEST)
	gl.Disable(gl.DITHER)
	gl.DepthMask(false)

	frameTex := f.Texture
	if frameTex == 0 {
		if f.Pix == nil {
			return errors.New("gpu: frame carries neither pixels nor texture")
		}
		gl.BindTexture(gl.TEXTURE_2D, s.inputTex)
		gl.TexSubImage2D(gl.TEXTURE_2D, 0, 0, 0, int32(s.width), int32(s.height),
			gl.RGBA, gl.UNSIGNED_BYTE, gl.Ptr(f.Pix))
		frameTex = s.inputTex
	}

	for i := range s.nodes {
		s.runNode(&s.nodes[i], frameTex)
	}
	if gl.GetError() != gl.NO_ERROR {
		s.lost = true
		return ErrContextLost
	}

	if doDetect {
		for gi, ni := range s.groups {
			s.rb.queue(gi, s.nodes[ni].out.fbo)
		}
	}
	s.submitted = true
	s.doDetect = doDetect
	return nil
}

// Retrieve reads the packed channels of the submitted frame back and fills
// an ACF pyramid with them. The returned texture is the upright input.
func (s *Stage) Retrieve() (*acf.Pyramid, uint32, error) {
	if s.lost {
		return nil, 0, ErrContextLost
	}
	if !s.submitted {
		return nil, 0, errors.New("gpu: no frame submitted")
	}
	s.submitted = false
	tex := s.nodes[0].out.tex // rotate output

	if !s.doDetect {
		return nil, tex, nil
	}
	bufs, err := s.rb.collect()
	if err != nil {
		s.lost = true
		return nil, 0, err
	}
	pyr := s.fillPyramid(bufs)
	return pyr, tex, nil
}

// fillPyramid unpacks the RGBA group canvases into per level planar u8
// banks following the template layout, applying the per type padding the
// shader path leaves out.
func (s *Stage) fillPyramid(groups [][]uint8) *acf.Pyramid {
	t := s.template
	shrink := s.shrink
	pad := s.params.Pad

	pyr := &acf.Pyramid{
		Params:   t.Params,
		NTypes:   t.NTypes,
		NScales:  t.NScales,
		Info:     t.Info,
		Scales:   t.Scales,
		ScalesHW: t.ScalesHW,
		Lambdas:  t.Lambdas,
		Rois:     s.Rois,
	}
	pyr.Params.Pad = pad
	nCh := s.pack.nChannels()

	// plane to pad mode mapping, from the channel type metadata
	planeMode := make([]acf.PadMode, 0, nCh)
	for _, info := range t.Info {
		for k := 0; k < info.NChns; k++ {
			planeMode = append(planeMode, info.PadWith)
		}
	}

	for i := 0; i < t.NScales; i++ {
		tile := s.chTiles[i]
		w, h := tile.Dx(), tile.Dy()
		bank := acf.NewUint8Planar(w, h, nCh)
		for ch := 0; ch < nCh; ch++ {
			group, lane := ch/4, ch%4
			src := groups[group]
			dst := bank.Pix[ch*bank.PlaneStride:]
			for y := 0; y < h; y++ {
				// canvas rows are bottom-up in GL; flip on unpack
				sy := s.chanH - 1 - (tile.Min.Y + y)
				row := src[(sy*s.chanW+tile.Min.X)*4:]
				for x := 0; x < w; x++ {
					dst[y*w+x] = row[x*4+lane]
				}
			}
		}
		if pad.X > 0 || pad.Y > 0 {
			bank = padU8(bank, pad.X/shrink, pad.Y/shrink, planeMode)
		}
		pyr.Levels = append(pyr.Levels, &acf.ChannelBank{
			PlanarImage: &acf.PlanarImage{W: bank.W, H: bank.H, C: bank.C, PlaneStride: bank.PlaneStride},
			Info:        t.Info,
			U8:          bank,
		})
	}
	return pyr
}

// padU8 extends every plane of a u8 bank by its channel type's pad mode.
func padU8(src *acf.Uint8Planar, px, py int, planeMode []acf.PadMode) *acf.Uint8Planar {
	if px == 0 && py == 0 {
		return src
	}
	w, h := src.W+2*px, src.H+2*py
	out := acf.NewUint8Planar(w, h, src.C)
	for c := 0; c < src.C; c++ {
		mode := acf.PadZero
		if c < len(planeMode) {
			mode = planeMode[c]
		}
		sp := src.Pix[c*src.PlaneStride:]
		dp := out.Pix[c*out.PlaneStride:]
		for y := 0; y < h; y++ {
			sy := y - py
			if mode == acf.PadReplicate {
				sy = clamp(sy, 0, src.H-1)
			} else if sy < 0 || sy >= src.H {
				continue
			}
			for x := 0; x < w; x++ {
				sx := x - px
				if mode == acf.PadReplicate {
					sx = clamp(sx, 0, src.W-1)
				} else if sx < 0 || sx >= src.W {
					continue
				}
				dp[y*w+x] = sp[sy*src.W+sx]
			}
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// InputTexture exposes the upright frame texture, e.g. for preview.
func (s *Stage) InputTexture() uint32 {
	if len(s.nodes) == 0 {
		return 0
	}
	return s.nodes[0].out.tex
}

// Close releases all GL objects owned by the stage.
func (s *Stage) Close() error {
	for i := range s.nodes {
		s.nodes[i].out.release()
		if s.nodes[i].prog != 0 {
			gl.DeleteProgram(s.nodes[i].prog)
			// programs are shared between nodes; avoid double delete
			p := s.nodes[i].prog
			for j := range s.nodes {
				if s.nodes[j].prog == p {
					s.nodes[j].prog = 0
				}
			}
		}
	}
	s.nodes = nil
	if s.inputTex != 0 {
		gl.DeleteTextures(1, &s.inputTex)
		s.inputTex = 0
	}
	s.quad.release()
	s.rb.release()
	return nil
}
