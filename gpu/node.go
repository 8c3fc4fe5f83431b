package gpu

import (
	"github.com/go-gl/gl/v3.3-core/gl"
)

// passKind tags the shader family a node runs.
type passKind int

const (
	passGain passKind = iota
	passSmoothH
	passSmoothV
	passRgb2Luv
	passPyramid
	passGradient
	passNorm
	passGradHist
	passMerge2
)

// node is one shader pass in the channel DAG. Nodes are owned by the stage
// arena and reference their inputs by index, never by pointer, so an edge
// cannot outlive the arena.
type node struct {
	name string
	kind passKind
	prog uint32
	out  target

	// inputs are arena indices; -1 marks an unused slot. Input 0 of the
	// first node is the external frame texture.
	in [2]int

	// per pass parameters
	gain      float32
	binBase   float32
	normConst float32
	srcTex    [4]int32
	srcChan   [4]int32
}

// add appends a node to the arena and returns its index.
func (s *Stage) add(n node) int {
	s.nodes = append(s.nodes, n)
	return len(s.nodes) - 1
}

// resolveInput resolves input slot i of a node to a texture id.
func (s *Stage) resolveInput(n *node, i int, frameTex uint32) uint32 {
	idx := n.in[i]
	if idx < 0 {
		return frameTex
	}
	return s.nodes[idx].out.tex
}

// runNode executes one pass over its full output target.
func (s *Stage) runNode(n *node, frameTex uint32) {
	gl.UseProgram(n.prog)
	gl.BindFramebuffer(gl.FRAMEBUFFER, n.out.fbo)
	gl.Viewport(0, 0, int32(n.out.w), int32(n.out.h))

	gl.ActiveTexture(gl.TEXTURE0)
	gl.BindTexture(gl.TEXTURE_2D, s.resolveInput(n, 0, frameTex))
	gl.Uniform1i(gl.GetUniformLocation(n.prog, gl.Str("tex0\x00")), 0)
	if n.in[1] >= 0 {
		gl.ActiveTexture(gl.TEXTURE1)
		gl.BindTexture(gl.TEXTURE_2D, s.resolveInput(n, 1, frameTex))
		gl.Uniform1i(gl.GetUniformLocation(n.prog, gl.Str("tex1\x00")), 1)
	}

	srcW, srcH := n.out.w, n.out.h
	if n.in[0] >= 0 {
		srcW, srcH = s.nodes[n.in[0]].out.w, s.nodes[n.in[0]].out.h
	} else {
		srcW, srcH = s.width, s.height
	}
	texel := [2]float32{1 / float32(srcW), 1 / float32(srcH)}

	ident := [9]float32{1, 0, 0, 0, 1, 0, 0, 0, 1}
	mat := ident
	if n.kind == passGain && n.name == "rotate" {
		mat = s.rotMat
	}
	gl.UniformMatrix3fv(gl.GetUniformLocation(n.prog, gl.Str("texMat\x00")), 1, false, &mat[0])

	switch n.kind {
	case passGain:
		gl.Uniform1f(gl.GetUniformLocation(n.prog, gl.Str("gain\x00")), n.gain)
	case passSmoothH:
		gl.Uniform2f(gl.GetUniformLocation(n.prog, gl.Str("dir\x00")), texel[0], 0)
	case passSmoothV:
		gl.Uniform2f(gl.GetUniformLocation(n.prog, gl.Str("dir\x00")), 0, texel[1])
	case passGradient:
		gl.Uniform2f(gl.GetUniformLocation(n.prog, gl.Str("texel\x00")), texel[0], texel[1])
	case passNorm:
		gl.Uniform1f(gl.GetUniformLocation(n.prog, gl.Str("normConst\x00")), n.normConst)
	case passGradHist:
		gl.Uniform1f(gl.GetUniformLocation(n.prog, gl.Str("nOrients\x00")), float32(s.nOrients))
		gl.Uniform1f(gl.GetUniformLocation(n.prog, gl.Str("binBase\x00")), n.binBase)
	case passMerge2:
		gl.Uniform4i(gl.GetUniformLocation(n.prog, gl.Str("srcTex\x00")),
			n.srcTex[0], n.srcTex[1], n.srcTex[2], n.srcTex[3])
		gl.Uniform4i(gl.GetUniformLocation(n.prog, gl.Str("srcChan\x00")),
			n.srcChan[0], n.srcChan[1], n.srcChan[2], n.srcChan[3])
	}

	if n.kind == passPyramid {
		// render the source once per level into its tile
		for _, r := range s.tiles {
			gl.Viewport(int32(r.Min.X), int32(r.Min.Y), int32(r.Dx()), int32(r.Dy()))
			s.quad.draw()
		}
	} else {
		s.quad.draw()
	}
	gl.BindFramebuffer(gl.FRAMEBUFFER, 0)
}
