package gpu

import (
	"github.com/go-gl/gl/v3.3-core/gl"
	"github.com/pkg/errors"
)

// readback transfers the packed channel canvases to the CPU. With PBOs the
// pixel read is queued at submit time and only the buffer map blocks at
// retrieval, letting the transfer overlap the next frame's shader work.
// Without PBOs the read is a plain blocking ReadPixels at collect time.
type readback struct {
	w, h   int
	groups int
	usePBO bool

	pbos    []uint32
	fbos    []uint32 // deferred blocking reads when PBOs are off
	bufs    [][]uint8
	pending bool
}

func (r *readback) init(w, h, groups int, usePBO bool) error {
	r.w, r.h, r.groups, r.usePBO = w, h, groups, usePBO
	r.bufs = make([][]uint8, groups)
	r.fbos = make([]uint32, groups)
	for i := range r.bufs {
		r.bufs[i] = make([]uint8, w*h*4)
	}
	if usePBO {
		r.pbos = make([]uint32, groups)
		gl.GenBuffers(int32(groups), &r.pbos[0])
		for _, pbo := range r.pbos {
			gl.BindBuffer(gl.PIXEL_PACK_BUFFER, pbo)
			gl.BufferData(gl.PIXEL_PACK_BUFFER, w*h*4, nil, gl.STREAM_READ)
		}
		gl.BindBuffer(gl.PIXEL_PACK_BUFFER, 0)
	}
	return nil
}

// queue registers the group framebuffer for readback. With PBOs the
// asynchronous read starts immediately.
func (r *readback) queue(group int, fbo uint32) {
	r.fbos[group] = fbo
	if r.usePBO {
		gl.BindFramebuffer(gl.READ_FRAMEBUFFER, fbo)
		gl.BindBuffer(gl.PIXEL_PACK_BUFFER, r.pbos[group])
		gl.ReadPixels(0, 0, int32(r.w), int32(r.h), gl.RGBA, gl.UNSIGNED_BYTE, nil)
		gl.BindBuffer(gl.PIXEL_PACK_BUFFER, 0)
		gl.BindFramebuffer(gl.READ_FRAMEBUFFER, 0)
	}
	r.pending = true
}

// collect returns the group buffers, blocking as needed.
func (r *readback) collect() ([][]uint8, error) {
	if !r.pending {
		return nil, errors.New("gpu: no readback queued")
	}
	r.pending = false
	for g := 0; g < r.groups; g++ {
		if r.usePBO {
			gl.BindBuffer(gl.PIXEL_PACK_BUFFER, r.pbos[g])
			ptr := gl.MapBuffer(gl.PIXEL_PACK_BUFFER, gl.READ_ONLY)
			if ptr == nil {
				gl.BindBuffer(gl.PIXEL_PACK_BUFFER, 0)
				return nil, ErrContextLost
			}
			copy(r.bufs[g], unsafeSlice(ptr, len(r.bufs[g])))
			gl.UnmapBuffer(gl.PIXEL_PACK_BUFFER)
			gl.BindBuffer(gl.PIXEL_PACK_BUFFER, 0)
			continue
		}
		gl.BindFramebuffer(gl.READ_FRAMEBUFFER, r.fbos[g])
		gl.ReadPixels(0, 0, int32(r.w), int32(r.h), gl.RGBA, gl.UNSIGNED_BYTE, gl.Ptr(r.bufs[g]))
		gl.BindFramebuffer(gl.READ_FRAMEBUFFER, 0)
	}
	return r.bufs, nil
}

func (r *readback) release() {
	if len(r.pbos) > 0 {
		gl.DeleteBuffers(int32(len(r.pbos)), &r.pbos[0])
		r.pbos = nil
	}
}
