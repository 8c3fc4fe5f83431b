// Package gpu computes the ACF channel bank with OpenGL shader passes. It
// commits to the same feature contract as the CPU path: channel semantics,
// scale layout and plane ordering match exactly, while pixel values may
// differ within the tolerance the cascade is trained for.
package gpu

import "github.com/pkg/errors"

// ErrContextLost reports a lost or failed GL context. The stage is left in
// an indeterminate state and must be dropped; the caller may build a new
// one after reinitializing the context.
var ErrContextLost = errors.New("gpu: context lost")

// ErrSizeMismatch reports an input whose dimensions differ from the size
// the stage was initialized with. This is fatal by contract.
var ErrSizeMismatch = errors.New("gpu: frame size does not match stage initialization")
