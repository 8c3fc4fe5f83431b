package gpu

import "unsafe"

// unsafeSlice views a mapped GL buffer as a byte slice. The view is only
// valid while the buffer stays mapped; callers copy out immediately.
func unsafeSlice(ptr unsafe.Pointer, n int) []uint8 {
	return unsafe.Slice((*uint8)(ptr), n)
}
