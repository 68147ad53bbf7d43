package tb

import "unsafe"

// unsafePtr returns the address backing mem's first byte. It does not
// panic on an empty slice: a nil slice yields nil, and any other empty
// slice yields a pointer that must not be dereferenced.
func unsafePtr(mem []byte) unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(mem))
}
