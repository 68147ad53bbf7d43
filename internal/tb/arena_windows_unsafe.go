//go:build windows

package tb

import "unsafe"

func unsafeSliceFromPointer(addr uintptr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}

func unsafePtrAsUintptr(mem []byte) uintptr {
	return uintptr(unsafePtr(mem))
}
